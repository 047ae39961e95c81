package dataset

import (
	"fmt"
	"math/rand"

	"github.com/brainage/brainage/vision/preprocessing"
)

// Collection is a raw set of scans with demographics, before feature
// extraction and age normalization.
type Collection struct {
	Volumes  []*preprocessing.Volume
	Ages     []float64
	Subjects []string
	Cohorts  []Cohort
}

func (c *Collection) Len() int {
	return len(c.Volumes)
}

// Subset returns the scans at the given indices, sharing volume storage
func (c *Collection) Subset(indices []int) *Collection {
	out := &Collection{
		Volumes:  make([]*preprocessing.Volume, len(indices)),
		Ages:     make([]float64, len(indices)),
		Subjects: make([]string, len(indices)),
		Cohorts:  make([]Cohort, len(indices)),
	}
	for k, i := range indices {
		out.Volumes[k] = c.Volumes[i]
		out.Ages[k] = c.Ages[i]
		out.Subjects[k] = c.Subjects[i]
		out.Cohorts[k] = c.Cohorts[i]
	}
	return out
}

// FilterCohort returns the scans belonging to any of the given cohorts
func (c *Collection) FilterCohort(cohorts ...Cohort) *Collection {
	want := make(map[Cohort]bool, len(cohorts))
	for _, co := range cohorts {
		want[co] = true
	}
	var indices []int
	for i, co := range c.Cohorts {
		if want[co] {
			indices = append(indices, i)
		}
	}
	return c.Subset(indices)
}

// ExcludeSubjects returns the scans of every subject not listed
func (c *Collection) ExcludeSubjects(subjects ...string) *Collection {
	drop := make(map[string]bool, len(subjects))
	for _, s := range subjects {
		drop[s] = true
	}
	var indices []int
	for i, s := range c.Subjects {
		if !drop[s] {
			indices = append(indices, i)
		}
	}
	return c.Subset(indices)
}

// SyntheticConfig describes a generated cohort of random-normal volumes
type SyntheticConfig struct {
	Subjects        int
	ScansPerSubject int
	Grid            preprocessing.Grid
	AgeMin          float64
	AgeMax          float64
	Cohorts         []Cohort // assigned to subjects round-robin
	Seed            int64
}

// DefaultSyntheticConfig returns 4 subjects with 5 scans each on the 64³ grid
func DefaultSyntheticConfig() SyntheticConfig {
	return SyntheticConfig{
		Subjects:        4,
		ScansPerSubject: 5,
		Grid:            preprocessing.CanonicalGrid,
		AgeMin:          60,
		AgeMax:          90,
		Cohorts:         []Cohort{Nondemented},
		Seed:            42,
	}
}

// Synthetic generates a collection of standard normal volumes with ages
// drawn uniformly from [AgeMin, AgeMax].
func Synthetic(cfg SyntheticConfig) (*Collection, error) {
	if cfg.Subjects <= 0 || cfg.ScansPerSubject <= 0 {
		return nil, fmt.Errorf("synthetic cohort needs positive subjects and scans, got %d and %d", cfg.Subjects, cfg.ScansPerSubject)
	}
	if !cfg.Grid.Valid() {
		return nil, fmt.Errorf("invalid grid %s", cfg.Grid)
	}
	if cfg.AgeMax < cfg.AgeMin {
		return nil, fmt.Errorf("age range [%v, %v] is empty", cfg.AgeMin, cfg.AgeMax)
	}
	cohorts := cfg.Cohorts
	if len(cohorts) == 0 {
		cohorts = []Cohort{Nondemented}
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	n := cfg.Subjects * cfg.ScansPerSubject
	c := &Collection{
		Volumes:  make([]*preprocessing.Volume, 0, n),
		Ages:     make([]float64, 0, n),
		Subjects: make([]string, 0, n),
		Cohorts:  make([]Cohort, 0, n),
	}
	for s := 0; s < cfg.Subjects; s++ {
		subject := fmt.Sprintf("SUBJ_%03d", s+1)
		cohort := cohorts[s%len(cohorts)]
		for k := 0; k < cfg.ScansPerSubject; k++ {
			data := make([]float32, cfg.Grid.Voxels())
			for i := range data {
				data[i] = float32(rng.NormFloat64())
			}
			c.Volumes = append(c.Volumes, &preprocessing.Volume{Grid: cfg.Grid, Data: data})
			c.Ages = append(c.Ages, cfg.AgeMin+rng.Float64()*(cfg.AgeMax-cfg.AgeMin))
			c.Subjects = append(c.Subjects, subject)
			c.Cohorts = append(c.Cohorts, cohort)
		}
	}
	return c, nil
}
