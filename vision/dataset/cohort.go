package dataset

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownCohort is returned when a demographics label is not recognised
var ErrUnknownCohort = errors.New("unknown cohort")

// Cohort is the clinical group a scan belongs to
type Cohort int

const (
	Nondemented Cohort = iota
	Demented
	Converted
)

// Cohorts lists every cohort in reporting order
var Cohorts = []Cohort{Nondemented, Demented, Converted}

func (c Cohort) String() string {
	switch c {
	case Nondemented:
		return "Nondemented"
	case Demented:
		return "Demented"
	case Converted:
		return "Converted"
	default:
		return "Unknown"
	}
}

// ParseCohort maps a demographics label to a Cohort. Matching is
// case-insensitive; an empty label means the scan is unlabeled baseline.
func ParseCohort(label string) (Cohort, error) {
	switch strings.ToLower(strings.TrimSpace(label)) {
	case "", "nondemented":
		return Nondemented, nil
	case "demented":
		return Demented, nil
	case "converted":
		return Converted, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownCohort, label)
}

func (c Cohort) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *Cohort) UnmarshalText(text []byte) error {
	v, err := ParseCohort(string(text))
	if err != nil {
		return err
	}
	*c = v
	return nil
}
