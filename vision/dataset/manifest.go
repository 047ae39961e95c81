package dataset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/brainage/brainage/vision/preprocessing"
)

var manifestHeader = []string{"subject", "age", "cohort", "volume_path"}

// Record is one manifest row
type Record struct {
	Subject    string
	Age        float64
	Cohort     Cohort
	VolumePath string
}

// LoadManifest reads a CSV manifest with the header
// subject,age,cohort,volume_path. Relative volume paths are resolved against
// the manifest's directory.
func LoadManifest(path string) ([]Record, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open manifest: %w", err)
	}
	defer file.Close()

	records, err := ReadManifest(file)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	base := filepath.Dir(path)
	for i := range records {
		if !filepath.IsAbs(records[i].VolumePath) {
			records[i].VolumePath = filepath.Join(base, records[i].VolumePath)
		}
	}
	return records, nil
}

// ReadManifest parses manifest rows from r
func ReadManifest(r io.Reader) ([]Record, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = len(manifestHeader)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrNoSamples
		}
		return nil, fmt.Errorf("failed to read manifest header: %w", err)
	}
	for i, name := range manifestHeader {
		if !strings.EqualFold(strings.TrimSpace(header[i]), name) {
			return nil, fmt.Errorf("manifest column %d is %q, expected %q", i, header[i], name)
		}
	}

	var records []Record
	for line := 2; ; line++ {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		age, err := strconv.ParseFloat(strings.TrimSpace(row[1]), 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: invalid age %q: %w", line, row[1], err)
		}
		cohort, err := ParseCohort(row[2])
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		records = append(records, Record{
			Subject:    strings.TrimSpace(row[0]),
			Age:        age,
			Cohort:     cohort,
			VolumePath: strings.TrimSpace(row[3]),
		})
	}
	if len(records) == 0 {
		return nil, ErrNoSamples
	}
	return records, nil
}

// WriteManifest writes records with the standard header
func WriteManifest(w io.Writer, records []Record) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(manifestHeader); err != nil {
		return err
	}
	for _, rec := range records {
		row := []string{
			rec.Subject,
			strconv.FormatFloat(rec.Age, 'f', -1, 64),
			rec.Cohort.String(),
			rec.VolumePath,
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// LoadCollection reads every record's volume with reader
func LoadCollection(records []Record, reader *preprocessing.VolumeReader, workers int) (*Collection, error) {
	paths := make([]string, len(records))
	for i, rec := range records {
		paths[i] = rec.VolumePath
	}
	volumes, err := reader.ReadFiles(paths, workers)
	if err != nil {
		return nil, err
	}

	c := &Collection{
		Volumes:  volumes,
		Ages:     make([]float64, len(records)),
		Subjects: make([]string, len(records)),
		Cohorts:  make([]Cohort, len(records)),
	}
	for i, rec := range records {
		c.Ages[i] = rec.Age
		c.Subjects[i] = rec.Subject
		c.Cohorts[i] = rec.Cohort
	}
	return c, nil
}
