package main

import (
	"bytes"
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brainage/brainage/checkpoints"
	"github.com/brainage/brainage/training"
	"github.com/brainage/brainage/vision/dataset"
)

func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestUsage(t *testing.T) {
	code, _, stderr := runCLI(t)
	assert.Equal(t, exitInvalidInvocation, code)
	assert.Contains(t, stderr, "usage: brainage")

	code, stdout, _ := runCLI(t, "help")
	assert.Equal(t, exitSuccess, code)
	for _, c := range commands {
		assert.Contains(t, stdout, c.name)
	}

	code, _, stderr = runCLI(t, "fly")
	assert.Equal(t, exitInvalidInvocation, code)
	assert.Contains(t, stderr, `unknown command "fly"`)

	code, _, _ = runCLI(t, "train", "-h")
	assert.Equal(t, exitSuccess, code)
}

func TestInvocationErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		code int
	}{
		{"unknown flag", []string{"train", "-nope"}, exitInvalidInvocation},
		{"positional argument", []string{"train", "extra"}, exitInvalidInvocation},
		{"bad grid", []string{"train", "-grid", "0x1x1"}, exitInvalidInvocation},
		{"invalid config", []string{"train", "-batch-size", "0"}, exitConfigError},
		{"no data source", []string{"train"}, exitInvalidInvocation},
		{"both data sources", []string{"train", "-manifest", "m.csv", "-synthetic", "3"}, exitInvalidInvocation},
		{"synth without out", []string{"synth"}, exitInvalidInvocation},
		{"runs without store", []string{"runs"}, exitInvalidInvocation},
		{"missing checkpoint", []string{"evaluate", "-synthetic", "2", "-checkpoint", "/nonexistent/x.json"}, exitFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _, _ := runCLI(t, tt.args...)
			assert.Equal(t, tt.code, code)
		})
	}
}

func TestSynthTrainEvaluate(t *testing.T) {
	dir := t.TempDir()
	data := filepath.Join(dir, "data")
	manifest := filepath.Join(data, "manifest.csv")
	ckpt := filepath.Join(dir, "model.ckpt.xz")
	store := filepath.Join(dir, "runs.db")
	common := []string{"-grid", "8x8x8", "-seed", "3", "-workers", "2"}

	code, stdout, stderr := runCLI(t, append([]string{"synth", "-out", data, "-subjects", "6", "-scans", "2"}, common...)...)
	require.Equal(t, exitSuccess, code, stderr)
	assert.Contains(t, stdout, "wrote 12 8x8x8 volumes for 6 subjects")
	require.FileExists(t, manifest)

	code, stdout, stderr = runCLI(t, append([]string{"train",
		"-manifest", manifest,
		"-epochs", "2",
		"-batch-size", "4",
		"-checkpoint", ckpt,
		"-checkpoint-format", "binary",
		"-run-store", store,
		"-plots-dir", filepath.Join(dir, "plots"),
		"-log-format", "json",
	}, common...)...)
	require.Equal(t, exitSuccess, code, stderr)
	assert.Contains(t, stdout, "2 epochs, best epoch")
	assert.Contains(t, stderr, `"msg":"epoch complete"`)
	require.FileExists(t, ckpt)
	runID := strings.TrimSuffix(strings.Fields(stdout)[1], ":")
	assert.FileExists(t, filepath.Join(dir, "plots", runID, "loss_curves.json"))

	preds := filepath.Join(dir, "preds.csv")
	code, stdout, stderr = runCLI(t, append([]string{"evaluate",
		"-manifest", manifest,
		"-checkpoint", ckpt,
		"-run-store", store,
		"-predictions", preds,
	}, common...)...)
	require.Equal(t, exitSuccess, code, stderr)
	for _, cohort := range []string{"Nondemented", "Demented", "Converted"} {
		assert.Contains(t, stdout, cohort)
	}
	assert.NotContains(t, stdout, "subjects found")

	// the training partition of the healthy cohort is left out of the report
	trained := trainingSubjects(t, manifest, 3)
	require.NotEmpty(t, trained)
	ckptData, err := checkpoints.Load(ckpt)
	require.NoError(t, err)
	assert.ElementsMatch(t, trained, ckptData.Metadata.TrainingSubjects)

	rows := readCSV(t, preds)
	assert.Len(t, rows, 1+12-2*len(trained))
	assert.Equal(t, []string{"subject", "cohort", "actual_age", "predicted_age", "gap"}, rows[0])
	healthy := 0
	for _, row := range rows[1:] {
		assert.NotContains(t, trained, row[0])
		if row[1] == dataset.Nondemented.String() {
			healthy++
		}
	}
	assert.Positive(t, healthy, "held-out healthy subjects are still scored")

	all := filepath.Join(dir, "all.csv")
	code, _, stderr = runCLI(t, append([]string{"evaluate",
		"-manifest", manifest,
		"-checkpoint", ckpt,
		"-predictions", all,
		"-include-training",
	}, common...)...)
	require.Equal(t, exitSuccess, code, stderr)
	assert.Len(t, readCSV(t, all), 13)

	code, stdout, stderr = runCLI(t, "runs", "-run-store", store)
	require.Equal(t, exitSuccess, code, stderr)
	assert.Contains(t, stdout, runID)
	assert.Contains(t, stdout, "finished")

	code, stdout, stderr = runCLI(t, "runs", "-run-store", store, "-show", runID)
	require.Equal(t, exitSuccess, code, stderr)
	assert.Contains(t, stdout, "IMPROVED")
	assert.Contains(t, stdout, "Demented")

	code, _, _ = runCLI(t, "runs", "-run-store", store, "-show", "missing")
	assert.Equal(t, exitFailure, code)
}

// trainingSubjects repeats the grouped split train performs on the healthy
// cohort of a manifest
func trainingSubjects(t *testing.T, manifest string, seed int64) []string {
	t.Helper()
	records, err := dataset.LoadManifest(manifest)
	require.NoError(t, err)
	var healthy []string
	for _, r := range records {
		if r.Cohort == dataset.Nondemented {
			healthy = append(healthy, r.Subject)
		}
	}
	trainIdx, _, err := dataset.GroupShuffleSplit(healthy, 0.2, seed)
	require.NoError(t, err)
	var subjects []string
	for _, i := range trainIdx {
		if !slices.Contains(subjects, healthy[i]) {
			subjects = append(subjects, healthy[i])
		}
	}
	return subjects
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return rows
}

func TestSynthUncompressed(t *testing.T) {
	out := t.TempDir()
	code, _, stderr := runCLI(t, "synth", "-out", out, "-subjects", "2", "-scans", "1", "-grid", "4", "-xz=false")
	require.Equal(t, exitSuccess, code, stderr)

	vols, err := filepath.Glob(filepath.Join(out, "volumes", "*.f32"))
	require.NoError(t, err)
	require.Len(t, vols, 2)
	info, err := os.Stat(vols[0])
	require.NoError(t, err)
	assert.Equal(t, int64(4*4*4*4), info.Size())
}

func TestWriteReportNamesEmptyCohorts(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeReport(&buf, &training.EvaluationReport{Cohorts: []training.CohortResult{
		{Cohort: dataset.Nondemented, Count: 3, MAE: 4.25, RMSE: 5, MeanGap: 1.5, StdGap: 2},
		{Cohort: dataset.Demented, Empty: true},
	}}))
	out := buf.String()
	assert.Contains(t, out, "+1.50")
	assert.Contains(t, out, "4.25")
	assert.Contains(t, out, "No Demented subjects found")
	assert.NotContains(t, out, "No Nondemented")
}
