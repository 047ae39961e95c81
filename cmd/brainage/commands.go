package main

import (
	"context"
	"encoding/csv"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"

	"github.com/brainage/brainage/engine"
	"github.com/brainage/brainage/layers"
	"github.com/brainage/brainage/training"
	"github.com/brainage/brainage/vision/dataloader"
	"github.com/brainage/brainage/vision/dataset"
	"github.com/brainage/brainage/vision/preprocessing"
)

func runTrain(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	var synthetic int
	var progress bool
	cfg, err := parseConfig("train", args, stderr, func(fs *flag.FlagSet) {
		fs.IntVar(&synthetic, "synthetic", 0, "train on N generated subjects instead of a manifest")
		fs.BoolVar(&progress, "progress", false, "draw a progress bar on stderr")
	})
	if err != nil {
		return err
	}
	env, err := newEnvironment(ctx, cfg, stderr)
	if err != nil {
		return err
	}
	defer env.Close()
	logger := env.logger

	layers.SetRandomSeed(cfg.Training.Seed)
	coll, err := loadCollection(cfg, synthetic)
	if err != nil {
		return err
	}
	// The model learns normal ageing; other cohorts are only evaluated
	healthy := coll.FilterCohort(dataset.Nondemented)
	if healthy.Len() == 0 {
		return fmt.Errorf("%w: no nondemented scans to train on", dataset.ErrNoSamples)
	}
	trainIdx, valIdx, err := dataset.GroupShuffleSplit(healthy.Subjects, cfg.TestFraction, cfg.Training.Seed)
	if err != nil {
		return err
	}
	trainColl, valColl := healthy.Subset(trainIdx), healthy.Subset(valIdx)
	logger.Info("dataset split",
		"scans", coll.Len(),
		"train_scans", trainColl.Len(),
		"val_scans", valColl.Len(),
	)

	ages, err := dataset.FitAgeNormalizer(healthy.Ages)
	if err != nil {
		return err
	}
	trainDS, err := dataset.New(ctx, trainColl.Volumes, ages.NormalizeAll(trainColl.Ages),
		dataset.WithTraining(true),
		dataset.WithGrid(cfg.Grid),
		dataset.WithSubjects(trainColl.Subjects),
		dataset.WithCohorts(trainColl.Cohorts),
		dataset.WithChronologicalAges(trainColl.Ages),
		dataset.WithAugmenter(dataset.NewAugmenter(dataset.DefaultAugmentConfig(), cfg.Training.Seed)),
		dataset.WithWorkers(cfg.Workers),
		dataset.WithLogger(logger),
	)
	if err != nil {
		return err
	}
	valDS, err := dataset.New(ctx, valColl.Volumes, ages.NormalizeAll(valColl.Ages),
		dataset.WithFeatureNormalizer(trainDS.FeatureNormalizer()),
		dataset.WithGrid(cfg.Grid),
		dataset.WithSubjects(valColl.Subjects),
		dataset.WithCohorts(valColl.Cohorts),
		dataset.WithChronologicalAges(valColl.Ages),
		dataset.WithWorkers(cfg.Workers),
		dataset.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	trainLoader, err := dataloader.NewDataLoader(trainDS, dataloader.Config{
		BatchSize: cfg.Training.BatchSize,
		Shuffle:   true,
		Seed:      cfg.Training.Seed,
	})
	if err != nil {
		return err
	}
	valLoader, err := dataloader.NewDataLoader(valDS, dataloader.Config{BatchSize: cfg.Training.BatchSize})
	if err != nil {
		return err
	}

	model, err := engine.NewBrainAgeNet(engine.DefaultConfig())
	if err != nil {
		return err
	}
	logger.Debug("model", "summary", model.Summary())

	runID := uuid.NewString()
	if env.store != nil {
		if err := env.store.CreateRun(ctx, runID, cfg.Training); err != nil {
			return err
		}
	}
	opts := []training.Option{
		training.WithLogger(logger),
		training.WithReporter(env.reporter),
		training.WithRunID(runID),
		training.WithTrainingSubjects(trainColl.Subjects),
	}
	if progress {
		opts = append(opts, training.WithProgress(stderr))
	}
	trainer, err := training.NewTrainer(model, cfg.Training, ages, trainDS.FeatureNormalizer(), opts...)
	if err != nil {
		return err
	}

	history, err := trainer.Fit(ctx, trainLoader, valLoader)
	if env.store != nil && history != nil {
		if ferr := env.store.FinishRun(context.WithoutCancel(ctx), history); ferr != nil {
			logger.Warn("recording run outcome", "error", ferr)
		}
	}
	if err != nil {
		return err
	}

	if cfg.PlotsDir != "" {
		dir := filepath.Join(cfg.PlotsDir, runID)
		if err := training.WritePlots(dir, training.TrainingCurves(history)); err != nil {
			return err
		}
		logger.Info("plots written", "dir", dir)
	}

	fmt.Fprintf(stdout, "run %s: %d epochs", runID, len(history.Epochs))
	if history.BestEpoch >= 0 {
		best := history.Epochs[history.BestEpoch]
		fmt.Fprintf(stdout, ", best epoch %d (val loss %.4f, val MAE %.2f years)",
			best.Epoch+1, best.ValLoss, best.Val.MAE)
	}
	if history.StoppedEarly {
		fmt.Fprint(stdout, ", stopped early")
	}
	fmt.Fprintf(stdout, "\ncheckpoint: %s\n", cfg.Training.CheckpointPath)
	return nil
}

func runEvaluate(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	var synthetic int
	var predictions, runID string
	var includeTraining bool
	cfg, err := parseConfig("evaluate", args, stderr, func(fs *flag.FlagSet) {
		fs.IntVar(&synthetic, "synthetic", 0, "evaluate N generated subjects instead of a manifest")
		fs.BoolVar(&includeTraining, "include-training", false, "also score scans of the subjects the model was trained on")
		fs.StringVar(&predictions, "predictions", "", "write per-scan predictions to this CSV file")
		fs.StringVar(&runID, "run-id", "", "record results under this run instead of the checkpoint's")
	})
	if err != nil {
		return err
	}
	env, err := newEnvironment(ctx, cfg, stderr)
	if err != nil {
		return err
	}
	defer env.Close()

	opts := []training.Option{
		training.WithLogger(env.logger),
		training.WithReporter(env.reporter),
		training.WithBatchSize(cfg.Training.BatchSize),
	}
	if runID != "" {
		opts = append(opts, training.WithRunID(runID))
	}
	ev, err := training.LoadEvaluator(cfg.Training.CheckpointPath, opts...)
	if err != nil {
		return err
	}

	coll, err := loadCollection(cfg, synthetic)
	if err != nil {
		return err
	}
	if trained := ev.TrainingSubjects(); !includeTraining && len(trained) > 0 {
		scans := coll.Len()
		coll = coll.ExcludeSubjects(trained...)
		env.logger.Info("excluded training subjects",
			"subjects", len(trained),
			"scans", scans-coll.Len(),
		)
	}
	ds, err := ev.PrepareDataset(ctx, coll,
		dataset.WithGrid(cfg.Grid),
		dataset.WithWorkers(cfg.Workers),
		dataset.WithLogger(env.logger),
	)
	if err != nil {
		return err
	}
	report, err := ev.Evaluate(ctx, ds)
	if err != nil {
		return err
	}

	if err := writeReport(stdout, report); err != nil {
		return err
	}
	if predictions != "" {
		if err := writePredictions(predictions, report); err != nil {
			return err
		}
	}
	if cfg.PlotsDir != "" {
		if err := training.WritePlots(cfg.PlotsDir, training.CohortScatterPlots(ev.RunID(), report)); err != nil {
			return err
		}
	}
	return nil
}

func writeReport(w io.Writer, report *training.EvaluationReport) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "cohort\tscans\tMAE\tRMSE\tmean gap\tstd gap\t")
	for _, c := range report.Cohorts {
		if c.Empty {
			fmt.Fprintf(tw, "%s\t0\t-\t-\t-\t-\t\n", c.Cohort)
			continue
		}
		fmt.Fprintf(tw, "%s\t%d\t%.2f\t%.2f\t%+.2f\t%.2f\t\n",
			c.Cohort, c.Count, c.MAE, c.RMSE, c.MeanGap, c.StdGap)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	for _, c := range report.Cohorts {
		if c.Empty {
			fmt.Fprintf(w, "No %s subjects found\n", c.Cohort)
		}
	}
	return nil
}

func writePredictions(path string, report *training.EvaluationReport) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create predictions file: %w", err)
	}
	defer file.Close()

	cw := csv.NewWriter(file)
	cw.Write([]string{"subject", "cohort", "actual_age", "predicted_age", "gap"})
	for _, p := range report.Predictions {
		cw.Write([]string{
			p.Subject,
			p.Cohort.String(),
			strconv.FormatFloat(p.ActualAge, 'f', 3, 64),
			strconv.FormatFloat(p.PredictedAge, 'f', 3, 64),
			strconv.FormatFloat(p.Gap, 'f', 3, 64),
		})
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("failed to write predictions: %w", err)
	}
	return file.Close()
}

func runSynth(_ context.Context, args []string, stdout, stderr io.Writer) error {
	sc := dataset.DefaultSyntheticConfig()
	sc.Cohorts = dataset.Cohorts
	var out string
	var compress bool
	cfg, err := parseConfig("synth", args, stderr, func(fs *flag.FlagSet) {
		fs.StringVar(&out, "out", "", "output directory. Required.")
		fs.IntVar(&sc.Subjects, "subjects", sc.Subjects, "number of subjects")
		fs.IntVar(&sc.ScansPerSubject, "scans", sc.ScansPerSubject, "scans per subject")
		fs.Float64Var(&sc.AgeMin, "age-min", sc.AgeMin, "youngest age")
		fs.Float64Var(&sc.AgeMax, "age-max", sc.AgeMax, "oldest age")
		fs.BoolVar(&compress, "xz", true, "xz-compress the volumes")
	})
	if err != nil {
		return err
	}
	if out == "" {
		return invalidInvocationf("-out is required")
	}
	sc.Grid = cfg.Grid
	sc.Seed = cfg.Training.Seed

	coll, err := dataset.Synthetic(sc)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Join(out, "volumes"), 0o755); err != nil {
		return err
	}

	ext := ".f32"
	if compress {
		ext += ".xz"
	}
	records := make([]dataset.Record, coll.Len())
	for i := range records {
		rel := filepath.Join("volumes", fmt.Sprintf("%s_%02d%s", coll.Subjects[i], i, ext))
		if err := preprocessing.WriteVolumeFile(filepath.Join(out, rel), coll.Volumes[i]); err != nil {
			return err
		}
		records[i] = dataset.Record{
			Subject:    coll.Subjects[i],
			Age:        coll.Ages[i],
			Cohort:     coll.Cohorts[i],
			VolumePath: rel,
		}
	}

	manifest := filepath.Join(out, "manifest.csv")
	file, err := os.Create(manifest)
	if err != nil {
		return err
	}
	defer file.Close()
	if err := dataset.WriteManifest(file, records); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	if err := file.Close(); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "wrote %d %s volumes for %d subjects to %s\n", coll.Len(), cfg.Grid, sc.Subjects, manifest)
	return nil
}

func runRuns(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	var show string
	cfg, err := parseConfig("runs", args, stderr, func(fs *flag.FlagSet) {
		fs.StringVar(&show, "show", "", "print the epochs and cohort results of one run")
	})
	if err != nil {
		return err
	}
	if cfg.RunStorePath == "" {
		return invalidInvocationf("-run-store is required")
	}
	env, err := newEnvironment(ctx, cfg, stderr)
	if err != nil {
		return err
	}
	defer env.Close()

	if show != "" {
		return showRun(ctx, stdout, env, show)
	}
	runs, err := env.store.ListRuns(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tSTARTED\tEPOCHS\tBEST EPOCH\tBEST VAL LOSS\tSTATUS")
	for _, r := range runs {
		bestEpoch, best, status := "-", "-", "running"
		if r.BestValLoss != nil {
			bestEpoch = strconv.Itoa(r.BestEpoch + 1)
			best = strconv.FormatFloat(*r.BestValLoss, 'f', 4, 64)
		}
		switch {
		case r.FinishedAt != nil && r.StoppedEarly:
			status = "stopped early"
		case r.FinishedAt != nil:
			status = "finished"
		}
		epochs, err := env.store.Epochs(ctx, r.ID)
		if err != nil {
			return err
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\n",
			r.ID, r.StartedAt.Format(time.RFC3339), len(epochs), bestEpoch, best, status)
	}
	return tw.Flush()
}

func showRun(ctx context.Context, w io.Writer, env *environment, id string) error {
	if _, err := env.store.GetRun(ctx, id); err != nil {
		return err
	}
	epochs, err := env.store.Epochs(ctx, id)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "EPOCH\tLR\tTRAIN LOSS\tVAL LOSS\tVAL MAE\tVAL RMSE\tIMPROVED")
	for _, e := range epochs {
		fmt.Fprintf(tw, "%d\t%.2e\t%.4f\t%.4f\t%.2f\t%.2f\t%t\n",
			e.Epoch+1, e.LearningRate, e.TrainLoss, e.ValLoss, e.Val.MAE, e.Val.RMSE, e.Improved)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	cohorts, err := env.store.CohortResults(ctx, id)
	if err != nil {
		return err
	}
	if len(cohorts) == 0 {
		return nil
	}
	fmt.Fprintln(w)
	return writeReport(w, &training.EvaluationReport{Cohorts: cohorts})
}
