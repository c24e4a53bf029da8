// Package main provides the command line entrypoint for cmrglu.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"cmrglu/pkg/config"
	"cmrglu/pkg/pipeline"
	"cmrglu/pkg/store"
)

var (
	configPath string
	verbose    bool
	logFile    string

	fitOpts struct {
		out            string
		brain          string
		seg            string
		fwhm           float64
		fwhmSeg        float64
		wholeBrainOnly bool
		noDelay        bool
		voxelDelay     bool
		tissueDensity  float64
		bloodDensity   float64
		pie            float64
		glucose        float64
		betaOne        []float64
		betaTwo        []float64
		delay          []float64
		workers        int
		history        string
		previews       bool
	}

	historyDB    string
	historyLimit int
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "cmrglu",
		Short: "Estimate the cerebral metabolic rate of glucose from dynamic FDG PET",
		Long: `cmrglu fits an arterial input function to blood samples, then fits a
two-tissue compartment model to the whole-brain and voxel time activity
curves of a dynamic PET scan, using CBF and CBV images as constraints.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setupLogging()
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "Also write the log to this file")

	rootCmd.AddCommand(newFitCmd(), newInitConfigCmd(), newHistoryCmd())
	return rootCmd
}

func setupLogging() error {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	if verbose {
		log.SetLevel(log.DebugLevel)
	}
	if logFile == "" {
		return nil
	}
	f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	log.SetOutput(io.MultiWriter(os.Stderr, f))
	return nil
}

func newFitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fit <pet> <info> <blood> <cbf> <cbv>",
		Short: "Run a complete cmrGlu analysis",
		Long: `Fit the input function, the whole-brain curve and every voxel of a
dynamic PET image.

  pet    4D NIfTI image of the PET frames
  info   text file with one (start, mid, duration) row per frame, in seconds
  blood  text file with one (time, counts) row per arterial sample
  cbf    CBF image in mL/hg/min on the PET grid
  cbv    CBV image in mL/hg on the PET grid`,
		Args: cobra.ExactArgs(5),
		RunE: runFit,
	}
	f := cmd.Flags()
	f.StringVarP(&fitOpts.out, "out", "o", "", "Root for output file names")
	f.StringVar(&fitOpts.brain, "brain", "", "Brain mask image")
	f.StringVar(&fitOpts.seg, "seg", "", "Segmentation image for CBV region averaging")
	f.Float64Var(&fitOpts.fwhm, "fwhm", 0, "FWHM in mm of the CBF and CBV smoothing kernel")
	f.Float64Var(&fitOpts.fwhmSeg, "fwhm-seg", 0, "FWHM in mm of the smoothing applied after region averaging")
	f.BoolVar(&fitOpts.wholeBrainOnly, "whole-brain-only", false, "Skip the voxelwise estimation")
	f.BoolVar(&fitOpts.noDelay, "no-delay", false, "Fit without an input function delay")
	f.BoolVar(&fitOpts.voxelDelay, "voxel-delay", false, "Estimate a delay in every voxel")
	f.Float64Var(&fitOpts.tissueDensity, "tissue-density", 0, "Brain tissue density in g/mL")
	f.Float64Var(&fitOpts.bloodDensity, "blood-density", 0, "Blood density in g/mL")
	f.Float64Var(&fitOpts.pie, "pie", 0, "Scanner pie calibration factor")
	f.Float64Var(&fitOpts.glucose, "glucose", 0, "Blood glucose in mg/dL")
	f.Float64SliceVar(&fitOpts.betaOne, "beta-one", nil, "Lower and upper bound of the betaOne scale")
	f.Float64SliceVar(&fitOpts.betaTwo, "beta-two", nil, "Lower and upper bound of the betaTwo scale")
	f.Float64SliceVar(&fitOpts.delay, "delay-bounds", nil, "Lower and upper bound of the delay in seconds")
	f.IntVarP(&fitOpts.workers, "workers", "j", 0, "Number of voxel workers")
	f.StringVar(&fitOpts.history, "history", "", "SQLite database recording every run")
	f.BoolVar(&fitOpts.previews, "previews", false, "Save a JPEG preview of every map")
	return cmd
}

// applyFitFlags overrides configuration values with the flags that were set
func applyFitFlags(cmd *cobra.Command, cfg *config.Config) {
	changed := cmd.Flags().Changed
	if changed("out") {
		cfg.Output.Root = fitOpts.out
	}
	if changed("fwhm") {
		cfg.Smoothing.FWHM = fitOpts.fwhm
	}
	if changed("fwhm-seg") {
		cfg.Smoothing.FWHMSeg = fitOpts.fwhmSeg
	}
	if changed("whole-brain-only") {
		cfg.Processing.WholeBrainOnly = fitOpts.wholeBrainOnly
	}
	if changed("no-delay") && fitOpts.noDelay {
		cfg.Processing.Model = config.ModelNoDelay
	}
	if changed("voxel-delay") {
		cfg.Processing.VoxelDelay = fitOpts.voxelDelay
	}
	if changed("tissue-density") {
		cfg.Physiology.TissueDensity = fitOpts.tissueDensity
	}
	if changed("blood-density") {
		cfg.Physiology.BloodDensity = fitOpts.bloodDensity
	}
	if changed("pie") {
		cfg.Physiology.PieFactor = fitOpts.pie
	}
	if changed("glucose") {
		cfg.Physiology.BloodGlucose = fitOpts.glucose
	}
	if changed("beta-one") {
		cfg.Bounds.BetaOne = fitOpts.betaOne
	}
	if changed("beta-two") {
		cfg.Bounds.BetaTwo = fitOpts.betaTwo
	}
	if changed("delay-bounds") {
		cfg.Bounds.Delay = fitOpts.delay
	}
	if changed("workers") {
		cfg.Processing.NumWorkers = fitOpts.workers
	}
	if changed("history") {
		cfg.Output.HistoryDB = fitOpts.history
	}
	if changed("previews") {
		cfg.Output.SavePreviews = fitOpts.previews
	}
	if verbose {
		cfg.Output.Verbose = true
	}
}

func runFit(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}
	applyFitFlags(cmd, cfg)
	if cfg.Output.Verbose {
		log.SetLevel(log.DebugLevel)
	}

	p, err := pipeline.New(cfg, pipeline.Inputs{
		PET:   args[0],
		Info:  args[1],
		Blood: args[2],
		CBF:   args[3],
		CBV:   args[4],
		Brain: fitOpts.brain,
		Seg:   fitOpts.seg,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	res, err := p.Process(ctx)
	if err != nil {
		return err
	}
	log.Infof("Analysis completed in %.2f seconds, %d files written", time.Since(start).Seconds(), len(res.Files))
	return nil
}

func newInitConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init-config [path]",
		Short: "Write a configuration file with default values",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "cmrglu.yaml"
			if len(args) == 1 {
				path = args[0]
			} else if configPath != "" {
				path = configPath
			}
			if err := config.CreateDefaultConfigFile(path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote default configuration to %s\n", path)
			return nil
		},
	}
}

func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded analyses",
		Args:  cobra.NoArgs,
		RunE:  runHistory,
	}
	cmd.Flags().StringVar(&historyDB, "db", "", "SQLite run database (defaults to the configured one)")
	cmd.Flags().IntVarP(&historyLimit, "last", "n", 20, "Number of runs to show")
	return cmd
}

func runHistory(cmd *cobra.Command, _ []string) error {
	path := historyDB
	if path == "" {
		cfg, err := config.LoadConfig(configPath)
		if err != nil {
			return err
		}
		path = cfg.Output.HistoryDB
	}
	if path == "" {
		return fmt.Errorf("no run database given: use --db or set output.historyDB")
	}

	s, err := store.Open(path)
	if err != nil {
		return err
	}
	defer s.Close()

	runs, err := s.ListRuns(context.Background(), historyLimit)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(runs) == 0 {
		fmt.Fprintln(out, "No runs recorded")
		return nil
	}
	fmt.Fprintf(out, "%-36s  %-19s  %-8s  %8s  %6s  %10s  %s\n", "ID", "FINISHED", "MODEL", "VOXELS", "FAILED", "CMRGLU", "ROOT")
	for _, r := range runs {
		fmt.Fprintf(out, "%-36s  %-19s  %-8s  %8d  %6d  %10.4f  %s\n",
			r.ID, r.FinishedAt.Local().Format("2006-01-02 15:04:05"), r.Model, r.Voxels, r.Failed, r.Values["cmrGlu"], r.Root)
	}
	return nil
}
