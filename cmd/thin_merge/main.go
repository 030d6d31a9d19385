// Command thin_merge folds a thin pool's external-snapshot device into its
// origin device, writing the merged metadata to a separate output image.
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"thinmerge"
	"thinmerge/logger"
)

type config struct {
	input        string
	output       string
	origin       uint64
	snapshot     uint64
	haveSnapshot bool
	rebase       bool
	metadataSnap bool
	ioEngine     string
	quiet        bool
}

func newRootCmd() *cobra.Command {
	var cfg config

	cmd := &cobra.Command{
		Use:   "thin_merge",
		Short: "Merge an external snapshot device with its origin",
		Long: `Merges the mapping metadata of a thin external-snapshot device with that
of its origin device, producing a single merged device in a new metadata
image. The input metadata is only read; the output must be pre-sized.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg.haveSnapshot = cmd.Flags().Changed("snapshot")
			return run(&cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&cfg.input, "input", "i", "", "input device or file containing pool metadata")
	flags.StringVarP(&cfg.output, "output", "o", "", "output device or file for the merged metadata")
	flags.Uint64Var(&cfg.origin, "origin", 0, "device id of the origin thin device")
	flags.Uint64Var(&cfg.snapshot, "snapshot", 0, "device id of the external snapshot")
	flags.BoolVar(&cfg.rebase, "rebase", false, "publish the merged device under the snapshot's id")
	flags.BoolVarP(&cfg.metadataSnap, "metadata-snap", "m", false, "use the pool's frozen metadata snapshot")
	flags.StringVar(&cfg.ioEngine, "io-engine", "sync", "block I/O scheduling: sync or async")
	flags.BoolVarP(&cfg.quiet, "quiet", "q", false, "suppress progress output")

	cobra.CheckErr(cmd.MarkFlagRequired("input"))
	cobra.CheckErr(cmd.MarkFlagRequired("output"))
	cobra.CheckErr(cmd.MarkFlagRequired("origin"))

	return cmd
}

func run(cfg *config) error {
	if cfg.rebase && !cfg.haveSnapshot {
		return fmt.Errorf("--rebase requires --snapshot")
	}

	var mode thinmerge.EngineMode
	switch cfg.ioEngine {
	case "sync":
		mode = thinmerge.EngineSync
	case "async":
		mode = thinmerge.EngineAsync
	default:
		return fmt.Errorf("unknown io engine %q, want sync or async", cfg.ioEngine)
	}

	log := logrus.New()
	if cfg.quiet {
		log.SetLevel(logrus.ErrorLevel)
	}

	opts := []thinmerge.Option{
		thinmerge.WithEngineMode(mode),
		thinmerge.WithLogger(logger.NewLogrus(log)),
	}
	if cfg.haveSnapshot {
		opts = append(opts, thinmerge.WithSnapshot(cfg.snapshot))
	}
	if cfg.rebase {
		opts = append(opts, thinmerge.WithRebase())
	}
	if cfg.metadataSnap {
		opts = append(opts, thinmerge.WithMetadataSnap())
	}

	return thinmerge.Merge(cfg.input, cfg.output, cfg.origin, opts...)
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
