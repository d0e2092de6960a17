package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"codeberg.org/mutker/tripunit/internal/logger"
	"codeberg.org/mutker/tripunit/internal/metering"
	"codeberg.org/mutker/tripunit/internal/pid"
	"codeberg.org/mutker/tripunit/internal/pipeline"
	"codeberg.org/mutker/tripunit/internal/sample"
	"codeberg.org/mutker/tripunit/internal/store"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the sampling pipeline against the simulated front end",
	Long: `Run samples the simulated front end, evaluates the pickup comparators
and stores waveform captures. Send SIGUSR1 to request an extended capture.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return run(cmd.Context())
	},
}

func init() {
	flags := runCmd.Flags()
	flags.Int("line-frequency", 60, "Nominal line frequency in Hz (50 or 60)")
	flags.String("db", "", "Path to the capture database")
	flags.String("compression", "", "Page compression (lz4, zstd, none)")
	flags.String("pid-file", "", "Path to the PID file")
	flags.Bool("metering", true, "Persist sub-interval metering")
	flags.Duration("fault-at", 0, "Inject a phase A fault after this long (0 disables)")
	flags.Float64("fault-rms", 0, "Fault current in raw counts RMS")
}

func run(ctx context.Context) error {
	log := logger.New()

	if err := pid.Write(cfg.PIDFile); err != nil {
		return err
	}
	defer func() {
		if err := pid.Remove(cfg.PIDFile); err != nil {
			log.Error().Err(err).Msg("Failed to remove PID file")
		}
	}()

	st, err := store.Open(cfg.Store(), log.With("store"))
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close store")
		}
	}()

	firstID, err := st.NextEventID(ctx)
	if err != nil {
		return err
	}

	collector, err := metering.NewService(cfg.MeteringService(), st, log.With("metering"))
	if err != nil {
		return err
	}
	defer func() {
		if err := collector.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close metering")
		}
	}()

	p, err := pipeline.New(cfg, pipeline.Options{
		Source:       sample.NewSimulator(cfg.Source()),
		Storage:      st,
		Metering:     collector,
		Epoch:        time.Now(),
		FirstEventID: firstID,
	}, log.With("pipeline"))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	usr1 := make(chan os.Signal, 1)
	signal.Notify(usr1, syscall.SIGUSR1)
	defer signal.Stop(usr1)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-usr1:
				log.Info().Msg("Extended capture requested")
				p.RequestExtended()
			}
		}
	}()

	if err := p.Run(ctx); err != nil {
		return err
	}

	logger.Info().Msg("Exiting...")

	return nil
}
