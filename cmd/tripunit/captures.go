package main

import (
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"codeberg.org/mutker/tripunit/internal/errors"
	"codeberg.org/mutker/tripunit/internal/export"
	"codeberg.org/mutker/tripunit/internal/logger"
	"codeberg.org/mutker/tripunit/internal/store"
	"github.com/spf13/cobra"
)

var (
	exportCSVPath  string
	exportPNGPath  string
	exportChannels []string
)

var capturesCmd = &cobra.Command{
	Use:   "captures",
	Short: "Inspect stored waveform captures",
}

var capturesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored captures, newest first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		st, err := store.Open(cfg.Store(), logger.New().With("store"))
		if err != nil {
			return err
		}
		defer st.Close()

		summaries, err := st.ListCaptures(cmd.Context())
		if err != nil {
			return err
		}

		writer := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(writer, "ID\tKIND\tFIRST SAMPLE\tTRIGGER\tSAMPLES\tPAGES\tCOMPLETE")
		for _, s := range summaries {
			fmt.Fprintf(writer, "%d\t%s\t%s\t%s\t%d\t%d\t%t\n",
				s.EventID, s.Kind,
				s.FirstSample.Format(time.RFC3339Nano),
				s.TriggerTime.Format(time.RFC3339Nano),
				s.Samples, s.Pages, s.Completed)
		}

		return writer.Flush()
	},
}

var capturesExportCmd = &cobra.Command{
	Use:   "export <id>",
	Short: "Export a capture as CSV and/or PNG chart",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return errors.New().WithData(errors.ErrInvalidArgument, args[0])
		}

		st, err := store.Open(cfg.Store(), logger.New().With("store"))
		if err != nil {
			return err
		}
		defer st.Close()

		capture, err := st.ReadCapture(cmd.Context(), id)
		if err != nil {
			return err
		}

		if err := export.Capture(capture, export.Options{
			CSVPath:  exportCSVPath,
			PNGPath:  exportPNGPath,
			Channels: exportChannels,
		}); err != nil {
			return err
		}

		logger.Info().
			Int64("event_id", id).
			Int("samples", len(capture.Samples)).
			Str("csv", exportCSVPath).
			Str("png", exportPNGPath).
			Msg("Capture exported")

		return nil
	},
}

func init() {
	capturesCmd.PersistentFlags().String("db", "", "Path to the capture database")

	capturesExportCmd.Flags().StringVar(&exportCSVPath, "csv", "", "Path to write CSV data")
	capturesExportCmd.Flags().StringVar(&exportPNGPath, "png", "", "Path to write PNG chart")
	capturesExportCmd.Flags().StringSliceVar(&exportChannels, "channels", export.DefaultChannels, "Channels to plot")

	capturesCmd.AddCommand(capturesListCmd)
	capturesCmd.AddCommand(capturesExportCmd)
}
