package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"codeberg.org/mutker/tripunit/internal/errors"
	"codeberg.org/mutker/tripunit/internal/logger"
	"codeberg.org/mutker/tripunit/internal/store"
	"github.com/spf13/cobra"
)

var meteringLimit int

var meteringCmd = &cobra.Command{
	Use:   "metering",
	Short: "Display recent sub-interval metering records",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if meteringLimit <= 0 {
			return errors.New().WithMessage(errors.ErrInvalidArgument, "--limit must be greater than zero")
		}

		st, err := store.Open(cfg.Store(), logger.New().With("store"))
		if err != nil {
			return err
		}
		defer st.Close()

		records, err := st.RecentMetering(cmd.Context(), meteringLimit)
		if err != nil {
			return err
		}

		writer := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(writer, "TIME\tSEQ\tIA\tIB\tIC\tIN\tIA UNF\tVAN\tUNBAL %\tTHD A\tPF A\tVALID")
		for _, r := range records {
			fmt.Fprintf(writer, "%s\t%d\t%.1f\t%.1f\t%.1f\t%.1f\t%.1f\t%.1f\t%.2f\t%.3f\t%.3f\t%t\n",
				r.Timestamp.Format(time.RFC3339), r.Seq,
				r.RMS[0], r.RMS[1], r.RMS[2], r.RMS[3], r.Unfiltered[0], r.RMS[5],
				r.Unbalance*100, r.THD[0], r.PowerFactor[0], r.Valid)
		}

		return writer.Flush()
	},
}

func init() {
	meteringCmd.Flags().IntVar(&meteringLimit, "limit", 20, "Number of records to display")
	meteringCmd.Flags().String("db", "", "Path to the capture database")
}
