package main

import (
	"fmt"

	"codeberg.org/mutker/tripunit/internal/waveform"
	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration and the capture timing budget",
	RunE: func(cmd *cobra.Command, _ []string) error {
		report, err := waveform.ValidateTiming(cfg.Timing())
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "line frequency:    %d Hz\n", cfg.Sampling.LineFrequency)
		fmt.Fprintf(out, "buffer length:     %d samples\n", report.BufferLength)
		fmt.Fprintf(out, "worst reader gap:  %.0f samples\n", report.WorstGap)
		fmt.Fprintf(out, "writer throughput: %.0f samples/s per capture\n", report.Throughput)
		fmt.Fprintln(out, "configuration OK")

		return nil
	},
}
