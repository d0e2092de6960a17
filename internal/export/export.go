// Package export renders stored captures as CSV or as a PNG chart.
package export

import (
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"

	"codeberg.org/mutker/tripunit/internal/errors"
	"codeberg.org/mutker/tripunit/internal/store"
	chart "github.com/wcharczuk/go-chart/v2"
)

// DefaultChannels are plotted when no channels are requested.
var DefaultChannels = []string{"Ia", "Ib", "Ic", "In"}

type Options struct {
	CSVPath string
	PNGPath string
	// Channels selects the plotted columns by name.
	Channels []string
}

// Capture writes c to the paths in opts.
func Capture(c *store.Capture, opts Options) error {
	errFactory := errors.New()

	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errFactory.WithMessage(errors.ErrInvalidArgument, "at least one of --csv or --png must be provided")
	}

	if opts.CSVPath != "" {
		if err := writeFile(opts.CSVPath, func(w io.Writer) error { return CSV(w, c) }); err != nil {
			return err
		}
	}
	if opts.PNGPath != "" {
		if err := writeFile(opts.PNGPath, func(w io.Writer) error { return PNG(w, c, opts.Channels) }); err != nil {
			return err
		}
	}

	return nil
}

// CSV writes one row per sample: the index, the offset from the first
// sample in microseconds, then every column of the header.
func CSV(w io.Writer, c *store.Capture) error {
	writer := csv.NewWriter(w)

	header := append([]string{"index", "offset_us"}, c.Header.Channels...)
	if err := writer.Write(header); err != nil {
		return errors.New().Wrap(errors.ErrOperationFailed, err)
	}

	record := make([]string, len(header))
	for n := range c.Samples {
		record[0] = strconv.Itoa(n)
		record[1] = strconv.FormatFloat(offsetMicros(c, n), 'f', 3, 64)
		for i := range c.Header.Channels {
			record[2+i] = strconv.FormatInt(int64(c.Samples[n][i]), 10)
		}
		if err := writer.Write(record); err != nil {
			return errors.New().Wrap(errors.ErrOperationFailed, err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return errors.New().Wrap(errors.ErrOperationFailed, err)
	}

	return nil
}

// PNG plots the selected channels against time in milliseconds.
func PNG(w io.Writer, c *store.Capture, channels []string) error {
	errFactory := errors.New()

	if len(channels) == 0 {
		channels = DefaultChannels
	}
	if len(c.Samples) < 2 {
		return errFactory.WithMessage(errors.ErrInvalidArgument, "capture has too few samples to plot")
	}

	x := make([]float64, len(c.Samples))
	for n := range x {
		x[n] = offsetMicros(c, n) / 1000
	}

	series := make([]chart.Series, 0, len(channels))
	for _, name := range channels {
		col := slices.Index(c.Header.Channels, name)
		if col < 0 {
			return errFactory.WithData(errors.ErrInvalidArgument, name)
		}
		y := make([]float64, len(c.Samples))
		for n := range c.Samples {
			y[n] = float64(c.Samples[n][col])
		}
		series = append(series, chart.ContinuousSeries{
			Name:    name,
			XValues: x,
			YValues: y,
		})
	}

	graph := chart.Chart{
		Title:  c.Header.Kind + " #" + strconv.FormatInt(c.Header.EventID, 10),
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			Name: "Time (ms)",
		},
		YAxis: chart.YAxis{
			Name: "Counts",
		},
		Series: series,
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	if err := graph.Render(chart.PNG, w); err != nil {
		return errFactory.Wrap(errors.ErrOperationFailed, err)
	}

	return nil
}

func offsetMicros(c *store.Capture, n int) float64 {
	rate := c.Header.SampleRate
	if rate <= 0 {
		return 0
	}
	return float64(n) * 1e6 / float64(rate)
}

func writeFile(path string, render func(io.Writer) error) error {
	errFactory := errors.New()

	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errFactory.Wrap(errors.ErrOperationFailed, err)
		}
	}

	file, err := os.Create(path)
	if err != nil {
		return errFactory.Wrap(errors.ErrOperationFailed, err)
	}
	if err := render(file); err != nil {
		file.Close()
		return err
	}
	if err := file.Close(); err != nil {
		return errFactory.Wrap(errors.ErrOperationFailed, err)
	}

	return nil
}
