package pipeline

import (
	"context"
	"sync"
	"time"

	"codeberg.org/mutker/tripunit/internal/errors"
	"codeberg.org/mutker/tripunit/internal/sample"
)

// Run drives the sampling context and the background context from
// their own goroutines until ctx is done or the background context
// fails. The sampling goroutine catches up with the sample clock on
// every wake-up, processing at most maxBatch samples at a time.
func (p *Pipeline) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, 1)

	wg.Add(2)
	go func() {
		defer wg.Done()
		p.sampling(ctx)
	}()
	go func() {
		defer wg.Done()
		if err := p.background(ctx); err != nil {
			errCh <- err
			cancel()
		}
	}()

	p.logger.Info().
		Int("line_frequency", p.cfg.Sampling.LineFrequency).
		Int("buffer_samples", p.ring.Len()).
		Dur("sampling_interval", p.cfg.Sampling.Interval).
		Dur("writer_interval", p.cfg.Writer.Interval).
		Msg("Pipeline started")

	wg.Wait()
	close(errCh)

	if err := <-errCh; err != nil {
		return err
	}

	p.logger.Info().Uint64("samples", p.Samples()).Msg("Pipeline stopped")

	return nil
}

func (p *Pipeline) sampling(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Sampling.Interval)
	defer ticker.Stop()

	start := time.Now()
	var done uint64
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			due := uint64(now.Sub(start) / sample.Period)
			for n := 0; done < due && n < maxBatch; n++ {
				p.Tick()
				done++
			}
		}
	}
}

func (p *Pipeline) background(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.Writer.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := p.Background(ctx); err != nil {
				p.logger.Error().Err(err).Msg("Background context failed")
				return errors.New().Wrap(errors.ErrMainLoop, err)
			}
		}
	}
}
