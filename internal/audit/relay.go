package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Relay copies audit rows to a Publisher. Delivery is at least once: the
// cursor moves only after a row is published, so a crash between the two
// republishes that row.
type Relay struct {
	source    Source
	publisher Publisher
	cursor    CursorStore
	batchSize int
	log       zerolog.Logger
}

func NewRelay(source Source, publisher Publisher, cursor CursorStore, batchSize int, logger zerolog.Logger) *Relay {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Relay{
		source:    source,
		publisher: publisher,
		cursor:    cursor,
		batchSize: batchSize,
		log:       logger.With().Str("component", "audit-relay").Logger(),
	}
}

// RunOnce forwards one batch and returns how many rows were published.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	after, err := r.cursor.Load(ctx)
	if err != nil {
		return 0, fmt.Errorf("load cursor: %w", err)
	}

	logs, err := r.source.ListLogsAfter(ctx, after, r.batchSize)
	if err != nil {
		return 0, fmt.Errorf("list logs after %d: %w", after, err)
	}

	sent := 0
	for _, l := range logs {
		if err := r.publisher.Publish(ctx, FromLog(l)); err != nil {
			return sent, fmt.Errorf("publish log %d: %w", l.ID, err)
		}
		if err := r.cursor.Save(ctx, l.ID); err != nil {
			return sent, fmt.Errorf("save cursor %d: %w", l.ID, err)
		}
		sent++
	}
	return sent, nil
}

// Run polls every interval until ctx is done. A full batch is followed
// immediately by another poll.
func (r *Relay) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		r.drain(ctx)

		select {
		case <-ctx.Done():
			r.log.Info().Msg("shutdown signal received, stopping relay")
			return
		case <-ticker.C:
		}
	}
}

func (r *Relay) drain(ctx context.Context) {
	for ctx.Err() == nil {
		start := time.Now()
		n, err := r.RunOnce(ctx)
		if err != nil {
			r.log.Error().Err(err).Int("published", n).Msg("relay run failed")
			return
		}
		if n > 0 {
			r.log.Info().Int("published", n).Dur("took", time.Since(start)).Msg("relay run complete")
		}
		if n < r.batchSize {
			return
		}
	}
}
