package store

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/peterje/conductor/internal/events"
	"github.com/peterje/conductor/internal/models"
	"github.com/peterje/conductor/internal/sidecar"
)

// RecordUsage appends rec to the ledger, assigning an ID and timestamp if
// they are unset.
func (s *Store) RecordUsage(ctx context.Context, rec models.UsageRecord) (models.UsageRecord, error) {
	if rec.ID == "" {
		rec.ID = ulid.Make().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO usage
		(id, session_id, input_tokens, output_tokens, cache_read_tokens, cache_creation_tokens,
		 cost_usd, duration_ms, num_turns, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.SessionID, int64(rec.InputTokens), int64(rec.OutputTokens),
		int64(rec.CacheReadTokens), int64(rec.CacheCreationTokens),
		rec.CostUSD, int64(rec.DurationMs), int64(rec.NumTurns), rec.CreatedAt.UnixMilli())
	if err != nil {
		return rec, fmt.Errorf("insert usage: %w", err)
	}
	return rec, nil
}

// UsageSummary aggregates the ledger per session, most recently used first.
func (s *Store) UsageSummary(ctx context.Context) ([]models.SessionUsage, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT session_id, COUNT(*), SUM(input_tokens), SUM(output_tokens),
		SUM(cost_usd), MAX(created_at)
		FROM usage GROUP BY session_id ORDER BY MAX(created_at) DESC, session_id`)
	if err != nil {
		return nil, fmt.Errorf("query usage: %w", err)
	}
	defer rows.Close()

	out := []models.SessionUsage{}
	for rows.Next() {
		var (
			u        models.SessionUsage
			in, outT int64
			lastMs   int64
		)
		if err := rows.Scan(&u.SessionID, &u.Records, &in, &outT, &u.CostUSD, &lastMs); err != nil {
			return nil, err
		}
		u.InputTokens = uint64(in)
		u.OutputTokens = uint64(outT)
		u.LastUsedAt = time.UnixMilli(lastMs)
		out = append(out, u)
	}
	return out, rows.Err()
}

// UsageRecorder writes every sidecar usage event to the ledger. It is an
// events.Emitter: Emit only queues, so the sidecar pump never waits on
// SQLite, and the queue is unbounded so no record is dropped.
type UsageRecorder struct {
	store *Store
	log   *slog.Logger

	mu    sync.Mutex
	queue []models.UsageRecord
	wake  chan struct{}
}

func NewUsageRecorder(log *slog.Logger, store *Store) *UsageRecorder {
	return &UsageRecorder{
		store: store,
		log:   log.With("component", "usage"),
		wake:  make(chan struct{}, 1),
	}
}

const usagePrefix = "sdk-usage-"

var _ events.Emitter = (*UsageRecorder)(nil)

// Emit queues sdk-usage-<id> events and ignores everything else.
func (r *UsageRecorder) Emit(name string, payload any) {
	id, ok := strings.CutPrefix(name, usagePrefix)
	if !ok {
		return
	}
	stats, ok := payload.(sidecar.UsageStats)
	if !ok {
		r.log.Warn("Usage event with unexpected payload", "event", name, "type", fmt.Sprintf("%T", payload))
		return
	}

	r.mu.Lock()
	r.queue = append(r.queue, models.UsageRecord{
		SessionID:           id,
		InputTokens:         stats.InputTokens,
		OutputTokens:        stats.OutputTokens,
		CacheReadTokens:     stats.CacheReadTokens,
		CacheCreationTokens: stats.CacheCreationTokens,
		CostUSD:             stats.TotalCostUSD,
		DurationMs:          stats.DurationMs,
		NumTurns:            stats.NumTurns,
		CreatedAt:           time.Now(),
	})
	r.mu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Run writes queued records until ctx ends, then flushes what is left.
func (r *UsageRecorder) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			r.flush(flushCtx)
			return nil
		case <-r.wake:
			r.flush(ctx)
		}
	}
}

func (r *UsageRecorder) flush(ctx context.Context) {
	r.mu.Lock()
	batch := r.queue
	r.queue = nil
	r.mu.Unlock()

	for _, pending := range batch {
		rec, err := r.store.RecordUsage(ctx, pending)
		if err != nil {
			r.log.Error("Failed to record usage", "session_id", pending.SessionID, "error", err)
			continue
		}
		r.log.Debug("Recorded usage", "id", rec.ID, "session_id", rec.SessionID)
	}
}
