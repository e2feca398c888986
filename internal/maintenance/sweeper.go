// Package maintenance runs the background garbage-collection sweep that
// catches what the inline per-request collection misses, e.g. rows of
// devices that stopped syncing mid-series.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/openmobisync/syncstate/internal/state"
	"github.com/openmobisync/syncstate/internal/store"
	"github.com/openmobisync/syncstate/internal/synckey"
)

// Sweeper schedules and runs full-database state collection.
type Sweeper struct {
	st       *store.Store
	logger   *slog.Logger
	schedule string
	parallel int

	cron *cron.Cron
}

// NewSweeper validates the cron expression up front so a bad config fails
// at startup instead of at first fire.
func NewSweeper(st *store.Store, schedule string, parallel int, logger *slog.Logger) (*Sweeper, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("maintenance: invalid gc schedule %q: %w", schedule, err)
	}
	if parallel < 1 {
		parallel = 1
	}
	return &Sweeper{
		st:       st,
		logger:   logger,
		schedule: schedule,
		parallel: parallel,
	}, nil
}

// Start arms the schedule. The sweep itself runs on the cron goroutine.
func (s *Sweeper) Start() error {
	if s.cron != nil {
		return nil
	}
	c := cron.New()
	_, err := c.AddFunc(s.schedule, func() {
		if err := s.RunOnce(context.Background()); err != nil {
			s.logger.Error("maintenance sweep failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("maintenance: schedule sweep: %w", err)
	}
	s.cron = c
	c.Start()
	s.logger.Info("maintenance sweeper started", "schedule", s.schedule, "parallel", s.parallel)
	return nil
}

// Stop cancels the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	if s.cron == nil {
		return
	}
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.cron = nil
	s.logger.Info("maintenance sweeper stopped")
}

type sweepTarget struct {
	deviceID string
	user     string
	folderID string
}

// RunOnce sweeps every (device, user, folder) context in the state table,
// collecting generations superseded by that context's newest key. Contexts
// are swept concurrently up to the configured parallelism; the first error
// aborts the sweep.
func (s *Sweeper) RunOnce(ctx context.Context) error {
	targets, err := s.targets(ctx)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.parallel)
	for _, tgt := range targets {
		tgt := tgt
		g.Go(func() error {
			return s.sweepOne(gctx, tgt)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	s.logger.Info("maintenance sweep complete", "contexts", len(targets))
	return nil
}

func (s *Sweeper) targets(ctx context.Context) ([]sweepTarget, error) {
	rows, err := s.st.DB().QueryContext(ctx,
		`SELECT sync_devid, sync_user, sync_folderid FROM state
		 GROUP BY sync_devid, sync_user, sync_folderid`,
	)
	if err != nil {
		return nil, fmt.Errorf("maintenance: enumerate contexts: %w", err)
	}
	defer rows.Close()

	var targets []sweepTarget
	for rows.Next() {
		var tgt sweepTarget
		if err := rows.Scan(&tgt.deviceID, &tgt.user, &tgt.folderID); err != nil {
			return nil, fmt.Errorf("maintenance: scan context: %w", err)
		}
		targets = append(targets, tgt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("maintenance: enumerate contexts: %w", err)
	}
	return targets, nil
}

func (s *Sweeper) sweepOne(ctx context.Context, tgt sweepTarget) error {
	current, err := s.latestKey(ctx, tgt)
	if err != nil {
		return err
	}
	if current.IsZero() {
		// Only unparsable rows: Collect still removes them, any current
		// key will do as nothing shares its series.
		current = synckey.New()
	}
	return state.Collect(ctx, s.st, s.logger, tgt.deviceID, tgt.user, tgt.folderID, current)
}

// latestKey resolves the newest parsable key of one context by timestamp,
// then counter. The zero key means no row parsed.
func (s *Sweeper) latestKey(ctx context.Context, tgt sweepTarget) (synckey.Key, error) {
	rows, err := s.st.DB().QueryContext(ctx,
		`SELECT sync_key, sync_timestamp FROM state
		 WHERE sync_devid = ? AND sync_user = ? AND sync_folderid = ?`,
		tgt.deviceID, tgt.user, tgt.folderID,
	)
	if err != nil {
		return synckey.Key{}, fmt.Errorf("maintenance: keys for %s/%s: %w", tgt.deviceID, tgt.folderID, err)
	}
	defer rows.Close()

	var (
		best   synckey.Key
		bestTS int64 = -1
	)
	for rows.Next() {
		var (
			raw string
			ts  int64
		)
		if err := rows.Scan(&raw, &ts); err != nil {
			return synckey.Key{}, fmt.Errorf("maintenance: scan key: %w", err)
		}
		k, err := synckey.Parse(raw)
		if err != nil {
			continue
		}
		if ts > bestTS || (ts == bestTS && k.Counter > best.Counter) {
			best = k
			bestTS = ts
		}
	}
	if err := rows.Err(); err != nil {
		return synckey.Key{}, fmt.Errorf("maintenance: keys for %s/%s: %w", tgt.deviceID, tgt.folderID, err)
	}
	return best, nil
}
