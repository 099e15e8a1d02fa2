package syncer

import (
	"context"
	"fmt"

	"github.com/hyperengineering/fieldsync/internal/dao"
	"github.com/hyperengineering/fieldsync/internal/entity"
)

// maxPages bounds a list walk against a server that never stops reporting hasMore.
const maxPages = 10000

// PullStats counts the outcome of one entity's pull.
type PullStats struct {
	Entity string `json:"entity"`
	Pages  int    `json:"pages"`
	dao.UpsertStats
}

// Pull pulls the named entities in order, stopping at the first failure.
func (e *Engine) Pull(ctx context.Context, names ...string) ([]PullStats, error) {
	out := make([]PullStats, 0, len(names))
	for _, name := range names {
		stats, err := e.PullEntity(ctx, name)
		out = append(out, stats)
		if err != nil {
			return out, err
		}
	}
	return out, nil
}

// PullEntity fetches every page of every list endpoint of an entity and
// merges the records last-write-wins. The entity's bookmark advances to the
// pull start time only when every page was applied.
func (e *Engine) PullEntity(ctx context.Context, name string) (PullStats, error) {
	v, err, _ := e.flight.Do("pull:"+name, func() (any, error) {
		return e.pullEntity(ctx, name)
	})
	stats, _ := v.(PullStats)
	return stats, err
}

// EnsurePulled pulls an entity only when it has never been pulled on this
// device. It reports whether a pull ran.
func (e *Engine) EnsurePulled(ctx context.Context, name string) (bool, error) {
	_, ok, err := e.meta.LastPull(ctx, name)
	if err != nil {
		return false, err
	}
	if ok {
		return false, nil
	}
	if _, err := e.PullEntity(ctx, name); err != nil {
		return false, err
	}
	return true, nil
}

func (e *Engine) pullEntity(ctx context.Context, name string) (PullStats, error) {
	stats := PullStats{Entity: name}
	s, d, err := e.schema(name)
	if err != nil {
		return stats, err
	}
	if len(s.Endpoints.Lists) == 0 {
		return stats, fmt.Errorf("pull %s: entity has no list endpoint", name)
	}

	start := e.now()
	for _, path := range s.Endpoints.Lists {
		for page := 1; page <= maxPages; page++ {
			pg, err := e.remote.List(ctx, path, s.ListKey, page, e.pageLimit)
			if err != nil {
				return stats, fmt.Errorf("pull %s: %w", name, err)
			}
			stats.Pages++

			recs := make([]entity.Record, 0, len(pg.Items))
			for _, item := range pg.Items {
				rec, err := e.catalog.FromRemote(s, item)
				if err != nil {
					e.logger.Warn("skipping undecodable remote record",
						"component", "syncer",
						"action", "pull_decode",
						"entity", name,
						"error", err,
					)
					stats.Failed++
					continue
				}
				recs = append(recs, rec)
			}

			applied, err := d.UpsertMany(ctx, recs)
			stats.Add(applied)
			if err != nil {
				return stats, fmt.Errorf("pull %s: %w", name, err)
			}
			if !pg.HasMore || len(pg.Items) == 0 {
				break
			}
		}
	}

	if err := e.meta.AdvanceBookmark(ctx, name, start); err != nil {
		return stats, err
	}

	e.logger.Info("pull completed",
		"component", "syncer",
		"action", "pull_complete",
		"entity", name,
		"pages", stats.Pages,
		"inserted", stats.Inserted,
		"updated", stats.Updated,
		"skipped", stats.Skipped,
		"failed", stats.Failed,
	)
	return stats, nil
}
