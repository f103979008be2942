package storage

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"sandbox-governor/internal/monitor"
)

// Pruner deletes rows older than their table's retention window.
type Pruner struct {
	store     Store
	retention Retention
	interval  time.Duration
	metrics   *monitor.Metrics
	now       func() time.Time
}

func NewPruner(store Store, retention Retention, interval time.Duration, metrics *monitor.Metrics) *Pruner {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Pruner{
		store:     store,
		retention: retention,
		interval:  interval,
		metrics:   metrics,
		now:       time.Now,
	}
}

// Run prunes once immediately and then on every interval until ctx is done.
func (p *Pruner) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		if _, err := p.PruneOnce(ctx); err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Msg("retention prune failed")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (p *Pruner) PruneOnce(ctx context.Context) (PruneResult, error) {
	res, err := p.store.Prune(ctx, p.now(), p.retention)

	p.metrics.RecordPruned("process_monitoring", res.Monitoring)
	p.metrics.RecordPruned("process_alerts", res.Alerts)
	p.metrics.RecordPruned("process_terminations", res.Terminations)
	p.metrics.RecordPruned("audit_events", res.Audit)

	if err != nil {
		return res, err
	}
	if res.Total() > 0 {
		log.Info().
			Int64("process_monitoring", res.Monitoring).
			Int64("process_alerts", res.Alerts).
			Int64("process_terminations", res.Terminations).
			Int64("audit_events", res.Audit).
			Msg("pruned expired rows")
	}
	return res, nil
}
