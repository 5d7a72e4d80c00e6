// Package janitor is the Janitor (C11): a periodic sweep that
// reconciles index sets against the authoritative keys they point at.
// It never resurrects a record — if the authoritative key is gone,
// the index entry is removed, never recreated (invariant 6).
package janitor

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/zkproofport/engine/pkg/kvstore"
)

// IndexSet names one reconciled index: a set of IDs plus the key
// pattern that must exist for each member to remain listed.
type IndexSet struct {
	SetKey        string
	AuthoritativeKey func(member string) string
}

// Metrics exposes the janitor's removal counter.
type Metrics struct {
	Removed prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Removed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "zkproofport_janitor_removed_total",
			Help: "Count of stale index entries removed by the janitor.",
		}),
	}
	reg.MustRegister(m.Removed)
	return m
}

// Janitor periodically sweeps a list of IndexSets.
type Janitor struct {
	store   kvstore.Store
	sets    []IndexSet
	period  time.Duration
	logger  *log.Logger
	metrics *Metrics
}

func New(store kvstore.Store, sets []IndexSet, period time.Duration, metrics *Metrics, logger *log.Logger) *Janitor {
	if logger == nil {
		logger = log.New(log.Writer(), "[Janitor] ", log.LstdFlags)
	}
	return &Janitor{store: store, sets: sets, period: period, logger: logger, metrics: metrics}
}

// Run sweeps every IndexSet once per period until ctx is cancelled.
// Sweep errors are logged and ignored — the janitor never blocks the
// rest of the engine on a reconciliation failure.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.SweepOnce(ctx)
		}
	}
}

// SweepOnce reconciles every configured IndexSet a single time.
func (j *Janitor) SweepOnce(ctx context.Context) {
	for _, set := range j.sets {
		if err := j.sweep(ctx, set); err != nil {
			j.logger.Printf("sweep %s: %v", set.SetKey, err)
		}
	}
}

func (j *Janitor) sweep(ctx context.Context, set IndexSet) error {
	members, err := j.store.SMembers(ctx, set.SetKey)
	if err != nil {
		return fmt.Errorf("smembers: %w", err)
	}
	for _, member := range members {
		exists, err := j.store.Exists(ctx, set.AuthoritativeKey(member))
		if err != nil {
			j.logger.Printf("exists check for %s: %v", member, err)
			continue
		}
		if exists {
			continue
		}
		if err := j.store.SRem(ctx, set.SetKey, member); err != nil {
			j.logger.Printf("srem %s from %s: %v", member, set.SetKey, err)
			continue
		}
		if j.metrics != nil {
			j.metrics.Removed.Inc()
		}
	}
	return nil
}
