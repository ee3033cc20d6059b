// Package reclaim decides which versions to evict so a new activation fits within the
// configured number of retained versions.
package reclaim

import (
	"context"
	"sort"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
)

// FailedPriority ranks failed versions behind every real priority so they go first.
const FailedPriority = 999

var evictions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "bmc_flashd_evictions_total",
	Help: "Number of versions evicted to free space, by eviction result.",
}, []string{"result"})

type Status int

const (
	StatusOther Status = iota
	StatusActive
	StatusFailed
)

// Candidate is the view of one tracked version the reclaimer needs.
type Candidate struct {
	ID          string
	Status      Status
	Priority    uint8
	HasPriority bool
	Functional  bool
}

func (c Candidate) rank() int {
	if c.Status == StatusFailed {
		return FailedPriority
	}
	if !c.HasPriority {
		// An active version that lost its entry is still less preferred than any ranked one.
		return FailedPriority - 1
	}
	return int(c.Priority)
}

// Eraser performs a full delete of a version.
type Eraser interface {
	Erase(ctx context.Context, id string) error
}

// EraserFunc adapts a function to Eraser.
type EraserFunc func(ctx context.Context, id string) error

func (f EraserFunc) Erase(ctx context.Context, id string) error {
	return f(ctx, id)
}

// Select returns the ids to evict, least preferred first, so that fewer than
// maxAllowed Active or Failed versions remain.
func Select(candidates []Candidate, caller string, maxAllowed int) []string {
	count := 0
	var pool []Candidate
	for _, c := range candidates {
		if c.Status != StatusActive && c.Status != StatusFailed {
			continue
		}
		count++
		if c.ID == caller {
			continue
		}
		if c.Functional && maxAllowed > 1 {
			continue
		}
		pool = append(pool, c)
	}

	sort.SliceStable(pool, func(i, j int) bool {
		ri, rj := pool[i].rank(), pool[j].rank()
		if ri != rj {
			return ri > rj
		}
		return pool[i].ID > pool[j].ID
	})

	var out []string
	for _, c := range pool {
		if count < maxAllowed {
			break
		}
		out = append(out, c.ID)
		count--
	}
	return out
}

// Reclaimer evicts versions through an Eraser.
type Reclaimer struct {
	logger     logrus.FieldLogger
	eraser     Eraser
	maxAllowed int
}

func New(logger logrus.FieldLogger, eraser Eraser, maxAllowed int) *Reclaimer {
	return &Reclaimer{
		logger:     logger.WithField("component", "reclaim"),
		eraser:     eraser,
		maxAllowed: maxAllowed,
	}
}

// Reclaim evicts versions until the caller fits. A failed erase is logged and still
// counted as freed so the activation can proceed.
func (r *Reclaimer) Reclaim(ctx context.Context, candidates []Candidate, caller string) []string {
	victims := Select(candidates, caller, r.maxAllowed)
	for _, id := range victims {
		logger := r.logger.WithFields(logrus.Fields{"version_id": id, "caller": caller})
		if err := r.eraser.Erase(ctx, id); err != nil {
			evictions.WithLabelValues("error").Inc()
			logger.WithError(err).Error("failed to evict version")
			continue
		}
		evictions.WithLabelValues("ok").Inc()
		logger.Info("evicted version to free space")
	}
	return victims
}
