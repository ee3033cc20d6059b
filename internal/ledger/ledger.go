// Package ledger owns the redundancy priority space shared by all active versions
// and keeps the persistent boot pointer aimed at the boot-preferred one.
package ledger

import (
	"context"
	"math"
	"sort"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"

	"bmc-flashd/internal/firmware"
)

var (
	reassignments = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bmc_flashd_ledger_reassignments_total",
		Help: "Number of priorities bumped by collision resolution.",
	})
	saturated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bmc_flashd_ledger_saturated_total",
		Help: "Number of collisions left unresolved because the priority space was exhausted.",
	})
	repoints = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bmc_flashd_boot_target_writes_total",
		Help: "Number of writes to the persistent boot pointer.",
	})
)

// Persister stores priorities across restarts.
type Persister interface {
	SavePriority(ctx context.Context, id string, priority uint8) error
}

// BootSetter writes the persistent boot pointer.
type BootSetter interface {
	SetBootTarget(ctx context.Context, id string) error
}

// Entry is the priority held by one active version. The value it reports may change
// when another version's assignment cascades into it.
type Entry struct {
	id       string
	priority uint8
	seq      uint64
}

func (e *Entry) ID() string {
	return e.id
}

func (e *Entry) Priority() uint8 {
	return e.priority
}

// Ledger is not safe for concurrent use. It is driven from the registry loop.
type Ledger struct {
	logger    logrus.FieldLogger
	persister Persister
	boot      BootSetter

	entries map[string]*Entry
	seq     uint64
	// target is the id last written to the boot pointer.
	target string
}

func New(logger logrus.FieldLogger, persister Persister, boot BootSetter) *Ledger {
	return &Ledger{
		logger:    logger.WithField("component", "ledger"),
		persister: persister,
		boot:      boot,
		entries:   make(map[string]*Entry),
	}
}

type change struct {
	id       string
	priority uint8
}

// plan computes the bumps needed after id takes priority. working must be sorted by
// (priority, insertion order). Collisions at 255 cannot be resolved and are returned
// as overflow.
func plan(working []Entry, id string, priority uint8) (changes []change, overflow []string) {
	next := int(priority)
	for _, e := range working {
		if e.id == id {
			continue
		}
		if int(e.priority) != next {
			continue
		}
		if next >= math.MaxUint8 {
			overflow = append(overflow, e.id)
			continue
		}
		next++
		changes = append(changes, change{id: e.id, priority: uint8(next)})
	}
	return changes, overflow
}

// Assign gives id the requested priority, bumps every colliding entry by one while
// preserving their relative order, and repoints the boot target at the new minimum.
func (l *Ledger) Assign(ctx context.Context, id string, priority uint8) *Entry {
	logger := l.logger.WithFields(logrus.Fields{"version_id": id, "priority": priority})

	l.save(ctx, id, priority)
	entry := l.upsert(id, priority)

	working := l.sorted()
	changes, overflow := plan(working, id, priority)
	for _, c := range changes {
		l.set(ctx, c.id, c.priority)
	}
	reassignments.Add(float64(len(changes)))
	if len(overflow) > 0 {
		saturated.Add(float64(len(overflow)))
		logger.WithField("colliding", overflow).Warn("priority space exhausted, duplicates left at 255")
	}
	if len(changes) > 0 {
		logger.WithField("bumped", len(changes)).Debug("resolved priority collisions")
	}

	if lowest := l.lowestPreferring(id); lowest != nil {
		l.point(ctx, lowest.id)
	}
	return entry
}

// Restore reinstates a persisted priority without resolving collisions or touching
// the boot pointer. It is used while rebuilding state at startup.
func (l *Ledger) Restore(ctx context.Context, id string, priority uint8) *Entry {
	l.save(ctx, id, priority)
	return l.upsert(id, priority)
}

// set updates a single entry and its persisted value. It never cascades.
func (l *Ledger) set(ctx context.Context, id string, priority uint8) {
	e, ok := l.entries[id]
	if !ok {
		return
	}
	e.priority = priority
	l.save(ctx, id, priority)
}

func (l *Ledger) save(ctx context.Context, id string, priority uint8) {
	if l.persister == nil {
		return
	}
	if err := l.persister.SavePriority(ctx, id, priority); err != nil {
		l.logger.WithError(firmware.PersistenceUnavailable(err)).WithField("version_id", id).
			Error("failed to persist priority, continuing with in-memory value")
	}
}

func (l *Ledger) upsert(id string, priority uint8) *Entry {
	if e, ok := l.entries[id]; ok {
		e.priority = priority
		return e
	}
	l.seq++
	e := &Entry{id: id, priority: priority, seq: l.seq}
	l.entries[id] = e
	return e
}

// Remove drops the entry for id. The boot pointer is left alone; callers that need it
// to follow call Repoint.
func (l *Ledger) Remove(id string) {
	delete(l.entries, id)
}

func (l *Ledger) Entry(id string) (*Entry, bool) {
	e, ok := l.entries[id]
	return e, ok
}

func (l *Ledger) Len() int {
	return len(l.entries)
}

// Lowest returns the boot-preferred entry, or nil when the ledger is empty.
// Ties go to the entry inserted first.
func (l *Ledger) Lowest() *Entry {
	return l.lowestPreferring("")
}

func (l *Ledger) lowestPreferring(id string) *Entry {
	var lowest *Entry
	for _, e := range l.entries {
		switch {
		case lowest == nil:
			lowest = e
		case e.priority < lowest.priority:
			lowest = e
		case e.priority == lowest.priority:
			if lowest.id == id {
				continue
			}
			if e.id == id || e.seq < lowest.seq {
				lowest = e
			}
		}
	}
	return lowest
}

func (l *Ledger) IsLowest(id string) bool {
	lowest := l.Lowest()
	return lowest != nil && lowest.id == id
}

// Target returns the id last written to the boot pointer.
func (l *Ledger) Target() string {
	return l.target
}

// Repoint writes the boot pointer when the boot-preferred version differs from the
// one last written. An empty ledger leaves the pointer alone.
func (l *Ledger) Repoint(ctx context.Context) {
	lowest := l.Lowest()
	if lowest == nil || lowest.id == l.target {
		return
	}
	l.point(ctx, lowest.id)
}

// Settle records the current boot-preferred version as already written. It is called
// once discovery has restored the state the boot environment already reflects.
func (l *Ledger) Settle() {
	if lowest := l.Lowest(); lowest != nil {
		l.target = lowest.id
	}
}

func (l *Ledger) point(ctx context.Context, id string) {
	l.target = id
	if l.boot == nil {
		return
	}
	repoints.Inc()
	if err := l.boot.SetBootTarget(ctx, id); err != nil {
		l.logger.WithError(err).WithField("version_id", id).Error("failed to update boot target")
	}
}

// Snapshot returns a copy of all entries ordered by priority, then insertion order.
func (l *Ledger) Snapshot() []Entry {
	return l.sorted()
}

func (l *Ledger) sorted() []Entry {
	out := make([]Entry, 0, len(l.entries))
	for _, e := range l.entries {
		out = append(out, *e)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].priority != out[j].priority {
			return out[i].priority < out[j].priority
		}
		return out[i].seq < out[j].seq
	})
	return out
}
