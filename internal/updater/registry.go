package updater

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/sirupsen/logrus"

	"bmc-flashd/internal/activation"
	"bmc-flashd/internal/events"
	"bmc-flashd/internal/firmware"
	"bmc-flashd/internal/image"
	"bmc-flashd/internal/ledger"
	"bmc-flashd/internal/reclaim"
	"bmc-flashd/internal/store"
)

const (
	fieldModeUnit = `obmc-flash-bmc-setenv@fieldmode\x3dtrue.service`
	usrLocalMount = "usr-local.mount"

	// HostVersionID identifies the firmware running on the host processor.
	HostVersionID = "bios_active"
)

// Helper is the boot environment and flash volume tooling.
type Helper interface {
	ledger.BootSetter
	SetEntry(ctx context.Context, id string, priority uint8) error
	ClearEntry(ctx context.Context, id string) error
	RemoveVersion(ctx context.Context, id string) error
	MirrorAlt(ctx context.Context) error
	Cleanup(ctx context.Context) error
	FactoryReset(ctx context.Context) error
}

// UnitControl manages the service manager units touched by field mode.
type UnitControl interface {
	StartUnit(ctx context.Context, name string) error
	StopUnit(ctx context.Context, name string) error
	MaskUnitFiles(ctx context.Context, names ...string) error
}

// Canceller stops outstanding writes of a version that is being erased.
type Canceller interface {
	Cancel(ctx context.Context, id string)
}

type Config struct {
	// MaxAllowed is the number of versions that may be installed at once.
	MaxAllowed int
	MediaDir   string
	UploadDir  string
	// ReleasePath is the release file of the running image.
	ReleasePath string
	// FieldModeEnvPath is the boot loader environment checked for fieldmode=true.
	FieldModeEnvPath string
	Required         image.Required
}

type Deps struct {
	Logger    logrus.FieldLogger
	Loop      *Loop
	Store     store.Store
	Helper    Helper
	Gate      activation.Gate
	Signature activation.Verifier
	ApplyTime func() activation.ApplyTime

	Primary    activation.Writer
	Auxiliary  activation.Writer
	Cancellers []Canceller

	Notifications activation.Subscriber
	Guards        activation.Guards
	Rebooter      activation.Rebooter
	Units         UnitControl
	Events        events.Publisher
}

type tracked struct {
	version *firmware.Version
	machine *activation.Machine
}

// Registry tracks every known version. Apart from Discover, Progress and Complete,
// its methods must run on the loop.
type Registry struct {
	cfg    Config
	deps   Deps
	logger logrus.FieldLogger
	loop   *Loop
	events events.Publisher

	ledger    *ledger.Ledger
	reclaimer *reclaim.Reclaimer
	machines  *activation.Deps

	versions map[string]*tracked
	order    []string
	assoc    associations

	fieldMode   bool
	hostVersion string
}

var _ activation.Hooks = (*Registry)(nil)

func New(cfg Config, deps Deps) (*Registry, error) {
	if cfg.MaxAllowed < 1 {
		return nil, fmt.Errorf("at least one active version must be allowed, got %d", cfg.MaxAllowed)
	}
	if deps.Loop == nil || deps.Helper == nil || deps.Gate == nil {
		return nil, errors.New("registry needs a loop, a flash helper and a gate")
	}

	r := &Registry{
		cfg:      cfg,
		deps:     deps,
		logger:   deps.Logger.WithField("component", "registry"),
		loop:     deps.Loop,
		events:   deps.Events,
		versions: make(map[string]*tracked),
	}
	if r.events == nil {
		r.events = events.Nop{}
	}

	r.ledger = ledger.New(deps.Logger, priorityStore{store: deps.Store, helper: deps.Helper}, deps.Helper)
	r.reclaimer = reclaim.New(deps.Logger, reclaim.EraserFunc(r.Erase), cfg.MaxAllowed)
	r.machines = &activation.Deps{
		Logger:        deps.Logger.WithField("component", "activation"),
		Gate:          deps.Gate,
		Signature:     deps.Signature,
		FieldMode:     r.FieldMode,
		ApplyTime:     deps.ApplyTime,
		Primary:       deps.Primary,
		Auxiliary:     deps.Auxiliary,
		Reclaim:       r.freeSpace,
		Notifications: deps.Notifications,
		Guards:        deps.Guards,
		Ledger:        r.ledger,
		Rebooter:      deps.Rebooter,
		Hooks:         r,
	}
	if deps.Store != nil {
		r.machines.Purposes = deps.Store
	}
	return r, nil
}

// priorityStore saves priorities in the store and in the boot loader environment.
type priorityStore struct {
	store  store.Store
	helper Helper
}

func (p priorityStore) SavePriority(ctx context.Context, id string, priority uint8) error {
	var errs []error
	if p.store != nil {
		errs = append(errs, p.store.SavePriority(ctx, id, priority))
	}
	errs = append(errs, p.helper.SetEntry(ctx, id, priority))
	return errors.Join(errs...)
}

// Ledger exposes the priority ledger for inspection.
func (r *Registry) Ledger() *ledger.Ledger {
	return r.ledger
}

func (r *Registry) track(ctx context.Context, v *firmware.Version, state activation.State) *tracked {
	t := &tracked{version: v, machine: activation.New(v, state, r.machines)}
	r.versions[v.ID] = t
	r.order = append(r.order, v.ID)
	r.publish(ctx, events.Event{ID: v.ID, Kind: events.KindState, State: string(state.Name())})
	return t
}

func (r *Registry) untrack(id string) {
	delete(r.versions, id)
	r.order = slices.DeleteFunc(r.order, func(o string) bool { return o == id })
}

// Discover posts a discovered record to the loop. It is safe to call from any goroutine.
func (r *Registry) Discover(_ context.Context, rec firmware.Record) {
	r.loop.Post(func(ctx context.Context) {
		r.CreateActivation(ctx, rec)
	})
}

// CreateActivation starts tracking a discovered image. Records without a version, a
// location or a known purpose are ignored, as are ids already tracked. It reports
// the id and whether a new version was created.
func (r *Registry) CreateActivation(ctx context.Context, rec firmware.Record) (string, bool) {
	id := rec.VersionID()
	logger := r.logger.WithFields(logrus.Fields{
		"version_id": id,
		"version":    rec.Version,
		"purpose":    rec.Purpose,
	})

	if id == "" || rec.Version == "" || rec.Location == "" || rec.Purpose == firmware.PurposeUnknown || rec.Purpose == "" {
		logger.Debug("ignoring incomplete image record")
		return id, false
	}
	if _, ok := r.versions[id]; ok {
		logger.Debug("version already tracked")
		return id, false
	}

	var state activation.State = activation.Ready{}
	if rec.Purpose.RequiresImageCheck() {
		if err := r.cfg.Required.Check(rec.Location); err != nil {
			logger.WithError(err).Error("image is missing required files")
			state = activation.Invalid{}
		}
	}

	v := firmware.NewVersion(id, rec.Version, rec.Purpose, rec.ExtendedVersion, rec.Location, false)
	r.track(ctx, v, state)
	logger.WithField("state", state.Name()).Info("tracking new version")
	return id, true
}

// ProcessInstalled rebuilds the registry from the read-only volumes under the media
// directory. It runs once at startup.
func (r *Registry) ProcessInstalled(ctx context.Context) error {
	running, err := firmware.ReadRelease(r.cfg.ReleasePath)
	if err != nil {
		r.logger.WithError(err).Error("failed to read running release")
	}

	if err := r.scanInstalled(ctx, running.Version); err != nil {
		return err
	}
	if len(r.versions) == 0 {
		id, err := image.Seed(r.cfg.MediaDir, r.cfg.ReleasePath)
		if err != nil {
			r.logger.WithError(err).Error("failed to seed the running version")
		} else {
			r.logger.WithField("version_id", id).Info("no installed volumes found, seeded the running version")
			if err := r.scanInstalled(ctx, running.Version); err != nil {
				return err
			}
		}
	}

	r.ledger.Settle()
	if err := r.deps.Helper.MirrorAlt(ctx); err != nil {
		r.logger.WithError(err).Warn("failed to mirror boot environment")
	}
	return nil
}

func (r *Registry) scanInstalled(ctx context.Context, running string) error {
	found, err := image.ScanInstalled(r.cfg.MediaDir, r.cfg.ReleasePath)
	if err != nil {
		return err
	}

	for _, inst := range found {
		logger := r.logger.WithField("version_id", inst.ID)
		if inst.Err != nil {
			logger.WithError(inst.Err).Error("installed volume is corrupt, removing it")
			r.purge(ctx, inst.ID)
			continue
		}
		if _, ok := r.versions[inst.ID]; ok {
			continue
		}

		purpose := firmware.PurposeBMC
		if r.deps.Store != nil {
			if p, err := r.deps.Store.RestorePurpose(ctx, inst.ID); err == nil {
				purpose = p
			} else if !errors.Is(err, store.ErrNotFound) {
				logger.WithError(firmware.PersistenceUnavailable(err)).Warn("failed to restore purpose")
			}
		}

		functional := running != "" && inst.Release.Version == running
		v := firmware.NewVersion(inst.ID, inst.Release.Version, purpose, inst.Release.ExtendedVersion, "", functional)

		priority, restored := r.restorePriority(ctx, inst.ID)
		if !restored {
			if functional {
				priority = 0
			} else {
				logger.Error("unable to restore priority")
			}
		}
		entry := r.ledger.Restore(ctx, inst.ID, priority)
		r.track(ctx, v, activation.Active{Entry: entry})

		if functional {
			r.associate(ctx, AssocFunctional, inst.ID)
		}
		r.associate(ctx, AssocActive, inst.ID)
		r.associate(ctx, AssocUpdateable, inst.ID)
		logger.WithFields(logrus.Fields{
			"version":    v.Version,
			"functional": functional,
			"priority":   entry.Priority(),
		}).Info("found installed version")
	}
	return nil
}

func (r *Registry) restorePriority(ctx context.Context, id string) (uint8, bool) {
	if r.deps.Store == nil {
		return ledgerMax, false
	}
	p, err := r.deps.Store.RestorePriority(ctx, id)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			r.logger.WithError(firmware.PersistenceUnavailable(err)).WithField("version_id", id).Warn("failed to restore priority")
		}
		return ledgerMax, false
	}
	return p, true
}

const ledgerMax = ^uint8(0)

// Erase deletes a version: bookkeeping first, then the boot pointer, then storage.
// The running version may only be erased when a single version is allowed.
func (r *Registry) Erase(ctx context.Context, id string) error {
	t, ok := r.versions[id]
	if !ok {
		return firmware.DeleteRefused(id, "unknown version")
	}
	if t.version.Functional() && r.cfg.MaxAllowed > 1 {
		r.logger.WithField("version_id", id).Error("version is currently running, unable to remove")
		return firmware.DeleteRefused(id, "version is currently running")
	}
	logger := r.logger.WithFields(logrus.Fields{"version_id": id, "state": t.machine.State().Name()})

	removed := r.assoc.removeAll(id)
	t.machine.Close(ctx)
	for _, c := range r.deps.Cancellers {
		c.Cancel(ctx, id)
	}

	r.ledger.Repoint(ctx)

	if err := r.deps.Helper.RemoveVersion(ctx, id); err != nil {
		logger.WithError(err).Error("failed to remove flash volume")
	}
	if r.deps.Store != nil {
		if err := r.deps.Store.Remove(ctx, id); err != nil {
			logger.WithError(firmware.PersistenceUnavailable(err)).Warn("failed to remove persisted metadata")
		}
	}
	r.removeUpload(t.version)
	r.untrack(id)

	if err := r.deps.Helper.ClearEntry(ctx, id); err != nil {
		logger.WithError(err).Warn("failed to clear boot loader entry")
	}

	for _, a := range removed {
		r.publish(ctx, events.Event{ID: id, Kind: events.KindAssociation, Association: string(a.Kind)})
	}
	r.publish(ctx, events.Event{ID: id, Kind: events.KindRemoved})
	logger.Info("version erased")
	return nil
}

// purge removes the storage of an id that is not tracked.
func (r *Registry) purge(ctx context.Context, id string) {
	logger := r.logger.WithField("version_id", id)
	if err := r.deps.Helper.RemoveVersion(ctx, id); err != nil {
		logger.WithError(err).Error("failed to remove flash volume")
	}
	if r.deps.Store != nil {
		if err := r.deps.Store.Remove(ctx, id); err != nil {
			logger.WithError(firmware.PersistenceUnavailable(err)).Warn("failed to remove persisted metadata")
		}
	}
	if err := r.deps.Helper.ClearEntry(ctx, id); err != nil {
		logger.WithError(err).Warn("failed to clear boot loader entry")
	}
}

// DeleteAll erases every version except the running one, then cleans up leftovers.
func (r *Registry) DeleteAll(ctx context.Context) error {
	var ids []string
	for _, id := range r.order {
		if !r.versions[id].version.Functional() {
			ids = append(ids, id)
		}
	}

	var errs []error
	for _, id := range ids {
		if err := r.Erase(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	if err := r.deps.Helper.Cleanup(ctx); err != nil {
		r.logger.WithError(err).Warn("failed to clean up flash volumes")
	}
	return errors.Join(errs...)
}

// freeSpace evicts versions so that caller fits within MaxAllowed.
func (r *Registry) freeSpace(ctx context.Context, caller string) {
	r.reclaimer.Reclaim(ctx, r.candidates(), caller)
}

func (r *Registry) candidates() []reclaim.Candidate {
	out := make([]reclaim.Candidate, 0, len(r.order))
	for _, id := range r.order {
		t := r.versions[id]
		// Host firmware does not occupy a flash slot.
		if t.version.Purpose.Auxiliary() {
			continue
		}
		c := reclaim.Candidate{ID: id, Functional: t.version.Functional()}
		switch s := t.machine.State().(type) {
		case activation.Active:
			c.Status = reclaim.StatusActive
			if s.Entry != nil {
				c.Priority = s.Entry.Priority()
				c.HasPriority = true
			}
		case activation.Failed:
			c.Status = reclaim.StatusFailed
		}
		out = append(out, c)
	}
	return out
}

// SetPriority assigns a redundancy priority to an active version.
func (r *Registry) SetPriority(ctx context.Context, id string, priority uint8) error {
	t, ok := r.versions[id]
	if !ok {
		return fmt.Errorf("%w: %s", firmware.ErrUnknownVersion, id)
	}
	if _, ok := t.machine.Entry(); !ok {
		return fmt.Errorf("%w: %s", firmware.ErrNoPriority, id)
	}
	before := r.ledger.Snapshot()
	r.ledger.Assign(ctx, id, priority)
	r.publishPriorities(ctx, before)
	return nil
}

// RequestActivation asks the machine of id to activate. Versions that are already
// activating or active ignore the request.
func (r *Registry) RequestActivation(ctx context.Context, id string) error {
	t, ok := r.versions[id]
	if !ok {
		return fmt.Errorf("%w: %s", firmware.ErrUnknownVersion, id)
	}
	if _, invalid := t.machine.State().(activation.Invalid); invalid {
		return fmt.Errorf("%w: version %s failed validation", firmware.ErrNotAllowed, id)
	}
	return t.machine.RequestActivation(ctx)
}

// Progress posts write progress reported by an asynchronous writer.
func (r *Registry) Progress(id string, value uint8) {
	r.loop.Post(func(ctx context.Context) {
		t, ok := r.versions[id]
		if !ok {
			return
		}
		t.machine.SetProgress(value)
		if p, ok := t.machine.Progress(); ok {
			r.publish(ctx, events.Event{ID: id, Kind: events.KindProgress, Progress: &p})
		}
	})
}

// Complete posts the outcome of an asynchronous write.
func (r *Registry) Complete(id string, err error) {
	r.loop.Post(func(ctx context.Context) {
		t, ok := r.versions[id]
		if !ok {
			r.logger.WithField("version_id", id).Debug("write completed for a version no longer tracked")
			return
		}
		t.machine.Complete(ctx, err)
	})
}

// FactoryReset clears persistent state on the next boot.
func (r *Registry) FactoryReset(ctx context.Context) error {
	if err := r.deps.Helper.FactoryReset(ctx); err != nil {
		return fmt.Errorf("failed to request factory reset: %w", err)
	}
	r.logger.Info("factory reset will take effect upon reboot")
	return nil
}

func (r *Registry) FieldMode() bool {
	return r.fieldMode
}

// SetFieldMode enables field mode. Field mode cannot be cleared once enabled.
func (r *Registry) SetFieldMode(ctx context.Context, enable bool) error {
	switch {
	case enable && !r.fieldMode:
		r.fieldMode = true
		r.logger.Warn("enabling field mode")
		if r.deps.Units == nil {
			return nil
		}
		if err := r.deps.Units.StartUnit(ctx, fieldModeUnit); err != nil {
			r.logger.WithError(err).Error("failed to persist field mode")
		}
		if err := r.deps.Units.StopUnit(ctx, usrLocalMount); err != nil {
			r.logger.WithError(err).Warn("failed to stop usr-local mount")
		}
		if err := r.deps.Units.MaskUnitFiles(ctx, usrLocalMount); err != nil {
			r.logger.WithError(err).Warn("failed to mask usr-local mount")
		}
	case !enable && r.fieldMode:
		return fmt.Errorf("%w: field mode cannot be cleared", firmware.ErrNotAllowed)
	}
	return nil
}

// RestoreFieldMode enables field mode when the boot loader environment says so.
func (r *Registry) RestoreFieldMode(ctx context.Context) {
	if r.cfg.FieldModeEnvPath == "" {
		return
	}
	env, err := os.ReadFile(r.cfg.FieldModeEnvPath)
	if err != nil {
		r.logger.WithError(err).Debug("no boot loader environment to restore field mode from")
		return
	}
	if bytes.Contains(env, []byte("fieldmode=true")) {
		if err := r.SetFieldMode(ctx, true); err != nil {
			r.logger.WithError(err).Error("failed to restore field mode")
		}
	}
}

// Activated removes the uploaded image and marks the version active.
func (r *Registry) Activated(ctx context.Context, v *firmware.Version) {
	r.removeUpload(v)
	r.associate(ctx, AssocActive, v.ID)
	r.associate(ctx, AssocUpdateable, v.ID)
	r.publishPriorities(ctx, nil)
}

// Delegated records the new host firmware version and erases the uploaded entry.
func (r *Registry) Delegated(ctx context.Context, v *firmware.Version) {
	r.hostVersion = v.Version
	r.publish(ctx, events.Event{ID: HostVersionID, Kind: events.KindState, State: string(activation.StateActive)})
	id := v.ID
	r.loop.Defer(func(ctx context.Context) {
		if err := r.Erase(ctx, id); err != nil {
			r.logger.WithError(err).WithField("version_id", id).Warn("failed to erase host image")
		}
	})
}

func (r *Registry) Transitioned(ctx context.Context, v *firmware.Version, s activation.State) {
	ev := events.Event{ID: v.ID, Kind: events.KindState, State: string(s.Name())}
	if f, ok := s.(activation.Failed); ok && f.Err != nil {
		ev.Error = f.Err.Error()
	}
	r.publish(ctx, ev)
}

// removeUpload deletes the uploaded image directory of v.
func (r *Registry) removeUpload(v *firmware.Version) {
	if v.Path == "" || r.cfg.UploadDir == "" {
		return
	}
	upload := filepath.Clean(r.cfg.UploadDir) + string(filepath.Separator)
	if !strings.HasPrefix(filepath.Clean(v.Path), upload) {
		return
	}
	if err := os.RemoveAll(v.Path); err != nil {
		r.logger.WithError(err).WithField("path", v.Path).Warn("failed to remove uploaded image")
	}
}

func (r *Registry) associate(ctx context.Context, kind AssociationKind, id string) {
	if r.assoc.add(kind, id) {
		r.publish(ctx, events.Event{ID: id, Kind: events.KindAssociation, Association: string(kind), Added: true})
	}
}

// publishPriorities publishes every ledger entry whose priority differs from before.
// A nil before publishes them all.
func (r *Registry) publishPriorities(ctx context.Context, before []ledger.Entry) {
	prev := make(map[string]uint8, len(before))
	for _, e := range before {
		prev[e.ID()] = e.Priority()
	}
	for _, e := range r.ledger.Snapshot() {
		p := e.Priority()
		if old, ok := prev[e.ID()]; ok && old == p && before != nil {
			continue
		}
		r.publish(ctx, events.Event{ID: e.ID(), Kind: events.KindPriority, Priority: &p})
	}
}

func (r *Registry) publish(ctx context.Context, ev events.Event) {
	r.events.Publish(ctx, ev)
}
