// Package activation drives a single firmware version through validation, write and
// activation.
package activation

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"bmc-flashd/internal/firmware"
	"bmc-flashd/internal/ledger"
)

// ApplyTime decides whether a freshly activated image is booted right away.
type ApplyTime string

const (
	ApplyImmediate ApplyTime = "Immediate"
	ApplyOnReset   ApplyTime = "OnReset"
)

// Begun reports how a write started. Sync writes are complete when Begin returns;
// otherwise completion arrives later through Machine.Complete.
type Begun struct {
	Sync bool
}

// Writer starts the physical write of an image.
type Writer interface {
	Begin(ctx context.Context, v *firmware.Version) (Begun, error)
}

type Gate interface {
	Verify(version string, purpose firmware.Purpose) error
}

// Verifier checks the image signature.
type Verifier interface {
	Verify(ctx context.Context, v *firmware.Version) error
}

// Subscriber controls delivery of write-completion notifications.
type Subscriber interface {
	Subscribe(ctx context.Context) error
	Unsubscribe(ctx context.Context) error
}

// Guard blocks disruptive operations such as reboots while held.
type Guard interface {
	Release(ctx context.Context) error
}

type Guards interface {
	Acquire(ctx context.Context) (Guard, error)
}

type Ledger interface {
	Entry(id string) (*ledger.Entry, bool)
	Assign(ctx context.Context, id string, priority uint8) *ledger.Entry
	Remove(id string)
}

type PurposeStore interface {
	SavePurpose(ctx context.Context, id string, purpose firmware.Purpose) error
}

type Rebooter interface {
	Reboot(ctx context.Context) error
}

// Hooks lets the owner react to machine milestones.
type Hooks interface {
	// Activated runs after a primary image reaches Active.
	Activated(ctx context.Context, v *firmware.Version)
	// Delegated runs after an external writer reports success.
	Delegated(ctx context.Context, v *firmware.Version)
	// Transitioned runs after every state change.
	Transitioned(ctx context.Context, v *firmware.Version, s State)
}

// Deps are the collaborators shared by every machine of a registry.
type Deps struct {
	Logger    logrus.FieldLogger
	Gate      Gate
	Signature Verifier
	FieldMode func() bool
	ApplyTime func() ApplyTime

	Primary   Writer
	Auxiliary Writer
	// Reclaim frees space for id before its write starts.
	Reclaim func(ctx context.Context, id string)

	Notifications Subscriber
	Guards        Guards
	Ledger        Ledger
	Purposes      PurposeStore
	Rebooter      Rebooter
	Hooks         Hooks
}

// writerFor selects the write strategy for a purpose.
func (d *Deps) writerFor(p firmware.Purpose) (Writer, bool) {
	if p.Auxiliary() {
		return d.Auxiliary, true
	}
	return d.Primary, false
}

// Machine is the activation state machine of one version. It is not safe for
// concurrent use and is driven from the registry loop.
type Machine struct {
	version *firmware.Version
	deps    *Deps
	logger  logrus.FieldLogger
	state   State
}

func New(v *firmware.Version, initial State, deps *Deps) *Machine {
	if initial == nil {
		initial = Ready{}
	}
	return &Machine{
		version: v,
		deps:    deps,
		logger:  deps.Logger.WithFields(logrus.Fields{"version_id": v.ID, "version": v.Version}),
		state:   initial,
	}
}

func (m *Machine) Version() *firmware.Version {
	return m.version
}

func (m *Machine) State() State {
	return m.state
}

// Progress returns the activation progress, or false outside Activating.
func (m *Machine) Progress() (uint8, bool) {
	a, ok := m.state.(*Activating)
	if !ok || a.Progress == nil {
		return 0, false
	}
	return a.Progress.Value(), true
}

// Entry returns the redundancy priority of an Active version.
func (m *Machine) Entry() (*ledger.Entry, bool) {
	a, ok := m.state.(Active)
	if !ok || a.Entry == nil {
		return nil, false
	}
	return a.Entry, true
}

// RequestActivation starts an attempt from Ready or Failed. In any other state it
// does nothing. The returned error is the failure recorded on the attempt, if the
// attempt failed before its write was handed off.
func (m *Machine) RequestActivation(ctx context.Context) error {
	switch m.state.(type) {
	case Ready, Failed:
	default:
		m.logger.WithField("state", m.state.Name()).Debug("ignoring activation request")
		return nil
	}
	m.logger.Info("activation requested")

	if m.deps.Signature != nil {
		if err := m.deps.Signature.Verify(ctx, m.version); err != nil {
			serr := firmware.SignatureInvalid(m.version.ID, err)
			m.logger.WithError(serr).Error("image signature verification failed")
			if m.fieldMode() {
				m.setState(ctx, Failed{Err: serr})
				return serr
			}
		}
	}

	writer, delegated := m.deps.writerFor(m.version.Purpose)
	if writer == nil {
		err := firmware.WriteFailed(m.version.ID, fmt.Errorf("no writer for purpose %s", m.version.Purpose))
		m.setState(ctx, Failed{Err: err})
		return err
	}

	if !delegated {
		if err := m.deps.Gate.Verify(m.version.Version, m.version.Purpose); err != nil {
			m.setState(ctx, Failed{Err: err})
			return err
		}
	}

	act := &Activating{
		Progress:  newProgress(m.version.ID),
		Guard:     m.acquireGuard(ctx),
		writer:    writer,
		delegated: delegated,
	}
	if delegated {
		act.Progress.Set(20)
	} else {
		act.Progress.Set(10)
	}
	m.setState(ctx, act)

	if !delegated && m.deps.Reclaim != nil {
		m.deps.Reclaim(ctx, m.version.ID)
	}
	m.subscribe(ctx)

	begun, err := writer.Begin(ctx, m.version)
	if err != nil {
		return m.finalizeFailure(ctx, act, err)
	}
	if begun.Sync {
		m.finalizeSuccess(ctx, act)
	}
	return nil
}

// SetProgress records progress reported by an asynchronous writer.
func (m *Machine) SetProgress(value uint8) {
	if a, ok := m.state.(*Activating); ok && a.Progress != nil {
		a.Progress.Set(value)
	}
}

// Complete delivers the result of an asynchronous write. It is ignored unless the
// machine is Activating.
func (m *Machine) Complete(ctx context.Context, cause error) {
	act, ok := m.state.(*Activating)
	if !ok {
		m.logger.WithField("state", m.state.Name()).Debug("ignoring write completion")
		return
	}
	if cause != nil {
		_ = m.finalizeFailure(ctx, act, cause)
		return
	}
	if act.delegated {
		m.finalizeDelegated(ctx, act)
		return
	}
	m.finalizeSuccess(ctx, act)
}

func (m *Machine) finalizeSuccess(ctx context.Context, act *Activating) {
	act.Progress.Set(100)
	m.releaseGuard(ctx, act)
	m.unsubscribe(ctx)

	if m.deps.Purposes != nil {
		if err := m.deps.Purposes.SavePurpose(ctx, m.version.ID, m.version.Purpose); err != nil {
			m.logger.WithError(firmware.PersistenceUnavailable(err)).Error("failed to persist purpose")
		}
	}

	entry, ok := m.deps.Ledger.Entry(m.version.ID)
	if !ok {
		entry = m.deps.Ledger.Assign(ctx, m.version.ID, 0)
	}
	m.setState(ctx, Active{Entry: entry})
	m.logger.WithField("priority", entry.Priority()).Info("activation complete")

	if m.deps.Hooks != nil {
		m.deps.Hooks.Activated(ctx, m.version)
	}

	if m.applyTime() == ApplyImmediate && m.deps.Rebooter != nil {
		m.logger.Info("apply time is immediate, rebooting")
		if err := m.deps.Rebooter.Reboot(ctx); err != nil {
			m.logger.WithError(err).Error("failed to request reboot")
		}
		return
	}
	m.logger.Info("reboot required to boot the new image")
}

func (m *Machine) finalizeDelegated(ctx context.Context, act *Activating) {
	m.unsubscribe(ctx)
	act.Progress.Set(100)
	m.releaseGuard(ctx, act)
	m.setState(ctx, Active{})
	m.logger.Info("external writer completed")

	if m.deps.Hooks != nil {
		m.deps.Hooks.Delegated(ctx, m.version)
	}
}

func (m *Machine) finalizeFailure(ctx context.Context, act *Activating, cause error) error {
	m.unsubscribe(ctx)
	m.releaseGuard(ctx, act)

	err := cause
	if firmware.KindOf(cause) == "" {
		err = firmware.WriteFailed(m.version.ID, cause)
	}
	m.logger.WithError(err).Error("activation failed")
	m.setState(ctx, Failed{Err: err})
	return err
}

// Close releases whatever the current state holds. The machine must not be used
// afterwards.
func (m *Machine) Close(ctx context.Context) {
	if act, ok := m.state.(*Activating); ok {
		m.unsubscribe(ctx)
		m.releaseGuard(ctx, act)
	}
	m.leave(m.state)
	m.state = Invalid{}
}

func (m *Machine) setState(ctx context.Context, next State) {
	prev := m.state
	m.leave(prev)
	m.state = next
	m.logger.WithFields(logrus.Fields{"from": prev.Name(), "to": next.Name()}).Debug("state changed")
	if m.deps.Hooks != nil {
		m.deps.Hooks.Transitioned(ctx, m.version, next)
	}
}

// leave drops resources tied to prev that do not survive the transition.
func (m *Machine) leave(prev State) {
	switch s := prev.(type) {
	case *Activating:
		if s.Progress != nil {
			s.Progress.close()
		}
	case Active:
		if s.Entry != nil {
			m.deps.Ledger.Remove(m.version.ID)
		}
	}
}

func (m *Machine) acquireGuard(ctx context.Context) Guard {
	if m.deps.Guards == nil {
		return nil
	}
	g, err := m.deps.Guards.Acquire(ctx)
	if err != nil {
		m.logger.WithError(err).Warn("failed to enable reboot guard")
		return nil
	}
	return g
}

func (m *Machine) releaseGuard(ctx context.Context, act *Activating) {
	if act.Guard == nil {
		return
	}
	if err := act.Guard.Release(ctx); err != nil {
		m.logger.WithError(err).Warn("failed to disable reboot guard")
	}
	act.Guard = nil
}

func (m *Machine) subscribe(ctx context.Context) {
	if m.deps.Notifications == nil {
		return
	}
	err := m.deps.Notifications.Subscribe(ctx)
	switch {
	case err == nil, errors.Is(err, firmware.ErrAlreadySubscribed):
	default:
		m.logger.WithError(err).Error("failed to subscribe to write notifications")
	}
}

func (m *Machine) unsubscribe(ctx context.Context) {
	if m.deps.Notifications == nil {
		return
	}
	if err := m.deps.Notifications.Unsubscribe(ctx); err != nil {
		m.logger.WithError(err).Warn("failed to unsubscribe from write notifications")
	}
}

func (m *Machine) fieldMode() bool {
	return m.deps.FieldMode != nil && m.deps.FieldMode()
}

func (m *Machine) applyTime() ApplyTime {
	if m.deps.ApplyTime == nil {
		return ApplyOnReset
	}
	return m.deps.ApplyTime()
}
