package activation

import (
	"bmc-flashd/internal/ledger"
)

// StateName is the externally visible name of a State.
type StateName string

const (
	StateInvalid    StateName = "Invalid"
	StateReady      StateName = "Ready"
	StateActivating StateName = "Activating"
	StateActive     StateName = "Active"
	StateFailed     StateName = "Failed"
)

// State is one of Invalid, Ready, *Activating, Active or Failed. Each variant carries
// exactly the resources that exist in that state.
type State interface {
	Name() StateName
	isState()
}

// Invalid is terminal: the image failed discovery-time validation.
type Invalid struct{}

// Ready is a validated image awaiting an activation request.
type Ready struct{}

// Activating is an attempt in progress. It holds the progress tracker and the guard
// that blocks reboots until the attempt ends.
type Activating struct {
	Progress *Progress
	Guard    Guard

	writer    Writer
	delegated bool
}

// Active is an installed image. Entry is its redundancy priority; it is nil for
// images written by an external writer, which never hold a boot slot.
type Active struct {
	Entry *ledger.Entry
}

// Failed is a failed attempt. It may be retried.
type Failed struct {
	Err error
}

func (Invalid) Name() StateName     { return StateInvalid }
func (Ready) Name() StateName       { return StateReady }
func (*Activating) Name() StateName { return StateActivating }
func (Active) Name() StateName      { return StateActive }
func (Failed) Name() StateName      { return StateFailed }

func (Invalid) isState()     {}
func (Ready) isState()       {}
func (*Activating) isState() {}
func (Active) isState()      {}
func (Failed) isState()      {}

// Delegated reports whether an external writer owns the attempt.
func (a *Activating) Delegated() bool {
	return a.delegated
}
