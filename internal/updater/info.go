package updater

import (
	"errors"
	"fmt"

	"bmc-flashd/internal/activation"
	"bmc-flashd/internal/firmware"
)

// Info is the enumeration view of one tracked version.
type Info struct {
	ID              string               `json:"id"`
	Version         string               `json:"version"`
	Purpose         firmware.Purpose     `json:"purpose"`
	ExtendedVersion string               `json:"extended_version,omitempty"`
	Path            string               `json:"path,omitempty"`
	State           activation.StateName `json:"state"`
	Progress        *uint8               `json:"progress,omitempty"`
	Priority        *uint8               `json:"priority,omitempty"`
	Functional      bool                 `json:"functional"`
	Active          bool                 `json:"active"`
	Updateable      bool                 `json:"updateable"`
	Error           *firmware.Error      `json:"error,omitempty"`
}

func (r *Registry) info(t *tracked) Info {
	v := t.version
	in := Info{
		ID:              v.ID,
		Version:         v.Version,
		Purpose:         v.Purpose,
		ExtendedVersion: v.ExtendedVersion,
		Path:            v.Path,
		State:           t.machine.State().Name(),
		Functional:      v.Functional(),
		Active:          r.assoc.has(AssocActive, v.ID),
		Updateable:      r.assoc.has(AssocUpdateable, v.ID),
	}
	if p, ok := t.machine.Progress(); ok {
		in.Progress = &p
	}
	if e, ok := t.machine.Entry(); ok {
		p := e.Priority()
		in.Priority = &p
	}
	if f, ok := t.machine.State().(activation.Failed); ok && f.Err != nil {
		var fe *firmware.Error
		if errors.As(f.Err, &fe) {
			in.Error = fe
		} else {
			in.Error = firmware.WriteFailed(v.ID, f.Err)
		}
	}
	return in
}

// List returns every tracked version in discovery order, followed by the host
// firmware once one has been written.
func (r *Registry) List() []Info {
	out := make([]Info, 0, len(r.order)+1)
	for _, id := range r.order {
		out = append(out, r.info(r.versions[id]))
	}
	if r.hostVersion != "" {
		out = append(out, Info{
			ID:         HostVersionID,
			Version:    r.hostVersion,
			Purpose:    firmware.PurposeHost,
			State:      activation.StateActive,
			Functional: true,
			Active:     true,
		})
	}
	return out
}

func (r *Registry) Get(id string) (Info, error) {
	t, ok := r.versions[id]
	if !ok {
		return Info{}, fmt.Errorf("%w: %s", firmware.ErrUnknownVersion, id)
	}
	return r.info(t), nil
}

// Associations returns the association list in the order entries were added.
func (r *Registry) Associations() []Association {
	return r.assoc.all()
}
