package systemd

import (
	"context"

	"bmc-flashd/internal/activation"
)

const (
	guardEnableUnit  = "reboot-guard-enable.service"
	guardDisableUnit = "reboot-guard-disable.service"
	rebootUnit       = "force-reboot.service"
)

type unitStarter interface {
	StartUnit(ctx context.Context, name string) error
}

// RebootGuards blocks reboots while an activation is writing flash.
type RebootGuards struct {
	Units unitStarter
}

func (g RebootGuards) Acquire(ctx context.Context) (activation.Guard, error) {
	if err := g.Units.StartUnit(ctx, guardEnableUnit); err != nil {
		return nil, err
	}
	return rebootGuard{units: g.Units}, nil
}

type rebootGuard struct {
	units unitStarter
}

func (g rebootGuard) Release(ctx context.Context) error {
	return g.units.StartUnit(ctx, guardDisableUnit)
}

type Rebooter struct {
	Units unitStarter
}

func (r Rebooter) Reboot(ctx context.Context) error {
	return r.Units.StartUnit(ctx, rebootUnit)
}
