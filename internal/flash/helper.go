// Package flash wraps the platform tools that touch the boot environment and the
// flash volumes: setting the boot target, recording priorities for the boot loader,
// and removing or mirroring volumes.
package flash

import (
	"context"
	"fmt"
	"strconv"

	"github.com/sirupsen/logrus"
)

// Layout is the flash layout of the controller.
type Layout string

const (
	LayoutStatic Layout = "static"
	LayoutUBI    Layout = "ubi"
	LayoutMMC    Layout = "mmc"
)

func ParseLayout(s string) (Layout, error) {
	switch l := Layout(s); l {
	case LayoutStatic, LayoutUBI, LayoutMMC:
		return l, nil
	default:
		return "", fmt.Errorf("unknown flash layout %q", s)
	}
}

// UnitStarter starts a helper unit and does not wait for it to finish.
type UnitStarter interface {
	StartUnit(ctx context.Context, name string) error
}

type Helper struct {
	layout Layout
	run    Runner
	units  UnitStarter
	logger logrus.FieldLogger
}

func NewHelper(logger logrus.FieldLogger, layout Layout, run Runner, units UnitStarter) *Helper {
	return &Helper{
		layout: layout,
		run:    run,
		units:  units,
		logger: logger.WithFields(logrus.Fields{"component": "flash", "layout": layout}),
	}
}

func (h *Helper) Layout() Layout {
	return h.layout
}

func (h *Helper) start(ctx context.Context, unit string) error {
	h.logger.WithField("unit", unit).Debug("starting helper unit")
	if err := h.units.StartUnit(ctx, unit); err != nil {
		return fmt.Errorf("failed to start %s: %w", unit, err)
	}
	return nil
}

// SetEntry records the priority of a version where the boot loader can see it.
func (h *Helper) SetEntry(ctx context.Context, id string, priority uint8) error {
	if h.layout != LayoutUBI {
		return nil
	}
	return h.run.Run(ctx, "set priority entry", "fw_setenv", id, strconv.Itoa(int(priority)))
}

// ClearEntry removes the boot loader priority record of a version.
func (h *Helper) ClearEntry(ctx context.Context, id string) error {
	if h.layout != LayoutUBI {
		return nil
	}
	return h.run.Run(ctx, "clear priority entry", "fw_setenv", id)
}

// SetBootTarget points the persistent boot pointer at a version.
func (h *Helper) SetBootTarget(ctx context.Context, id string) error {
	switch h.layout {
	case LayoutUBI:
		return h.start(ctx, "obmc-flash-bmc-updateubootvars@"+id+".service")
	case LayoutMMC:
		return h.start(ctx, "obmc-flash-mmc-setprimary@"+id+".service")
	default:
		return nil
	}
}

// RemoveVersion removes the flash volume of a version.
func (h *Helper) RemoveVersion(ctx context.Context, id string) error {
	switch h.layout {
	case LayoutUBI:
		return h.start(ctx, "obmc-flash-bmc-ubiro-remove@"+id+".service")
	case LayoutMMC:
		return h.start(ctx, "obmc-flash-mmc-remove@"+id+".service")
	default:
		return nil
	}
}

// MirrorAlt copies the boot environment to the alternate flash chip.
func (h *Helper) MirrorAlt(ctx context.Context) error {
	switch h.layout {
	case LayoutUBI:
		return h.start(ctx, "obmc-flash-bmc-mirroruboot.service")
	case LayoutMMC:
		return h.start(ctx, "obmc-flash-mmc-mirroruboot.service")
	default:
		return nil
	}
}

// Cleanup removes leftover volumes after a bulk delete.
func (h *Helper) Cleanup(ctx context.Context) error {
	if h.layout != LayoutUBI {
		return nil
	}
	return h.start(ctx, "obmc-flash-bmc-cleanup.service")
}

// FactoryReset asks the boot loader to wipe the read-write partition on next boot.
func (h *Helper) FactoryReset(ctx context.Context) error {
	switch h.layout {
	case LayoutUBI:
		return h.start(ctx, `obmc-flash-bmc-setenv@rwreset\x3dtrue.service`)
	default:
		return h.run.Run(ctx, "factory reset", "fw_setenv", "rwreset", "true")
	}
}
