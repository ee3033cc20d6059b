// Package writer implements the write strategies used by activation: copying images for
// a static flash layout, and running flash helper units as persisted jobs for the ubi and
// mmc layouts and for host firmware.
package writer

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
	"github.com/superfly/fsm"

	"bmc-flashd/internal/activation"
	"bmc-flashd/internal/firmware"
	"bmc-flashd/internal/flash"
)

const (
	ActionFlash     = "flash"
	ActionFlashHost = "flash-host"

	// Queue bounds the number of concurrent flash jobs.
	Queue = "flash"

	resultDone = "done"
)

// UnitRunner starts units on the service manager.
type UnitRunner interface {
	StartUnit(ctx context.Context, name string) error
	// RunUnit blocks until the unit's start job is removed and returns its result.
	RunUnit(ctx context.Context, name string) (string, error)
}

// Completer receives progress and completion of writes. Calls come from job goroutines.
type Completer interface {
	Progress(id string, value uint8)
	Complete(id string, err error)
}

// Step is one helper unit of a write.
type Step struct {
	Unit string `json:"unit"`
	// Wait blocks until the unit finishes and fails the write unless it succeeded.
	Wait bool `json:"wait"`
	// Progress is reported once the step has finished.
	Progress uint8 `json:"progress"`
}

// Plan lists the units that write v.
type Plan func(v *firmware.Version) []Step

// PlanFor returns the write plan of the primary image for a flash layout.
func PlanFor(layout flash.Layout) (Plan, error) {
	switch layout {
	case flash.LayoutUBI:
		return UBIPlan, nil
	case flash.LayoutMMC:
		return MMCPlan, nil
	default:
		return nil, fmt.Errorf("layout %s is not written by units", layout)
	}
}

func UBIPlan(v *firmware.Version) []Step {
	return []Step{
		{Unit: "obmc-flash-bmc-ubirw.service", Progress: 20},
		{Unit: "obmc-flash-bmc-ubiro@" + v.ID + ".service", Wait: true, Progress: 90},
	}
}

func MMCPlan(v *firmware.Version) []Step {
	return []Step{
		{Unit: "obmc-flash-mmc@" + v.ID + ".service", Wait: true, Progress: 90},
	}
}

func HostPlan(v *firmware.Version) []Step {
	return []Step{
		{Unit: "obmc-flash-host-bios@" + v.ID + ".service", Wait: true, Progress: 90},
	}
}

// Job is the persisted request of a flash job.
type Job struct {
	VersionID string `json:"version_id"`
	Steps     []Step `json:"steps"`
}

func (Job) Name() string {
	return "flash_job"
}

// JobResult records the steps that have finished so a resumed job skips them.
type JobResult struct {
	Finished []string `json:"finished"`
}

// UnitWriter writes an image by running helper units inside a persisted fsm job. Begin
// returns as soon as the job is queued; the outcome reaches the Completer.
type UnitWriter struct {
	logger    logrus.FieldLogger
	manager   *fsm.Manager
	action    string
	units     UnitRunner
	completer Completer
	plan      Plan

	start  fsm.Start[Job, JobResult]
	resume fsm.Resume
}

var _ activation.Writer = (*UnitWriter)(nil)

func NewUnitWriter(ctx context.Context, logger logrus.FieldLogger, m *fsm.Manager, action string, units UnitRunner, completer Completer, plan Plan) (*UnitWriter, error) {
	w := &UnitWriter{
		logger:    logger.WithFields(logrus.Fields{"component": "writer", "action": action}),
		manager:   m,
		action:    action,
		units:     units,
		completer: completer,
		plan:      plan,
	}

	start, resume, err := fsm.Register[Job, JobResult](m, action).
		Start("prepare", w.prepare).
		To("write", w.write).
		End("done", fsm.WithFinalizers(w.finalize)).
		Build(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to build %s job: %w", action, err)
	}
	w.start = start
	w.resume = resume
	return w, nil
}

// Resume restarts jobs interrupted by a previous shutdown.
func (w *UnitWriter) Resume(ctx context.Context) error {
	return w.resume(ctx)
}

func (w *UnitWriter) Begin(ctx context.Context, v *firmware.Version) (activation.Begun, error) {
	job := &Job{VersionID: v.ID, Steps: w.plan(v)}
	opts := []fsm.StartOptionsFn{fsm.WithQueue(Queue)}
	// A cancelled job of an earlier attempt may still be unwinding.
	if prev, ok := w.latest(ctx, v.ID); ok {
		opts = append(opts, fsm.WithRunAfter(prev))
	}
	version, err := w.start(ctx, v.ID, fsm.NewRequest(job, &JobResult{}), opts...)
	if err != nil {
		return activation.Begun{}, fmt.Errorf("failed to start flash job: %w", err)
	}
	w.logger.WithFields(logrus.Fields{"version_id": v.ID, "run_version": version}).Info("flash job queued")
	return activation.Begun{}, nil
}

// latest returns the newest unfinished job of this writer for id.
func (w *UnitWriter) latest(ctx context.Context, id string) (ulid.ULID, bool) {
	active, err := w.manager.Active(ctx, id)
	if err != nil {
		return ulid.ULID{}, false
	}
	var newest ulid.ULID
	for key := range active {
		if key.Action == w.action && key.Version.Compare(newest) > 0 {
			newest = key.Version
		}
	}
	return newest, newest.Compare(ulid.ULID{}) != 0
}

// Cancel stops any job still writing id.
func (w *UnitWriter) Cancel(ctx context.Context, id string) {
	active, err := w.manager.Active(ctx, id)
	if err != nil {
		w.logger.WithError(err).Warn("failed to look up flash jobs")
		return
	}
	for key := range active {
		if key.Action != w.action {
			continue
		}
		if err := w.manager.Cancel(ctx, key.Version, "version erased"); err != nil && !errors.Is(err, fsm.ErrFsmNotFound) {
			w.logger.WithError(err).WithField("version_id", id).Warn("failed to cancel flash job")
		}
	}
}

func (w *UnitWriter) prepare(ctx context.Context, req *fsm.Request[Job, JobResult]) (*fsm.Response[JobResult], error) {
	if len(req.Msg.Steps) == 0 {
		return nil, fsm.NewUnrecoverableUserError(fmt.Errorf("no flash units for %s", req.Msg.VersionID))
	}
	if fsm.IsRestartFromContext(ctx) {
		req.Log().Warn("resuming flash job after restart")
	}
	return nil, nil
}

func (w *UnitWriter) write(ctx context.Context, req *fsm.Request[Job, JobResult]) (*fsm.Response[JobResult], error) {
	res := JobResult{}
	if req.W.Msg != nil {
		res.Finished = append(res.Finished, req.W.Msg.Finished...)
	}

	for _, step := range req.Msg.Steps {
		if slices.Contains(res.Finished, step.Unit) {
			continue
		}
		logger := req.Log().WithField("unit", step.Unit)

		if !step.Wait {
			if err := w.units.StartUnit(ctx, step.Unit); err != nil {
				return nil, err
			}
		} else {
			result, err := w.units.RunUnit(ctx, step.Unit)
			if err != nil {
				return nil, err
			}
			if result != resultDone {
				logger.WithField("result", result).Error("flash unit did not succeed")
				return nil, fsm.NewUnrecoverableSystemError(fmt.Errorf("unit %s finished with result %q", step.Unit, result))
			}
		}

		res.Finished = append(res.Finished, step.Unit)
		req.W.Msg = &res
		if step.Progress > 0 {
			w.completer.Progress(req.Msg.VersionID, step.Progress)
		}
	}
	return fsm.NewResponse(&res), nil
}

func (w *UnitWriter) finalize(ctx context.Context, req *fsm.Request[Job, JobResult], runErr fsm.RunErr) {
	if runErr.Err != nil {
		w.logger.WithError(runErr.Err).WithField("state", runErr.State).Error("flash job failed")
	}
	w.completer.Complete(req.Msg.VersionID, runErr.Err)
}
