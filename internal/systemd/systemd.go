// Package systemd talks to the systemd manager over the system bus. It starts the helper
// units that write and remove flash volumes and waits for their jobs to finish.
package systemd

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"

	"bmc-flashd/internal/firmware"
)

const (
	busName    = "org.freedesktop.systemd1"
	objectPath = dbus.ObjectPath("/org/freedesktop/systemd1")
	managerIfc = "org.freedesktop.systemd1.Manager"

	errAlreadySubscribed = "org.freedesktop.systemd1.AlreadySubscribed"
)

// Job results reported by systemd in the JobRemoved signal.
const (
	ResultDone       = "done"
	ResultFailed     = "failed"
	ResultCanceled   = "canceled"
	ResultTimeout    = "timeout"
	ResultDependency = "dependency"
	ResultSkipped    = "skipped"
)

// Client is a systemd manager client. Subscriptions are reference counted so that several
// concurrent writers can share the single manager subscription of the connection.
type Client struct {
	logger logrus.FieldLogger
	conn   *dbus.Conn
	obj    dbus.BusObject

	mu      sync.Mutex
	subs    int
	waiters map[dbus.ObjectPath]chan string
	// early holds results for jobs that finished before their waiter registered.
	early map[dbus.ObjectPath]string

	signals chan *dbus.Signal
	done    chan struct{}
}

// Dial connects to the system bus and starts dispatching JobRemoved signals.
func Dial(ctx context.Context, logger logrus.FieldLogger) (*Client, error) {
	conn, err := dbus.ConnectSystemBus(dbus.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to system bus: %w", err)
	}

	if err := conn.AddMatchSignalContext(ctx,
		dbus.WithMatchObjectPath(objectPath),
		dbus.WithMatchInterface(managerIfc),
		dbus.WithMatchMember("JobRemoved"),
	); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to match JobRemoved: %w", err)
	}

	c := newClient(logger, conn.Object(busName, objectPath))
	c.conn = conn
	conn.Signal(c.signals)
	go c.dispatch()
	return c, nil
}

func newClient(logger logrus.FieldLogger, obj dbus.BusObject) *Client {
	return &Client{
		logger:  logger.WithField("component", "systemd"),
		obj:     obj,
		waiters: map[dbus.ObjectPath]chan string{},
		early:   map[dbus.ObjectPath]string{},
		signals: make(chan *dbus.Signal, 32),
		done:    make(chan struct{}),
	}
}

func (c *Client) Close() error {
	close(c.done)
	if c.conn == nil {
		return nil
	}
	c.conn.RemoveSignal(c.signals)
	return c.conn.Close()
}

func (c *Client) dispatch() {
	for {
		select {
		case <-c.done:
			return
		case sig, ok := <-c.signals:
			if !ok {
				return
			}
			c.handleSignal(sig)
		}
	}
}

// handleSignal routes a JobRemoved(u id, o job, s unit, s result) signal to its waiter.
func (c *Client) handleSignal(sig *dbus.Signal) {
	if sig.Name != managerIfc+".JobRemoved" || len(sig.Body) != 4 {
		return
	}
	job, ok := sig.Body[1].(dbus.ObjectPath)
	if !ok {
		return
	}
	unit, _ := sig.Body[2].(string)
	result, _ := sig.Body[3].(string)

	c.logger.WithFields(logrus.Fields{"job": job, "unit": unit, "result": result}).Debug("job removed")

	c.mu.Lock()
	defer c.mu.Unlock()
	if w, ok := c.waiters[job]; ok {
		delete(c.waiters, job)
		w <- result
		return
	}
	c.early[job] = result
}

func (c *Client) call(ctx context.Context, method string, args ...interface{}) *dbus.Call {
	return c.obj.CallWithContext(ctx, managerIfc+"."+method, 0, args...)
}

func (c *Client) startJob(ctx context.Context, name string) (dbus.ObjectPath, error) {
	var job dbus.ObjectPath
	if err := c.call(ctx, "StartUnit", name, "replace").Store(&job); err != nil {
		return "", fmt.Errorf("failed to start unit %s: %w", name, err)
	}
	c.logger.WithFields(logrus.Fields{"unit": name, "job": job}).Info("started unit")
	return job, nil
}

// StartUnit queues a start job for name and returns without waiting for it.
func (c *Client) StartUnit(ctx context.Context, name string) error {
	_, err := c.startJob(ctx, name)
	return err
}

func (c *Client) StopUnit(ctx context.Context, name string) error {
	var job dbus.ObjectPath
	if err := c.call(ctx, "StopUnit", name, "replace").Store(&job); err != nil {
		return fmt.Errorf("failed to stop unit %s: %w", name, err)
	}
	return nil
}

type unitFileChange struct {
	Type        string
	Filename    string
	Destination string
}

// MaskUnitFiles masks the given unit files persistently.
func (c *Client) MaskUnitFiles(ctx context.Context, names ...string) error {
	var changes []unitFileChange
	if err := c.call(ctx, "MaskUnitFiles", names, false, true).Store(&changes); err != nil {
		return fmt.Errorf("failed to mask %v: %w", names, err)
	}
	for _, ch := range changes {
		c.logger.WithFields(logrus.Fields{"type": ch.Type, "file": ch.Filename}).Debug("unit file changed")
	}
	return nil
}

// RunUnit starts name and blocks until its job is removed, returning the job result.
func (c *Client) RunUnit(ctx context.Context, name string) (string, error) {
	if err := c.Subscribe(ctx); err != nil && !errors.Is(err, firmware.ErrAlreadySubscribed) {
		c.logger.WithError(err).Warn("failed to subscribe, job completion may be missed")
	}
	defer func() {
		if err := c.Unsubscribe(context.WithoutCancel(ctx)); err != nil {
			c.logger.WithError(err).Warn("failed to unsubscribe")
		}
	}()

	job, err := c.startJob(ctx, name)
	if err != nil {
		return "", err
	}

	wait := make(chan string, 1)
	c.mu.Lock()
	if result, ok := c.early[job]; ok {
		delete(c.early, job)
		wait <- result
	} else {
		c.waiters[job] = wait
	}
	c.mu.Unlock()

	select {
	case result := <-wait:
		return result, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.waiters, job)
		c.mu.Unlock()
		return "", ctx.Err()
	}
}

// Subscribe enables manager signals. Only the first reference reaches systemd.
func (c *Client) Subscribe(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs++
	if c.subs > 1 {
		return nil
	}
	if err := mapError(c.call(ctx, "Subscribe").Err); err != nil {
		if !errors.Is(err, firmware.ErrAlreadySubscribed) {
			c.subs--
		}
		return err
	}
	return nil
}

// Unsubscribe drops a reference taken by Subscribe. systemd is told once none remain.
func (c *Client) Unsubscribe(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subs == 0 {
		return nil
	}
	c.subs--
	if c.subs > 0 {
		return nil
	}
	return mapError(c.call(ctx, "Unsubscribe").Err)
}

func mapError(err error) error {
	if err == nil {
		return nil
	}
	var (
		de  dbus.Error
		dep *dbus.Error
	)
	switch {
	case errors.As(err, &de) && de.Name == errAlreadySubscribed,
		errors.As(err, &dep) && dep.Name == errAlreadySubscribed:
		return firmware.ErrAlreadySubscribed
	}
	return err
}
