// Package events publishes changes of tracked versions for presentation layers.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

// SubjectPrefix is the root of every published subject: bmc.software.<id>.<kind>.
const SubjectPrefix = "bmc.software"

type Kind string

const (
	KindState       Kind = "state"
	KindProgress    Kind = "progress"
	KindPriority    Kind = "priority"
	KindAssociation Kind = "association"
	KindRemoved     Kind = "removed"
)

// Event is one change of a tracked version.
type Event struct {
	ID          string    `json:"id"`
	Kind        Kind      `json:"kind"`
	State       string    `json:"state,omitempty"`
	Progress    *uint8    `json:"progress,omitempty"`
	Priority    *uint8    `json:"priority,omitempty"`
	Association string    `json:"association,omitempty"`
	Added       bool      `json:"added,omitempty"`
	Error       string    `json:"error,omitempty"`
	Time        time.Time `json:"time"`
}

// Subject is the subject ev is published on.
func (ev Event) Subject() string {
	return SubjectPrefix + "." + ev.ID + "." + string(ev.Kind)
}

// Publisher is best effort: a failed publish is logged and otherwise ignored.
type Publisher interface {
	Publish(ctx context.Context, ev Event)
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) {}

type conn interface {
	Publish(subject string, data []byte) error
}

// NATS publishes events as JSON messages.
type NATS struct {
	conn   conn
	nc     *nats.Conn
	logger logrus.FieldLogger
}

// Connect dials url and keeps reconnecting for the life of the daemon.
func Connect(logger logrus.FieldLogger, url string) (*NATS, error) {
	logger = logger.WithFields(logrus.Fields{"component": "events", "nats_url": url})
	nc, err := nats.Connect(url,
		nats.Name("bmc-flashd"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.WithError(err).Warn("nats disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.WithField("server", nc.ConnectedUrl()).Info("nats reconnected")
		}),
	)
	if err != nil {
		return nil, err
	}
	return &NATS{conn: nc, nc: nc, logger: logger}, nil
}

func (p *NATS) Publish(_ context.Context, ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		p.logger.WithError(err).Error("failed to marshal event")
		return
	}
	if err := p.conn.Publish(ev.Subject(), payload); err != nil {
		p.logger.WithError(err).WithField("subject", ev.Subject()).Warn("failed to publish event")
	}
}

// Close flushes pending messages and closes the connection.
func (p *NATS) Close() {
	if p.nc != nil {
		p.nc.Drain()
		p.nc.Close()
	}
}
