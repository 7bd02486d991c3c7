package jobs

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/nats-io/nats.go"
)

// DefaultSubjectPrefix is the subject namespace for triggers and events.
const DefaultSubjectPrefix = "transit.jobs"

// Publisher sends a message on a subject. *nats.Conn satisfies it.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Starter starts jobs by kind.
type Starter interface {
	Start(kind Kind) (Ack, error)
}

// NATSTrigger starts jobs from request messages on <prefix>.collect and
// <prefix>.import and publishes job events on <prefix>.events.<kind>.
type NATSTrigger struct {
	starter Starter
	pub     Publisher
	prefix  string
	logger  *log.Logger
	subs    []*nats.Subscription
}

// triggerReply is the reply to a trigger request.
type triggerReply struct {
	*Ack
	Error string `json:"error,omitempty"`
}

// NewNATSTrigger creates a trigger. An empty prefix uses
// DefaultSubjectPrefix.
func NewNATSTrigger(starter Starter, pub Publisher, prefix string, logger *log.Logger) *NATSTrigger {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if logger == nil {
		logger = log.Default()
	}
	return &NATSTrigger{starter: starter, pub: pub, prefix: prefix, logger: logger}
}

// Subject returns the trigger subject for kind.
func (t *NATSTrigger) Subject(kind Kind) string {
	switch kind {
	case KindCollection:
		return t.prefix + ".collect"
	case KindImport:
		return t.prefix + ".import"
	}
	return t.prefix + "." + string(kind)
}

// EventSubject returns the subject events for kind are published on.
func (t *NATSTrigger) EventSubject(kind Kind) string {
	return t.prefix + ".events." + string(kind)
}

// Subscribe registers the trigger subjects on nc.
func (t *NATSTrigger) Subscribe(nc *nats.Conn) error {
	for _, kind := range []Kind{KindCollection, KindImport} {
		sub, err := nc.Subscribe(t.Subject(kind), t.Handler(kind))
		if err != nil {
			t.Close()
			return fmt.Errorf("subscribe %s: %w", t.Subject(kind), err)
		}
		t.subs = append(t.subs, sub)
		t.logger.Printf("jobs: listening for %s triggers on %s", kind, t.Subject(kind))
	}
	return nil
}

// Handler returns the message handler for kind. The acknowledgment is
// sent to the message's reply subject when it has one.
func (t *NATSTrigger) Handler(kind Kind) nats.MsgHandler {
	return func(m *nats.Msg) {
		var reply triggerReply
		ack, err := t.starter.Start(kind)
		if err != nil {
			t.logger.Printf("jobs: %s trigger on %s rejected: %v", kind, m.Subject, err)
			reply.Error = err.Error()
		} else {
			reply.Ack = &ack
		}

		if m.Reply == "" {
			return
		}
		data, err := json.Marshal(reply)
		if err != nil {
			t.logger.Printf("jobs: encode reply: %v", err)
			return
		}
		if err := t.pub.Publish(m.Reply, data); err != nil {
			t.logger.Printf("jobs: reply to %s: %v", m.Reply, err)
		}
	}
}

// Notify publishes ev on its event subject.
func (t *NATSTrigger) Notify(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		t.logger.Printf("jobs: encode event: %v", err)
		return
	}
	if err := t.pub.Publish(t.EventSubject(ev.Kind), data); err != nil {
		t.logger.Printf("jobs: publish event for %s: %v", ev.JobID, err)
	}
}

// Close removes the subscriptions.
func (t *NATSTrigger) Close() error {
	var errs []error
	for _, sub := range t.subs {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			errs = append(errs, err)
		}
	}
	t.subs = nil
	return errors.Join(errs...)
}
