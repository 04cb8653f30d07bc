package bus

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	// StageStartedSubject carries an event per pipeline stage entered.
	StageStartedSubject = "packline.stage.started"
	// StageFinishedSubject carries an event per pipeline stage completed,
	// successfully or not.
	StageFinishedSubject = "packline.stage.finished"
)

// StageEvent describes one pipeline stage transition. RunID ties events from
// the same pipeline run together across job boundaries.
type StageEvent struct {
	RunID    string    `json:"run_id"`
	Stage    string    `json:"stage"`
	Status   string    `json:"status"`
	Detail   string    `json:"detail,omitempty"`
	At       time.Time `json:"at"`
	Artifact string    `json:"artifact,omitempty"`
}

// Bus wraps a NATS JetStream connection used to announce pipeline stage
// lifecycle events to listeners running in other jobs. A nil *Bus is valid
// and drops events, so stages can emit unconditionally whether or not a
// broker was configured.
type Bus struct {
	conn *nats.Conn
	js   nats.JetStreamContext
}

// Connect creates a Bus against the provided NATS endpoint.
func Connect(url string, opts ...nats.Option) (*Bus, error) {
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, err
	}

	return &Bus{conn: nc, js: js}, nil
}

// Close drains and shuts down the underlying NATS connection.
func (b *Bus) Close() {
	if b == nil {
		return
	}
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
	}
}

// EmitStage publishes a stage event. On a nil Bus this is a no-op.
func (b *Bus) EmitStage(ctx context.Context, subj string, evt StageEvent) error {
	if b == nil {
		return nil
	}
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}
	return b.publish(ctx, subj, evt)
}

func (b *Bus) publish(ctx context.Context, subj string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	_, err = b.js.Publish(subj, data, nats.Context(ctx))
	return err
}

type subscription struct {
	sub    *nats.Subscription
	mu     sync.Mutex
	closed bool
}

func (s *subscription) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.sub.Drain()
}

// SubscribeStages creates a durable consumer for stage events on the given
// subject and invokes fn for each decoded event. Handler errors nak the
// message for redelivery.
func (b *Bus) SubscribeStages(ctx context.Context, subj, durable string, fn func(ctx context.Context, evt StageEvent) error) (io.Closer, error) {
	if b == nil {
		return nil, errors.New("nil bus")
	}
	if fn == nil {
		return nil, errors.New("nil handler")
	}

	handler := func(msg *nats.Msg) {
		handlerCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		var evt StageEvent
		if err := json.Unmarshal(msg.Data, &evt); err != nil {
			_ = msg.Term()
			return
		}
		if err := fn(handlerCtx, evt); err != nil {
			_ = msg.Nak()
			return
		}
		_ = msg.Ack()
	}

	sub, err := b.js.Subscribe(subj, handler, nats.Durable(durable), nats.ManualAck(), nats.AckExplicit())
	if err != nil {
		return nil, err
	}

	s := &subscription{sub: sub}

	go func() {
		<-ctx.Done()
		_ = s.Close()
	}()

	return s, nil
}
