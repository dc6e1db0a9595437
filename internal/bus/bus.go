// Package bus is the publish/subscribe transport shared by agents and the
// gateway. Broker callbacks (connect, connection lost, message, subscribe and
// unsubscribe acknowledgments) are delivered as ordered Events on a single
// channel so consumers can drive explicit state machines from one loop.
package bus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/3cpo-dev/chkbus/internal/core"
)

var (
	ErrClosed               = errors.New("bus: session closed")
	ErrSubscriptionRejected = errors.New("bus: subscription rejected by broker")
)

// Message is a payload on a topic.
type Message struct {
	Topic    string
	Payload  []byte
	Retained bool
}

type EventKind int

const (
	// EventConnected is emitted on the initial connect and on every reconnect.
	// Subscriptions must not be assumed to survive a reconnect.
	EventConnected EventKind = iota + 1
	EventConnectionLost
	EventMessage
	EventSubscribed
	EventUnsubscribed
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventConnectionLost:
		return "connection_lost"
	case EventMessage:
		return "message"
	case EventSubscribed:
		return "subscribed"
	case EventUnsubscribed:
		return "unsubscribed"
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// TopicAck is the broker's answer for one topic of a (un)subscribe request.
type TopicAck struct {
	Topic string
	Err   error
}

type Event struct {
	Kind    EventKind
	Message Message
	Acks    []TopicAck
	Err     error
}

// Session is one connection to the broker.
type Session interface {
	// Events is closed once the session is closed.
	Events() <-chan Event
	// Subscribe issues a subscription request. The acknowledgment arrives
	// later as an EventSubscribed.
	Subscribe(ctx context.Context, topics ...string) error
	// Unsubscribe issues an unsubscribe request, acknowledged by EventUnsubscribed.
	Unsubscribe(ctx context.Context, topics ...string) error
	// Publish sends one message and waits for the broker to accept it.
	Publish(ctx context.Context, msg Message) error
	// PublishBatch sends all messages and waits for every one of them.
	PublishBatch(ctx context.Context, msgs []Message) error
	Close() error
}

// Dialer opens sessions. Dial returns once the connection is established.
type Dialer interface {
	Dial(ctx context.Context) (Session, error)
}

// DialerFunc adapts a function to a Dialer.
type DialerFunc func(ctx context.Context) (Session, error)

func (f DialerFunc) Dial(ctx context.Context) (Session, error) { return f(ctx) }

var (
	sharedOnce   sync.Once
	sharedBroker *Broker
)

// SharedBroker is the process-wide memory broker used by the memory transport.
func SharedBroker() *Broker {
	sharedOnce.Do(func() { sharedBroker = NewBroker() })
	return sharedBroker
}

// NewDialer builds the dialer selected by cfg.Transport.
func NewDialer(cfg core.BrokerConfig) (Dialer, error) {
	tlsCfg, err := LoadTLSConfig(cfg.TLS.CAFile, cfg.TLS.ServerName)
	if err != nil {
		return nil, err
	}
	switch cfg.Transport {
	case "mqtt":
		return &MQTTDialer{
			Broker:         cfg.Address,
			ClientIDPrefix: cfg.ClientIDPrefix,
			Username:       cfg.Username,
			Password:       cfg.Password,
			QoS:            cfg.QoSLevel(),
			KeepAlive:      cfg.KeepAlive,
			ConnectTimeout: cfg.ConnectTimeout,
			TLS:            tlsCfg,
		}, nil
	case "redis":
		return &RedisDialer{
			Addr:        cfg.Address,
			Username:    cfg.Username,
			Password:    cfg.Password,
			DialTimeout: cfg.ConnectTimeout,
			TLS:         tlsCfg,
		}, nil
	case "memory":
		return SharedBroker(), nil
	}
	return nil, fmt.Errorf("unknown broker transport %q", cfg.Transport)
}

// clientID returns a unique broker client identifier.
func clientID(prefix string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	if prefix == "" {
		return id
	}
	return prefix + "-" + id
}

// dedupe drops repeated and empty topics, keeping order.
func dedupe(topics []string) []string {
	seen := make(map[string]bool, len(topics))
	out := topics[:0:0]
	for _, t := range topics {
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

func ackAll(topics []string, err error) []TopicAck {
	acks := make([]TopicAck, len(topics))
	for i, t := range topics {
		acks[i] = TopicAck{Topic: t, Err: err}
	}
	return acks
}

// eventQueue is an unbounded FIFO in front of the Events channel so broker
// callbacks never block on a slow consumer.
type eventQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []Event
	closed bool
	done   chan struct{}
	out    chan Event
}

func newEventQueue() *eventQueue {
	q := &eventQueue{done: make(chan struct{}), out: make(chan Event)}
	q.cond = sync.NewCond(&q.mu)
	go q.pump()
	return q
}

func (q *eventQueue) push(ev Event) {
	q.mu.Lock()
	if !q.closed {
		q.items = append(q.items, ev)
		q.cond.Signal()
	}
	q.mu.Unlock()
}

func (q *eventQueue) pump() {
	defer close(q.out)
	for {
		q.mu.Lock()
		for len(q.items) == 0 && !q.closed {
			q.cond.Wait()
		}
		if q.closed {
			q.mu.Unlock()
			return
		}
		ev := q.items[0]
		q.items[0] = Event{}
		q.items = q.items[1:]
		q.mu.Unlock()

		select {
		case q.out <- ev:
		case <-q.done:
			return
		}
	}
}

func (q *eventQueue) close() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.done)
		q.cond.Broadcast()
	}
	q.mu.Unlock()
}

func (q *eventQueue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
