package bus

import (
	"context"
	"sync"
)

// Broker is an in-process broker with retained-message semantics. It serves
// single-process deployments (transport "memory") and tests.
type Broker struct {
	mu       sync.Mutex
	retained map[string]Message
	sessions map[*memorySession]map[string]bool
	rejected map[string]bool
}

func NewBroker() *Broker {
	return &Broker{
		retained: map[string]Message{},
		sessions: map[*memorySession]map[string]bool{},
		rejected: map[string]bool{},
	}
}

// Dial implements Dialer.
func (b *Broker) Dial(ctx context.Context) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := &memorySession{broker: b, q: newEventQueue()}
	b.mu.Lock()
	b.sessions[s] = map[string]bool{}
	b.mu.Unlock()
	s.q.push(Event{Kind: EventConnected})
	return s, nil
}

// RejectSubscriptions makes future subscriptions to topics fail.
func (b *Broker) RejectSubscriptions(topics ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range topics {
		b.rejected[t] = true
	}
}

// Retained returns the last retained message on topic.
func (b *Broker) Retained(topic string) (Message, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.retained[topic]
	return m, ok
}

// Reconnect simulates a transport reconnect: every session loses its
// subscriptions and observes a connection-lost followed by a connect.
func (b *Broker) Reconnect() {
	b.mu.Lock()
	sessions := make([]*memorySession, 0, len(b.sessions))
	for s := range b.sessions {
		b.sessions[s] = map[string]bool{}
		sessions = append(sessions, s)
	}
	b.mu.Unlock()
	for _, s := range sessions {
		s.q.push(Event{Kind: EventConnectionLost})
		s.q.push(Event{Kind: EventConnected})
	}
}

// SessionCount reports open sessions.
func (b *Broker) SessionCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}

// Subscribers counts sessions subscribed to topic.
func (b *Broker) Subscribers(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, topics := range b.sessions {
		if topics[topic] {
			n++
		}
	}
	return n
}

// Publish delivers msg to every subscriber of its topic.
func (b *Broker) Publish(msg Message) {
	msg.Payload = append([]byte(nil), msg.Payload...)
	b.mu.Lock()
	if msg.Retained {
		b.retained[msg.Topic] = msg
	}
	var targets []*memorySession
	for s, topics := range b.sessions {
		if topics[msg.Topic] {
			targets = append(targets, s)
		}
	}
	b.mu.Unlock()

	// Live deliveries are not flagged retained, matching MQTT.
	live := msg
	live.Retained = false
	for _, s := range targets {
		s.q.push(Event{Kind: EventMessage, Message: live})
	}
}

type memorySession struct {
	broker *Broker
	q      *eventQueue
}

func (s *memorySession) Events() <-chan Event { return s.q.out }

func (s *memorySession) Subscribe(ctx context.Context, topics ...string) error {
	if s.q.isClosed() {
		return ErrClosed
	}
	topics = dedupe(topics)
	b := s.broker
	acks := make([]TopicAck, 0, len(topics))
	var replay []Message
	b.mu.Lock()
	subs, ok := b.sessions[s]
	if !ok {
		b.mu.Unlock()
		return ErrClosed
	}
	for _, t := range topics {
		if b.rejected[t] {
			acks = append(acks, TopicAck{Topic: t, Err: ErrSubscriptionRejected})
			continue
		}
		subs[t] = true
		acks = append(acks, TopicAck{Topic: t})
		if m, ok := b.retained[t]; ok {
			replay = append(replay, m)
		}
	}
	b.mu.Unlock()

	s.q.push(Event{Kind: EventSubscribed, Acks: acks})
	for _, m := range replay {
		s.q.push(Event{Kind: EventMessage, Message: m})
	}
	return nil
}

func (s *memorySession) Unsubscribe(ctx context.Context, topics ...string) error {
	if s.q.isClosed() {
		return ErrClosed
	}
	topics = dedupe(topics)
	b := s.broker
	b.mu.Lock()
	if subs, ok := b.sessions[s]; ok {
		for _, t := range topics {
			delete(subs, t)
		}
	}
	b.mu.Unlock()
	s.q.push(Event{Kind: EventUnsubscribed, Acks: ackAll(topics, nil)})
	return nil
}

func (s *memorySession) Publish(ctx context.Context, msg Message) error {
	if s.q.isClosed() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.broker.Publish(msg)
	return nil
}

func (s *memorySession) PublishBatch(ctx context.Context, msgs []Message) error {
	for _, m := range msgs {
		if err := s.Publish(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

func (s *memorySession) Close() error {
	s.broker.mu.Lock()
	delete(s.broker.sessions, s)
	s.broker.mu.Unlock()
	s.q.close()
	return nil
}
