package bus

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// RedisDialer uses Redis pub/sub as the bus. Retained messages are kept under
// Prefix+"retained:"+topic and replayed to new subscribers.
type RedisDialer struct {
	// Addr is host:port or a redis:// URL.
	Addr        string
	Username    string
	Password    string
	DB          int
	DialTimeout time.Duration
	TLS         *tls.Config
	// Prefix is the key prefix for retained payloads (default: "chkbus:").
	Prefix string
}

func (d *RedisDialer) options() (*redis.Options, error) {
	if strings.HasPrefix(d.Addr, "redis://") || strings.HasPrefix(d.Addr, "rediss://") {
		opts, err := redis.ParseURL(d.Addr)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return opts, nil
	}
	if d.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	return &redis.Options{
		Addr:        d.Addr,
		Username:    d.Username,
		Password:    d.Password,
		DB:          d.DB,
		DialTimeout: d.DialTimeout,
		TLSConfig:   d.TLS,
	}, nil
}

func (d *RedisDialer) Dial(ctx context.Context) (Session, error) {
	opts, err := d.options()
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		// Close client to release connection pool resources
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", opts.Addr, err)
	}
	prefix := d.Prefix
	if prefix == "" {
		prefix = "chkbus:"
	}
	s := &redisSession{client: client, prefix: prefix, q: newEventQueue()}
	s.q.push(Event{Kind: EventConnected})
	return s, nil
}

type redisSession struct {
	client *redis.Client
	prefix string
	q      *eventQueue

	mu sync.Mutex
	ps *redis.PubSub
}

func (s *redisSession) retainedKey(topic string) string {
	return s.prefix + "retained:" + topic
}

func (s *redisSession) Events() <-chan Event { return s.q.out }

func (s *redisSession) Subscribe(ctx context.Context, topics ...string) error {
	if s.q.isClosed() {
		return ErrClosed
	}
	topics = dedupe(topics)
	if len(topics) == 0 {
		s.q.push(Event{Kind: EventSubscribed})
		return nil
	}

	s.mu.Lock()
	first := s.ps == nil
	if first {
		s.ps = s.client.Subscribe(ctx)
	}
	ps := s.ps
	err := ps.Subscribe(ctx, topics...)
	if err == nil && first {
		// Wait for confirmations before reading retained payloads so a
		// publish racing the subscribe is not lost. Later subscriptions are
		// confirmed on the receive loop.
		err = s.awaitConfirmations(ctx, ps, len(topics))
		go s.receive(ps.Channel())
	}
	s.mu.Unlock()

	s.q.push(Event{Kind: EventSubscribed, Acks: ackAll(topics, err)})
	if err != nil {
		return nil
	}
	for _, t := range topics {
		payload, gerr := s.client.Get(ctx, s.retainedKey(t)).Bytes()
		if gerr != nil {
			if !errors.Is(gerr, redis.Nil) {
				log.Warn().Err(gerr).Str("topic", t).Msg("Failed to read retained message")
			}
			continue
		}
		s.q.push(Event{Kind: EventMessage, Message: Message{Topic: t, Payload: payload, Retained: true}})
	}
	return nil
}

func (s *redisSession) awaitConfirmations(ctx context.Context, ps *redis.PubSub, n int) error {
	for n > 0 {
		msg, err := ps.Receive(ctx)
		if err != nil {
			return err
		}
		switch m := msg.(type) {
		case *redis.Subscription:
			n--
		case *redis.Message:
			s.q.push(messageEvent(m))
		}
	}
	return nil
}

func (s *redisSession) receive(ch <-chan *redis.Message) {
	for m := range ch {
		s.q.push(messageEvent(m))
	}
}

func messageEvent(m *redis.Message) Event {
	return Event{Kind: EventMessage, Message: Message{Topic: m.Channel, Payload: []byte(m.Payload)}}
}

func (s *redisSession) Unsubscribe(ctx context.Context, topics ...string) error {
	if s.q.isClosed() {
		return ErrClosed
	}
	topics = dedupe(topics)
	s.mu.Lock()
	ps := s.ps
	s.mu.Unlock()
	var err error
	if ps != nil {
		err = ps.Unsubscribe(ctx, topics...)
	}
	s.q.push(Event{Kind: EventUnsubscribed, Acks: ackAll(topics, err)})
	return nil
}

func (s *redisSession) Publish(ctx context.Context, msg Message) error {
	return s.PublishBatch(ctx, []Message{msg})
}

func (s *redisSession) PublishBatch(ctx context.Context, msgs []Message) error {
	if s.q.isClosed() {
		return ErrClosed
	}
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, m := range msgs {
			if m.Retained {
				pipe.Set(ctx, s.retainedKey(m.Topic), m.Payload, 0)
			}
			pipe.Publish(ctx, m.Topic, m.Payload)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

func (s *redisSession) Close() error {
	if s.q.isClosed() {
		return nil
	}
	s.q.close()
	s.mu.Lock()
	ps := s.ps
	s.mu.Unlock()
	var err error
	if ps != nil {
		err = ps.Close()
	}
	if cerr := s.client.Close(); err == nil {
		err = cerr
	}
	return err
}
