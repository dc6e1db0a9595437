package bus

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"
)

// subackFailure is the SUBACK return code for a rejected topic filter.
const subackFailure = 0x80

// MQTTDialer connects to an MQTT broker. Reconnects are automatic; each one
// surfaces as a new EventConnected.
type MQTTDialer struct {
	Broker         string
	ClientIDPrefix string
	Username       string
	Password       string
	QoS            byte
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	TLS            *tls.Config
}

func (d *MQTTDialer) Dial(ctx context.Context) (Session, error) {
	s := &mqttSession{q: newEventQueue(), qos: d.QoS}

	opts := mqtt.NewClientOptions().
		AddBroker(d.Broker).
		SetClientID(clientID(d.ClientIDPrefix)).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(false).
		SetOnConnectHandler(func(mqtt.Client) {
			s.q.push(Event{Kind: EventConnected})
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			s.q.push(Event{Kind: EventConnectionLost, Err: err})
		}).
		SetDefaultPublishHandler(func(_ mqtt.Client, m mqtt.Message) {
			s.q.push(Event{Kind: EventMessage, Message: Message{
				Topic:    m.Topic(),
				Payload:  m.Payload(),
				Retained: m.Retained(),
			}})
		})
	if d.Username != "" {
		opts.SetUsername(d.Username)
		opts.SetPassword(d.Password)
	}
	if d.KeepAlive > 0 {
		opts.SetKeepAlive(d.KeepAlive)
	}
	if d.ConnectTimeout > 0 {
		opts.SetConnectTimeout(d.ConnectTimeout)
	}
	if d.TLS != nil {
		opts.SetTLSConfig(d.TLS)
	}

	s.client = mqtt.NewClient(opts)
	if err := waitToken(ctx, s.client.Connect()); err != nil {
		s.q.close()
		return nil, fmt.Errorf("mqtt connect %s: %w", d.Broker, err)
	}
	log.Debug().Str("broker", d.Broker).Msg("MQTT session connected")
	return s, nil
}

type mqttSession struct {
	client mqtt.Client
	q      *eventQueue
	qos    byte
}

func (s *mqttSession) Events() <-chan Event { return s.q.out }

func (s *mqttSession) Subscribe(ctx context.Context, topics ...string) error {
	if s.q.isClosed() {
		return ErrClosed
	}
	topics = dedupe(topics)
	filters := make(map[string]byte, len(topics))
	for _, t := range topics {
		filters[t] = s.qos
	}
	// nil callback routes messages to the default publish handler
	tok := s.client.SubscribeMultiple(filters, nil)
	go func() {
		<-tok.Done()
		if err := tok.Error(); err != nil {
			s.q.push(Event{Kind: EventSubscribed, Acks: ackAll(topics, err)})
			return
		}
		var granted map[string]byte
		if st, ok := tok.(*mqtt.SubscribeToken); ok {
			granted = st.Result()
		}
		acks := make([]TopicAck, 0, len(topics))
		for _, t := range topics {
			ack := TopicAck{Topic: t}
			if code, ok := granted[t]; ok && code == subackFailure {
				ack.Err = ErrSubscriptionRejected
			}
			acks = append(acks, ack)
		}
		s.q.push(Event{Kind: EventSubscribed, Acks: acks})
	}()
	return nil
}

func (s *mqttSession) Unsubscribe(ctx context.Context, topics ...string) error {
	if s.q.isClosed() {
		return ErrClosed
	}
	topics = dedupe(topics)
	tok := s.client.Unsubscribe(topics...)
	go func() {
		<-tok.Done()
		s.q.push(Event{Kind: EventUnsubscribed, Acks: ackAll(topics, tok.Error())})
	}()
	return nil
}

func (s *mqttSession) Publish(ctx context.Context, msg Message) error {
	if s.q.isClosed() {
		return ErrClosed
	}
	return waitToken(ctx, s.client.Publish(msg.Topic, s.qos, msg.Retained, msg.Payload))
}

func (s *mqttSession) PublishBatch(ctx context.Context, msgs []Message) error {
	if s.q.isClosed() {
		return ErrClosed
	}
	toks := make([]mqtt.Token, 0, len(msgs))
	for _, m := range msgs {
		toks = append(toks, s.client.Publish(m.Topic, s.qos, m.Retained, m.Payload))
	}
	for i, tok := range toks {
		if err := waitToken(ctx, tok); err != nil {
			return fmt.Errorf("publish %s: %w", msgs[i].Topic, err)
		}
	}
	return nil
}

func (s *mqttSession) Close() error {
	if s.q.isClosed() {
		return nil
	}
	s.client.Disconnect(250)
	s.q.close()
	return nil
}

func waitToken(ctx context.Context, tok mqtt.Token) error {
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
