// Package agent implements the check agent: it listens on the dispatch
// topics, picks out the messages addressed to this host, keeps the script
// cache current and publishes one retained result per executed check.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/chkbus/internal/bus"
	"github.com/3cpo-dev/chkbus/internal/executor"
	"github.com/3cpo-dev/chkbus/internal/scripts"
	"github.com/3cpo-dev/chkbus/internal/telemetry"
	"github.com/3cpo-dev/chkbus/pkg/api"
)

// Matcher decides whether a dispatch target names this host.
type Matcher interface {
	Matches(ctx context.Context, target string) bool
}

// Options configure a Runtime.
type Options struct {
	// Name is the reporting agent in failure reports.
	Name         string
	Topics       []string
	CheckKind    api.MessageKind
	RefreshKind  api.MessageKind
	FailureTopic string
	// ExclusiveExecution holds the script's lock in shared mode for the whole
	// run, so a refresh waits for running executions of the same script.
	ExclusiveExecution bool
	PublishTimeout     time.Duration
}

// Runtime is one agent process's connection to the bus.
type Runtime struct {
	opts     Options
	topics   map[string]bool
	dialer   bus.Dialer
	identity Matcher
	cache    *scripts.Cache
	exec     *executor.Executor

	state atomic.Int32

	mu      sync.Mutex
	session bus.Session

	running sync.WaitGroup
}

func New(opts Options, dialer bus.Dialer, identity Matcher, cache *scripts.Cache, exec *executor.Executor) *Runtime {
	if opts.CheckKind == "" {
		opts.CheckKind = api.KindCheck
	}
	if opts.RefreshKind == "" {
		opts.RefreshKind = api.KindRefresh
	}
	if opts.PublishTimeout == 0 {
		opts.PublishTimeout = 10 * time.Second
	}
	topics := make(map[string]bool, len(opts.Topics))
	for _, t := range opts.Topics {
		topics[t] = true
	}
	return &Runtime{
		opts:     opts,
		topics:   topics,
		dialer:   dialer,
		identity: identity,
		cache:    cache,
		exec:     exec,
	}
}

func (r *Runtime) State() State { return State(r.state.Load()) }

func (r *Runtime) setState(s State) {
	prev := State(r.state.Swap(int32(s)))
	if prev != s {
		log.Debug().Str("from", prev.String()).Str("state", s.String()).Msg("Agent state changed")
	}
}

// Run connects and processes events until the runtime terminates or ctx is
// done. Executions still in flight are awaited before the session closes.
func (r *Runtime) Run(ctx context.Context) error {
	if r.State() == StateTerminated {
		return ErrTerminated
	}
	r.setState(StateConnecting)
	session, err := r.dialer.Dial(ctx)
	if err != nil {
		r.setState(StateDisconnected)
		return fmt.Errorf("connect to broker: %w", err)
	}
	r.mu.Lock()
	r.session = session
	r.mu.Unlock()

	defer func() {
		r.running.Wait()
		r.mu.Lock()
		r.session = nil
		r.mu.Unlock()
		_ = session.Close()
		telemetry.SetBusConnected(false)
	}()

	for {
		select {
		case <-ctx.Done():
			r.setState(StateDisconnected)
			return ctx.Err()
		case ev, ok := <-session.Events():
			if !ok {
				r.setState(StateDisconnected)
				return fmt.Errorf("broker session ended: %w", bus.ErrClosed)
			}
			if err := r.handleEvent(ctx, session, ev); err != nil {
				return err
			}
		}
	}
}

func (r *Runtime) handleEvent(ctx context.Context, session bus.Session, ev bus.Event) error {
	switch ev.Kind {
	case bus.EventConnected:
		// Subscriptions do not survive a reconnect.
		r.setState(StateConnecting)
		telemetry.SetBusConnected(true)
		log.Info().Strs("topics", r.opts.Topics).Msg("Connected to broker, subscribing")
		if err := session.Subscribe(ctx, r.opts.Topics...); err != nil {
			log.Error().Err(err).Msg("Subscribe request failed")
		}

	case bus.EventConnectionLost:
		r.setState(StateDisconnected)
		telemetry.SetBusConnected(false)
		log.Warn().Err(ev.Err).Msg("Broker connection lost")

	case bus.EventSubscribed:
		failed := 0
		for _, ack := range ev.Acks {
			if ack.Err != nil {
				failed++
				log.Error().Err(ack.Err).Str("topic", ack.Topic).Msg("Subscription failed")
				continue
			}
			log.Info().Str("topic", ack.Topic).Msg("Subscribed")
		}
		if len(ev.Acks) > 0 && failed == len(ev.Acks) {
			r.setState(StateTerminated)
			log.Error().Msg("Broker rejected every subscription, terminating")
			return fmt.Errorf("%w: %w", ErrTerminated, bus.ErrSubscriptionRejected)
		}
		r.setState(StateSubscribed)

	case bus.EventUnsubscribed:
		topics := make([]string, 0, len(ev.Acks))
		for _, ack := range ev.Acks {
			topics = append(topics, ack.Topic)
		}
		log.Info().Strs("topics", topics).Msg("Unsubscribed, agent retiring")
		r.setState(StateTerminated)
		return ErrTerminated

	case bus.EventMessage:
		if err := r.handleMessage(ctx, ev.Message); err != nil {
			r.reportFailure(ctx, err)
		}
	}
	return nil
}

// handleMessage validates and dispatches one message. Check downloads and
// executions run asynchronously; refreshes complete before it returns.
func (r *Runtime) handleMessage(ctx context.Context, msg bus.Message) error {
	if !r.topics[msg.Topic] {
		telemetry.RecordMessage("rejected")
		return protocolViolation("Unknown message topic received", fmt.Errorf("%w: %s", ErrUnexpectedTopic, msg.Topic))
	}

	var d api.DispatchMessage
	if err := json.Unmarshal(msg.Payload, &d); err != nil {
		telemetry.RecordMessage("rejected")
		return protocolViolation("Error in parsing message to JSON invalid body received", fmt.Errorf("%w: %v", ErrMalformedPayload, err))
	}

	if !r.identity.Matches(ctx, d.Agent) {
		telemetry.RecordMessage("ignored")
		return nil
	}

	name, ok := api.CommandName(d.DownloadURL)
	if !ok {
		telemetry.RecordMessage("rejected")
		return protocolViolation("Error in parsing download URL", fmt.Errorf("%w: %q", ErrMissingCommand, d.DownloadURL))
	}
	if err := scripts.ValidName(name); err != nil {
		telemetry.RecordMessage("rejected")
		return protocolViolation("Error in parsing download URL", err)
	}
	r.cache.Locks().Handle(name)

	logger := log.With().Str("agent", d.Agent).Str("check", name).Str("kind", string(d.Kind)).Logger()

	switch d.Kind {
	case r.opts.CheckKind:
		logger.Info().Strs("args", d.Args).Msg("Running check")
		r.running.Add(1)
		go func() {
			defer r.running.Done()
			r.runCheck(ctx, d, name)
		}()
		return nil

	case r.opts.RefreshKind:
		if err := r.cache.Refresh(ctx, name, d.DownloadURL); err != nil {
			telemetry.RecordMessage("failed")
			return resourceFailure("Failure to refresh script", err)
		}
		telemetry.RecordMessage("refreshed")
		logger.Info().Msg("Script refreshed")
		return nil
	}

	telemetry.RecordMessage("rejected")
	return protocolViolation("Unknown message type received", fmt.Errorf("%w: %q", ErrUnknownKind, d.Kind))
}

// runCheck makes sure the script is cached, executes it and publishes its
// retained result.
func (r *Runtime) runCheck(ctx context.Context, d api.DispatchMessage, name string) {
	if err := r.cache.EnsurePresent(ctx, name, d.DownloadURL); err != nil {
		telemetry.RecordMessage("failed")
		r.reportFailure(ctx, resourceFailure("Error in downloading script", err))
		return
	}
	telemetry.RecordMessage("dispatched")

	guard := r.cache.Locks().Handle(name).RLocker()
	res, err := r.exec.Run(ctx, r.cache.Path(name), d.Args, d.RunMethod, guard, r.opts.ExclusiveExecution)
	if err != nil {
		telemetry.RecordCheck(name, "error", res.Duration)
		r.reportFailure(ctx, resourceFailure("Failure in running score check", err))
		return
	}
	status := "pass"
	if res.ExitCode != 0 {
		status = "fail"
	}
	telemetry.RecordCheck(name, status, res.Duration)

	result := api.ResultMessage{
		ReportingAgent: d.Agent,
		CheckRan:       name,
		ExitCode:       res.ExitCode,
		Description:    res.Output,
		Timestamp:      api.FormatTimestamp(time.Now()),
	}
	topic := api.CorrelationTopic(d.Agent, name, d.Args)
	if err := r.publish(ctx, topic, result, true); err != nil {
		log.Error().Err(err).Str("topic", topic).Msg("Failed to publish check result")
		return
	}
	log.Info().
		Str("topic", topic).
		Int("exit_code", res.ExitCode).
		Dur("elapsed", res.Duration).
		Msg("Published check result")
}

// reportFailure logs err and publishes an agent-failure report. Errors that
// are not FailureErrors are reported as resource failures.
func (r *Runtime) reportFailure(ctx context.Context, err error) {
	var fe *FailureError
	if !errors.As(err, &fe) {
		fe = resourceFailure(err.Error(), err)
	}
	log.Error().Err(fe.Err).Str("kind", string(fe.Kind)).Msg(fe.Reason)

	report := api.ResultMessage{
		ReportingAgent: r.opts.Name,
		CheckRan:       api.FailureCheckName,
		ExitCode:       api.FailureExitCode,
		Description:    fe.Reason,
		Timestamp:      api.FormatTimestamp(time.Now()),
	}
	if err := r.publish(ctx, r.opts.FailureTopic, report, false); err != nil {
		log.Error().Err(err).Str("topic", r.opts.FailureTopic).Msg("Failed to publish agent failure report")
		return
	}
	telemetry.RecordFailureReport()
}

// publish makes a single best-effort attempt.
func (r *Runtime) publish(ctx context.Context, topic string, v any, retained bool) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	r.mu.Lock()
	session := r.session
	r.mu.Unlock()
	if session == nil {
		return ErrNotConnected
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.opts.PublishTimeout)
	defer cancel()
	return session.Publish(ctx, bus.Message{Topic: topic, Payload: payload, Retained: retained})
}

// Retire unsubscribes from every topic. The acknowledgment terminates Run.
func (r *Runtime) Retire(ctx context.Context) error {
	r.mu.Lock()
	session := r.session
	r.mu.Unlock()
	if session == nil {
		return ErrNotConnected
	}
	log.Info().Strs("topics", r.opts.Topics).Msg("Retiring agent")
	return session.Unsubscribe(ctx, r.opts.Topics...)
}

// HealthCheck reports the runtime state for the monitoring server.
func (r *Runtime) HealthCheck() telemetry.HealthCheck {
	state := r.State()
	status := telemetry.HealthStatusHealthy
	switch state {
	case StateConnecting:
		status = telemetry.HealthStatusDegraded
	case StateDisconnected, StateTerminated:
		status = telemetry.HealthStatusUnhealthy
	}
	return telemetry.HealthCheck{
		Name:    "bus",
		Status:  status,
		Message: state.String(),
		Details: map[string]string{"scripts_seen": fmt.Sprintf("%d", r.cache.Locks().Len())},
	}
}
