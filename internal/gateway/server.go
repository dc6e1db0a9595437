// Package gateway is the HTTP bridge between a dispatcher and the bus:
// /publish-checks broadcasts dispatch messages and /read-result waits for the
// retained result of one check.
package gateway

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/chkbus/internal/bus"
	"github.com/3cpo-dev/chkbus/internal/telemetry"
	"github.com/3cpo-dev/chkbus/pkg/api"
)

const (
	MsgPublished      = "Checks have been published."
	MsgMissingParams  = "Missing required parameters"
	MsgStale          = "Old result detected. Is the target agent running?"
	MsgTimedOut       = "No relevant message received or timed out"
	MsgBrokerDown     = "Failed to connect to broker"
	MsgPublishFailure = "Failed to publish checks"
)

// Options configure a Server.
type Options struct {
	DispatchTopic string
	RepoPort      int
	StaleAfter    time.Duration
	WaitBudget    time.Duration
}

// Outcome is an HTTP reply: a plain-text body, or a JSON error when JSON is set.
type Outcome struct {
	Status int
	Body   string
	JSON   bool
}

func textOutcome(status int, body string) Outcome { return Outcome{Status: status, Body: body} }

func errorOutcome(status int, msg string) Outcome {
	return Outcome{Status: status, Body: msg, JSON: true}
}

// Server opens one bus session per request; nothing is shared between requests.
type Server struct {
	opts   Options
	dialer bus.Dialer
	now    func() time.Time
}

func New(opts Options, dialer bus.Dialer) *Server {
	if opts.DispatchTopic == "" {
		opts.DispatchTopic = "checks"
	}
	if opts.RepoPort == 0 {
		opts.RepoPort = 8080
	}
	if opts.StaleAfter == 0 {
		opts.StaleAfter = 45 * time.Second
	}
	if opts.WaitBudget == 0 {
		opts.WaitBudget = 20 * time.Second
	}
	return &Server{opts: opts, dialer: dialer, now: time.Now}
}

// Handler returns the gateway routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("POST /publish-checks", instrument("/publish-checks", http.HandlerFunc(s.handlePublish)))
	mux.Handle("POST /read-result", instrument("/read-result", http.HandlerFunc(s.handleRead)))
	return mux
}

// Run serves on addr until ctx is done. A non-nil tlsConfig serves HTTPS.
func (s *Server) Run(ctx context.Context, addr string, tlsConfig *tls.Config) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Bool("tls", tlsConfig != nil).Msg("Starting gateway")
		if tlsConfig != nil {
			errCh <- srv.ListenAndServeTLS("", "")
			return
		}
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		// Pending read-results may hold a request for the whole wait budget.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.WaitBudget+5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	var req api.PublishChecksRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		loggerFrom(r).Error().Err(err).Msg("Undecodable publish-checks body")
		writeOutcome(w, errorOutcome(http.StatusBadRequest, MsgMissingParams))
		return
	}
	writeOutcome(w, s.PublishChecks(r.Context(), req))
}

func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	var req api.ReadResultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		loggerFrom(r).Error().Err(err).Msg("Undecodable read-result body")
		writeOutcome(w, errorOutcome(http.StatusBadRequest, MsgMissingParams))
		return
	}
	writeOutcome(w, s.ReadResult(r.Context(), req))
}

// PublishChecks turns every descriptor into a dispatch message and publishes
// them as one batch on the dispatch topic.
func (s *Server) PublishChecks(ctx context.Context, req api.PublishChecksRequest) Outcome {
	logger := ctxLogger(ctx)
	if req.RepoIP == "" {
		logger.Error().Msg("publish-checks without repo-ip")
		return errorOutcome(http.StatusBadRequest, MsgMissingParams)
	}

	msgs := make([]bus.Message, 0, len(req.Checks))
	for _, c := range req.Checks {
		if c.TargetAgent == "" || c.TargetScript == "" {
			logger.Error().Str("agent", c.TargetAgent).Str("check", c.TargetScript).Msg("Check descriptor missing target")
			return errorOutcome(http.StatusBadRequest, MsgMissingParams)
		}
		kind := c.Kind
		if kind == "" {
			kind = api.KindCheck
		}
		args := c.Args
		if args == nil {
			args = []string{}
		}
		payload, err := json.Marshal(api.DispatchMessage{
			Agent:       c.TargetAgent,
			DownloadURL: api.ScriptURL(req.RepoIP, s.opts.RepoPort, c.TargetScript),
			Kind:        kind,
			RunMethod:   c.RunMethod,
			Args:        args,
		})
		if err != nil {
			return errorOutcome(http.StatusBadRequest, MsgMissingParams)
		}
		msgs = append(msgs, bus.Message{Topic: s.opts.DispatchTopic, Payload: payload})
	}

	session, err := s.dialer.Dial(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to connect to broker")
		return errorOutcome(http.StatusInternalServerError, MsgBrokerDown)
	}
	defer session.Close()

	if err := session.PublishBatch(ctx, msgs); err != nil {
		logger.Error().Err(err).Int("checks", len(msgs)).Msg("Batch publish failed")
		return errorOutcome(http.StatusInternalServerError, MsgPublishFailure)
	}
	logger.Info().Int("checks", len(msgs)).Str("topic", s.opts.DispatchTopic).Msg("Published checks")
	return textOutcome(http.StatusOK, MsgPublished)
}

// ReadResult subscribes to the correlation topic of req and returns the first
// fresh matching result, a stale verdict, or a timeout after the wait budget.
// The wait budget is the only cancellation: a caller that goes away does not
// end the wait. The session is closed on every path.
func (s *Server) ReadResult(ctx context.Context, req api.ReadResultRequest) Outcome {
	logger := ctxLogger(ctx)
	ctx = context.WithoutCancel(ctx)
	if req.ReportingAgent == "" || req.CheckRan == "" || req.Args == nil {
		logger.Error().Msg("Missing required parameters in the request")
		return errorOutcome(http.StatusBadRequest, MsgMissingParams)
	}
	topic := api.CorrelationTopic(req.ReportingAgent, req.CheckRan, req.Args)
	l := logger.With().Str("topic", topic).Logger()
	l.Debug().Str("agent", req.ReportingAgent).Str("check", req.CheckRan).Msg("Waiting for result")

	timer := time.NewTimer(s.opts.WaitBudget)
	defer timer.Stop()
	start := s.now()

	session, err := s.dialer.Dial(ctx)
	if err != nil {
		l.Error().Err(err).Msg("Failed to connect to broker")
		return errorOutcome(http.StatusInternalServerError, MsgBrokerDown)
	}
	defer session.Close()

	for {
		select {
		case <-timer.C:
			l.Warn().Dur("elapsed", s.now().Sub(start)).Msg("Timeout waiting for result")
			return errorOutcome(http.StatusRequestTimeout, MsgTimedOut)

		case ev, ok := <-session.Events():
			if !ok {
				l.Error().Msg("Broker session closed while waiting")
				return errorOutcome(http.StatusInternalServerError, MsgBrokerDown)
			}
			switch ev.Kind {
			case bus.EventConnected:
				if err := session.Subscribe(ctx, topic); err != nil {
					l.Error().Err(err).Msg("Subscribe request failed")
				}
			case bus.EventSubscribed:
				for _, ack := range ev.Acks {
					if ack.Err != nil {
						l.Error().Err(ack.Err).Msg("Subscription failed")
					}
				}
			case bus.EventConnectionLost:
				l.Warn().Err(ev.Err).Msg("Broker connection lost while waiting")
			case bus.EventMessage:
				if ev.Message.Topic != topic {
					continue
				}
				if out, done := s.evaluate(l, req, ev.Message.Payload); done {
					return out
				}
			}
		}
	}
}

// evaluate decides whether payload answers req. Unparseable payloads and
// results for another agent or check are skipped.
func (s *Server) evaluate(l zerolog.Logger, req api.ReadResultRequest, payload []byte) (Outcome, bool) {
	var res api.ResultMessage
	if err := json.Unmarshal(payload, &res); err != nil {
		l.Error().Err(err).Msg("Ignoring malformed result payload")
		return Outcome{}, false
	}
	ts, err := api.ParseTimestamp(res.Timestamp)
	if err != nil {
		l.Error().Err(err).Msg("Ignoring result with bad timestamp")
		return Outcome{}, false
	}

	age := s.now().Sub(ts)
	if age > s.opts.StaleAfter {
		l.Debug().Dur("age", age).Msg("Old result detected")
		return textOutcome(http.StatusNotAcceptable, MsgStale), true
	}
	if res.ReportingAgent != req.ReportingAgent || res.CheckRan != req.CheckRan {
		l.Debug().Str("agent", res.ReportingAgent).Str("check", res.CheckRan).Msg("Ignoring result for another check")
		return Outcome{}, false
	}

	status := http.StatusOK
	if res.ExitCode != 0 {
		status = http.StatusNotAcceptable
	}
	l.Info().Int("status", status).Int("exit_code", res.ExitCode).Dur("age", age).Msg("Result received")
	return textOutcome(status, res.Description), true
}

func writeOutcome(w http.ResponseWriter, out Outcome) {
	if out.JSON {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(out.Status)
		_ = json.NewEncoder(w).Encode(api.ErrorResponse{Error: out.Body})
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(out.Status)
	_, _ = w.Write([]byte(out.Body))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument attaches a request-scoped logger and records request metrics.
func instrument(endpoint string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		logger := log.With().Str("request_id", uuid.NewString()).Str("endpoint", endpoint).Logger()
		r = r.WithContext(logger.WithContext(r.Context()))

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		telemetry.RecordGatewayRequest(endpoint, rec.status, time.Since(start))
		logger.Debug().Int("status", rec.status).Dur("elapsed", time.Since(start)).Msg("Request served")
	})
}

func loggerFrom(r *http.Request) *zerolog.Logger { return ctxLogger(r.Context()) }

// ctxLogger falls back to the global logger when ctx carries none.
func ctxLogger(ctx context.Context) *zerolog.Logger {
	l := zerolog.Ctx(ctx)
	if l.GetLevel() == zerolog.Disabled {
		return &log.Logger
	}
	return l
}
