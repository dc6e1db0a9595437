package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3cpo-dev/chkbus/internal/bus"
	"github.com/3cpo-dev/chkbus/pkg/api"
)

const budget = 300 * time.Millisecond

func startGateway(t *testing.T, dialer bus.Dialer) (*Server, *Client) {
	t.Helper()
	s := New(Options{WaitBudget: budget}, dialer)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return s, NewClient(srv.URL)
}

func result(agent, check string, exit int, desc string, at time.Time) bus.Message {
	payload, _ := json.Marshal(api.ResultMessage{
		ReportingAgent: agent,
		CheckRan:       check,
		ExitCode:       exit,
		Description:    desc,
		Timestamp:      api.FormatTimestamp(at),
	})
	return bus.Message{Topic: api.CorrelationTopic(agent, check, []string{"8.8.8.8"}), Payload: payload, Retained: true}
}

var pingRequest = api.ReadResultRequest{ReportingAgent: "host-a", CheckRan: "ping.py", Args: []string{"8.8.8.8"}}

func TestReadResultMissingParameters(t *testing.T) {
	_, c := startGateway(t, bus.NewBroker())
	ctx := context.Background()

	for name, req := range map[string]api.ReadResultRequest{
		"no agent":    {CheckRan: "ping.py", Args: []string{"x"}},
		"no check":    {ReportingAgent: "host-a", Args: []string{"x"}},
		"no arg-list": {ReportingAgent: "host-a", CheckRan: "ping.py"},
	} {
		out, err := c.ReadResult(ctx, req)
		require.NoError(t, err, name)
		assert.Equal(t, http.StatusBadRequest, out.Status, name)
		assert.True(t, out.JSON, name)
		assert.Equal(t, MsgMissingParams, out.Body, name)
	}
}

func TestReadResultEmptyArgListAccepted(t *testing.T) {
	broker := bus.NewBroker()
	_, c := startGateway(t, broker)
	payload, _ := json.Marshal(api.ResultMessage{
		ReportingAgent: "host-a", CheckRan: "uptime.sh", Description: "up", Timestamp: api.FormatTimestamp(time.Now()),
	})
	broker.Publish(bus.Message{Topic: "host-a-uptime.sh--result", Payload: payload, Retained: true})

	out, err := c.ReadResult(context.Background(), api.ReadResultRequest{ReportingAgent: "host-a", CheckRan: "uptime.sh", Args: []string{}})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, out.Status)
	assert.Equal(t, "up", out.Body)
}

func TestReadResultTimesOut(t *testing.T) {
	broker := bus.NewBroker()
	_, c := startGateway(t, broker)

	start := time.Now()
	out, err := c.ReadResult(context.Background(), pingRequest)
	elapsed := time.Since(start)
	require.NoError(t, err)
	assert.Equal(t, http.StatusRequestTimeout, out.Status)
	assert.Equal(t, MsgTimedOut, out.Body)
	assert.GreaterOrEqual(t, elapsed, budget)
	assert.Less(t, elapsed, budget+2*time.Second)
	assert.Equal(t, 0, broker.SessionCount(), "session must be closed")
}

func TestReadResultIgnoresCallerCancellation(t *testing.T) {
	broker := bus.NewBroker()
	s, _ := startGateway(t, broker)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)
	start := time.Now()
	out := s.ReadResult(ctx, pingRequest)
	elapsed := time.Since(start)

	assert.Equal(t, http.StatusRequestTimeout, out.Status)
	assert.Equal(t, MsgTimedOut, out.Body)
	assert.GreaterOrEqual(t, elapsed, budget)
	assert.Equal(t, 0, broker.SessionCount())
}

func TestReadResultAnswersAfterCallerCancellation(t *testing.T) {
	broker := bus.NewBroker()
	s, _ := startGateway(t, broker)
	topic := api.CorrelationTopic("host-a", "ping.py", []string{"8.8.8.8"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	go func() {
		for broker.Subscribers(topic) == 0 {
			time.Sleep(5 * time.Millisecond)
		}
		broker.Publish(result("host-a", "ping.py", 0, "late answer", time.Now()))
	}()

	out := s.ReadResult(ctx, pingRequest)
	assert.Equal(t, http.StatusOK, out.Status)
	assert.Equal(t, "late answer", out.Body)
}

func TestReadResultRetained(t *testing.T) {
	cases := []struct {
		name   string
		msg    bus.Message
		status int
		body   string
	}{
		{"pass", result("host-a", "ping.py", 0, "8.8.8.8 is up", time.Now()), http.StatusOK, "8.8.8.8 is up"},
		{"fail", result("host-a", "ping.py", 1, "8.8.8.8 unreachable", time.Now()), http.StatusNotAcceptable, "8.8.8.8 unreachable"},
		{"stale pass", result("host-a", "ping.py", 0, "8.8.8.8 is up", time.Now().Add(-time.Minute)), http.StatusNotAcceptable, MsgStale},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			broker := bus.NewBroker()
			broker.Publish(tc.msg)
			_, c := startGateway(t, broker)

			out, err := c.ReadResult(context.Background(), pingRequest)
			require.NoError(t, err)
			assert.Equal(t, tc.status, out.Status)
			assert.Equal(t, tc.body, out.Body)
			assert.False(t, out.JSON)
			assert.Equal(t, 0, broker.SessionCount())
		})
	}
}

func TestReadResultSkipsNoise(t *testing.T) {
	broker := bus.NewBroker()
	s, _ := startGateway(t, broker)
	topic := api.CorrelationTopic("host-a", "ping.py", []string{"8.8.8.8"})

	go func() {
		for broker.Subscribers(topic) == 0 {
			time.Sleep(5 * time.Millisecond)
		}
		broker.Publish(bus.Message{Topic: topic, Payload: []byte("{not json")})
		other := result("host-a", "ping.py", 0, "", time.Now())
		var m api.ResultMessage
		_ = json.Unmarshal(other.Payload, &m)
		m.CheckRan = "ping.sh"
		payload, _ := json.Marshal(m)
		broker.Publish(bus.Message{Topic: topic, Payload: payload})
		broker.Publish(result("host-a", "ping.py", 0, "live answer", time.Now()))
	}()

	s.opts.WaitBudget = 3 * time.Second
	out := s.ReadResult(context.Background(), pingRequest)
	assert.Equal(t, http.StatusOK, out.Status)
	assert.Equal(t, "live answer", out.Body)
}

func TestReadResultStaleUsesClock(t *testing.T) {
	broker := bus.NewBroker()
	now := time.Now()
	broker.Publish(result("host-a", "ping.py", 0, "ok", now))
	s, _ := startGateway(t, broker)

	s.now = func() time.Time { return now.Add(46 * time.Second) }
	out := s.ReadResult(context.Background(), pingRequest)
	assert.Equal(t, http.StatusNotAcceptable, out.Status)
	assert.Equal(t, MsgStale, out.Body)

	s.now = func() time.Time { return now.Add(44 * time.Second) }
	out = s.ReadResult(context.Background(), pingRequest)
	assert.Equal(t, http.StatusOK, out.Status)
}

func TestReadResultDialFailure(t *testing.T) {
	dialer := bus.DialerFunc(func(context.Context) (bus.Session, error) {
		return nil, errors.New("connection refused")
	})
	_, c := startGateway(t, dialer)
	out, err := c.ReadResult(context.Background(), pingRequest)
	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, out.Status)
	assert.Equal(t, MsgBrokerDown, out.Body)
}

func TestReadResultRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	dialer := &bus.RedisDialer{Addr: mr.Addr()}

	pub, err := dialer.Dial(context.Background())
	require.NoError(t, err)
	require.NoError(t, pub.Publish(context.Background(), result("host-a", "ping.py", 0, "via redis", time.Now())))
	require.NoError(t, pub.Close())

	_, c := startGateway(t, dialer)
	out, err := c.ReadResult(context.Background(), pingRequest)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, out.Status)
	assert.Equal(t, "via redis", out.Body)
}

func TestPublishChecks(t *testing.T) {
	broker := bus.NewBroker()
	_, c := startGateway(t, broker)

	listener, err := broker.Dial(context.Background())
	require.NoError(t, err)
	defer listener.Close()
	require.Equal(t, bus.EventConnected, (<-listener.Events()).Kind)
	require.NoError(t, listener.Subscribe(context.Background(), "checks"))
	require.Equal(t, bus.EventSubscribed, (<-listener.Events()).Kind)

	out, err := c.PublishChecks(context.Background(), api.PublishChecksRequest{
		RepoIP: "10.0.0.5",
		Checks: []api.CheckDescriptor{
			{TargetAgent: "host-a", TargetScript: "ping.py", RunMethod: "python", Args: []string{"8.8.8.8"}},
			{TargetAgent: "host-b", TargetScript: "disk.sh", RunMethod: "bash", Kind: api.KindRefresh},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, out.Status)
	assert.Equal(t, MsgPublished, out.Body)

	var got []api.DispatchMessage
	for len(got) < 2 {
		select {
		case ev := <-listener.Events():
			var d api.DispatchMessage
			require.NoError(t, json.Unmarshal(ev.Message.Payload, &d))
			got = append(got, d)
		case <-time.After(2 * time.Second):
			t.Fatal("dispatch messages not delivered")
		}
	}
	assert.Equal(t, api.DispatchMessage{
		Agent: "host-a", DownloadURL: "http://10.0.0.5:8080/checks/ping.py", Kind: api.KindCheck, RunMethod: "python", Args: []string{"8.8.8.8"},
	}, got[0])
	assert.Equal(t, api.KindRefresh, got[1].Kind)
	assert.Equal(t, []string{}, got[1].Args)
	assert.Equal(t, 1, broker.SessionCount(), "publish session must be closed")
}

func TestPublishChecksValidation(t *testing.T) {
	_, c := startGateway(t, bus.NewBroker())
	ctx := context.Background()

	out, err := c.PublishChecks(ctx, api.PublishChecksRequest{Checks: []api.CheckDescriptor{{TargetAgent: "a", TargetScript: "b"}}})
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, out.Status)

	out, err = c.PublishChecks(ctx, api.PublishChecksRequest{RepoIP: "10.0.0.5", Checks: []api.CheckDescriptor{{TargetAgent: "a"}}})
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, out.Status)
}

func TestPublishChecksDialFailure(t *testing.T) {
	dialer := bus.DialerFunc(func(context.Context) (bus.Session, error) {
		return nil, errors.New("connection refused")
	})
	_, c := startGateway(t, dialer)
	out, err := c.PublishChecks(context.Background(), api.PublishChecksRequest{
		RepoIP: "10.0.0.5",
		Checks: []api.CheckDescriptor{{TargetAgent: "a", TargetScript: "b"}},
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, out.Status)
}

func TestOnlyPostAllowed(t *testing.T) {
	s := New(Options{}, bus.NewBroker())
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/read-result", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
