package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingSender struct {
	mu     sync.Mutex
	name   string
	titles []string
	err    error
}

func (r *recordingSender) Send(ctx context.Context, title, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.titles = append(r.titles, title)
	return r.err
}

func (r *recordingSender) Name() string { return r.name }

func TestNotifierEventFilter(t *testing.T) {
	s := &recordingSender{name: "rec"}
	n := NewNotifier([]Sender{s}, []string{"trade_executed"}, testLogger())
	ctx := context.Background()

	require.NoError(t, n.Notify(ctx, "trade_executed", "t1", "m1"))
	require.NoError(t, n.Notify(ctx, "deposit", "t2", "m2"))

	assert.Equal(t, []string{"t1"}, s.titles, "filtered event must not be delivered")
}

func TestNotifierEmptyFilterAllowsAll(t *testing.T) {
	s := &recordingSender{name: "rec"}
	n := NewNotifier([]Sender{s}, nil, testLogger())

	require.NoError(t, n.Notify(context.Background(), "anything", "t", "m"))
	assert.Len(t, s.titles, 1)
}

func TestNotifierPartialFailureStillDelivers(t *testing.T) {
	bad := &recordingSender{name: "bad", err: errors.New("down")}
	good := &recordingSender{name: "good"}
	n := NewNotifier([]Sender{bad, good}, nil, testLogger())

	err := n.Notify(context.Background(), "ev", "t", "m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad")
	assert.Len(t, good.titles, 1, "one failing sender must not block the others")
}

func TestEmailSenderSimulatesLatency(t *testing.T) {
	e := NewEmailSender("noreply@bondmarket.test", 30*time.Millisecond, testLogger())

	start := time.Now()
	require.NoError(t, e.Send(context.Background(), "subject", "body"))
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestEmailSenderHonoursCancellation(t *testing.T) {
	e := NewEmailSender("noreply@bondmarket.test", time.Minute, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := e.Send(ctx, "subject", "body")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWebhookSender(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got = map[string]string{"raw": string(body), "ct": r.Header.Get("Content-Type")}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	ws := NewWebhookSender(srv.URL)
	require.NoError(t, ws.Send(context.Background(), "title", "message"))
	require.NotNil(t, got)
	assert.Equal(t, "application/json", got["ct"])
	assert.Contains(t, got["raw"], `"title":"title"`)
}

func TestWebhookSenderNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	ws := NewWebhookSender(srv.URL)
	err := ws.Send(context.Background(), "t", "m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}
