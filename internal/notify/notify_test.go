package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/vaultsync/internal/config"
	"github.com/roach88/vaultsync/internal/engine"
)

func fastWebhook(url string) *WebhookNotifier {
	w := NewWebhookNotifier(url, time.Second)
	w.newBackoff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }
	return w
}

func TestWebhookNotifier_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	var got Notification
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	err := fastWebhook(srv.URL).Notify(context.Background(), Notification{
		Type:       engine.EventConflictDetected,
		ConflictID: "c-1",
	})
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, "c-1", got.ConflictID)
}

func TestWebhookNotifier_ClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	err := fastWebhook(srv.URL).Notify(context.Background(), Notification{Type: engine.EventSessionFailed})
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestWebhookNotifier_GivesUp(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	err := fastWebhook(srv.URL).Notify(context.Background(), Notification{Type: engine.EventSessionFailed})
	require.Error(t, err)
	assert.Equal(t, int32(4), calls.Load())
}

func TestNew(t *testing.T) {
	n, err := New(config.NotifyConfig{Kind: "log"}, nil)
	require.NoError(t, err)
	assert.IsType(t, LogNotifier{}, n)

	n, err = New(config.NotifyConfig{Kind: "none"}, nil)
	require.NoError(t, err)
	assert.IsType(t, Nop{}, n)

	n, err = New(config.NotifyConfig{Kind: "webhook", WebhookURL: "http://example.invalid/hook"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &WebhookNotifier{}, n)

	_, err = New(config.NotifyConfig{Kind: "webhook"}, nil)
	assert.Error(t, err)
	_, err = New(config.NotifyConfig{Kind: "pager"}, nil)
	assert.Error(t, err)
}

type recorder struct {
	got chan Notification
}

func (r *recorder) Notify(_ context.Context, n Notification) error {
	r.got <- n
	return nil
}

func TestForwarder_SelectsEventsNeedingAPerson(t *testing.T) {
	hub := engine.NewHub()
	rec := &recorder{got: make(chan Notification, 8)}
	fwd := NewForwarder("node-a", hub, rec, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	// Subscribe happens inside Run; wait until it is live.
	go func() { done <- fwd.Run(ctx) }()
	require.Eventually(t, func() bool {
		hub.Publish(engine.Event{Type: engine.EventPeerChanged})
		hub.Publish(engine.Event{Type: engine.EventConflictDetected, ConflictID: "auto", Strategy: "Merge"})
		hub.Publish(engine.Event{Type: engine.EventConflictDetected, ConflictID: "c-1", EntityID: "p-1"})
		select {
		case n := <-rec.got:
			assert.Equal(t, "c-1", n.ConflictID)
			assert.Equal(t, "node-a", n.NodeID)
			return true
		case <-time.After(50 * time.Millisecond):
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestForwarder_StopsWhenHubCloses(t *testing.T) {
	hub := engine.NewHub()
	hub.Close()
	err := NewForwarder("node-a", hub, Nop{}, nil).Run(context.Background())
	assert.NoError(t, err)
}
