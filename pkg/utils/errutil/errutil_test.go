package errutil_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/getsentry/sentry-go"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/gt"
	"github.com/secmon-lab/herald/pkg/utils/errutil"
)

type eventSink struct {
	mu     sync.Mutex
	events []*sentry.Event
}

func (s *eventSink) capture(event *sentry.Event, _ *sentry.EventHint) *sentry.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *eventSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func newSentryContext(t *testing.T) (context.Context, *eventSink) {
	t.Helper()
	sink := &eventSink{}
	client, err := sentry.NewClient(sentry.ClientOptions{BeforeSend: sink.capture})
	gt.NoError(t, err).Required()
	hub := sentry.NewHub(client, sentry.NewScope())
	return sentry.SetHubOnContext(context.Background(), hub), sink
}

func TestHandle(t *testing.T) {
	t.Run("nil error", func(t *testing.T) {
		gt.NoError(t, errutil.Handle(context.Background(), nil, "nothing"))
	})

	t.Run("error values are attached to the event", func(t *testing.T) {
		ctx, sink := newSentryContext(t)
		err := goerr.New("store unavailable", goerr.V("run_id", "run-1"), goerr.V("attempt", 3))

		gt.Error(t, errutil.Handle(ctx, err, "failed to store bulk run")).Is(err)
		gt.Value(t, sink.count()).Equal(1)

		event := sink.events[0]
		gt.Value(t, event.Tags["message"]).Equal("failed to store bulk run")
		values := event.Contexts["goerr"]
		gt.Value(t, values["run_id"]).Equal(any("run-1"))
		gt.Value(t, values["attempt"]).Equal(any(3))
	})

	t.Run("nothing is reported without a client", func(t *testing.T) {
		hub := sentry.NewHub(nil, sentry.NewScope())
		ctx := sentry.SetHubOnContext(context.Background(), hub)
		err := goerr.New("boom")
		gt.Error(t, errutil.Handle(ctx, err, "unreported")).Is(err)
	})
}

func TestHandleHTTP(t *testing.T) {
	ctx, sink := newSentryContext(t)

	t.Run("client errors are not reported", func(t *testing.T) {
		w := httptest.NewRecorder()
		errutil.HandleHTTP(ctx, w, goerr.New("bad input"), http.StatusBadRequest)
		gt.Value(t, w.Code).Equal(http.StatusBadRequest)
		gt.Value(t, sink.count()).Equal(0)
	})

	t.Run("server errors are reported", func(t *testing.T) {
		w := httptest.NewRecorder()
		errutil.HandleHTTP(ctx, w, goerr.New("store down"), http.StatusInternalServerError)
		gt.Value(t, w.Code).Equal(http.StatusInternalServerError)
		gt.String(t, w.Body.String()).Contains("store down")
		gt.Value(t, sink.count()).Equal(1)
	})
}
