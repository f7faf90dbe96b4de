package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pbaille/jobfiltr/internal/clock"
	"github.com/pbaille/jobfiltr/internal/domain"
	"github.com/pbaille/jobfiltr/internal/sink"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureSink struct {
	mu      sync.Mutex
	reports []domain.ErrorReport
	err     error
}

func (s *captureSink) Deliver(_ context.Context, r domain.ErrorReport) (sink.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return sink.Result{}, s.err
	}
	s.reports = append(s.reports, r)
	return sink.Result{Success: true, ID: r.ID}, nil
}

func (s *captureSink) all() []domain.ErrorReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.ErrorReport(nil), s.reports...)
}

type jobs map[string]domain.Job

func (j jobs) Get(id string) (domain.Job, bool) {
	job, ok := j[id]
	return job, ok
}

func newAggregator(t *testing.T, mutate func(*Options)) (*Aggregator, *captureSink) {
	t.Helper()
	s := &captureSink{}
	opts := Options{
		URL:              "https://www.linkedin.com/jobs/view/123",
		UserAgent:        "test-agent",
		ExtensionVersion: "2.0.0",
		Sink:             s,
		Clock:            clock.NewManual(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
		Logger:           slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if mutate != nil {
		mutate(&opts)
	}
	return New(opts), s
}

func waitDelivered(t *testing.T, a *Aggregator) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, a.Close(ctx))
}

func TestRingKeepsMostRecent(t *testing.T) {
	const capacity = 5
	r := NewRing[int](capacity)
	for i := range capacity + 3 {
		r.Write(i)
	}

	assert.Equal(t, capacity, r.Len())
	assert.Equal(t, []int{3, 4, 5, 6, 7}, r.Snapshot())

	r.Reset()
	assert.Empty(t, r.Snapshot())
	r.Write(42)
	assert.Equal(t, []int{42}, r.Snapshot())
}

func TestConsoleRingBound(t *testing.T) {
	a, _ := newAggregator(t, nil)
	logger := a.Install()

	total := DefaultMaxConsoleLogs + 7
	for i := range total {
		logger.Info("line", "n", i)
	}

	logs := a.ConsoleLogs()
	require.Len(t, logs, DefaultMaxConsoleLogs)
	assert.Equal(t, "line n=7", logs[0].Message)
	assert.Equal(t, fmt.Sprintf("line n=%d", total-1), logs[len(logs)-1].Message)
	assert.Equal(t, "info", logs[0].Level)
}

func TestInstallIsIdempotent(t *testing.T) {
	a, _ := newAggregator(t, nil)
	assert.Same(t, a.Install(), a.Install())
}

func TestCaptureHandlerFormatsAttrs(t *testing.T) {
	a, _ := newAggregator(t, nil)
	logger := slog.New(a.Handler()).With("component", "cache").WithGroup("job")

	logger.Warn("evicted", "id", "42", slog.Group("age", "days", 3))
	logger.Debug("not captured at info level")

	logs := a.ConsoleLogs()
	require.Len(t, logs, 1)
	assert.Equal(t, "warn", logs[0].Level)
	assert.Equal(t, "evicted component=cache job.id=42 job.age.days=3", logs[0].Message)
}

func TestWrapReportsAndReturnsSameError(t *testing.T) {
	a, s := newAggregator(t, nil)
	boom := errors.New("boom")

	wrapped := a.Wrap("x", func(context.Context) error { return boom })
	err := wrapped(context.Background())

	assert.Same(t, boom, err)
	waitDelivered(t, a)

	reports := s.all()
	require.Len(t, reports, 1)
	assert.Contains(t, reports[0].Message, "boom")
	assert.Equal(t, "Error in x: boom", reports[0].Message)
	assert.Equal(t, "errors.errorString", reports[0].ErrorType)
}

func TestWrapSuccessReportsNothing(t *testing.T) {
	a, s := newAggregator(t, nil)

	v, err := WrapValue(a, "parse", func(context.Context) (int, error) { return 7, nil })(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, v)

	waitDelivered(t, a)
	assert.Empty(t, s.all())
}

func TestWrapRepanics(t *testing.T) {
	a, s := newAggregator(t, nil)
	wrapped := a.Wrap("render", func(context.Context) error { panic("nil badge") })

	assert.PanicsWithValue(t, "nil badge", func() { _ = wrapped(context.Background()) })
	waitDelivered(t, a)

	reports := s.all()
	require.Len(t, reports, 1)
	assert.Equal(t, TypePanic, reports[0].ErrorType)
	assert.Contains(t, reports[0].Message, "nil badge")
}

func TestLogErrorFillsReport(t *testing.T) {
	provider := ContextFunc(func(context.Context) (PageContext, error) {
		return PageContext{
			JobIDs:        []string{"unknown-id", "123"},
			ActiveElement: "div.job-card",
			HTML:          `<div><script>x()</script><h1>Backend Engineer</h1></div>`,
		}, nil
	})
	a, s := newAggregator(t, func(o *Options) {
		o.Context = provider
		o.Jobs = jobs{"123": {ID: "123", Title: "Backend Engineer", CompanyName: "Acme"}}
	})
	a.Install().Info("scan started")

	a.LogError(context.Background(), Partial{Message: "selector missing"})
	waitDelivered(t, a)

	reports := s.all()
	require.Len(t, reports, 1)
	r := reports[0]
	assert.NotEmpty(t, r.ID)
	assert.Equal(t, "selector missing", r.Message)
	assert.Equal(t, TypeError, r.ErrorType)
	assert.Equal(t, "linkedin", r.Platform)
	assert.Equal(t, "https://www.linkedin.com/jobs/view/123", r.URL)
	assert.Equal(t, "test-agent", r.UserAgent)
	assert.Equal(t, "2.0.0", r.ExtensionVersion)
	assert.Equal(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), r.Timestamp)
	assert.Equal(t, &domain.JobContext{JobID: "123", JobTitle: "Backend Engineer", Company: "Acme"}, r.JobContext)
	require.NotNil(t, r.DOMSnapshot)
	assert.Equal(t, "div.job-card", r.DOMSnapshot.ActiveElement)
	assert.NotContains(t, r.DOMSnapshot.RelevantHTML, "script")
	require.Len(t, r.ConsoleLogs, 1)
	assert.Equal(t, "scan started", r.ConsoleLogs[0].Message)
}

func TestSnapshotIsCapped(t *testing.T) {
	provider := ContextFunc(func(context.Context) (PageContext, error) {
		return PageContext{HTML: "<p>" + strings.Repeat("description ", 2000) + "</p>"}, nil
	})
	a, s := newAggregator(t, func(o *Options) {
		o.Context = provider
		o.SnapshotBudget = 300
	})

	a.LogError(context.Background(), Partial{Message: "big page"})
	waitDelivered(t, a)

	reports := s.all()
	require.Len(t, reports, 1)
	assert.LessOrEqual(t, len(reports[0].DOMSnapshot.RelevantHTML), 300)
	assert.LessOrEqual(t, len(reports[0].DOMSnapshot.Text), 300)
}

func TestContextProviderFailuresAreTolerated(t *testing.T) {
	tests := []struct {
		name     string
		provider ContextProvider
	}{
		{"error", ContextFunc(func(context.Context) (PageContext, error) {
			return PageContext{}, errors.New("detached frame")
		})},
		{"panic", ContextFunc(func(context.Context) (PageContext, error) {
			panic("document is nil")
		})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, s := newAggregator(t, func(o *Options) { o.Context = tt.provider })
			a.LogError(context.Background(), Partial{Message: "still reported"})
			waitDelivered(t, a)

			reports := s.all()
			require.Len(t, reports, 1)
			assert.Nil(t, reports[0].JobContext)
			assert.Nil(t, reports[0].DOMSnapshot)
		})
	}
}

func TestDisabledAggregatorReportsNothing(t *testing.T) {
	a, s := newAggregator(t, nil)
	a.Install().Info("before opt-out")
	require.Len(t, a.ConsoleLogs(), 1)

	a.SetEnabled(false)
	require.False(t, a.Enabled())
	assert.Empty(t, a.ConsoleLogs(), "opting out discards captured lines")

	ctx := context.Background()
	a.LogError(ctx, Partial{Message: "a"})
	a.Log(ctx, "b", nil)
	err := a.Wrap("c", func(context.Context) error { return errors.New("c") })(ctx)
	assert.EqualError(t, err, "c")

	waitDelivered(t, a)
	assert.Empty(t, s.all())

	a.SetEnabled(true)
	a.Log(ctx, "d", nil)
	waitDelivered(t, a)
	assert.Len(t, s.all(), 1)
}

func TestSinkFailureIsSwallowed(t *testing.T) {
	a, s := newAggregator(t, nil)
	s.err = errors.New("collector offline")

	assert.NotPanics(t, func() {
		a.LogError(context.Background(), Partial{Message: "lost"})
	})
	waitDelivered(t, a)
	assert.Empty(t, s.all())
}

func TestSinkPanicIsSwallowed(t *testing.T) {
	a, _ := newAggregator(t, func(o *Options) {
		o.Sink = sink.Func(func(context.Context, domain.ErrorReport) (sink.Result, error) {
			panic("sink bug")
		})
	})
	a.LogError(context.Background(), Partial{Message: "x"})
	waitDelivered(t, a)
}

func TestLogUsesFields(t *testing.T) {
	a, s := newAggregator(t, nil)
	a.Log(context.Background(), "badge skipped", Fields{
		"type":    "SoftFailure",
		"url":     "https://www.indeed.com/viewjob?jk=abc",
		"jobId":   "abc",
		"section": "benefits",
		"attempt": "2",
	})
	waitDelivered(t, a)

	reports := s.all()
	require.Len(t, reports, 1)
	r := reports[0]
	assert.Equal(t, "badge skipped (attempt=2 section=benefits)", r.Message)
	assert.Equal(t, "SoftFailure", r.ErrorType)
	assert.Equal(t, "indeed", r.Platform)
	assert.Equal(t, &domain.JobContext{JobID: "abc"}, r.JobContext)
	assert.NotEmpty(t, r.Stack)
}

func TestLogDefaultsToCustomError(t *testing.T) {
	a, s := newAggregator(t, nil)
	a.Log(context.Background(), "manual", nil)
	waitDelivered(t, a)

	reports := s.all()
	require.Len(t, reports, 1)
	assert.Equal(t, TypeCustom, reports[0].ErrorType)
}

func TestRecoverAndGo(t *testing.T) {
	a, s := newAggregator(t, nil)

	func() {
		defer a.Recover()
		panic("uncaught")
	}()

	var wg sync.WaitGroup
	wg.Add(1)
	a.Go(context.Background(), "refresh", func(context.Context) error {
		defer wg.Done()
		return errors.New("timeout")
	})
	wg.Wait()

	assert.Eventually(t, func() bool { return len(s.all()) == 2 }, 2*time.Second, 10*time.Millisecond)
	waitDelivered(t, a)

	byType := map[string]string{}
	for _, r := range s.all() {
		byType[r.ErrorType] = r.Message
	}
	assert.Equal(t, "uncaught", byType[TypePanic])
	assert.Equal(t, "Unhandled error in refresh: timeout", byType[TypeUnhandled])
}

func TestDetectPlatform(t *testing.T) {
	tests := map[string]string{
		"https://www.linkedin.com/jobs/search": "linkedin",
		"https://uk.indeed.com/viewjob?jk=1":   "indeed",
		"https://www.google.com/search?q=jobs": "google",
		"https://notlinkedin.com/":             "unknown",
		"https://example.org":                  "unknown",
		"::not a url":                          "unknown",
		"":                                     "unknown",
	}
	for in, want := range tests {
		assert.Equal(t, want, DetectPlatform(in), in)
	}
}
