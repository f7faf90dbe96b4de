// Package telemetry turns runtime failures into error reports. It keeps a
// bounded ring of recent log lines, enriches each report with page and job
// context, and hands it to a sink without ever blocking the caller.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	slogmulti "github.com/samber/slog-multi"

	"github.com/pbaille/jobfiltr/internal/clock"
	"github.com/pbaille/jobfiltr/internal/domain"
	"github.com/pbaille/jobfiltr/internal/sink"
	"github.com/pbaille/jobfiltr/internal/snapshot"
)

// DefaultMaxConsoleLogs is the ring capacity used when none is configured
const DefaultMaxConsoleLogs = 50

// Error types set on reports raised by the aggregator itself
const (
	TypeError     = "Error"
	TypeCustom    = "CustomError"
	TypePanic     = "Panic"
	TypeUnhandled = "UnhandledRejection"
)

// PageContext is what the page layer can tell about where an error happened
type PageContext struct {
	URL           string
	JobIDs        []string
	ActiveElement string
	HTML          string
}

// ContextProvider extracts page context on demand. It is called on every
// report, so failures and panics in it are tolerated.
type ContextProvider interface {
	ExtractContext(ctx context.Context) (PageContext, error)
}

// ContextFunc adapts a function to ContextProvider
type ContextFunc func(ctx context.Context) (PageContext, error)

// ExtractContext calls f
func (f ContextFunc) ExtractContext(ctx context.Context) (PageContext, error) { return f(ctx) }

// JobLookup resolves cached jobs by id
type JobLookup interface {
	Get(id string) (domain.Job, bool)
}

// Partial is an incomplete error description
type Partial struct {
	Message   string
	Stack     string
	ErrorType string
	URL       string
	JobID     string
}

// Fields carries extra context for Log. The keys "type", "url", "jobId"
// and "stack" fill the matching report fields.
type Fields map[string]string

// Options configures an Aggregator
type Options struct {
	Platform         string
	URL              string
	UserAgent        string
	UserID           string
	ExtensionVersion string

	SnapshotBudget  int
	MaxConsoleLogs  int
	DeliveryTimeout time.Duration
	CaptureLevel    slog.Level

	Sink    sink.Sink
	Context ContextProvider
	Jobs    JobLookup
	Clock   clock.Clock
	Logger  *slog.Logger
}

// Aggregator builds and dispatches error reports
type Aggregator struct {
	opts    Options
	log     *slog.Logger
	ring    *Ring[domain.ConsoleLog]
	enabled atomic.Bool

	installOnce sync.Once
	logger      *slog.Logger

	inflight sync.WaitGroup
}

// New creates an enabled Aggregator
func New(opts Options) *Aggregator {
	if opts.MaxConsoleLogs <= 0 {
		opts.MaxConsoleLogs = DefaultMaxConsoleLogs
	}
	if opts.SnapshotBudget <= 0 {
		opts.SnapshotBudget = snapshot.DefaultBudget
	}
	if opts.DeliveryTimeout <= 0 {
		opts.DeliveryTimeout = 10 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	a := &Aggregator{
		opts: opts,
		log:  opts.Logger.With("component", "telemetry"),
		ring: NewRing[domain.ConsoleLog](opts.MaxConsoleLogs),
	}
	a.enabled.Store(true)
	return a
}

// Handler returns an slog.Handler that records into the console ring
func (a *Aggregator) Handler() slog.Handler {
	return &captureHandler{ring: a.ring, level: a.opts.CaptureLevel}
}

// Install returns a logger that writes through the configured logger and
// into the console ring. Repeated calls return the same logger.
func (a *Aggregator) Install() *slog.Logger {
	a.installOnce.Do(func() {
		a.logger = slog.New(slogmulti.Fanout(a.opts.Logger.Handler(), a.Handler()))
		a.log.Debug("telemetry installed", "maxConsoleLogs", a.ring.Cap(), "platform", a.platform(a.opts.URL))
	})
	return a.logger
}

// ConsoleLogs returns the buffered log lines, oldest first
func (a *Aggregator) ConsoleLogs() []domain.ConsoleLog {
	return a.ring.Snapshot()
}

// SetEnabled turns reporting on or off. Turning it off also discards the
// captured log lines.
func (a *Aggregator) SetEnabled(enabled bool) {
	a.enabled.Store(enabled)
	if !enabled {
		a.ring.Reset()
	}
}

// Enabled reports whether reporting is on
func (a *Aggregator) Enabled() bool {
	return a.enabled.Load()
}

// Recover reports a panic in progress as an uncaught error and lets the
// goroutine continue unwinding normally. Use it as `defer a.Recover()`.
func (a *Aggregator) Recover() {
	if r := recover(); r != nil {
		a.reportPanic(context.Background(), r, debug.Stack())
	}
}

// Go runs fn on its own goroutine. A returned error is reported as an
// unhandled rejection, a panic as an uncaught error.
func (a *Aggregator) Go(ctx context.Context, name string, fn func(ctx context.Context) error) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				a.reportPanic(ctx, r, debug.Stack())
			}
		}()
		if err := fn(ctx); err != nil {
			a.LogError(ctx, Partial{
				Message:   fmt.Sprintf("Unhandled error in %s: %v", name, err),
				ErrorType: TypeUnhandled,
			})
		}
	}()
}

func (a *Aggregator) reportPanic(ctx context.Context, r any, stack []byte) {
	a.LogError(ctx, Partial{
		Message:   fmt.Sprint(r),
		Stack:     string(stack),
		ErrorType: TypePanic,
	})
}

// LogError completes p into a report and dispatches it in the background.
// Nothing is returned: delivery problems are logged here and dropped.
func (a *Aggregator) LogError(ctx context.Context, p Partial) {
	if !a.Enabled() {
		return
	}

	report, ok := a.build(ctx, p)
	if !ok {
		return
	}
	a.dispatch(ctx, report)
}

// Log reports a soft failure without an error value
func (a *Aggregator) Log(ctx context.Context, message string, fields Fields) {
	if !a.Enabled() {
		return
	}

	p := Partial{
		Message:   message,
		ErrorType: TypeCustom,
		Stack:     string(debug.Stack()),
	}
	var extra []string
	for k, v := range fields {
		switch k {
		case "type":
			p.ErrorType = v
		case "url":
			p.URL = v
		case "jobId":
			p.JobID = v
		case "stack":
			p.Stack = v
		default:
			extra = append(extra, k+"="+v)
		}
	}
	if len(extra) > 0 {
		sort.Strings(extra)
		p.Message += " (" + strings.Join(extra, " ") + ")"
	}
	a.LogError(ctx, p)
}

// Wrap returns fn instrumented so that a failure is reported before it
// reaches the caller. The error is returned unchanged; a panic is reported
// and then re-raised.
func (a *Aggregator) Wrap(name string, fn func(ctx context.Context) error) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		_, err := WrapValue(a, name, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, fn(ctx)
		})(ctx)
		return err
	}
}

// WrapValue is Wrap for functions that also return a value
func WrapValue[T any](a *Aggregator, name string, fn func(ctx context.Context) (T, error)) func(ctx context.Context) (T, error) {
	return func(ctx context.Context) (T, error) {
		defer func() {
			if r := recover(); r != nil {
				a.LogError(ctx, Partial{
					Message:   fmt.Sprintf("Error in %s: %v", name, r),
					Stack:     string(debug.Stack()),
					ErrorType: TypePanic,
				})
				panic(r)
			}
		}()

		v, err := fn(ctx)
		if err != nil {
			a.LogError(ctx, Partial{
				Message:   fmt.Sprintf("Error in %s: %v", name, err),
				Stack:     string(debug.Stack()),
				ErrorType: errorType(err),
			})
		}
		return v, err
	}
}

// Close waits for in-flight deliveries or until ctx is done
func (a *Aggregator) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		a.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for deliveries: %w", ctx.Err())
	}
}

// build assembles the report. Any panic while doing so drops the report.
func (a *Aggregator) build(ctx context.Context, p Partial) (report domain.ErrorReport, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			a.log.Error("failed to build error report", "panic", r)
			ok = false
		}
	}()

	page := a.pageContext(ctx)

	report = domain.ErrorReport{
		ID:               uuid.NewString(),
		Message:          p.Message,
		Stack:            p.Stack,
		ErrorType:        p.ErrorType,
		URL:              firstNonEmpty(p.URL, page.URL, a.opts.URL),
		UserAgent:        a.opts.UserAgent,
		UserID:           a.opts.UserID,
		ExtensionVersion: a.opts.ExtensionVersion,
		Timestamp:        a.opts.Clock.Now(),
		ConsoleLogs:      a.ring.Snapshot(),
	}
	if report.Message == "" {
		report.Message = "Unknown error"
	}
	if report.ErrorType == "" {
		report.ErrorType = TypeError
	}
	report.Platform = a.platform(report.URL)
	report.JobContext = a.jobContext(p.JobID, page.JobIDs)

	if page.HTML != "" || page.ActiveElement != "" {
		snap := snapshot.Capture(page.ActiveElement, page.HTML, a.opts.SnapshotBudget)
		report.DOMSnapshot = &snap
	}
	return report, true
}

// pageContext asks the provider for context, swallowing its failures
func (a *Aggregator) pageContext(ctx context.Context) (page PageContext) {
	if a.opts.Context == nil {
		return PageContext{}
	}
	defer func() {
		if r := recover(); r != nil {
			a.log.Warn("context provider panicked", "panic", r)
			page = PageContext{}
		}
	}()

	page, err := a.opts.Context.ExtractContext(ctx)
	if err != nil {
		a.log.Warn("failed to extract page context", "error", err)
		return PageContext{}
	}
	return page
}

// jobContext describes the first job id found in the cache. An id the
// cache does not know still yields a context carrying just the id.
func (a *Aggregator) jobContext(explicit string, ids []string) *domain.JobContext {
	candidates := ids
	if explicit != "" {
		candidates = append([]string{explicit}, ids...)
	}
	if len(candidates) == 0 {
		return nil
	}

	if a.opts.Jobs != nil {
		for _, id := range candidates {
			if job, ok := a.opts.Jobs.Get(id); ok {
				return &domain.JobContext{JobID: id, JobTitle: job.Title, Company: job.CompanyName}
			}
		}
	}
	return &domain.JobContext{JobID: candidates[0]}
}

func (a *Aggregator) dispatch(ctx context.Context, report domain.ErrorReport) {
	if a.opts.Sink == nil {
		a.log.Warn("no sink configured, dropping error report", "message", report.Message)
		return
	}

	a.inflight.Add(1)
	go func() {
		defer a.inflight.Done()
		defer func() {
			if r := recover(); r != nil {
				a.log.Error("sink panicked", "panic", r)
			}
		}()

		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.opts.DeliveryTimeout)
		defer cancel()

		res, err := a.opts.Sink.Deliver(ctx, report)
		switch {
		case err != nil:
			a.log.Warn("failed to deliver error report", "error", err, "message", report.Message)
		case !res.Success:
			a.log.Warn("sink rejected error report", "message", report.Message)
		default:
			a.log.Debug("error report delivered", "id", res.ID)
		}
	}()
}

func (a *Aggregator) platform(rawURL string) string {
	if a.opts.Platform != "" {
		return a.opts.Platform
	}
	return DetectPlatform(rawURL)
}

// DetectPlatform names the job board serving rawURL
func DetectPlatform(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	host := strings.ToLower(u.Hostname())
	for _, p := range []string{"linkedin", "indeed", "google"} {
		if host == p+".com" || strings.HasSuffix(host, "."+p+".com") {
			return p
		}
	}
	return "unknown"
}

// errorType names the concrete type behind err, unwrapping fmt wrappers
func errorType(err error) string {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			break
		}
		err = next
	}
	return strings.TrimPrefix(fmt.Sprintf("%T", err), "*")
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// JobLookupFunc adapts a function to JobLookup
type JobLookupFunc func(id string) (domain.Job, bool)

// Get calls f
func (f JobLookupFunc) Get(id string) (domain.Job, bool) { return f(id) }
