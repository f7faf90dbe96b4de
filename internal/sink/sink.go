// Package sink delivers error reports to wherever they are kept
package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pbaille/jobfiltr/internal/domain"
)

// Result is what a sink reports back after a delivery
type Result struct {
	Success bool   `json:"success"`
	ID      string `json:"id,omitempty"`
}

// Sink accepts a finished report
type Sink interface {
	Deliver(ctx context.Context, report domain.ErrorReport) (Result, error)
}

// Func adapts a plain function to Sink
type Func func(ctx context.Context, report domain.ErrorReport) (Result, error)

// Deliver calls f
func (f Func) Deliver(ctx context.Context, report domain.ErrorReport) (Result, error) {
	return f(ctx, report)
}

// ReportAdder is the part of the report store a Store sink writes to
type ReportAdder interface {
	AddReport(ctx context.Context, r domain.ErrorReport) (*domain.ErrorReport, error)
}

// Store writes reports into a local report store
type Store struct {
	reports ReportAdder
}

// NewStore creates a sink backed by a report store
func NewStore(reports ReportAdder) *Store {
	return &Store{reports: reports}
}

// Deliver saves the report and returns its id
func (s *Store) Deliver(ctx context.Context, report domain.ErrorReport) (Result, error) {
	saved, err := s.reports.AddReport(ctx, report)
	if err != nil {
		return Result{}, fmt.Errorf("store report: %w", err)
	}
	return Result{Success: true, ID: saved.ID}, nil
}

// HTTP posts reports as JSON to a remote collector
type HTTP struct {
	endpoint string
	client   *http.Client
}

// NewHTTP creates a sink posting to endpoint + "/reports"
func NewHTTP(endpoint string, timeout time.Duration) *HTTP {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTP{
		endpoint: strings.TrimRight(endpoint, "/") + "/reports",
		client:   &http.Client{Timeout: timeout},
	}
}

// Deliver posts the report and decodes the collector's answer
func (h *HTTP) Deliver(ctx context.Context, report domain.ErrorReport) (Result, error) {
	body, err := json.Marshal(report)
	if err != nil {
		return Result{}, fmt.Errorf("marshal report: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return Result{}, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Result{}, fmt.Errorf("collector error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var result Result
	if err := json.Unmarshal(respBody, &result); err != nil {
		return Result{}, fmt.Errorf("unmarshal response: %w", err)
	}
	return result, nil
}
