package domain

import (
	"encoding/json"
	"time"
)

// Job is a scraped job listing as handed over by the DOM extraction layer.
// Fields other than the well-known ones are kept in Extra and survive a
// JSON round trip untouched.
type Job struct {
	ID          string `json:"id"`
	ListedAt    string `json:"listedAt,omitempty"`
	CompanyName string `json:"companyName,omitempty"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	IsRemote    *bool  `json:"isRemote,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

// CacheEntry is a job as held by the cache
type CacheEntry struct {
	ID       string
	Job      Job
	CachedAt time.Time
}

// ConsoleLog is one captured log line
type ConsoleLog struct {
	Level     string `json:"level"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// JobContext identifies the job a report was raised against
type JobContext struct {
	JobID    string `json:"jobId,omitempty"`
	JobTitle string `json:"jobTitle,omitempty"`
	Company  string `json:"company,omitempty"`
}

// DOMSnapshot is a size-capped view of the page at error time
type DOMSnapshot struct {
	ActiveElement string `json:"activeElement,omitempty"`
	RelevantHTML  string `json:"relevantHTML,omitempty"`
	Text          string `json:"text,omitempty"`
}

// ErrorReport is a packaged runtime failure ready for delivery
type ErrorReport struct {
	ID               string       `json:"id"`
	Message          string       `json:"message"`
	Stack            string       `json:"stack,omitempty"`
	ErrorType        string       `json:"errorType"`
	Platform         string       `json:"platform"`
	URL              string       `json:"url"`
	UserAgent        string       `json:"userAgent,omitempty"`
	UserID           string       `json:"userId,omitempty"`
	ExtensionVersion string       `json:"extensionVersion,omitempty"`
	Timestamp        time.Time    `json:"timestamp"`
	JobContext       *JobContext  `json:"jobContext,omitempty"`
	DOMSnapshot      *DOMSnapshot `json:"domSnapshot,omitempty"`
	ConsoleLogs      []ConsoleLog `json:"consoleLogs,omitempty"`

	// Set by the report store once triaged
	Resolved   bool       `json:"resolved"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
	ResolvedBy string     `json:"resolvedBy,omitempty"`
	Notes      string     `json:"notes,omitempty"`
}

// Notification is emitted when a feature is switched off automatically
type Notification struct {
	Feature  string `json:"feature"`
	Label    string `json:"label"`
	Reason   string `json:"reason"`
	Failures int    `json:"failures"`
}
