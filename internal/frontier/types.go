// Package frontier implements the crawl frontier: a per-session URL queue
// persisted in a document store and fronted by an in-memory overlay that
// tracks what is waiting locally and what was recently handed out.
package frontier

import (
	"errors"
	"time"
)

// MethodGet is the default request method of new entries.
const MethodGet = "GET"

// Filter types stored in the filter collection.
const (
	FilterInclude = "include"
	FilterExclude = "exclude"
)

var (
	// ErrCorruptDecode reports a stored document that does not decode into its entity.
	ErrCorruptDecode = errors.New("corrupt document")
	// ErrInvalidEntry reports an entry missing its session or URL.
	ErrInvalidEntry = errors.New("invalid frontier entry")
)

// Entry is one URL waiting to be crawled within a session.
type Entry struct {
	ID           string
	SessionID    string
	URL          string
	ParentURL    string
	Method       string
	Depth        int
	CreateTime   time.Time
	LastModified time.Time
}

// AccessPayload is the transformed body captured for an access.
type AccessPayload struct {
	TransformerName string
	Data            []byte
	Encoding        string
}

// AccessRecord is the result of one crawl attempt. Its existence marks the
// URL as visited for the session.
type AccessRecord struct {
	ID             string
	SessionID      string
	URL            string
	ParentURL      string
	RuleID         string
	Status         int
	HTTPStatusCode int
	Method         string
	MimeType       string
	ContentLength  int64
	ExecutionTime  int64
	LastModified   time.Time
	CreateTime     time.Time
	Payload        *AccessPayload
	// Extra holds stored fields outside the known schema, round-tripped untouched.
	Extra map[string]any
}

// URLFilter is one include or exclude regular expression for a session.
type URLFilter struct {
	ID         string
	SessionID  string
	FilterType string
	Pattern    string
}

// Stats summarizes a session's frontier. An offered entry that has not been
// handed out is both Stored and Waiting; Pending counts it once.
type Stats struct {
	SessionID string `json:"session_id"`
	Stored    int64  `json:"stored"`
	Waiting   int    `json:"waiting"`
	Crawling  int    `json:"crawling"`
	Pending   int64  `json:"pending"`
}

// Clock supplies entry timestamps.
type Clock interface {
	Now() time.Time
}

// IDEncoder derives document ids.
type IDEncoder interface {
	Encode(sessionID, value string) string
}
