package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-frontier/internal/bulkwrite"
	"github.com/JakeFAU/crawl-frontier/internal/docstore"
	"github.com/JakeFAU/crawl-frontier/internal/frontier"
	"github.com/JakeFAU/crawl-frontier/internal/urlfilter"
)

const maxPollBatch = 100

type urlsRequest struct {
	URLs []string `json:"urls"`
}

type linkRequest struct {
	URL       string `json:"url"`
	ParentURL string `json:"parent_url,omitempty"`
	Method    string `json:"method,omitempty"`
	Depth     int    `json:"depth"`
}

type offerRequest struct {
	Entries []linkRequest `json:"entries"`
}

type pollRequest struct {
	Max int `json:"max"`
}

type visitedRequest struct {
	URL string `json:"url"`
}

type migrateRequest struct {
	To string `json:"to"`
}

type reseedRequest struct {
	From string `json:"from"`
}

type filtersRequest struct {
	Include []string `json:"include"`
	Exclude []string `json:"exclude"`
}

type payloadRequest struct {
	TransformerName string `json:"transformer_name"`
	Data            []byte `json:"data"`
	Encoding        string `json:"encoding"`
}

type resultRequest struct {
	URL            string          `json:"url"`
	ParentURL      string          `json:"parent_url"`
	RuleID         string          `json:"rule_id"`
	Status         int             `json:"status"`
	HTTPStatusCode int             `json:"http_status_code"`
	Method         string          `json:"method"`
	MimeType       string          `json:"mime_type"`
	ContentLength  int64           `json:"content_length"`
	ExecutionTime  int64           `json:"execution_time"`
	LastModified   *time.Time      `json:"last_modified"`
	Payload        *payloadRequest `json:"payload"`
}

type entryResponse struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	URL        string    `json:"url"`
	ParentURL  string    `json:"parent_url,omitempty"`
	Method     string    `json:"method"`
	Depth      int       `json:"depth"`
	CreateTime time.Time `json:"create_time"`
}

func toEntryResponse(e frontier.Entry) entryResponse {
	return entryResponse{
		ID:         e.ID,
		SessionID:  e.SessionID,
		URL:        e.URL,
		ParentURL:  e.ParentURL,
		Method:     e.Method,
		Depth:      e.Depth,
		CreateTime: e.CreateTime,
	}
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return false
	}
	return true
}

// fail maps service errors onto HTTP statuses.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, frontier.ErrInvalidEntry):
		status = http.StatusBadRequest
	case errors.Is(err, docstore.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	case errors.Is(err, docstore.ErrTransport):
		status = http.StatusServiceUnavailable
	}
	s.logger.Error(op+" failed",
		zap.String("session_id", chi.URLParam(r, "session")),
		zap.String("request_id", RequestID(r.Context())),
		zap.Error(err),
	)
	writeError(w, status, err.Error())
}

func (s *Server) addURLs(w http.ResponseWriter, r *http.Request) {
	session := chi.URLParam(r, "session")
	var req urlsRequest
	if !decode(w, r, &req) {
		return
	}
	if len(req.URLs) == 0 {
		writeError(w, http.StatusBadRequest, "urls required")
		return
	}
	for _, u := range req.URLs {
		if err := s.deps.Frontier.Add(r.Context(), session, u); err != nil {
			s.fail(w, r, "add", err)
			return
		}
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"session_id": session, "count": len(req.URLs)})
}

func (s *Server) offer(w http.ResponseWriter, r *http.Request) {
	session := chi.URLParam(r, "session")
	var req offerRequest
	if !decode(w, r, &req) {
		return
	}
	entries := make([]frontier.Entry, 0, len(req.Entries))
	for _, l := range req.Entries {
		if l.Depth < 0 {
			writeError(w, http.StatusBadRequest, "depth must be >= 0")
			return
		}
		entries = append(entries, frontier.Entry{
			SessionID: session,
			URL:       l.URL,
			ParentURL: l.ParentURL,
			Method:    l.Method,
			Depth:     l.Depth,
		})
	}
	accepted, err := s.deps.Frontier.OfferAll(r.Context(), session, entries)
	if err != nil {
		var partial *bulkwrite.PartialFailure
		if errors.As(err, &partial) {
			writeJSON(w, http.StatusMultiStatus, map[string]any{
				"accepted": accepted,
				"failed":   len(partial.Failed),
				"error":    err.Error(),
			})
			return
		}
		s.fail(w, r, "offer", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"accepted": accepted})
}

func (s *Server) poll(w http.ResponseWriter, r *http.Request) {
	session := chi.URLParam(r, "session")
	req := pollRequest{Max: 1}
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	if req.Max <= 0 {
		req.Max = 1
	}
	if req.Max > maxPollBatch {
		req.Max = maxPollBatch
	}
	out := make([]entryResponse, 0, req.Max)
	for len(out) < req.Max {
		entry, ok, err := s.deps.Frontier.Poll(r.Context(), session)
		if err != nil {
			s.fail(w, r, "poll", err)
			return
		}
		if !ok {
			break
		}
		out = append(out, toEntryResponse(entry))
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": out})
}

func (s *Server) visited(w http.ResponseWriter, r *http.Request) {
	session := chi.URLParam(r, "session")
	var req visitedRequest
	if !decode(w, r, &req) {
		return
	}
	seen, err := s.deps.Frontier.Visited(r.Context(), frontier.Entry{SessionID: session, URL: req.URL})
	if err != nil {
		s.fail(w, r, "visited", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"url": req.URL, "visited": seen})
}

type statsResponse struct {
	frontier.Stats
	Results int64 `json:"results"`
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	session := chi.URLParam(r, "session")
	st, err := s.deps.Frontier.Stats(r.Context(), session)
	if err != nil {
		s.fail(w, r, "stats", err)
		return
	}
	resp := statsResponse{Stats: st}
	if s.deps.Results != nil {
		n, err := s.deps.Results.Count(r.Context(), session)
		if err != nil {
			s.fail(w, r, "stats", err)
			return
		}
		resp.Results = n
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) migrate(w http.ResponseWriter, r *http.Request) {
	session := chi.URLParam(r, "session")
	var req migrateRequest
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.To) == "" {
		writeError(w, http.StatusBadRequest, "to required")
		return
	}
	if err := s.deps.Frontier.UpdateSessionID(r.Context(), session, req.To); err != nil {
		s.fail(w, r, "migrate", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"from": session, "to": req.To})
}

func (s *Server) reseed(w http.ResponseWriter, r *http.Request) {
	session := chi.URLParam(r, "session")
	var req reseedRequest
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.From) == "" {
		writeError(w, http.StatusBadRequest, "from required")
		return
	}
	n, err := s.deps.Frontier.GenerateURLQueues(r.Context(), req.From, session)
	if err != nil {
		s.fail(w, r, "reseed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"from": req.From, "session_id": session, "queued": n})
}

func (s *Server) addFilters(w http.ResponseWriter, r *http.Request) {
	if s.deps.Filters == nil {
		writeError(w, http.StatusNotImplemented, "url filters are not configured")
		return
	}
	session := chi.URLParam(r, "session")
	var req filtersRequest
	if !decode(w, r, &req) {
		return
	}
	if len(req.Include)+len(req.Exclude) == 0 {
		writeError(w, http.StatusBadRequest, "include or exclude required")
		return
	}
	if err := s.deps.Filters.AddInclude(r.Context(), session, req.Include...); err != nil {
		s.filterError(w, r, err)
		return
	}
	if err := s.deps.Filters.AddExclude(r.Context(), session, req.Exclude...); err != nil {
		s.filterError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"include": len(req.Include), "exclude": len(req.Exclude)})
}

func (s *Server) filterError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, urlfilter.ErrInvalidPattern) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.fail(w, r, "filters", err)
}

func (s *Server) storeResult(w http.ResponseWriter, r *http.Request) {
	if s.deps.Results == nil {
		writeError(w, http.StatusNotImplemented, "results are not configured")
		return
	}
	session := chi.URLParam(r, "session")
	var req resultRequest
	if !decode(w, r, &req) {
		return
	}
	rec := frontier.AccessRecord{
		SessionID:      session,
		URL:            req.URL,
		ParentURL:      req.ParentURL,
		RuleID:         req.RuleID,
		Status:         req.Status,
		HTTPStatusCode: req.HTTPStatusCode,
		Method:         req.Method,
		MimeType:       req.MimeType,
		ContentLength:  req.ContentLength,
		ExecutionTime:  req.ExecutionTime,
	}
	if req.LastModified != nil {
		rec.LastModified = req.LastModified.UTC()
	}
	if req.Payload != nil {
		rec.Payload = &frontier.AccessPayload{
			TransformerName: req.Payload.TransformerName,
			Data:            req.Payload.Data,
			Encoding:        req.Payload.Encoding,
		}
	}
	stored, err := s.deps.Results.Store(r.Context(), rec)
	if err != nil {
		s.fail(w, r, "store result", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": stored.ID})
}

func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	session := chi.URLParam(r, "session")
	queued, err := s.deps.Frontier.DeleteSession(r.Context(), session)
	if err != nil {
		s.fail(w, r, "delete session", err)
		return
	}
	resp := map[string]int64{"queue": queued}
	if s.deps.Results != nil {
		n, err := s.deps.Results.DeleteSession(r.Context(), session)
		if err != nil {
			s.fail(w, r, "delete session", err)
			return
		}
		resp["results"] = n
	}
	if s.deps.Filters != nil {
		n, err := s.deps.Filters.DeleteSession(r.Context(), session)
		if err != nil {
			s.fail(w, r, "delete session", err)
			return
		}
		resp["filters"] = n
	}
	writeJSON(w, http.StatusOK, resp)
}
