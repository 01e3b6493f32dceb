package api

import (
	"net/http"
	"time"

	"github.com/star/leotrack/internal/httputil"
	"github.com/star/leotrack/internal/timeline"
)

const (
	defaultTimelineSpan = time.Hour
	maxTimelineSpan     = 24 * time.Hour
)

type handlers struct {
	deps Deps
	now  func() time.Time
}

func (h *handlers) index(w http.ResponseWriter, r *http.Request) {
	routes := []string{
		"/healthz",
		"/readyz",
		"/metrics",
		"/api/v1/serving/latest",
		"/api/v1/serving/timeline",
		"/api/v1/catalog/metadata",
	}
	if h.deps.Stream != nil {
		routes = append(routes, "/api/v1/stream/serving")
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"service": "leotrack", "routes": routes})
}

type latestResponse struct {
	timeline.Entry
	AgeSeconds int64 `json:"age_seconds"`
}

// GET /api/v1/serving/latest
func (h *handlers) latest(w http.ResponseWriter, r *http.Request) {
	e, ok := h.deps.Timeline.Latest()
	if !ok {
		httputil.WriteError(w, http.StatusNotFound, "no serving satellite estimated yet")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, latestResponse{
		Entry:      e,
		AgeSeconds: int64(h.now().Sub(e.Timestamp).Seconds()),
	})
}

type timelineResponse struct {
	Start   time.Time        `json:"start"`
	End     time.Time        `json:"end"`
	Count   int              `json:"count"`
	Entries []timeline.Entry `json:"entries"`
}

// GET /api/v1/serving/timeline?start=RFC3339&end=RFC3339
// Defaults to the hour before end, and end to now.
func (h *handlers) timeline(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	end := h.now().UTC()
	if v := q.Get("end"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			httputil.WriteError(w, http.StatusBadRequest, "invalid end parameter, must be RFC3339")
			return
		}
		end = t.UTC()
	}
	start := end.Add(-defaultTimelineSpan)
	if v := q.Get("start"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			httputil.WriteError(w, http.StatusBadRequest, "invalid start parameter, must be RFC3339")
			return
		}
		start = t.UTC()
	}

	if !start.Before(end) {
		httputil.WriteError(w, http.StatusBadRequest, "start must be before end")
		return
	}
	if end.Sub(start) > maxTimelineSpan {
		httputil.WriteJSON(w, http.StatusBadRequest, map[string]any{
			"error":            "requested span too large",
			"max_span_seconds": int(maxTimelineSpan.Seconds()),
		})
		return
	}

	entries := h.deps.Timeline.Range(start, end)
	if entries == nil {
		entries = []timeline.Entry{}
	}
	httputil.WriteJSON(w, http.StatusOK, timelineResponse{
		Start:   start,
		End:     end,
		Count:   len(entries),
		Entries: entries,
	})
}

type catalogMetadata struct {
	Source     string    `json:"source"`
	FetchedAt  time.Time `json:"fetched_at"`
	AgeSeconds int64     `json:"age_seconds"`
	Satellites int       `json:"satellites"`
	EpochMin   time.Time `json:"epoch_min"`
	EpochMax   time.Time `json:"epoch_max"`
}

// GET /api/v1/catalog/metadata
func (h *handlers) catalogMetadata(w http.ResponseWriter, r *http.Request) {
	c := h.deps.Catalog.Get()
	if c == nil {
		httputil.WriteError(w, http.StatusServiceUnavailable, "no catalog loaded")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, catalogMetadata{
		Source:     c.Source,
		FetchedAt:  c.FetchedAt.UTC(),
		AgeSeconds: int64(h.now().Sub(c.FetchedAt).Seconds()),
		Satellites: c.Len(),
		EpochMin:   c.EpochRange.Min.UTC(),
		EpochMax:   c.EpochRange.Max.UTC(),
	})
}
