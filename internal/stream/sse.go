// Package stream implements Server-Sent Events (SSE) streaming of serving
// satellite updates. Clients connect via GET /api/v1/stream/serving and
// receive one message per estimated timeslot.
//
// SSE message format:
//
//	id: 1772359241\ndata: {"type":"serving_update","latest":{...},"entries":[...]}\n\n
//
// The first messages on every connection are the catalog metadata and, when
// one exists, the current serving satellite:
//
//	data: {"type":"metadata","catalog_fetched_at":"...","catalog_age_seconds":1800,"satellites":6000}\n\n
//	id: 1772359226\ndata: {"type":"latest","latest":{...}}\n\n
//
// Messages carrying timeline data have the Unix second of their latest entry
// as event id. A client reconnecting with Last-Event-ID first receives a
// "backfill" message with the entries it missed.
//
// Keep-alive comments (:\n\n) are sent every KeepaliveInterval without
// updates.
package stream

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/star/leotrack/internal/httputil"
	"github.com/star/leotrack/internal/metrics"
	"github.com/star/leotrack/internal/timeline"
	"github.com/star/leotrack/internal/tle"
)

type Config struct {
	MaxConcurrentPerIP int           // Max concurrent streams per IP (default: 10).
	MaxTotal           int           // Max concurrent streams overall (default: 256).
	KeepaliveInterval  time.Duration // Keep-alive ping interval (default: 30s).
	TrustProxy         bool          // Take the client IP from proxy headers.
}

// Subscriber delivers timeline updates.
type Subscriber interface {
	Subscribe() (<-chan timeline.Update, func())
}

// Reader gives access to the serving-satellite timeline.
type Reader interface {
	Latest() (timeline.Entry, bool)
	Range(start, end time.Time) []timeline.Entry
}

// Handler manages SSE streaming connections.
type Handler struct {
	updates Subscriber
	reader  Reader
	store   *tle.Store
	config  Config
	limiter *streamLimiter
	logger  *slog.Logger
}

func NewHandler(updates Subscriber, reader Reader, store *tle.Store, config Config, logger *slog.Logger) *Handler {
	if config.MaxConcurrentPerIP < 1 {
		config.MaxConcurrentPerIP = 10
	}
	if config.MaxTotal < 1 {
		config.MaxTotal = 256
	}
	if config.KeepaliveInterval <= 0 {
		config.KeepaliveInterval = 30 * time.Second
	}
	return &Handler{
		updates: updates,
		reader:  reader,
		store:   store,
		config:  config,
		limiter: newStreamLimiter(config.MaxConcurrentPerIP, config.MaxTotal),
		logger:  logger.With("component", "stream"),
	}
}

// streamRequest holds the parsed query and resume position of a request.
type streamRequest struct {
	withEntries bool
	since       time.Time // zero unless resuming
}

func parseStreamRequest(r *http.Request) (streamRequest, error) {
	req := streamRequest{withEntries: true}
	if v := r.URL.Query().Get("entries"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return req, errors.New("invalid entries parameter, must be a boolean")
		}
		req.withEntries = b
	}
	if v := r.Header.Get("Last-Event-ID"); v != "" {
		sec, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return req, errors.New("invalid Last-Event-ID")
		}
		req.since = time.Unix(sec+1, 0).UTC()
	}
	return req, nil
}

// HandleServing serves the SSE serving-satellite stream.
//
// GET /api/v1/stream/serving?entries=true
func (h *Handler) HandleServing(w http.ResponseWriter, r *http.Request) {
	req, err := parseStreamRequest(r)
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	ip := httputil.ClientIP(r, h.config.TrustProxy)
	release, ok := h.limiter.acquire(ip)
	if !ok {
		metrics.IncStreamErrors("rate_limit")
		h.logger.Warn("stream limit reached",
			"client_ip", ip,
			"ip_streams", h.limiter.count(ip),
			"total_streams", h.limiter.active(),
		)
		w.Header().Set("Retry-After", "30")
		httputil.WriteError(w, http.StatusTooManyRequests, "too many concurrent streams")
		return
	}
	defer h.track(ip, r.UserAgent())()
	defer release()

	// Subscribe before the first write so nothing published between the
	// initial snapshot and the loop is missed.
	updates, unsubscribe := h.updates.Subscribe()
	defer unsubscribe()

	c, err := h.open(w, ip)
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := h.sendInitial(c, req.since); err != nil {
		h.sendFailed(ip, "initial", err)
		return
	}

	keepalive := time.NewTicker(h.config.KeepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case u, ok := <-updates:
			if !ok {
				return
			}
			msg := updateMessage{Type: "serving_update", Latest: u.Latest}
			if req.withEntries {
				msg.Entries = u.Entries
			}
			if err := c.send(eventID(u.Latest), msg); err != nil {
				h.sendFailed(ip, "update", err)
				return
			}
			keepalive.Reset(h.config.KeepaliveInterval)

		case <-keepalive.C:
			if err := c.sendKeepalive(); err != nil {
				h.sendFailed(ip, "keepalive", err)
				return
			}
		}
	}
}

// track records a connection and returns the function recording its end.
func (h *Handler) track(ip, userAgent string) func() {
	metrics.IncStreamConnections("connect")
	metrics.IncStreamsActive()
	began := time.Now()
	h.logger.Info("stream connected", "client_ip", ip, "user_agent", userAgent)

	return func() {
		metrics.IncStreamConnections("disconnect")
		metrics.DecStreamsActive()
		h.logger.Info("stream disconnected",
			"client_ip", ip,
			"duration_seconds", int(time.Since(began).Seconds()),
		)
	}
}

// open writes the event-stream headers and the retry hint, and lifts the
// server's write timeout for this connection.
func (h *Handler) open(w http.ResponseWriter, ip string) (*client, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("streaming not supported")
	}

	hdr := w.Header()
	hdr.Set("Content-Type", "text/event-stream")
	hdr.Set("Cache-Control", "no-cache")
	hdr.Set("Connection", "keep-alive")
	hdr.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		h.logger.Debug("could not clear write deadline", "error", err)
	}

	// Jittered 3-7s retry spreads reconnects after a restart.
	fmt.Fprintf(w, "retry: %d\n\n", 3000+rand.Intn(4000))
	flusher.Flush()

	return &client{w: w, flusher: flusher, rc: rc, ip: ip, logger: h.logger}, nil
}

// sendInitial writes catalog metadata, then either the entries missed since
// a resume point or the latest entry.
func (h *Handler) sendInitial(c *client, since time.Time) error {
	if cat := h.store.Get(); cat != nil {
		if err := c.send("", newMetadataMessage(cat, time.Now())); err != nil {
			return err
		}
	}

	latest, ok := h.reader.Latest()
	if !ok {
		return nil
	}
	if since.IsZero() {
		return c.send(eventID(latest), latestMessage{Type: "latest", Latest: latest})
	}
	missed := h.reader.Range(since, latest.Timestamp.Add(time.Second))
	if len(missed) == 0 {
		return nil
	}
	return c.send(eventID(latest), backfillMessage{Type: "backfill", Entries: missed})
}

func (h *Handler) sendFailed(ip, message string, err error) {
	metrics.IncStreamErrors("send_error")
	h.logger.Warn("stream send failed", "client_ip", ip, "message", message, "error", err)
}

func eventID(e timeline.Entry) string {
	return strconv.FormatInt(e.Timestamp.Unix(), 10)
}

func newMetadataMessage(cat *tle.Catalog, now time.Time) metadataMessage {
	return metadataMessage{
		Type:             "metadata",
		CatalogFetchedAt: cat.FetchedAt.UTC().Format(time.RFC3339),
		CatalogAge:       int(now.Sub(cat.FetchedAt).Seconds()),
		Satellites:       cat.Len(),
	}
}

// SSE message payload types.

type metadataMessage struct {
	Type             string `json:"type"`
	CatalogFetchedAt string `json:"catalog_fetched_at"`
	CatalogAge       int    `json:"catalog_age_seconds"`
	Satellites       int    `json:"satellites"`
}

type latestMessage struct {
	Type   string         `json:"type"`
	Latest timeline.Entry `json:"latest"`
}

type backfillMessage struct {
	Type    string           `json:"type"`
	Entries []timeline.Entry `json:"entries"`
}

type updateMessage struct {
	Type    string           `json:"type"`
	Latest  timeline.Entry   `json:"latest"`
	Entries []timeline.Entry `json:"entries,omitempty"`
}
