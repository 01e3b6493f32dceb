package stream

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/star/leotrack/internal/metrics"
)

const writeTimeout = 30 * time.Second

// client writes SSE frames to one connection.
type client struct {
	w       http.ResponseWriter
	flusher http.Flusher
	rc      *http.ResponseController
	ip      string
	logger  *slog.Logger

	messagesSent int64
	bytesSent    int64
}

// send writes v as a "data:" message. A non-empty id is sent as the event
// id so reconnecting clients can resume with Last-Event-ID.
func (c *client) send(id string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("json marshal: %w", err)
	}

	var buf bytes.Buffer
	if id != "" {
		fmt.Fprintf(&buf, "id: %s\n", id)
	}
	buf.WriteString("data: ")
	buf.Write(data)
	buf.WriteString("\n\n")

	n, err := c.write(buf.Bytes())
	if err != nil {
		return err
	}
	c.messagesSent++
	metrics.IncStreamMessages()
	metrics.AddStreamBytes(int64(n))
	return nil
}

// sendKeepalive writes an SSE comment line.
func (c *client) sendKeepalive() error {
	n, err := c.write([]byte(":\n\n"))
	if err != nil {
		return fmt.Errorf("keepalive: %w", err)
	}
	metrics.AddStreamBytes(int64(n))
	return nil
}

func (c *client) write(p []byte) (int, error) {
	if err := c.rc.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		c.logger.Debug("could not set write deadline", "error", err)
	}
	n, err := c.w.Write(p)
	if err != nil {
		return n, fmt.Errorf("write: %w", err)
	}
	c.flusher.Flush()
	c.bytesSent += int64(n)
	return n, nil
}
