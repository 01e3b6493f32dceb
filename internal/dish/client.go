package dish

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"

	"github.com/star/leotrack/internal/metrics"
)

const (
	deviceService = "SpaceX.API.Device.Device"
	handleMethod  = "/SpaceX.API.Device.Device/Handle"
)

// Request bodies for the Device/Handle call, in protojson form.
const (
	requestGetStatus      = `{"get_status":{}}`
	requestObstructionMap = `{"dish_get_obstruction_map":{}}`
	requestClearMap       = `{"dish_clear_obstruction_map":{}}`
)

// Client talks to a terminal's gRPC device API. Message types are not
// compiled in; they are resolved from the terminal through server reflection
// on first use and requests are built as dynamic messages.
type Client struct {
	conn    *grpc.ClientConn
	timeout time.Duration
	logger  *slog.Logger

	mu     sync.Mutex
	handle protoreflect.MethodDescriptor
}

// NewClient creates a client for the terminal at addr (host:port). The
// connection is established lazily.
func NewClient(addr string, timeout time.Duration, logger *slog.Logger) (*Client, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("creating dish connection to %s: %w", addr, err)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		conn:    conn,
		timeout: timeout,
		logger:  logger.With("component", "dish"),
	}, nil
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Reset clears the terminal's obstruction map history.
func (c *Client) Reset(ctx context.Context) error {
	_, err := c.call(ctx, "clear_obstruction_map", requestClearMap)
	return err
}

// CurrentFrame returns the terminal's current obstruction map.
func (c *Client) CurrentFrame(ctx context.Context) (Bitmap, error) {
	data, err := c.call(ctx, "get_obstruction_map", requestObstructionMap)
	if err != nil {
		return Bitmap{}, err
	}
	b, _, err := decodeObstructionMap(data)
	return b, err
}

// ReferenceFrame returns the reference frame of the terminal's obstruction map.
func (c *Client) ReferenceFrame(ctx context.Context) (FrameType, error) {
	data, err := c.call(ctx, "get_obstruction_map", requestObstructionMap)
	if err != nil {
		return FrameUnknown, err
	}
	_, ft, err := decodeObstructionMap(data)
	if err != nil {
		return FrameUnknown, err
	}
	return ft, nil
}

// CurrentOrientation returns the terminal's tilt and boresight azimuth.
func (c *Client) CurrentOrientation(ctx context.Context) (Orientation, error) {
	data, err := c.call(ctx, "get_status", requestGetStatus)
	if err != nil {
		return Orientation{}, err
	}
	return decodeOrientation(data)
}

// call invokes Device/Handle with a protojson request body and returns the
// response re-encoded as protojson.
func (c *Client) call(ctx context.Context, name, body string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	data, err := c.invoke(ctx, body)
	metrics.ObserveDishRequest(name, time.Since(start), err)
	if err != nil {
		c.logger.Debug("dish request failed", "request", name, "error", err)
		return nil, fmt.Errorf("dish %s: %w", name, err)
	}
	return data, nil
}

func (c *Client) invoke(ctx context.Context, body string) ([]byte, error) {
	md, err := c.method(ctx)
	if err != nil {
		return nil, err
	}

	req := dynamicpb.NewMessage(md.Input())
	if err := protojson.Unmarshal([]byte(body), req); err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}
	resp := dynamicpb.NewMessage(md.Output())
	if err := c.conn.Invoke(ctx, handleMethod, req, resp); err != nil {
		return nil, err
	}
	return protojson.Marshal(resp)
}

// method resolves the Handle method descriptor, caching it after the first
// successful lookup.
func (c *Client) method(ctx context.Context) (protoreflect.MethodDescriptor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.handle != nil {
		return c.handle, nil
	}

	files, err := resolveSymbol(ctx, c.conn, deviceService)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", deviceService, err)
	}
	d, err := files.FindDescriptorByName(deviceService)
	if err != nil {
		return nil, fmt.Errorf("finding %s: %w", deviceService, err)
	}
	sd, ok := d.(protoreflect.ServiceDescriptor)
	if !ok {
		return nil, fmt.Errorf("%s is not a service", deviceService)
	}
	md := sd.Methods().ByName("Handle")
	if md == nil {
		return nil, fmt.Errorf("%s has no Handle method", deviceService)
	}

	c.logger.Info("resolved dish device API", "service", deviceService, "files", files.NumFiles())
	c.handle = md
	return md, nil
}
