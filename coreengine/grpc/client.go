package grpc

import (
	"context"
	"fmt"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/jeeves-cluster-organization/actorkernel/coreengine/kernel"
	"github.com/jeeves-cluster-organization/actorkernel/coreengine/typeutil"
)

// Client calls a remote Runtime service.
type Client struct {
	conn *grpc.ClientConn
	own  bool
}

// Dial connects to target with client-side tracing. Transport credentials
// must be supplied in opts.
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithStatsHandler(otelgrpc.NewClientHandler())}, opts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create client for %s: %w", target, err)
	}
	return &Client{conn: conn, own: true}, nil
}

// NewClient wraps an existing connection. Close leaves it open.
func NewClient(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn}
}

// Close closes the connection if Dial created it.
func (c *Client) Close() error {
	if !c.own {
		return nil
	}
	return c.conn.Close()
}

// Call invokes a unary method by name.
func (c *Client) Call(ctx context.Context, method string, args map[string]any) (map[string]any, error) {
	req, err := typeutil.MapToStruct(args)
	if err != nil {
		return nil, err
	}
	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, req, resp); err != nil {
		return nil, err
	}
	return typeutil.StructToMap(resp), nil
}

// LoadUnit assembles and registers source under id.
func (c *Client) LoadUnit(ctx context.Context, id, source string) error {
	_, err := c.Call(ctx, "LoadUnit", map[string]any{"id": id, "source": source})
	return err
}

// Spawn starts unit. opts uses the Spawn request fields, such as priority,
// tier or quota.
func (c *Client) Spawn(ctx context.Context, unit string, opts map[string]any) (kernel.PID, error) {
	args := map[string]any{"unit": unit}
	for k, v := range opts {
		args[k] = v
	}
	resp, err := c.Call(ctx, "Spawn", args)
	if err != nil {
		return kernel.NoPID, err
	}
	return pidFromResponse(resp)
}

// SendValue sends an integer message. A zero from sends anonymously.
func (c *Client) SendValue(ctx context.Context, from, to kernel.PID, value int64) error {
	args := map[string]any{"to": uint64(to), "value": value}
	if from != kernel.NoPID {
		args["from"] = uint64(from)
	}
	_, err := c.Call(ctx, "Send", args)
	return err
}

// Status returns the process status as reported by the server.
func (c *Client) Status(ctx context.Context, pid kernel.PID) (map[string]any, error) {
	return c.Call(ctx, "Status", map[string]any{"pid": uint64(pid)})
}

// Hibernate parks pid on the server.
func (c *Client) Hibernate(ctx context.Context, pid kernel.PID) error {
	_, err := c.Call(ctx, "Hibernate", map[string]any{"pid": uint64(pid)})
	return err
}

// =============================================================================
// ATTACH
// =============================================================================

// Attachment is a remote port: messages sent to PID arrive through Recv.
type Attachment struct {
	PID    kernel.PID
	stream grpc.ClientStream
}

// Attach opens a remote port. Cancel ctx to close it.
func (c *Client) Attach(ctx context.Context, args map[string]any) (*Attachment, error) {
	stream, first, err := c.openStream(ctx, 0, args)
	if err != nil {
		return nil, err
	}
	a := &Attachment{stream: stream}
	if a.PID, err = pidFromResponse(first); err != nil {
		return nil, err
	}
	return a, nil
}

// openStream starts the server stream at index i of RuntimeServiceDesc,
// sends args and returns the stream with its first message.
func (c *Client) openStream(ctx context.Context, i int, args map[string]any) (grpc.ClientStream, map[string]any, error) {
	desc := &RuntimeServiceDesc.Streams[i]
	stream, err := c.conn.NewStream(ctx, desc, "/"+ServiceName+"/"+desc.StreamName)
	if err != nil {
		return nil, nil, err
	}
	req, err := typeutil.MapToStruct(args)
	if err != nil {
		return nil, nil, err
	}
	if err := stream.SendMsg(req); err != nil {
		return nil, nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, nil, err
	}
	first := new(structpb.Struct)
	if err := stream.RecvMsg(first); err != nil {
		return nil, nil, err
	}
	return stream, typeutil.StructToMap(first), nil
}

// Recv blocks for the next message delivered to the port.
func (a *Attachment) Recv() (map[string]any, error) {
	msg := new(structpb.Struct)
	if err := a.stream.RecvMsg(msg); err != nil {
		return nil, err
	}
	return typeutil.StructToMap(msg), nil
}

// =============================================================================
// WATCH EVENTS
// =============================================================================

// EventStream delivers kernel events from WatchEvents.
type EventStream struct {
	stream grpc.ClientStream
}

// WatchEvents subscribes to the given event types, or to all of them when
// none are named. It returns once the server has registered the
// subscription. Cancel ctx to end it.
func (c *Client) WatchEvents(ctx context.Context, types ...string) (*EventStream, error) {
	list := make([]any, len(types))
	for i, t := range types {
		list[i] = t
	}
	stream, _, err := c.openStream(ctx, 1, map[string]any{"types": list})
	if err != nil {
		return nil, err
	}
	return &EventStream{stream: stream}, nil
}

// Recv blocks for the next event.
func (e *EventStream) Recv() (map[string]any, error) {
	msg := new(structpb.Struct)
	if err := e.stream.RecvMsg(msg); err != nil {
		return nil, err
	}
	return typeutil.StructToMap(msg), nil
}

func pidFromResponse(resp map[string]any) (kernel.PID, error) {
	n, ok := typeutil.SafeUint64(resp["pid"])
	if !ok || n == 0 {
		return kernel.NoPID, fmt.Errorf("response carries no pid: %v", resp["pid"])
	}
	return kernel.PID(n), nil
}
