package grpc

import (
	"context"
	"fmt"
	"sync/atomic"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/jeeves-cluster-organization/actorkernel/commbus"
	"github.com/jeeves-cluster-organization/actorkernel/coreengine/kernel"
	"github.com/jeeves-cluster-organization/actorkernel/coreengine/observability"
	"github.com/jeeves-cluster-organization/actorkernel/coreengine/runtime"
	"github.com/jeeves-cluster-organization/actorkernel/coreengine/typeutil"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "actorkernel.v1.Runtime"

// RuntimeService is implemented by servers that can be registered with
// RuntimeServiceDesc.
type RuntimeService interface {
	Runtime() *runtime.Runtime
}

// RuntimeServer serves a Runtime. Every request and response is a
// google.protobuf.Struct; PIDs are decimal strings.
type RuntimeServer struct {
	logger Logger
	rt     *runtime.Runtime
}

// NewRuntimeServer creates a server for rt. A nil logger discards output.
func NewRuntimeServer(logger Logger, rt *runtime.Runtime) *RuntimeServer {
	if logger == nil {
		logger = observability.NewKernelLogger(nil)
	}
	return &RuntimeServer{logger: logger, rt: rt}
}

// Runtime returns the served runtime.
func (s *RuntimeServer) Runtime() *runtime.Runtime { return s.rt }

// Register adds the service to gs.
func (s *RuntimeServer) Register(gs *grpc.Server) {
	gs.RegisterService(&RuntimeServiceDesc, s)
}

// =============================================================================
// SERVICE DESCRIPTOR
// =============================================================================

type unaryFunc func(s *RuntimeServer, ctx context.Context, args map[string]any) (map[string]any, error)

// RuntimeServiceDesc describes the Runtime service.
var RuntimeServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*RuntimeService)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod("LoadUnit", (*RuntimeServer).loadUnit),
		unaryMethod("Spawn", (*RuntimeServer).spawn),
		unaryMethod("Send", (*RuntimeServer).send),
		unaryMethod("Exit", (*RuntimeServer).exit),
		unaryMethod("Link", (*RuntimeServer).link),
		unaryMethod("Unlink", (*RuntimeServer).unlink),
		unaryMethod("Monitor", (*RuntimeServer).monitor),
		unaryMethod("Demonitor", (*RuntimeServer).demonitor),
		unaryMethod("SetTrapExit", (*RuntimeServer).setTrapExit),
		unaryMethod("Status", (*RuntimeServer).status),
		unaryMethod("Hibernate", (*RuntimeServer).hibernate),
		unaryMethod("Wake", (*RuntimeServer).wake),
		unaryMethod("ScheduleWake", (*RuntimeServer).scheduleWake),
		unaryMethod("Metrics", (*RuntimeServer).metrics),
		unaryMethod("SystemStatus", (*RuntimeServer).systemStatus),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Attach",
			Handler:       attachHandler,
			ServerStreams: true,
		},
		{
			StreamName:    "WatchEvents",
			Handler:       watchEventsHandler,
			ServerStreams: true,
		},
	},
	Metadata: "actorkernel/v1/runtime.proto",
}

func unaryMethod(name string, fn unaryFunc) grpc.MethodDesc {
	fullMethod := "/" + ServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			call := func(ctx context.Context, req any) (any, error) {
				return srv.(*RuntimeServer).invoke(ctx, name, fn, req.(*structpb.Struct))
			}
			if interceptor == nil {
				return call(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			return interceptor(ctx, in, info, call)
		},
	}
}

func (s *RuntimeServer) invoke(ctx context.Context, name string, fn unaryFunc, req *structpb.Struct) (*structpb.Struct, error) {
	out, err := fn(s, ctx, typeutil.StructToMap(req))
	if err != nil {
		return nil, toStatus(name, err)
	}
	resp, err := typeutil.MapToStruct(out)
	if err != nil {
		return nil, Internal(name, err)
	}
	return resp, nil
}

// =============================================================================
// UNITS AND PROCESSES
// =============================================================================

func (s *RuntimeServer) loadUnit(_ context.Context, args map[string]any) (map[string]any, error) {
	id, err := requireString(args, "id")
	if err != nil {
		return nil, err
	}
	src, err := requireString(args, "source")
	if err != nil {
		return nil, err
	}
	unit, err := s.rt.LoadUnit(id, src)
	if err != nil {
		return nil, invalid("source", err)
	}
	return map[string]any{"unit": unit.ID, "bytes": len(unit.Code)}, nil
}

func (s *RuntimeServer) spawn(_ context.Context, args map[string]any) (map[string]any, error) {
	unitID, err := requireString(args, "unit")
	if err != nil {
		return nil, err
	}
	opts, err := spawnOptionsFromArgs(args)
	if err != nil {
		return nil, err
	}
	pid, err := s.rt.Spawn(unitID, opts)
	if err != nil {
		return nil, err
	}
	return map[string]any{"pid": pidValue(pid)}, nil
}

func (s *RuntimeServer) send(_ context.Context, args map[string]any) (map[string]any, error) {
	to, err := requirePID(args, "to")
	if err != nil {
		return nil, err
	}
	from, err := optionalPID(args, "from")
	if err != nil {
		return nil, err
	}
	payload, err := payloadFromArgs(args)
	if err != nil {
		return nil, err
	}
	if from == kernel.NoPID {
		err = s.rt.Kernel.Send(to, payload)
	} else {
		err = s.rt.Kernel.SendFrom(from, to, payload)
	}
	if err != nil {
		return nil, err
	}
	return map[string]any{}, nil
}

func (s *RuntimeServer) exit(_ context.Context, args map[string]any) (map[string]any, error) {
	pid, err := requirePID(args, "pid")
	if err != nil {
		return nil, err
	}
	reason := kernel.ExitReason(typeutil.SafeStringDefault(args["reason"], string(kernel.ExitKilled)))
	if err := s.rt.Kernel.Exit(pid, reason); err != nil {
		return nil, err
	}
	return s.stateOf(pid)
}

func (s *RuntimeServer) link(_ context.Context, args map[string]any) (map[string]any, error) {
	return s.pair(args, "a", "b", s.rt.Kernel.Link)
}

func (s *RuntimeServer) unlink(_ context.Context, args map[string]any) (map[string]any, error) {
	return s.pair(args, "a", "b", s.rt.Kernel.Unlink)
}

func (s *RuntimeServer) monitor(_ context.Context, args map[string]any) (map[string]any, error) {
	return s.pair(args, "watcher", "target", s.rt.Kernel.Monitor)
}

func (s *RuntimeServer) demonitor(_ context.Context, args map[string]any) (map[string]any, error) {
	return s.pair(args, "watcher", "target", s.rt.Kernel.Demonitor)
}

func (s *RuntimeServer) pair(args map[string]any, first, second string, op func(a, b kernel.PID) error) (map[string]any, error) {
	a, err := requirePID(args, first)
	if err != nil {
		return nil, err
	}
	b, err := requirePID(args, second)
	if err != nil {
		return nil, err
	}
	if err := op(a, b); err != nil {
		return nil, err
	}
	return map[string]any{}, nil
}

func (s *RuntimeServer) setTrapExit(_ context.Context, args map[string]any) (map[string]any, error) {
	pid, err := requirePID(args, "pid")
	if err != nil {
		return nil, err
	}
	trap, ok := typeutil.SafeBool(args["trap"])
	if !ok {
		return nil, InvalidArgument("trap")
	}
	if err := s.rt.Kernel.SetTrapExit(pid, trap); err != nil {
		return nil, err
	}
	return map[string]any{}, nil
}

func (s *RuntimeServer) status(_ context.Context, args map[string]any) (map[string]any, error) {
	pid, err := requirePID(args, "pid")
	if err != nil {
		return nil, err
	}
	st, err := s.rt.Kernel.Status(pid)
	if err != nil {
		return nil, err
	}
	return statusToMap(st), nil
}

func (s *RuntimeServer) stateOf(pid kernel.PID) (map[string]any, error) {
	st, err := s.rt.Kernel.Status(pid)
	if err != nil {
		return nil, err
	}
	return map[string]any{"pid": pidValue(pid), "status": st.String()}, nil
}

// =============================================================================
// HIBERNATION
// =============================================================================

func (s *RuntimeServer) hibernate(ctx context.Context, args map[string]any) (map[string]any, error) {
	pid, err := requirePID(args, "pid")
	if err != nil {
		return nil, err
	}
	if err := s.rt.Kernel.Hibernate(ctx, pid); err != nil {
		return nil, err
	}
	return s.stateOf(pid)
}

func (s *RuntimeServer) wake(ctx context.Context, args map[string]any) (map[string]any, error) {
	pid, err := requirePID(args, "pid")
	if err != nil {
		return nil, err
	}
	if err := s.rt.Kernel.Wake(ctx, pid); err != nil {
		return nil, err
	}
	return s.stateOf(pid)
}

func (s *RuntimeServer) scheduleWake(_ context.Context, args map[string]any) (map[string]any, error) {
	pid, err := requirePID(args, "pid")
	if err != nil {
		return nil, err
	}
	at, err := wakeTimeFromArgs(args, s.rt.Kernel.Clock().Now())
	if err != nil {
		return nil, err
	}
	if err := s.rt.Kernel.ScheduleWake(pid, at); err != nil {
		return nil, err
	}
	return map[string]any{"pid": pidValue(pid), "at": at}, nil
}

// =============================================================================
// OBSERVABILITY
// =============================================================================

func (s *RuntimeServer) metrics(_ context.Context, _ map[string]any) (map[string]any, error) {
	return map[string]any{"metrics": s.rt.Kernel.MetricsSnapshot()}, nil
}

func (s *RuntimeServer) systemStatus(_ context.Context, _ map[string]any) (map[string]any, error) {
	return systemStatusToMap(s.rt.Kernel.GetSystemStatus()), nil
}

// =============================================================================
// ATTACH
// =============================================================================

func attachHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(*RuntimeServer).attach(typeutil.StructToMap(in), stream)
}

// attach opens a port for the caller. The first message on the stream
// carries the port's pid; every message delivered to the port follows.
// The port closes when the client goes away.
func (s *RuntimeServer) attach(args map[string]any, stream grpc.ServerStream) error {
	opts := kernel.PortOptions{MailboxSize: typeutil.SafeIntDefault(args["mailbox_size"], 0)}
	if t, ok := typeutil.SafeString(args["tier"]); ok {
		tier, err := kernel.ParseSecurityTier(t)
		if err != nil {
			return invalid("tier", err)
		}
		opts.Tier = tier
	}
	port, err := s.rt.Kernel.SpawnPort(opts)
	if err != nil {
		return toStatus("Attach", err)
	}
	defer port.Close()
	s.logger.Debug("port_attached", "pid", uint64(port.PID()))

	if err := s.sendMap(stream, map[string]any{"pid": pidValue(port.PID())}); err != nil {
		return err
	}

	ctx := stream.Context()
	for {
		msg, err := port.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				s.logger.Debug("port_detached", "pid", uint64(port.PID()))
				return nil
			}
			return toStatus("Attach", err)
		}
		if err := s.sendMap(stream, messageToMap(msg)); err != nil {
			return err
		}
	}
}

func (s *RuntimeServer) sendMap(stream grpc.ServerStream, m map[string]any) error {
	out, err := typeutil.MapToStruct(m)
	if err != nil {
		return Internal("Attach", err)
	}
	return stream.SendMsg(out)
}

// =============================================================================
// WATCH EVENTS
// =============================================================================

// defaultWatchBuffer is the per-stream event backlog when the request sets
// none.
const defaultWatchBuffer = 256

func watchEventsHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(*RuntimeServer).watchEvents(typeutil.StructToMap(in), stream)
}

// watchEvents streams kernel events of the requested types, or all of them.
// The first message confirms the subscription.
// Kernel workers never wait on a slow client: when the backlog is full the
// event is dropped and the next delivered event reports the running count.
func (s *RuntimeServer) watchEvents(args map[string]any, stream grpc.ServerStream) error {
	types, _ := typeutil.SafeStringSlice(args["types"])
	if len(types) == 0 {
		types = []string{commbus.AllEvents}
	}
	buffer := typeutil.SafeIntDefault(args["buffer"], defaultWatchBuffer)
	if buffer <= 0 {
		return invalid("buffer", fmt.Errorf("must be positive, got %d", buffer))
	}

	events := make(chan *kernel.KernelEvent, buffer)
	var dropped atomic.Int64
	push := func(_ context.Context, ev *kernel.KernelEvent) error {
		select {
		case events <- ev:
		default:
			dropped.Add(1)
		}
		return nil
	}
	for _, t := range types {
		unsubscribe := s.rt.Events.Subscribe(t, push)
		defer unsubscribe()
	}
	if err := s.sendMap(stream, map[string]any{"watching": types}); err != nil {
		return err
	}
	s.logger.Debug("event_watch_started", "types", types)

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("event_watch_ended", "dropped", dropped.Load())
			return nil
		case ev := <-events:
			m := eventToMap(ev)
			if n := dropped.Load(); n > 0 {
				m["dropped"] = n
			}
			if err := s.sendMap(stream, m); err != nil {
				return err
			}
		}
	}
}
