package transport

import (
	"context"

	"google.golang.org/grpc"
)

// PeerHandler is implemented by raft.Server to serve peer-to-peer RPCs.
// Hand-declared instead of protoc-gen-go-grpc output (see messages.go); the
// method set mirrors spec.md §4.4's Vote/Poll/Append/Install/Configure/
// Heartbeat/Join/Leave wire kinds one-for-one.
type PeerHandler interface {
	RequestVote(ctx context.Context, req *VoteRequest) (*VoteResponse, error)
	Poll(ctx context.Context, req *PollRequest) (*PollResponse, error)
	AppendEntries(ctx context.Context, req *AppendRequest) (*AppendResponse, error)
	InstallSnapshot(ctx context.Context, req *InstallRequest) (*InstallResponse, error)
	Configure(ctx context.Context, req *ConfigureRequest) (*ConfigureResponse, error)
	Heartbeat(ctx context.Context, req *HeartbeatRequest) (*HeartbeatResponse, error)
	Join(ctx context.Context, req *JoinRequest) (*JoinResponse, error)
	Leave(ctx context.Context, req *LeaveRequest) (*LeaveResponse, error)
}

// ClientHandler is implemented by the session layer to serve client-facing
// RPCs (spec.md §3/§4.5's Register/Connect/KeepAlive/Unregister/Command/
// Query/Publish wire kinds).
type ClientHandler interface {
	Register(ctx context.Context, req *RegisterRequest) (*RegisterResponse, error)
	Connect(ctx context.Context, req *ConnectRequest) (*ConnectResponse, error)
	KeepAlive(ctx context.Context, req *KeepAliveRequest) (*KeepAliveResponse, error)
	Unregister(ctx context.Context, req *UnregisterRequest) (*UnregisterResponse, error)
	Command(ctx context.Context, req *CommandRequest) (*CommandResponse, error)
	Query(ctx context.Context, req *QueryRequest) (*QueryResponse, error)
	// Subscribe streams Publish events to a session's current connection
	// until the stream's context is cancelled (client disconnects or
	// reconnects elsewhere); spec.md §4.5's event delivery is naturally a
	// server push, not a request/response pair.
	Subscribe(req *ConnectRequest, stream PublishServer) error
}

// PublishServer is the server-streaming handle Subscribe pushes events on.
type PublishServer interface {
	Send(*PublishRequest) error
	Context() context.Context
}

func unaryHandler[Req, Resp any](call func(any, context.Context, *Req) (*Resp, error)) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		req := new(Req)
		if err := dec(req); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv, ctx, req)
		}
		info := &grpc.UnaryServerInfo{Server: srv}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv, ctx, req.(*Req))
		}
		return interceptor(ctx, req, info, handler)
	}
}

// PeerServiceName and ClientServiceName are the gRPC service names hand-
// registered here in place of a .proto-declared package.service pair.
const (
	PeerServiceName   = "catalog.raft.Peer"
	ClientServiceName = "catalog.raft.Client"
)

// PeerServiceDesc is the hand-authored grpc.ServiceDesc for PeerHandler,
// standing in for protoc-gen-go-grpc's generated _ServiceDesc (see
// DESIGN.md's dependency-substitution entry for why nothing is generated
// here).
var PeerServiceDesc = grpc.ServiceDesc{
	ServiceName: PeerServiceName,
	HandlerType: (*PeerHandler)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "RequestVote", Handler: unaryHandler(func(s any, ctx context.Context, r *VoteRequest) (*VoteResponse, error) {
			return s.(PeerHandler).RequestVote(ctx, r)
		})},
		{MethodName: "Poll", Handler: unaryHandler(func(s any, ctx context.Context, r *PollRequest) (*PollResponse, error) {
			return s.(PeerHandler).Poll(ctx, r)
		})},
		{MethodName: "AppendEntries", Handler: unaryHandler(func(s any, ctx context.Context, r *AppendRequest) (*AppendResponse, error) {
			return s.(PeerHandler).AppendEntries(ctx, r)
		})},
		{MethodName: "InstallSnapshot", Handler: unaryHandler(func(s any, ctx context.Context, r *InstallRequest) (*InstallResponse, error) {
			return s.(PeerHandler).InstallSnapshot(ctx, r)
		})},
		{MethodName: "Configure", Handler: unaryHandler(func(s any, ctx context.Context, r *ConfigureRequest) (*ConfigureResponse, error) {
			return s.(PeerHandler).Configure(ctx, r)
		})},
		{MethodName: "Heartbeat", Handler: unaryHandler(func(s any, ctx context.Context, r *HeartbeatRequest) (*HeartbeatResponse, error) {
			return s.(PeerHandler).Heartbeat(ctx, r)
		})},
		{MethodName: "Join", Handler: unaryHandler(func(s any, ctx context.Context, r *JoinRequest) (*JoinResponse, error) {
			return s.(PeerHandler).Join(ctx, r)
		})},
		{MethodName: "Leave", Handler: unaryHandler(func(s any, ctx context.Context, r *LeaveRequest) (*LeaveResponse, error) {
			return s.(PeerHandler).Leave(ctx, r)
		})},
	},
	Metadata: "internal/transport/service.go",
}

// ClientServiceDesc is the hand-authored grpc.ServiceDesc for ClientHandler.
var ClientServiceDesc = grpc.ServiceDesc{
	ServiceName: ClientServiceName,
	HandlerType: (*ClientHandler)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Register", Handler: unaryHandler(func(s any, ctx context.Context, r *RegisterRequest) (*RegisterResponse, error) {
			return s.(ClientHandler).Register(ctx, r)
		})},
		{MethodName: "Connect", Handler: unaryHandler(func(s any, ctx context.Context, r *ConnectRequest) (*ConnectResponse, error) {
			return s.(ClientHandler).Connect(ctx, r)
		})},
		{MethodName: "KeepAlive", Handler: unaryHandler(func(s any, ctx context.Context, r *KeepAliveRequest) (*KeepAliveResponse, error) {
			return s.(ClientHandler).KeepAlive(ctx, r)
		})},
		{MethodName: "Unregister", Handler: unaryHandler(func(s any, ctx context.Context, r *UnregisterRequest) (*UnregisterResponse, error) {
			return s.(ClientHandler).Unregister(ctx, r)
		})},
		{MethodName: "Command", Handler: unaryHandler(func(s any, ctx context.Context, r *CommandRequest) (*CommandResponse, error) {
			return s.(ClientHandler).Command(ctx, r)
		})},
		{MethodName: "Query", Handler: unaryHandler(func(s any, ctx context.Context, r *QueryRequest) (*QueryResponse, error) {
			return s.(ClientHandler).Query(ctx, r)
		})},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Subscribe",
			ServerStreams: true,
			Handler: func(srv any, stream grpc.ServerStream) error {
				req := new(ConnectRequest)
				if err := stream.RecvMsg(req); err != nil {
					return err
				}
				return srv.(ClientHandler).Subscribe(req, &publishServerStream{stream})
			},
		},
	},
	Metadata: "internal/transport/service.go",
}

type publishServerStream struct {
	grpc.ServerStream
}

func (s *publishServerStream) Send(m *PublishRequest) error {
	return s.ServerStream.SendMsg(m)
}

// RegisterPeerService registers a PeerHandler implementation on srv.
func RegisterPeerService(srv *grpc.Server, handler PeerHandler) {
	srv.RegisterService(&PeerServiceDesc, handler)
}

// RegisterClientService registers a ClientHandler implementation on srv.
func RegisterClientService(srv *grpc.Server, handler ClientHandler) {
	srv.RegisterService(&ClientServiceDesc, handler)
}
