package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/atomix/catalog/internal/logging"
)

// RPC retry tuning, carried over from the teacher's
// internal/raft/server/transport.go constants (broadcast time should stay
// an order of magnitude below the election timeout).
const (
	RPCTimeout       = 50 * time.Millisecond
	MaxVoteRetries   = 3
	MaxAppendRetries = 100
	RetryBackoffBase = 10 * time.Millisecond
	MaxRetryBackoff  = 100 * time.Millisecond
)

// GRPCTransport dials peers by ServerID through the "raft:///<id>" resolver
// (resolver.go) and pools one *grpc.ClientConn per peer, adapted from the
// teacher's Transport (sync.Map-backed connection pool, retry loop with
// capped exponential backoff, peer add/remove on membership changes).
type GRPCTransport struct {
	conns sync.Map // ServerID -> *grpc.ClientConn
	log   *logging.Logger
}

// NewGRPCTransport creates an empty transport; peers are added via AddPeer
// as the configuration is learned (spec.md §4.4 membership).
func NewGRPCTransport() *GRPCTransport {
	return &GRPCTransport{log: logging.New("transport")}
}

func dialOptions() []grpc.DialOption {
	return []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	}
}

// AddPeer registers peerAddr with the resolver and opens a connection.
func (t *GRPCTransport) AddPeer(peerID ServerID, peerAddr ServerAddress) error {
	if _, ok := t.conns.Load(peerID); ok {
		return nil
	}
	RegisterPeer(peerID, peerAddr)
	target := fmt.Sprintf("%s:///%s", Scheme, peerID)
	conn, err := grpc.NewClient(target, dialOptions()...)
	if err != nil {
		return fmt.Errorf("transport: dial %s: %w", peerID, err)
	}
	t.conns.Store(peerID, conn)
	t.log.Printf("added connection for peer %s at %s", peerID, peerAddr)
	return nil
}

// RemovePeer closes and forgets the connection to peerID.
func (t *GRPCTransport) RemovePeer(peerID ServerID) {
	if v, ok := t.conns.LoadAndDelete(peerID); ok {
		if conn, ok := v.(*grpc.ClientConn); ok {
			_ = conn.Close()
			t.log.Printf("closed connection to removed peer %s", peerID)
		}
	}
}

// Close closes every connection this transport holds.
func (t *GRPCTransport) Close() {
	t.conns.Range(func(key, value any) bool {
		if conn, ok := value.(*grpc.ClientConn); ok {
			_ = conn.Close()
		}
		return true
	})
}

func (t *GRPCTransport) conn(peerID ServerID) (*grpc.ClientConn, error) {
	v, ok := t.conns.Load(peerID)
	if !ok {
		return nil, fmt.Errorf("transport: no connection to peer %s", peerID)
	}
	conn, ok := v.(*grpc.ClientConn)
	if !ok {
		return nil, fmt.Errorf("transport: invalid connection type for peer %s: %T", peerID, v)
	}
	return conn, nil
}

// invoke runs a single unary RPC with a per-attempt timeout and capped
// exponential backoff across attempts, mirroring the teacher's RequestVote/
// AppendEntries retry loops.
func invoke[Req, Resp any](ctx context.Context, t *GRPCTransport, peerID ServerID, method string, req *Req, maxAttempts int) (*Resp, error) {
	conn, err := t.conn(peerID)
	if err != nil {
		return nil, err
	}

	fullMethod := fmt.Sprintf("/%s/%s", methodService(method), method)
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		rpcCtx, cancel := context.WithTimeout(ctx, RPCTimeout)
		resp := new(Resp)
		lastErr = conn.Invoke(rpcCtx, fullMethod, req, resp)
		cancel()
		if lastErr == nil {
			return resp, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("transport: %s to %s cancelled: %w", method, peerID, ctx.Err())
		default:
		}

		if attempt < maxAttempts-1 {
			backoff := RetryBackoffBase
			for i := 0; i < attempt && backoff < MaxRetryBackoff; i++ {
				backoff *= 2
			}
			if backoff > MaxRetryBackoff {
				backoff = MaxRetryBackoff
			}
			time.Sleep(backoff)
		}
	}
	return nil, fmt.Errorf("transport: %s to %s failed after %d attempts: %w", method, peerID, maxAttempts, lastErr)
}

// methodService maps a bare method name to its owning service name so
// invoke can build a full gRPC method path without a generated client
// stub. Peer RPCs and client RPCs never share a method name, so this stays
// a flat lookup.
func methodService(method string) string {
	switch method {
	case "Register", "Connect", "KeepAlive", "Unregister", "Command", "Query", "Subscribe":
		return ClientServiceName
	default:
		return PeerServiceName
	}
}

func (t *GRPCTransport) RequestVote(ctx context.Context, peerID ServerID, req *VoteRequest) (*VoteResponse, error) {
	return invoke[VoteRequest, VoteResponse](ctx, t, peerID, "RequestVote", req, MaxVoteRetries)
}

func (t *GRPCTransport) Poll(ctx context.Context, peerID ServerID, req *PollRequest) (*PollResponse, error) {
	return invoke[PollRequest, PollResponse](ctx, t, peerID, "Poll", req, MaxVoteRetries)
}

func (t *GRPCTransport) AppendEntries(ctx context.Context, peerID ServerID, req *AppendRequest) (*AppendResponse, error) {
	return invoke[AppendRequest, AppendResponse](ctx, t, peerID, "AppendEntries", req, MaxAppendRetries)
}

func (t *GRPCTransport) InstallSnapshot(ctx context.Context, peerID ServerID, req *InstallRequest) (*InstallResponse, error) {
	return invoke[InstallRequest, InstallResponse](ctx, t, peerID, "InstallSnapshot", req, MaxAppendRetries)
}

func (t *GRPCTransport) Configure(ctx context.Context, peerID ServerID, req *ConfigureRequest) (*ConfigureResponse, error) {
	return invoke[ConfigureRequest, ConfigureResponse](ctx, t, peerID, "Configure", req, MaxVoteRetries)
}

func (t *GRPCTransport) Heartbeat(ctx context.Context, peerID ServerID, req *HeartbeatRequest) (*HeartbeatResponse, error) {
	return invoke[HeartbeatRequest, HeartbeatResponse](ctx, t, peerID, "Heartbeat", req, MaxVoteRetries)
}

func (t *GRPCTransport) Join(ctx context.Context, peerID ServerID, req *JoinRequest) (*JoinResponse, error) {
	return invoke[JoinRequest, JoinResponse](ctx, t, peerID, "Join", req, MaxVoteRetries)
}

func (t *GRPCTransport) Leave(ctx context.Context, peerID ServerID, req *LeaveRequest) (*LeaveResponse, error) {
	return invoke[LeaveRequest, LeaveResponse](ctx, t, peerID, "Leave", req, MaxVoteRetries)
}
