package session

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"

	"github.com/atomix/catalog/internal/log"
	"github.com/atomix/catalog/internal/logging"
	"github.com/atomix/catalog/internal/meta"
	"github.com/atomix/catalog/internal/pubsub"
	"github.com/atomix/catalog/internal/raft"
	"github.com/atomix/catalog/internal/snapshot"
	"github.com/atomix/catalog/internal/statemachine"
	"github.com/atomix/catalog/internal/transport"
)

// newTestNode brings up a single-member raft cluster with a Manager wired
// as its SessionHandler and ClientHandler, mirroring internal/raft's own
// raft_test.go helper (this package can't reuse that one directly: it
// needs a real *raft.Server, not the raft package's unexported testNode).
func newTestNode(t *testing.T) (*raft.Server, *Manager) {
	t.Helper()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	id := transport.ServerID("solo")
	addr := transport.ServerAddress(lis.Addr().String())

	logs, err := log.Open(t.TempDir(), 4096, 32<<20)
	require.NoError(t, err)
	ms := meta.OpenMemory()
	snapStore, err := snapshot.Open(t.TempDir() + "/snap.db")
	require.NoError(t, err)
	kv := statemachine.NewKV(string(id))
	exec := statemachine.NewExecutor(kv, logging.NewSilent())
	go exec.Run()
	tr := transport.NewGRPCTransport()
	bus := pubsub.New()

	cfg := raft.DefaultConfig(id, addr, addr)
	cfg.Bootstrap = []log.Member{{ID: string(id), Type: log.MemberActive, ServerAddress: string(addr)}}

	srv, err := raft.New(cfg, ms, logs, snapStore, exec, tr, bus)
	require.NoError(t, err)

	mgr := NewManager(srv, exec, logging.NewSilent())
	srv.SetSessionHandler(mgr)

	grpcSrv := grpc.NewServer()
	transport.RegisterPeerService(grpcSrv, srv)
	transport.RegisterClientService(grpcSrv, mgr)
	go func() { _ = grpcSrv.Serve(lis) }()

	srv.Start()
	require.Eventually(t, func() bool { return srv.Role() == raft.RoleLeader }, 2*time.Second, 10*time.Millisecond)

	t.Cleanup(func() {
		srv.Close()
		grpcSrv.Stop()
		exec.Close()
	})

	return srv, mgr
}

func TestRegisterAssignsSessionID(t *testing.T) {
	_, mgr := newTestNode(t)

	resp, err := mgr.Register(context.Background(), &transport.RegisterRequest{ClientID: "client-x", TimeoutMs: 5000})
	require.NoError(t, err)
	require.Equal(t, transport.StatusOK, resp.Status)
	require.Equal(t, uint64(3), resp.SessionID)
	require.Equal(t, uint64(5000), resp.TimeoutMs)
	require.Len(t, resp.Members, 1)
}

func TestCommandDuplicateSuppressionServesCachedResponse(t *testing.T) {
	_, mgr := newTestNode(t)

	reg, err := mgr.Register(context.Background(), &transport.RegisterRequest{ClientID: "c1", TimeoutMs: 5000})
	require.NoError(t, err)

	resp1, err := mgr.Command(context.Background(), &transport.CommandRequest{
		SessionID: reg.SessionID, Sequence: 1, Payload: []byte("SET k v"),
	})
	require.NoError(t, err)
	require.Equal(t, transport.StatusOK, resp1.Status)

	resp2, err := mgr.Command(context.Background(), &transport.CommandRequest{
		SessionID: reg.SessionID, Sequence: 1, Payload: []byte("SET k v"),
	})
	require.NoError(t, err)
	require.Equal(t, transport.StatusOK, resp2.Status)
	require.Equal(t, resp1.Result, resp2.Result)
}

func TestOutOfOrderCommandAppliesOnceGapFills(t *testing.T) {
	_, mgr := newTestNode(t)

	reg, err := mgr.Register(context.Background(), &transport.RegisterRequest{ClientID: "c1", TimeoutMs: 5000})
	require.NoError(t, err)

	done := make(chan *transport.CommandResponse, 1)
	go func() {
		resp, _ := mgr.Command(context.Background(), &transport.CommandRequest{
			SessionID: reg.SessionID, Sequence: 2, Payload: []byte("SET k v2"),
		})
		done <- resp
	}()

	require.Never(t, func() bool {
		select {
		case <-done:
			return true
		default:
			return false
		}
	}, 200*time.Millisecond, 20*time.Millisecond)

	resp1, err := mgr.Command(context.Background(), &transport.CommandRequest{
		SessionID: reg.SessionID, Sequence: 1, Payload: []byte("SET k v1"),
	})
	require.NoError(t, err)
	require.Equal(t, transport.StatusOK, resp1.Status)

	resp2 := <-done
	require.NotNil(t, resp2)
	require.Equal(t, transport.StatusOK, resp2.Status)
}

func TestKeepAliveTrimsResponseCache(t *testing.T) {
	_, mgr := newTestNode(t)

	reg, err := mgr.Register(context.Background(), &transport.RegisterRequest{ClientID: "c1", TimeoutMs: 5000})
	require.NoError(t, err)

	_, err = mgr.Command(context.Background(), &transport.CommandRequest{SessionID: reg.SessionID, Sequence: 1, Payload: []byte("SET k v")})
	require.NoError(t, err)

	ka, err := mgr.KeepAlive(context.Background(), &transport.KeepAliveRequest{SessionID: reg.SessionID, CommandSeqAck: 1})
	require.NoError(t, err)
	require.Equal(t, transport.StatusOK, ka.Status)

	mgr.mu.Lock()
	_, cached := mgr.sessions[reg.SessionID].responses[1]
	mgr.mu.Unlock()
	require.False(t, cached)
}

func TestSessionExpiresAfterTimeout(t *testing.T) {
	_, mgr := newTestNode(t)

	clock := int64(1000)
	old := wallClock
	wallClock = func() int64 { return clock }
	t.Cleanup(func() { wallClock = old })

	reg, err := mgr.Register(context.Background(), &transport.RegisterRequest{ClientID: "c1", TimeoutMs: 100})
	require.NoError(t, err)

	clock += 1000
	_, err = mgr.Command(context.Background(), &transport.CommandRequest{SessionID: reg.SessionID, Sequence: 1, Payload: []byte("GET k")})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mgr.mu.Lock()
		defer mgr.mu.Unlock()
		return mgr.sessions[reg.SessionID].closed
	}, 2*time.Second, 10*time.Millisecond)

	_, err = mgr.Command(context.Background(), &transport.CommandRequest{SessionID: reg.SessionID, Sequence: 2, Payload: []byte("GET k")})
	require.NoError(t, err)
}
