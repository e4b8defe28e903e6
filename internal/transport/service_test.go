package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
)

// fakePeerHandler is a minimal PeerHandler used to exercise the hand-authored
// PeerServiceDesc end to end over a real loopback listener.
type fakePeerHandler struct {
	lastAppend *AppendRequest
}

func (h *fakePeerHandler) RequestVote(_ context.Context, req *VoteRequest) (*VoteResponse, error) {
	return &VoteResponse{Term: req.Term, Granted: req.CandidateID == "n2"}, nil
}

func (h *fakePeerHandler) Poll(_ context.Context, req *PollRequest) (*PollResponse, error) {
	return &PollResponse{Term: req.Term, Granted: true}, nil
}

func (h *fakePeerHandler) AppendEntries(_ context.Context, req *AppendRequest) (*AppendResponse, error) {
	h.lastAppend = req
	return &AppendResponse{Term: req.Term, Success: true, LogIndex: req.PrevLogIndex + uint64(len(req.Entries))}, nil
}

func (h *fakePeerHandler) InstallSnapshot(_ context.Context, req *InstallRequest) (*InstallResponse, error) {
	return &InstallResponse{Term: req.Term, Success: true}, nil
}

func (h *fakePeerHandler) Configure(_ context.Context, req *ConfigureRequest) (*ConfigureResponse, error) {
	return &ConfigureResponse{Term: req.Term, Success: true}, nil
}

func (h *fakePeerHandler) Heartbeat(_ context.Context, req *HeartbeatRequest) (*HeartbeatResponse, error) {
	return &HeartbeatResponse{Term: 1}, nil
}

func (h *fakePeerHandler) Join(_ context.Context, req *JoinRequest) (*JoinResponse, error) {
	return &JoinResponse{Status: StatusOK}, nil
}

func (h *fakePeerHandler) Leave(_ context.Context, req *LeaveRequest) (*LeaveResponse, error) {
	return &LeaveResponse{Status: StatusOK}, nil
}

// startPeerServer boots a real gRPC server on the loopback interface serving
// handler under PeerServiceDesc, and returns its address; callers register
// it with the raft:// resolver through GRPCTransport.AddPeer.
func startPeerServer(t *testing.T, id ServerID, handler PeerHandler) (ServerAddress, func()) {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := grpc.NewServer()
	RegisterPeerService(srv, handler)

	go func() { _ = srv.Serve(lis) }()
	addr := ServerAddress(lis.Addr().String())

	return addr, func() {
		srv.Stop()
		_ = lis.Close()
	}
}

func TestGRPCTransportAppendEntriesRoundTrip(t *testing.T) {
	handler := &fakePeerHandler{}
	addr, stop := startPeerServer(t, "n2", handler)
	defer stop()

	tr := NewGRPCTransport()
	defer tr.Close()
	require.NoError(t, tr.AddPeer("n2", addr))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := tr.AppendEntries(ctx, "n2", &AppendRequest{
		Term:         3,
		LeaderID:     "n1",
		PrevLogIndex: 5,
		PrevLogTerm:  2,
		CommitIndex:  5,
	})
	require.NoError(t, err)
	require.True(t, resp.Success)
	require.EqualValues(t, 5, resp.LogIndex)
	require.NotNil(t, handler.lastAppend)
	require.Equal(t, ServerID("n1"), handler.lastAppend.LeaderID)
}

func TestGRPCTransportRequestVoteRoundTrip(t *testing.T) {
	handler := &fakePeerHandler{}
	addr, stop := startPeerServer(t, "n3", handler)
	defer stop()

	tr := NewGRPCTransport()
	defer tr.Close()
	require.NoError(t, tr.AddPeer("n3", addr))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := tr.RequestVote(ctx, "n3", &VoteRequest{Term: 1, CandidateID: "n2", LastLogIndex: 0, LastLogTerm: 0})
	require.NoError(t, err)
	require.True(t, resp.Granted)
}

func TestGRPCTransportNoConnectionReturnsError(t *testing.T) {
	tr := NewGRPCTransport()
	defer tr.Close()

	_, err := tr.AppendEntries(context.Background(), "nowhere", &AppendRequest{})
	require.Error(t, err)
}
