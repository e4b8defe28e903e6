package session

import (
	"context"

	"github.com/atomix/catalog/internal/log"
	"github.com/atomix/catalog/internal/statemachine"
	"github.com/atomix/catalog/internal/transport"
)

var _ transport.ClientHandler = (*Manager)(nil)

// leaderHint returns the leader this server currently knows of, reported on
// the NO_LEADER responses of Register and KeepAlive (spec.md §6
// "NO_LEADER_ERROR: client retries another member").
func (m *Manager) leaderHint() transport.ServerID {
	return m.raft.Leader()
}

func (m *Manager) Register(_ context.Context, req *transport.RegisterRequest) (*transport.RegisterResponse, error) {
	index, _, err := m.raft.Propose(&log.RegisterBody{ClientID: req.ClientID, Timestamp: clockNowMs(), TimeoutMs: req.TimeoutMs})
	if err != nil {
		return &transport.RegisterResponse{Status: transport.StatusError, Error: transport.ErrorNoLeader, Leader: m.leaderHint()}, nil
	}

	m.mu.Lock()
	wait := m.awaitControlLocked(index)
	m.mu.Unlock()
	<-wait

	return &transport.RegisterResponse{
		Status:    transport.StatusOK,
		SessionID: index,
		TimeoutMs: req.TimeoutMs,
		Members:   m.raft.Members(),
		Leader:    m.raft.ID(),
	}, nil
}

func (m *Manager) Connect(_ context.Context, req *transport.ConnectRequest) (*transport.ConnectResponse, error) {
	index, _, err := m.raft.Propose(&log.ConnectBody{Session: req.SessionID, Address: req.Address, Timestamp: clockNowMs()})
	if err != nil {
		return &transport.ConnectResponse{Status: transport.StatusError, Error: transport.ErrorNoLeader}, nil
	}
	m.mu.Lock()
	wait := m.awaitControlLocked(index)
	m.mu.Unlock()
	kind := <-wait
	if kind != transport.ErrorNone {
		return &transport.ConnectResponse{Status: transport.StatusError, Error: kind}, nil
	}
	return &transport.ConnectResponse{Status: transport.StatusOK}, nil
}

func (m *Manager) KeepAlive(_ context.Context, req *transport.KeepAliveRequest) (*transport.KeepAliveResponse, error) {
	index, _, err := m.raft.Propose(&log.KeepAliveBody{
		Session: req.SessionID, CommandSeqAck: req.CommandSeqAck, EventVersionAck: req.EventVersionAck, Timestamp: clockNowMs(),
	})
	if err != nil {
		return &transport.KeepAliveResponse{Status: transport.StatusError, Error: transport.ErrorNoLeader, Leader: m.leaderHint()}, nil
	}
	m.mu.Lock()
	wait := m.awaitControlLocked(index)
	m.mu.Unlock()
	kind := <-wait
	if kind != transport.ErrorNone {
		return &transport.KeepAliveResponse{Status: transport.StatusError, Error: kind}, nil
	}
	return &transport.KeepAliveResponse{Status: transport.StatusOK, Leader: m.raft.ID(), Members: m.raft.Members()}, nil
}

func (m *Manager) Unregister(_ context.Context, req *transport.UnregisterRequest) (*transport.UnregisterResponse, error) {
	index, _, err := m.raft.Propose(&log.UnregisterBody{Session: req.SessionID, Timestamp: clockNowMs()})
	if err != nil {
		return &transport.UnregisterResponse{Status: transport.StatusError, Error: transport.ErrorNoLeader}, nil
	}
	m.mu.Lock()
	wait := m.awaitControlLocked(index)
	m.mu.Unlock()
	kind := <-wait
	if kind != transport.ErrorNone {
		return &transport.UnregisterResponse{Status: transport.StatusError, Error: kind}, nil
	}
	return &transport.UnregisterResponse{Status: transport.StatusOK}, nil
}

func (m *Manager) Command(_ context.Context, req *transport.CommandRequest) (*transport.CommandResponse, error) {
	consistency := log.ConsistencySequential
	if req.Consistency == log.ConsistencyLinearizable {
		consistency = log.ConsistencyLinearizable
	}
	index, _, err := m.raft.Propose(&log.CommandBody{
		Session: req.SessionID, Sequence: req.Sequence, Timestamp: clockNowMs(),
		Payload: req.Payload, Consistency: consistency, Tombstone: m.exec.IsTombstone(req.Payload),
	})
	if err != nil {
		return &transport.CommandResponse{Status: transport.StatusError, Error: transport.ErrorNoLeader}, nil
	}

	m.mu.Lock()
	wait := m.awaitCommandLocked(index)
	m.mu.Unlock()
	outcome := <-wait

	if outcome.err != transport.ErrorNone {
		return &transport.CommandResponse{Status: transport.StatusError, Error: outcome.err}, nil
	}
	if outcome.result.Err != nil {
		return &transport.CommandResponse{Status: transport.StatusError, Error: transport.ErrorApplicationError}, nil
	}
	return &transport.CommandResponse{Status: transport.StatusOK, Result: outcome.result.Payload}, nil
}

// Query implements spec.md §4.5's four consistency levels. Reads never
// enter the log: they run directly against the executor, gated by the
// consistency-specific staleness rule.
func (m *Manager) Query(ctx context.Context, req *transport.QueryRequest) (*transport.QueryResponse, error) {
	m.mu.Lock()
	s, ok := m.sessions[req.SessionID]
	if !ok {
		m.mu.Unlock()
		return &transport.QueryResponse{Status: transport.StatusError, Error: transport.ErrorUnknownSession}, nil
	}

	for req.Sequence > s.nextSequence-1 {
		m.cond.Wait()
		select {
		case <-ctx.Done():
			m.mu.Unlock()
			return &transport.QueryResponse{Status: transport.StatusError, Error: transport.ErrorCommandError}, nil
		default:
		}
	}

	switch req.Consistency {
	case transport.QueryBoundedLinearizable:
		m.mu.Unlock()
		if !m.raft.ConfirmLeadership() {
			return m.linearizableQuery(req)
		}
		m.mu.Lock()
	case transport.QueryLinearizable:
		m.mu.Unlock()
		return m.linearizableQuery(req)
	}

	for req.Version > s.lastVersion {
		m.cond.Wait()
	}

	// SEQUENTIAL's returned version is max(request.sequence, last_applied)
	// (spec.md §4.5), not request.version: Version is the staleness bound
	// the client waited on above, Sequence is its own causal read counter.
	version := s.lastVersion
	if req.Consistency == transport.QuerySequential && req.Sequence > version {
		version = req.Sequence
	}
	m.mu.Unlock()

	result, err := m.runQuery(req.SessionID, version, req.Payload)
	if err != nil {
		return &transport.QueryResponse{Status: transport.StatusError, Error: transport.ErrorApplicationError}, nil
	}
	return &transport.QueryResponse{Status: transport.StatusOK, Result: result.Payload, Version: version}, nil
}

// linearizableQuery implements the LINEARIZABLE path of spec.md §4.5:
// "leader sends a no-op round to a majority before applying".
// ConfirmLeadership stands in for that round (see raft.Server doc comment).
func (m *Manager) linearizableQuery(req *transport.QueryRequest) (*transport.QueryResponse, error) {
	if !m.raft.ConfirmLeadership() {
		return &transport.QueryResponse{Status: transport.StatusError, Error: transport.ErrorCommandError}, nil
	}
	m.mu.Lock()
	version := m.currentVersionLocked()
	m.mu.Unlock()
	result, err := m.runQuery(req.SessionID, version, req.Payload)
	if err != nil {
		return &transport.QueryResponse{Status: transport.StatusError, Error: transport.ErrorApplicationError}, nil
	}
	return &transport.QueryResponse{Status: transport.StatusOK, Result: result.Payload, Version: version}, nil
}

func (m *Manager) currentVersionLocked() uint64 {
	var max uint64
	for _, s := range m.sessions {
		if s.lastVersion > max {
			max = s.lastVersion
		}
	}
	return max
}

func (m *Manager) runQuery(sessionID, version uint64, payload []byte) (statemachine.Result, error) {
	req := &statemachine.ApplyRequest{Index: version, Session: sessionID, Command: payload}
	result := m.exec.Apply(req)
	return result, result.Err
}

// Subscribe streams published events to the session's current connection
// until the client disconnects (spec.md §4.5 "Events").
func (m *Manager) Subscribe(req *transport.ConnectRequest, stream transport.PublishServer) error {
	m.mu.Lock()
	s, ok := m.sessions[req.SessionID]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	s.stream = stream
	backlog := append([]bufferedEvent(nil), s.events...)
	m.mu.Unlock()

	for _, ev := range backlog {
		if err := stream.Send(&transport.PublishRequest{
			SessionID: req.SessionID, EventVersion: ev.version, EventSequence: ev.sequence, Payload: ev.payload,
		}); err != nil {
			return err
		}
	}

	<-stream.Context().Done()

	m.mu.Lock()
	if s.stream == stream {
		s.stream = nil
	}
	m.mu.Unlock()
	return nil
}

// clockNowMs is the one wall-clock read on the proposing path: spec.md
// §9's "Deterministic time" note only requires apply paths to derive time
// from committed timestamps, not that the timestamp itself come from
// nowhere. The leader stamps the entry once at propose time; every replica
// then treats that stamped value as ground truth.
func clockNowMs() int64 {
	return wallClock()
}
