package session

import (
	"sync"

	"github.com/atomix/catalog/internal/log"
	"github.com/atomix/catalog/internal/logging"
	"github.com/atomix/catalog/internal/raft"
	"github.com/atomix/catalog/internal/statemachine"
	"github.com/atomix/catalog/internal/transport"
)

// commandOutcome is what a completed Command apply hands back to the RPC
// goroutine blocked in Manager.Command.
type commandOutcome struct {
	result statemachine.Result
	err    transport.ErrorKind
}

// Manager is the session registry and linearizability layer: it implements
// raft.SessionHandler (invoked synchronously, in index order, from the
// server context's apply goroutine) and transport.ClientHandler (invoked
// concurrently from gRPC handler goroutines, one per inbound RPC). mu
// guards every field below; cond wakes RPC goroutines blocked in Query
// waiting for the applied version to advance.
type Manager struct {
	raft *raft.Server
	exec *statemachine.Executor
	log  *logging.Logger

	mu       sync.Mutex
	cond     *sync.Cond
	sessions map[uint64]*session
	clock    int64

	// pendingControl carries the outcome of one Register/Connect/KeepAlive/
	// Unregister entry back to the gRPC goroutine blocked on it, keyed by
	// the entry's log index.
	pendingControl map[uint64]chan transport.ErrorKind
	pendingCommand map[uint64]chan commandOutcome
	pendingLinear  map[uint64][]chan struct{} // event version -> waiters for its ack
}

// NewManager wires a session registry to its raft server and the state
// machine's executor. Register it with SetSessionHandler and with
// transport.RegisterClientService before Server.Start.
func NewManager(r *raft.Server, exec *statemachine.Executor, log *logging.Logger) *Manager {
	m := &Manager{
		raft:           r,
		exec:           exec,
		log:            log,
		sessions:       make(map[uint64]*session),
		pendingControl: make(map[uint64]chan transport.ErrorKind),
		pendingCommand: make(map[uint64]chan commandOutcome),
		pendingLinear:  make(map[uint64][]chan struct{}),
	}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// advanceClockLocked implements spec.md §4.5 "deterministic clock": the
// clock only moves forward via timestamps carried on committed entries,
// never wall-clock reads, so every replica marks the same sessions Suspect
// at the same indices. Newly-Suspect sessions are expired by the leader
// only (spec.md §5.4.2-style asymmetric leader action).
func (m *Manager) advanceClockLocked(timestamp int64) {
	if timestamp > m.clock {
		m.clock = timestamp
	}
	leader := m.raft.IsLeader()
	for id, s := range m.sessions {
		if s.closed || s.expiring {
			continue
		}
		if m.clock-s.lastTimestamp > int64(s.timeoutMs) {
			s.suspect = true
			if !leader {
				continue
			}
			s.expiring = true
			body := &log.UnregisterBody{Session: id, Expired: true, Timestamp: m.clock}
			if _, _, err := m.raft.Propose(body); err != nil {
				s.expiring = false
				m.log.Printf("failed to propose expiration for session %d: %v", id, err)
			}
		}
	}
}

// awaitControlLocked registers a wait channel for index and returns it;
// call with mu held, then unlock and receive.
func (m *Manager) awaitControlLocked(index uint64) chan transport.ErrorKind {
	ch := make(chan transport.ErrorKind, 1)
	m.pendingControl[index] = ch
	return ch
}

func (m *Manager) resolveControlLocked(index uint64, kind transport.ErrorKind) {
	if ch, ok := m.pendingControl[index]; ok {
		ch <- kind
		delete(m.pendingControl, index)
	}
}

func (m *Manager) awaitCommandLocked(index uint64) chan commandOutcome {
	ch := make(chan commandOutcome, 1)
	m.pendingCommand[index] = ch
	return ch
}

func (m *Manager) resolveCommandLocked(index uint64, outcome commandOutcome) {
	if ch, ok := m.pendingCommand[index]; ok {
		ch <- outcome
		delete(m.pendingCommand, index)
	}
}

