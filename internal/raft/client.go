package raft

import (
	"errors"
	"time"

	"github.com/atomix/catalog/internal/log"
	"github.com/atomix/catalog/internal/transport"
)

// ErrNotLeader is returned by Propose when this server cannot append client
// entries (spec.md §6 "NO_LEADER_ERROR: client retries another member").
var ErrNotLeader = errors.New("raft: not leader")

// Propose appends a client-originated entry (Register/Connect/KeepAlive/
// Unregister/Command) to the log at the current term, to be picked up by
// applyCommitted once a quorum replicates it. Only the leader may propose;
// callers wait for the session layer's own per-index completion signal
// (SessionHandler.ApplyX is invoked synchronously on the apply goroutine),
// not on anything raft exposes directly.
func (s *Server) Propose(body log.Body) (index uint64, term uint64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.role.kind() != RoleLeader {
		return 0, 0, ErrNotLeader
	}
	index, err = s.logs.Append(&log.Entry{Term: s.term, Body: body})
	if err != nil {
		return 0, 0, err
	}
	term = s.term
	if _, isCommand := body.(*log.CommandBody); isCommand {
		s.proposeTimes[index] = time.Now()
	}
	// A leader with no peers never runs replicateTo, so nothing
	// else advances commit_index for this append; cover that case here
	// too (see becomeLeaderLocked's identical call for the NoOp/
	// Configuration entries).
	s.maybeAdvanceCommitLocked()
	return index, term, nil
}

// MarkApplied lets the session layer tell the log that an entry it had
// deferred (out-of-order queued) has now actually been applied, and is
// safe to clean. applyCommitted only cleans an entry immediately for
// SessionHandler calls that report they applied it synchronously.
func (s *Server) MarkApplied(index uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs.Clean(index)
}

// Members returns a snapshot of the current configuration.
func (s *Server) Members() []log.Member {
	s.mu.Lock()
	defer s.mu.Unlock()
	return membersSlice(s.members)
}

// IsLeader reports whether this server currently believes itself leader.
func (s *Server) IsLeader() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.role.kind() == RoleLeader
}

// ConfirmLeadership runs one extra replication round and reports whether a
// quorum of voting members has acknowledged within the last election
// timeout, approximating spec.md §4.5's LINEARIZABLE query round ("leader
// sends a no-op round to a majority before applying") and its
// BOUNDED_LINEARIZABLE check ("leader contacted majority within one
// election timeout") with the peer.lastContact bookkeeping replication.go
// already maintains, rather than a second RPC kind.
func (s *Server) ConfirmLeadership() bool {
	s.replicateRound()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.role.kind() != RoleLeader {
		return false
	}
	fresh := 1 // self
	cutoff := s.cfg.ElectionTimeoutMin
	now := time.Now()
	for id, m := range s.members {
		if id == s.cfg.ID || m.Type != log.MemberActive {
			continue
		}
		if p, ok := s.peers[id]; ok && now.Sub(p.lastContact) <= cutoff {
			fresh++
		}
	}
	return fresh >= s.quorumSizeLocked()
}

var _ transport.PeerHandler = (*Server)(nil)
