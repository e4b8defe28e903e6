package raft

import (
	"context"
	"sync"
	"time"

	"github.com/atomix/catalog/internal/log"
	"github.com/atomix/catalog/internal/pubsub"
	"github.com/atomix/catalog/internal/transport"
)

// RequestVote implements transport.PeerHandler for the binding vote round.
// Acceptance follows spec.md §4.4: reject stale terms, otherwise grant at
// most one vote per term and only to a candidate whose log is at least as
// up to date as the local log.
func (s *Server) RequestVote(_ context.Context, req *transport.VoteRequest) (*transport.VoteResponse, error) {
	s.metrics.RecordRequestVote()
	s.mu.Lock()
	defer s.mu.Unlock()

	if req.Term < s.term {
		return &transport.VoteResponse{Term: s.term, Granted: false}, nil
	}
	if req.Term > s.term {
		s.stepDownLocked(req.Term)
	}

	lastIndex, lastTerm := s.lastLogIndexAndTerm()
	upToDate := logUpToDate(req.LastLogTerm, req.LastLogIndex, lastTerm, lastIndex)

	if (s.votedFor == "" || s.votedFor == req.CandidateID) && upToDate {
		s.votedFor = req.CandidateID
		if err := s.metaStore.StoreVotedFor(string(req.CandidateID)); err != nil {
			s.logger.Printf("failed to persist voted_for: %v", err)
			return &transport.VoteResponse{Term: s.term, Granted: false}, nil
		}
		s.resetElectionTimerLocked()
		return &transport.VoteResponse{Term: s.term, Granted: true}, nil
	}
	return &transport.VoteResponse{Term: s.term, Granted: false}, nil
}

// Poll implements the pre-vote round: the same log up-to-date test as
// RequestVote, without RequestVote's stale-term rejection, and it never
// mutates term or voted_for (spec.md §4.4 "Pre-vote").
func (s *Server) Poll(_ context.Context, req *transport.PollRequest) (*transport.PollResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	term := s.term
	if req.Term > term {
		term = req.Term
	}
	lastIndex, lastTerm := s.lastLogIndexAndTerm()
	upToDate := logUpToDate(req.LastLogTerm, req.LastLogIndex, lastTerm, lastIndex)
	return &transport.PollResponse{Term: term, Granted: upToDate}, nil
}

// onElectionTimeout fires on the cancellableTimer's own goroutine; it must
// not hold s.mu across the network round, so it only decides whether to
// start a pre-vote round and hands off to beginPreVote.
func (s *Server) onElectionTimeout() {
	s.mu.Lock()
	kind := s.role.kind()
	s.mu.Unlock()

	if kind != RoleFollower && kind != RoleCandidate {
		return
	}
	go s.beginPreVote()
}

// beginPreVote runs the pre-vote round of spec.md §4.4: on majority
// acceptance it proceeds to the binding election; otherwise it just resets
// the election timer and waits for the next timeout.
func (s *Server) beginPreVote() {
	s.mu.Lock()
	if s.stopped || (s.role.kind() != RoleFollower && s.role.kind() != RoleCandidate) {
		s.mu.Unlock()
		return
	}
	term := s.term + 1
	lastIndex, lastTerm := s.lastLogIndexAndTerm()
	peers := s.votingPeersLocked()
	quorum := s.quorumSizeLocked()
	s.mu.Unlock()

	req := &transport.PollRequest{Term: term, CandidateID: s.cfg.ID, LastLogIndex: lastIndex, LastLogTerm: lastTerm}
	granted := s.broadcastPoll(peers, req)

	// Count ourselves.
	granted++
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || (s.role.kind() != RoleFollower && s.role.kind() != RoleCandidate) {
		return
	}
	if granted < quorum {
		s.resetElectionTimerLocked()
		return
	}
	s.becomeCandidateLocked()
}

func (s *Server) broadcastPoll(peers []transport.ServerID, req *transport.PollRequest) int {
	var mu sync.Mutex
	var wg sync.WaitGroup
	granted := 0
	for _, p := range peers {
		wg.Add(1)
		go func(p transport.ServerID) {
			defer wg.Done()
			resp, err := s.transport.Poll(context.Background(), p, req)
			if err != nil {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if resp.Granted {
				granted++
			}
		}(p)
	}
	wg.Wait()
	return granted
}

// votingPeersLocked returns every Active member other than this server.
func (s *Server) votingPeersLocked() []transport.ServerID {
	peers := make([]transport.ServerID, 0, len(s.members))
	for id, m := range s.members {
		if id == s.cfg.ID || m.Type != log.MemberActive {
			continue
		}
		peers = append(peers, id)
	}
	return peers
}

// becomeCandidateLocked transitions Follower->Candidate, incrementing the
// term and voting for self BEFORE issuing VoteRequests (spec.md §4.4),
// then hands off to the async binding-vote round.
func (s *Server) becomeCandidateLocked() {
	s.term++
	s.votedFor = s.cfg.ID
	if err := s.metaStore.StoreTerm(s.term); err != nil {
		s.logger.Printf("failed to persist term: %v", err)
	}
	if err := s.metaStore.StoreVotedFor(string(s.cfg.ID)); err != nil {
		s.logger.Printf("failed to persist voted_for: %v", err)
	}
	s.role = candidateRole{}
	s.electionStart = time.Now()
	s.resetElectionTimerLocked()
	s.publishRoleChangedLocked()

	term := s.term
	lastIndex, lastTerm := s.lastLogIndexAndTerm()
	peers := s.votingPeersLocked()
	quorum := s.quorumSizeLocked()
	if quorum <= 1 {
		// The self-vote alone is a majority (single-member cluster).
		s.becomeLeaderLocked()
		return
	}
	go s.runElection(term, lastIndex, lastTerm, peers, quorum)
}

func (s *Server) runElection(term, lastIndex, lastTerm uint64, peers []transport.ServerID, quorum int) {
	req := &transport.VoteRequest{Term: term, CandidateID: s.cfg.ID, LastLogIndex: lastIndex, LastLogTerm: lastTerm}

	var mu sync.Mutex
	votes := 1 // self
	for _, p := range peers {
		go func(p transport.ServerID) {
			resp, err := s.transport.RequestVote(context.Background(), p, req)
			if err != nil {
				return
			}
			s.mu.Lock()
			defer s.mu.Unlock()
			if resp.Term > s.term {
				s.stepDownLocked(resp.Term)
				return
			}
			if s.role.kind() != RoleCandidate || s.term != term || !resp.Granted {
				return
			}
			mu.Lock()
			votes++
			won := votes >= quorum
			mu.Unlock()
			if won {
				s.becomeLeaderLocked()
			}
		}(p)
	}
}

// stepDownLocked reverts to Follower on observing a higher term (spec.md
// §4.4 "Candidate/Leader -> Follower"), clearing the vote for the new term.
func (s *Server) stepDownLocked(term uint64) {
	wasLeader := s.role.kind() == RoleLeader
	s.term = term
	s.votedFor = ""
	s.leader = ""
	if err := s.metaStore.StoreTerm(term); err != nil {
		s.logger.Printf("failed to persist term: %v", err)
	}
	if err := s.metaStore.StoreVotedFor(""); err != nil {
		s.logger.Printf("failed to persist cleared vote: %v", err)
	}
	s.role = followerRole{}
	if wasLeader {
		close(s.replicationStop)
		s.replicationStop = make(chan struct{})
	}
	s.resetElectionTimerLocked()
	s.publishRoleChangedLocked()
}

// becomeLeaderLocked implements spec.md §4.4 "Leader initialization":
// reset per-peer state, append NoOp and Configuration entries, and gate
// commit advancement on the NoOp committing.
func (s *Server) becomeLeaderLocked() {
	if s.role.kind() != RoleCandidate {
		return
	}
	s.metrics.RecordElection()
	if !s.electionStart.IsZero() {
		s.metrics.RecordElectionDuration(time.Since(s.electionStart))
	}
	s.electionTimer.Cancel()
	s.leader = s.cfg.ID
	s.peers = make(map[transport.ServerID]*peerReplication)
	nextIndex := s.logs.LastIndex() + 1
	for id := range s.members {
		if id == s.cfg.ID {
			continue
		}
		s.peers[id] = &peerReplication{nextIndex: nextIndex}
	}

	noopIndex, err := s.logs.Append(&log.Entry{Term: s.term, Body: &log.NoOpBody{Timestamp: nowUnix()}})
	if err != nil {
		s.logger.Printf("failed to append no-op on election: %v", err)
		return
	}
	members := make([]log.Member, 0, len(s.members))
	for _, m := range s.members {
		members = append(members, m)
	}
	// Also doubles as joint-transition recovery: if a prior leader crashed
	// after committing a C-old,new entry but before appending its C-new
	// conclusion, this plain (non-joint) entry re-asserts the current
	// membership and clears jointOldMembers once it applies.
	if _, err := s.logs.Append(&log.Entry{Term: s.term, Body: &log.ConfigurationBody{Version: noopIndex + 1, Members: members}}); err != nil {
		s.logger.Printf("failed to append configuration on election: %v", err)
	}

	s.role = &leaderRole{noopIndex: noopIndex}
	s.logger.Printf("elected leader for term %d, noop at index %d", s.term, noopIndex)
	s.publishRoleChangedLocked()

	// A leader with no peers never runs replicateTo, which is the
	// only other caller of maybeAdvanceCommitLocked; without this, a
	// single-member cluster would never commit anything past election
	// (spec.md §8: "every append commits immediately").
	s.maybeAdvanceCommitLocked()

	s.replicationStop = make(chan struct{})
	stop := s.replicationStop
	s.wg.Add(1)
	go s.replicationLoop(stop)
}

func (s *Server) publishRoleChangedLocked() {
	pubsub.Publish(s.bus, pubsub.NewEvent(topicRoleChanged, roleChangedEvent{Role: s.role.kind(), Term: s.term}))
}

func nowUnix() int64 { return time.Now().UnixNano() }
