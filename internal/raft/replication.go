package raft

import (
	"context"
	"sort"
	"time"

	"github.com/atomix/catalog/internal/log"
	"github.com/atomix/catalog/internal/pubsub"
	"github.com/atomix/catalog/internal/statemachine"
	"github.com/atomix/catalog/internal/transport"
)

// SessionHandler is implemented by the session package and attached via
// SetSessionHandler so raft.Server never imports session directly (the
// dependency runs the other way: session depends on raft/statemachine).
// Entry types the session layer owns are routed here as they're applied;
// everything else (NoOp, Configuration, Heartbeat) is handled inline by
// Server itself (spec.md §4.4/§4.5).
type SessionHandler interface {
	ApplyRegister(index uint64, body *log.RegisterBody) uint64
	ApplyConnect(index uint64, body *log.ConnectBody)
	ApplyKeepAlive(index uint64, body *log.KeepAliveBody)
	ApplyUnregister(index uint64, body *log.UnregisterBody)
	// ApplyCommand's second return reports whether index applied now; false
	// means the command was queued pending an earlier sequence, and its log
	// entry must not be cleaned until MarkApplied is called for it later.
	ApplyCommand(index uint64, body *log.CommandBody) (result statemachine.Result, applied bool)
}

func (s *Server) SetSessionHandler(h SessionHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionHandler = h
}

// AppendEntries implements transport.PeerHandler for followers (spec.md
// §4.4 "Follower append").
func (s *Server) AppendEntries(_ context.Context, req *transport.AppendRequest) (*transport.AppendResponse, error) {
	s.metrics.RecordAppendEntries()
	s.mu.Lock()
	defer s.mu.Unlock()

	if req.Term < s.term {
		return &transport.AppendResponse{Term: s.term, Success: false}, nil
	}
	if req.Term > s.term {
		s.stepDownLocked(req.Term)
	} else if s.role.kind() != RoleFollower && s.role.kind() != RolePassive && s.role.kind() != RoleReserve {
		s.role = followerRole{}
		s.publishRoleChangedLocked()
	}
	s.leader = req.LeaderID
	s.resetElectionTimerLocked()

	if req.PrevLogIndex > 0 {
		local := s.logs.Get(req.PrevLogIndex)
		if local == nil || local.Term != req.PrevLogTerm {
			resync := req.PrevLogIndex - 1
			if last := s.logs.LastIndex(); last < resync {
				resync = last
			}
			return &transport.AppendResponse{Term: s.term, Success: false, LogIndex: resync}, nil
		}
	}

	for _, entry := range req.Entries {
		local := s.logs.Get(entry.Index)
		switch {
		case local == nil:
			if last := s.logs.LastIndex(); entry.Index > last+1 {
				if err := s.logs.Skip(entry.Index - last - 1); err != nil {
					s.logger.Printf("skip failed: %v", err)
					return &transport.AppendResponse{Term: s.term, Success: false, LogIndex: last}, nil
				}
			}
			if _, err := s.logs.Append(entry); err != nil {
				s.logger.Printf("append failed: %v", err)
				return &transport.AppendResponse{Term: s.term, Success: false, LogIndex: s.logs.LastIndex()}, nil
			}
		case local.Term == entry.Term:
			// Already present and matching; nothing to do.
		default:
			s.logs.Truncate(entry.Index - 1)
			if _, err := s.logs.Append(entry); err != nil {
				s.logger.Printf("append failed: %v", err)
				return &transport.AppendResponse{Term: s.term, Success: false, LogIndex: s.logs.LastIndex()}, nil
			}
		}

		// Configuration entries take effect at append time, not commit
		// time (spec.md §4.4: "required for configuration changes to
		// converge across minority splits").
		if cfg, ok := entry.Body.(*log.ConfigurationBody); ok {
			s.applyConfigurationLocked(cfg)
		}
	}

	if req.CommitIndex > s.commitIndex {
		newCommit := req.CommitIndex
		if last := s.logs.LastIndex(); newCommit > last {
			newCommit = last
		}
		if newCommit > s.commitIndex {
			s.commitIndex = newCommit
			s.logs.Commit(s.commitIndex)
			s.signalApply()
		}
	}
	if req.GlobalIndex > s.globalIndex {
		s.globalIndex = req.GlobalIndex
	}

	return &transport.AppendResponse{Term: s.term, Success: true, LogIndex: s.logs.LastIndex()}, nil
}

func (s *Server) applyConfigurationLocked(cfg *log.ConfigurationBody) {
	members := make(map[transport.ServerID]log.Member, len(cfg.Members))
	for _, m := range cfg.Members {
		members[transport.ServerID(m.ID)] = m
	}
	s.members = members
	s.configVersion = cfg.Version
	s.configPending = true
	if cfg.Joint {
		old := make(map[transport.ServerID]log.Member, len(cfg.OldMembers))
		for _, m := range cfg.OldMembers {
			old[transport.ServerID(m.ID)] = m
		}
		s.jointOldMembers = old
	} else {
		s.jointOldMembers = nil
	}
	for id, m := range members {
		if id == s.cfg.ID {
			continue
		}
		if _, ok := s.peers[id]; !ok {
			if err := s.transport.AddPeer(id, transport.ServerAddress(m.ServerAddress)); err != nil {
				s.logger.Printf("failed to add peer %s: %v", id, err)
			}
		}
	}
	if self, ok := members[s.cfg.ID]; ok {
		s.reclassifyLocked(self.Type)
	}
}

func (s *Server) signalApply() {
	select {
	case s.commitCh <- struct{}{}:
	default:
	}
}

// replicationLoop drives one leader's replication rounds until stop is
// closed (on stepping down). One tick per HeartbeatInterval, fanning out to
// every non-self member concurrently, matching spec.md §5's "broadcast
// time... below the election timeout".
func (s *Server) replicationLoop(stop chan struct{}) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.replicateRound()
		case <-stop:
			return
		case <-s.stopCh:
			return
		}
	}
}

func (s *Server) replicateRound() {
	s.mu.Lock()
	if s.role.kind() != RoleLeader {
		s.mu.Unlock()
		return
	}
	targets := make([]transport.ServerID, 0, len(s.peers))
	for id := range s.peers {
		targets = append(targets, id)
	}
	s.mu.Unlock()

	for _, id := range targets {
		go s.replicateTo(id)
	}
}

func (s *Server) replicateTo(id transport.ServerID) {
	s.mu.Lock()
	if s.role.kind() != RoleLeader {
		s.mu.Unlock()
		return
	}
	peer, ok := s.peers[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	term := s.term
	prevIndex := peer.nextIndex - 1
	var prevTerm uint64
	if prevIndex > 0 {
		if e := s.logs.Get(prevIndex); e != nil {
			prevTerm = e.Term
		}
	}
	entries := make([]*log.Entry, 0, s.cfg.MaxAppendEntries)
	last := s.logs.LastIndex()
	for idx := peer.nextIndex; idx <= last && len(entries) < s.cfg.MaxAppendEntries; idx++ {
		if e := s.logs.Get(idx); e != nil {
			entries = append(entries, e)
		}
	}
	req := &transport.AppendRequest{
		Term:         term,
		LeaderID:     s.cfg.ID,
		PrevLogIndex: prevIndex,
		PrevLogTerm:  prevTerm,
		Entries:      entries,
		CommitIndex:  s.commitIndex,
		GlobalIndex:  s.globalIndex,
	}
	s.mu.Unlock()

	resp, err := s.transport.AppendEntries(context.Background(), id, req)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.role.kind() != RoleLeader || s.term != term {
		return
	}
	if err != nil {
		peer.failureCount++
		return
	}
	if resp.Term > s.term {
		s.stepDownLocked(resp.Term)
		return
	}
	peer.failureCount = 0
	peer.lastContact = time.Now()
	if resp.Success {
		if resp.LogIndex > peer.matchIndex {
			peer.matchIndex = resp.LogIndex
		}
		if peer.matchIndex+1 > peer.nextIndex {
			peer.nextIndex = peer.matchIndex + 1
		}
		s.maybeAdvanceCommitLocked()
	} else {
		peer.matchIndex = resp.LogIndex
		peer.nextIndex = resp.LogIndex + 1
		if peer.nextIndex == 0 {
			peer.nextIndex = s.logs.FirstIndex()
		}
	}
}

// maybeAdvanceCommitLocked implements spec.md §4.4's commit rule: advance
// commit_index to the median match_index over the voting quorum, refusing
// to commit an entry from a prior term directly (Raft §5.4.2 via the
// term-of-the-candidate-index check) and refusing to commit below the
// leader's own no-op index (leader completeness).
func (s *Server) maybeAdvanceCommitLocked() {
	lr, ok := s.role.(*leaderRole)
	if !ok {
		return
	}

	matchOf := func(id transport.ServerID) uint64 {
		if id == s.cfg.ID {
			return s.logs.LastIndex()
		}
		if p, ok := s.peers[id]; ok {
			return p.matchIndex
		}
		return 0
	}
	majorityMatch := func(members map[transport.ServerID]log.Member) (uint64, bool) {
		matches := make([]uint64, 0, len(members))
		for id, m := range members {
			if m.Type != log.MemberActive {
				continue
			}
			matches = append(matches, matchOf(id))
		}
		if len(matches) == 0 {
			return 0, false
		}
		sort.Slice(matches, func(i, j int) bool { return matches[i] < matches[j] })
		quorum := len(matches)/2 + 1
		return matches[len(matches)-quorum], true
	}

	median, ok := majorityMatch(s.members)
	if !ok {
		return
	}
	// During a C-old,new joint configuration (SPEC_FULL.md §9 supplement),
	// an entry only commits once it has a majority under BOTH the old and
	// the new voter set (Raft §6's joint-consensus safety rule).
	if s.jointOldMembers != nil {
		oldMedian, ok := majorityMatch(s.jointOldMembers)
		if ok && oldMedian < median {
			median = oldMedian
		}
	}

	if median <= s.commitIndex || median < lr.noopIndex {
		return
	}
	entry := s.logs.Get(median)
	if entry == nil || entry.Term != s.term {
		return
	}
	for i := s.commitIndex + 1; i <= median; i++ {
		if t, ok := s.proposeTimes[i]; ok {
			s.metrics.RecordCommandLatency(time.Since(t))
			s.metrics.RecordCommandCommitted()
			delete(s.proposeTimes, i)
		}
	}
	s.commitIndex = median
	s.logs.Commit(s.commitIndex)
	pubsub.Publish(s.bus, pubsub.NewEvent(topicCommitAdvanced, s.commitIndex))
	s.signalApply()
}

// applyLoop is the single goroutine that drains committed entries into the
// state machine / session layer, strictly in ascending index order
// (spec.md §5 "Ordering guarantees").
func (s *Server) applyLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.commitCh:
			s.applyCommitted()
		case <-s.stopCh:
			return
		}
	}
}

func (s *Server) applyCommitted() {
	for {
		s.mu.Lock()
		if s.lastApplied >= s.commitIndex {
			s.mu.Unlock()
			return
		}
		index := s.lastApplied + 1
		entry := s.logs.Get(index)
		handler := s.sessionHandler
		s.mu.Unlock()

		if entry == nil {
			// A hole (skip()) at this index: nothing to apply.
			s.mu.Lock()
			s.lastApplied = index
			s.mu.Unlock()
			continue
		}

		applied := s.applyEntry(index, entry, handler)

		s.mu.Lock()
		s.lastApplied = index
		if applied {
			s.logs.Clean(index)
		}
		s.mu.Unlock()
	}
}

// applyEntry dispatches one committed entry and reports whether it was
// actually applied now. Every kind applies synchronously except CommandBody,
// which the session layer may defer (out-of-order queueing, spec.md §4.5);
// callers must not mark a deferred entry's log slot clean.
func (s *Server) applyEntry(index uint64, entry *log.Entry, handler SessionHandler) bool {
	switch body := entry.Body.(type) {
	case *log.NoOpBody, *log.ConfigurationBody, *log.HeartbeatBody:
		if hb, ok := entry.Body.(*log.HeartbeatBody); ok {
			s.applyHeartbeat(hb)
		}
		if cb, ok := entry.Body.(*log.ConfigurationBody); ok {
			s.mu.Lock()
			if cb.Joint {
				// C-old,new just committed and applied; whoever is leader
				// now owns appending the concluding C-new entry.
				// configPending stays set until that entry applies too.
				if s.role.kind() == RoleLeader {
					s.concludeJointLocked()
				}
			} else {
				s.configPending = false
				s.rebalanceLocked()
			}
			s.mu.Unlock()
		}
	case *log.RegisterBody:
		if handler != nil {
			handler.ApplyRegister(index, body)
		}
	case *log.ConnectBody:
		if handler != nil {
			handler.ApplyConnect(index, body)
		}
	case *log.KeepAliveBody:
		if handler != nil {
			handler.ApplyKeepAlive(index, body)
		}
	case *log.UnregisterBody:
		if handler != nil {
			handler.ApplyUnregister(index, body)
		}
	case *log.CommandBody:
		if handler != nil {
			_, applied := handler.ApplyCommand(index, body)
			return applied
		}
		// No session layer wired (e.g. standalone raft tests): apply
		// directly against the executor so the log/replication/apply
		// path can still be exercised end to end.
		s.exec.Apply(&statemachine.ApplyRequest{Index: index, Timestamp: body.Timestamp, Session: body.Session, Command: body.Payload})
	}
	return true
}

func (s *Server) applyHeartbeat(hb *log.HeartbeatBody) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.memberCommit == nil {
		s.memberCommit = make(map[transport.ServerID]uint64)
	}
	s.memberCommit[transport.ServerID(hb.Member)] = hb.CommitIndex

	if len(s.memberCommit) == 0 {
		return
	}
	min := ^uint64(0)
	for id, m := range s.members {
		if m.Type == log.MemberInactive {
			continue
		}
		// The leader never sends itself a Heartbeat RPC, so its own
		// commit_index is never recorded in memberCommit; fold it in
		// directly rather than waiting on an entry that will never arrive.
		c := s.commitIndex
		if id != s.cfg.ID {
			var ok bool
			c, ok = s.memberCommit[id]
			if !ok {
				return // haven't heard from every stateful member yet
			}
		}
		if c < min {
			min = c
		}
	}
	if min != ^uint64(0) && min > s.globalIndex {
		s.globalIndex = min
		s.majorCompactIndex = min
	}
	s.rebalanceLocked()
}

// Heartbeat implements transport.PeerHandler: a stateful member reports its
// local commit_index to the leader (spec.md §4.4 "Heartbeats &
// availability"), which logs it as a Heartbeat entry.
func (s *Server) Heartbeat(_ context.Context, req *transport.HeartbeatRequest) (*transport.HeartbeatResponse, error) {
	s.metrics.RecordHeartbeat()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.role.kind() != RoleLeader {
		return &transport.HeartbeatResponse{Term: s.term}, nil
	}
	if _, err := s.logs.Append(&log.Entry{Term: s.term, Body: &log.HeartbeatBody{
		Member:      string(req.MemberID),
		CommitIndex: req.CommitIndex,
		Timestamp:   nowUnix(),
	}}); err != nil {
		s.logger.Printf("failed to append heartbeat entry: %v", err)
	}
	return &transport.HeartbeatResponse{Term: s.term}, nil
}

// compactionLoop periodically runs major compaction (MinorCompact is not
// called from here) using the
// server's current snapshot_index/global_index as the safety bounds
// (spec.md §4.3 "major_compact_index equals global_index").
func (s *Server) compactionLoop(stop <-chan struct{}) {
	defer s.wg.Done()
	ticker := time.NewTicker(20 * s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.runCompaction()
		case <-stop:
			return
		case <-s.stopCh:
			return
		}
	}
}

func (s *Server) runCompaction() {
	s.mu.Lock()
	state := log.CompactionState{SnapshotIndex: s.snapshotIndex, MajorCompactIndex: s.majorCompactIndex}
	s.mu.Unlock()

	segs := s.logs.Segments()
	if len(segs) < 2 {
		return
	}
	groups := log.GroupConsecutive(segs[:len(segs)-1], 4) // never compact the writable tail segment
	if err := s.logs.MajorCompact(groups, state); err != nil {
		s.logger.Printf("major compaction failed: %v", err)
	}
}
