package raft

import (
	"bytes"
	"context"
	"fmt"

	"github.com/atomix/catalog/internal/log"
	"github.com/atomix/catalog/internal/transport"
)

// Join implements transport.PeerHandler: admits a new member as Reserve
// (spec.md §4.4 "Membership"). Only the leader can log configuration
// changes; single-change discipline rejects a second change while an
// earlier one is still uncommitted.
func (s *Server) Join(_ context.Context, req *transport.JoinRequest) (*transport.JoinResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.role.kind() != RoleLeader {
		return &transport.JoinResponse{Status: transport.StatusError, Error: transport.ErrorNoLeader}, nil
	}
	if s.configPending {
		return &transport.JoinResponse{Status: transport.StatusError, Error: transport.ErrorCommandError}, nil
	}

	next := s.snapshotMembersLocked()
	next[req.MemberID] = log.Member{
		ID:            string(req.MemberID),
		Type:          log.MemberReserve,
		ServerAddress: string(req.ServerAddress),
		ClientAddress: string(req.ClientAddress),
	}
	if err := s.proposeConfigurationLocked(next); err != nil {
		return nil, fmt.Errorf("raft: join: %w", err)
	}
	return &transport.JoinResponse{Status: transport.StatusOK, Members: membersSlice(next)}, nil
}

// Leave implements transport.PeerHandler: removes a member.
func (s *Server) Leave(_ context.Context, req *transport.LeaveRequest) (*transport.LeaveResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.role.kind() != RoleLeader {
		return &transport.LeaveResponse{Status: transport.StatusError, Error: transport.ErrorNoLeader}, nil
	}
	if s.configPending {
		return &transport.LeaveResponse{Status: transport.StatusError, Error: transport.ErrorCommandError}, nil
	}

	next := s.snapshotMembersLocked()
	delete(next, req.MemberID)
	if err := s.proposeConfigurationLocked(next); err != nil {
		return nil, fmt.Errorf("raft: leave: %w", err)
	}
	return &transport.LeaveResponse{Status: transport.StatusOK}, nil
}

// Configure implements transport.PeerHandler: pushes a configuration
// directly to a member outside the log-replication path, used to bootstrap
// a fresh Reserve member that has no log yet.
func (s *Server) Configure(_ context.Context, req *transport.ConfigureRequest) (*transport.ConfigureResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if req.Term < s.term {
		return &transport.ConfigureResponse{Term: s.term, Success: false}, nil
	}
	s.applyConfigurationLocked(&req.Configuration)
	return &transport.ConfigureResponse{Term: s.term, Success: true}, nil
}

func (s *Server) snapshotMembersLocked() map[transport.ServerID]log.Member {
	next := make(map[transport.ServerID]log.Member, len(s.members))
	for id, m := range s.members {
		next[id] = m
	}
	return next
}

func membersSlice(m map[transport.ServerID]log.Member) []log.Member {
	out := make([]log.Member, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	return out
}

// proposeConfigurationLocked logs a new Configuration entry, applies it
// immediately at append time (spec.md §4.4), and marks a change as pending
// until it commits. When the change adds or removes a voter, it goes
// through an explicit C-old,new joint step first (SPEC_FULL.md §9
// supplement, adapted from the teacher's config.go joint-config sketch)
// rather than a bare single-entry swap; single-change discipline (the
// configPending guard in Join/Leave/rebalanceLocked) means at most one
// such transition is ever in flight, so the joint step never itself
// overlaps another membership change.
func (s *Server) proposeConfigurationLocked(next map[transport.ServerID]log.Member) error {
	body := &log.ConfigurationBody{Version: s.logs.LastIndex() + 1, Members: membersSlice(next)}
	if !sameVoters(s.members, next) {
		body.Joint = true
		body.OldMembers = membersSlice(s.members)
	}
	index, err := s.logs.Append(&log.Entry{Term: s.term, Body: body})
	if err != nil {
		return err
	}
	applied := s.logs.Get(index).Body.(*log.ConfigurationBody)
	s.applyConfigurationLocked(applied)
	return nil
}

// concludeJointLocked appends the C-new entry that finalizes a joint
// transition, run by whichever server is leader when the C-old,new entry
// applies; leadership may have changed since the joint entry was proposed,
// so whoever is leader at apply time owns finishing the transition.
func (s *Server) concludeJointLocked() {
	next := s.snapshotMembersLocked()
	if _, err := s.logs.Append(&log.Entry{Term: s.term, Body: &log.ConfigurationBody{
		Version: s.logs.LastIndex() + 1,
		Members: membersSlice(next),
	}}); err != nil {
		s.logger.Printf("failed to append concluding configuration after joint commit: %v", err)
	}
}

// sameVoters reports whether a and b have identical Active member sets;
// only a voter-set change needs the joint-consensus safety step.
func sameVoters(a, b map[transport.ServerID]log.Member) bool {
	av := activeVoterSet(a)
	bv := activeVoterSet(b)
	if len(av) != len(bv) {
		return false
	}
	for id := range av {
		if !bv[id] {
			return false
		}
	}
	return true
}

func activeVoterSet(m map[transport.ServerID]log.Member) map[transport.ServerID]bool {
	out := make(map[transport.ServerID]bool, len(m))
	for id, mem := range m {
		if mem.Type == log.MemberActive {
			out[id] = true
		}
	}
	return out
}

// rebalanceLocked promotes at most one member per call (Reserve -> Passive
// -> Active), respecting single-change discipline, matching spec.md's
// "Promotion ... happens via the leader's rebalancer, which is triggered
// after each heartbeat-induced availability change and after each
// configuration commit."
func (s *Server) rebalanceLocked() {
	if s.role.kind() != RoleLeader || s.configPending {
		return
	}

	var promote transport.ServerID
	var newType log.MemberType
	for id, m := range s.members {
		if id == s.cfg.ID {
			continue
		}
		if _, available := s.memberCommit[id]; !available {
			continue
		}
		if m.Type == log.MemberReserve {
			promote, newType = id, log.MemberPassive
			break
		}
	}
	if promote == "" {
		for id, m := range s.members {
			if id == s.cfg.ID {
				continue
			}
			if _, available := s.memberCommit[id]; !available {
				continue
			}
			if m.Type == log.MemberPassive {
				promote, newType = id, log.MemberActive
				break
			}
		}
	}
	if promote == "" {
		return
	}

	next := s.snapshotMembersLocked()
	m := next[promote]
	m.Type = newType
	next[promote] = m
	if err := s.proposeConfigurationLocked(next); err != nil {
		s.logger.Printf("rebalance: failed to propose promotion of %s: %v", promote, err)
	}
}

// snapshotInstall assembles chunks for one in-flight InstallSnapshot RPC
// sequence, keyed by state-machine id (one concurrent install at a time,
// which is all a single-state-machine server ever needs).
type snapshotInstall struct {
	index     uint64
	timestamp int64
	chunks    [][]byte
}

// InstallSnapshot implements transport.PeerHandler, buffering chunks until
// the last one arrives, then restoring the executor's state machine and
// fast-forwarding lastApplied/commitIndex to the snapshot's index.
func (s *Server) InstallSnapshot(_ context.Context, req *transport.InstallRequest) (*transport.InstallResponse, error) {
	s.mu.Lock()

	if req.Term < s.term {
		s.mu.Unlock()
		return &transport.InstallResponse{Term: s.term, Success: false}, nil
	}
	if req.Term > s.term {
		s.stepDownLocked(req.Term)
	}
	s.leader = req.LeaderID
	s.resetElectionTimerLocked()

	if s.installs == nil {
		s.installs = make(map[string]*snapshotInstall)
	}
	inst, ok := s.installs[req.StateMachineID]
	if !ok || inst.index != req.SnapshotIndex {
		inst = &snapshotInstall{index: req.SnapshotIndex, timestamp: req.Timestamp}
		s.installs[req.StateMachineID] = inst
	}
	for uint32(len(inst.chunks)) <= req.ChunkOffset {
		inst.chunks = append(inst.chunks, nil)
	}
	inst.chunks[req.ChunkOffset] = req.Data

	if req.ChunkOffset+1 < req.ChunkCount {
		s.mu.Unlock()
		return &transport.InstallResponse{Term: s.term, Success: true}, nil
	}

	delete(s.installs, req.StateMachineID)
	term := s.term
	snapshotIndex := req.SnapshotIndex
	s.mu.Unlock()

	var buf bytes.Buffer
	for _, c := range inst.chunks {
		buf.Write(c)
	}
	if err := s.exec.Restore(buf.Bytes()); err != nil {
		s.logger.Printf("failed to restore snapshot at index %d: %v", snapshotIndex, err)
		return &transport.InstallResponse{Term: term, Success: false}, nil
	}

	if s.snap != nil {
		w := s.snap.NewSnapshot(req.StateMachineID, snapshotIndex, inst.timestamp)
		for _, c := range inst.chunks {
			if err := w.WriteChunk(c); err != nil {
				s.logger.Printf("failed to persist snapshot chunk: %v", err)
			}
		}
		if err := w.Complete(); err != nil {
			s.logger.Printf("failed to complete snapshot: %v", err)
		}
	}

	s.mu.Lock()
	if snapshotIndex > s.snapshotIndex {
		s.snapshotIndex = snapshotIndex
	}
	if snapshotIndex > s.lastApplied {
		s.lastApplied = snapshotIndex
	}
	if snapshotIndex > s.commitIndex {
		s.commitIndex = snapshotIndex
	}
	s.mu.Unlock()

	return &transport.InstallResponse{Term: term, Success: true}, nil
}
