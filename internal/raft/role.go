package raft

import "github.com/atomix/catalog/internal/log"

// Role discriminates the six server roles spec.md §4.4 names, replacing the
// teacher's flat State uint64 (Leader/Follower/Candidate only, no
// Passive/Reserve/Inactive) with the three-tier membership model spec.md §9
// Open Questions prefers.
type Role uint8

const (
	RoleFollower Role = iota
	RoleCandidate
	RoleLeader
	RolePassive
	RoleReserve
	RoleInactive
)

func (r Role) String() string {
	switch r {
	case RoleFollower:
		return "Follower"
	case RoleCandidate:
		return "Candidate"
	case RoleLeader:
		return "Leader"
	case RolePassive:
		return "Passive"
	case RoleReserve:
		return "Reserve"
	case RoleInactive:
		return "Inactive"
	default:
		return "Unknown"
	}
}

// role is the tagged-variant interface spec.md §9 "Design Notes" prescribes
// in place of inheritance-based role states: each variant carries only the
// state meaningful to that role (a Follower and a Candidate have none, the
// vote tally living in runElection; a Leader tracks its own no-op commit
// gate). Transition
// is always a full replacement of Server.role, never a field mutation on a
// shared struct.
type role interface {
	kind() Role
}

type followerRole struct{}

func (followerRole) kind() Role { return RoleFollower }

// candidateRole marks a term in which this server is standing for
// election; runElection tracks the vote tally itself in a local counter,
// so this variant carries no state of its own beyond its kind.
type candidateRole struct{}

func (candidateRole) kind() Role { return RoleCandidate }

// leaderRole gates commit-index advancement on its own no-op entry
// committing first (spec.md §4.4 "Leader initialization" #4, the leader-
// completeness safety property).
type leaderRole struct {
	noopIndex uint64
}

func (*leaderRole) kind() Role { return RoleLeader }

type passiveRole struct{}

func (passiveRole) kind() Role { return RolePassive }

type reserveRole struct{}

func (reserveRole) kind() Role { return RoleReserve }

type inactiveRole struct{}

func (inactiveRole) kind() Role { return RoleInactive }

// reclassifyLocked implements spec.md §4.4's role-table row "Any stateful
// -> Passive/Reserve/Inactive: Configuration entry reclassifies this
// member", applied to the local server whenever a Configuration entry
// changes its own MemberType. A demoted leader stops replicating and
// standing for election; a member promoted back to Active rejoins as a
// Follower and resumes its election timer.
func (s *Server) reclassifyLocked(newType log.MemberType) {
	stateful := s.role.kind() == RoleFollower || s.role.kind() == RoleCandidate || s.role.kind() == RoleLeader
	wasLeader := s.role.kind() == RoleLeader

	switch newType {
	case log.MemberActive:
		if stateful {
			return
		}
		s.role = followerRole{}
		s.resetElectionTimerLocked()
		s.publishRoleChangedLocked()
	case log.MemberPassive, log.MemberReserve, log.MemberInactive:
		if !stateful {
			return
		}
		if wasLeader {
			close(s.replicationStop)
			s.replicationStop = make(chan struct{})
		}
		s.leader = ""
		s.electionTimer.Cancel()
		switch newType {
		case log.MemberPassive:
			s.role = passiveRole{}
		case log.MemberReserve:
			s.role = reserveRole{}
		default:
			s.role = inactiveRole{}
		}
		s.publishRoleChangedLocked()
	}
}
