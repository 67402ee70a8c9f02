package service

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/fistfight/votecast/internal/nodeid"
	"github.com/fistfight/votecast/internal/proto"
)

// ClientRecord is a registered client's persistent identity.
type ClientRecord struct {
	ClientID string
	Address  nodeid.ID
	Token    string
}

// Group is a named set of member ClientIDs.
type Group struct {
	Name    string
	Members map[string]bool
}

const (
	voteOpen   = "OPEN"
	voteClosed = "CLOSED"
)

// Vote is one vote instance within a group.
type Vote struct {
	VoteID   string
	Group    string
	Topic    string
	Options  []string
	Deadline time.Time
	Ballots  map[string]int // ClientID -> option index, first ballot wins
	State    string
	Counts   []int  // populated on close
	Winner   string // populated on close
}

// Apply mutates the in-memory store for a single replicated op. It is
// called both on the leader (synchronously, before the op is sent to
// followers) and on followers (in op_id order, from replication.HandleRepl).
func (s *Service) Apply(kind proto.ReplKind, payload json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch kind {
	case proto.ReplClientRegister:
		var p proto.ClientRecordWire
		if err := json.Unmarshal(payload, &p); err != nil {
			return err
		}
		s.clients[p.ClientID] = &ClientRecord{ClientID: p.ClientID, Address: p.Address, Token: p.Token}
		s.tokens[p.Token] = p.ClientID

	case proto.ReplGroupCreate:
		var p proto.GroupWire
		if err := json.Unmarshal(payload, &p); err != nil {
			return err
		}
		g := &Group{Name: p.Name, Members: make(map[string]bool)}
		for _, m := range p.Members {
			g.Members[m] = true
		}
		s.groups[p.Name] = g

	case proto.ReplGroupJoin:
		var p proto.GroupMembershipWire
		if err := json.Unmarshal(payload, &p); err != nil {
			return err
		}
		if g, ok := s.groups[p.Name]; ok {
			g.Members[p.ClientID] = true
		}

	case proto.ReplGroupLeave:
		var p proto.GroupMembershipWire
		if err := json.Unmarshal(payload, &p); err != nil {
			return err
		}
		if g, ok := s.groups[p.Name]; ok {
			delete(g.Members, p.ClientID)
		}

	case proto.ReplVoteStart:
		var p proto.VoteWire
		if err := json.Unmarshal(payload, &p); err != nil {
			return err
		}
		s.votes[p.VoteID] = &Vote{
			VoteID:   p.VoteID,
			Group:    p.Group,
			Topic:    p.Topic,
			Options:  p.Options,
			Deadline: p.Deadline,
			Ballots:  make(map[string]int),
			State:    voteOpen,
		}

	case proto.ReplVoteBallot:
		var p proto.VoteBallotWire
		if err := json.Unmarshal(payload, &p); err != nil {
			return err
		}
		if v, ok := s.votes[p.VoteID]; ok {
			if _, already := v.Ballots[p.ClientID]; !already {
				v.Ballots[p.ClientID] = p.OptionIndex
			}
		}

	case proto.ReplVoteClose:
		var p proto.VoteCloseWire
		if err := json.Unmarshal(payload, &p); err != nil {
			return err
		}
		if v, ok := s.votes[p.VoteID]; ok {
			v.State = voteClosed
			v.Counts = p.Counts
			v.Winner = p.Winner
		}

	default:
		return fmt.Errorf("service: unknown repl kind %q", kind)
	}
	return nil
}

// Snapshot returns a wire-shaped copy of the full state, for REPL_STATE
// bootstrap of a new leader.
func (s *Service) Snapshot() proto.ReplStatePayload {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := proto.ReplStatePayload{}
	for _, c := range s.clients {
		snap.Clients = append(snap.Clients, proto.ClientRecordWire{ClientID: c.ClientID, Address: c.Address, Token: c.Token})
	}
	for _, g := range s.groups {
		gw := proto.GroupWire{Name: g.Name}
		for m := range g.Members {
			gw.Members = append(gw.Members, m)
		}
		snap.Groups = append(snap.Groups, gw)
	}
	for _, v := range s.votes {
		snap.Votes = append(snap.Votes, proto.VoteWire{
			VoteID: v.VoteID, Group: v.Group, Topic: v.Topic, Options: v.Options,
			Deadline: v.Deadline, Ballots: v.Ballots, State: v.State,
		})
	}
	return snap
}

// Install replaces the entire state with a bootstrap snapshot received
// from a peer during leader election failover.
func (s *Service) Install(state proto.ReplStatePayload) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.clients = make(map[string]*ClientRecord)
	s.tokens = make(map[string]string)
	for _, c := range state.Clients {
		s.clients[c.ClientID] = &ClientRecord{ClientID: c.ClientID, Address: c.Address, Token: c.Token}
		s.tokens[c.Token] = c.ClientID
	}

	s.groups = make(map[string]*Group)
	for _, g := range state.Groups {
		grp := &Group{Name: g.Name, Members: make(map[string]bool)}
		for _, m := range g.Members {
			grp.Members[m] = true
		}
		s.groups[g.Name] = grp
	}

	s.votes = make(map[string]*Vote)
	for _, v := range state.Votes {
		ballots := v.Ballots
		if ballots == nil {
			ballots = make(map[string]int)
		}
		s.votes[v.VoteID] = &Vote{
			VoteID: v.VoteID, Group: v.Group, Topic: v.Topic, Options: v.Options,
			Deadline: v.Deadline, Ballots: ballots, State: v.State,
		}
	}

	if len(state.Votes) > 0 {
		s.rescheduleVotesLocked()
	}
}
