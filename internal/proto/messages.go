package proto

import (
	"encoding/json"
	"time"

	"github.com/fistfight/votecast/internal/nodeid"
)

// Direction is the bidirectional-ring travel direction used by HS election
// messages.
type Direction string

const (
	Left  Direction = "LEFT"
	Right Direction = "RIGHT"
)

// Opposite returns the reverse travel direction.
func (d Direction) Opposite() Direction {
	if d == Left {
		return Right
	}
	return Left
}

// AnnouncePayload is the Discovery multicast announcement body.
type AnnouncePayload struct {
	Self nodeid.ID `json:"self"`
}

// HSElectionPayload carries an in-flight HS probe.
type HSElectionPayload struct {
	Origin nodeid.ID `json:"origin"`
	Dir    Direction `json:"dir"`
	Hops   int       `json:"hops"`
	Phase  uint32    `json:"phase"`
}

// HSReplyPayload carries an HS reply traveling back toward its origin.
type HSReplyPayload struct {
	Origin nodeid.ID `json:"origin"`
	Dir    Direction `json:"dir"`
	Phase  uint32    `json:"phase"`
}

// HSLeaderPayload is the victory announcement circulated once around the
// ring.
type HSLeaderPayload struct {
	Leader nodeid.ID `json:"leader"`
}

// HeartbeatPayload is a unicast liveness probe to the left neighbour.
type HeartbeatPayload struct {
	Seq uint64 `json:"seq"`
}

// HeartbeatAckPayload acknowledges a HeartbeatPayload.
type HeartbeatAckPayload struct {
	Seq uint64 `json:"seq"`
}

// ReplKind enumerates the kinds of operation the leader replicates to
// followers.
type ReplKind string

const (
	ReplClientRegister ReplKind = "CLIENT_REGISTER"
	ReplGroupCreate    ReplKind = "GROUP_CREATE"
	ReplGroupJoin      ReplKind = "GROUP_JOIN"
	ReplGroupLeave     ReplKind = "GROUP_LEAVE"
	ReplVoteStart      ReplKind = "VOTE_START"
	ReplVoteBallot     ReplKind = "VOTE_BALLOT"
	ReplVoteClose      ReplKind = "VOTE_CLOSE"
)

// ReplPayload is a single replicated operation, tagged with the
// leader-epoch-scoped monotonic op_id carried in Envelope.Seq and the
// epoch carried in Envelope.Round.
type ReplPayload struct {
	OpID    uint64          `json:"op_id"`
	Kind    ReplKind        `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// ReplAckPayload acknowledges a single replicated op.
type ReplAckPayload struct {
	OpID uint64 `json:"op_id"`
}

// ReplStateRequestPayload asks a peer for its highest (epoch, op_id) state
// snapshot during leader bootstrap.
type ReplStateRequestPayload struct{}

// ReplStatePayload is a full state snapshot returned in response to
// REPL_STATE_REQUEST.
type ReplStatePayload struct {
	Epoch    uint64             `json:"epoch"`
	LastOpID uint64             `json:"last_op_id"`
	Clients  []ClientRecordWire `json:"clients"`
	Groups   []GroupWire        `json:"groups"`
	Votes    []VoteWire         `json:"votes"`
}

// ClientRecordWire is the replication-wire shape of a ClientRecord.
type ClientRecordWire struct {
	ClientID string    `json:"client_id"`
	Address  nodeid.ID `json:"address"`
	Token    string    `json:"token"`
}

// GroupWire is the replication-wire shape of a Group.
type GroupWire struct {
	Name    string   `json:"name"`
	Members []string `json:"members"`
}

// VoteWire is the replication-wire shape of a Vote.
type VoteWire struct {
	VoteID   string         `json:"vote_id"`
	Group    string         `json:"group"`
	Topic    string         `json:"topic"`
	Options  []string       `json:"options"`
	Deadline time.Time      `json:"deadline"`
	Ballots  map[string]int `json:"ballots"`
	State    string         `json:"state"`
}

// GroupMembershipWire is the replication-wire payload for GROUP_JOIN and
// GROUP_LEAVE ops.
type GroupMembershipWire struct {
	Name     string `json:"name"`
	ClientID string `json:"client_id"`
}

// VoteBallotWire is the replication-wire payload for a VOTE_BALLOT op.
type VoteBallotWire struct {
	VoteID      string `json:"vote_id"`
	ClientID    string `json:"client_id"`
	OptionIndex int    `json:"option_index"`
}

// VoteCloseWire is the replication-wire payload for a VOTE_CLOSE op.
type VoteCloseWire struct {
	VoteID string `json:"vote_id"`
	Counts []int  `json:"counts"`
	Winner string `json:"winner"`
}

// NewLeaderPayload is broadcast on the multicast group by the winner of
// each election so clients can retarget.
type NewLeaderPayload struct {
	Leader nodeid.ID `json:"leader"`
	Epoch  uint64    `json:"epoch"`
}

// --- Service front-end request/response payloads ---

// RegisterRequest is the REGISTER client op.
type RegisterRequest struct {
	RequestID string    `json:"request_id"`
	Address   nodeid.ID `json:"address"`
}

// RegisterResponse returns the newly allocated identity.
type RegisterResponse struct {
	ClientID string    `json:"client_id"`
	Token    string    `json:"token"`
	LeaderID nodeid.ID `json:"leader_id"`
}

// CreateGroupRequest is the CREATE_GROUP client op.
type CreateGroupRequest struct {
	RequestID string `json:"request_id"`
	Token     string `json:"token"`
	Name      string `json:"name"`
}

// JoinGroupRequest is the JOIN_GROUP client op.
type JoinGroupRequest struct {
	RequestID string `json:"request_id"`
	Token     string `json:"token"`
	Name      string `json:"name"`
}

// JoinGroupResponse reports the current FO sequence for the group so the
// client's ReceiveState can be initialized at the right expected_seq.
type JoinGroupResponse struct {
	NextSeq uint64 `json:"next_seq"`
}

// LeaveGroupRequest is the LEAVE_GROUP client op.
type LeaveGroupRequest struct {
	RequestID string `json:"request_id"`
	Token     string `json:"token"`
	Name      string `json:"name"`
}

// StartVoteRequest is the START_VOTE client op.
type StartVoteRequest struct {
	RequestID string        `json:"request_id"`
	Token     string        `json:"token"`
	Group     string        `json:"group"`
	Topic     string        `json:"topic"`
	Options   []string      `json:"options"`
	Timeout   time.Duration `json:"timeout"`
}

// StartVoteResponse returns the newly allocated vote id.
type StartVoteResponse struct {
	VoteID string `json:"vote_id"`
}

// CastBallotRequest is the CAST_BALLOT client op.
type CastBallotRequest struct {
	RequestID   string `json:"request_id"`
	Token       string `json:"token"`
	VoteID      string `json:"vote_id"`
	OptionIndex int    `json:"option_index"`
}

// CastBallotResponse acknowledges a ballot; Duplicate is set when the
// client had already voted and this call was a no-op replay.
type CastBallotResponse struct {
	Duplicate bool `json:"duplicate"`
}

// VoteOpenPayload is FO-multicast to group members when a vote starts.
type VoteOpenPayload struct {
	VoteID   string    `json:"vote_id"`
	Topic    string    `json:"topic"`
	Options  []string  `json:"options"`
	Deadline time.Time `json:"deadline"`
}

// BallotCountedPayload is FO-multicast whenever a ballot is accepted.
type BallotCountedPayload struct {
	VoteID      string `json:"vote_id"`
	ClientID    string `json:"client_id"`
	OptionIndex int    `json:"option_index"`
}

// VoteResultPayload is FO-multicast once a vote closes.
type VoteResultPayload struct {
	VoteID string `json:"vote_id"`
	Counts []int  `json:"counts"`
	Winner string `json:"winner"`
}

// ServiceReply is the generic leader reply envelope for client ops: on
// success Code is empty and Result carries the tag-specific response; on
// failure Code/Message are populated and Result is empty. Redirect carries
// the known leader when the receiving node is not the leader.
type ServiceReply struct {
	RequestID string    `json:"request_id"`
	Code      string    `json:"code,omitempty"`
	Message   string    `json:"message,omitempty"`
	Redirect  nodeid.ID `json:"redirect,omitempty"`
	Result    any       `json:"result,omitempty"`
}

// AckPayload is the FO-multicast ACK(g, p, seq) reply.
type AckPayload struct {
	Group  string    `json:"group"`
	Sender nodeid.ID `json:"sender"`
	Seq    uint64    `json:"seq"`
}

// DeliverPayload wraps FO-multicast application messages sent to a member.
type DeliverPayload struct {
	Group   string `json:"group"`
	Kind    Tag    `json:"kind"`
	Payload any    `json:"payload"`
}
