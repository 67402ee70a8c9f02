// Package proto defines the on-the-wire message envelope and per-tag
// payload shapes shared by every votecast subsystem. Encoding is
// encoding/json, keeping datagrams readable while developing and
// testing.
package proto

import (
	"encoding/json"
	"fmt"

	"github.com/fistfight/votecast/internal/nodeid"
)

// Tag identifies the logical message type inside an Envelope.
type Tag string

const (
	TagAnnounce Tag = "ANNOUNCE"

	TagHSElection Tag = "HS_ELECTION"
	TagHSReply    Tag = "HS_REPLY"
	TagHSLeader   Tag = "HS_LEADER"

	TagHeartbeat    Tag = "HEARTBEAT"
	TagHeartbeatAck Tag = "HEARTBEAT_ACK"

	TagRepl             Tag = "REPL"
	TagReplAck          Tag = "REPL_ACK"
	TagReplStateRequest Tag = "REPL_STATE_REQUEST"
	TagReplState        Tag = "REPL_STATE"

	TagNewLeader Tag = "NEW_LEADER"

	TagRegister     Tag = "REGISTER"
	TagCreateGroup  Tag = "CREATE_GROUP"
	TagJoinGroup    Tag = "JOIN_GROUP"
	TagLeaveGroup   Tag = "LEAVE_GROUP"
	TagStartVote    Tag = "START_VOTE"
	TagCastBallot   Tag = "CAST_BALLOT"
	TagVoteOpen     Tag = "VOTE_OPEN"
	TagBallotCount  Tag = "BALLOT_COUNTED"
	TagVoteResult   Tag = "VOTE_RESULT"
	TagReply        Tag = "REPLY" // generic service-call reply envelope
	TagAck          Tag = "ACK"
	TagDeliver      Tag = "DELIVER"
)

// Envelope is the logical wire frame every subsystem exchanges:
// {tag, round_or_epoch, seq, sender, payload}.
type Envelope struct {
	Tag     Tag             `json:"tag"`
	Round   uint64          `json:"round_or_epoch,omitempty"`
	Seq     uint64          `json:"seq,omitempty"`
	Sender  nodeid.ID       `json:"sender"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Encode marshals env to its wire form.
func Encode(env Envelope) ([]byte, error) {
	b, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("proto: encode envelope: %w", err)
	}
	return b, nil
}

// Decode unmarshals raw bytes into an Envelope.
func Decode(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("proto: decode envelope: %w", err)
	}
	return env, nil
}

// Pack builds an Envelope around a tag-specific payload value.
func Pack(tag Tag, round, seq uint64, sender nodeid.ID, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("proto: pack %s payload: %w", tag, err)
	}
	return Envelope{Tag: tag, Round: round, Seq: seq, Sender: sender, Payload: raw}, nil
}

// Unpack decodes env.Payload into dst.
func Unpack(env Envelope, dst any) error {
	if len(env.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		return fmt.Errorf("proto: unpack %s payload: %w", env.Tag, err)
	}
	return nil
}
