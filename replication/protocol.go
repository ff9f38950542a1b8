package replication

import (
	"encoding/json"
	"time"
)

// MessageType represents the type of replication message.
type MessageType uint8

const (
	// Control messages
	MsgHandshake MessageType = iota
	MsgHeartbeat
	MsgAck
	MsgSnapshotRequest

	// Data messages
	MsgEntry
	MsgSnapshot

	// Error messages
	MsgError
)

// Message is the base replication message.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp int64           `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewMessage creates a new message wrapping the given payload.
func NewMessage(msgType MessageType, data any) (*Message, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Message{
		Type:      msgType,
		Timestamp: time.Now().Unix(),
		Data:      dataBytes,
	}, nil
}

// Decode decodes message data into the provided value.
func (m *Message) Decode(v any) error {
	return json.Unmarshal(m.Data, v)
}

// Mutation is a single committed change to the store.
type Mutation struct {
	Op    string `json:"op"` // "put" or "delete"
	Key   string `json:"key"`
	Value []byte `json:"value,omitempty"`
}

const (
	OpPut    = "put"
	OpDelete = "delete"
)

// Entry is a mutation stamped with its commit sequence number. Sequence
// numbers start at 1 and increase without gaps on the primary.
type Entry struct {
	Seq      uint64   `json:"seq"`
	Epoch    int64    `json:"epoch"`
	Mutation Mutation `json:"mutation"`
}

// HandshakeMessage is sent by a replica after connecting.
type HandshakeMessage struct {
	ReplicaID  string `json:"replica_id"`
	AppliedSeq uint64 `json:"applied_seq"`
}

// HeartbeatMessage advertises the primary's committed position.
type HeartbeatMessage struct {
	CommittedSeq uint64 `json:"committed_seq"`
	Epoch        int64  `json:"epoch"`
}

// AckMessage reports a replica's applied position back to the primary.
type AckMessage struct {
	ReplicaID  string `json:"replica_id"`
	AppliedSeq uint64 `json:"applied_seq"`
}

// SnapshotRequestMessage asks the primary for a full resync.
type SnapshotRequestMessage struct {
	ReplicaID string `json:"replica_id"`
	Reason    string `json:"reason"` // "gap" or "stream_reset"
}

// SnapshotMessage carries the full store state as of Seq.
type SnapshotMessage struct {
	SnapshotID string            `json:"snapshot_id"`
	Seq        uint64            `json:"seq"`
	Epoch      int64             `json:"epoch"`
	Data       map[string][]byte `json:"data"`
}

// ErrorMessage reports a fatal channel error to the peer.
type ErrorMessage struct {
	Message string `json:"message"`
}
