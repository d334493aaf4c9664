package syncer

import "github.com/astromechza/hindsight/pkg/store"

// Message is one frame of the board synchronization protocol, carried as
// JSON text over the websocket. The protocol is symmetric: both the client
// and the relay speak it with the same semantics.
//
// On connect each side sends a hello carrying its version vector; the peer
// answers with a delta of everything the vector does not cover, which
// reconciles complete divergence, not just changes since last contact.
// Thereafter each side streams incremental delta frames as its replica
// advances.
type Message struct {
	Type    MessageType         `json:"type"`
	Actor   string              `json:"actor,omitempty"`
	Vector  store.VersionVector `json:"vv,omitempty"`
	Changes *store.ChangeSet    `json:"changes,omitempty"`
}

// MessageType discriminates protocol frames.
type MessageType string

const (
	// MessageHello opens a connection: it carries the sender's actor id
	// and version vector.
	MessageHello MessageType = "hello"
	// MessageDelta carries stamped changes. An empty delta is valid and
	// tells the peer it is already up to date.
	MessageDelta MessageType = "delta"
)
