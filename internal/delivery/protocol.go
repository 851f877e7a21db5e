// Package delivery implements the Delivery Client: the bidirectional
// websocket stream and companion unary RPCs a device uses to exchange
// group traffic with the backend, grounded on the teacher SDK's gateway
// Bot (dial, Hello, Identify, read loop, heartbeat loop) generalized from
// a single Discord-style event stream to the multiplexed group-message
// protocol described for this system.
package delivery

import (
	"encoding/json"

	"github.com/shipcore/groupcore/internal/wire"
)

// Stream envelope opcodes, numbered the same way as the teacher's gateway
// protocol: control frames below 10, server-to-client-only frames at 10+.
const (
	OpStream         = 0  // carries a StreamMessage variant, Kind set
	OpHeartbeat      = 1
	OpHeartbeatAck   = 11
	OpHello          = 10
)

// Envelope is the outer frame for every message on the stream, mirroring
// the teacher's GatewayMessage: an opcode, an optional variant kind for
// OpStream frames, and the variant's JSON payload.
type Envelope struct {
	Op   int             `json:"op"`
	Kind string          `json:"k,omitempty"`
	Data json.RawMessage `json:"d,omitempty"`
}

// StreamMessage variant kinds, used as Envelope.Kind.
const (
	KindInitGroupStream         = "init_group_stream"
	KindGroupMessage            = "group_message"
	KindSendWelcomeMessage      = "send_welcome_message"
	KindAckDelivery             = "ack_delivery"
	KindUpdateGroupSubscriptions = "update_group_subscriptions"
	KindError                   = "error"
)

// groupMessageTag discriminates the two shapes GroupMessage.Message can
// carry: an application envelope (internal/grouphandler.ApplicationEnvelope)
// or a raw post-commit state snapshot (mlsadapter.Group.EncodeCommit). The
// protocol text only describes "message bytes"; this single leading tag
// byte is how the Group Handler's HandleGroupMessage isCommit flag is
// derived on the receiving end.
const (
	groupMessageTagApplication = 0
	groupMessageTagCommit      = 1
)

// TagApplicationMessage prefixes envelope bytes for transport as a
// GroupMessage whose payload is an application message.
func TagApplicationMessage(envelope []byte) []byte {
	return append([]byte{groupMessageTagApplication}, envelope...)
}

// TagCommitMessage prefixes commit-state bytes for transport as a
// GroupMessage whose payload is a post-commit snapshot.
func TagCommitMessage(commit []byte) []byte {
	return append([]byte{groupMessageTagCommit}, commit...)
}

// untagGroupMessage splits a received GroupMessage payload back into its
// isCommit flag and the bytes the Group Handler expects.
func untagGroupMessage(tagged []byte) (isCommit bool, payload []byte, ok bool) {
	if len(tagged) < 1 {
		return false, nil, false
	}
	return tagged[0] == groupMessageTagCommit, tagged[1:], true
}

// InitGroupStream is the first message sent on a freshly dialed stream:
// it authenticates the device and declares the set of groups it wants
// fan-out for.
type InitGroupStream struct {
	UserID    uint64   `json:"user_id"`
	DeviceID  string   `json:"device_id"`
	Date      int64    `json:"date"`
	Signature []byte   `json:"signature"`
	GroupIDs  [][]byte `json:"group_ids"`
}

// InitGroupStreamTBS is the to-be-signed tuple InitGroupStream.Signature
// covers: (user_id, device_id, date), MLS-encoded the same way every
// other TBS tuple in this system is.
type InitGroupStreamTBS struct {
	UserID   uint64
	DeviceID string
	Date     int64
}

func (tbs InitGroupStreamTBS) Encode() []byte {
	w := wire.NewWriter()
	w.PutUint64(tbs.UserID)
	w.PutBytes([]byte(tbs.DeviceID))
	w.PutInt64(tbs.Date)
	return w.Bytes()
}

// GroupMessage delivers opaque message bytes to every listed member of a
// group. The backend fans this out; Message's leading tag byte (see
// TagApplicationMessage/TagCommitMessage) says whether the Group Handler
// should treat it as a commit or an application message.
type GroupMessage struct {
	MessageID uint64   `json:"message_id"`
	GroupID   []byte   `json:"group_id"`
	Members   []uint64 `json:"members"`
	Message   []byte   `json:"message"`
}

// SendWelcomeMessage delivers a welcome to one user, out of band from any
// group the recipient is not yet a member of.
type SendWelcomeMessage struct {
	MessageID      uint64 `json:"message_id"`
	UserID         uint64 `json:"user_id"`
	WelcomeMessage []byte `json:"welcome_message"`
}

// AckDelivery acknowledges successful local processing of one stream
// item. Acknowledgement is idempotent; the backend may receive duplicates
// after a reconnect and must tolerate them.
type AckDelivery struct {
	MessageID uint64 `json:"message_id"`
	UserID    uint64 `json:"user_id"`
	DeviceID  string `json:"device_id"`
	GroupID   []byte `json:"group_id"`
}

// UpdateGroupSubscriptions adjusts the backend's fan-out set for this
// stream without requiring a full reconnect.
type UpdateGroupSubscriptions struct {
	Add    [][]byte `json:"add"`
	Remove [][]byte `json:"remove"`
}

// streamError is the payload of a KindError frame from the backend.
type streamError struct {
	Message string `json:"message"`
}
