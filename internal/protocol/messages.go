package protocol

import (
	"encoding/json"

	"github.com/rlavkvmflzk/metalic-combat-system-sub001/internal/docstore"
	"github.com/rlavkvmflzk/metalic-combat-system-sub001/internal/relay"
)

// HELLO (client -> server)
type HelloMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	UserID          string `json:"user_id"`
	Client          string `json:"client,omitempty"`
}

// WELCOME (server -> client): the full store and the current presence.
type WelcomeMsg struct {
	Type            string          `json:"type"`
	ProtocolVersion string          `json:"protocol_version"`
	SessionID       string          `json:"session_id"`
	User            docstore.User   `json:"user"`
	State           docstore.State  `json:"state"`
	Peers           []docstore.User `json:"peers"`
	Authority       string          `json:"authority"`
}

// PEERS (server -> client) is sent whenever presence changes.
type PeersMsg struct {
	Type            string          `json:"type"`
	ProtocolVersion string          `json:"protocol_version"`
	Peers           []docstore.User `json:"peers"`
	Authority       string          `json:"authority"`
}

// INVOKE (both directions): a relay handler call. From is filled in by the
// server.
type InvokeMsg struct {
	Type            string          `json:"type"`
	ProtocolVersion string          `json:"protocol_version"`
	Name            string          `json:"name"`
	Scope           relay.Scope     `json:"scope"`
	From            string          `json:"from,omitempty"`
	Payload         json.RawMessage `json:"payload,omitempty"`
}

// DOC (client -> server): one store mutation.
type DocMsg struct {
	Type            string      `json:"type"`
	ProtocolVersion string      `json:"protocol_version"`
	ReqID           string      `json:"req_id"`
	Op              docstore.Op `json:"op"`
}

// CHANGE (server -> client): a committed mutation.
type ChangeMsg struct {
	Type            string          `json:"type"`
	ProtocolVersion string          `json:"protocol_version"`
	Change          docstore.Change `json:"change"`
}

type AckMsg struct {
	Type            string           `json:"type"`
	ProtocolVersion string           `json:"protocol_version"`
	AckFor          string           `json:"ack_for"`
	Accepted        bool             `json:"accepted"`
	Code            string           `json:"code,omitempty"`
	Message         string           `json:"message,omitempty"`
	Change          *docstore.Change `json:"change,omitempty"`
}

func NewAck(reqID string, change docstore.Change) AckMsg {
	return AckMsg{Type: TypeAck, ProtocolVersion: Version, AckFor: reqID, Accepted: true, Change: &change}
}

func NewReject(reqID, code, message string) AckMsg {
	return AckMsg{Type: TypeAck, ProtocolVersion: Version, AckFor: reqID, Code: code, Message: message}
}
