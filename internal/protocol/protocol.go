package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"dmrelay/internal/apperr"

	"github.com/google/uuid"
	"github.com/mitchellh/mapstructure"
)

// MessageType defines the type of message
type MessageType string

const (
	// Client to server messages
	MsgTypeSignup         MessageType = "signup"
	MsgTypeAuthenticate   MessageType = "authenticate"
	MsgTypeKeyExchange    MessageType = "key_exchange"
	MsgTypeSubmitMessage  MessageType = "submit_message"
	MsgTypeHistoryRequest MessageType = "history_request"
	MsgTypeClearHistory   MessageType = "clear_history"
	MsgTypeListUsers      MessageType = "list_users"
	MsgTypeHeartbeat      MessageType = "heartbeat"
	MsgTypeLogout         MessageType = "logout"

	// Server to client messages
	MsgTypeSignedUp         MessageType = "signed_up"
	MsgTypeBindIdentity     MessageType = "bind_identity"
	MsgTypePresenceChanged  MessageType = "presence_changed"
	MsgTypeMessageDelivered MessageType = "message_delivered"
	MsgTypeHistory          MessageType = "history"
	MsgTypeHistoryCleared   MessageType = "history_cleared"
	MsgTypeUserList         MessageType = "user_list"
	MsgTypeAck              MessageType = "ack"
	MsgTypeError            MessageType = "error"
)

const (
	maxIdentityLength = 32
	maxMaterialLength = 4096
	maxQueryLength    = 32
)

// Message represents the base frame structure
type Message struct {
	Type      MessageType `json:"type"`
	ID        string      `json:"id,omitempty"`
	Timestamp int64       `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

// Payload is implemented by every frame body. The set is closed: only the
// types in this package satisfy it.
type Payload interface {
	Type() MessageType
	Validate() error
	sealed()
}

// SignupRequest creates a new identity
type SignupRequest struct {
	Identity string `json:"identity" mapstructure:"identity"`
	Secret   string `json:"secret" mapstructure:"secret"`
}

// SignupResponse confirms a new identity
type SignupResponse struct {
	Identity string `json:"identity" mapstructure:"identity"`
}

// AuthenticateRequest binds the connection to an identity
type AuthenticateRequest struct {
	Identity string `json:"identity" mapstructure:"identity"`
	Secret   string `json:"secret" mapstructure:"secret"`
}

// BindIdentity confirms the presence binding
type BindIdentity struct {
	Identity string `json:"identity" mapstructure:"identity"`
}

// PresenceChanged is broadcast when an identity binds or unbinds
type PresenceChanged struct {
	Identity string    `json:"identity" mapstructure:"identity"`
	Online   bool      `json:"online" mapstructure:"online"`
	LastSeen time.Time `json:"last_seen" mapstructure:"last_seen"`
}

// KeyExchange carries opaque public key material between two identities.
// From is ignored on input and set by the server on relay.
type KeyExchange struct {
	From     string `json:"from,omitempty" mapstructure:"from"`
	To       string `json:"to" mapstructure:"to"`
	Material string `json:"material" mapstructure:"material"`
}

// SubmitMessage is an encrypted message from the client
type SubmitMessage struct {
	To            string `json:"to" mapstructure:"to"`
	Ciphertext    string `json:"ciphertext" mapstructure:"ciphertext"`
	Nonce         string `json:"nonce" mapstructure:"nonce"`
	AttachmentRef string `json:"attachment_ref,omitempty" mapstructure:"attachment_ref"`
}

// Envelope is a stored message as delivered to clients
type Envelope struct {
	ID            string    `json:"id" mapstructure:"id"`
	From          string    `json:"from" mapstructure:"from"`
	To            string    `json:"to" mapstructure:"to"`
	Ciphertext    string    `json:"ciphertext" mapstructure:"ciphertext"`
	Nonce         string    `json:"nonce" mapstructure:"nonce"`
	AttachmentRef string    `json:"attachment_ref,omitempty" mapstructure:"attachment_ref"`
	CreatedAt     time.Time `json:"created_at" mapstructure:"created_at"`
}

// HistoryRequest asks for the stored conversation of an identity
type HistoryRequest struct {
	Identity string `json:"identity" mapstructure:"identity"`
}

// HistoryResponse returns envelopes ordered by creation time
type HistoryResponse struct {
	Identity  string     `json:"identity" mapstructure:"identity"`
	Envelopes []Envelope `json:"envelopes" mapstructure:"envelopes"`
}

// ClearHistory removes every envelope involving an identity
type ClearHistory struct {
	Identity string `json:"identity" mapstructure:"identity"`
}

// HistoryCleared reports how many envelopes were removed
type HistoryCleared struct {
	Identity string `json:"identity" mapstructure:"identity"`
	Removed  int    `json:"removed" mapstructure:"removed"`
}

// ListUsers asks for known identities, optionally filtered by substring
type ListUsers struct {
	Query string `json:"query,omitempty" mapstructure:"query"`
}

// UserInfo describes one identity in a user list
type UserInfo struct {
	Identity string    `json:"identity" mapstructure:"identity"`
	Online   bool      `json:"online" mapstructure:"online"`
	LastSeen time.Time `json:"last_seen" mapstructure:"last_seen"`
}

// UserList contains the matching identities
type UserList struct {
	Users []UserInfo `json:"users" mapstructure:"users"`
}

// Heartbeat keeps the session's last-active time fresh
type Heartbeat struct{}

// Logout ends the session's binding
type Logout struct{}

// Ack acknowledges a request; Ref is the request frame id
type Ack struct {
	Status string `json:"status" mapstructure:"status"`
	Ref    string `json:"ref,omitempty" mapstructure:"ref"`
}

// ErrorResponse is sent when a request fails
type ErrorResponse struct {
	Code    int    `json:"code" mapstructure:"code"`
	Kind    string `json:"kind" mapstructure:"kind"`
	Message string `json:"message" mapstructure:"message"`
	Ref     string `json:"ref,omitempty" mapstructure:"ref"`
}

func (SignupRequest) Type() MessageType       { return MsgTypeSignup }
func (SignupResponse) Type() MessageType      { return MsgTypeSignedUp }
func (AuthenticateRequest) Type() MessageType { return MsgTypeAuthenticate }
func (BindIdentity) Type() MessageType        { return MsgTypeBindIdentity }
func (PresenceChanged) Type() MessageType     { return MsgTypePresenceChanged }
func (KeyExchange) Type() MessageType         { return MsgTypeKeyExchange }
func (SubmitMessage) Type() MessageType       { return MsgTypeSubmitMessage }
func (Envelope) Type() MessageType            { return MsgTypeMessageDelivered }
func (HistoryRequest) Type() MessageType      { return MsgTypeHistoryRequest }
func (HistoryResponse) Type() MessageType     { return MsgTypeHistory }
func (ClearHistory) Type() MessageType        { return MsgTypeClearHistory }
func (HistoryCleared) Type() MessageType      { return MsgTypeHistoryCleared }
func (ListUsers) Type() MessageType           { return MsgTypeListUsers }
func (UserList) Type() MessageType            { return MsgTypeUserList }
func (Heartbeat) Type() MessageType           { return MsgTypeHeartbeat }
func (Logout) Type() MessageType              { return MsgTypeLogout }
func (Ack) Type() MessageType                 { return MsgTypeAck }
func (ErrorResponse) Type() MessageType       { return MsgTypeError }

func (SignupRequest) sealed()       {}
func (SignupResponse) sealed()      {}
func (AuthenticateRequest) sealed() {}
func (BindIdentity) sealed()        {}
func (PresenceChanged) sealed()     {}
func (KeyExchange) sealed()         {}
func (SubmitMessage) sealed()       {}
func (Envelope) sealed()            {}
func (HistoryRequest) sealed()      {}
func (HistoryResponse) sealed()     {}
func (ClearHistory) sealed()        {}
func (HistoryCleared) sealed()      {}
func (ListUsers) sealed()           {}
func (UserList) sealed()            {}
func (Heartbeat) sealed()           {}
func (Logout) sealed()              {}
func (Ack) sealed()                 {}
func (ErrorResponse) sealed()       {}

func validateIdentityField(field, value string) error {
	if value == "" {
		return apperr.BadRequest(field + " is required")
	}
	if len(value) > maxIdentityLength {
		return apperr.BadRequest(field + " is too long")
	}
	return nil
}

func (r SignupRequest) Validate() error {
	if err := validateIdentityField("identity", r.Identity); err != nil {
		return err
	}
	if r.Secret == "" {
		return apperr.BadRequest("secret is required")
	}
	return nil
}

func (r AuthenticateRequest) Validate() error {
	if err := validateIdentityField("identity", r.Identity); err != nil {
		return err
	}
	if r.Secret == "" {
		return apperr.BadRequest("secret is required")
	}
	return nil
}

func (r KeyExchange) Validate() error {
	if err := validateIdentityField("to", r.To); err != nil {
		return err
	}
	if r.Material == "" {
		return apperr.BadRequest("material is required")
	}
	if len(r.Material) > maxMaterialLength {
		return apperr.BadRequest("material is too large")
	}
	return nil
}

func (r SubmitMessage) Validate() error {
	if r.To == "" {
		return apperr.MalformedEnvelope("recipient is required")
	}
	if r.Ciphertext == "" {
		return apperr.MalformedEnvelope("ciphertext is required")
	}
	if r.Nonce == "" {
		return apperr.MalformedEnvelope("nonce is required")
	}
	return nil
}

func (r ListUsers) Validate() error {
	if len(r.Query) > maxQueryLength {
		return apperr.BadRequest("query is too long")
	}
	return nil
}

func (r HistoryRequest) Validate() error {
	if len(r.Identity) > maxIdentityLength {
		return apperr.BadRequest("identity is too long")
	}
	return nil
}

func (r ClearHistory) Validate() error {
	if len(r.Identity) > maxIdentityLength {
		return apperr.BadRequest("identity is too long")
	}
	return nil
}

func (SignupResponse) Validate() error  { return nil }
func (BindIdentity) Validate() error    { return nil }
func (PresenceChanged) Validate() error { return nil }
func (Envelope) Validate() error        { return nil }
func (HistoryResponse) Validate() error { return nil }
func (HistoryCleared) Validate() error  { return nil }
func (UserList) Validate() error        { return nil }
func (Heartbeat) Validate() error       { return nil }
func (Logout) Validate() error          { return nil }
func (Ack) Validate() error             { return nil }
func (ErrorResponse) Validate() error   { return nil }

// newPayload returns a pointer to the empty payload for a message type
func newPayload(t MessageType) (Payload, interface{}) {
	switch t {
	case MsgTypeSignup:
		p := new(SignupRequest)
		return p, p
	case MsgTypeSignedUp:
		p := new(SignupResponse)
		return p, p
	case MsgTypeAuthenticate:
		p := new(AuthenticateRequest)
		return p, p
	case MsgTypeBindIdentity:
		p := new(BindIdentity)
		return p, p
	case MsgTypePresenceChanged:
		p := new(PresenceChanged)
		return p, p
	case MsgTypeKeyExchange:
		p := new(KeyExchange)
		return p, p
	case MsgTypeSubmitMessage:
		p := new(SubmitMessage)
		return p, p
	case MsgTypeMessageDelivered:
		p := new(Envelope)
		return p, p
	case MsgTypeHistoryRequest:
		p := new(HistoryRequest)
		return p, p
	case MsgTypeHistory:
		p := new(HistoryResponse)
		return p, p
	case MsgTypeClearHistory:
		p := new(ClearHistory)
		return p, p
	case MsgTypeHistoryCleared:
		p := new(HistoryCleared)
		return p, p
	case MsgTypeListUsers:
		p := new(ListUsers)
		return p, p
	case MsgTypeUserList:
		p := new(UserList)
		return p, p
	case MsgTypeHeartbeat:
		p := new(Heartbeat)
		return p, p
	case MsgTypeLogout:
		p := new(Logout)
		return p, p
	case MsgTypeAck:
		p := new(Ack)
		return p, p
	case MsgTypeError:
		p := new(ErrorResponse)
		return p, p
	}
	return nil, nil
}

// NewMessage creates a new message with timestamp and a fresh id
func NewMessage(payload Payload) *Message {
	return &Message{
		Type:      payload.Type(),
		ID:        uuid.New().String(),
		Timestamp: time.Now().Unix(),
		Data:      payload,
	}
}

// Marshal converts a message to JSON bytes
func (m *Message) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// UnmarshalMessage parses JSON bytes into a message
func UnmarshalMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// ParseData parses the message data into a specific type
func (m *Message) ParseData(target interface{}) error {
	if m.Data == nil {
		return nil
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.StringToTimeHookFunc(time.RFC3339Nano),
		Result:     target,
		TagName:    "mapstructure",
	})
	if err != nil {
		return err
	}
	return decoder.Decode(m.Data)
}

// Decode turns a received frame into its typed, validated payload.
// A pointer to the payload struct is returned.
func (m *Message) Decode() (Payload, error) {
	payload, target := newPayload(m.Type)
	if payload == nil {
		return nil, apperr.BadRequest(fmt.Sprintf("unknown message type %q", m.Type))
	}
	if err := m.ParseData(target); err != nil {
		return nil, apperr.BadRequest(fmt.Sprintf("invalid %s data", m.Type))
	}
	if err := payload.Validate(); err != nil {
		return nil, err
	}
	return payload, nil
}

// IsClientRequest reports whether clients may send this type
func IsClientRequest(t MessageType) bool {
	switch t {
	case MsgTypeSignup, MsgTypeAuthenticate, MsgTypeKeyExchange, MsgTypeSubmitMessage,
		MsgTypeHistoryRequest, MsgTypeClearHistory, MsgTypeListUsers, MsgTypeHeartbeat, MsgTypeLogout:
		return true
	}
	return false
}
