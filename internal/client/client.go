package client

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"dmrelay/internal/apperr"
	"dmrelay/internal/crypto"
	"dmrelay/internal/logging"
	"dmrelay/internal/protocol"

	"github.com/gorilla/websocket"
)

const (
	defaultTimeout = 10 * time.Second
	eventBuffer    = 128
)

var (
	ErrClosed           = errors.New("client closed")
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrNoSessionKey     = errors.New("no session key for peer")
	ErrPeerUnreachable  = errors.New("peer did not answer the key exchange")
)

// EventType classifies a pushed event
type EventType string

const (
	EventMessage     EventType = "message"
	EventPresence    EventType = "presence"
	EventKeyExchange EventType = "key_exchange"
)

// Message is an envelope with its plaintext, if it could be decrypted
type Message struct {
	protocol.Envelope
	Plaintext string
	Err       error
}

// Event is something the server pushed without being asked
type Event struct {
	Type     EventType
	Message  *Message
	Presence *protocol.PresenceChanged
	Peer     string
}

type peer struct {
	material string
	key      []byte
	ready    chan struct{}
}

type waiter struct {
	id string
	ch chan protocol.Payload
}

// Client is a session with a relay server. Requests are issued one at a
// time; pushed deliveries, presence changes and key exchanges are handled
// by a background reader and surfaced through Events.
type Client struct {
	wsURL   string
	httpURL string
	conn    *websocket.Conn
	keys    *crypto.KeyPair
	timeout time.Duration
	log     *logging.Logger

	writeMu sync.Mutex // protects WebSocket writes
	reqMu   sync.Mutex // one request in flight

	mu       sync.Mutex // protects the fields below
	identity string
	secret   string
	peers    map[string]*peer
	inflight *waiter

	events    chan Event
	done      chan struct{}
	closeOnce sync.Once
	readErr   error
}

// Option configures a Client
type Option func(*Client)

// WithTimeout bounds how long a request waits for its reply
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// Dial connects to the WebSocket endpoint at serverURL (ws:// or wss://,
// path included) and starts the reader.
func Dial(serverURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}
	httpURL := *u
	switch u.Scheme {
	case "ws":
		httpURL.Scheme = "http"
	case "wss":
		httpURL.Scheme = "https"
	default:
		return nil, fmt.Errorf("invalid server URL scheme %q", u.Scheme)
	}
	httpURL.Path = strings.TrimSuffix(httpURL.Path, "/ws")

	keys, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to server: %w", err)
	}

	c := &Client{
		wsURL:   u.String(),
		httpURL: strings.TrimSuffix(httpURL.String(), "/"),
		conn:    conn,
		keys:    keys,
		timeout: defaultTimeout,
		log:     logging.NewLogger("dmrelay"),
		peers:   make(map[string]*peer),
		events:  make(chan Event, eventBuffer),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	go c.readLoop()
	return c, nil
}

// Events returns pushed events. The channel is closed when the connection
// ends.
func (c *Client) Events() <-chan Event {
	return c.events
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns the error that ended the connection, if any.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readErr
}

// Identity returns the bound identity, empty before Authenticate.
func (c *Client) Identity() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

// Close terminates the connection.
func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.conn.Close()
}

func (c *Client) write(msg *protocol.Message) error {
	data, err := msg.Marshal()
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// request sends payload and waits for its reply. Server errors are returned
// as *apperr.Error with the server's kind.
func (c *Client) request(payload protocol.Payload) (protocol.Payload, error) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	msg := protocol.NewMessage(payload)
	w := &waiter{id: msg.ID, ch: make(chan protocol.Payload, 1)}
	c.mu.Lock()
	c.inflight = w
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.inflight == w {
			c.inflight = nil
		}
		c.mu.Unlock()
	}()

	if err := c.write(msg); err != nil {
		return nil, fmt.Errorf("failed to send %s: %w", payload.Type(), err)
	}

	select {
	case reply := <-w.ch:
		if e, ok := reply.(*protocol.ErrorResponse); ok {
			return nil, apperr.New(apperr.Kind(e.Kind), e.Message)
		}
		return reply, nil
	case <-c.done:
		return nil, ErrClosed
	case <-time.After(c.timeout):
		return nil, fmt.Errorf("timed out waiting for reply to %s", payload.Type())
	}
}

func (c *Client) expectAck(payload protocol.Payload, status string) error {
	reply, err := c.request(payload)
	if err != nil {
		return err
	}
	ack, ok := reply.(*protocol.Ack)
	if !ok {
		return fmt.Errorf("unexpected reply %s to %s", reply.Type(), payload.Type())
	}
	if ack.Status != status {
		return fmt.Errorf("unexpected status %q for %s", ack.Status, payload.Type())
	}
	return nil
}

// Signup creates a new identity. The connection stays unauthenticated.
func (c *Client) Signup(identity, secret string) error {
	reply, err := c.request(protocol.SignupRequest{Identity: identity, Secret: secret})
	if err != nil {
		return err
	}
	if _, ok := reply.(*protocol.SignupResponse); !ok {
		return fmt.Errorf("unexpected reply %s to signup", reply.Type())
	}
	return nil
}

// Authenticate binds this connection to identity.
func (c *Client) Authenticate(identity, secret string) error {
	reply, err := c.request(protocol.AuthenticateRequest{Identity: identity, Secret: secret})
	if err != nil {
		return err
	}
	bound, ok := reply.(*protocol.BindIdentity)
	if !ok {
		return fmt.Errorf("unexpected reply %s to authenticate", reply.Type())
	}

	c.mu.Lock()
	c.identity = bound.Identity
	c.secret = secret
	c.mu.Unlock()
	return nil
}

// ExchangeKeys sends our public key to peerID and waits until the peer's
// key arrives. An offline peer never answers and the call times out with
// ErrPeerUnreachable.
func (c *Client) ExchangeKeys(peerID string) error {
	if c.Identity() == "" {
		return ErrNotAuthenticated
	}

	p := c.peer(peerID)
	if err := c.expectAck(protocol.KeyExchange{To: peerID, Material: c.keys.EncodedPublicKey()}, "accepted"); err != nil {
		return err
	}

	select {
	case <-p.ready:
		return nil
	case <-c.done:
		return ErrClosed
	case <-time.After(c.timeout):
		return ErrPeerUnreachable
	}
}

// SessionKey returns the key shared with peerID, if the exchange completed.
func (c *Client) SessionKey(peerID string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.peers[peerID]
	if !ok || p.key == nil {
		return nil, false
	}
	return p.key, true
}

func (c *Client) ensureKey(peerID string) ([]byte, error) {
	if key, ok := c.SessionKey(peerID); ok {
		return key, nil
	}
	if err := c.ExchangeKeys(peerID); err != nil {
		return nil, err
	}
	key, ok := c.SessionKey(peerID)
	if !ok {
		return nil, ErrNoSessionKey
	}
	return key, nil
}

// Send encrypts plaintext for to and submits it, exchanging keys first if
// needed.
func (c *Client) Send(to, plaintext string) error {
	return c.send(to, plaintext, "")
}

// SendWithAttachment is Send with a reference to an uploaded attachment.
func (c *Client) SendWithAttachment(to, plaintext, ref string) error {
	return c.send(to, plaintext, ref)
}

func (c *Client) send(to, plaintext, ref string) error {
	key, err := c.ensureKey(to)
	if err != nil {
		return err
	}
	ciphertext, nonce, err := crypto.Seal(key, plaintext)
	if err != nil {
		return fmt.Errorf("failed to encrypt message: %w", err)
	}
	return c.expectAck(protocol.SubmitMessage{
		To:            to,
		Ciphertext:    ciphertext,
		Nonce:         nonce,
		AttachmentRef: ref,
	}, "stored")
}

// History returns our stored envelopes, decrypted where a session key is
// known.
func (c *Client) History() ([]Message, error) {
	reply, err := c.request(protocol.HistoryRequest{})
	if err != nil {
		return nil, err
	}
	resp, ok := reply.(*protocol.HistoryResponse)
	if !ok {
		return nil, fmt.Errorf("unexpected reply %s to history_request", reply.Type())
	}

	out := make([]Message, 0, len(resp.Envelopes))
	for _, env := range resp.Envelopes {
		out = append(out, c.open(env))
	}
	return out, nil
}

// ClearHistory removes every envelope we take part in, for both parties.
func (c *Client) ClearHistory() (int, error) {
	reply, err := c.request(protocol.ClearHistory{})
	if err != nil {
		return 0, err
	}
	resp, ok := reply.(*protocol.HistoryCleared)
	if !ok {
		return 0, fmt.Errorf("unexpected reply %s to clear_history", reply.Type())
	}
	return resp.Removed, nil
}

// ListUsers lists known identities, filtered by a substring when query is set.
func (c *Client) ListUsers(query string) ([]protocol.UserInfo, error) {
	reply, err := c.request(protocol.ListUsers{Query: query})
	if err != nil {
		return nil, err
	}
	resp, ok := reply.(*protocol.UserList)
	if !ok {
		return nil, fmt.Errorf("unexpected reply %s to list_users", reply.Type())
	}
	return resp.Users, nil
}

// Heartbeat refreshes our last-active time.
func (c *Client) Heartbeat() error {
	return c.expectAck(protocol.Heartbeat{}, "ok")
}

// Logout ends the session; the server closes the connection afterwards.
func (c *Client) Logout() error {
	return c.expectAck(protocol.Logout{}, "logged_out")
}

// UploadAttachment encrypts data for peerID and stores it on the server,
// returning the reference to put in a message.
func (c *Client) UploadAttachment(peerID string, data []byte, contentType string) (string, error) {
	key, err := c.ensureKey(peerID)
	if err != nil {
		return "", err
	}
	sealed, err := crypto.SealAttachment(key, data)
	if err != nil {
		return "", err
	}

	req, err := c.newHTTPRequest(http.MethodPost, "/attachments", bytes.NewReader(sealed.Ciphertext))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("X-Nonce", base64.StdEncoding.EncodeToString(sealed.Nonce))
	req.Header.Set("X-Auth-Tag", base64.StdEncoding.EncodeToString(sealed.Tag))

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to upload attachment: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return "", httpError(resp)
	}

	var out struct {
		Ref string `json:"ref"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to parse upload response: %w", err)
	}
	return out.Ref, nil
}

// DownloadAttachment fetches and decrypts an attachment shared with peerID.
func (c *Client) DownloadAttachment(peerID, ref string) ([]byte, string, error) {
	key, ok := c.SessionKey(peerID)
	if !ok {
		return nil, "", ErrNoSessionKey
	}

	req, err := c.newHTTPRequest(http.MethodGet, "/attachments/"+url.PathEscape(ref), nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("failed to download attachment: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", httpError(resp)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", err
	}
	nonce, err := base64.StdEncoding.DecodeString(resp.Header.Get("X-Nonce"))
	if err != nil {
		return nil, "", fmt.Errorf("invalid attachment nonce: %w", err)
	}
	tag, err := base64.StdEncoding.DecodeString(resp.Header.Get("X-Auth-Tag"))
	if err != nil {
		return nil, "", fmt.Errorf("invalid attachment tag: %w", err)
	}

	data, err := crypto.OpenAttachment(key, &crypto.SealedAttachment{Ciphertext: body, Nonce: nonce, Tag: tag})
	if err != nil {
		return nil, "", err
	}
	return data, resp.Header.Get("Content-Type"), nil
}

func (c *Client) newHTTPRequest(method, path string, body io.Reader) (*http.Request, error) {
	c.mu.Lock()
	identity, secret := c.identity, c.secret
	c.mu.Unlock()
	if identity == "" {
		return nil, ErrNotAuthenticated
	}

	req, err := http.NewRequest(method, c.httpURL+path, body)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(identity, secret)
	return req, nil
}

func httpError(resp *http.Response) error {
	var body struct {
		Kind  string `json:"kind"`
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Kind == "" {
		return fmt.Errorf("server returned %s", resp.Status)
	}
	return apperr.New(apperr.Kind(body.Kind), body.Error)
}

// peer returns the state for peerID, creating it.
func (c *Client) peer(peerID string) *peer {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.peers[peerID]
	if !ok {
		p = &peer{ready: make(chan struct{})}
		c.peers[peerID] = p
	}
	return p
}

// open decrypts an envelope with the key of the other party.
func (c *Client) open(env protocol.Envelope) Message {
	other := env.From
	if other == c.Identity() {
		other = env.To
	}
	m := Message{Envelope: env}
	key, ok := c.SessionKey(other)
	if !ok {
		m.Err = ErrNoSessionKey
		return m
	}
	m.Plaintext, m.Err = crypto.Open(key, env.Ciphertext, env.Nonce)
	return m
}

func (c *Client) readLoop() {
	defer func() {
		c.closeOnce.Do(func() {
			close(c.done)
			close(c.events)
		})
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			c.readErr = err
			c.mu.Unlock()
			return
		}

		msg, err := protocol.UnmarshalMessage(data)
		if err != nil {
			c.log.Warn("Ignoring malformed frame", map[string]string{"error": err.Error()})
			continue
		}
		payload, err := msg.Decode()
		if err != nil {
			c.log.Warn("Ignoring undecodable frame", map[string]string{"type": string(msg.Type), "error": err.Error()})
			continue
		}

		switch p := payload.(type) {
		case *protocol.Envelope:
			m := c.open(*p)
			c.emit(Event{Type: EventMessage, Message: &m})
		case *protocol.PresenceChanged:
			c.emit(Event{Type: EventPresence, Presence: p, Peer: p.Identity})
		case *protocol.KeyExchange:
			c.handlePeerMaterial(p)
		case *protocol.Ack:
			c.resolve(p.Ref, p)
		case *protocol.ErrorResponse:
			c.resolve(p.Ref, p)
		default:
			c.resolve("", p)
		}
	}
}

// resolve hands a reply to the request in flight. Replies to requests that
// are no longer waited for are dropped.
func (c *Client) resolve(ref string, p protocol.Payload) {
	c.mu.Lock()
	w := c.inflight
	if w == nil || (ref != "" && ref != w.id) {
		c.mu.Unlock()
		return
	}
	c.inflight = nil
	c.mu.Unlock()

	w.ch <- p
}

// handlePeerMaterial derives the session key for a peer. New material is
// answered with ours so the peer can derive the same key; material we have
// already seen is not answered, which ends the round trip.
func (c *Client) handlePeerMaterial(kx *protocol.KeyExchange) {
	theirs, err := crypto.DecodePublicKey(kx.Material)
	if err != nil {
		c.log.Warn("Ignoring invalid key material", map[string]string{"from": kx.From})
		return
	}
	key, err := crypto.DeriveSharedKey(c.keys.PrivateKey, theirs, c.Identity(), kx.From)
	if err != nil {
		c.log.Warn("Key derivation failed", map[string]string{"from": kx.From, "error": err.Error()})
		return
	}

	p := c.peer(kx.From)
	c.mu.Lock()
	changed := p.material != kx.Material
	p.material = kx.Material
	p.key = key
	select {
	case <-p.ready:
	default:
		close(p.ready)
	}
	c.mu.Unlock()

	if changed {
		reply := protocol.NewMessage(protocol.KeyExchange{To: kx.From, Material: c.keys.EncodedPublicKey()})
		if err := c.write(reply); err != nil {
			c.log.Warn("Failed to answer key exchange", map[string]string{"to": kx.From, "error": err.Error()})
		}
	}
	c.emit(Event{Type: EventKeyExchange, Peer: kx.From})
}

func (c *Client) emit(e Event) {
	select {
	case c.events <- e:
	default:
		c.log.Warn("Event dropped, consumer too slow", map[string]string{"type": string(e.Type)})
	}
}
