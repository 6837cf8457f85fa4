package server

import (
	"fmt"

	"dmrelay/internal/apperr"
	"dmrelay/internal/presence"
	"dmrelay/internal/protocol"
	"dmrelay/internal/relay"
)

// handleMessage dispatches one frame. It reports true when the session has
// ended and the read loop must stop.
func (c *Connection) handleMessage(msg *protocol.Message) bool {
	if !protocol.IsClientRequest(msg.Type) {
		c.sendError(msg.ID, apperr.BadRequest(fmt.Sprintf("unexpected message type %q", msg.Type)))
		return false
	}

	payload, err := msg.Decode()
	if err != nil {
		c.sendError(msg.ID, err)
		return false
	}

	switch p := payload.(type) {
	case *protocol.SignupRequest:
		c.handleSignup(msg.ID, p)
		return false
	case *protocol.AuthenticateRequest:
		c.handleAuthenticate(msg.ID, p)
		return false
	}

	state, identity := c.session()
	if state != stateBound {
		c.sendError(msg.ID, apperr.AuthFailure("not authenticated"))
		return false
	}

	switch p := payload.(type) {
	case *protocol.KeyExchange:
		c.handleKeyExchange(msg.ID, identity, p)
	case *protocol.SubmitMessage:
		c.handleSubmit(msg.ID, identity, p)
	case *protocol.HistoryRequest:
		c.handleHistory(msg.ID, identity, p)
	case *protocol.ClearHistory:
		c.handleClearHistory(msg.ID, identity, p)
	case *protocol.ListUsers:
		c.handleListUsers(msg.ID, p)
	case *protocol.Heartbeat:
		c.handleHeartbeat(msg.ID, identity)
	case *protocol.Logout:
		c.handleLogout(msg.ID, identity)
		return true
	}
	return false
}

// handleSignup creates a new identity. The session stays unauthenticated.
func (c *Connection) handleSignup(ref string, req *protocol.SignupRequest) {
	if !c.server.cfg.SignupEnabled() {
		c.sendError(ref, apperr.Forbidden("signup is disabled"))
		return
	}

	if _, err := c.server.database.CreateIdentity(req.Identity, req.Secret); err != nil {
		if apperr.KindOf(err) == apperr.KindAuthFailure {
			c.log.Warn("Signup rejected", map[string]string{"identity": req.Identity, "reason": err.Error()})
		} else {
			c.log.WithError(err).Error("Failed to create identity", map[string]string{"identity": req.Identity})
		}
		c.sendError(ref, err)
		return
	}

	c.log.Info("Identity created", map[string]string{"identity": req.Identity})
	c.reply(protocol.SignupResponse{Identity: req.Identity})
}

// handleAuthenticate verifies the credential and binds the session to the
// identity. A failed bind leaves the session unauthenticated.
func (c *Connection) handleAuthenticate(ref string, req *protocol.AuthenticateRequest) {
	if state, identity := c.session(); state != stateUnauthenticated {
		c.sendError(ref, apperr.BadRequest(fmt.Sprintf("session is already %s as %s", state, identity)))
		return
	}

	if err := c.server.database.VerifyCredential(req.Identity, req.Secret); err != nil {
		c.log.Warn("Authentication failed", map[string]string{"identity": req.Identity})
		c.sendError(ref, err)
		return
	}

	c.mu.Lock()
	if c.state != stateUnauthenticated {
		c.mu.Unlock()
		c.sendError(ref, apperr.BadRequest("session is no longer unauthenticated"))
		return
	}
	if err := c.server.registry.Bind(req.Identity, c); err != nil {
		c.mu.Unlock()
		c.log.Warn("Bind rejected", map[string]string{"identity": req.Identity, "reason": err.Error()})
		c.sendError(ref, err)
		return
	}
	c.state = stateBound
	c.identity = req.Identity
	c.mu.Unlock()

	if err := c.server.database.UpdateLastSeen(req.Identity, c.server.now()); err != nil {
		c.log.WithError(err).Warn("Failed to update last seen", map[string]string{"identity": req.Identity})
	}

	c.log.Info("Session bound", map[string]string{"identity": req.Identity})
	c.reply(protocol.BindIdentity{Identity: req.Identity})

	// Tell the new session who is already here.
	for _, e := range c.server.registry.Online() {
		if e.Identity == req.Identity {
			continue
		}
		c.reply(protocol.PresenceChanged{Identity: e.Identity, Online: true, LastSeen: e.LastActive.UTC()})
	}
}

// handleKeyExchange relays material to the peer. The sender gets the same
// acknowledgement whether or not the peer was reachable.
func (c *Connection) handleKeyExchange(ref, identity string, req *protocol.KeyExchange) {
	c.server.exchanges.RelayExchange(identity, req.To, req.Material)
	c.server.registry.Touch(identity)
	c.ack(ref, "accepted")
}

func (c *Connection) handleSubmit(ref, identity string, req *protocol.SubmitMessage) {
	if _, err := c.server.relay.Submit(identity, c, *req); err != nil {
		c.sendError(ref, err)
		return
	}
	c.server.registry.Touch(identity)
	c.ack(ref, "stored")
}

// handleHistory returns the session identity's envelopes. Asking for
// another identity's history is forbidden.
func (c *Connection) handleHistory(ref, identity string, req *protocol.HistoryRequest) {
	if req.Identity != "" && req.Identity != identity {
		c.sendError(ref, apperr.Forbidden("history is only available for the bound identity"))
		return
	}

	stored := c.server.relay.History(identity)
	envelopes := make([]protocol.Envelope, 0, len(stored))
	for _, env := range stored {
		envelopes = append(envelopes, relay.ToWire(env))
	}
	c.reply(protocol.HistoryResponse{Identity: identity, Envelopes: envelopes})
}

func (c *Connection) handleClearHistory(ref, identity string, req *protocol.ClearHistory) {
	if req.Identity != "" && req.Identity != identity {
		c.sendError(ref, apperr.Forbidden("history can only be cleared for the bound identity"))
		return
	}

	removed, err := c.server.relay.ClearFor(identity)
	if err != nil {
		c.sendError(ref, err)
		return
	}
	c.reply(protocol.HistoryCleared{Identity: identity, Removed: removed})
}

func (c *Connection) handleListUsers(ref string, req *protocol.ListUsers) {
	var (
		statuses []presence.Status
		err      error
	)
	if req.Query != "" {
		statuses, err = c.server.registry.Search(req.Query)
	} else {
		statuses, err = c.server.registry.ListKnown()
	}
	if err != nil {
		c.sendError(ref, apperr.Internal("failed to list users", err))
		return
	}

	users := make([]protocol.UserInfo, 0, len(statuses))
	for _, st := range statuses {
		users = append(users, protocol.UserInfo{Identity: st.Identity, Online: st.Online, LastSeen: st.LastSeen.UTC()})
	}
	c.reply(protocol.UserList{Users: users})
}

func (c *Connection) handleHeartbeat(ref, identity string) {
	c.server.registry.Touch(identity)
	if err := c.server.database.UpdateLastSeen(identity, c.server.now()); err != nil {
		c.log.WithError(err).Warn("Failed to update last seen", map[string]string{"identity": identity})
	}
	c.ack(ref, "ok")
}

// handleLogout releases the binding and closes the session.
func (c *Connection) handleLogout(ref, identity string) {
	c.mu.Lock()
	c.state = stateClosed
	c.mu.Unlock()

	c.server.registry.Release(identity, c)
	c.log.Info("Session logged out", map[string]string{"identity": identity})
	c.ack(ref, "logged_out")
}
