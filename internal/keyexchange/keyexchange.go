// Package keyexchange relays public key-exchange material between two
// identities. Material is forwarded to the peer's live connection and then
// forgotten: a peer who is offline at relay time never receives it, and the
// sender is expected to retry once presence shows the peer online.
package keyexchange

import (
	"dmrelay/internal/logging"
	"dmrelay/internal/presence"
	"dmrelay/internal/protocol"
)

// Outcome of a relay attempt
type Outcome string

const (
	Delivered Outcome = "delivered"
	// RelayMiss means the peer was not reachable. It is not an error.
	RelayMiss Outcome = "relay_miss"
)

// Resolver finds the live connection of an identity.
type Resolver interface {
	Resolve(identity string) (presence.Conn, bool)
}

// Coordinator forwards exchange material. It holds no state.
type Coordinator struct {
	resolver Resolver
	log      *logging.Logger
	observe  func(Outcome)
}

// New creates a coordinator resolving peers through r.
func New(r Resolver) *Coordinator {
	return &Coordinator{
		resolver: r,
		log:      logging.NewLogger("keyexchange"),
		observe:  func(Outcome) {},
	}
}

// Observe registers a hook called with every outcome.
func (c *Coordinator) Observe(fn func(Outcome)) {
	c.observe = fn
}

// RelayExchange forwards material from one identity to another, tagged
// with the sender.
func (c *Coordinator) RelayExchange(from, to, material string) Outcome {
	outcome := c.relay(from, to, material)
	c.observe(outcome)
	return outcome
}

func (c *Coordinator) relay(from, to, material string) Outcome {
	conn, ok := c.resolver.Resolve(to)
	if !ok {
		c.log.Debug("Key exchange peer unreachable", map[string]string{"from": from, "to": to})
		return RelayMiss
	}

	msg := protocol.NewMessage(protocol.KeyExchange{
		From:     from,
		To:       to,
		Material: material,
	})
	if err := conn.Send(msg); err != nil {
		// The peer went away between resolve and send.
		c.log.Debug("Key exchange forward failed", map[string]string{"from": from, "to": to, "error": err.Error()})
		return RelayMiss
	}
	return Delivered
}
