package keyexchange

import (
	"errors"
	"testing"

	"dmrelay/internal/presence"
	"dmrelay/internal/protocol"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingConn struct {
	sent []*protocol.Message
	err  error
}

func (c *recordingConn) Send(msg *protocol.Message) error {
	if c.err != nil {
		return c.err
	}
	c.sent = append(c.sent, msg)
	return nil
}

type mapResolver map[string]presence.Conn

func (m mapResolver) Resolve(identity string) (presence.Conn, bool) {
	c, ok := m[identity]
	return c, ok
}

func TestRelayToReachablePeer(t *testing.T) {
	bob := &recordingConn{}
	c := New(mapResolver{"B": bob})

	var outcomes []Outcome
	c.Observe(func(o Outcome) { outcomes = append(outcomes, o) })

	assert.Equal(t, Delivered, c.RelayExchange("A", "B", "pubkey-a"))

	require.Len(t, bob.sent, 1)
	assert.Equal(t, protocol.MsgTypeKeyExchange, bob.sent[0].Type)
	kx, ok := bob.sent[0].Data.(protocol.KeyExchange)
	require.True(t, ok)
	assert.Equal(t, "A", kx.From)
	assert.Equal(t, "B", kx.To)
	assert.Equal(t, "pubkey-a", kx.Material)
	assert.Equal(t, []Outcome{Delivered}, outcomes)
}

func TestRelayToOfflinePeerIsSilentMiss(t *testing.T) {
	c := New(mapResolver{})

	assert.Equal(t, RelayMiss, c.RelayExchange("A", "B", "pubkey-a"))
}

func TestRelayNeverBuffers(t *testing.T) {
	resolver := mapResolver{}
	c := New(resolver)

	assert.Equal(t, RelayMiss, c.RelayExchange("A", "B", "pubkey-a"))

	// B comes online afterwards and receives nothing.
	bob := &recordingConn{}
	resolver["B"] = bob
	assert.Empty(t, bob.sent)

	assert.Equal(t, Delivered, c.RelayExchange("A", "B", "pubkey-a2"))
	require.Len(t, bob.sent, 1)
	assert.Equal(t, "pubkey-a2", bob.sent[0].Data.(protocol.KeyExchange).Material)
}

func TestRelayToClosingConnection(t *testing.T) {
	c := New(mapResolver{"B": &recordingConn{err: errors.New("connection closed")}})

	assert.Equal(t, RelayMiss, c.RelayExchange("A", "B", "pubkey-a"))
}
