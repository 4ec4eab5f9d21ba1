package main

import (
	"crypto/rand"
	"testing"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRelays(t *testing.T) {
	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	require.NoError(t, err)
	id, err := peer.IDFromPrivateKey(priv)
	require.NoError(t, err)

	relays, err := parseRelays([]string{
		"/ip4/203.0.113.7/tcp/4001/p2p/" + id.String(),
		"/dns4/relay.example.com/udp/4001/quic-v1/p2p/" + id.String(),
	})
	require.NoError(t, err)
	require.Len(t, relays, 2)
	assert.Equal(t, id, relays[0].ID)
	assert.Len(t, relays[1].Addrs, 1)

	_, err = parseRelays([]string{"/ip4/203.0.113.7/tcp/4001"})
	assert.ErrorContains(t, err, "-reserve")
}
