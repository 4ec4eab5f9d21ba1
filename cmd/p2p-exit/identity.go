package main

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/libp2p/go-libp2p/core/crypto"
	"tailscale.com/ipn"
)

// loadIdentity reads a base64 encoded libp2p private key from path. A
// missing file is replaced by a freshly generated Ed25519 key so the peer
// ID stays stable across restarts.
func loadIdentity(path string) (crypto.PrivKey, error) {
	b, err := os.ReadFile(path)
	switch {
	case err == nil:
		priv, err := decodeIdentity(b)
		if err != nil {
			return nil, fmt.Errorf("%w (%s)", err, path)
		}
		return priv, nil
	case !errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("reading identity: %w", err)
	}

	priv, enc, err := generateIdentity()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, enc, 0o600); err != nil {
		return nil, fmt.Errorf("writing identity: %w", err)
	}
	return priv, nil
}

// loadStoredIdentity is loadIdentity for a state store, such as the
// Kubernetes Secret shared with tsnet.
func loadStoredIdentity(st ipn.StateStore) (crypto.PrivKey, error) {
	b, err := st.ReadState(identityStateKey)
	switch {
	case err == nil:
		return decodeIdentity(b)
	case !errors.Is(err, ipn.ErrStateNotExist):
		return nil, fmt.Errorf("reading identity: %w", err)
	}

	priv, enc, err := generateIdentity()
	if err != nil {
		return nil, err
	}
	if err := st.WriteState(identityStateKey, enc); err != nil {
		return nil, fmt.Errorf("writing identity: %w", err)
	}
	return priv, nil
}

func decodeIdentity(b []byte) (crypto.PrivKey, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(b)))
	if err != nil {
		return nil, fmt.Errorf("decoding identity: %w", err)
	}
	priv, err := crypto.UnmarshalPrivateKey(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing identity: %w", err)
	}
	return priv, nil
}

func generateIdentity() (crypto.PrivKey, []byte, error) {
	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	raw, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, nil, err
	}
	return priv, []byte(base64.StdEncoding.EncodeToString(raw)), nil
}
