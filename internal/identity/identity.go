// Package identity turns raw public keys into stable peer identifiers and
// manages the local node's persistent key.
package identity

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
)

var log = logging.Logger("identity")

// ErrInvalidKey is returned for key bytes that are neither a marshalled
// libp2p public key nor a raw Ed25519 key.
var ErrInvalidKey = errors.New("identity: invalid public key")

// Codec maps a raw public key to a comparable peer identifier.
type Codec interface {
	ID(key []byte) (string, error)
}

// PeerCodec derives base58 libp2p peer IDs.
type PeerCodec struct{}

func (PeerCodec) ID(key []byte) (string, error) {
	pid, err := PeerID(key)
	if err != nil {
		return "", err
	}
	return pid.String(), nil
}

// PublicKey parses key, accepting both the libp2p protobuf encoding and a
// bare 32 byte Ed25519 key.
func PublicKey(key []byte) (crypto.PubKey, error) {
	if len(key) == 32 {
		pk, err := crypto.UnmarshalEd25519PublicKey(key)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}
		return pk, nil
	}
	pk, err := crypto.UnmarshalPublicKey(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return pk, nil
}

// PeerID derives the libp2p peer ID of key.
func PeerID(key []byte) (peer.ID, error) {
	pk, err := PublicKey(key)
	if err != nil {
		return "", err
	}
	pid, err := peer.IDFromPublicKey(pk)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return pid, nil
}

// Marshal returns the canonical (protobuf) encoding of pk.
func Marshal(pk crypto.PubKey) ([]byte, error) {
	return crypto.MarshalPublicKey(pk)
}

// KeyOf recovers the canonical public key bytes embedded in pid. Only
// identity-hashed IDs (Ed25519 and other small keys) carry their key.
func KeyOf(pid peer.ID) ([]byte, error) {
	pk, err := pid.ExtractPublicKey()
	if err != nil {
		return nil, fmt.Errorf("extract public key from %s: %w", pid, err)
	}
	return Marshal(pk)
}

// LoadOrCreateKey loads a persistent identity key from disk,
// or generates a new Ed25519 key and saves it on first run.
func LoadOrCreateKey(keyFile string) (crypto.PrivKey, bool, error) {
	data, err := os.ReadFile(keyFile)
	if err == nil {
		priv, err := crypto.UnmarshalPrivateKey(data)
		if err == nil {
			return priv, false, nil
		}
		log.Warnf("corrupt identity key at %s: %v (generating new key)", keyFile, err)
	}

	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, false, err
	}

	raw, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, false, fmt.Errorf("marshal identity key: %w", err)
	}

	if dir := filepath.Dir(keyFile); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, false, fmt.Errorf("create key directory: %w", err)
		}
	}

	if err := os.WriteFile(keyFile, raw, 0600); err != nil {
		return nil, false, fmt.Errorf("save identity key: %w", err)
	}

	return priv, true, nil
}
