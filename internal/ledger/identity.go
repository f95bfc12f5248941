package ledger

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"os"
)

// Identity is an account address together with its signing key. Each agent
// owns exactly one and never shares it.
type Identity struct {
	key ed25519.PrivateKey
}

// NewIdentity derives an identity from a 32-byte ed25519 seed.
func NewIdentity(seed []byte) (*Identity, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("identity seed: want %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return &Identity{key: ed25519.NewKeyFromSeed(seed)}, nil
}

// LoadIdentity reads a Solana CLI keypair file: a JSON array of the 64 bytes
// of seed followed by public key.
func LoadIdentity(path string) (*Identity, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read keypair %s: %w", path, err)
	}

	var secret []byte
	var ints []int
	if err := json.Unmarshal(raw, &ints); err != nil {
		// Agent keypair files may wrap the array in {"secret_key": [...]}.
		var wrapped struct {
			SecretKey []int `json:"secret_key"`
		}
		if err2 := json.Unmarshal(raw, &wrapped); err2 != nil || len(wrapped.SecretKey) == 0 {
			return nil, fmt.Errorf("parse keypair %s: %w", path, err)
		}
		ints = wrapped.SecretKey
	}
	for _, v := range ints {
		if v < 0 || v > 255 {
			return nil, fmt.Errorf("parse keypair %s: byte out of range", path)
		}
		secret = append(secret, byte(v))
	}
	if len(secret) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("parse keypair %s: want %d bytes, got %d", path, ed25519.PrivateKeySize, len(secret))
	}

	id, err := NewIdentity(secret[:ed25519.SeedSize])
	if err != nil {
		return nil, err
	}
	if string(id.key[ed25519.SeedSize:]) != string(secret[ed25519.SeedSize:]) {
		return nil, fmt.Errorf("parse keypair %s: public key does not match seed", path)
	}
	return id, nil
}

// PublicKey returns the identity's address.
func (id *Identity) PublicKey() PublicKey {
	var k PublicKey
	copy(k[:], id.key.Public().(ed25519.PublicKey))
	return k
}

// Sign signs message with the identity's private key.
func (id *Identity) Sign(message []byte) Signature {
	var sig Signature
	copy(sig[:], ed25519.Sign(id.key, message))
	return sig
}

func (id *Identity) String() string { return id.PublicKey().String() }
