package keys

import (
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/tyler-smith/go-bip32"
)

// PurposeBIP84 is the hardened BIP-84 purpose index.
const PurposeBIP84 = bip32.FirstHardenedChild + 84

// HDKey is a BIP-32 extended key.
type HDKey struct {
	key *bip32.Key
}

// NewMasterKey creates a master key from a 64-byte seed.
func NewMasterKey(seed []byte) (*HDKey, error) {
	if len(seed) != SeedSize {
		return nil, fmt.Errorf("%w: seed must be %d bytes, got %d", ErrInvalidSeed, SeedSize, len(seed))
	}
	master, err := bip32.NewMasterKey(seed)
	if err != nil {
		return nil, fmt.Errorf("create master key: %w", err)
	}
	return &HDKey{key: master}, nil
}

// ParseExtendedKey decodes a base58 xpub or xprv.
func ParseExtendedKey(s string) (*HDKey, error) {
	k, err := bip32.B58Deserialize(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return &HDKey{key: k}, nil
}

// DeriveChild derives a child key. Add bip32.FirstHardenedChild to the index
// for hardened derivation.
func (k *HDKey) DeriveChild(index uint32) (*HDKey, error) {
	child, err := k.key.NewChildKey(index)
	if err != nil {
		return nil, fmt.Errorf("derive child %d: %w", index, err)
	}
	return &HDKey{key: child}, nil
}

// DerivePath derives a key along a sequence of indices.
func (k *HDKey) DerivePath(indices ...uint32) (*HDKey, error) {
	current := k
	for _, idx := range indices {
		child, err := current.DeriveChild(idx)
		if err != nil {
			return nil, err
		}
		current = child
	}
	return current, nil
}

// DeriveAccount derives the account key at m/84'/coin'/account'.
func (k *HDKey) DeriveAccount(coin, account uint32) (*HDKey, error) {
	return k.DerivePath(
		PurposeBIP84,
		bip32.FirstHardenedChild+coin,
		bip32.FirstHardenedChild+account,
	)
}

// PrivateKey returns the secp256k1 private key, or nil for a public key.
func (k *HDKey) PrivateKey() *secp256k1.PrivateKey {
	if !k.key.IsPrivate {
		return nil
	}
	// bip32 pads private keys to 33 bytes with a leading zero.
	raw := k.key.Key
	if len(raw) == 33 && raw[0] == 0 {
		raw = raw[1:]
	}
	return secp256k1.PrivKeyFromBytes(raw)
}

// PublicKeyBytes returns the compressed 33-byte public key.
func (k *HDKey) PublicKeyBytes() []byte {
	return k.key.PublicKey().Key
}

// IsPrivate reports whether the key carries private material.
func (k *HDKey) IsPrivate() bool {
	return k.key.IsPrivate
}

// Depth returns the derivation depth (0 for master).
func (k *HDKey) Depth() uint8 {
	return k.key.Depth
}

// Neuter returns a public-only copy.
func (k *HDKey) Neuter() *HDKey {
	return &HDKey{key: k.key.PublicKey()}
}

// String returns the base58 serialization (xpub or xprv).
func (k *HDKey) String() string {
	return k.key.B58Serialize()
}
