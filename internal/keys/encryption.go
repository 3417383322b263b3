package keys

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// SaltSize is the Argon2id salt length.
const SaltSize = 32

// sealed layout: salt(32) | memory(4) | iterations(4) | parallelism(1) | nonce(24) | ciphertext
const kdfHeaderSize = SaltSize + 4 + 4 + 1

// KDFParams are the Argon2id cost parameters stored with each sealed blob.
type KDFParams struct {
	Memory      uint32 // KiB
	Iterations  uint32
	Parallelism uint8
}

// DefaultKDFParams returns the parameters used for new keystores.
func DefaultKDFParams() KDFParams {
	return KDFParams{
		Memory:      64 * 1024,
		Iterations:  3,
		Parallelism: 4,
	}
}

func (p KDFParams) key(password, salt []byte) []byte {
	return argon2.IDKey(password, salt, p.Iterations, p.Memory, p.Parallelism, chacha20poly1305.KeySize)
}

func (p KDFParams) appendTo(out, salt []byte) []byte {
	out = append(out, salt...)
	out = binary.LittleEndian.AppendUint32(out, p.Memory)
	out = binary.LittleEndian.AppendUint32(out, p.Iterations)
	return append(out, p.Parallelism)
}

func parseKDFHeader(b []byte) (KDFParams, []byte) {
	return KDFParams{
		Memory:      binary.LittleEndian.Uint32(b[SaltSize:]),
		Iterations:  binary.LittleEndian.Uint32(b[SaltSize+4:]),
		Parallelism: b[SaltSize+8],
	}, b[:SaltSize]
}

// Seal encrypts data under password with Argon2id and XChaCha20-Poly1305.
// The KDF header is authenticated as associated data.
func Seal(data, password []byte, params KDFParams) ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	key := params.key(password, salt)
	defer wipe(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	out := make([]byte, 0, kdfHeaderSize+len(nonce)+len(data)+aead.Overhead())
	out = params.appendTo(out, salt)
	header := out[:kdfHeaderSize]
	out = append(out, nonce...)
	return aead.Seal(out, nonce, data, header), nil
}

// Open decrypts a blob produced by Seal.
func Open(sealed, password []byte) ([]byte, error) {
	minSize := kdfHeaderSize + chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead
	if len(sealed) < minSize {
		return nil, fmt.Errorf("%w: sealed data too short: %d bytes, need at least %d",
			ErrUnsupportedKeyfile, len(sealed), minSize)
	}
	params, salt := parseKDFHeader(sealed)
	header := sealed[:kdfHeaderSize]
	nonce := sealed[kdfHeaderSize : kdfHeaderSize+chacha20poly1305.NonceSizeX]
	ciphertext := sealed[kdfHeaderSize+chacha20poly1305.NonceSizeX:]

	key := params.key(password, salt)
	defer wipe(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, header)
	if err != nil {
		return nil, ErrWrongPassphrase
	}
	return plaintext, nil
}

// wipe zeroes sensitive bytes.
func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// Wipe zeroes a seed or other secret once it is no longer needed.
func Wipe(b []byte) { wipe(b) }
