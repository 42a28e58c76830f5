// Package seal is the encryption layer. The catalogue is sealed under a
// master key derived from the user's password; each file is sealed under its
// own random key which is kept only inside the catalogue.
package seal

import (
	"bytes"
	"crypto/rand"
	"crypto/sha1"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	DefaultIterations = 1000
	SaltSize          = 16
	KeySize           = 32
	headerSize        = 4 + SaltSize

	// maxIterations bounds what a stored header may ask us to compute.
	maxIterations = 10_000_000
)

var (
	// ErrDecrypt covers a wrong password as well as a corrupt blob; the two
	// cannot be told apart.
	ErrDecrypt = errors.New("seal: decryption failed")
	// ErrLegacyScheme is returned for content sealed with the fixed IV of older
	// clients when no legacy IV has been configured.
	ErrLegacyScheme = errors.New("seal: legacy fixed-iv content and no legacy iv configured")
	ErrKeySize      = errors.New("seal: invalid key size")
)

// MasterKey is the password-derived key protecting the catalogue together
// with the public parameters needed to derive it again.
type MasterKey struct {
	key        []byte
	salt       []byte
	iterations int
}

// NewMasterKey derives a master key under a fresh random salt.
func NewMasterKey(password string, iterations int) (*MasterKey, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	return DeriveMasterKey(password, salt, iterations)
}

// DeriveMasterKey runs PBKDF2-HMAC-SHA1 over password and salt.
func DeriveMasterKey(password string, salt []byte, iterations int) (*MasterKey, error) {
	if len(salt) != SaltSize {
		return nil, fmt.Errorf("seal: salt must be %d bytes, got %d", SaltSize, len(salt))
	}
	if iterations <= 0 || iterations > maxIterations {
		return nil, fmt.Errorf("seal: iteration count %d out of range", iterations)
	}
	return &MasterKey{
		key:        pbkdf2.Key([]byte(password), salt, iterations, KeySize, sha1.New),
		salt:       bytes.Clone(salt),
		iterations: iterations,
	}, nil
}

func (m *MasterKey) Salt() []byte    { return bytes.Clone(m.salt) }
func (m *MasterKey) Iterations() int { return m.iterations }

func (m *MasterKey) sameParams(salt []byte, iterations int) bool {
	return m.iterations == iterations && bytes.Equal(m.salt, salt)
}

// writeHeader writes the public derivation parameters: a 4-byte big-endian
// iteration count followed by the salt.
func writeHeader(w io.Writer, m *MasterKey) error {
	var hdr [headerSize]byte
	binary.BigEndian.PutUint32(hdr[:4], uint32(m.iterations))
	copy(hdr[4:], m.salt)
	_, err := w.Write(hdr[:])
	return err
}

func readHeader(r io.Reader) (salt []byte, iterations int, err error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, 0, fmt.Errorf("%w: truncated header", ErrDecrypt)
		}
		return nil, 0, err
	}
	iterations = int(binary.BigEndian.Uint32(hdr[:4]))
	if iterations <= 0 || iterations > maxIterations {
		return nil, 0, fmt.Errorf("%w: iteration count %d out of range", ErrDecrypt, iterations)
	}
	return bytes.Clone(hdr[4:]), iterations, nil
}

// NewFileKey returns a fresh random per-file key.
func NewFileKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate file key: %w", err)
	}
	return key, nil
}
