package session

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// ErrSealed is returned when a sealed file cannot be opened with the configured passphrase.
var ErrSealed = errors.New("session sealed with a different passphrase")

var sealMagic = []byte("MLSEAL01")

const (
	sealSaltLen   = 16
	sealHeaderLen = 8 + 4 + 4 + 1 + sealSaltLen
)

// SealParams controls the Argon2id cost of deriving the file key. MemoryKiB is in KiB as
// argon2.IDKey expects. The params used are stored in each sealed file.
type SealParams struct {
	MemoryKiB   uint32
	Iterations  uint32
	Parallelism uint8
}

// DefaultSealParams is sized for one derivation per save on a small host.
func DefaultSealParams() SealParams {
	return SealParams{MemoryKiB: 64 * 1024, Iterations: 3, Parallelism: 2}
}

// Sealer encrypts session files at rest with XChaCha20-Poly1305 under a key derived from a
// passphrase. Files without the seal header are read as plaintext.
type Sealer struct {
	passphrase []byte
	params     SealParams
}

// NewSealer returns a Sealer. Zero params fields take DefaultSealParams.
func NewSealer(passphrase string, params SealParams) (*Sealer, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("%w: empty seal passphrase", ErrConfig)
	}
	def := DefaultSealParams()
	if params.MemoryKiB == 0 {
		params.MemoryKiB = def.MemoryKiB
	}
	if params.Iterations == 0 {
		params.Iterations = def.Iterations
	}
	if params.Parallelism == 0 {
		params.Parallelism = def.Parallelism
	}
	return &Sealer{passphrase: []byte(passphrase), params: params}, nil
}

// IsSealed reports whether b carries the seal header.
func IsSealed(b []byte) bool {
	return bytes.HasPrefix(b, sealMagic)
}

func (s *Sealer) key(salt []byte, p SealParams) []byte {
	return argon2.IDKey(s.passphrase, salt, p.Iterations, p.MemoryKiB, p.Parallelism, chacha20poly1305.KeySize)
}

// Seal encrypts plain. The header is authenticated as additional data.
func (s *Sealer) Seal(plain []byte) ([]byte, error) {
	header := make([]byte, sealHeaderLen, sealHeaderLen+chacha20poly1305.NonceSizeX+len(plain)+chacha20poly1305.Overhead)
	copy(header, sealMagic)
	binary.BigEndian.PutUint32(header[8:], s.params.MemoryKiB)
	binary.BigEndian.PutUint32(header[12:], s.params.Iterations)
	header[16] = s.params.Parallelism
	salt := header[17:sealHeaderLen]
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}

	aead, err := chacha20poly1305.NewX(s.key(salt, s.params))
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	out := append(header, nonce...)
	return aead.Seal(out, nonce, plain, header), nil
}

// Open decrypts b. Plaintext input is returned unchanged.
func (s *Sealer) Open(b []byte) ([]byte, error) {
	if !IsSealed(b) {
		return b, nil
	}
	if len(b) < sealHeaderLen+chacha20poly1305.NonceSizeX+chacha20poly1305.Overhead {
		return nil, corrupt(errors.New("sealed file truncated"))
	}
	header := b[:sealHeaderLen]
	p := SealParams{
		MemoryKiB:   binary.BigEndian.Uint32(header[8:]),
		Iterations:  binary.BigEndian.Uint32(header[12:]),
		Parallelism: header[16],
	}
	if p.Iterations == 0 || p.Parallelism == 0 || p.MemoryKiB < 8*uint32(p.Parallelism) {
		return nil, corrupt(errors.New("sealed file has invalid params"))
	}
	salt := header[17:]

	aead, err := chacha20poly1305.NewX(s.key(salt, p))
	if err != nil {
		return nil, err
	}
	nonce := b[sealHeaderLen : sealHeaderLen+chacha20poly1305.NonceSizeX]
	plain, err := aead.Open(nil, nonce, b[sealHeaderLen+chacha20poly1305.NonceSizeX:], header)
	if err != nil {
		return nil, ErrSealed
	}
	return plain, nil
}
