package hashing

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"fintrack-auth/internal/config"

	"golang.org/x/crypto/argon2"
)

const algorithm = "argon2id-v1"

var (
	ErrInvalidHash         = errors.New("invalid hash format")
	ErrIncompatibleVersion = errors.New("incompatible hash algorithm")
	ErrUnknownPepper       = errors.New("pepper version not found")
)

type Argon2Params struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// Hasher hashes PINs with argon2id, a per-hash salt and a server-side
// pepper. Peppers are versioned by their position in config (1-based) so
// adding a new pepper keeps old digests verifiable.
type Hasher struct {
	params  Argon2Params
	peppers []string
}

// HashResult is the decoded form of a stored digest.
type HashResult struct {
	Hash          string `json:"hash"`
	Salt          string `json:"salt"`
	PepperVersion int    `json:"pepper_version"`
	Algorithm     string `json:"algorithm"`
}

func NewHasher(cfg config.HashingConfig) (*Hasher, error) {
	if len(cfg.Peppers) == 0 {
		return nil, errors.New("at least one pepper is required")
	}
	return &Hasher{
		params: Argon2Params{
			Memory:      uint32(cfg.Argon2MemoryCost),
			Iterations:  uint32(cfg.Argon2TimeCost),
			Parallelism: uint8(cfg.Argon2Parallelism),
			SaltLength:  16,
			KeyLength:   32,
		},
		peppers: append([]string(nil), cfg.Peppers...),
	}, nil
}

func (h *Hasher) currentVersion() int {
	return len(h.peppers)
}

// Hash returns the encoded digest of a PIN.
func (h *Hasher) Hash(secret string) (string, error) {
	res, err := h.hashWithPepper(secret, "pin")
	if err != nil {
		return "", err
	}
	return res.Encode(), nil
}

// Verify reports whether secret matches the encoded digest.
func (h *Hasher) Verify(secret, digest string) (bool, error) {
	res, err := Decode(digest)
	if err != nil {
		return false, err
	}
	return h.verifyWithPepper(secret, res, "pin")
}

// NeedsRehash reports whether digest was made with an older pepper.
func (h *Hasher) NeedsRehash(digest string) bool {
	res, err := Decode(digest)
	if err != nil {
		return true
	}
	return res.PepperVersion != h.currentVersion()
}

func (h *Hasher) hashWithPepper(data, context string) (*HashResult, error) {
	version := h.currentVersion()
	pepper := h.peppers[version-1]

	salt := make([]byte, h.params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	// The context suffix keeps digests from being reused across purposes
	hash := argon2.IDKey(
		[]byte(data+pepper+context),
		salt,
		h.params.Iterations,
		h.params.Memory,
		h.params.Parallelism,
		h.params.KeyLength,
	)

	return &HashResult{
		Hash:          base64.RawURLEncoding.EncodeToString(hash),
		Salt:          base64.RawURLEncoding.EncodeToString(salt),
		PepperVersion: version,
		Algorithm:     algorithm,
	}, nil
}

func (h *Hasher) verifyWithPepper(data string, res *HashResult, context string) (bool, error) {
	if res.PepperVersion < 1 || res.PepperVersion > len(h.peppers) {
		return false, ErrUnknownPepper
	}
	pepper := h.peppers[res.PepperVersion-1]

	salt, err := base64.RawURLEncoding.DecodeString(res.Salt)
	if err != nil {
		return false, ErrInvalidHash
	}
	expected, err := base64.RawURLEncoding.DecodeString(res.Hash)
	if err != nil {
		return false, ErrInvalidHash
	}

	computed := argon2.IDKey(
		[]byte(data+pepper+context),
		salt,
		h.params.Iterations,
		h.params.Memory,
		h.params.Parallelism,
		uint32(len(expected)),
	)

	return subtle.ConstantTimeCompare(computed, expected) == 1, nil
}

// Encode renders the digest as algorithm$pepper$salt$hash.
func (r *HashResult) Encode() string {
	return strings.Join([]string{r.Algorithm, strconv.Itoa(r.PepperVersion), r.Salt, r.Hash}, "$")
}

func Decode(digest string) (*HashResult, error) {
	parts := strings.Split(digest, "$")
	if len(parts) != 4 {
		return nil, ErrInvalidHash
	}
	if parts[0] != algorithm {
		return nil, ErrIncompatibleVersion
	}
	version, err := strconv.Atoi(parts[1])
	if err != nil {
		return nil, ErrInvalidHash
	}
	return &HashResult{
		Algorithm:     parts[0],
		PepperVersion: version,
		Salt:          parts[2],
		Hash:          parts[3],
	}, nil
}
