package password

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"
)

const phcAlgorithm = "argon2id"

const (
	minMemoryKB    uint32 = 8 * 1024
	minTimeCost    uint32 = 1
	minParallelism uint8  = 1
	minSaltLen     uint32 = 16
	minKeyLen      uint32 = 16
)

var (
	ErrHashFormat  = errors.New("invalid password hash format")
	ErrEmptySecret = errors.New("empty password")
)

// Config holds the argon2id cost parameters. Values below the package
// minimums are rejected at construction.
type Config struct {
	Memory      uint32
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// Hasher produces and verifies argon2id password hashes. A Hasher is
// immutable after construction and safe for concurrent use.
type Hasher struct {
	cfg Config
}

func New(cfg Config) (*Hasher, error) {
	switch {
	case cfg.Memory < minMemoryKB:
		return nil, errors.New("password memory must be >= 8192 KB")
	case cfg.Time < minTimeCost:
		return nil, errors.New("password time must be >= 1")
	case cfg.Parallelism < minParallelism:
		return nil, errors.New("password parallelism must be >= 1")
	case cfg.SaltLength < minSaltLen:
		return nil, errors.New("password salt length must be >= 16")
	case cfg.KeyLength < minKeyLen:
		return nil, errors.New("password key length must be >= 16")
	}

	return &Hasher{cfg: cfg}, nil
}

// Hash derives a PHC-encoded argon2id hash with a fresh random salt.
// Password bytes are used exactly as provided; no normalization.
func (h *Hasher) Hash(plain string) (string, error) {
	if plain == "" {
		return "", ErrEmptySecret
	}

	salt := make([]byte, h.cfg.SaltLength)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", err
	}

	key := argon2.IDKey([]byte(plain), salt, h.cfg.Time, h.cfg.Memory, h.cfg.Parallelism, h.cfg.KeyLength)

	return fmt.Sprintf(
		"$%s$v=%d$m=%d,t=%d,p=%d$%s$%s",
		phcAlgorithm,
		argon2.Version,
		h.cfg.Memory,
		h.cfg.Time,
		h.cfg.Parallelism,
		base64.StdEncoding.EncodeToString(salt),
		base64.StdEncoding.EncodeToString(key),
	), nil
}

// Verify reports whether plain matches the PHC-encoded hash, using the cost
// parameters recorded in the hash itself. Comparison is constant time.
func (h *Hasher) Verify(plain, encoded string) (bool, error) {
	p, err := parsePHC(encoded)
	if err != nil {
		return false, err
	}

	computed := argon2.IDKey([]byte(plain), p.salt, p.time, p.memory, p.parallelism, uint32(len(p.key)))

	return subtle.ConstantTimeCompare(computed, p.key) == 1, nil
}

// NeedsRehash reports whether the stored hash was produced with weaker cost
// parameters than this Hasher is configured for.
func (h *Hasher) NeedsRehash(encoded string) (bool, error) {
	p, err := parsePHC(encoded)
	if err != nil {
		return false, err
	}

	if h.cfg.Memory > p.memory || h.cfg.Time > p.time || h.cfg.Parallelism > p.parallelism {
		return true, nil
	}
	if h.cfg.KeyLength != uint32(len(p.key)) {
		return true, nil
	}

	return false, nil
}

// Params returns the active cost parameters.
func (h *Hasher) Params() Config {
	return h.cfg
}

type phcFields struct {
	memory      uint32
	time        uint32
	parallelism uint8
	salt        []byte
	key         []byte
}

func parsePHC(encoded string) (*phcFields, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != phcAlgorithm {
		return nil, ErrHashFormat
	}

	version, err := strconv.Atoi(strings.TrimPrefix(parts[2], "v="))
	if err != nil || !strings.HasPrefix(parts[2], "v=") || version != argon2.Version {
		return nil, ErrHashFormat
	}

	var f phcFields
	for _, pair := range strings.Split(parts[3], ",") {
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			return nil, ErrHashFormat
		}
		switch kv[0] {
		case "m":
			v, err := strconv.ParseUint(kv[1], 10, 32)
			if err != nil || v < uint64(minMemoryKB) {
				return nil, ErrHashFormat
			}
			f.memory = uint32(v)
		case "t":
			v, err := strconv.ParseUint(kv[1], 10, 32)
			if err != nil || v < uint64(minTimeCost) {
				return nil, ErrHashFormat
			}
			f.time = uint32(v)
		case "p":
			v, err := strconv.ParseUint(kv[1], 10, 8)
			if err != nil || v < uint64(minParallelism) {
				return nil, ErrHashFormat
			}
			f.parallelism = uint8(v)
		default:
			return nil, ErrHashFormat
		}
	}
	if f.memory == 0 || f.time == 0 || f.parallelism == 0 {
		return nil, ErrHashFormat
	}

	if f.salt, err = base64.StdEncoding.DecodeString(parts[4]); err != nil || len(f.salt) < int(minSaltLen) {
		return nil, ErrHashFormat
	}
	if f.key, err = base64.StdEncoding.DecodeString(parts[5]); err != nil || len(f.key) == 0 {
		return nil, ErrHashFormat
	}

	return &f, nil
}
