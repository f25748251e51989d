// Package identity generates and persists the short node identifier that
// tags every presence datagram and transfer session.
package identity

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const (
	// Length is the fixed width of a node identifier on the wire. Every node
	// in a deployment must agree on it.
	Length = 8
	// Alphabet is the base-62 character set identifiers are drawn from.
	Alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"
	// Broadcast is the all-zero identifier addressing every node.
	Broadcast = "00000000"
	// FileName is the default identity file inside the data directory.
	FileName = "identity.json"
)

// ErrInvalid reports an identifier with the wrong width or alphabet.
var ErrInvalid = errors.New("identity: invalid identifier")

type identityFile struct {
	Identity struct {
		ID string `json:"id"`
	} `json:"identity"`
}

// Generate returns a fresh random identifier of Length base-62 characters.
func Generate() (string, error) {
	var b strings.Builder
	b.Grow(Length)

	// 248 is the largest multiple of 62 below 256; bytes above it are
	// rejected so every character is equally likely.
	const limit = 256 - 256%len(Alphabet)
	for b.Len() < Length {
		u, err := uuid.NewRandom()
		if err != nil {
			return "", fmt.Errorf("read randomness: %w", err)
		}
		for i, c := range u {
			// Bytes 6 and 8 carry the version and variant bits.
			if i == 6 || i == 8 || int(c) >= limit {
				continue
			}
			b.WriteByte(Alphabet[int(c)%len(Alphabet)])
			if b.Len() == Length {
				break
			}
		}
	}

	id := b.String()
	if id == Broadcast {
		return Generate()
	}
	return id, nil
}

// Valid reports whether id can be used as a wire identifier.
func Valid(id string) bool {
	if len(id) != Length || id == Broadcast {
		return false
	}
	for i := 0; i < len(id); i++ {
		if strings.IndexByte(Alphabet, id[i]) < 0 {
			return false
		}
	}
	return true
}

// Load reads an identifier from path.
func Load(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read identity: %w", err)
	}

	var file identityFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return "", fmt.Errorf("parse identity: %w", err)
	}
	if !Valid(file.Identity.ID) {
		return "", fmt.Errorf("%w: %q", ErrInvalid, file.Identity.ID)
	}

	return file.Identity.ID, nil
}

// Save writes id to path, creating parent directories as needed.
func Save(path, id string) error {
	if !Valid(id) {
		return fmt.Errorf("%w: %q", ErrInvalid, id)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create identity directory: %w", err)
	}

	var file identityFile
	file.Identity.ID = id
	raw, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal identity: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write identity: %w", err)
	}

	return nil
}

// LoadOrCreate returns the identifier persisted at path. A missing or
// malformed file is replaced by a newly generated identifier.
func LoadOrCreate(path string) (string, error) {
	id, err := Load(path)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, fs.ErrNotExist) && !errors.Is(err, ErrInvalid) {
		var syntaxErr *json.SyntaxError
		var typeErr *json.UnmarshalTypeError
		if !errors.As(err, &syntaxErr) && !errors.As(err, &typeErr) {
			return "", err
		}
	}

	id, err = Generate()
	if err != nil {
		return "", err
	}
	if err := Save(path, id); err != nil {
		return "", err
	}

	return id, nil
}
