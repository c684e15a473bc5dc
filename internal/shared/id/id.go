// Package id provides centralized ID generation for marionet.
//
// All entities use prefixed ULIDs:
//   - Lexicographic sortability: sandbox and session listings sort by creation time
//   - Prefixed types: sbx_*, sess_*, cmd_*, intv_*, req_* make logs readable
//   - Type safety: separate types prevent mixing sandbox and session IDs
//   - Zero conflicts: guaranteed uniqueness across providers in one process
package id

import (
	"crypto/rand"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// SandboxID identifies a provisioned sandbox
type SandboxID string

// SessionID identifies a browsing session within a sandbox
type SessionID string

// CommandID correlates a protocol command with its result
type CommandID string

// InterventionID identifies a human-intervention request
type InterventionID string

// RequestID identifies a control-plane HTTP request
type RequestID string

const (
	SandboxPrefix      = "sbx"
	SessionPrefix      = "sess"
	CommandPrefix      = "cmd"
	InterventionPrefix = "intv"
	RequestPrefix      = "req"
)

// Generator generates ULIDs with optional prefixes
type Generator struct {
	entropy   io.Reader
	entropyMu sync.Mutex // Protects entropy reader
}

var (
	defaultGenerator *Generator
	once             sync.Once
)

// Default returns the singleton generator instance
func Default() *Generator {
	once.Do(func() {
		defaultGenerator = NewGenerator()
	})
	return defaultGenerator
}

// NewGenerator creates a new ULID generator with secure entropy
func NewGenerator() *Generator {
	return &Generator{entropy: rand.Reader}
}

// NewGeneratorWithEntropy creates a generator with custom entropy source.
// Useful for testing with deterministic entropy.
func NewGeneratorWithEntropy(entropy io.Reader) *Generator {
	return &Generator{entropy: entropy}
}

// Generate creates a new ULID
func (g *Generator) Generate() ulid.ULID {
	g.entropyMu.Lock()
	defer g.entropyMu.Unlock()

	return ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy)
}

// GenerateString creates a new ULID as a string
func (g *Generator) GenerateString() string {
	return g.Generate().String()
}

// GenerateWithPrefix creates a prefixed ULID string
func (g *Generator) GenerateWithPrefix(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, g.GenerateString())
}

// NewSandboxID generates a new sandbox ID
func NewSandboxID() SandboxID {
	return SandboxID(Default().GenerateWithPrefix(SandboxPrefix))
}

// NewSessionID generates a new session ID
func NewSessionID() SessionID {
	return SessionID(Default().GenerateWithPrefix(SessionPrefix))
}

// NewCommandID generates a new command correlation ID
func NewCommandID() CommandID {
	return CommandID(Default().GenerateWithPrefix(CommandPrefix))
}

// NewInterventionID generates a new intervention ID
func NewInterventionID() InterventionID {
	return InterventionID(Default().GenerateWithPrefix(InterventionPrefix))
}

// NewRequestID generates a new request ID
func NewRequestID() RequestID {
	return RequestID(Default().GenerateWithPrefix(RequestPrefix))
}

func (id SandboxID) String() string      { return string(id) }
func (id SessionID) String() string      { return string(id) }
func (id CommandID) String() string      { return string(id) }
func (id InterventionID) String() string { return string(id) }
func (id RequestID) String() string      { return string(id) }

// IsValid checks if an ID string is a valid ULID
func IsValid(id string) bool {
	_, err := ulid.Parse(id)
	return err == nil
}

// Timestamp extracts the creation time encoded in a ULID
func Timestamp(id string) (time.Time, error) {
	parsed, err := ulid.Parse(id)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(parsed.Time()), nil
}
