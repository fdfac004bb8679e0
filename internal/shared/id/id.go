// Package id generates the identifiers the kernel exposes to operators.
//
// Processes, threads and servers carry prefixed ULIDs so that logs and
// introspection output sort by creation time and name their own kind
// (proc_*, thr_*, srv_*). A boot is identified by a random UUID.
package id

import (
	"crypto/rand"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// ProcessID identifies a process in the tree.
type ProcessID string

// ThreadID identifies a thread.
type ThreadID string

// ServerID identifies an IPC server.
type ServerID string

// BootID identifies one boot of the kernel.
type BootID string

const (
	ProcessPrefix = "proc"
	ThreadPrefix  = "thr"
	ServerPrefix  = "srv"
)

// Generator produces ULIDs. Within one millisecond it stays monotonic.
type Generator struct {
	mu      sync.Mutex
	entropy io.Reader
}

var (
	defaultGenerator *Generator
	once             sync.Once
)

// Default returns the process-wide generator.
func Default() *Generator {
	once.Do(func() {
		defaultGenerator = NewGenerator()
	})
	return defaultGenerator
}

// NewGenerator creates a generator backed by crypto/rand.
func NewGenerator() *Generator {
	return NewGeneratorWithEntropy(rand.Reader)
}

// NewGeneratorWithEntropy creates a generator over a custom entropy source,
// typically a deterministic one in tests.
func NewGeneratorWithEntropy(entropy io.Reader) *Generator {
	return &Generator{entropy: ulid.Monotonic(entropy, 0)}
}

// Generate creates a new ULID.
func (g *Generator) Generate() ulid.ULID {
	g.mu.Lock()
	defer g.mu.Unlock()

	return ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy)
}

// GenerateWithPrefix creates a prefixed ULID string.
func (g *Generator) GenerateWithPrefix(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, g.Generate().String())
}

// NewProcessID generates a process ID.
func NewProcessID() ProcessID {
	return ProcessID(Default().GenerateWithPrefix(ProcessPrefix))
}

// NewThreadID generates a thread ID.
func NewThreadID() ThreadID {
	return ThreadID(Default().GenerateWithPrefix(ThreadPrefix))
}

// NewServerID generates a server ID.
func NewServerID() ServerID {
	return ServerID(Default().GenerateWithPrefix(ServerPrefix))
}

// NewBootID generates a boot ID.
func NewBootID() BootID {
	return BootID(uuid.NewString())
}

func (id ProcessID) String() string { return string(id) }
func (id ThreadID) String() string  { return string(id) }
func (id ServerID) String() string  { return string(id) }
func (id BootID) String() string    { return string(id) }

// Timestamp extracts the creation time of a prefixed or bare ULID.
func Timestamp(id string) (time.Time, error) {
	if i := strings.LastIndexByte(id, '_'); i >= 0 {
		id = id[i+1:]
	}
	parsed, err := ulid.Parse(id)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(parsed.Time()), nil
}

// IsValid reports whether id is a bare ULID.
func IsValid(id string) bool {
	_, err := ulid.Parse(id)
	return err == nil
}
