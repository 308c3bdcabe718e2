package backends

import (
	"os"
	"strings"

	"github.com/pkg/errors"
)

// Group is a fixed set of cooperating workers created by a communication
// backend. It hands out one Comm per rank.
//
// For the in-process backend all ranks live in one process and Comm is valid
// for any rank; a multi-process backend would only serve the local rank.
type Group interface {
	// WorldSize returns the fixed number of workers in the group.
	WorldSize() int

	// Comm returns the communication handle for the given rank.
	Comm(rank int) (Comm, error)

	// Finalize releases the group's resources immediately and makes it
	// invalid. Workers must not be mid-collective when it is called.
	Finalize()
}

// Constructor takes a backend-specific config string (optionally empty) and a
// world size, and returns a Group.
type Constructor func(config string, worldSize int) (Group, error)

var (
	registeredConstructors = make(map[string]Constructor)
	firstRegistered        string
)

// Register a communication backend under the given name.
//
// To be safe, call Register during initialization of a package.
func Register(name string, constructor Constructor) {
	if len(registeredConstructors) == 0 {
		firstRegistered = name
	}
	registeredConstructors[name] = constructor
}

// DefaultConfig is the backend configuration to use if none is given through
// the environment.
var DefaultConfig string

// CommBackendEnv is the environment variable with the default communication
// backend configuration.
//
// The format of the config is "<backend_name>:<backend_configuration>", where
// "<backend_configuration>" is backend specific (goccl takes none and ignores
// it).
const CommBackendEnv = "RTPLLM_COMM_BACKEND"

// NewGroup returns a Group of the given world size from the default backend.
//
// The default is:
//
//  1. The environment variable RTPLLM_COMM_BACKEND, if defined.
//  2. The variable DefaultConfig, if set.
//  3. The first registered backend, with an empty configuration.
func NewGroup(worldSize int) (Group, error) {
	config, found := os.LookupEnv(CommBackendEnv)
	if !found {
		config = DefaultConfig
	}
	return NewGroupWithConfig(config, worldSize)
}

// NewGroupWithConfig creates a Group of the given world size from a
// configuration string formatted as "<backend_name>:<backend_configuration>".
func NewGroupWithConfig(config string, worldSize int) (Group, error) {
	name, backendConfig, _ := strings.Cut(config, ":")
	if name == "" {
		name = firstRegistered
	}
	if name == "" {
		return nil, errors.New("no communication backend registered: import a backend package " +
			`(e.g. _ "github.com/ishine/rtp-llm/backends/goccl") to register one`)
	}
	constructor, found := registeredConstructors[name]
	if !found {
		return nil, errors.Errorf("communication backend %q not registered (from config %q)", name, config)
	}
	return constructor(backendConfig, worldSize)
}
