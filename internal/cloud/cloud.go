// Package cloud defines the abstract backend the core consumes (spec.md
// §4.2, §6) and a small self-registering factory registry, generalising
// the teacher's subclass-by-name dispatch (internal/certmanager/runtime)
// into an explicit capability interface selected by the space's
// configured `api` string (spec.md §9 Design Notes).
package cloud

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// ServerRecord is the minimal shape of one VM as reported by a backend,
// carrying everything internal/classifier needs (spec.md §4.2).
type ServerRecord struct {
	Name            string // the cloud's own name field
	MetadataName    string // metadata.name, preferred over Name when set
	UUID            string
	FlavorID        string
	Processors      int // resolved via the flavor lookup, 1 if unknown
	IPAddress       string
	Created         time.Time
	Updated         time.Time
	LaunchedAt      *time.Time // OS-SRV-USG:launched_at, nil if absent
	TaskState       string
	PowerState      int
	Status          string
	MachinetypeName string // metadata.machinetype, "" if absent/unknown
	AvailabilityZone string
}

// Flavor describes one compute flavor's resource shape.
type Flavor struct {
	ID         string
	MB         int
	Processors int
}

// VolumeSpec describes a volume to create ahead of a server.
type VolumeSpec struct {
	Name    string
	SizeGiB int
	ImageID string
	Zone    string
}

// BlockDevice is the block-device-mapping entry produced once a volume
// backing a server is ready.
type BlockDevice struct {
	VolumeID          string
	DeleteOnTermination bool
}

// ServerSpec is everything createServer needs, assembled by
// internal/factory from the machinetype configuration.
type ServerSpec struct {
	Name            string
	FlavorID        string
	ImageID         string
	KeyPairName     string
	Zone            string
	NetworkID       string
	SecurityGroups  []string
	UserData        string // base64-encoded by the adapter if the wire format needs it
	Metadata        map[string]string
	BlockDevice     *BlockDevice // nil unless the machinetype is volume-backed
}

// Adapter is the set of operations the core calls on a single backend
// connection (spec.md §4.2). One space holds exactly one Adapter.
type Adapter interface {
	// Connect acquires an auth token and discovers service endpoints.
	Connect(ctx context.Context) error

	ListServers(ctx context.Context) ([]ServerRecord, error)
	ListFlavors(ctx context.Context) (map[string]Flavor, error)
	// ProcessorsLimit returns the tenancy's processor quota, or nil if the
	// backend does not expose one.
	ProcessorsLimit(ctx context.Context) (*int, error)

	UploadImage(ctx context.Context, file, name string, lastModified time.Time) (string, error)
	// FindImage resolves an "image:<name>" reference or a raw image ref to
	// an image id; ("", nil) means not found.
	FindImage(ctx context.Context, nameOrRef string) (string, error)

	// EnsureKeyPair registers publicKey (authorized_keys format) if no
	// matching key pair already exists, returning the key pair's name.
	EnsureKeyPair(ctx context.Context, publicKey string) (string, error)

	// CreateVolume is synchronous: it polls until the volume reaches
	// "available" or the backend's own timeout elapses (spec.md §4.2: 120s
	// timeout, 10s interval).
	CreateVolume(ctx context.Context, spec VolumeSpec) (string, error)
	// VolumeStatus reports a volume's current backend status string (e.g.
	// "available", "in-use"). Used by internal/factory's
	// awaitVolumeAttachable to re-confirm a volume is still available
	// immediately before the server boot request.
	VolumeStatus(ctx context.Context, volumeID string) (string, error)

	CreateServer(ctx context.Context, spec ServerSpec) (string, error)
	DeleteServer(ctx context.Context, uuid string) error
}

// Factory builds an Adapter from a space's backend configuration.
type Factory func(cfg Config) (Adapter, error)

// Config is the backend-agnostic connection configuration a Factory
// receives; adapters type-assert or re-parse the Options map for
// backend-specific fields.
type Config struct {
	API        string
	APIVersion string
	Options    map[string]string
}

var (
	mu        sync.RWMutex
	factories = map[string]Factory{}
)

// Register adds factory under api to the registry. Backends call this
// from an init() function, the way database/sql drivers register
// themselves — internal/cloud/openstack does exactly this.
func Register(api string, factory Factory) {
	mu.Lock()
	defer mu.Unlock()
	factories[api] = factory
}

// New builds an Adapter for cfg.API, or a Fatal error if no backend with
// that name is registered (an unsupported `api` string is a config error,
// spec.md §7).
func New(cfg Config) (Adapter, error) {
	mu.RLock()
	factory, ok := factories[cfg.API]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unsupported cloud api %q", cfg.API)
	}
	return factory(cfg)
}
