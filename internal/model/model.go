// Package model holds the core data types shared by every Vcycle
// component: spaces, machinetypes, and machines (spec.md §3).
package model

import "time"

// State is a machine's canonical lifecycle state, as produced by the
// classifier (internal/classifier) from a backend-specific ServerRecord.
type State string

const (
	StateUnknown  State = "Unknown"
	StateStarting State = "Starting"
	StateRunning  State = "Running"
	StateShutdown State = "Shutdown"
	StateDeleting State = "Deleting"
	StateFailed   State = "Failed"
)

// Space is a tenancy on one backend, partitioned into machinetypes.
type Space struct {
	Name          string // dotted, lowercased, [a-z0-9.-]
	BackendID     string
	API           string // registry key into internal/cloud, e.g. "openstack"
	APIVersion    string

	// Credentials is passed straight through to cloud.Config.Options; keys
	// are backend-specific (for the openstack backend: auth_url, username,
	// password, project_id, domain_name, region — spec.md §3 "credentials").
	Credentials map[string]string

	ProcessorsLimit *int // nil = not configured; connect then asks the adapter, and while nil the allocator's per-cycle budget is 0
	FlavorNames     []string
	ZoneNames       []string
	NetworkID       string   // "" = backend default network
	SecurityGroups  []string

	ShutdownTime    *time.Time // optional hard deadline for the whole space
	GOCDBSitename   string
	VacMonHostPorts []string // "host:port" pairs

	HTTPSHost string
	HTTPSPort int // default 443

	VolumeGBPerProcessor float64
	CleanupHours         float64 // default 72

	Machinetypes map[string]*Machinetype

	// Running totals, recomputed every cycle by the classifier pass.
	TotalMachines   int
	TotalProcessors int
	RunningMachines int
	RunningProcessors int
}

// Machinetype is a named VM recipe inside a space.
type Machinetype struct {
	Name string // [a-z0-9-]

	FlavorNames           []string // ordered preference
	MinProcessors         int
	MaxProcessors         *int // nil = no max
	ProcessorsLimit       *int
	MaxStartingProcessors *int
	BackoffSeconds        int64
	FizzleSeconds         int64
	MaxWallclockSeconds   int64 // default 86400
	TargetShare           float64
	RSSBytesPerProcessor  int64 // default 2<<30
	HS06PerProcessor      *float64

	RootImage       string // local path, URL, or "image:<name>"
	RootPublicKey   string // path to an authorized_keys-format public key
	FilesDir        string // base directory RootImage/RootPublicKey/UserDataTemplate resolve against when given as relative paths

	HeartbeatFile    string
	HeartbeatSeconds int64

	CVMFSProxyMachinetype     string
	CVMFSProxyMachinetypePort int

	AccountingFQAN string

	UserDataTemplate string
	UserDataOptions  map[string]string // keys match ^(user_data_option_|user_data_file_)[a-z0-9_]+$

	ImageSigningDN string // cernvm_signing_dn: verifies root_image's signing certificate before upload
	HTTPSClientDN  string // https_x509dn: the client cert DN (if any) allowed to authenticate against this machine's MJF endpoints

	// Per-cycle counters, reset at the start of every classifier pass.
	TotalMachines     int
	TotalProcessors   int
	StartingProcessors int
	RunningMachines   int
	RunningProcessors int
	NotPassedFizzle   int
	WeightedMachines  float64
	RunningHS06       *float64

	// HeartbeatMachines is populated by internal/heartbeat each cycle:
	// machine names currently producing a live heartbeat, newest first.
	HeartbeatMachines []string

	// LastAbortTime is persisted state (internal/fizzle), not reset per cycle.
	LastAbortTime int64
}

// EffectiveMaxWallclockSeconds returns MaxWallclockSeconds with its
// spec.md-mandated default applied.
func (m *Machinetype) EffectiveMaxWallclockSeconds() int64 {
	if m.MaxWallclockSeconds > 0 {
		return m.MaxWallclockSeconds
	}
	return 86400
}

// EffectiveRSSBytesPerProcessor returns RSSBytesPerProcessor with its
// spec.md-mandated default applied (2 GiB).
func (m *Machinetype) EffectiveRSSBytesPerProcessor() int64 {
	if m.RSSBytesPerProcessor > 0 {
		return m.RSSBytesPerProcessor
	}
	return 2 << 30
}

// Machine is one VM instance tracked in the state store.
type Machine struct {
	Name            string // vcycle-<machinetype>-<10 lowercase-alnum>
	SpaceName       string
	MachinetypeName string
	State           State
	IP              string // default "0.0.0.0"
	UUID            string
	Processors      int
	HS06            *float64
	Zone            string

	CreatedTime   int64 // epoch seconds
	StartedTime   *int64
	UpdatedTime   int64
	StoppedTime   *int64
	DeletedTime   *int64
	HeartbeatTime *int64

	ShutdownMessage     string
	ShutdownMessageTime *int64

	Manager               string
	ManagerHeartbeatTime  int64

	// ManagedHere is derived, never persisted: Manager == the local
	// manager's hostname at the time the machine was loaded.
	ManagedHere bool
}

// IsTerminal reports whether the state machine has reached a state from
// which the deletion policy (internal/deletion) may reap the machine.
func (s State) IsTerminal() bool {
	switch s {
	case StateFailed, StateShutdown, StateDeleting:
		return true
	default:
		return false
	}
}
