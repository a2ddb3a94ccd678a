// Package config loads the YAML space/machinetype policy document that
// drives the manager (SPEC_FULL.md §3 "Config document"), a thin
// stand-in for the original's `.conf` INI parser (out of scope per
// spec.md §1 Non-goals — config parsing is an external concern). It
// produces exactly the `model.Space`/`model.Machinetype` values §3
// describes, with the same field defaults.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/iris-ac-uk/iris-vcycle/internal/model"
)

// Document is the top-level shape of a spaces.yaml file.
type Document struct {
	Spaces []SpaceDoc `yaml:"spaces"`
}

// SpaceDoc is one space entry, mirroring model.Space's configurable
// fields (the running totals in model.Space are recomputed every cycle
// and have no YAML counterpart).
type SpaceDoc struct {
	Name       string `yaml:"name"`
	BackendID  string `yaml:"backend_id"`
	API        string `yaml:"api"`
	APIVersion string `yaml:"api_version"`

	Credentials map[string]string `yaml:"credentials"`

	ProcessorsLimit *int     `yaml:"processors_limit"`
	FlavorNames     []string `yaml:"flavor_names"`
	ZoneNames       []string `yaml:"zone_names"`
	NetworkID       string   `yaml:"network_id"`
	SecurityGroups  []string `yaml:"security_groups"`

	ShutdownTime    *time.Time `yaml:"shutdown_time"`
	GOCDBSitename   string     `yaml:"gocdb_sitename"`
	VacMonHostPorts []string   `yaml:"vacmon_host_ports"`

	HTTPSHost string `yaml:"https_host"`
	HTTPSPort int    `yaml:"https_port"`

	VolumeGBPerProcessor float64 `yaml:"volume_gb_per_processor"`
	CleanupHours         float64 `yaml:"cleanup_hours"`

	Machinetypes []MachinetypeDoc `yaml:"machinetypes"`
}

// MachinetypeDoc mirrors model.Machinetype's configurable fields.
type MachinetypeDoc struct {
	Name string `yaml:"name"`

	FlavorNames           []string `yaml:"flavor_names"`
	MinProcessors         int      `yaml:"min_processors"`
	MaxProcessors         *int     `yaml:"max_processors"`
	ProcessorsLimit       *int     `yaml:"processors_limit"`
	MaxStartingProcessors *int     `yaml:"max_starting_processors"`
	BackoffSeconds        int64    `yaml:"backoff_seconds"`
	FizzleSeconds         int64    `yaml:"fizzle_seconds"`
	MaxWallclockSeconds   int64    `yaml:"max_wallclock_seconds"`
	TargetShare           float64  `yaml:"target_share"`
	RSSBytesPerProcessor  int64    `yaml:"rss_bytes_per_processor"`
	HS06PerProcessor      *float64 `yaml:"hs06_per_processor"`

	RootImage     string `yaml:"root_image"`
	RootPublicKey string `yaml:"root_public_key"`
	FilesDir      string `yaml:"files_dir"`

	HeartbeatFile    string `yaml:"heartbeat_file"`
	HeartbeatSeconds int64  `yaml:"heartbeat_seconds"`

	CVMFSProxyMachinetype     string `yaml:"cvmfs_proxy_machinetype"`
	CVMFSProxyMachinetypePort int    `yaml:"cvmfs_proxy_machinetype_port"`

	AccountingFQAN string `yaml:"accounting_fqan"`

	UserDataTemplate string            `yaml:"user_data_template"`
	UserDataOptions  map[string]string `yaml:"user_data_options"`

	ImageSigningDN string `yaml:"image_signing_dn"`
	HTTPSClientDN  string `yaml:"https_client_dn"`
}

// Load reads and parses the spaces document at path into model.Space
// values, with §3's stated defaults applied (cleanup_hours 72,
// https_port 443, max_wallclock_seconds 86400, rss_bytes_per_processor
// 2 GiB). A missing or malformed file is a startup-time Fatal error —
// the daemon has nothing to do without at least a parseable document.
func Load(path string) ([]*model.Space, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read spaces config %s: %w", path, err)
	}

	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse spaces config %s: %w", path, err)
	}

	spaces := make([]*model.Space, 0, len(doc.Spaces))
	for _, sd := range doc.Spaces {
		sp, err := sd.toModel()
		if err != nil {
			return nil, fmt.Errorf("space %q: %w", sd.Name, err)
		}
		spaces = append(spaces, sp)
	}
	return spaces, nil
}

func (sd SpaceDoc) toModel() (*model.Space, error) {
	if sd.Name == "" {
		return nil, fmt.Errorf("space name is required")
	}
	if sd.API == "" {
		return nil, fmt.Errorf("space api is required")
	}

	httpsPort := sd.HTTPSPort
	if httpsPort == 0 {
		httpsPort = 443
	}
	cleanupHours := sd.CleanupHours
	if cleanupHours == 0 {
		cleanupHours = 72
	}

	sp := &model.Space{
		Name:                 sd.Name,
		BackendID:            sd.BackendID,
		API:                  sd.API,
		APIVersion:           sd.APIVersion,
		Credentials:          sd.Credentials,
		ProcessorsLimit:      sd.ProcessorsLimit,
		FlavorNames:          sd.FlavorNames,
		ZoneNames:            sd.ZoneNames,
		NetworkID:            sd.NetworkID,
		SecurityGroups:       sd.SecurityGroups,
		ShutdownTime:         sd.ShutdownTime,
		GOCDBSitename:        sd.GOCDBSitename,
		VacMonHostPorts:      sd.VacMonHostPorts,
		HTTPSHost:            sd.HTTPSHost,
		HTTPSPort:            httpsPort,
		VolumeGBPerProcessor: sd.VolumeGBPerProcessor,
		CleanupHours:         cleanupHours,
		Machinetypes:         map[string]*model.Machinetype{},
	}

	for _, mtd := range sd.Machinetypes {
		if mtd.Name == "" {
			return nil, fmt.Errorf("machinetype name is required")
		}
		sp.Machinetypes[mtd.Name] = mtd.toModel()
	}

	return sp, nil
}

func (mtd MachinetypeDoc) toModel() *model.Machinetype {
	rss := mtd.RSSBytesPerProcessor
	if rss == 0 {
		rss = 2 << 30
	}
	maxWallclock := mtd.MaxWallclockSeconds
	if maxWallclock == 0 {
		maxWallclock = 86400
	}

	return &model.Machinetype{
		Name:                      mtd.Name,
		FlavorNames:               mtd.FlavorNames,
		MinProcessors:             mtd.MinProcessors,
		MaxProcessors:             mtd.MaxProcessors,
		ProcessorsLimit:           mtd.ProcessorsLimit,
		MaxStartingProcessors:     mtd.MaxStartingProcessors,
		BackoffSeconds:            mtd.BackoffSeconds,
		FizzleSeconds:             mtd.FizzleSeconds,
		MaxWallclockSeconds:       maxWallclock,
		TargetShare:               mtd.TargetShare,
		RSSBytesPerProcessor:      rss,
		HS06PerProcessor:          mtd.HS06PerProcessor,
		RootImage:                 mtd.RootImage,
		RootPublicKey:             mtd.RootPublicKey,
		FilesDir:                  mtd.FilesDir,
		HeartbeatFile:             mtd.HeartbeatFile,
		HeartbeatSeconds:          mtd.HeartbeatSeconds,
		CVMFSProxyMachinetype:     mtd.CVMFSProxyMachinetype,
		CVMFSProxyMachinetypePort: mtd.CVMFSProxyMachinetypePort,
		AccountingFQAN:            mtd.AccountingFQAN,
		UserDataTemplate:          mtd.UserDataTemplate,
		UserDataOptions:           mtd.UserDataOptions,
		ImageSigningDN:            mtd.ImageSigningDN,
		HTTPSClientDN:             mtd.HTTPSClientDN,
	}
}
