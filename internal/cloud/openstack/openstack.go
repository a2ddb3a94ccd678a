// Package openstack implements internal/cloud.Adapter against a real
// OpenStack tenancy using gophercloud, grounded on the semantics of the
// reference OpenstackSpace plugin (openstack_api.py): flavor-id lookup
// by name, "vcycle-" name prefix filtering deferred to the classifier
// (spec.md keeps listing raw, classification is C3's job), image
// resolution by "image:<name>" reference vs upload-by-name-and-mtime,
// synchronous volume creation with a 120s/10s poll, and key pair lookup
// by public-key fingerprint, registering the key under a timestamp-derived
// name when no existing key pair matches.
package openstack

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/gophercloud/gophercloud/v2"
	"github.com/gophercloud/gophercloud/v2/openstack"
	"github.com/gophercloud/gophercloud/v2/openstack/blockstorage/v3/volumes"
	"github.com/gophercloud/gophercloud/v2/openstack/compute/v2/extensions/availabilityzones"
	"github.com/gophercloud/gophercloud/v2/openstack/compute/v2/extensions/bootfromvolume"
	"github.com/gophercloud/gophercloud/v2/openstack/compute/v2/extensions/extendedstatus"
	"github.com/gophercloud/gophercloud/v2/openstack/compute/v2/extensions/serverusage"
	"github.com/gophercloud/gophercloud/v2/openstack/compute/v2/flavors"
	"github.com/gophercloud/gophercloud/v2/openstack/compute/v2/keypairs"
	"github.com/gophercloud/gophercloud/v2/openstack/compute/v2/servers"
	"github.com/gophercloud/gophercloud/v2/openstack/imageservice/v2/images"
	"github.com/gophercloud/gophercloud/v2/openstack/limits"
	"golang.org/x/crypto/ssh"

	"github.com/iris-ac-uk/iris-vcycle/internal/cloud"
)

func init() {
	cloud.Register("openstack", New)
}

// serverDetail combines the base server representation with the
// extended-status, availability-zone and usage extensions that carry the
// fields scanMachines in openstack_api.py keys its classification off of
// (OS-EXT-STS:task_state, OS-EXT-STS:power_state, OS-EXT-AZ:availability_zone,
// OS-SRV-USG:launched_at).
type serverDetail struct {
	servers.Server
	extendedstatus.ServerExtendedStatusExt
	availabilityzones.ServerAvailabilityZoneExt
	serverusage.UsageExt
}

// Adapter is a single authenticated connection to one OpenStack project.
type Adapter struct {
	cfg cloud.Config

	authURL    string
	username   string
	password   string
	projectID  string
	domainName string
	regionName string

	provider   *gophercloud.ProviderClient
	compute    *gophercloud.ServiceClient
	volume     *gophercloud.ServiceClient
	image      *gophercloud.ServiceClient
}

// New builds an Adapter from cfg.Options. It does not contact the
// backend; call Connect to authenticate.
func New(cfg cloud.Config) (cloud.Adapter, error) {
	a := &Adapter{
		cfg:        cfg,
		authURL:    cfg.Options["auth_url"],
		username:   cfg.Options["username"],
		password:   cfg.Options["password"],
		projectID:  cfg.Options["project_id"],
		domainName: orDefault(cfg.Options["domain_name"], "default"),
		regionName: cfg.Options["region"],
	}
	if a.authURL == "" {
		return nil, fmt.Errorf("openstack: auth_url is required")
	}
	return a, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// Connect authenticates against Keystone (v2 or v3, per cfg.APIVersion)
// and discovers the compute, volume and image service endpoints.
func (a *Adapter) Connect(ctx context.Context) error {
	authOpts := gophercloud.AuthOptions{
		IdentityEndpoint: a.authURL,
		Username:         a.username,
		Password:         a.password,
		TenantID:         a.projectID,
		DomainName:       a.domainName,
		AllowReauth:      true,
	}

	provider, err := openstack.NewClient(a.authURL)
	if err != nil {
		return fmt.Errorf("openstack: building client: %w", err)
	}
	if err := openstack.Authenticate(ctx, provider, authOpts); err != nil {
		return fmt.Errorf("openstack: authentication failed: %w", err)
	}
	a.provider = provider

	eo := gophercloud.EndpointOpts{Region: a.regionName}

	compute, err := openstack.NewComputeV2(provider, eo)
	if err != nil {
		return fmt.Errorf("openstack: locating compute endpoint: %w", err)
	}
	a.compute = compute

	if volumeClient, err := openstack.NewBlockStorageV3(provider, eo); err == nil {
		a.volume = volumeClient
	}

	if imageClient, err := openstack.NewImageV2(provider, eo); err == nil {
		a.image = imageClient
	}

	return nil
}

// ListServers returns every server in the project's servers/detail view,
// with each server's processor count resolved from a flavor table fetched
// alongside the listing, so the classifier never has to call back into
// the adapter.
func (a *Adapter) ListServers(ctx context.Context) ([]cloud.ServerRecord, error) {
	flavorTable, err := a.ListFlavors(ctx)
	if err != nil {
		return nil, err
	}
	flavorByID := make(map[string]cloud.Flavor, len(flavorTable))
	for _, f := range flavorTable {
		flavorByID[f.ID] = f
	}

	pager := servers.List(a.compute, servers.ListOpts{})
	pages, err := pager.AllPages(ctx)
	if err != nil {
		return nil, fmt.Errorf("openstack: listing servers: %w", err)
	}
	var raw []serverDetail
	if err := servers.ExtractServersInto(pages, &raw); err != nil {
		return nil, fmt.Errorf("openstack: decoding servers: %w", err)
	}

	out := make([]cloud.ServerRecord, 0, len(raw))
	for _, s := range raw {
		rec := cloud.ServerRecord{
			Name:             s.Name,
			UUID:             s.ID,
			Created:          s.Created,
			Updated:          s.Updated,
			TaskState:        s.TaskState,
			PowerState:       int(s.PowerState),
			Status:           s.Status,
			AvailabilityZone: s.AvailabilityZone,
			Processors:       1,
		}
		if name, ok := s.Metadata["name"]; ok {
			rec.MetadataName = name
		}
		if mt, ok := s.Metadata["machinetype"]; ok {
			rec.MachinetypeName = mt
		}
		if s.Flavor != nil {
			if id, ok := s.Flavor["id"].(string); ok {
				rec.FlavorID = id
				if f, ok := flavorByID[id]; ok {
					rec.Processors = f.Processors
				}
			}
		}
		if launched := s.LaunchedAt; !launched.IsZero() {
			t := launched
			rec.LaunchedAt = &t
		}
		// "Always use the zeroth member of the earliest network"
		// (openstack_api.py scanMachines) — gophercloud returns addresses
		// as an unordered map keyed by network name, so pick the
		// lexicographically first key to make the choice deterministic.
		var firstNetwork string
		for network := range s.Addresses {
			if firstNetwork == "" || network < firstNetwork {
				firstNetwork = network
			}
		}
		if firstNetwork != "" {
			if addrs, ok := s.Addresses[firstNetwork].([]interface{}); ok && len(addrs) > 0 {
				if entry, ok := addrs[0].(map[string]interface{}); ok {
					if addr, ok := entry["addr"].(string); ok {
						rec.IPAddress = addr
					}
				}
			}
		}
		if rec.IPAddress == "" {
			rec.IPAddress = "0.0.0.0"
		}
		out = append(out, rec)
	}
	return out, nil
}

// ListFlavors returns every flavor defined for the project, keyed by name
// (openstack_api.py's _getFlavors populates self.flavors the same way).
func (a *Adapter) ListFlavors(ctx context.Context) (map[string]cloud.Flavor, error) {
	pager := flavors.ListDetail(a.compute, flavors.ListOpts{})
	pages, err := pager.AllPages(ctx)
	if err != nil {
		return nil, fmt.Errorf("openstack: listing flavors: %w", err)
	}
	raw, err := flavors.ExtractFlavors(pages)
	if err != nil {
		return nil, fmt.Errorf("openstack: decoding flavors: %w", err)
	}
	out := make(map[string]cloud.Flavor, len(raw))
	for _, f := range raw {
		out[f.Name] = cloud.Flavor{ID: f.ID, MB: f.RAM, Processors: f.VCPUs}
	}
	return out, nil
}

// ProcessorsLimit reads maxTotalCores from the compute limits endpoint,
// returning nil (no limit known) rather than an error when the limits
// request fails or cannot be decoded — openstack_api.py's
// _getProcessorsLimit swallows that case too. A response without the
// field decodes as a limit of 0.
func (a *Adapter) ProcessorsLimit(ctx context.Context) (*int, error) {
	result := limits.Get(ctx, a.compute, limits.GetOpts{})
	l, err := result.Extract()
	if err != nil {
		return nil, nil
	}
	v := l.Absolute.MaxTotalCores
	return &v, nil
}

// FindImage resolves an "image:<name>" reference to an existing image's
// id, or treats nameOrRef as a raw image id/name already produced by a
// prior UploadImage call. Returns ("", nil) when nothing matches, letting
// the caller decide whether to upload.
func (a *Adapter) FindImage(ctx context.Context, nameOrRef string) (string, error) {
	if a.image == nil {
		return "", fmt.Errorf("openstack: no image service endpoint available")
	}
	name := nameOrRef
	if len(nameOrRef) > 6 && nameOrRef[:6] == "image:" {
		name = nameOrRef[6:]
	}

	pager := images.List(a.image, images.ListOpts{Name: name})
	pages, err := pager.AllPages(ctx)
	if err != nil {
		return "", fmt.Errorf("openstack: listing images: %w", err)
	}
	found, err := images.ExtractImages(pages)
	if err != nil {
		return "", fmt.Errorf("openstack: decoding images: %w", err)
	}
	for _, img := range found {
		if img.Name == name && img.Status == images.ImageStatusActive {
			return img.ID, nil
		}
	}
	return "", nil
}

// UploadImage creates a new image record tagged with last_modified and
// streams file's bytes into it, mirroring the glance v2 tag convention
// openstack_api.py's getImageID reads back (`last_modified: <mtime>`).
func (a *Adapter) UploadImage(ctx context.Context, file, name string, lastModified time.Time) (string, error) {
	if a.image == nil {
		return "", fmt.Errorf("openstack: no image service endpoint available")
	}
	tag := fmt.Sprintf("last_modified: %d", lastModified.Unix())
	created, err := images.Create(ctx, a.image, images.CreateOpts{
		Name:            name,
		ContainerFormat: "bare",
		DiskFormat:      "qcow2",
		Tags:            []string{tag},
	}).Extract()
	if err != nil {
		return "", fmt.Errorf("openstack: creating image record for %s: %w", name, err)
	}

	f, err := os.Open(file)
	if err != nil {
		return "", fmt.Errorf("openstack: opening image file %s: %w", file, err)
	}
	defer f.Close()

	if err := images.Upload(ctx, a.image, created.ID, f).ExtractErr(); err != nil {
		return "", fmt.Errorf("openstack: uploading image data for %s: %w", name, err)
	}
	return created.ID, nil
}

// EnsureKeyPair registers publicKey under a timestamp-derived name if no
// existing key pair's public key matches, mirroring openstack_api.py's
// getKeyPairName (which compares the raw "ssh-rsa <blob> vcycle" line).
func (a *Adapter) EnsureKeyPair(ctx context.Context, publicKey string) (string, error) {
	parsed, _, _, _, err := ssh.ParseAuthorizedKey([]byte(publicKey))
	if err != nil {
		return "", fmt.Errorf("openstack: invalid public key: %w", err)
	}
	fingerprint := ssh.FingerprintLegacyMD5(parsed)

	pager := keypairs.List(a.compute, keypairs.ListOpts{})
	pages, err := pager.AllPages(ctx)
	if err != nil {
		return "", fmt.Errorf("openstack: listing key pairs: %w", err)
	}
	existing, err := keypairs.ExtractKeyPairs(pages)
	if err != nil {
		return "", fmt.Errorf("openstack: decoding key pairs: %w", err)
	}
	for _, kp := range existing {
		if kp.Fingerprint == fingerprint {
			return kp.Name, nil
		}
	}

	name := fmt.Sprintf("vcycle-%d", time.Now().UnixNano())
	created, err := keypairs.Create(ctx, a.compute, keypairs.CreateOpts{
		Name:      name,
		PublicKey: publicKey,
	}).Extract()
	if err != nil {
		return "", fmt.Errorf("openstack: registering key pair: %w", err)
	}
	return created.Name, nil
}

// CreateVolume creates a volume and polls until it becomes available,
// exactly matching openstack_api.py's createVolume: a 120-second
// timeout, checked every 10 seconds.
func (a *Adapter) CreateVolume(ctx context.Context, spec cloud.VolumeSpec) (string, error) {
	if a.volume == nil {
		return "", fmt.Errorf("openstack: no volume service endpoint available")
	}
	opts := volumes.CreateOpts{
		Name:             spec.Name,
		Size:             spec.SizeGiB,
		ImageID:          spec.ImageID,
		AvailabilityZone: spec.Zone,
	}
	created, err := volumes.Create(ctx, a.volume, opts, nil).Extract()
	if err != nil {
		return "", fmt.Errorf("openstack: creating volume %s: %w", spec.Name, err)
	}

	deadline := time.Now().Add(120 * time.Second)
	for time.Now().Before(deadline) {
		v, err := volumes.Get(ctx, a.volume, created.ID).Extract()
		if err != nil {
			return "", fmt.Errorf("openstack: polling volume %s (%s): %w", spec.Name, created.ID, err)
		}
		if v.Status == "available" {
			return created.ID, nil
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(10 * time.Second):
		}
	}
	return "", fmt.Errorf("openstack: volume %s (%s) failed to become available - timeout reached", spec.Name, created.ID)
}

// VolumeStatus reads back a single volume's current status string.
func (a *Adapter) VolumeStatus(ctx context.Context, volumeID string) (string, error) {
	if a.volume == nil {
		return "", fmt.Errorf("openstack: no volume service endpoint available")
	}
	v, err := volumes.Get(ctx, a.volume, volumeID).Extract()
	if err != nil {
		return "", fmt.Errorf("openstack: getting volume %s: %w", volumeID, err)
	}
	return v.Status, nil
}

// CreateServer submits the boot request, mapping spec.BlockDevice into a
// block_device_mapping_v2 entry the way openstack_api.py's createMachine
// does once its own createVolume call has returned.
func (a *Adapter) CreateServer(ctx context.Context, spec cloud.ServerSpec) (string, error) {
	createOpts := servers.CreateOpts{
		Name:      spec.Name,
		ImageRef:  spec.ImageID,
		FlavorRef: spec.FlavorID,
		Metadata:  spec.Metadata,
		UserData:  []byte(spec.UserData),
	}
	if spec.NetworkID != "" {
		createOpts.Networks = []servers.Network{{UUID: spec.NetworkID}}
	}
	for _, sg := range spec.SecurityGroups {
		createOpts.SecurityGroups = append(createOpts.SecurityGroups, sg)
	}
	if spec.Zone != "" {
		createOpts.AvailabilityZone = spec.Zone
	}

	var hintOpts servers.CreateOptsBuilder = createOpts
	if spec.KeyPairName != "" {
		hintOpts = keypairs.CreateOptsExt{
			CreateOptsBuilder: hintOpts,
			KeyName:           spec.KeyPairName,
		}
	}

	if spec.BlockDevice != nil {
		bfvOpts := bootfromvolume.CreateOptsExt{
			CreateOptsBuilder: hintOpts,
			BlockDevice: []bootfromvolume.BlockDevice{
				{
					SourceType:          bootfromvolume.SourceVolume,
					DestinationType:     bootfromvolume.DestinationVolume,
					UUID:                spec.BlockDevice.VolumeID,
					BootIndex:           0,
					DeleteOnTermination: spec.BlockDevice.DeleteOnTermination,
				},
			},
		}
		created, err := bootfromvolume.Create(ctx, a.compute, bfvOpts).Extract()
		if err != nil {
			return "", fmt.Errorf("openstack: creating volume-backed server %s: %w", spec.Name, err)
		}
		return created.ID, nil
	}

	created, err := servers.Create(ctx, a.compute, hintOpts, nil).Extract()
	if err != nil {
		return "", fmt.Errorf("openstack: creating server %s: %w", spec.Name, err)
	}
	return created.ID, nil
}

// DeleteServer issues a server delete; a 404 is treated by the caller's
// classifier on the next scan, not here (deleteOneMachine in
// openstack_api.py only wraps the transport error).
func (a *Adapter) DeleteServer(ctx context.Context, uuid string) error {
	if err := servers.Delete(ctx, a.compute, uuid).ExtractErr(); err != nil {
		return fmt.Errorf("openstack: deleting server %s: %w", uuid, err)
	}
	return nil
}
