package factory_test

import (
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/iris-ac-uk/iris-vcycle/internal/cloud"
	"github.com/iris-ac-uk/iris-vcycle/internal/factory"
	"github.com/iris-ac-uk/iris-vcycle/internal/model"
	vcerrors "github.com/iris-ac-uk/iris-vcycle/internal/shared/errors"
	"github.com/iris-ac-uk/iris-vcycle/internal/store"
)

type Suite struct {
	suite.Suite
	store *store.Store
	fac   *factory.Factory
}

func Test_RunSuite(t *testing.T) {
	suite.Run(t, new(Suite))
}

func (s *Suite) SetupTest() {
	s.store = store.New(s.T().TempDir())
	s.Require().NoError(s.store.EnsureLayout())
	s.fac = factory.New(s.store, "manager1.example.org", "vcycle-test 1.0", rand.New(rand.NewSource(1)))
	s.fac.Now = func() time.Time { return time.Unix(10_000, 0) }
}

// fakeAdapter is a minimal cloud.Adapter double: unimplemented methods
// panic if a test exercises a path that doesn't stub them.
type fakeAdapter struct {
	cloud.Adapter
	flavors       map[string]cloud.Flavor
	findImage     func(ctx context.Context, ref string) (string, error)
	ensureKeyPair func(ctx context.Context, publicKey string) (string, error)
	createVolume  func(ctx context.Context, spec cloud.VolumeSpec) (string, error)
	volumeStatus  func(ctx context.Context, volumeID string) (string, error)

	lastServerSpec cloud.ServerSpec
}

func (f *fakeAdapter) ListFlavors(ctx context.Context) (map[string]cloud.Flavor, error) {
	return f.flavors, nil
}

func (f *fakeAdapter) FindImage(ctx context.Context, ref string) (string, error) {
	return f.findImage(ctx, ref)
}

func (f *fakeAdapter) EnsureKeyPair(ctx context.Context, publicKey string) (string, error) {
	return f.ensureKeyPair(ctx, publicKey)
}

func (f *fakeAdapter) CreateVolume(ctx context.Context, spec cloud.VolumeSpec) (string, error) {
	return f.createVolume(ctx, spec)
}

func (f *fakeAdapter) VolumeStatus(ctx context.Context, volumeID string) (string, error) {
	return f.volumeStatus(ctx, volumeID)
}

func (f *fakeAdapter) CreateServer(ctx context.Context, spec cloud.ServerSpec) (string, error) {
	f.lastServerSpec = spec
	return "srv-1", nil
}

func (s *Suite) writeTemplate(contents string) string {
	dir := s.T().TempDir()
	path := filepath.Join(dir, "user_data.template")
	s.Require().NoError(os.WriteFile(path, []byte(contents), 0640))
	return path
}

func (s *Suite) baseSpace(mt *model.Machinetype) *model.Space {
	return &model.Space{
		Name:      "space1",
		HTTPSHost: "vcycle.example.org",
		HTTPSPort: 8443,
		Machinetypes: map[string]*model.Machinetype{
			"mt1": mt,
		},
	}
}

func (s *Suite) Test_Create_NoVolume_WritesStateAndCallsAdapter() {
	mt := &model.Machinetype{
		Name:                "mt1",
		FlavorNames:         []string{"flavor1"},
		MinProcessors:       2,
		RootImage:           "image:cernvm",
		UserDataTemplate:    s.writeTemplate("space={{.SpaceName}} mt={{.MachinetypeName}} host={{.HostName}}"),
		MaxWallclockSeconds: 3600,
	}
	space := s.baseSpace(mt)
	adapter := &fakeAdapter{
		flavors:   map[string]cloud.Flavor{"flavor1": {ID: "flv-1", Processors: 2}},
		findImage: func(ctx context.Context, ref string) (string, error) { return "img-1", nil },
	}

	err := s.fac.Create(context.Background(), adapter, space, "mt1")
	s.Require().NoError(err)

	s.Equal("flv-1", adapter.lastServerSpec.FlavorID)
	s.Equal("img-1", adapter.lastServerSpec.ImageID)
	s.Nil(adapter.lastServerSpec.BlockDevice)
	s.Contains(adapter.lastServerSpec.Name, "vcycle-mt1-")
	s.Equal("mt1", adapter.lastServerSpec.Metadata["machinetype"])

	machineName := adapter.lastServerSpec.Name
	manager, err := s.store.Get(space.Name, machineName, "manager")
	s.Require().NoError(err)
	s.Equal("manager1.example.org", manager)

	totalCPU, err := s.store.Get(space.Name, machineName, "machinefeatures/total_cpu")
	s.Require().NoError(err)
	s.Equal("2", totalCPU)

	userData, err := s.store.Get(space.Name, machineName, "user_data")
	s.Require().NoError(err)
	s.Equal("space=space1 mt=mt1 host="+machineName, userData)

	shutdownTime, err := s.store.Get(space.Name, machineName, "machinefeatures/shutdowntime")
	s.Require().NoError(err)
	s.Equal("13600", shutdownTime) // now(10000) + max_wallclock_seconds(3600)
}

func (s *Suite) Test_Create_VolumeBacked_AttachesBlockDevice() {
	mt := &model.Machinetype{
		Name:             "mt1",
		FlavorNames:      []string{"flavor1"},
		MinProcessors:    2,
		RootImage:        "image:cernvm",
		UserDataTemplate: s.writeTemplate("noop"),
	}
	space := s.baseSpace(mt)
	space.VolumeGBPerProcessor = 10

	adapter := &fakeAdapter{
		flavors:   map[string]cloud.Flavor{"flavor1": {ID: "flv-1", Processors: 2}},
		findImage: func(ctx context.Context, ref string) (string, error) { return "img-1", nil },
		createVolume: func(ctx context.Context, spec cloud.VolumeSpec) (string, error) {
			s.Equal(20, spec.SizeGiB) // volume_gb_per_processor(10) * processors(2)
			return "vol-1", nil
		},
		volumeStatus: func(ctx context.Context, volumeID string) (string, error) { return "available", nil },
	}

	err := s.fac.Create(context.Background(), adapter, space, "mt1")
	s.Require().NoError(err)

	s.Require().NotNil(adapter.lastServerSpec.BlockDevice)
	s.Equal("vol-1", adapter.lastServerSpec.BlockDevice.VolumeID)
	s.True(adapter.lastServerSpec.BlockDevice.DeleteOnTermination)
}

func (s *Suite) Test_Create_NoSuitableFlavorIsFatal() {
	mt := &model.Machinetype{
		Name:          "mt1",
		FlavorNames:   []string{"flavor1"},
		MinProcessors: 100,
	}
	space := s.baseSpace(mt)
	adapter := &fakeAdapter{flavors: map[string]cloud.Flavor{"flavor1": {ID: "flv-1", Processors: 2}}}

	err := s.fac.Create(context.Background(), adapter, space, "mt1")
	s.Require().Error(err)
	s.Equal(vcerrors.Fatal, vcerrors.KindOf(err))
}

func (s *Suite) Test_Create_CVMFSProxyMachinetypeInjectsHeartbeatIPs() {
	proxy := &model.Machinetype{Name: "proxy"}
	mt := &model.Machinetype{
		Name:                      "mt1",
		FlavorNames:               []string{"flavor1"},
		MinProcessors:             1,
		RootImage:                 "image:cernvm",
		CVMFSProxyMachinetype:     "proxy",
		CVMFSProxyMachinetypePort: 3128,
		UserDataTemplate:          s.writeTemplate(`{{index .Options "user_data_option_cvmfs_proxy"}}`),
	}
	space := s.baseSpace(mt)
	space.Machinetypes["proxy"] = proxy

	s.Require().NoError(s.store.PutPath(s.store.HeartbeatListPath("space1", "proxy"), []byte("10000 vcycle-proxy-aaaaaaaaaa 10.0.0.5\n"), 0664))

	adapter := &fakeAdapter{
		flavors:   map[string]cloud.Flavor{"flavor1": {ID: "flv-1", Processors: 1}},
		findImage: func(ctx context.Context, ref string) (string, error) { return "img-1", nil },
	}

	err := s.fac.Create(context.Background(), adapter, space, "mt1")
	s.Require().NoError(err)

	userData, err := s.store.Get(space.Name, adapter.lastServerSpec.Name, "user_data")
	s.Require().NoError(err)
	s.Equal("http://10.0.0.5:3128", userData)
}

func (s *Suite) Test_BoundCreator_SatisfiesAllocatorCreatorShape() {
	mt := &model.Machinetype{
		Name:             "mt1",
		FlavorNames:      []string{"flavor1"},
		MinProcessors:    1,
		RootImage:        "image:cernvm",
		UserDataTemplate: s.writeTemplate("noop"),
	}
	space := s.baseSpace(mt)
	adapter := &fakeAdapter{
		flavors:   map[string]cloud.Flavor{"flavor1": {ID: "flv-1", Processors: 1}},
		findImage: func(ctx context.Context, ref string) (string, error) { return "img-1", nil },
	}

	bound := factory.BoundCreator{Factory: s.fac, Adapter: adapter}
	err := bound.Create(context.Background(), space, "mt1")
	s.Require().NoError(err)
	s.NotEmpty(adapter.lastServerSpec.Name)
}
