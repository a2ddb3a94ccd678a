// Package testsuite provides the shared test fixture used across
// iris-vcycle's package tests: a temp-dir internal/store.Store plus a
// scriptable in-memory internal/cloud.Adapter, grounded on the teacher's
// internal/testsuite/testsuite.go (a suite.Suite embedding a shared
// resource, built fresh per test in SetupTest/SetupSuite) generalised
// from a live Postgres+firecracker fixture to a hermetic
// filesystem+fake-adapter one — iris-vcycle has no database and no real
// OpenStack tenancy to spin up for tests.
package testsuite

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/iris-ac-uk/iris-vcycle/internal/cloud"
	"github.com/iris-ac-uk/iris-vcycle/internal/store"
)

// Hostname is the manager identity every fixture-built component uses,
// matching the factory/heartbeat/takeover "manager" field convention.
const Hostname = "m1.example.org"

// Suite is embedded by a package's own test suite type to get a fresh
// state store and a discard logger for every test.
type Suite struct {
	suite.Suite
	Store  *store.Store
	Logger *slog.Logger
}

// SetupTest rebuilds the fixture before every test method, the same
// per-test isolation the teacher's SetupSuite gave per-suite (a fresh
// temp dir is cheaper than truncating a database, so iris-vcycle can
// afford to do it every test instead of every suite).
func (s *Suite) SetupTest() {
	s.Store = store.New(s.T().TempDir())
	s.Require().NoError(s.Store.EnsureLayout())
	s.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
}

// FakeAdapter is a minimal, scriptable cloud.Adapter double. ListServers
// and ListFlavors panic if their Func field is left nil; Connect,
// ProcessorsLimit, CreateServer and DeleteServer fall back to a
// successful default; UploadImage, FindImage, EnsureKeyPair and
// CreateVolume always return an empty id, and VolumeStatus always
// reports "available".
type FakeAdapter struct {
	ConnectFunc         func(ctx context.Context) error
	ListServersFunc     func(ctx context.Context) ([]cloud.ServerRecord, error)
	ListFlavorsFunc     func(ctx context.Context) (map[string]cloud.Flavor, error)
	ProcessorsLimitFunc func(ctx context.Context) (*int, error)
	CreateServerFunc    func(ctx context.Context, spec cloud.ServerSpec) (string, error)
	DeleteServerFunc    func(ctx context.Context, uuid string) error

	DeletedUUIDs []string
	Created      []cloud.ServerSpec
}

func (f *FakeAdapter) Connect(ctx context.Context) error {
	if f.ConnectFunc != nil {
		return f.ConnectFunc(ctx)
	}
	return nil
}

func (f *FakeAdapter) ListServers(ctx context.Context) ([]cloud.ServerRecord, error) {
	return f.ListServersFunc(ctx)
}

func (f *FakeAdapter) ListFlavors(ctx context.Context) (map[string]cloud.Flavor, error) {
	return f.ListFlavorsFunc(ctx)
}

func (f *FakeAdapter) ProcessorsLimit(ctx context.Context) (*int, error) {
	if f.ProcessorsLimitFunc != nil {
		return f.ProcessorsLimitFunc(ctx)
	}
	return nil, nil
}

func (f *FakeAdapter) UploadImage(ctx context.Context, file, name string, lastModified time.Time) (string, error) {
	return "", nil
}

func (f *FakeAdapter) FindImage(ctx context.Context, nameOrRef string) (string, error) {
	return "", nil
}

func (f *FakeAdapter) EnsureKeyPair(ctx context.Context, publicKey string) (string, error) {
	return "", nil
}

func (f *FakeAdapter) CreateVolume(ctx context.Context, spec cloud.VolumeSpec) (string, error) {
	return "", nil
}

func (f *FakeAdapter) VolumeStatus(ctx context.Context, volumeID string) (string, error) {
	return "available", nil
}

func (f *FakeAdapter) CreateServer(ctx context.Context, spec cloud.ServerSpec) (string, error) {
	f.Created = append(f.Created, spec)
	if f.CreateServerFunc != nil {
		return f.CreateServerFunc(ctx, spec)
	}
	return "uuid-fake", nil
}

func (f *FakeAdapter) DeleteServer(ctx context.Context, uuid string) error {
	f.DeletedUUIDs = append(f.DeletedUUIDs, uuid)
	if f.DeleteServerFunc != nil {
		return f.DeleteServerFunc(ctx, uuid)
	}
	return nil
}
