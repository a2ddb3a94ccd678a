package manager_test

import (
	"log/slog"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/iris-ac-uk/iris-vcycle/internal/manager"
	"github.com/iris-ac-uk/iris-vcycle/internal/model"
	vcconfig "github.com/iris-ac-uk/iris-vcycle/internal/shared/config"
	"github.com/iris-ac-uk/iris-vcycle/internal/shared/logging"
	"github.com/iris-ac-uk/iris-vcycle/internal/store"
)

type Suite struct {
	suite.Suite
	store *store.Store
	cfg   *vcconfig.ManagerConfig
}

func Test_RunSuite(t *testing.T) {
	suite.Run(t, new(Suite))
}

func (s *Suite) SetupTest() {
	s.store = store.New(s.T().TempDir())
	s.Require().NoError(s.store.EnsureLayout())
	s.cfg = &vcconfig.ManagerConfig{Hostname: "m1.example.org", CycleIntervalSeconds: 60, HealthAddr: ":0"}
}

func (s *Suite) logger() *slog.Logger {
	return logging.NewLogger("vcycled-test", "info", "development")
}

func (s *Suite) Test_New_UnsupportedAPIReturnsError() {
	spaces := []*model.Space{{Name: "space1", API: "does-not-exist", Machinetypes: map[string]*model.Machinetype{}}}
	_, err := manager.New(s.cfg, s.logger(), s.store, spaces)
	s.Error(err)
}

func (s *Suite) Test_New_NoSpaces_ReadinessPassesTrivially() {
	m, err := manager.New(s.cfg, s.logger(), s.store, nil)
	s.Require().NoError(err)

	rec := s.serveReady(m)
	s.Equal(200, rec.Code)
}

func (s *Suite) Test_New_WithUnconnectedSpace_ReadinessFails() {
	spaces := []*model.Space{{
		Name:         "space1",
		API:          "openstack",
		Credentials:  map[string]string{"auth_url": "https://example.invalid/v3"},
		Machinetypes: map[string]*model.Machinetype{},
	}}
	m, err := manager.New(s.cfg, s.logger(), s.store, spaces)
	s.Require().NoError(err)

	rec := s.serveReady(m)
	s.Equal(503, rec.Code, "no space has connected yet, readiness must fail")
}

// serveReady hits the manager's /readyz handler directly via the
// net/http/httptest recorder, bypassing Start (which would block on
// ctx.Done() and spin up real network goroutines).
func (s *Suite) serveReady(m *manager.Manager) *httptest.ResponseRecorder {
	req := httptest.NewRequest("GET", "/readyz", nil)
	rec := httptest.NewRecorder()
	m.Health().HandleReady(rec, req)
	return rec
}
