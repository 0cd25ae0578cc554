package service

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/pshima/kproxy/internal/config"
	"github.com/pshima/kproxy/internal/proxy"
	"github.com/pshima/kproxy/pkg/certificates"
	"github.com/pshima/kproxy/pkg/deviceid"
)

func hexRun(c string) string {
	return strings.Repeat(c, 64)
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Port = 0
	cfg.DataDir = t.TempDir()
	cfg.LogRequests = false
	return *cfg
}

type recorder struct {
	mu     sync.Mutex
	events []proxy.Event
}

func (r *recorder) OnEvent(e proxy.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) statuses() []proxy.StatusChanged {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []proxy.StatusChanged
	for _, e := range r.events {
		if sc, ok := e.(proxy.StatusChanged); ok {
			out = append(out, sc)
		}
	}
	return out
}

func newTestService(t *testing.T, cfg config.Config, opts ...Option) *Service {
	t.Helper()
	opts = append([]Option{WithAuthorityOptions(certificates.WithKeySize(1024))}, opts...)
	s := New(cfg, nil, opts...)
	t.Cleanup(func() { s.Stop(context.Background()) })
	return s
}

func TestService_InitializeIsIdempotent(t *testing.T) {
	cfg := testConfig(t)
	s := newTestService(t, cfg)

	assert.Nil(t, s.CAInfo())
	_, ok := s.Stats()
	assert.False(t, ok)

	first, err := s.Initialize()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(cfg.DataDir, certificates.CACertFilename), first.CertPath)
	assert.FileExists(t, first.KeyPath)

	authority := s.Authority()

	second, err := s.Initialize()
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Same(t, authority, s.Authority())

	_, ok = s.Stats()
	assert.True(t, ok)
}

func TestService_InitializeFailure(t *testing.T) {
	cfg := testConfig(t)
	blocker := filepath.Join(cfg.DataDir, "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0644))
	cfg.DataDir = filepath.Join(blocker, "data")

	s := newTestService(t, cfg)

	_, err := s.Initialize()
	var caErr *certificates.CertAuthorityError
	require.ErrorAs(t, err, &caErr)
	assert.Nil(t, s.CAInfo())

	err = s.Start()
	assert.ErrorAs(t, err, &caErr)
	assert.False(t, s.IsRunning())
}

func TestService_StartStopRestart(t *testing.T) {
	rec := &recorder{}
	s := newTestService(t, testConfig(t), WithObserver(rec))

	require.NoError(t, s.Start(), "start initializes lazily")
	assert.NotNil(t, s.CAInfo())
	assert.True(t, s.IsRunning())
	assert.NotEmpty(t, s.Addr())
	assert.True(t, s.Config().Enabled)

	require.NoError(t, s.Restart(context.Background()))
	assert.True(t, s.IsRunning())

	require.NoError(t, s.Stop(context.Background()))
	assert.False(t, s.IsRunning())
	assert.Empty(t, s.Addr())
	assert.False(t, s.Config().Enabled)

	statuses := rec.statuses()
	require.Len(t, statuses, 4)
	assert.True(t, statuses[0].Running)
	assert.False(t, statuses[1].Running)
	assert.True(t, statuses[2].Running)
	assert.False(t, statuses[3].Running)
}

func TestService_StopBeforeStart(t *testing.T) {
	s := newTestService(t, testConfig(t))
	assert.NoError(t, s.Stop(context.Background()))
	assert.False(t, s.IsRunning())
}

func TestService_StartupError(t *testing.T) {
	first := newTestService(t, testConfig(t))
	require.NoError(t, first.Start())

	_, portStr, err := net.SplitHostPort(first.Addr())
	require.NoError(t, err)

	cfg := testConfig(t)
	cfg.Port, err = strconv.Atoi(portStr)
	require.NoError(t, err)
	second := newTestService(t, cfg)

	err = second.Start()
	var startupErr *proxy.StartupError
	require.ErrorAs(t, err, &startupErr)
	assert.False(t, second.IsRunning())
}

func TestService_Boot(t *testing.T) {
	t.Run("auto start", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.AutoStart = true
		s := newTestService(t, cfg)

		require.NoError(t, s.Boot())
		assert.True(t, s.IsRunning())
	})

	t.Run("manual start", func(t *testing.T) {
		s := newTestService(t, testConfig(t))

		require.NoError(t, s.Boot())
		assert.NotNil(t, s.CAInfo())
		assert.False(t, s.IsRunning())
	})
}

func TestService_UpdateConfig(t *testing.T) {
	s := newTestService(t, testConfig(t))
	require.NoError(t, s.Start())

	domains := []string{"example.com"}
	logRequests := true
	restart, err := s.UpdateConfig(config.Update{MitmDomains: domains, LogRequests: &logRequests})
	require.NoError(t, err)
	assert.False(t, restart)

	cfg := s.Config()
	assert.Equal(t, domains, cfg.MitmDomains)
	assert.True(t, cfg.LogRequests)

	port := 1
	restart, err = s.UpdateConfig(config.Update{Port: &port})
	require.NoError(t, err)
	assert.True(t, restart)
	assert.Equal(t, 1, s.Config().Port)
	assert.True(t, s.IsRunning(), "listener is only rebound on restart")

	// The returned copy does not alias the live configuration.
	cfg = s.Config()
	cfg.MitmDomains[0] = "changed.com"
	assert.Equal(t, domains, s.Config().MitmDomains)
}

func TestService_UpdateConfigRejectsInvalidDeviceID(t *testing.T) {
	s := newTestService(t, testConfig(t))

	bad := "not-a-device-id"
	_, err := s.UpdateConfig(config.Update{DeviceID: &bad})
	assert.ErrorIs(t, err, deviceid.ErrInvalid)
	assert.Empty(t, s.DeviceID())

	badPort := 70000
	_, err = s.UpdateConfig(config.Update{Port: &badPort})
	assert.Error(t, err)
	assert.Equal(t, 0, s.Config().Port)
}

func TestService_SetDeviceID(t *testing.T) {
	s := newTestService(t, testConfig(t))
	_, err := s.Initialize()
	require.NoError(t, err)

	require.NoError(t, s.SetDeviceID(hexRun("a")))
	assert.Equal(t, hexRun("a"), s.DeviceID())

	assert.ErrorIs(t, s.SetDeviceID(hexRun("z")), deviceid.ErrInvalid)
	assert.ErrorIs(t, s.SetDeviceID(""), deviceid.ErrInvalid)
	assert.Equal(t, hexRun("a"), s.DeviceID())
}

func TestService_CACertPEM(t *testing.T) {
	s := newTestService(t, testConfig(t))

	_, err := s.CACertPEM()
	assert.ErrorIs(t, err, certificates.ErrInvalidState)

	info, err := s.Initialize()
	require.NoError(t, err)

	pem, err := s.CACertPEM()
	require.NoError(t, err)
	assert.Equal(t, info.CertPEM, pem)
	assert.True(t, strings.HasPrefix(pem, "-----BEGIN CERTIFICATE-----"))
}

func TestService_ClearCertCache(t *testing.T) {
	s := newTestService(t, testConfig(t))
	s.ClearCertCache() // before Initialize
	assert.Nil(t, s.Certificates())

	_, err := s.Initialize()
	require.NoError(t, err)

	_, err = s.Authority().GenerateLeaf("api.example.com")
	require.NoError(t, err)
	assert.Equal(t, 1, s.Authority().CacheStats().TotalCertificates)

	entries := s.Certificates()
	require.Len(t, entries, 1)
	assert.Equal(t, "api.example.com", entries[0].Host)

	s.ClearCertCache()
	assert.Equal(t, 0, s.Authority().CacheStats().TotalCertificates)
	assert.Empty(t, s.Certificates())
}

func TestService_ResetStats(t *testing.T) {
	s := newTestService(t, testConfig(t))
	s.ResetStats() // before Initialize

	require.NoError(t, s.Start())
	before, ok := s.Stats()
	require.True(t, ok)

	s.ResetStats()
	after, ok := s.Stats()
	require.True(t, ok)
	assert.Zero(t, after.TotalRequests)
	assert.Equal(t, before.StartTime, after.StartTime)
}

func TestService_Mappings(t *testing.T) {
	s := newTestService(t, testConfig(t))
	fixed := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	require.NoError(t, s.AddMapping(DeviceIDMapping{AccountID: "b", DeviceID: hexRun("b"), Description: "work laptop"}))
	require.NoError(t, s.AddMapping(DeviceIDMapping{AccountID: "a", DeviceID: hexRun("a"), CreatedAt: fixed.Add(-time.Hour)}))

	assert.ErrorIs(t, s.AddMapping(DeviceIDMapping{AccountID: "c", DeviceID: "short"}), deviceid.ErrInvalid)
	assert.Error(t, s.AddMapping(DeviceIDMapping{DeviceID: hexRun("c")}))

	mappings := s.Mappings()
	require.Len(t, mappings, 2)
	assert.Equal(t, "a", mappings[0].AccountID)
	assert.Equal(t, fixed.Add(-time.Hour), mappings[0].CreatedAt)
	assert.Equal(t, "b", mappings[1].AccountID)
	assert.Equal(t, fixed, mappings[1].CreatedAt)
	assert.Equal(t, "work laptop", mappings[1].Description)
	assert.Empty(t, mappings[0].Description)
	assert.True(t, mappings[1].LastUsedAt.IsZero())

	encoded, err := json.Marshal(mappings[0])
	require.NoError(t, err)
	assert.NotContains(t, string(encoded), "description")
	encoded, err = yaml.Marshal(mappings[1])
	require.NoError(t, err)
	assert.Contains(t, string(encoded), "description: work laptop")

	id, ok := s.DeviceIDForAccount("b")
	assert.True(t, ok)
	assert.Equal(t, hexRun("b"), id)

	assert.True(t, s.RemoveMapping("b"))
	assert.False(t, s.RemoveMapping("b"))
	_, ok = s.DeviceIDForAccount("b")
	assert.False(t, ok)
}

func TestService_SwitchToAccount(t *testing.T) {
	s := newTestService(t, testConfig(t))
	require.NoError(t, s.Start())

	used := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return used }

	require.NoError(t, s.AddMapping(DeviceIDMapping{AccountID: "acct", DeviceID: hexRun("c")}))

	assert.False(t, s.SwitchToAccount("missing"))
	assert.Empty(t, s.DeviceID())

	require.True(t, s.SwitchToAccount("acct"))
	assert.Equal(t, hexRun("c"), s.DeviceID())

	mappings := s.Mappings()
	require.Len(t, mappings, 1)
	assert.Equal(t, used, mappings[0].LastUsedAt)
}

func TestService_SwitchToAccountFailureKeepsLastUsed(t *testing.T) {
	s := newTestService(t, testConfig(t))
	s.now = func() time.Time { return time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC) }

	// A mapping that bypassed AddMapping validation cannot become active.
	s.mappings["broken"] = &DeviceIDMapping{AccountID: "broken", DeviceID: "short"}

	assert.False(t, s.SwitchToAccount("broken"))
	assert.Empty(t, s.DeviceID())

	mappings := s.Mappings()
	require.Len(t, mappings, 1)
	assert.True(t, mappings[0].LastUsedAt.IsZero(), "failed switch must not stamp last use")
}

func TestService_NoSharedState(t *testing.T) {
	a := newTestService(t, testConfig(t))
	b := newTestService(t, testConfig(t))

	require.NoError(t, a.SetDeviceID(hexRun("1")))
	assert.Empty(t, b.DeviceID())

	_, errA := a.Initialize()
	_, errB := b.Initialize()
	require.NoError(t, errors.Join(errA, errB))
	assert.NotEqual(t, a.CAInfo().Fingerprint, b.CAInfo().Fingerprint)
}

func TestService_ObserverMayQueryService(t *testing.T) {
	var s *Service
	var mu sync.Mutex
	var seen []bool
	observer := proxy.ObserverFunc(func(e proxy.Event) {
		if _, ok := e.(proxy.StatusChanged); ok {
			running := s.IsRunning()
			s.Addr()
			s.Stats()
			mu.Lock()
			seen = append(seen, running)
			mu.Unlock()
		}
	})
	s = newTestService(t, testConfig(t), WithObserver(observer))

	done := make(chan error, 1)
	go func() {
		if err := s.Start(); err != nil {
			done <- err
			return
		}
		done <- s.Stop(context.Background())
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Start/Stop blocked while delivering StatusChanged")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []bool{true, false}, seen)
}
