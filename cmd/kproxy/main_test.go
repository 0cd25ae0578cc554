package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pshima/kproxy/internal/config"
	"github.com/pshima/kproxy/internal/metrics"
	"github.com/pshima/kproxy/internal/proxy"
	"github.com/pshima/kproxy/internal/service"
	"github.com/pshima/kproxy/pkg/certificates"
	"github.com/pshima/kproxy/pkg/deviceid"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestDeviceIDGenerate(t *testing.T) {
	out, err := execute(t, "device-id", "generate")
	require.NoError(t, err)
	assert.True(t, deviceid.IsValid(strings.TrimSpace(out)))
}

func TestDeviceIDValidate(t *testing.T) {
	out, err := execute(t, "device-id", "validate", strings.Repeat("A", 64))
	require.NoError(t, err)
	assert.Contains(t, out, "valid")

	_, err = execute(t, "device-id", "validate", "abc")
	assert.ErrorIs(t, err, deviceid.ErrInvalid)

	_, err = execute(t, "device-id", "validate")
	assert.Error(t, err)
}

func TestCAInfoAndExport(t *testing.T) {
	dataDir := t.TempDir()

	out, err := execute(t, "ca", "info", "--data-dir", dataDir)
	require.NoError(t, err)
	assert.Contains(t, out, filepath.Join(dataDir, certificates.CACertFilename))
	assert.Contains(t, out, "CN=KProxy CA")
	assert.Contains(t, out, "Certificate Sign, CRL Sign")
	assert.Contains(t, out, "Status: Valid")

	pem, err := execute(t, "ca", "export", "--data-dir", dataDir)
	require.NoError(t, err)

	onDisk, err := os.ReadFile(filepath.Join(dataDir, certificates.CACertFilename))
	require.NoError(t, err)
	assert.Equal(t, string(onDisk), pem, "export reloads the persisted root")
}

func TestCAInfo_InvalidConfig(t *testing.T) {
	_, err := execute(t, "ca", "info", "--data-dir", t.TempDir(), "--port", "70000")
	assert.Error(t, err)
}

func TestCAInfo_Plain(t *testing.T) {
	dataDir := t.TempDir()

	out, err := execute(t, "ca", "info", "--plain", "--data-dir", dataDir)
	require.NoError(t, err)
	assert.Contains(t, out, "Certificate: "+filepath.Join(dataDir, certificates.CACertFilename))
	assert.Contains(t, out, "Private Key: "+filepath.Join(dataDir, certificates.CAKeyFilename))
	assert.Contains(t, out, "Subject: CN=KProxy CA")
	assert.Contains(t, out, "Is CA: true")
	assert.Contains(t, out, "Certificate Sign, CRL Sign")
	assert.Contains(t, out, "Status: Valid")
	assert.NotContains(t, out, "\x1b[", "plain output carries no color codes")
}

func TestAdminMux_Certificates(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Port = 0
	cfg.DataDir = t.TempDir()

	svc := service.New(*cfg, nil, service.WithAuthorityOptions(certificates.WithKeySize(1024)))
	_, err := svc.Initialize()
	require.NoError(t, err)
	_, err = svc.Authority().GenerateLeaf("foo.com")
	require.NoError(t, err)

	m := metrics.New(
		func() (proxy.StatsSnapshot, bool) { return svc.Stats() },
		func() certificates.CacheStats { return svc.CertCacheStats() },
	)
	srv := httptest.NewServer(newAdminMux(m, svc))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/certificates")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var entries []certificates.CertificateEntry
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "foo.com", entries[0].Host)
	assert.Equal(t, []string{"foo.com", "*.foo.com"}, entries[0].Domains)
	assert.False(t, entries[0].IsExpired)

	svc.ClearCertCache()
	resp2, err := http.Get(srv.URL + "/certificates")
	require.NoError(t, err)
	defer resp2.Body.Close()

	body := new(bytes.Buffer)
	_, err = body.ReadFrom(resp2.Body)
	require.NoError(t, err)
	assert.JSONEq(t, "[]", body.String())

	metricsResp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer metricsResp.Body.Close()
	assert.Equal(t, http.StatusOK, metricsResp.StatusCode)
}
