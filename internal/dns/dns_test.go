package dns

import (
	"net/netip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmdmdm-nz/vpnd/internal/policy"
)

const originalConf = "nameserver 192.168.1.1\nsearch home.arpa\n"

func setup(t *testing.T) (*ResolvConf, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "resolv.conf")
	require.NoError(t, os.WriteFile(path, []byte(originalConf), 0o644))
	return NewResolvConf(path), path
}

func read(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(b)
}

func TestResolvConf_SetAndReset(t *testing.T) {
	rc, path := setup(t)
	cfg := policy.ResolvedDnsConfig{Tunnel: []netip.Addr{netip.MustParseAddr("10.64.0.1")}}

	require.NoError(t, rc.Set("wg-vpnd", cfg))
	content := read(t, path)
	assert.Contains(t, content, "nameserver 10.64.0.1\n")
	assert.Contains(t, content, "search home.arpa\n")
	assert.NotContains(t, content, "192.168.1.1")
	assert.FileExists(t, path+backupSuffix)
	assert.Equal(t, cfg.Tunnel, rc.Servers())

	require.NoError(t, rc.Reset())
	assert.Equal(t, originalConf, read(t, path))
	assert.NoFileExists(t, path+backupSuffix)
	assert.Empty(t, rc.Servers())
}

func TestResolvConf_SetTwiceKeepsFirstOriginal(t *testing.T) {
	rc, path := setup(t)

	require.NoError(t, rc.Set("wg-vpnd", policy.ResolvedDnsConfig{Tunnel: []netip.Addr{netip.MustParseAddr("10.64.0.1")}}))
	require.NoError(t, rc.Set("wg-vpnd", policy.ResolvedDnsConfig{Tunnel: []netip.Addr{netip.MustParseAddr("9.9.9.9")}}))
	assert.Contains(t, read(t, path), "nameserver 9.9.9.9\n")

	require.NoError(t, rc.Reset())
	assert.Equal(t, originalConf, read(t, path))
}

func TestResolvConf_ResetWithoutSetIsNoop(t *testing.T) {
	rc, path := setup(t)
	require.NoError(t, rc.Reset())
	assert.Equal(t, originalConf, read(t, path))
}

func TestResolvConf_SetWithoutServers(t *testing.T) {
	rc, _ := setup(t)
	assert.ErrorIs(t, rc.Set("wg-vpnd", policy.ResolvedDnsConfig{}), ErrNoServers)
}

func TestResolvConf_RestoreStale(t *testing.T) {
	rc, path := setup(t)
	require.NoError(t, rc.Set("wg-vpnd", policy.ResolvedDnsConfig{Tunnel: []netip.Addr{netip.MustParseAddr("10.64.0.1")}}))

	// A fresh instance simulates a restart after a crash.
	restarted := NewResolvConf(path)
	require.NoError(t, restarted.RestoreStale())
	assert.Equal(t, originalConf, read(t, path))
	assert.NoFileExists(t, path+backupSuffix)

	require.NoError(t, restarted.RestoreStale())
}

func TestRender(t *testing.T) {
	out := Render([]netip.Addr{netip.MustParseAddr("10.64.0.1"), netip.MustParseAddr("fc00:bbbb:bbbb:bb01::1")}, nil)
	assert.Equal(t, generatedHeader+"\nnameserver 10.64.0.1\nnameserver fc00:bbbb:bbbb:bb01::1\n", string(out))
}

func TestResolvConf_ResetRemovesFileThatDidNotExist(t *testing.T) {
	path := filepath.Join(t.TempDir(), "resolv.conf")
	rc := NewResolvConf(path)

	require.NoError(t, rc.Set("wg-vpnd", policy.ResolvedDnsConfig{Tunnel: []netip.Addr{netip.MustParseAddr("10.64.0.1")}}))
	assert.Contains(t, read(t, path), "nameserver 10.64.0.1\n")
	assert.NoFileExists(t, path+backupSuffix)
	assert.FileExists(t, path+absentSuffix)

	require.NoError(t, rc.Reset())
	assert.NoFileExists(t, path)
	assert.NoFileExists(t, path+absentSuffix)
}

func TestResolvConf_RestoreStaleRemovesFileThatDidNotExist(t *testing.T) {
	path := filepath.Join(t.TempDir(), "resolv.conf")
	require.NoError(t, NewResolvConf(path).Set("wg-vpnd", policy.ResolvedDnsConfig{Tunnel: []netip.Addr{netip.MustParseAddr("10.64.0.1")}}))

	restarted := NewResolvConf(path)
	require.NoError(t, restarted.RestoreStale())
	assert.NoFileExists(t, path)
	assert.NoFileExists(t, path+absentSuffix)

	require.NoError(t, restarted.RestoreStale())
}
