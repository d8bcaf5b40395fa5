package cli

import (
	"flag"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet("vpnd", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func TestParse_Defaults(t *testing.T) {
	cfg, showVersion, err := parse(newFlagSet(), nil)
	require.NoError(t, err)
	assert.False(t, showVersion)
	assert.Equal(t, "127.0.0.1", cfg.Host)
	assert.Equal(t, 60106, cfg.Port)
	assert.Equal(t, "/etc/vpnd/config.yaml", cfg.ConfigPath)
	assert.False(t, cfg.AutoConnect)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestParse_Flags(t *testing.T) {
	cfg, showVersion, err := parse(newFlagSet(), []string{
		"-port", "9000", "-config", "/tmp/vpnd.yaml", "-auto-connect", "-log-level", "debug", "-version",
	})
	require.NoError(t, err)
	assert.True(t, showVersion)
	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, "/tmp/vpnd.yaml", cfg.ConfigPath)
	assert.True(t, cfg.AutoConnect)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Contains(t, cfg.String(), "AutoConnect: true")
}

func TestParse_UnknownFlag(t *testing.T) {
	_, _, err := parse(newFlagSet(), []string{"-auto-create-tunnels"})
	assert.Error(t, err)
}
