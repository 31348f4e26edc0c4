package config

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vatkit/vatkit/internal/pkg/vatoptions"
)

func viperFromTOML(t *testing.T, body string) *viper.Viper {
	t.Helper()
	v := viper.New()
	v.SetConfigType("toml")
	require.NoError(t, v.ReadConfig(strings.NewReader(body)))
	return v
}

func TestFromViperReadsSection(t *testing.T) {
	v := viperFromTOML(t, `
[kernel]
slogfile = "/var/log/kernel.slog"
defaultreapinterval = 500
virtualobjectcachesize = 99
`)
	cfg, err := FromViper(v)
	require.NoError(t, err)
	assert.Equal(t, "/var/log/kernel.slog", cfg.SlogFile)
	assert.Equal(t, uint64(500), cfg.DefaultReapInterval)
	assert.Equal(t, 99, cfg.VirtualObjectCacheSize)
}

func TestFromViperDefaults(t *testing.T) {
	cfg, err := FromViper(viperFromTOML(t, "[kernel]\n"))
	require.NoError(t, err)
	assert.Equal(t, "", cfg.SlogFile)
	assert.Equal(t, vatoptions.DefaultReapInterval, cfg.DefaultReapInterval)
	assert.Equal(t, vatoptions.DefaultVirtualObjectCacheSize, cfg.VirtualObjectCacheSize)
}

func TestFromViperResolvesRelativeSlogfile(t *testing.T) {
	v := viperFromTOML(t, `
[kernel]
slogfile = "kernel.slog"
`)
	cfg, err := FromViper(v)
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(cfg.SlogFile))
	assert.Equal(t, "kernel.slog", filepath.Base(cfg.SlogFile))
}

func TestFromViperEnvOverride(t *testing.T) {
	t.Setenv("SLOGFILE", "/tmp/env.slog")
	cfg, err := FromViper(viperFromTOML(t, "[kernel]\nslogfile = \"/from/file.slog\"\n"))
	require.NoError(t, err)
	assert.Equal(t, "/tmp/env.slog", cfg.SlogFile)
}

func TestOpenJournalDisabled(t *testing.T) {
	cfg := &KernelConfig{}
	j, err := cfg.OpenJournal()
	require.NoError(t, err)
	assert.NotNil(t, j)
}

func TestOpenJournalWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kernel.slog")
	cfg := &KernelConfig{SlogFile: path}
	j, err := cfg.OpenJournal()
	require.NoError(t, err)
	j.Topic("kernel").Write("kernel-start")
	assert.FileExists(t, path)
}
