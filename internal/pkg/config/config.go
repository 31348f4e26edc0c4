// Package config carries the embedder-facing kernel configuration. It is a
// viper section so host applications can splice it into their own config
// files and environment handling.
package config

import (
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/vatkit/vatkit/internal/pkg/slog"
	"github.com/vatkit/vatkit/internal/pkg/vatoptions"
)

const (
	// ConfigPrefix namespaces every kernel key in the host config.
	ConfigPrefix = "kernel"
	// FlagSlogfile is the fully qualified slogfile key.
	FlagSlogfile = ConfigPrefix + ".slogfile"
)

// DefaultConfigTemplate is the TOML section hosts append to their config
// template.
const DefaultConfigTemplate = `
###############################################################################
###                          Kernel Configuration                           ###
###############################################################################

[kernel]
# slogfile is the path at which the kernel writes its ndjson telemetry
# journal. Empty disables the journal. A relative path is interpreted
# against the current working directory.
slogfile = "{{ .Kernel.SlogFile }}"

# defaultreapinterval is the number of deliveries between garbage-collection
# prompts for vats that do not choose their own interval. 0 disables them.
defaultreapinterval = {{ .Kernel.DefaultReapInterval }}

# virtualobjectcachesize is the per-vat cache size for virtualized state.
virtualobjectcachesize = {{ .Kernel.VirtualObjectCacheSize }}
`

// KernelConfig defines the embedder-tunable kernel settings.
type KernelConfig struct {
	// SlogFile is the path of the telemetry journal; empty disables it.
	SlogFile string `mapstructure:"slogfile" json:"slogfile,omitempty"`
	// DefaultReapInterval seeds vats that do not set reapInterval.
	DefaultReapInterval uint64 `mapstructure:"defaultreapinterval" json:"defaultreapinterval,omitempty"`
	// VirtualObjectCacheSize seeds vats that do not set their own size.
	VirtualObjectCacheSize int `mapstructure:"virtualobjectcachesize" json:"virtualobjectcachesize,omitempty"`
}

// DefaultKernelConfig mirrors the option-bag defaults.
var DefaultKernelConfig = KernelConfig{
	SlogFile:               "",
	DefaultReapInterval:    vatoptions.DefaultReapInterval,
	VirtualObjectCacheSize: vatoptions.DefaultVirtualObjectCacheSize,
}

// FromViper extracts the kernel section from a resolved viper instance. The
// SLOGFILE environment variable overrides the config file.
func FromViper(v *viper.Viper) (*KernelConfig, error) {
	if v == nil {
		return nil, nil
	}
	if err := v.BindEnv(FlagSlogfile, "SLOGFILE"); err != nil {
		return nil, errors.Wrap(err, "binding slogfile env")
	}
	wrapper := struct{ Kernel KernelConfig }{Kernel: DefaultKernelConfig}
	if err := v.Unmarshal(&wrapper); err != nil {
		return nil, errors.Wrap(err, "unmarshalling kernel config")
	}
	cfg := &wrapper.Kernel

	if cfg.SlogFile != "" && !filepath.IsAbs(cfg.SlogFile) {
		abs, err := filepath.Abs(cfg.SlogFile)
		if err != nil {
			return nil, errors.Wrap(err, "resolving slogfile path")
		}
		cfg.SlogFile = abs
	}
	return cfg, nil
}

// OpenJournal builds the telemetry journal the config names, or a no-op one
// when journalling is disabled.
func (c *KernelConfig) OpenJournal() (slog.Journal, error) {
	if c == nil || c.SlogFile == "" {
		return slog.NopJournal(), nil
	}
	return slog.NewZapJournal(c.SlogFile)
}
