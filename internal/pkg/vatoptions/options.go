// Package vatoptions defines the closed configuration surface of a vat.
//
// Callers supply an option bag; the bag is validated against the allow-list
// for the vat's kind (static or dynamic) and parsed into the one Options
// struct the rest of the kernel consumes. Unknown keys fail the whole
// creation; nothing is silently ignored.
package vatoptions

import (
	"fmt"

	"github.com/pkg/errors"
)

// ManagerType selects the manager implementation hosting the vat's isolated
// execution environment.
type ManagerType string

// ManagerLocal runs the vat in-process. It is the only manager type this
// module ships; the boundary accepts others supplied by embedders.
const ManagerLocal = ManagerType("local")

// ReapNever disables bringOutYourDead scheduling for a vat.
const ReapNever = uint64(0)

// Defaults applied when the bag leaves a key unset.
const (
	DefaultVirtualObjectCacheSize = 50
	DefaultReapInterval           = uint64(200)
)

// Options is the parsed, validated configuration of one vat.
type Options struct {
	Description string `cbor:"description,omitempty"`
	Name        string `cbor:"name,omitempty"`

	ManagerType ManagerType `cbor:"managerType"`
	MeterID     string      `cbor:"meterID,omitempty"`

	EnableSetup      bool `cbor:"enableSetup"`
	EnableDisavow    bool `cbor:"enableDisavow"`
	EnablePipelining bool `cbor:"enablePipelining"`
	UseTranscript    bool `cbor:"useTranscript"`

	VirtualObjectCacheSize int    `cbor:"virtualObjectCacheSize"`
	ReapInterval           uint64 `cbor:"reapInterval"`
}

// Metered reports whether the vat draws from a meter.
func (o Options) Metered() bool {
	return o.MeterID != ""
}

// Bag is a caller-supplied option bag, keyed by option name.
type Bag map[string]interface{}

// Clone returns a shallow copy of the bag.
func (b Bag) Clone() Bag {
	out := make(Bag, len(b))
	for k, v := range b {
		out[k] = v
	}
	return out
}

// InvalidOptionError reports an option key outside the allowed set for the
// vat's kind, or a value of the wrong shape.
type InvalidOptionError struct {
	Key    string
	Kind   string
	Reason string
}

func (e *InvalidOptionError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("option %q for %s vat: %s", e.Key, e.Kind, e.Reason)
	}
	return fmt.Sprintf("option %q is not allowed for %s vats", e.Key, e.Kind)
}

var dynamicKeys = map[string]bool{
	"description":            true,
	"meterID":                true,
	"managerType":            true,
	"enableSetup":            true,
	"enablePipelining":       true,
	"virtualObjectCacheSize": true,
	"useTranscript":          true,
	"reapInterval":           true,
}

var staticKeys = map[string]bool{
	"description":            true,
	"name":                   true,
	"managerType":            true,
	"enableDisavow":          true,
	"enableSetup":            true,
	"enablePipelining":       true,
	"virtualObjectCacheSize": true,
	"useTranscript":          true,
	"reapInterval":           true,
}

// ParseDynamic validates a bag against the dynamic-vat allow-list.
func ParseDynamic(bag Bag) (Options, error) {
	return parse(bag, "dynamic", dynamicKeys)
}

// ParseStatic validates a bag against the static-vat allow-list. Static vats
// are never metered, so a meterID key fails validation here.
func ParseStatic(bag Bag) (Options, error) {
	return parse(bag, "static", staticKeys)
}

func parse(bag Bag, kind string, allowed map[string]bool) (Options, error) {
	opts := Options{
		ManagerType:            ManagerLocal,
		UseTranscript:          true,
		VirtualObjectCacheSize: DefaultVirtualObjectCacheSize,
		ReapInterval:           DefaultReapInterval,
	}
	for key := range bag {
		if !allowed[key] {
			return Options{}, &InvalidOptionError{Key: key, Kind: kind}
		}
	}
	var err error
	for key, value := range bag {
		switch key {
		case "description":
			opts.Description, err = wantString(key, kind, value)
		case "name":
			opts.Name, err = wantString(key, kind, value)
		case "meterID":
			opts.MeterID, err = wantString(key, kind, value)
		case "managerType":
			var s string
			if s, err = wantString(key, kind, value); err == nil {
				opts.ManagerType = ManagerType(s)
			}
		case "enableSetup":
			opts.EnableSetup, err = wantBool(key, kind, value)
		case "enableDisavow":
			opts.EnableDisavow, err = wantBool(key, kind, value)
		case "enablePipelining":
			opts.EnablePipelining, err = wantBool(key, kind, value)
		case "useTranscript":
			opts.UseTranscript, err = wantBool(key, kind, value)
		case "virtualObjectCacheSize":
			var n uint64
			if n, err = wantUint(key, kind, value); err == nil {
				opts.VirtualObjectCacheSize = int(n)
			}
		case "reapInterval":
			opts.ReapInterval, err = parseReapInterval(key, kind, value)
		}
		if err != nil {
			return Options{}, err
		}
	}
	return opts, nil
}

// parseReapInterval accepts a positive count or the string "never".
func parseReapInterval(key, kind string, value interface{}) (uint64, error) {
	if s, ok := value.(string); ok {
		if s == "never" {
			return ReapNever, nil
		}
		return 0, &InvalidOptionError{Key: key, Kind: kind, Reason: fmt.Sprintf("unrecognized value %q", s)}
	}
	n, err := wantUint(key, kind, value)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, &InvalidOptionError{Key: key, Kind: kind, Reason: `use "never" to disable reaping`}
	}
	return n, nil
}

func wantString(key, kind string, value interface{}) (string, error) {
	s, ok := value.(string)
	if !ok {
		return "", &InvalidOptionError{Key: key, Kind: kind, Reason: fmt.Sprintf("expected string, got %T", value)}
	}
	return s, nil
}

func wantBool(key, kind string, value interface{}) (bool, error) {
	b, ok := value.(bool)
	if !ok {
		return false, &InvalidOptionError{Key: key, Kind: kind, Reason: fmt.Sprintf("expected bool, got %T", value)}
	}
	return b, nil
}

func wantUint(key, kind string, value interface{}) (uint64, error) {
	switch n := value.(type) {
	case int:
		if n < 0 {
			return 0, &InvalidOptionError{Key: key, Kind: kind, Reason: "must be non-negative"}
		}
		return uint64(n), nil
	case int64:
		if n < 0 {
			return 0, &InvalidOptionError{Key: key, Kind: kind, Reason: "must be non-negative"}
		}
		return uint64(n), nil
	case uint64:
		return n, nil
	default:
		return 0, &InvalidOptionError{Key: key, Kind: kind, Reason: fmt.Sprintf("expected integer, got %T", value)}
	}
}

// Merge overlays admin-level overrides onto a caller bag, with the overrides
// taking precedence. Kernel-wide policy uses this to force flags regardless
// of what the caller requested.
func Merge(caller Bag, overrides Bag) Bag {
	if len(overrides) == 0 {
		return caller
	}
	merged := caller.Clone()
	if merged == nil {
		merged = make(Bag, len(overrides))
	}
	for k, v := range overrides {
		merged[k] = v
	}
	return merged
}

// ValidateManagerType rejects manager types this deployment does not carry.
func ValidateManagerType(mt ManagerType, known []ManagerType) error {
	for _, k := range known {
		if mt == k {
			return nil
		}
	}
	return errors.Errorf("unknown manager type %q", mt)
}
