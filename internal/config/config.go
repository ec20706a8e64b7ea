// Package config loads the dmarcation configuration file and resolves it
// into a flat, immutable Settings value. Keys from the legacy [dmarc]
// section act as key-by-key fallbacks for anything not set at the top
// level; after Load no two-tier lookup remains.
package config

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/BurntSushi/toml"
	"golang.org/x/net/idna"

	"github.com/dmarcation/dmarcation/rewrite"
)

// DefaultPort is the milter port used when the file sets none.
const DefaultPort = 1999

// ConfigurationError is fatal at startup: the process must not start
// listening with a broken configuration.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "config: " + e.Reason
}

func configErrorf(format string, args ...any) error {
	return &ConfigurationError{Reason: fmt.Sprintf(format, args...)}
}

// Settings is the resolved configuration. It is read-only and shared by
// all sessions after startup.
type Settings struct {
	// Domain is the rewrite domain. Required when Forward is enabled.
	Domain string
	// QuoteChar is the codec escape introducer, default '='.
	QuoteChar byte
	// Rules gates forward rewriting.
	Rules rewrite.Rules
	// Forward and Reverse enable the two rewrite directions.
	Forward bool
	Reverse bool
	// Network and Address describe the milter listener, e.g.
	// "tcp"/":1999" or "unix"/"/run/dmarcation.sock".
	Network string
	Address string
	// MetricsAddress is the optional HTTP listener for metrics; empty
	// disables it.
	MetricsAddress string
	// LogLevel is the minimum slog level.
	LogLevel slog.Level
}

// section mirrors the file layout. The legacy [dmarc] table repeats the
// same layout one level down. Pointers distinguish unset keys so the
// fallback can work key by key.
type section struct {
	Domain        *string         `toml:"domain"`
	MilterPort    *int            `toml:"milter_port"`
	MilterListen  *string         `toml:"milter_listen"`
	MetricsListen *string         `toml:"metrics_listen"`
	LogLevel      *string         `toml:"log_level"`
	Rewrite       *rewriteSection `toml:"rewrite"`
	// Dmarc is the legacy nested section, only meaningful at the top
	// level.
	Dmarc *section `toml:"dmarc"`
}

type rewriteSection struct {
	QuoteChar *string        `toml:"quote_char"`
	Forward   *bool          `toml:"forward"`
	Reverse   *bool          `toml:"reverse"`
	Require   map[string]any `toml:"require"`
}

// Load reads and resolves the configuration file at path.
func Load(path string) (*Settings, error) {
	var top section
	if _, err := toml.DecodeFile(path, &top); err != nil {
		return nil, configErrorf("cannot read %s: %v", path, err)
	}
	return resolve(&top)
}

// LoadString is Load for in-memory TOML, used by tests.
func LoadString(data string) (*Settings, error) {
	var top section
	if _, err := toml.Decode(data, &top); err != nil {
		return nil, configErrorf("cannot parse configuration: %v", err)
	}
	return resolve(&top)
}

// pick returns the top-level value when set, the legacy one otherwise.
func pick[T any](top, legacy *T, def T) T {
	if top != nil {
		return *top
	}
	if legacy != nil {
		return *legacy
	}
	return def
}

func resolve(f *section) (*Settings, error) {
	legacy := f.Dmarc
	if legacy == nil {
		legacy = &section{}
	}
	topRw := f.Rewrite
	if topRw == nil {
		topRw = &rewriteSection{}
	}
	legacyRw := legacy.Rewrite
	if legacyRw == nil {
		legacyRw = &rewriteSection{}
	}

	s := &Settings{
		Domain:         pick(f.Domain, legacy.Domain, ""),
		Forward:        pick(topRw.Forward, legacyRw.Forward, true),
		Reverse:        pick(topRw.Reverse, legacyRw.Reverse, true),
		MetricsAddress: pick(f.MetricsListen, legacy.MetricsListen, ""),
	}

	quote := pick(topRw.QuoteChar, legacyRw.QuoteChar, string(rewrite.DefaultQuoteChar))
	if len(quote) != 1 || quote[0] > 0x7f {
		return nil, configErrorf("rewrite.quote_char must be a single ASCII character, got %q", quote)
	}
	s.QuoteChar = quote[0]

	require := topRw.Require
	if require == nil {
		require = legacyRw.Require
	}
	rules, err := parseRequire(require)
	if err != nil {
		return nil, err
	}
	s.Rules = rules

	port := pick(f.MilterPort, legacy.MilterPort, DefaultPort)
	if port < 1 || port > 65535 {
		return nil, configErrorf("milter_port %d out of range", port)
	}
	listen := pick(f.MilterListen, legacy.MilterListen, "")
	s.Network, s.Address, err = ParseListen(listen, port)
	if err != nil {
		return nil, err
	}

	level := pick(f.LogLevel, legacy.LogLevel, "info")
	s.LogLevel, err = parseLevel(level)
	if err != nil {
		return nil, err
	}

	if s.Forward {
		if s.Domain == "" {
			return nil, configErrorf("domain is required when forward rewriting is enabled")
		}
		ascii, err := idna.Lookup.ToASCII(s.Domain)
		if err != nil {
			return nil, configErrorf("invalid domain %q: %v", s.Domain, err)
		}
		s.Domain = ascii
	}

	return s, nil
}

// parseRequire turns the rewrite.require table into rules. A value of true
// means mere presence; a string or list of strings means exact values.
func parseRequire(require map[string]any) (rewrite.Rules, error) {
	if len(require) == 0 {
		return nil, nil
	}
	rules := make(rewrite.Rules, len(require))
	for name, v := range require {
		switch val := v.(type) {
		case bool:
			// false keeps the rule set non-empty but never matches,
			// like the original implementation
			rules.Set(name, rewrite.Rule{Present: val})
		case string:
			rules.Set(name, rewrite.Rule{Values: []string{val}})
		case []any:
			values := make([]string, 0, len(val))
			for _, e := range val {
				str, ok := e.(string)
				if !ok {
					return nil, configErrorf("rewrite.require.%s: list entries must be strings, got %T", name, e)
				}
				values = append(values, str)
			}
			rules.Set(name, rewrite.Rule{Values: values})
		default:
			return nil, configErrorf("rewrite.require.%s: value must be true, a string or a list of strings, got %T", name, v)
		}
	}
	return rules, nil
}

// ParseListen resolves a listener specification. It accepts
// "tcp://host:port" and "unix:///path/to.sock"; when empty the listener is
// TCP on all interfaces at port.
func ParseListen(listen string, port int) (network, address string, err error) {
	if listen == "" {
		return "tcp", fmt.Sprintf(":%d", port), nil
	}
	switch {
	case strings.HasPrefix(listen, "unix://"):
		path := strings.TrimPrefix(listen, "unix://")
		if path == "" {
			return "", "", configErrorf("milter_listen %q has no socket path", listen)
		}
		return "unix", path, nil
	case strings.HasPrefix(listen, "tcp://"):
		addr := strings.TrimPrefix(listen, "tcp://")
		if addr == "" {
			return "", "", configErrorf("milter_listen %q has no address", listen)
		}
		return "tcp", addr, nil
	default:
		return "", "", configErrorf("milter_listen %q must start with tcp:// or unix://", listen)
	}
}

func parseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, configErrorf("unknown log_level %q", level)
	}
}
