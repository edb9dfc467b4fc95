// Package config loads the TOML cluster configuration file into the
// in-memory structures the rest of the repository depends on (spec.md
// §2.2, §3): the group matcher's ConfigGroups, the TLS material, and the
// Store DSN.
package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/csync2go/csyncd/internal/group"
	"github.com/csync2go/csyncd/internal/store"
)

// TLS holds the certificate material used for mutual-TLS sessions and
// trust-on-first-use peer pinning (spec.md §4.7).
type TLS struct {
	CertFile string
	KeyFile  string
	CAFile   string
}

// StoreConfig names the backing Store and its retry tuning.
type StoreConfig struct {
	URL             string
	BusyTimeoutBase time.Duration
}

// Config is everything config.Load produces from one TOML file.
type Config struct {
	Groups *group.ConfigGroups
	TLS    TLS
	Store  StoreConfig
}

type rawConfig struct {
	MyName string            `toml:"myname"`
	Prefix map[string]string `toml:"prefix"`
	Group  []rawGroup        `toml:"group"`
	TLS    rawTLS            `toml:"tls"`
	Store  rawStore          `toml:"store"`
}

type rawGroup struct {
	Name    string       `toml:"name"`
	Key     string       `toml:"key"`
	Host    []rawHost    `toml:"host"`
	Pattern []rawPattern `toml:"pattern"`
	Action  []rawAction  `toml:"action"`
}

type rawHost struct {
	Name  string `toml:"name"`
	Slave bool   `toml:"slave"`
}

type rawPattern struct {
	Pattern          string `toml:"pattern"`
	Include          bool   `toml:"include"`
	CompareOnly      bool   `toml:"compare_only"`
	StarMatchesSlash bool   `toml:"star_matches_slash"`
}

type rawAction struct {
	Command     string       `toml:"command"`
	Logfile     string       `toml:"logfile"`
	DoLocal     bool         `toml:"do_local"`
	DoLocalOnly bool         `toml:"do_local_only"`
	Pattern     []rawPattern `toml:"pattern"`
}

type rawTLS struct {
	CertFile string `toml:"cert_file"`
	KeyFile  string `toml:"key_file"`
	CAFile   string `toml:"ca_file"`
}

type rawStore struct {
	URL             string `toml:"url"`
	BusyTimeoutBase string `toml:"busy_timeout_base"`
}

// Load parses the TOML file at path, validating the fields the rest of
// the repository assumes are present (spec.md §2.2).
func Load(path string) (*Config, error) {
	var raw rawConfig

	if _, err := toml.DecodeFile(path, &raw); err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}

	if raw.MyName == "" {
		return nil, fmt.Errorf("config: %q: myname is required", path)
	}

	groups := make([]group.Group, 0, len(raw.Group))

	for _, rg := range raw.Group {
		if rg.Name == "" {
			return nil, fmt.Errorf("config: %q: group has no name", path)
		}

		if rg.Key == "" {
			return nil, fmt.Errorf("config: group %q: key is required", rg.Name)
		}

		g := group.Group{Name: rg.Name, Key: rg.Key}

		for _, rh := range rg.Host {
			g.Hosts = append(g.Hosts, group.Host{Name: rh.Name, Slave: rh.Slave})
		}

		for _, rp := range rg.Pattern {
			g.Patterns = append(g.Patterns, convertPattern(rp))
		}

		for _, ra := range rg.Action {
			a := group.Action{
				Command:     ra.Command,
				Logfile:     ra.Logfile,
				DoLocal:     ra.DoLocal,
				DoLocalOnly: ra.DoLocalOnly,
			}

			for _, rp := range ra.Pattern {
				a.Patterns = append(a.Patterns, convertPattern(rp))
			}

			g.Actions = append(g.Actions, a)
		}

		groups = append(groups, g)
	}

	busyTimeout := store.DefaultLimits().BusyTimeoutBase

	if raw.Store.BusyTimeoutBase != "" {
		d, err := time.ParseDuration(raw.Store.BusyTimeoutBase)
		if err != nil {
			return nil, fmt.Errorf("config: store.busy_timeout_base: %w", err)
		}

		busyTimeout = d
	}

	return &Config{
		Groups: &group.ConfigGroups{
			MyName:   raw.MyName,
			Groups:   groups,
			Prefixes: raw.Prefix,
		},
		TLS: TLS{
			CertFile: raw.TLS.CertFile,
			KeyFile:  raw.TLS.KeyFile,
			CAFile:   raw.TLS.CAFile,
		},
		Store: StoreConfig{
			URL:             raw.Store.URL,
			BusyTimeoutBase: busyTimeout,
		},
	}, nil
}

func convertPattern(rp rawPattern) group.Pattern {
	return group.Pattern{
		Literal:          rp.Pattern,
		Include:          rp.Include,
		CompareOnly:      rp.CompareOnly,
		StarMatchesSlash: rp.StarMatchesSlash,
	}
}
