// Package config loads and strictly validates the taviblock configuration
// document: the named targets (domains and groups), profiles, the
// progressive-penalty policy, and the domain-to-app bindings used by the
// Active Enforcer. See SPEC_FULL.md §6.1 for the document shape.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/tavinathanson/taviblock/internal/core"
)

// WaitSpec is either a bare scalar number or a
// {base, concurrent_penalty} pair, both in seconds (see DESIGN.md: the
// worked examples in spec.md §8 only balance if wait/duration/cooldown
// are seconds, so that reading wins over §3's "minutes" prose). TOML
// gives us both shapes under one key, so we decode into a permissive
// struct and disambiguate based on which fields were actually present.
type WaitSpec struct {
	BaseSeconds       float64
	ConcurrentPenalty float64
	HasPenalty        bool
}

// TagRule overrides the computed wait when a requested target's tags
// intersect Tags; when several rules match, the largest WaitOverride
// wins (spec.md §4.2 step 5).
type TagRule struct {
	Tags         []string `toml:"tags"`
	WaitOverride float64  `toml:"wait_override"`
}

// Profile is a named policy governing session creation.
type Profile struct {
	Name            string
	Description     string
	Wait            WaitSpec
	DurationSeconds float64
	CooldownSeconds float64 // 0 means no cooldown
	All             bool
	Tags            []string
	Only            []string
	TagRules        []TagRule
	Default         bool
}

// Target is a named domain or group of domains.
type Target struct {
	Name    string
	Domains []string // always non-empty; for a bare domain, Domains == []string{Name}
	Tags    []string
}

// ProgressivePenalty is the daily-penalty escalation policy.
type ProgressivePenalty struct {
	Enabled         bool
	PerUnblockSecs  float64
	ExcludeProfiles map[string]bool
}

// Config is the fully validated, ready-to-use configuration.
type Config struct {
	DefaultProfile     string
	Targets            map[string]Target   // by name
	Profiles           map[string]Profile   // by name
	ProgressivePenalty ProgressivePenalty
	AppBindings        map[string]string // domain -> process name
}

// raw mirrors the TOML document shape exactly, so toml.Decode can report
// undecoded (unrecognised) keys via MetaData.Undecoded().
type rawDomain struct {
	Tags    []string `toml:"tags"`
	Domains []string `toml:"domains"`
}

type rawWait struct {
	scalar  *float64
	Base    float64 `toml:"base"`
	Penalty float64 `toml:"concurrent_penalty"`
}

// UnmarshalTOML implements toml.Unmarshaler so a `wait` key may be either
// a bare number or a {base, concurrent_penalty} table.
func (w *rawWait) UnmarshalTOML(data interface{}) error {
	switch v := data.(type) {
	case int64:
		f := float64(v)
		w.scalar = &f
	case float64:
		w.scalar = &v
	case map[string]interface{}:
		if b, ok := v["base"]; ok {
			w.Base = toFloat(b)
		}
		if p, ok := v["concurrent_penalty"]; ok {
			w.Penalty = toFloat(p)
		}
	default:
		return fmt.Errorf("wait: unsupported value %v", data)
	}
	return nil
}

func toFloat(v interface{}) float64 {
	switch n := v.(type) {
	case int64:
		return float64(n)
	case float64:
		return n
	default:
		return 0
	}
}

type rawTagRule struct {
	Tags         []string `toml:"tags"`
	WaitOverride float64  `toml:"wait_override"`
}

type rawProfile struct {
	Description string       `toml:"description"`
	Wait        rawWait      `toml:"wait"`
	Duration    float64      `toml:"duration"`
	Cooldown    float64      `toml:"cooldown"`
	All         bool         `toml:"all"`
	Tags        []string     `toml:"tags"`
	Only        []string     `toml:"only"`
	TagRules    []rawTagRule `toml:"tag_rules"`
	Default     bool         `toml:"default"`
}

type rawProgressivePenalty struct {
	Enabled         bool     `toml:"enabled"`
	PerUnblock      float64  `toml:"per_unblock"`
	ExcludeProfiles []string `toml:"exclude_profiles"`
}

type rawDocument struct {
	DefaultProfile     string                `toml:"default_profile"`
	Domains            map[string]rawDomain  `toml:"domains"`
	Profiles           map[string]rawProfile `toml:"profiles"`
	ProgressivePenalty rawProgressivePenalty `toml:"progressive_penalty"`
	AppBindings        map[string]string     `toml:"app_bindings"`
}

// Load reads, strictly decodes, and validates the configuration document
// at path. Unknown top-level keys are logged as warnings via warn;
// unknown keys nested inside a recognised table are rejected as
// ConfigInvalidError, per spec.md §6/§7.
func Load(path string, warn func(string)) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &core.ConfigInvalidError{Reason: fmt.Sprintf("reading %s: %v", path, err)}
	}
	return Parse(string(data), warn)
}

// Parse decodes and validates doc. Exposed separately from Load so tests
// can exercise it without touching the filesystem.
func Parse(doc string, warn func(string)) (*Config, error) {
	var raw rawDocument
	meta, err := toml.Decode(doc, &raw)
	if err != nil {
		return nil, &core.ConfigInvalidError{Reason: fmt.Sprintf("parsing: %v", err)}
	}

	if err := checkUndecoded(meta, warn); err != nil {
		return nil, err
	}

	cfg := &Config{
		DefaultProfile: raw.DefaultProfile,
		Targets:        make(map[string]Target, len(raw.Domains)),
		Profiles:       make(map[string]Profile, len(raw.Profiles)),
		AppBindings:    raw.AppBindings,
	}
	if cfg.AppBindings == nil {
		cfg.AppBindings = map[string]string{}
	}

	for name, d := range raw.Domains {
		domains := d.Domains
		if len(domains) == 0 {
			domains = []string{name}
		}
		cfg.Targets[name] = Target{Name: name, Domains: domains, Tags: d.Tags}
	}

	defaults := 0
	for name, p := range raw.Profiles {
		ws := WaitSpec{}
		if p.Wait.scalar != nil {
			ws.BaseSeconds = *p.Wait.scalar
		} else {
			ws.BaseSeconds = p.Wait.Base
			ws.ConcurrentPenalty = p.Wait.Penalty
			ws.HasPenalty = true
		}
		var rules []TagRule
		for _, r := range p.TagRules {
			rules = append(rules, TagRule{Tags: r.Tags, WaitOverride: r.WaitOverride})
		}
		prof := Profile{
			Name:            name,
			Description:     p.Description,
			Wait:            ws,
			DurationSeconds: p.Duration,
			CooldownSeconds: p.Cooldown,
			All:             p.All,
			Tags:            p.Tags,
			Only:            p.Only,
			TagRules:        rules,
			Default:         p.Default,
		}
		cfg.Profiles[name] = prof
		if prof.Default {
			defaults++
		}
	}
	if defaults > 1 {
		return nil, &core.ConfigInvalidError{Reason: "at most one profile may be marked default"}
	}
	if cfg.DefaultProfile != "" {
		if _, ok := cfg.Profiles[cfg.DefaultProfile]; !ok {
			return nil, &core.ConfigInvalidError{Reason: fmt.Sprintf("default_profile %q is not a defined profile", cfg.DefaultProfile)}
		}
	}

	cfg.ProgressivePenalty = ProgressivePenalty{
		Enabled:         raw.ProgressivePenalty.Enabled,
		PerUnblockSecs:  raw.ProgressivePenalty.PerUnblock,
		ExcludeProfiles: make(map[string]bool, len(raw.ProgressivePenalty.ExcludeProfiles)),
	}
	for _, p := range raw.ProgressivePenalty.ExcludeProfiles {
		cfg.ProgressivePenalty.ExcludeProfiles[p] = true
	}

	if err := cfg.validateReferences(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validateReferences() error {
	for pname, p := range c.Profiles {
		if p.Only != nil {
			for _, name := range p.Only {
				if _, ok := c.Targets[name]; !ok {
					return &core.ConfigInvalidError{Reason: fmt.Sprintf("profile %q: only references unknown target %q", pname, name)}
				}
			}
		}
	}
	for domain := range c.AppBindings {
		_ = domain // app_bindings domains need not be declared targets; left permissive
	}
	return nil
}

// checkUndecoded enforces spec.md §6's validation split: unrecognised
// top-level keys are warnings, unrecognised keys nested inside a known
// table are errors.
func checkUndecoded(meta toml.MetaData, warn func(string)) error {
	topLevel := map[string]bool{
		"default_profile": true, "domains": true, "profiles": true,
		"progressive_penalty": true, "app_bindings": true,
	}
	for _, key := range meta.Undecoded() {
		parts := []string(key)
		if len(parts) == 1 {
			if topLevel[parts[0]] {
				continue
			}
			if warn != nil {
				warn(fmt.Sprintf("unknown top-level config key %q", parts[0]))
			}
			continue
		}
		return &core.ConfigInvalidError{Reason: fmt.Sprintf("unknown nested config key %q", strings.Join(parts, "."))}
	}
	return nil
}
