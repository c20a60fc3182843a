package config

import (
	"testing"
)

func TestParseResolvesScalarWaitAsBaseSeconds(t *testing.T) {
	cfg, err := Parse(`
[domains.gmail]
domains = ["gmail.com"]

[profiles.unblock]
wait = 300
duration = 1800
`, nil)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	p := cfg.Profiles["unblock"]
	if p.Wait.BaseSeconds != 300 {
		t.Errorf("expected base seconds 300, got %v", p.Wait.BaseSeconds)
	}
	if p.Wait.HasPenalty {
		t.Errorf("expected no penalty table for a scalar wait")
	}
}

func TestParseResolvesTableWaitWithConcurrentPenalty(t *testing.T) {
	cfg, err := Parse(`
[domains.gmail]
domains = ["gmail.com"]

[profiles.unblock]
duration = 1800
[profiles.unblock.wait]
base = 300
concurrent_penalty = 60
`, nil)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	p := cfg.Profiles["unblock"]
	if !p.Wait.HasPenalty {
		t.Fatalf("expected HasPenalty, got false")
	}
	if p.Wait.BaseSeconds != 300 || p.Wait.ConcurrentPenalty != 60 {
		t.Errorf("expected base=300 penalty=60, got base=%v penalty=%v", p.Wait.BaseSeconds, p.Wait.ConcurrentPenalty)
	}
}

func TestParseBareDomainDefaultsTargetToItsOwnName(t *testing.T) {
	cfg, err := Parse(`
[domains."gmail.com"]
`, nil)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	target, ok := cfg.Targets["gmail.com"]
	if !ok {
		t.Fatalf("expected a target named gmail.com")
	}
	if len(target.Domains) != 1 || target.Domains[0] != "gmail.com" {
		t.Errorf("expected domains=[gmail.com], got %v", target.Domains)
	}
}

func TestParseTagRules(t *testing.T) {
	cfg, err := Parse(`
[domains.gmail]
domains = ["gmail.com"]
tags = ["work"]

[profiles.unblock]
wait = 60
duration = 1800
[[profiles.unblock.tag_rules]]
tags = ["work"]
wait_override = 900
`, nil)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	p := cfg.Profiles["unblock"]
	if len(p.TagRules) != 1 {
		t.Fatalf("expected 1 tag rule, got %d", len(p.TagRules))
	}
	if p.TagRules[0].WaitOverride != 900 {
		t.Errorf("expected wait_override 900, got %v", p.TagRules[0].WaitOverride)
	}
}

func TestParseRejectsMultipleDefaultProfiles(t *testing.T) {
	_, err := Parse(`
[profiles.a]
wait = 0
duration = 60
default = true

[profiles.b]
wait = 0
duration = 60
default = true
`, nil)
	if err == nil {
		t.Fatalf("expected an error for two default profiles")
	}
}

func TestParseRejectsUnknownDefaultProfileReference(t *testing.T) {
	_, err := Parse(`
default_profile = "nope"

[profiles.a]
wait = 0
duration = 60
`, nil)
	if err == nil {
		t.Fatalf("expected an error for an undefined default_profile reference")
	}
}

func TestParseRejectsOnlyReferencingUnknownTarget(t *testing.T) {
	_, err := Parse(`
[domains.gmail]
domains = ["gmail.com"]

[profiles.a]
wait = 0
duration = 60
only = ["slack"]
`, nil)
	if err == nil {
		t.Fatalf("expected an error for an only-list referencing an unknown target")
	}
}

func TestParseWarnsOnUnknownTopLevelKey(t *testing.T) {
	var warnings []string
	_, err := Parse(`
mystery_key = "x"

[profiles.a]
wait = 0
duration = 60
`, func(msg string) { warnings = append(warnings, msg) })
	if err != nil {
		t.Fatalf("expected unknown top-level keys to warn, not fail: %v", err)
	}
	if len(warnings) != 1 {
		t.Fatalf("expected exactly 1 warning, got %v", warnings)
	}
}

func TestParseRejectsUnknownNestedKey(t *testing.T) {
	_, err := Parse(`
[profiles.a]
wait = 0
duration = 60
mystery_nested = "x"
`, nil)
	if err == nil {
		t.Fatalf("expected an error for an unknown key nested inside a profile table")
	}
}

func TestParseProgressivePenalty(t *testing.T) {
	cfg, err := Parse(`
[progressive_penalty]
enabled = true
per_unblock = 30
exclude_profiles = ["bypass"]

[profiles.bypass]
wait = 0
duration = 300
cooldown = 3600
all = true
`, nil)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !cfg.ProgressivePenalty.Enabled {
		t.Fatalf("expected progressive penalty enabled")
	}
	if cfg.ProgressivePenalty.PerUnblockSecs != 30 {
		t.Errorf("expected per-unblock 30s, got %v", cfg.ProgressivePenalty.PerUnblockSecs)
	}
	if !cfg.ProgressivePenalty.ExcludeProfiles["bypass"] {
		t.Errorf("expected bypass excluded from progressive penalty")
	}
}

func TestAllDomainsAndDomainsFor(t *testing.T) {
	cfg, err := Parse(`
[domains.gmail]
domains = ["gmail.com", "mail.google.com"]

[domains.slack]
domains = ["slack.com"]
`, nil)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	all := cfg.AllDomains()
	if len(all) != 3 {
		t.Fatalf("expected 3 domains total, got %v", all)
	}
	got := cfg.DomainsFor([]string{"gmail"})
	if len(got) != 2 {
		t.Errorf("expected 2 domains for gmail target, got %v", got)
	}
}
