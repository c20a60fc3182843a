// Package policy implements the pure decision logic that gates new
// sessions: target resolution, cooldown/duplicate/concurrency checks,
// and wait computation (spec.md §4.2). The engine reads the Store
// through a narrow read-only snapshot and returns a plan; only the
// Control Interface commits it.
package policy

import (
	"context"
	"fmt"
	"time"

	"github.com/tavinathanson/taviblock/internal/config"
	"github.com/tavinathanson/taviblock/internal/core"
	"github.com/tavinathanson/taviblock/internal/model"
	"github.com/tavinathanson/taviblock/internal/store"
)

// MaxConcurrent is the hard ceiling on simultaneous non-terminal
// sessions, counted per admitted target (spec.md §9 Open Question).
const MaxConcurrent = 4

// SyntheticAllTarget is the session target recorded for an `all:true`
// profile's single synthetic session.
const SyntheticAllTarget = "*"

// Snapshot is the read-only view of the Store the engine consults. The
// production *store.Store satisfies this structurally.
type Snapshot interface {
	ListSessions(ctx context.Context, filter store.SessionFilter) ([]model.Session, error)
	LastBypass(ctx context.Context, profile string) (time.Time, bool, error)
	GetPenalty(ctx context.Context, now time.Time) (int, error)
}

// SessionDraft is a not-yet-persisted session the engine has approved.
type SessionDraft struct {
	Profile        string
	Targets        []string
	RequestedAt    time.Time
	EffectiveStart time.Time
	End            time.Time
	All            bool
}

// SkippedTarget explains why a requested target was not admitted.
type SkippedTarget struct {
	Target string
	Reason core.SkipReason
}

// AdmissionResult is the engine's plan: the sessions to create, the
// targets it dropped and why, and how many progressive-penalty bumps
// the plan implies (spec.md §4.2 step 7).
type AdmissionResult struct {
	Created      []SessionDraft
	Skipped      []SkippedTarget
	PenaltyBumps int
}

// AdmitOptions carries the admission request's optional inputs.
type AdmitOptions struct {
	// ReplaceID, if non-zero, names a session the caller is
	// simultaneously tearing down; its concurrency slot is not counted
	// against the new request (spec.md §4.2 step 4) and the concurrency
	// check is skipped entirely.
	ReplaceID int64

	// WaitOverrideSeconds, if non-nil, replaces the computed wait (base +
	// concurrency penalty + tag_rules override + progressive penalty)
	// for every session this admission creates (spec.md §6 unblock's
	// overrides.wait).
	WaitOverrideSeconds *float64

	// DurationOverrideSeconds, if non-nil, replaces profile.DurationSeconds
	// for every session this admission creates (spec.md §6 unblock's
	// overrides.duration).
	DurationOverrideSeconds *float64
}

// Admit runs spec.md §4.2 steps 1-7 and returns the plan; it performs no
// Store writes.
func Admit(ctx context.Context, cfg *config.Config, snap Snapshot, profileName string, rawTargets []string, now time.Time, opts AdmitOptions) (*AdmissionResult, error) {
	profile, ok := cfg.Profiles[profileName]
	if !ok {
		return nil, &core.ConfigInvalidError{Reason: fmt.Sprintf("unknown profile %q", profileName)}
	}

	targetNames, usedAllSelector, err := resolveTargets(cfg, profile, rawTargets)
	if err != nil {
		return nil, err
	}

	// Step 2: cooldown check.
	if profile.CooldownSeconds > 0 {
		last, has, err := snap.LastBypass(ctx, profileName)
		if err != nil {
			return nil, err
		}
		if has {
			cooldown := time.Duration(profile.CooldownSeconds * float64(time.Second))
			elapsed := now.Sub(last)
			if elapsed < cooldown {
				return nil, &core.CooldownActiveError{Profile: profileName, Remaining: cooldown - elapsed}
			}
		}
	}

	// Step 3: duplicate suppression.
	existing, err := snap.ListSessions(ctx, store.SessionFilter{Profile: profileName})
	if err != nil {
		return nil, err
	}
	admitted, skipped := suppressDuplicates(targetNames, existing)
	if len(admitted) == 0 {
		reasons := make(map[string]core.SkipReason, len(skipped))
		for _, sk := range skipped {
			reasons[sk.Target] = sk.Reason
		}
		return nil, &core.NothingToDoError{Reasons: reasons}
	}

	// Step 4: concurrency limit.
	if opts.ReplaceID == 0 {
		nonTerminal, err := snap.ListSessions(ctx, store.SessionFilter{})
		if err != nil {
			return nil, err
		}
		current := len(nonTerminal)
		if current+len(admitted) > MaxConcurrent {
			return nil, &core.TooManySessionsError{Limit: MaxConcurrent, Current: current}
		}
	}

	// Step 5: wait computation.
	nonTerminalSameProfile, err := snap.ListSessions(ctx, store.SessionFilter{Profile: profileName, ExcludeID: opts.ReplaceID})
	if err != nil {
		return nil, err
	}
	concurrentCount := 0
	for _, s := range nonTerminalSameProfile {
		if s.NonTerminal() {
			concurrentCount++
		}
	}

	penaltyBumps := 0
	penaltySeconds := 0.0
	if cfg.ProgressivePenalty.Enabled && !cfg.ProgressivePenalty.ExcludeProfiles[profileName] {
		count, err := snap.GetPenalty(ctx, now)
		if err != nil {
			return nil, err
		}
		penaltySeconds = cfg.ProgressivePenalty.PerUnblockSecs * float64(count)
		penaltyBumps = len(admitted)
	}

	// Step 6: compose sessions.
	durationSecs := profile.DurationSeconds
	if opts.DurationOverrideSeconds != nil {
		durationSecs = *opts.DurationOverrideSeconds
	}
	var created []SessionDraft
	if usedAllSelector && profile.All {
		wait := computeWait(profile, concurrentCount, nil, penaltySeconds)
		if opts.WaitOverrideSeconds != nil {
			wait = *opts.WaitOverrideSeconds
		}
		created = append(created, makeDraft(profileName, []string{SyntheticAllTarget}, now, wait, durationSecs, true))
	} else {
		for _, target := range admitted {
			tags := cfg.TagsForTarget(target)
			wait := computeWait(profile, concurrentCount, tags, penaltySeconds)
			if opts.WaitOverrideSeconds != nil {
				wait = *opts.WaitOverrideSeconds
			}
			created = append(created, makeDraft(profileName, []string{target}, now, wait, durationSecs, false))
		}
	}

	return &AdmissionResult{Created: created, Skipped: skipped, PenaltyBumps: penaltyBumps}, nil
}

func makeDraft(profile string, targets []string, now time.Time, waitSecs, durationSecs float64, all bool) SessionDraft {
	effectiveStart := now.Add(time.Duration(waitSecs * float64(time.Second)))
	end := effectiveStart.Add(time.Duration(durationSecs * float64(time.Second)))
	return SessionDraft{
		Profile:        profile,
		Targets:        targets,
		RequestedAt:    now,
		EffectiveStart: effectiveStart,
		End:            end,
		All:            all,
	}
}

// computeWait implements spec.md §4.2 step 5: base + concurrency penalty,
// with the maximum matching tag_rules override replacing (not adding to)
// the base+penalty sum, then the progressive-penalty seconds added.
func computeWait(profile config.Profile, concurrentCount int, targetTags []string, penaltySeconds float64) float64 {
	baseSecs := profile.Wait.BaseSeconds
	if profile.Wait.HasPenalty {
		baseSecs += profile.Wait.ConcurrentPenalty * float64(concurrentCount)
	}

	if override, matched := maxMatchingOverride(profile.TagRules, targetTags); matched {
		baseSecs = override
	}

	total := baseSecs + penaltySeconds
	if total < 0 {
		total = 0
	}
	return total
}

func maxMatchingOverride(rules []config.TagRule, targetTags []string) (float64, bool) {
	tagSet := make(map[string]bool, len(targetTags))
	for _, t := range targetTags {
		tagSet[t] = true
	}
	best := 0.0
	matched := false
	for _, r := range rules {
		for _, t := range r.Tags {
			if tagSet[t] {
				if !matched || r.WaitOverride > best {
					best = r.WaitOverride
					matched = true
				}
				break
			}
		}
	}
	return best, matched
}

// resolveTargets implements spec.md §4.2 step 1. Explicit CLI targets
// take priority over every selector; absent those, `all` wins over
// `tags` which wins over `only` (SPEC_FULL.md/DESIGN.md documents this
// as the resolution of the step 1 ambiguity between "all" and explicit
// targets). usedAllSelector reports whether the `all` selector (rather
// than explicit targets) produced the result, which controls whether a
// single synthetic "*" session is composed.
func resolveTargets(cfg *config.Config, profile config.Profile, rawTargets []string) (names []string, usedAllSelector bool, err error) {
	if len(rawTargets) > 0 {
		for _, name := range rawTargets {
			if _, ok := cfg.Targets[name]; !ok {
				return nil, false, &core.TargetUnknownError{Name: name}
			}
		}
		return rawTargets, false, nil
	}
	if profile.All {
		return cfg.AllTargetNames(), true, nil
	}
	if len(profile.Tags) > 0 {
		return cfg.TargetsByTags(profile.Tags), false, nil
	}
	if len(profile.Only) > 0 {
		return profile.Only, false, nil
	}
	return nil, false, nil
}

// suppressDuplicates drops any requested target already covered by a
// non-terminal session under the same profile (spec.md §4.2 step 3).
func suppressDuplicates(targets []string, existing []model.Session) (admitted []string, skipped []SkippedTarget) {
	for _, target := range targets {
		reason, isDup := duplicateReason(target, existing)
		if isDup {
			skipped = append(skipped, SkippedTarget{Target: target, Reason: reason})
			continue
		}
		admitted = append(admitted, target)
	}
	return admitted, skipped
}

func duplicateReason(target string, existing []model.Session) (core.SkipReason, bool) {
	for _, s := range existing {
		if !s.NonTerminal() {
			continue
		}
		covered := s.All
		if !covered {
			for _, t := range s.Targets {
				if t == target {
					covered = true
					break
				}
			}
		}
		if !covered {
			continue
		}
		if s.State == model.Active {
			return core.SkipAlreadyActive, true
		}
		return core.SkipAlreadyPending, true
	}
	return "", false
}
