package service

import (
	"sort"
	"strings"

	"github.com/corvid-run/agentcore/internal/domain/entity"
)

// SkillCandidate is one skill as seen by the selection pass: parsed metadata,
// body, token cost, and an optional semantic similarity score against the
// user message.
type SkillCandidate struct {
	Metadata      entity.SkillMetadata
	Body          string
	TokenCount    int
	SemanticScore *float64
}

// SkillSelectorConfig bounds a selection pass.
type SkillSelectorConfig struct {
	MaxSelected       int
	TokenBudget       int
	SemanticThreshold float64
}

// DefaultSkillSelectorConfig mirrors the configuration defaults.
func DefaultSkillSelectorConfig() SkillSelectorConfig {
	return SkillSelectorConfig{
		MaxSelected:       5,
		TokenBudget:       8000,
		SemanticThreshold: 0.55,
	}
}

// SkillPrompt is the output of a selection pass: the concatenated bodies of
// selected skills plus the audit trail of what was picked and what was
// skipped for budget.
type SkillPrompt struct {
	Prompt    string
	Selection entity.SkillSelectionResult
}

const (
	semanticWeight = 0.7
	triggerWeight  = 0.3
)

// SelectSkills runs the weight/trigger/semantic selection pass over
// candidates for one user message. embeddingsAvailable toggles the High
// weight's fallback rule: without embeddings, High skills qualify
// unconditionally rather than being lost to a missing semantic signal.
func SelectSkills(userMessage string, candidates []SkillCandidate, embeddingsAvailable bool, cfg SkillSelectorConfig) SkillPrompt {
	lowerMsg := strings.ToLower(userMessage)

	type scored struct {
		candidate SkillCandidate
		selection entity.SkillSelection
	}

	// Score and qualify, deduplicating by name on the best match.
	best := make(map[string]scored)
	for _, c := range candidates {
		meta := c.Metadata
		if meta.Activation == entity.ActivationToolOnly {
			continue
		}

		triggerMatch := false
		for _, trig := range meta.Triggers {
			if trig != "" && strings.Contains(lowerMsg, strings.ToLower(trig)) {
				triggerMatch = true
				break
			}
		}

		semanticPass := c.SemanticScore != nil && *c.SemanticScore >= cfg.SemanticThreshold

		qualifies := false
		switch meta.Weight {
		case entity.SkillWeightAlways:
			qualifies = true
		case entity.SkillWeightHigh:
			qualifies = triggerMatch || semanticPass || !embeddingsAvailable
		default: // Medium, OnDemand
			qualifies = triggerMatch || semanticPass
		}
		if !qualifies {
			continue
		}

		sem := 0.0
		if c.SemanticScore != nil {
			sem = *c.SemanticScore
		}
		trig := 0.0
		if triggerMatch {
			trig = 1.0
		}
		sel := entity.SkillSelection{
			Name:          meta.Name,
			Weight:        meta.Weight,
			TriggerMatch:  triggerMatch,
			SemanticScore: c.SemanticScore,
			CombinedScore: semanticWeight*sem + triggerWeight*trig,
			TokenCount:    c.TokenCount,
		}

		prev, seen := best[meta.Name]
		if !seen || betterSelection(sel, prev.selection) {
			best[meta.Name] = scored{candidate: c, selection: sel}
		}
	}

	var always, ranked []scored
	for _, s := range best {
		if s.selection.Weight == entity.SkillWeightAlways {
			always = append(always, s)
		} else {
			ranked = append(ranked, s)
		}
	}

	sort.Slice(always, func(i, j int) bool { return always[i].selection.Name < always[j].selection.Name })
	sort.Slice(ranked, func(i, j int) bool {
		a, b := ranked[i].selection, ranked[j].selection
		if a.Weight.Priority() != b.Weight.Priority() {
			return a.Weight.Priority() > b.Weight.Priority()
		}
		if a.CombinedScore != b.CombinedScore {
			return a.CombinedScore > b.CombinedScore
		}
		return a.Name < b.Name
	})

	if cfg.MaxSelected > 0 && len(ranked) > cfg.MaxSelected {
		ranked = ranked[:cfg.MaxSelected]
	}

	var result SkillPrompt
	var bodies []string
	budgetUsed := 0

	// Always-weight skills bypass both the selection cap and the budget.
	for _, s := range always {
		bodies = append(bodies, s.candidate.Body)
		budgetUsed += s.selection.TokenCount
		result.Selection.Selected = append(result.Selection.Selected, s.selection)
	}
	for _, s := range ranked {
		if cfg.TokenBudget > 0 && budgetUsed+s.selection.TokenCount > cfg.TokenBudget {
			result.Selection.Skipped = append(result.Selection.Skipped, s.selection)
			continue
		}
		bodies = append(bodies, s.candidate.Body)
		budgetUsed += s.selection.TokenCount
		result.Selection.Selected = append(result.Selection.Selected, s.selection)
	}

	result.Prompt = strings.Join(bodies, "\n\n---\n\n")
	return result
}

// betterSelection orders duplicate entries for the same skill name: weight
// priority, then combined score, then trigger match, then semantic presence.
func betterSelection(a, b entity.SkillSelection) bool {
	if a.Weight.Priority() != b.Weight.Priority() {
		return a.Weight.Priority() > b.Weight.Priority()
	}
	if a.CombinedScore != b.CombinedScore {
		return a.CombinedScore > b.CombinedScore
	}
	if a.TriggerMatch != b.TriggerMatch {
		return a.TriggerMatch
	}
	return a.SemanticScore != nil && b.SemanticScore == nil
}
