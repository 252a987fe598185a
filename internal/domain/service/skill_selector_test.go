package service

import (
	"strings"
	"testing"

	"github.com/corvid-run/agentcore/internal/domain/entity"
)

func skillCand(name string, weight entity.SkillWeight, triggers []string, tokens int, sem *float64) SkillCandidate {
	return SkillCandidate{
		Metadata: entity.SkillMetadata{
			Name:       name,
			Triggers:   triggers,
			Weight:     weight,
			Activation: entity.ActivationHybrid,
		},
		Body:          "body of " + name,
		TokenCount:    tokens,
		SemanticScore: sem,
	}
}

func fptr(f float64) *float64 { return &f }

func TestSelectSkills_TriggerMatch(t *testing.T) {
	cands := []SkillCandidate{
		skillCand("pdf", entity.SkillWeightMedium, []string{"pdf", "document"}, 100, nil),
		skillCand("video", entity.SkillWeightMedium, []string{"youtube"}, 100, nil),
	}
	out := SelectSkills("convert this PDF for me", cands, false, DefaultSkillSelectorConfig())
	if len(out.Selection.Selected) != 1 || out.Selection.Selected[0].Name != "pdf" {
		t.Fatalf("expected only pdf selected, got %+v", out.Selection.Selected)
	}
	if !strings.Contains(out.Prompt, "body of pdf") {
		t.Fatal("prompt must contain the selected body")
	}
}

func TestSelectSkills_AlwaysBypassesEverything(t *testing.T) {
	cfg := DefaultSkillSelectorConfig()
	cfg.MaxSelected = 1
	cfg.TokenBudget = 50
	cands := []SkillCandidate{
		skillCand("core", entity.SkillWeightAlways, nil, 400, nil),
		skillCand("pdf", entity.SkillWeightMedium, []string{"pdf"}, 30, nil),
	}
	out := SelectSkills("pdf please", cands, false, cfg)
	names := map[string]bool{}
	for _, s := range out.Selection.Selected {
		names[s.Name] = true
	}
	if !names["core"] {
		t.Fatal("Always skill must be selected despite exceeding the budget")
	}
}

func TestSelectSkills_HighQualifiesWithoutEmbeddings(t *testing.T) {
	cands := []SkillCandidate{
		skillCand("research", entity.SkillWeightHigh, []string{"arcane-trigger"}, 100, nil),
	}
	out := SelectSkills("unrelated message", cands, false, DefaultSkillSelectorConfig())
	if len(out.Selection.Selected) != 1 {
		t.Fatal("High skill must qualify when embeddings are unavailable")
	}
	out = SelectSkills("unrelated message", cands, true, DefaultSkillSelectorConfig())
	if len(out.Selection.Selected) != 0 {
		t.Fatal("High skill must not qualify with embeddings available and no match")
	}
}

func TestSelectSkills_SemanticThreshold(t *testing.T) {
	cfg := DefaultSkillSelectorConfig()
	cfg.SemanticThreshold = 0.6
	cands := []SkillCandidate{
		skillCand("close", entity.SkillWeightMedium, nil, 100, fptr(0.75)),
		skillCand("far", entity.SkillWeightMedium, nil, 100, fptr(0.4)),
	}
	out := SelectSkills("anything", cands, true, cfg)
	if len(out.Selection.Selected) != 1 || out.Selection.Selected[0].Name != "close" {
		t.Fatalf("expected only the high-similarity skill, got %+v", out.Selection.Selected)
	}
}

func TestSelectSkills_TokenBudgetSkips(t *testing.T) {
	cfg := DefaultSkillSelectorConfig()
	cfg.TokenBudget = 150
	cands := []SkillCandidate{
		skillCand("a", entity.SkillWeightMedium, []string{"task"}, 100, nil),
		skillCand("b", entity.SkillWeightMedium, []string{"task"}, 100, nil),
	}
	out := SelectSkills("do the task", cands, false, cfg)
	if len(out.Selection.Selected) != 1 {
		t.Fatalf("expected 1 selected, got %d", len(out.Selection.Selected))
	}
	if len(out.Selection.Skipped) != 1 {
		t.Fatalf("expected 1 skipped for budget, got %d", len(out.Selection.Skipped))
	}
}

func TestSelectSkills_MaxSelectedCap(t *testing.T) {
	cfg := DefaultSkillSelectorConfig()
	cfg.MaxSelected = 2
	var cands []SkillCandidate
	for _, name := range []string{"a", "b", "c", "d"} {
		cands = append(cands, skillCand(name, entity.SkillWeightMedium, []string{"task"}, 10, nil))
	}
	out := SelectSkills("the task", cands, false, cfg)
	if len(out.Selection.Selected) != 2 {
		t.Fatalf("expected cap of 2, got %d", len(out.Selection.Selected))
	}
}

func TestSelectSkills_WeightOrdering(t *testing.T) {
	cfg := DefaultSkillSelectorConfig()
	cfg.MaxSelected = 1
	cands := []SkillCandidate{
		skillCand("medium", entity.SkillWeightMedium, []string{"task"}, 10, nil),
		skillCand("high", entity.SkillWeightHigh, []string{"task"}, 10, nil),
	}
	out := SelectSkills("the task", cands, true, cfg)
	if len(out.Selection.Selected) != 1 || out.Selection.Selected[0].Name != "high" {
		t.Fatalf("higher weight must win the cap, got %+v", out.Selection.Selected)
	}
}

func TestSelectSkills_DeduplicatesByName(t *testing.T) {
	cands := []SkillCandidate{
		skillCand("dup", entity.SkillWeightMedium, []string{"task"}, 10, nil),
		skillCand("dup", entity.SkillWeightHigh, []string{"task"}, 10, nil),
	}
	out := SelectSkills("the task", cands, true, DefaultSkillSelectorConfig())
	if len(out.Selection.Selected) != 1 {
		t.Fatalf("expected dedup to one entry, got %d", len(out.Selection.Selected))
	}
	if out.Selection.Selected[0].Weight != entity.SkillWeightHigh {
		t.Fatal("dedup must keep the higher-weight entry")
	}
}

func TestSelectSkills_ToolOnlyNeverSelectedByPrompt(t *testing.T) {
	c := skillCand("toolbound", entity.SkillWeightAlways, []string{"task"}, 10, nil)
	c.Metadata.Activation = entity.ActivationToolOnly
	out := SelectSkills("the task", []SkillCandidate{c}, false, DefaultSkillSelectorConfig())
	if len(out.Selection.Selected) != 0 {
		t.Fatal("tool-only skills must not be selected by the prompt pass")
	}
}
