package skills

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/corvid-run/agentcore/internal/domain/entity"
)

func writeSkill(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

const pdfSkill = `---
name: pdf-tools
description: Working with PDF documents
triggers: [pdf, document]
allowed_tools: [web_pdf]
weight: medium
---
# PDF handling

Convert and extract PDFs carefully.`

const coreSkill = `---
name: core-rules
description: Always-on behavior rules
weight: always
---
Always be concise.`

func newTestRegistry(t *testing.T, dir string) *Registry {
	t.Helper()
	reg, err := NewRegistry(DefaultConfig(dir), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(reg.Close)
	return reg
}

func TestRegistry_LoadsSkills(t *testing.T) {
	dir := t.TempDir()
	writeSkill(t, dir, "pdf.md", pdfSkill)
	writeSkill(t, dir, "core.md", coreSkill)

	reg := newTestRegistry(t, dir)
	if len(reg.Skills()) != 2 {
		t.Fatalf("expected 2 skills, got %d", len(reg.Skills()))
	}
}

func TestRegistry_MissingDirIsEmpty(t *testing.T) {
	reg := newTestRegistry(t, filepath.Join(t.TempDir(), "absent"))
	if len(reg.Skills()) != 0 {
		t.Fatal("missing dir must yield an empty registry")
	}
}

func TestRegistry_SelectForMessage(t *testing.T) {
	dir := t.TempDir()
	writeSkill(t, dir, "pdf.md", pdfSkill)
	writeSkill(t, dir, "core.md", coreSkill)

	reg := newTestRegistry(t, dir)
	out := reg.SelectForMessage(context.Background(), "please summarize this PDF")

	names := map[string]bool{}
	for _, s := range out.Selection.Selected {
		names[s.Name] = true
	}
	if !names["pdf-tools"] {
		t.Fatalf("trigger 'pdf' must select pdf-tools, selected: %v", names)
	}
	if !names["core-rules"] {
		t.Fatal("always-weight skill must be selected")
	}
}

func TestRegistry_SkillForTool(t *testing.T) {
	dir := t.TempDir()
	writeSkill(t, dir, "pdf.md", pdfSkill)

	reg := newTestRegistry(t, dir)
	bound, ok := reg.SkillForTool("web_pdf")
	if !ok || bound.Name != "pdf-tools" {
		t.Fatalf("expected pdf-tools bound to web_pdf, got %+v", bound)
	}
	if _, ok := reg.SkillForTool("unbound_tool"); ok {
		t.Fatal("unbound tool must resolve to nothing")
	}
}

func TestSplitFrontmatter(t *testing.T) {
	meta, body, err := splitFrontmatter(pdfSkill)
	if err != nil {
		t.Fatal(err)
	}
	if meta.Name != "pdf-tools" || meta.Weight != entity.SkillWeightMedium {
		t.Fatalf("unexpected metadata: %+v", meta)
	}
	if len(meta.Triggers) != 2 || meta.Triggers[0] != "pdf" {
		t.Fatalf("unexpected triggers: %v", meta.Triggers)
	}
	if body == "" || body[0] != '#' {
		t.Fatalf("unexpected body: %q", body)
	}
}

func TestSplitFrontmatter_NoHeader(t *testing.T) {
	meta, body, err := splitFrontmatter("just a body\nwith lines")
	if err != nil {
		t.Fatal(err)
	}
	if meta.Name != "" {
		t.Fatal("no frontmatter means zero-value metadata")
	}
	if body != "just a body\nwith lines" {
		t.Fatalf("unexpected body: %q", body)
	}
}

func TestSplitFrontmatter_Unterminated(t *testing.T) {
	if _, _, err := splitFrontmatter("---\nname: x\nno end"); err == nil {
		t.Fatal("expected error for unterminated frontmatter")
	}
}

func TestLoadSkillFile_NameFallsBackToStem(t *testing.T) {
	dir := t.TempDir()
	writeSkill(t, dir, "research.md", "---\ndescription: d\n---\nbody")
	skill, err := loadSkillFile(filepath.Join(dir, "research.md"))
	if err != nil {
		t.Fatal(err)
	}
	if skill.Metadata.Name != "research" {
		t.Fatalf("expected stem fallback, got %q", skill.Metadata.Name)
	}
	if skill.Metadata.Weight != entity.SkillWeightMedium {
		t.Fatal("weight must default to medium")
	}
	if skill.Metadata.Activation != entity.ActivationHybrid {
		t.Fatal("activation must default to hybrid")
	}
}

func TestEmbeddingCache_RoundTripAndDimensionMismatch(t *testing.T) {
	cache := newEmbeddingCache(t.TempDir(), zap.NewNop())
	vec := []float32{0.1, 0.2, 0.3}
	cache.put("my skill/name", vec)

	got, ok := cache.get("my skill/name", 3)
	if !ok || len(got) != 3 || got[1] != 0.2 {
		t.Fatalf("expected cache hit, got %v ok=%v", got, ok)
	}

	if _, ok := cache.get("my skill/name", 4); ok {
		t.Fatal("dimension mismatch must miss and trigger regeneration")
	}
	if _, ok := cache.get("never-stored", 3); ok {
		t.Fatal("unknown skill must miss")
	}
}
