package skills

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
	"gopkg.in/yaml.v3"

	"github.com/corvid-run/agentcore/internal/domain/entity"
	"github.com/corvid-run/agentcore/internal/domain/service"
)

const frontmatterDelimiter = "---"

// loadSkillFile parses one markdown skill file: YAML frontmatter between
// leading "---" markers, the rest is the body. A missing name falls back to
// the file stem; references resolve relative to the skill directory as lazy
// files.
func loadSkillFile(path string) (*entity.LoadedSkill, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	meta, body, err := splitFrontmatter(string(raw))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}

	if meta.Name == "" {
		meta.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if meta.Description == "" {
		meta.Description = firstHeadingText(body)
	}
	meta.Normalize()

	skill := &entity.LoadedSkill{
		Metadata:   meta,
		Content:    body,
		LoadedAt:   time.Now(),
		TokenCount: service.EstimateTokens(body),
	}

	if len(meta.References) > 0 {
		dir := filepath.Dir(path)
		skill.SupportingFiles = make(map[string]*entity.LazyFile, len(meta.References))
		for _, ref := range meta.References {
			skill.SupportingFiles[ref] = &entity.LazyFile{Path: filepath.Join(dir, ref)}
		}
	}
	return skill, nil
}

// firstHeadingText walks the markdown AST for the first heading, used as
// the description fallback when the frontmatter omits one.
func firstHeadingText(body string) string {
	src := []byte(body)
	doc := goldmark.New().Parser().Parse(text.NewReader(src))

	var heading string
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		if h, ok := n.(*ast.Heading); ok {
			var sb strings.Builder
			for c := h.FirstChild(); c != nil; c = c.NextSibling() {
				if t, ok := c.(*ast.Text); ok {
					sb.Write(t.Segment.Value(src))
				}
			}
			heading = strings.TrimSpace(sb.String())
			return ast.WalkStop, nil
		}
		return ast.WalkContinue, nil
	})
	return heading
}

// splitFrontmatter separates the YAML header from the markdown body. A file
// without a frontmatter block is all body with zero-value metadata.
func splitFrontmatter(raw string) (entity.SkillMetadata, string, error) {
	var meta entity.SkillMetadata

	trimmed := strings.TrimPrefix(raw, "\ufeff")
	trimmed = strings.TrimLeft(trimmed, "\n\r")
	if !strings.HasPrefix(trimmed, frontmatterDelimiter) {
		return meta, strings.TrimSpace(raw), nil
	}

	rest := trimmed[len(frontmatterDelimiter):]
	rest = strings.TrimPrefix(rest, "\r")
	rest = strings.TrimPrefix(rest, "\n")
	end := strings.Index(rest, "\n"+frontmatterDelimiter)
	if end < 0 {
		return meta, "", fmt.Errorf("unterminated frontmatter block")
	}

	header := rest[:end]
	body := rest[end+1+len(frontmatterDelimiter):]
	if idx := strings.Index(body, "\n"); idx >= 0 {
		body = body[idx+1:]
	} else {
		body = ""
	}

	if err := yaml.Unmarshal([]byte(header), &meta); err != nil {
		return meta, "", fmt.Errorf("invalid frontmatter: %w", err)
	}
	return meta, strings.TrimSpace(body), nil
}
