package skills

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
)

// cachedEmbedding is the on-disk shape of one skill's embedding: a JSON file
// per skill, keyed by skill name.
type cachedEmbedding struct {
	Skill     string    `json:"skill"`
	Dimension int       `json:"dimension"`
	Vector    []float32 `json:"vector"`
}

// embeddingCache persists skill embeddings as per-skill JSON files so a
// restart doesn't re-embed the whole skill set. Entries with a dimension
// that doesn't match the active embedder are ignored and regenerated.
type embeddingCache struct {
	dir    string
	mu     sync.Mutex
	logger *zap.Logger
}

func newEmbeddingCache(dir string, logger *zap.Logger) *embeddingCache {
	return &embeddingCache{dir: dir, logger: logger}
}

func (c *embeddingCache) path(skillName string) string {
	return filepath.Join(c.dir, sanitizeFileName(skillName)+".json")
}

// get returns the cached vector for a skill iff its dimension matches
// wantDim. Any read or decode failure is a miss.
func (c *embeddingCache) get(skillName string, wantDim int) ([]float32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := os.ReadFile(c.path(skillName))
	if err != nil {
		return nil, false
	}
	var entry cachedEmbedding
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, false
	}
	if entry.Dimension != wantDim || len(entry.Vector) != wantDim {
		c.logger.Debug("embedding cache dimension mismatch, regenerating",
			zap.String("skill", skillName),
			zap.Int("cached", entry.Dimension),
			zap.Int("want", wantDim),
		)
		return nil, false
	}
	return entry.Vector, true
}

// put writes the vector, best-effort: a failed write only costs a re-embed.
func (c *embeddingCache) put(skillName string, vec []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		c.logger.Debug("embedding cache dir unavailable", zap.Error(err))
		return
	}
	data, err := json.Marshal(cachedEmbedding{Skill: skillName, Dimension: len(vec), Vector: vec})
	if err != nil {
		return
	}
	if err := os.WriteFile(c.path(skillName), data, 0o644); err != nil {
		c.logger.Debug("embedding cache write failed", zap.String("skill", skillName), zap.Error(err))
	}
}

// sanitizeFileName keeps cache file names safe for any filesystem.
func sanitizeFileName(name string) string {
	out := make([]rune, 0, len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}
