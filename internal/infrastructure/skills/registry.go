package skills

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/corvid-run/agentcore/internal/domain/entity"
	"github.com/corvid-run/agentcore/internal/domain/service"
)

// Embedder is the optional semantic-matching capability. A nil Embedder
// degrades selection to keyword-only matching; it never fails the registry.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimension() int
}

// Config holds the registry's tunables, loaded from SKILL_* settings.
type Config struct {
	Dir               string
	CacheDir          string
	TokenBudget       int
	MaxSelected       int
	SemanticThreshold float64
	CacheTTL          time.Duration
	// RefreshCron optionally schedules full rescans (metadata + embedding
	// cache revalidation) on a cron expression, e.g. "*/10 * * * *".
	RefreshCron string
}

// DefaultConfig returns the documented defaults.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:               dir,
		CacheDir:          filepath.Join(dir, ".embeddings"),
		TokenBudget:       8000,
		MaxSelected:       5,
		SemanticThreshold: 0.55,
		CacheTTL:          10 * time.Minute,
	}
}

// Registry loads markdown skills with YAML frontmatter from a directory,
// selects them per user message, and resolves tool-bound skills for dynamic
// injection. Process-wide and read-mostly; metadata refresh and the
// embedding cache are guarded internally.
type Registry struct {
	cfg      Config
	embedder Embedder
	cache    *embeddingCache
	logger   *zap.Logger

	mu        sync.RWMutex
	skills    map[string]*entity.LoadedSkill
	loadedAt  time.Time
	watcher   *fsnotify.Watcher
	closeOnce sync.Once
	done      chan struct{}
}

// NewRegistry scans cfg.Dir and starts a directory watcher so added or
// removed skill files take effect without a restart. embedder may be nil.
func NewRegistry(cfg Config, embedder Embedder, logger *zap.Logger) (*Registry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		cfg:      cfg,
		embedder: embedder,
		cache:    newEmbeddingCache(cfg.CacheDir, logger),
		logger:   logger,
		skills:   make(map[string]*entity.LoadedSkill),
		done:     make(chan struct{}),
	}
	if err := r.reload(); err != nil {
		return nil, err
	}
	r.startWatcher()
	r.startCronRefresh()
	return r, nil
}

// startCronRefresh runs scheduled rescans when RefreshCron is set. The cron
// expression is validated up front; an invalid one logs and disables the
// sweep rather than failing registry construction.
func (r *Registry) startCronRefresh() {
	if r.cfg.RefreshCron == "" {
		return
	}
	g := gronx.New()
	if !g.IsValid(r.cfg.RefreshCron) {
		r.logger.Warn("invalid skill refresh cron, sweep disabled", zap.String("cron", r.cfg.RefreshCron))
		return
	}
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-r.done:
				return
			case <-ticker.C:
				due, err := g.IsDue(r.cfg.RefreshCron)
				if err != nil || !due {
					continue
				}
				if err := r.reload(); err != nil {
					r.logger.Warn("scheduled skill refresh failed", zap.Error(err))
				}
			}
		}
	}()
}

// Close stops the directory watcher.
func (r *Registry) Close() {
	r.closeOnce.Do(func() {
		close(r.done)
		if r.watcher != nil {
			_ = r.watcher.Close()
		}
	})
}

func (r *Registry) startWatcher() {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		r.logger.Warn("skill watcher unavailable, falling back to TTL refresh", zap.Error(err))
		return
	}
	if err := w.Add(r.cfg.Dir); err != nil {
		r.logger.Warn("skill watcher could not watch dir", zap.String("dir", r.cfg.Dir), zap.Error(err))
		_ = w.Close()
		return
	}
	r.watcher = w
	go func() {
		for {
			select {
			case <-r.done:
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if strings.HasSuffix(ev.Name, ".md") {
					if err := r.reload(); err != nil {
						r.logger.Warn("skill reload failed", zap.Error(err))
					}
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				r.logger.Warn("skill watcher error", zap.Error(err))
			}
		}
	}()
}

// reload rescans the skill directory. Parse failures skip the one file and
// are logged; they never take down the registry.
func (r *Registry) reload() error {
	entries, err := os.ReadDir(r.cfg.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			r.mu.Lock()
			r.skills = make(map[string]*entity.LoadedSkill)
			r.loadedAt = time.Now()
			r.mu.Unlock()
			return nil
		}
		return err
	}

	loaded := make(map[string]*entity.LoadedSkill)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		path := filepath.Join(r.cfg.Dir, e.Name())
		skill, err := loadSkillFile(path)
		if err != nil {
			r.logger.Warn("skipping unparsable skill file", zap.String("path", path), zap.Error(err))
			continue
		}
		loaded[skill.Metadata.Name] = skill
	}

	r.mu.Lock()
	r.skills = loaded
	r.loadedAt = time.Now()
	r.mu.Unlock()
	r.logger.Info("skills loaded", zap.Int("count", len(loaded)), zap.String("dir", r.cfg.Dir))
	return nil
}

// refreshIfStale rescans when the TTL has lapsed, covering setups where the
// watcher could not start.
func (r *Registry) refreshIfStale() {
	r.mu.RLock()
	stale := r.cfg.CacheTTL > 0 && time.Since(r.loadedAt) > r.cfg.CacheTTL
	r.mu.RUnlock()
	if stale {
		if err := r.reload(); err != nil {
			r.logger.Warn("skill TTL refresh failed", zap.Error(err))
		}
	}
}

// Skills returns a snapshot of the loaded skill set.
func (r *Registry) Skills() []*entity.LoadedSkill {
	r.refreshIfStale()
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*entity.LoadedSkill, 0, len(r.skills))
	for _, s := range r.skills {
		out = append(out, s)
	}
	return out
}

// SelectForMessage runs the selection pass for one user message, computing
// semantic scores when an embedder is present. Embedding failures degrade to
// keyword-only matching.
func (r *Registry) SelectForMessage(ctx context.Context, userMessage string) service.SkillPrompt {
	skills := r.Skills()

	var msgVec []float32
	embeddingsAvailable := false
	if r.embedder != nil {
		vec, err := r.embedder.Embed(ctx, userMessage)
		if err != nil {
			r.logger.Warn("message embedding failed, keyword-only selection", zap.Error(err))
		} else {
			msgVec = vec
			embeddingsAvailable = true
		}
	}

	candidates := make([]service.SkillCandidate, 0, len(skills))
	for _, s := range skills {
		c := service.SkillCandidate{
			Metadata:   s.Metadata,
			Body:       s.Content,
			TokenCount: s.TokenCount,
		}
		if embeddingsAvailable {
			if vec, ok := r.skillEmbedding(ctx, s); ok {
				score := float64(cosineSimilarity(msgVec, vec))
				c.SemanticScore = &score
			}
		}
		candidates = append(candidates, c)
	}

	cfg := service.SkillSelectorConfig{
		MaxSelected:       r.cfg.MaxSelected,
		TokenBudget:       r.cfg.TokenBudget,
		SemanticThreshold: r.cfg.SemanticThreshold,
	}
	result := service.SelectSkills(userMessage, candidates, embeddingsAvailable, cfg)
	for _, sel := range result.Selection.Selected {
		r.logger.Debug("skill selected",
			zap.String("skill", sel.Name),
			zap.String("weight", string(sel.Weight)),
			zap.Float64("score", sel.CombinedScore),
			zap.Bool("trigger", sel.TriggerMatch),
		)
	}
	for _, sk := range result.Selection.Skipped {
		r.logger.Debug("skill skipped for budget", zap.String("skill", sk.Name), zap.Int("tokens", sk.TokenCount))
	}
	return result
}

// skillEmbedding returns the skill's embedding, from the per-skill cache
// when valid, regenerating on miss or dimension mismatch.
func (r *Registry) skillEmbedding(ctx context.Context, s *entity.LoadedSkill) ([]float32, bool) {
	want := r.embedder.Dimension()
	if vec, ok := r.cache.get(s.Metadata.Name, want); ok {
		return vec, true
	}
	text := s.Metadata.Name + "\n" + s.Metadata.Description + "\n" + strings.Join(s.Metadata.Triggers, " ")
	vec, err := r.embedder.Embed(ctx, text)
	if err != nil {
		r.logger.Debug("skill embedding failed", zap.String("skill", s.Metadata.Name), zap.Error(err))
		return nil, false
	}
	r.cache.put(s.Metadata.Name, vec)
	return vec, true
}

// SkillForTool implements service.SkillResolver: the first skill whose
// allowed_tools names the tool is bound to it.
func (r *Registry) SkillForTool(toolName string) (*service.BoundSkill, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.skills {
		for _, t := range s.Metadata.AllowedTools {
			if t == toolName {
				return &service.BoundSkill{
					Name:       s.Metadata.Name,
					Body:       s.Content,
					TokenCount: s.TokenCount,
				}, true
			}
		}
	}
	return nil, false
}

func cosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float32
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / float32(math.Sqrt(float64(normA))*math.Sqrt(float64(normB)))
}
