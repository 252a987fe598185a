package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryEntry is one durable fact the agent has chosen to keep across runs.
// Entries are write-once; an update replaces the stored copy wholesale.
type MemoryEntry struct {
	ID        string
	Content   string
	Embedding []float32
	Metadata  map[string]interface{}
	Score     float32 // similarity against the query, filled on recall
	CreatedAt time.Time
	UpdatedAt time.Time
	SessionID string
	UserID    string
}

// VectorStore persists memory entries and answers nearest-neighbor queries.
// Implementations: the LanceDB-backed store and the in-process fallback
// below.
type VectorStore interface {
	Insert(ctx context.Context, entry *MemoryEntry) error
	Search(ctx context.Context, query []float32, topK int, filter *SearchFilter) ([]*MemoryEntry, error)
	Delete(ctx context.Context, id string) error
	Update(ctx context.Context, entry *MemoryEntry) error
	GetBySession(ctx context.Context, sessionID string) ([]*MemoryEntry, error)
}

// SearchFilter narrows a recall pass. Zero values mean "don't filter".
type SearchFilter struct {
	UserID    string
	SessionID string
	MinScore  float32
	TimeRange *TimeRange
}

// TimeRange bounds entries by creation time.
type TimeRange struct {
	Start time.Time
	End   time.Time
}

// matches reports whether an entry passes the non-score parts of the filter.
func (f *SearchFilter) matches(entry *MemoryEntry) bool {
	if f == nil {
		return true
	}
	if f.UserID != "" && entry.UserID != f.UserID {
		return false
	}
	if f.SessionID != "" && entry.SessionID != f.SessionID {
		return false
	}
	if f.TimeRange != nil {
		if entry.CreatedAt.Before(f.TimeRange.Start) || entry.CreatedAt.After(f.TimeRange.End) {
			return false
		}
	}
	return true
}

// EmbeddingProvider turns text into vectors. Missing providers degrade the
// whole memory feature, never fail it.
type EmbeddingProvider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// MemoryManager is the long-term memory capability: remember facts, recall
// the ones relevant to a query, forget by id. Recall results are folded
// into the system prompt by the run orchestrator.
type MemoryManager struct {
	store    VectorStore
	embedder EmbeddingProvider
}

// NewMemoryManager wires a store and an embedder.
func NewMemoryManager(store VectorStore, embedder EmbeddingProvider) *MemoryManager {
	return &MemoryManager{store: store, embedder: embedder}
}

// Remember embeds and stores one fact. session/user attribution rides in
// metadata under "session_id"/"user_id".
func (m *MemoryManager) Remember(ctx context.Context, content string, metadata map[string]interface{}) (*MemoryEntry, error) {
	embedding, err := m.embedder.Embed(ctx, content)
	if err != nil {
		return nil, fmt.Errorf("embed memory: %w", err)
	}

	now := time.Now()
	entry := &MemoryEntry{
		ID:        contentID(content),
		Content:   content,
		Embedding: embedding,
		Metadata:  metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if sessionID, ok := metadata["session_id"].(string); ok {
		entry.SessionID = sessionID
	}
	if userID, ok := metadata["user_id"].(string); ok {
		entry.UserID = userID
	}

	if err := m.store.Insert(ctx, entry); err != nil {
		return nil, fmt.Errorf("store memory: %w", err)
	}
	return entry, nil
}

// Recall returns the topK entries most similar to query, best first.
func (m *MemoryManager) Recall(ctx context.Context, query string, topK int, filter *SearchFilter) ([]*MemoryEntry, error) {
	queryVec, err := m.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	entries, err := m.store.Search(ctx, queryVec, topK, filter)
	if err != nil {
		return nil, fmt.Errorf("search memories: %w", err)
	}
	return entries, nil
}

// Forget removes one entry by id.
func (m *MemoryManager) Forget(ctx context.Context, id string) error {
	return m.store.Delete(ctx, id)
}

// contentID derives a stable-enough unique id from content + time.
func contentID(content string) string {
	hash := sha256.Sum256([]byte(content + time.Now().String()))
	return hex.EncodeToString(hash[:16])
}

// InMemoryVectorStore is the process-local fallback used when LanceDB isn't
// configured, and in tests. Brute-force cosine scan — fine at the scale a
// single agent process accumulates.
type InMemoryVectorStore struct {
	mu      sync.RWMutex
	entries map[string]*MemoryEntry
}

// NewInMemoryVectorStore creates an empty store.
func NewInMemoryVectorStore() *InMemoryVectorStore {
	return &InMemoryVectorStore{entries: make(map[string]*MemoryEntry)}
}

// Insert stores an entry, replacing any previous entry with the same id.
func (s *InMemoryVectorStore) Insert(ctx context.Context, entry *MemoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[entry.ID] = entry
	return nil
}

// Search scans all entries by cosine similarity and returns the topK that
// pass the filter, best first. Returned entries are copies with Score set.
func (s *InMemoryVectorStore) Search(ctx context.Context, query []float32, topK int, filter *SearchFilter) ([]*MemoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type scored struct {
		entry *MemoryEntry
		score float32
	}
	var candidates []scored
	for _, entry := range s.entries {
		if !filter.matches(entry) {
			continue
		}
		score := cosineSimilarity(query, entry.Embedding)
		if filter != nil && score < filter.MinScore {
			continue
		}
		candidates = append(candidates, scored{entry, score})
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })
	if len(candidates) > topK {
		candidates = candidates[:topK]
	}

	results := make([]*MemoryEntry, len(candidates))
	for i, c := range candidates {
		cp := *c.entry
		cp.Score = c.score
		results[i] = &cp
	}
	return results, nil
}

// Delete removes an entry; deleting an absent id is a no-op.
func (s *InMemoryVectorStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, id)
	return nil
}

// Update replaces an existing entry.
func (s *InMemoryVectorStore) Update(ctx context.Context, entry *MemoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[entry.ID]; !ok {
		return fmt.Errorf("memory not found: %s", entry.ID)
	}
	entry.UpdatedAt = time.Now()
	s.entries[entry.ID] = entry
	return nil
}

// GetBySession returns every entry attributed to a session.
func (s *InMemoryVectorStore) GetBySession(ctx context.Context, sessionID string) ([]*MemoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var results []*MemoryEntry
	for _, entry := range s.entries {
		if entry.SessionID == sessionID {
			results = append(results, entry)
		}
	}
	return results, nil
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

// SimpleEmbedder is a deterministic bag-of-characters embedder for tests and
// for running without a real embedding provider. Not semantically meaningful,
// but stable: identical text always lands on the identical vector.
type SimpleEmbedder struct {
	dimension int
}

// NewSimpleEmbedder creates an embedder producing vectors of the given size.
func NewSimpleEmbedder(dimension int) *SimpleEmbedder {
	return &SimpleEmbedder{dimension: dimension}
}

// Embed hashes characters into buckets and L2-normalizes the result.
func (e *SimpleEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	embedding := make([]float32, e.dimension)
	for _, word := range strings.Fields(text) {
		for i, char := range word {
			embedding[(int(char)+i)%e.dimension]++
		}
	}

	var norm float32
	for _, v := range embedding {
		norm += v * v
	}
	if norm > 0 {
		n := float32(math.Sqrt(float64(norm)))
		for i := range embedding {
			embedding[i] /= n
		}
	}
	return embedding, nil
}

// EmbedBatch embeds each text independently.
func (e *SimpleEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	results := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := e.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		results[i] = vec
	}
	return results, nil
}

// Dimension returns the vector size this embedder produces.
func (e *SimpleEmbedder) Dimension() int {
	return e.dimension
}
