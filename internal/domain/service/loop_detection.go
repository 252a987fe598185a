package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// LoopType identifies which detector fired.
type LoopType string

const (
	LoopToolRepetition    LoopType = "tool_repetition"
	LoopContentRepetition LoopType = "content_repetition"
	LoopCognitive         LoopType = "cognitive"
)

// LoopDetectedEvent describes a confirmed loop.
type LoopDetectedEvent struct {
	LoopType  LoopType
	SessionID string
	Iteration int
	Reasoning string
}

// --- Tool call repetition detector ---

const defaultToolRepetitionThreshold = 5

// ToolCallDetector flags consecutive identical tool calls (same name + same
// normalized arguments), hashed so argument ordering doesn't cause false
// negatives.
type ToolCallDetector struct {
	threshold int
	lastHash  string
	streak    int
}

// NewToolCallDetector creates a detector with the given consecutive-call
// threshold (defaults to 5 when <= 0).
func NewToolCallDetector(threshold int) *ToolCallDetector {
	if threshold <= 0 {
		threshold = defaultToolRepetitionThreshold
	}
	return &ToolCallDetector{threshold: threshold}
}

// Check records one tool call and reports whether the streak of identical
// calls has reached the threshold.
func (d *ToolCallDetector) Check(name string, args map[string]interface{}) bool {
	hash := hashToolCall(name, args)
	if hash == d.lastHash {
		d.streak++
	} else {
		d.lastHash = hash
		d.streak = 1
	}
	return d.streak >= d.threshold
}

// Reset clears streak tracking (called at the start of each run).
func (d *ToolCallDetector) Reset() {
	d.lastHash = ""
	d.streak = 0
}

// hashToolCall normalizes arguments by round-tripping through JSON (so key
// order never affects the hash) and falls back to the raw string form if the
// arguments aren't JSON-marshalable.
func hashToolCall(name string, args map[string]interface{}) string {
	h := sha256.New()
	h.Write([]byte(name))
	h.Write([]byte{0})
	if data, err := json.Marshal(args); err == nil {
		var normalized interface{}
		if err := json.Unmarshal(data, &normalized); err == nil {
			if renormalized, err := json.Marshal(normalized); err == nil {
				h.Write(renormalized)
			} else {
				h.Write(data)
			}
		} else {
			h.Write(data)
		}
	} else {
		h.Write([]byte(argsFallbackString(args)))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func argsFallbackString(args map[string]interface{}) string {
	var sb strings.Builder
	for k, v := range args {
		sb.WriteString(k)
		sb.WriteString("=")
		sb.WriteString(strings.TrimSpace(toStringBestEffort(v)))
		sb.WriteString(";")
	}
	return sb.String()
}

func toStringBestEffort(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	default:
		data, _ := json.Marshal(v)
		return string(data)
	}
}

// --- Content repetition detector ---

const (
	defaultContentChunkSize   = 50
	defaultContentThreshold   = 10
	defaultDistanceMultiplier = 5
	defaultContentHistoryCap  = 5000
)

// ContentLoopDetector flags the model repeating the same chunk of generated
// text across turns (a sign it's stuck narrating the same thing instead of
// making progress). Incoming fragments accumulate into one persistent
// history buffer and the chunk window slides continuously across it, so a
// repeat that straddles a fragment or line boundary is still caught.
// Fragments containing structural markdown (code fences, tables, lists,
// headers, dividers, blockquotes) are skipped entirely — that text
// legitimately repeats — and every skip discards the current history while
// keeping the code-fence flag.
type ContentLoopDetector struct {
	chunkSize          int
	threshold          int
	distanceMultiplier int
	historyCap         int

	mu         sync.Mutex
	history    []byte            // accumulated prose, bounded by historyCap
	base       int               // absolute position of history[0]
	occurrence map[string][]int  // chunk hash -> absolute positions seen
	chunks     map[string]string // hash -> first-seen chunk text, for collision filtering
	fenceCount int               // inside a ``` block iff odd
}

// NewContentLoopDetector creates a detector with the given chunk size,
// occurrence threshold, and max-average-distance multiplier. Zero/negative
// values fall back to defaults.
func NewContentLoopDetector(chunkSize, threshold, distanceMultiplier int) *ContentLoopDetector {
	if chunkSize <= 0 {
		chunkSize = defaultContentChunkSize
	}
	if threshold <= 0 {
		threshold = defaultContentThreshold
	}
	if distanceMultiplier <= 0 {
		distanceMultiplier = defaultDistanceMultiplier
	}
	return &ContentLoopDetector{
		chunkSize:          chunkSize,
		threshold:          threshold,
		distanceMultiplier: distanceMultiplier,
		historyCap:         defaultContentHistoryCap,
		occurrence:         make(map[string][]int),
		chunks:             make(map[string]string),
	}
}

// Reset clears all tracked state. Called at the start of each run and
// whenever a tool call is recovered (resets content tracking, per the
// structured-output contract).
func (d *ContentLoopDetector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.discardHistory()
	d.base = 0
	d.fenceCount = 0
}

// Check appends newly generated text to the history and reports whether the
// average inter-occurrence distance over the last `threshold` occurrences of
// any chunk falls at or below chunkSize*distanceMultiplier — i.e. the same
// chunk keeps reappearing close together.
func (d *ContentLoopDetector) Check(text string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	// Fence markers toggle the in-fence state and, like every skip, discard
	// the current history.
	if n := strings.Count(text, "```"); n > 0 {
		d.fenceCount += n
		d.discardHistory()
		return false
	}
	if d.fenceCount%2 == 1 || hasStructuralMarkers(text) {
		d.discardHistory()
		return false
	}

	// Slide the window across the whole buffer: windows opened by the tail
	// of the previous fragment complete with the bytes appended now.
	firstNew := len(d.history) - d.chunkSize + 1
	if firstNew < 0 {
		firstNew = 0
	}
	d.history = append(d.history, text...)

	maxAvgDistance := d.chunkSize * d.distanceMultiplier
	detected := false

	for i := firstNew; i+d.chunkSize <= len(d.history); i++ {
		chunk := string(d.history[i : i+d.chunkSize])
		hash := sha256.Sum256([]byte(chunk))
		key := hex.EncodeToString(hash[:])

		if existing, ok := d.chunks[key]; ok && existing != chunk {
			// hash collision — treat as a distinct chunk, skip this position
			continue
		}
		d.chunks[key] = chunk

		d.occurrence[key] = append(d.occurrence[key], d.base+i)
		occurrences := d.occurrence[key]
		if len(occurrences) >= d.threshold {
			recent := occurrences[len(occurrences)-d.threshold:]
			var totalDist int
			for j := 1; j < len(recent); j++ {
				totalDist += recent[j] - recent[j-1]
			}
			avgDist := totalDist / (len(recent) - 1)
			if avgDist <= maxAvgDistance {
				detected = true
			}
		}
	}

	d.truncateHistory()
	return detected
}

// discardHistory drops the buffer and tracked occurrences; the caller keeps
// whatever fence state applies. Repetition is only meaningful within a
// contiguous stretch of prose.
func (d *ContentLoopDetector) discardHistory() {
	d.base += len(d.history)
	d.history = nil
	d.occurrence = make(map[string][]int)
	d.chunks = make(map[string]string)
}

// truncateHistory bounds the buffer: bytes beyond the cap fall off the
// front and positions recorded for them are dropped with it.
func (d *ContentLoopDetector) truncateHistory() {
	if len(d.history) <= d.historyCap {
		return
	}
	drop := len(d.history) - d.historyCap
	d.history = append([]byte(nil), d.history[drop:]...)
	d.base += drop

	for key, positions := range d.occurrence {
		idx := 0
		for idx < len(positions) && positions[idx] < d.base {
			idx++
		}
		if idx == len(positions) {
			delete(d.occurrence, key)
			delete(d.chunks, key)
		} else if idx > 0 {
			d.occurrence[key] = positions[idx:]
		}
	}
}

// hasStructuralMarkers reports whether a fragment contains structural
// markdown that legitimately repeats (tables, headers, lists, blockquotes,
// dividers) and should not feed the content-repetition detector.
func hasStructuralMarkers(text string) bool {
	if strings.Contains(text, "|") || strings.Contains(text, "#") {
		return true
	}
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		switch trimmed[0] {
		case '>', '*', '+':
			if len(trimmed) == 1 || trimmed[1] == ' ' {
				return true
			}
		case '-':
			if len(trimmed) == 1 || trimmed[1] == ' ' {
				return true
			}
		}
		if len(trimmed) >= 3 && strings.Trim(trimmed, "-=") == "" {
			return true // horizontal divider
		}
	}
	return false
}

// --- Cognitive (LLM scout) detector ---

// LoopScoutClient is the minimal model capability the cognitive detector
// needs: a single-shot classification call against a (usually cheaper) scout
// model.
type LoopScoutClient interface {
	ChatCompletion(ctx context.Context, systemPrompt string, history []LLMMessage, userMessage, model string) (string, error)
}

// CognitiveCheckResult is the scout model's structured verdict.
type CognitiveCheckResult struct {
	IsStuck    bool    `json:"is_stuck"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

// CognitiveLoopDetector periodically asks a scout model whether the
// conversation looks stuck, as a catch-all for loops neither mechanical
// detector can see (e.g. the model oscillating between two distinct but
// equally unproductive approaches).
type CognitiveLoopDetector struct {
	scout               LoopScoutClient
	model               string
	checkAfterTurns     int
	checkInterval       int
	confidenceThreshold float64
	historyCount        int
	logger              *zap.Logger
}

// CognitiveLoopDetectorConfig configures check cadence and thresholds.
type CognitiveLoopDetectorConfig struct {
	Model               string
	CheckAfterTurns     int
	CheckInterval       int
	ConfidenceThreshold float64
	HistoryCount        int
}

// DefaultCognitiveLoopDetectorConfig mirrors the reference defaults.
func DefaultCognitiveLoopDetectorConfig() CognitiveLoopDetectorConfig {
	return CognitiveLoopDetectorConfig{
		Model:               "scout",
		CheckAfterTurns:     30,
		CheckInterval:       3,
		ConfidenceThreshold: 0.95,
		HistoryCount:        20,
	}
}

// NewCognitiveLoopDetector creates a cognitive detector against scout.
func NewCognitiveLoopDetector(scout LoopScoutClient, cfg CognitiveLoopDetectorConfig, logger *zap.Logger) *CognitiveLoopDetector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.CheckAfterTurns <= 0 {
		cfg.CheckAfterTurns = 30
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 3
	}
	if cfg.ConfidenceThreshold <= 0 {
		cfg.ConfidenceThreshold = 0.95
	}
	if cfg.HistoryCount <= 0 {
		cfg.HistoryCount = 20
	}
	return &CognitiveLoopDetector{
		scout:               scout,
		model:               cfg.Model,
		checkAfterTurns:     cfg.CheckAfterTurns,
		checkInterval:       cfg.CheckInterval,
		confidenceThreshold: cfg.ConfidenceThreshold,
		historyCount:        cfg.HistoryCount,
		logger:              logger,
	}
}

// ShouldCheck reports whether iteration warrants a scout call: after the
// initial warm-up period, then every checkInterval turns.
func (d *CognitiveLoopDetector) ShouldCheck(iteration int) bool {
	if iteration < d.checkAfterTurns {
		return false
	}
	return (iteration-d.checkAfterTurns)%d.checkInterval == 0
}

const cognitiveScoutSystemPrompt = `You evaluate whether an AI agent's recent turns show it is stuck in an
unproductive loop (repeating the same failed approach, oscillating between
two strategies without progress, or re-deriving the same conclusion).
Respond with a JSON object: {"is_stuck": bool, "confidence": number between
0 and 1, "reasoning": short string}. Only JSON, nothing else.`

// Check asks the scout model to classify the tail of the conversation.
// Returns ok=false if the scout call fails or doesn't parse — a cognitive
// check failure is never fatal to the run.
func (d *CognitiveLoopDetector) Check(ctx context.Context, mem *Memory) (CognitiveCheckResult, bool) {
	if d.scout == nil || mem == nil {
		return CognitiveCheckResult{}, false
	}
	history := mem.Messages()
	if len(history) > d.historyCount {
		history = history[len(history)-d.historyCount:]
	}

	raw, err := d.scout.ChatCompletion(ctx, cognitiveScoutSystemPrompt, history, "Is this agent stuck?", d.model)
	if err != nil {
		d.logger.Debug("cognitive loop check failed", zap.Error(err))
		return CognitiveCheckResult{}, false
	}

	var result CognitiveCheckResult
	if err := json.Unmarshal([]byte(extractJSONObject(raw)), &result); err != nil {
		d.logger.Debug("cognitive loop check unparsable", zap.String("raw", raw))
		return CognitiveCheckResult{}, false
	}
	return result, true
}

// Fires reports whether a parsed result crosses the confidence threshold.
func (d *CognitiveLoopDetector) Fires(result CognitiveCheckResult) bool {
	return result.IsStuck && result.Confidence >= d.confidenceThreshold
}

func extractJSONObject(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end == -1 || end < start {
		return s
	}
	return s[start : end+1]
}

// --- Coordinator ---

// LoopDetectionConfig bundles the three detectors' tunables.
type LoopDetectionConfig struct {
	ToolRepetitionThreshold   int
	ContentChunkSize          int
	ContentThreshold          int
	ContentDistanceMultiplier int
	Cognitive                 CognitiveLoopDetectorConfig
}

// DefaultLoopDetectionConfig returns the reference defaults for all three
// signals.
func DefaultLoopDetectionConfig() LoopDetectionConfig {
	return LoopDetectionConfig{
		ToolRepetitionThreshold:   defaultToolRepetitionThreshold,
		ContentChunkSize:          defaultContentChunkSize,
		ContentThreshold:          defaultContentThreshold,
		ContentDistanceMultiplier: defaultDistanceMultiplier,
		Cognitive:                 DefaultCognitiveLoopDetectorConfig(),
	}
}

// LoopDetectionService coordinates the three signals for a single run and
// short-circuits once a loop has fired — once detected, the run is aborting
// anyway, so further checks are both wasted work and noise.
type LoopDetectionService struct {
	mu                 sync.Mutex
	toolDetector       *ToolCallDetector
	contentDetector    *ContentLoopDetector
	cognitiveDetector  *CognitiveLoopDetector
	loopDetected       bool
	disabledForSession bool
	logger             *zap.Logger
}

// NewLoopDetectionService wires up all three detectors from cfg. scout may be
// nil, in which case the cognitive signal is a no-op.
func NewLoopDetectionService(cfg LoopDetectionConfig, scout LoopScoutClient, logger *zap.Logger) *LoopDetectionService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LoopDetectionService{
		toolDetector:      NewToolCallDetector(cfg.ToolRepetitionThreshold),
		contentDetector:   NewContentLoopDetector(cfg.ContentChunkSize, cfg.ContentThreshold, cfg.ContentDistanceMultiplier),
		cognitiveDetector: NewCognitiveLoopDetector(scout, cfg.Cognitive, logger),
		logger:            logger,
	}
}

// DisableForSession turns off all detection for the remainder of the run
// (used for sub-agent runs or explicit opt-out).
func (s *LoopDetectionService) DisableForSession() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disabledForSession = true
}

// CheckToolCall records a tool call and returns a fired event, if any.
func (s *LoopDetectionService) CheckToolCall(sessionID string, iteration int, name string, args map[string]interface{}) *LoopDetectedEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loopDetected || s.disabledForSession {
		return nil
	}
	if s.toolDetector.Check(name, args) {
		s.loopDetected = true
		return &LoopDetectedEvent{LoopType: LoopToolRepetition, SessionID: sessionID, Iteration: iteration}
	}
	return nil
}

// CheckContent records newly generated text and returns a fired event, if any.
func (s *LoopDetectionService) CheckContent(sessionID string, iteration int, text string) *LoopDetectedEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loopDetected || s.disabledForSession {
		return nil
	}
	if s.contentDetector.Check(text) {
		s.loopDetected = true
		return &LoopDetectedEvent{LoopType: LoopContentRepetition, SessionID: sessionID, Iteration: iteration}
	}
	return nil
}

// CheckCognitive asks the scout model if warranted by iteration cadence.
func (s *LoopDetectionService) CheckCognitive(ctx context.Context, sessionID string, iteration int, mem *Memory) *LoopDetectedEvent {
	s.mu.Lock()
	if s.loopDetected || s.disabledForSession || !s.cognitiveDetector.ShouldCheck(iteration) {
		s.mu.Unlock()
		return nil
	}
	detector := s.cognitiveDetector
	s.mu.Unlock()

	result, ok := detector.Check(ctx, mem)
	if !ok {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loopDetected {
		return nil
	}
	if detector.Fires(result) {
		s.loopDetected = true
		return &LoopDetectedEvent{LoopType: LoopCognitive, SessionID: sessionID, Iteration: iteration, Reasoning: result.Reasoning}
	}
	return nil
}

// OnToolCallRecovered resets content tracking after a recovered tool call,
// per spec: recovered calls reset content tracking but still pass through
// the tool-call detector like any other call.
func (s *LoopDetectionService) OnToolCallRecovered() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contentDetector.Reset()
}

// Reset clears all detector state and the already-fired flag (start of run).
func (s *LoopDetectionService) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.toolDetector.Reset()
	s.contentDetector.Reset()
	s.loopDetected = false
	s.disabledForSession = false
}
