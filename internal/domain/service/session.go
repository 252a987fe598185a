package service

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SessionStatus is the coarse lifecycle state a transport can display.
type SessionStatus string

const (
	SessionIdle       SessionStatus = "idle"
	SessionProcessing SessionStatus = "processing"
	SessionCompleted  SessionStatus = "completed"
	SessionTimedOut   SessionStatus = "timed_out"
	SessionError      SessionStatus = "error"
)

// StatusInfo is the full status value: the coarse state plus progress detail
// while processing and the error message when failed.
type StatusInfo struct {
	Status  SessionStatus
	Step    string
	Percent int
	Message string
}

// CancellationToken is a broadcast cancellation handle. Cancel is idempotent
// and observable by every task holding the token; child tokens derive from a
// parent and are cancelled with it, never the other way around.
type CancellationToken struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// NewCancellationToken creates a root token.
func NewCancellationToken() *CancellationToken {
	ctx, cancel := context.WithCancel(context.Background())
	return &CancellationToken{ctx: ctx, cancel: cancel}
}

// Child derives a token that is cancelled whenever the parent is. Used for
// sub-agent runs — a sub-agent never holds the parent's own token.
func (t *CancellationToken) Child() *CancellationToken {
	ctx, cancel := context.WithCancel(t.ctx)
	return &CancellationToken{ctx: ctx, cancel: cancel}
}

// Context exposes the token as a context for passing into runs and tools.
func (t *CancellationToken) Context() context.Context { return t.ctx }

// Cancel broadcasts cancellation. Safe to call multiple times.
func (t *CancellationToken) Cancel() { t.cancel() }

// IsCancelled reports whether the token has been cancelled.
func (t *CancellationToken) IsCancelled() bool {
	return t.ctx.Err() != nil
}

// SkillResolver maps tool names to the skill bound to them, if any. The
// SkillRegistry implements this; Session composes it with per-session
// loaded-skill tracking to satisfy SkillSource.
type SkillResolver interface {
	SkillForTool(toolName string) (*BoundSkill, bool)
}

// Session is the per-conversation state: a stable id, conversational memory,
// a renewable cancellation handle, the loaded-skill set with its cumulative
// token cost, and the current task id. One Runner task at most is in flight
// per session; runMu is held for the duration of a run.
type Session struct {
	ID string

	mu            sync.Mutex
	runMu         sync.Mutex
	memory        *Memory
	token         *CancellationToken
	status        StatusInfo
	taskID        string
	loadedSkills  map[string]bool
	skillTokens   int
	skillResolver SkillResolver
	sandbox       interface{}
	logger        *zap.Logger
}

// NewSession creates an idle session with fresh memory and a live token.
func NewSession(id string, maxTokens int, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		ID:           id,
		memory:       NewMemory(maxTokens, logger),
		token:        NewCancellationToken(),
		status:       StatusInfo{Status: SessionIdle},
		loadedSkills: make(map[string]bool),
		logger:       logger,
	}
}

// NewEphemeralSession creates the sub-agent variant: same shape, fresh
// memory, a cancellation token that is a child of the parent's. It is
// discarded when the sub-agent run ends and never touches parent state.
func NewEphemeralSession(parent *Session, maxTokens int) *Session {
	s := NewSession("sub_"+uuid.NewString(), maxTokens, parent.logger)
	parent.mu.Lock()
	s.token = parent.token.Child()
	s.skillResolver = parent.skillResolver
	parent.mu.Unlock()
	return s
}

// Memory returns the session's conversational memory. The Runner borrows it
// for the duration of one run; nothing else mutates it.
func (s *Session) Memory() *Memory {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.memory
}

// Token returns the current cancellation token.
func (s *Session) Token() *CancellationToken {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

// RenewToken replaces a cancelled token with a fresh one so the next run
// starts clean. The old token stays cancelled for whoever still holds it.
func (s *Session) RenewToken() *CancellationToken {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = NewCancellationToken()
	return s.token
}

// Cancel broadcasts cancellation to the current token (and all children).
func (s *Session) Cancel() {
	s.Token().Cancel()
}

// Status returns the current status value.
func (s *Session) Status() StatusInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// SetStatus replaces the status value.
func (s *Session) SetStatus(info StatusInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = info
}

// SetProcessing marks the session as processing with progress detail.
func (s *Session) SetProcessing(step string, percent int) {
	s.SetStatus(StatusInfo{Status: SessionProcessing, Step: step, Percent: percent})
}

// SetError marks the session failed with a message.
func (s *Session) SetError(msg string) {
	s.SetStatus(StatusInfo{Status: SessionError, Message: msg})
}

// BeginTask assigns a fresh opaque task id for the run about to start and
// returns it.
func (s *Session) BeginTask() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.taskID = uuid.NewString()
	s.status = StatusInfo{Status: SessionProcessing}
	return s.taskID
}

// TaskID returns the id of the current (or most recent) run.
func (s *Session) TaskID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.taskID
}

// SetSkillResolver wires the process-wide skill registry into this session.
func (s *Session) SetSkillResolver(r SkillResolver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.skillResolver = r
}

// SkillForTool implements SkillSource.
func (s *Session) SkillForTool(toolName string) (*BoundSkill, bool) {
	s.mu.Lock()
	resolver := s.skillResolver
	s.mu.Unlock()
	if resolver == nil {
		return nil, false
	}
	return resolver.SkillForTool(toolName)
}

// IsSkillLoaded implements SkillSource.
func (s *Session) IsSkillLoaded(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadedSkills[name]
}

// MarkSkillLoaded implements SkillSource, accumulating the session's skill
// token cost.
func (s *Session) MarkSkillLoaded(name string, tokenCount int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadedSkills[name] {
		return
	}
	s.loadedSkills[name] = true
	s.skillTokens += tokenCount
}

// SkillTokens returns the cumulative token cost of skills loaded into this
// session.
func (s *Session) SkillTokens() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.skillTokens
}

// LoadedSkills returns the names of skills loaded into this session.
func (s *Session) LoadedSkills() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.loadedSkills))
	for name := range s.loadedSkills {
		out = append(out, name)
	}
	return out
}

// SetSandbox attaches a sandbox handle. The handle survives Reset.
func (s *Session) SetSandbox(sb interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sandbox = sb
}

// Sandbox returns the attached sandbox handle, if any.
func (s *Session) Sandbox() interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sandbox
}

// TryBeginRun claims the session's single run slot without blocking. Returns
// false when a run is already in flight.
func (s *Session) TryBeginRun() bool {
	return s.runMu.TryLock()
}

// EndRun releases the run slot claimed by TryBeginRun.
func (s *Session) EndRun() {
	s.runMu.Unlock()
}

// IsRunning reports whether a run is in flight, without blocking: if the run
// slot cannot be claimed immediately, something holds it.
func (s *Session) IsRunning() bool {
	if s.runMu.TryLock() {
		s.runMu.Unlock()
		return false
	}
	return true
}

// Reset clears memory and todos and resets status. The sandbox handle and
// loaded-skill accounting are preserved: the sandbox may hold working files,
// and reinjecting an already-seen skill would only waste tokens. Fails when a
// run is in flight.
func (s *Session) Reset() error {
	if !s.TryBeginRun() {
		return ErrSessionRunning
	}
	defer s.EndRun()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.memory.Clear()
	s.status = StatusInfo{Status: SessionIdle}
	s.taskID = ""
	return nil
}

// ClearTodos drops only the todo list. Never blocks on a running task — the
// todo list has its own lock inside Memory.
func (s *Session) ClearTodos() {
	s.Memory().ClearTodos()
}

type sessionCtxKey struct{}

// WithSession stores the active session in the context so tools invoked
// within the run (delegation, todos) can reach per-session state.
func WithSession(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, sessionCtxKey{}, s)
}

// SessionFromContext returns the active session, or nil outside a run.
func SessionFromContext(ctx context.Context) *Session {
	if s, ok := ctx.Value(sessionCtxKey{}).(*Session); ok {
		return s
	}
	return nil
}
