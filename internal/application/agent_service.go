package application

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/corvid-run/agentcore/internal/domain/entity"
	"github.com/corvid-run/agentcore/internal/domain/memory"
	"github.com/corvid-run/agentcore/internal/domain/service"
	"github.com/corvid-run/agentcore/internal/infrastructure/persistence"
	"github.com/corvid-run/agentcore/internal/infrastructure/skills"
)

// AgentService is the transport-neutral entry point for running the agent:
// it owns the session lifecycle around each run (interrupt + token renewal,
// skill prompt on first interaction, long-term memory recall, status
// transitions, snapshot persistence) so HTTP, gRPC, and CLI surfaces all get
// identical semantics.
type AgentService struct {
	loop           *service.AgentLoop
	sessions       *service.SessionRegistry
	skillReg       *skills.Registry
	longTermMemory *memory.MemoryManager
	snapshots      *persistence.GormSessionSnapshotRepository
	maxTokens      int
	logger         *zap.Logger
}

// NewAgentService wires the run orchestrator. skillReg, longTermMemory, and
// snapshots may be nil; the corresponding feature is simply skipped.
func NewAgentService(
	loop *service.AgentLoop,
	sessions *service.SessionRegistry,
	skillReg *skills.Registry,
	longTermMemory *memory.MemoryManager,
	snapshots *persistence.GormSessionSnapshotRepository,
	maxTokens int,
	logger *zap.Logger,
) *AgentService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AgentService{
		loop:           loop,
		sessions:       sessions,
		skillReg:       skillReg,
		longTermMemory: longTermMemory,
		snapshots:      snapshots,
		maxTokens:      maxTokens,
		logger:         logger,
	}
}

// runSlotWait bounds how long a new message waits for the previous
// (just-cancelled) run to release the session's run slot.
const runSlotWait = 3 * time.Second

// Run executes one task on the named session. A run already in flight for
// the session is cancelled first (interrupt semantics); the session then
// gets a fresh token so the new run starts clean. The caller must drain the
// returned event channel.
func (s *AgentService) Run(ctx context.Context, sessionID, systemPrompt, userMessage, modelOverride string) (*service.AgentResult, <-chan entity.AgentEvent, error) {
	sess := s.session(sessionID)

	// Interrupt: cancel whatever the session is doing, then start clean.
	sess.Cancel()
	token := sess.RenewToken()

	if !s.claimRunSlot(sess) {
		return nil, nil, fmt.Errorf("session %s is busy", sessionID)
	}
	sess.BeginTask()

	runCtx, runCancel := context.WithCancel(token.Context())
	runCtx = service.WithSession(runCtx, sess)
	go func() {
		select {
		case <-ctx.Done():
			runCancel()
		case <-runCtx.Done():
		}
	}()

	systemPrompt = s.enrichPrompt(runCtx, sess, systemPrompt, userMessage)

	result, eventCh := s.loop.Run(runCtx, systemPrompt, userMessage, nil, modelOverride)

	// Wrap the event stream so completion bookkeeping happens exactly when
	// the run ends, regardless of which transport is draining.
	out := make(chan entity.AgentEvent, 16)
	go func() {
		defer close(out)
		defer sess.EndRun()
		defer runCancel()
		failed := false
		for ev := range eventCh {
			if ev.Type == entity.EventError || ev.Type == entity.EventLoopDetected {
				failed = true
			}
			select {
			case out <- ev:
			default:
				// Slow or absent consumer: progress delivery is best-effort.
			}
		}
		if token.IsCancelled() {
			sess.SetError("cancelled")
			sess.ClearTodos()
		} else if failed {
			sess.SetError(result.FinalContent)
		} else {
			sess.SetStatus(service.StatusInfo{Status: service.SessionCompleted})
		}
		s.persistSnapshot(sess)
	}()

	return result, out, nil
}

// Cancel broadcasts cancellation to the session's current run.
func (s *AgentService) Cancel(sessionID string) error {
	return s.sessions.Cancel(sessionID)
}

// Reset clears the session's memory and todos; fails while a run is live.
func (s *AgentService) Reset(sessionID string) error {
	if err := s.sessions.Reset(sessionID); err != nil {
		return err
	}
	if s.snapshots != nil {
		_ = s.snapshots.Delete(context.Background(), sessionID)
	}
	return nil
}

// Status returns the session's status, or idle for an unknown session.
func (s *AgentService) Status(sessionID string) service.StatusInfo {
	sess := s.sessions.Get(sessionID)
	if sess == nil {
		return service.StatusInfo{Status: service.SessionIdle}
	}
	return sess.Status()
}

// IsRunning reports whether the session has a run in flight.
func (s *AgentService) IsRunning(sessionID string) bool {
	return s.sessions.IsRunning(sessionID)
}

func (s *AgentService) session(sessionID string) *service.Session {
	return s.sessions.GetOrCreate(sessionID, func() *service.Session {
		sess := service.NewSession(sessionID, s.maxTokens, s.logger)
		if s.skillReg != nil {
			sess.SetSkillResolver(s.skillReg)
		}
		return sess
	})
}

// claimRunSlot waits briefly for the previous run to observe its
// cancellation and release the slot.
func (s *AgentService) claimRunSlot(sess *service.Session) bool {
	deadline := time.Now().Add(runSlotWait)
	for {
		if sess.TryBeginRun() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// enrichPrompt folds long-term memory recall and, on the session's first
// interaction, the skill selection pass into the system prompt.
func (s *AgentService) enrichPrompt(ctx context.Context, sess *service.Session, systemPrompt, userMessage string) string {
	if s.longTermMemory != nil {
		if entries, err := s.longTermMemory.Recall(ctx, userMessage, 3, nil); err == nil && len(entries) > 0 {
			var sb strings.Builder
			sb.WriteString("\n\nRelevant long-term memory:\n")
			for _, e := range entries {
				sb.WriteString("- ")
				sb.WriteString(e.Content)
				sb.WriteString("\n")
			}
			systemPrompt += sb.String()
		}
	}

	if s.skillReg != nil && len(sess.Memory().Messages()) == 0 {
		selection := s.skillReg.SelectForMessage(ctx, userMessage)
		if selection.Prompt != "" {
			if systemPrompt != "" {
				systemPrompt += "\n\n"
			}
			systemPrompt += selection.Prompt
			for _, sel := range selection.Selection.Selected {
				sess.MarkSkillLoaded(sel.Name, sel.TokenCount)
			}
		}
	}
	return systemPrompt
}

// persistSnapshot writes the session's memory/todos/skill accounting to the
// snapshot store. Best-effort: a failed write only costs durability.
func (s *AgentService) persistSnapshot(sess *service.Session) {
	if s.snapshots == nil {
		return
	}
	memJSON, err := json.Marshal(sess.Memory().Messages())
	if err != nil {
		return
	}
	todosJSON, err := json.Marshal(sess.Memory().Todos())
	if err != nil {
		return
	}
	snap := &persistence.SessionSnapshot{
		SessionID:    sess.ID,
		Memory:       memJSON,
		Todos:        todosJSON,
		LoadedSkills: sess.LoadedSkills(),
		SkillTokens:  sess.SkillTokens(),
	}
	if err := s.snapshots.Save(context.Background(), snap); err != nil {
		s.logger.Warn("session snapshot save failed", zap.String("session_id", sess.ID), zap.Error(err))
	}
}
