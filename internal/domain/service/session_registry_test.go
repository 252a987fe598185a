package service

import (
	"errors"
	"sync"
	"testing"

	"github.com/corvid-run/agentcore/internal/domain/entity"
)

func newTestSession(id string) *Session {
	return NewSession(id, 128000, nil)
}

func TestSessionRegistry_GetOrCreate(t *testing.T) {
	reg := NewSessionRegistry(nil)
	s1 := reg.GetOrCreate("chat-1", func() *Session { return newTestSession("chat-1") })
	s2 := reg.GetOrCreate("chat-1", func() *Session { t.Fatal("factory must not run twice"); return nil })
	if s1 != s2 {
		t.Fatal("expected the same session instance")
	}
	if reg.Len() != 1 {
		t.Fatalf("expected 1 session, got %d", reg.Len())
	}
}

func TestSessionRegistry_GetOrCreateConcurrent(t *testing.T) {
	reg := NewSessionRegistry(nil)
	var wg sync.WaitGroup
	results := make([]*Session, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = reg.GetOrCreate("chat-1", func() *Session { return newTestSession("chat-1") })
		}(i)
	}
	wg.Wait()
	for i := 1; i < 16; i++ {
		if results[i] != results[0] {
			t.Fatal("all goroutines must see the same session")
		}
	}
}

func TestSessionRegistry_InsertDuplicateFails(t *testing.T) {
	reg := NewSessionRegistry(nil)
	if err := reg.Insert("a", newTestSession("a")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := reg.Insert("a", newTestSession("a")); !errors.Is(err, ErrSessionExists) {
		t.Fatalf("expected ErrSessionExists, got %v", err)
	}
}

func TestSessionRegistry_MissingSessionErrors(t *testing.T) {
	reg := NewSessionRegistry(nil)
	if err := reg.Cancel("nope"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
	if err := reg.Reset("nope"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
	if reg.IsRunning("nope") {
		t.Fatal("absent session must not be running")
	}
}

func TestSession_CancelBroadcastsToChildren(t *testing.T) {
	s := newTestSession("parent")
	child := s.Token().Child()
	s.Cancel()
	if !child.IsCancelled() {
		t.Fatal("cancelling the parent must cancel child tokens")
	}
}

func TestSession_ChildCancelDoesNotPropagateUp(t *testing.T) {
	s := newTestSession("parent")
	child := s.Token().Child()
	child.Cancel()
	if s.Token().IsCancelled() {
		t.Fatal("cancelling a child must not cancel the parent")
	}
}

func TestSession_RenewTokenStartsClean(t *testing.T) {
	s := newTestSession("s")
	old := s.Token()
	s.Cancel()
	fresh := s.RenewToken()
	if !old.IsCancelled() {
		t.Fatal("old token must stay cancelled")
	}
	if fresh.IsCancelled() {
		t.Fatal("renewed token must start uncancelled")
	}
}

func TestSession_ResetFailsWhileRunning(t *testing.T) {
	reg := NewSessionRegistry(nil)
	s := reg.GetOrCreate("s", func() *Session { return newTestSession("s") })
	if !s.TryBeginRun() {
		t.Fatal("expected to claim the run slot")
	}
	defer s.EndRun()

	if !reg.IsRunning("s") {
		t.Fatal("IsRunning must see the claimed slot")
	}
	if err := reg.Reset("s"); !errors.Is(err, ErrSessionRunning) {
		t.Fatalf("expected ErrSessionRunning, got %v", err)
	}
}

func TestSession_ResetClearsMemoryKeepsSandbox(t *testing.T) {
	s := newTestSession("s")
	s.SetSandbox("sandbox-handle")
	s.Memory().AddMessage(LLMMessage{Role: "user", Content: "hello"})
	s.Memory().SetTodos([]entity.TodoItem{{Content: "x", Status: entity.TodoPending}})

	if err := s.Reset(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(s.Memory().Messages()) != 0 {
		t.Fatal("reset must clear messages")
	}
	if _, total := s.Memory().Todos().Counts(); total != 0 {
		t.Fatal("reset must clear todos")
	}
	if s.Sandbox() != "sandbox-handle" {
		t.Fatal("reset must keep the sandbox handle")
	}
}

func TestSession_ClearTodosDoesNotBlockRunningTask(t *testing.T) {
	reg := NewSessionRegistry(nil)
	s := reg.GetOrCreate("s", func() *Session { return newTestSession("s") })
	if !s.TryBeginRun() {
		t.Fatal("expected to claim the run slot")
	}
	defer s.EndRun()

	s.Memory().SetTodos([]entity.TodoItem{{Content: "x", Status: entity.TodoPending}})
	if err := reg.ClearTodos("s"); err != nil {
		t.Fatalf("ClearTodos must not fail while running: %v", err)
	}
	if _, total := s.Memory().Todos().Counts(); total != 0 {
		t.Fatal("todos must be cleared")
	}
}

func TestSession_SkillLoadedIdempotent(t *testing.T) {
	s := newTestSession("s")
	s.MarkSkillLoaded("pdf", 120)
	s.MarkSkillLoaded("pdf", 120)
	if s.SkillTokens() != 120 {
		t.Fatalf("expected 120 skill tokens, got %d", s.SkillTokens())
	}
	if !s.IsSkillLoaded("pdf") {
		t.Fatal("skill must be marked loaded")
	}
}

func TestEphemeralSession_ChildOfParent(t *testing.T) {
	parent := newTestSession("parent")
	parent.Memory().AddMessage(LLMMessage{Role: "user", Content: "parent context"})
	sub := NewEphemeralSession(parent, 64000)

	if sub.ID == parent.ID {
		t.Fatal("ephemeral session needs its own id")
	}
	if len(sub.Memory().Messages()) != 0 {
		t.Fatal("ephemeral session must start with empty memory")
	}

	parent.Cancel()
	if !sub.Token().IsCancelled() {
		t.Fatal("parent cancellation must reach the ephemeral session")
	}
}

func TestEphemeralSession_CancelDoesNotTouchParentTodos(t *testing.T) {
	parent := newTestSession("parent")
	parent.Memory().SetTodos([]entity.TodoItem{{Content: "keep me", Status: entity.TodoPending}})
	sub := NewEphemeralSession(parent, 64000)

	sub.Cancel()
	sub.ClearTodos()

	if _, total := parent.Memory().Todos().Counts(); total != 1 {
		t.Fatal("sub-agent cancellation must not mutate parent todos")
	}
	if parent.Token().IsCancelled() {
		t.Fatal("sub-agent cancellation must not cancel the parent")
	}
}

func TestSessionRegistry_RemoveCancels(t *testing.T) {
	reg := NewSessionRegistry(nil)
	s := reg.GetOrCreate("s", func() *Session { return newTestSession("s") })
	token := s.Token()
	reg.Remove("s")
	if reg.Get("s") != nil {
		t.Fatal("session must be gone after Remove")
	}
	if !token.IsCancelled() {
		t.Fatal("Remove must cancel the session token")
	}
}
