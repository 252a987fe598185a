package service

import (
	"fmt"
	"math/rand"
	"time"

	"context"

	"github.com/corvid-run/agentcore/internal/domain/entity"
	"go.uber.org/zap"
)

// callLLMWithRetry calls the LLM with automatic retry and exponential backoff.
// On transient errors (timeout, network), retries up to MaxRetries times.
// Emits retry events so the user knows what's happening.
func (a *AgentLoop) callLLMWithRetry(ctx context.Context, req *LLMRequest, step int, eventCh chan<- entity.AgentEvent) (*LLMResponse, error) {
	var lastErr error

	for attempt := 0; attempt <= a.config.MaxRetries; attempt++ {
		if attempt > 0 {
			// Exponential backoff with jitter: 2s, 4s, 8s... ±25%
			wait := a.config.RetryBaseWait * (1 << (attempt - 1))
			if wait > 0 {
				wait += time.Duration(rand.Int63n(int64(wait)/2+1)) - wait/4
			}

			a.logger.Info("Retrying LLM call",
				zap.Int("attempt", attempt),
				zap.Int("max_retries", a.config.MaxRetries),
				zap.Duration("wait", wait),
				zap.Error(lastErr),
			)

			a.emitEvent(eventCh, entity.AgentEvent{
				Type:    entity.EventThinking,
				Content: fmt.Sprintf("⚡ LLM call failed, retrying (%d/%d) in %s...", attempt, a.config.MaxRetries, wait),
			})

			// Wait with cancellation support
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		// Try streaming first — forward text deltas in real time
		deltaCh := make(chan StreamChunk, 128)

		// Forward deltas to event channel in a goroutine
		done := make(chan struct{})
		go func() {
			defer close(done)
			for chunk := range deltaCh {
				if chunk.DeltaText != "" {
					a.emitEvent(eventCh, entity.AgentEvent{
						Type:    entity.EventTextDelta,
						Content: chunk.DeltaText,
					})
				}
				// Tool call deltas are accumulated by GenerateStream
				// and returned in the final LLMResponse — no need to emit here
			}
		}()

		// Per-call timeout: prevent individual LLM calls from hanging forever.
		// SSE streams can stall after headers arrive (ResponseHeaderTimeout won't help).
		// 3 minutes is generous for any single LLM inference — retries handle transients.
		callCtx, callCancel := context.WithTimeout(ctx, 3*time.Minute)

		a.logger.Info("[DIAG] LLM GenerateStream starting",
			zap.Int("step", step),
			zap.Int("attempt", attempt),
			zap.String("model", req.Model),
		)

		resp, err := a.llm.GenerateStream(callCtx, req, deltaCh)

		a.logger.Info("[DIAG] LLM GenerateStream returned",
			zap.Int("step", step),
			zap.Bool("has_error", err != nil),
			zap.Error(err),
		)

		callCancel()
		close(deltaCh)
		<-done // Wait for delta forwarding to finish

		a.logger.Info("[DIAG] Delta forwarding complete",
			zap.Int("step", step),
		)

		if err == nil {
			if attempt > 0 {
				a.logger.Info("LLM retry succeeded",
					zap.Int("attempt", attempt),
					zap.Int("step", step),
				)
			}
			return resp, nil
		}

		lastErr = err
		a.logger.Warn("LLM streaming call failed",
			zap.Int("attempt", attempt),
			zap.Int("step", step),
			zap.Error(err),
		)

		// A stall that hit the per-call deadline while the run is still live
		// is transient: retry it.
		if ctx.Err() == nil && callCtx.Err() == context.DeadlineExceeded {
			continue
		}

		// Classify via the shared error taxonomy: auth/4xx fail fast,
		// network/5xx/rate-limit keep retrying.
		if classified := ClassifyError(err, "", req.Model); !classified.IsRetryable() {
			return nil, fmt.Errorf("non-retryable LLM error (%s): %w", classified.Kind, err)
		}
	}

	return nil, fmt.Errorf("LLM call failed after %d retries: %w", a.config.MaxRetries, lastErr)
}
