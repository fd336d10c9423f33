// Package proxy exposes the metered inference surface: native and
// OpenAI-compatible chat endpoints, the model catalog, and backend health.
// Every completion flows through an Accountant that settles quota and writes
// the usage log exactly once, however the request ends.
package proxy

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/abcdllm/gateway/internal/backend"
	"github.com/abcdllm/gateway/internal/quota"
	"github.com/abcdllm/gateway/internal/security"
	"github.com/abcdllm/gateway/internal/usage"
)

// Accountant tracks one inference request from dispatch to settlement.
// Token counts arrive with the terminal chunk (or the single non-streaming
// response); Finalize settles the quota deduction and the usage-log write
// exactly once, whether the request ended normally, with an upstream error,
// or with the caller gone.
type Accountant struct {
	ledger   *quota.Ledger
	recorder *usage.Recorder
	events   *security.Recorder

	userID   string
	keyID    string
	model    string
	endpoint string
	clientIP string
	start    time.Time

	mu         sync.Mutex
	prompt     int64
	completion int64
	status     int
	isError    bool

	once     sync.Once
	quotaErr error
}

func NewAccountant(ledger *quota.Ledger, recorder *usage.Recorder, events *security.Recorder,
	userID, keyID, model, endpoint, clientIP string) *Accountant {
	return &Accountant{
		ledger:   ledger,
		recorder: recorder,
		events:   events,
		userID:   userID,
		keyID:    keyID,
		model:    model,
		endpoint: endpoint,
		clientIP: clientIP,
		start:    time.Now(),
		status:   200,
	}
}

// ObserveChunk inspects one streamed chunk. Only the terminal chunk carries
// token counts; everything before it is passed through untouched.
func (a *Accountant) ObserveChunk(chunk *backend.ChatResponse) {
	if !chunk.Done {
		return
	}
	a.SetUsage(chunk.PromptEvalCount, chunk.EvalCount)
}

// SetUsage records the token counts reported by the backend.
func (a *Accountant) SetUsage(prompt, completion int64) {
	a.mu.Lock()
	a.prompt, a.completion = prompt, completion
	a.mu.Unlock()
}

// Fail marks the request as errored with the given status.
func (a *Accountant) Fail(status int) {
	a.mu.Lock()
	a.status = status
	a.isError = true
	a.mu.Unlock()
}

// Finalize settles a streamed request: one quota deduction with the
// accumulated total (zero when no terminal chunk arrived) and one usage-log
// write. Idempotent; safe to defer and also call on the happy path. The
// settlement runs detached from the request context so a caller disconnect
// cannot abort it. An over-quota outcome is only logged here: the tokens are
// already on the wire, so the breach is recorded and the next request gets
// rejected up front.
func (a *Accountant) Finalize(ctx context.Context) {
	a.settle(ctx, false)
}

// Settle settles a non-streaming request. Unlike Finalize, the response has
// not been written yet, so an over-quota outcome is returned for the handler
// to reject with and the usage log records the rejection instead of a
// success.
func (a *Accountant) Settle(ctx context.Context) error {
	a.settle(ctx, true)
	return a.quotaErr
}

func (a *Accountant) settle(ctx context.Context, strict bool) {
	a.once.Do(func() {
		ctx = context.WithoutCancel(ctx)

		a.mu.Lock()
		prompt, completion := a.prompt, a.completion
		status, isError := a.status, a.isError
		a.mu.Unlock()

		total := prompt + completion
		if err := a.ledger.CheckAndDeduct(ctx, a.userID, total, a.keyID); err != nil {
			if e, ok := quota.IsExceeded(err); ok {
				a.events.Log(ctx, security.EventQuotaExceeded, security.SeverityLow, e.Error(), a.clientIP, a.userID)
				if strict {
					a.quotaErr = e
					status = http.StatusTooManyRequests
					isError = true
				} else {
					slog.Warn("proxy: quota exceeded at settlement", "user", a.userID, "tier", e.Tier, "tokens", total)
				}
			} else {
				slog.Warn("proxy: quota deduction failed", "user", a.userID, "tokens", total, "error", err)
			}
		}

		a.recorder.Record(ctx, usage.Entry{
			UserID:           a.userID,
			APIKeyID:         a.keyID,
			Model:            a.model,
			Endpoint:         a.endpoint,
			PromptTokens:     prompt,
			CompletionTokens: completion,
			Elapsed:          time.Since(a.start),
			StatusCode:       status,
			ClientIP:         a.clientIP,
			IsError:          isError,
		})
	})
}
