package x402

import (
	"context"
	"time"
)

// SettleContext is passed to settle hooks before the settlement executes.
type SettleContext struct {
	Ctx          context.Context
	Payload      PaymentPayload
	Requirements PaymentRequirements
	Timestamp    time.Time
}

// SettleResultContext is passed to settle hooks after the settlement ran.
type SettleResultContext struct {
	SettleContext
	Result   SettleResponse
	Duration time.Duration
}

// BeforeHookResult lets a before-hook abort the settlement with a reason.
type BeforeHookResult struct {
	Abort  bool
	Reason string
}

// BeforeSettleHook runs before a settlement commits. Returning an error or
// an aborting result rejects the settlement with zero state mutation. Hooks
// run outside the engine's writer lock and may call back into the engine.
type BeforeSettleHook func(ctx SettleContext) (*BeforeHookResult, error)

// AfterSettleHook runs after a settlement attempt, successful or not. Hook
// errors are logged and never affect the settlement outcome. Like before
// hooks, after hooks run outside the writer lock.
type AfterSettleHook func(ctx SettleResultContext) error

// OnBeforeSettle registers a before-settle hook.
func (e *Engine) OnBeforeSettle(hook BeforeSettleHook) *Engine {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.beforeSettleHooks = append(e.beforeSettleHooks, hook)
	return e
}

// OnAfterSettle registers an after-settle hook.
func (e *Engine) OnAfterSettle(hook AfterSettleHook) *Engine {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.afterSettleHooks = append(e.afterSettleHooks, hook)
	return e
}
