package core

import "context"

type guardKey struct{}

// enter acquires the engine lock for a mutating operation and returns a
// context marked as the lock holder. A context already marked for this
// engine means a collaborator called back into it mid-operation; that is
// rejected rather than deadlocking. Detection rides on the ctx value, so a
// collaborator that drops the ctx it was handed is not caught here; the
// market interfaces document that contract.
func (e *Engine) enter(ctx context.Context) (context.Context, func(), error) {
	if e.holds(ctx) {
		return ctx, nil, ErrReentrantCall
	}
	e.mu.Lock()
	return context.WithValue(ctx, guardKey{}, e), e.mu.Unlock, nil
}

// view locks for a read unless ctx already holds the engine, in which case
// the read observes the in-flight operation's state.
func (e *Engine) view(ctx context.Context) func() {
	if e.holds(ctx) {
		return func() {}
	}
	e.mu.Lock()
	return e.mu.Unlock
}

func (e *Engine) holds(ctx context.Context) bool {
	owner, ok := ctx.Value(guardKey{}).(*Engine)
	return ok && owner == e
}
