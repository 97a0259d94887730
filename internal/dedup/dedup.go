// Package dedup tracks processed message ids so consumers stay idempotent
// under at-least-once delivery.
package dedup

import (
	"context"
	"sync"
)

// Ledger records message ids per consumer group. Consumers call Seen before
// doing any work and MarkProcessed only after their state change commits, so
// a transient failure in between leaves the message eligible for redelivery
// instead of silently dropping it. A crash after the commit but before the
// mark redelivers a message the consumer's own state checks then absorb.
type Ledger interface {
	// Seen reports whether the message was already marked processed.
	Seen(ctx context.Context, group, messageID string) (bool, error)
	// MarkProcessed records the message. first is false when another marker
	// got there first.
	MarkProcessed(ctx context.Context, group, messageID string) (bool, error)
}

// MemoryLedger is a process-local ledger for tests and dev mode.
type MemoryLedger struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

// NewMemoryLedger constructs an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{seen: make(map[string]struct{})}
}

func (l *MemoryLedger) Seen(ctx context.Context, group, messageID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.seen[group+":"+messageID]
	return ok, nil
}

func (l *MemoryLedger) MarkProcessed(ctx context.Context, group, messageID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	key := group + ":" + messageID
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.seen[key]; ok {
		return false, nil
	}
	l.seen[key] = struct{}{}
	return true, nil
}
