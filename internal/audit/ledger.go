package audit

import (
	"context"
	"log"
	"sync/atomic"

	"caseline/internal/domain"
	"caseline/internal/executor"
)

// OperationClass for ledger writes in the executor.
const OperationClass = "audit-write"

// Store is the durable backing of the ledger; implemented by repo.Repo.
type Store interface {
	InsertAuditEntry(ctx context.Context, e domain.AuditEntry) error
	ListAuditEntries(ctx context.Context, f domain.AuditFilter) ([]domain.AuditEntry, error)
}

// Ledger records transition attempts. Writes go through the retry executor;
// when they still fail the entry is logged locally and a failure counter is
// bumped for alerting. A failed audit write never propagates to the
// transition that produced it.
type Ledger struct {
	Store Store
	Exec  *executor.Executor
	Log   *log.Logger

	failures atomic.Int64
}

func NewLedger(store Store, exec *executor.Executor) *Ledger {
	return &Ledger{Store: store, Exec: exec}
}

func (l *Ledger) logger() *log.Logger {
	if l.Log != nil {
		return l.Log
	}
	return log.Default()
}

// Record appends one entry, degrading to the local fallback log on failure.
func (l *Ledger) Record(ctx context.Context, e domain.AuditEntry) {
	err := l.Exec.Execute(ctx, OperationClass, func(ctx context.Context) error {
		return l.Store.InsertAuditEntry(ctx, e)
	})
	if err != nil {
		l.failures.Add(1)
		l.logger().Printf("audit: write failed, entry kept in log only: request=%s actor=%s action=%s outcome=%s: %v",
			e.RequestID, e.ActorID, e.Action, e.Outcome, err)
	}
}

// Query returns entries matching the filter, ordered by timestamp ascending.
func (l *Ledger) Query(ctx context.Context, f domain.AuditFilter) ([]domain.AuditEntry, error) {
	return l.Store.ListAuditEntries(ctx, f)
}

// WriteFailures reports how many entries could not be made durable.
func (l *Ledger) WriteFailures() int64 {
	return l.failures.Load()
}
