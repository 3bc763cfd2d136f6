package audit

import (
	"context"

	"github.com/lalithlochan/courier/internal/db"
)

// StoreWriter is implemented by db.Repository and db.MemoryStore.
type StoreWriter interface {
	InsertAuditLogs(ctx context.Context, entries []*db.AuditLogEntry) error
}

// StoreSink writes audit batches to the notification store.
type StoreSink struct {
	store StoreWriter
}

func NewStoreSink(store StoreWriter) *StoreSink {
	return &StoreSink{store: store}
}

func (s *StoreSink) Name() string { return "store" }

func (s *StoreSink) Write(ctx context.Context, entries []*db.AuditLogEntry) error {
	return s.store.InsertAuditLogs(ctx, entries)
}
