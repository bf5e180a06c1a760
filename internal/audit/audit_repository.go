package audit

import (
	"context"
	"fmt"
	"sync"

	"github.com/openquant/brokerlink/model"
	"gorm.io/gorm"
)

type AuditEventRepository interface {
	RecordEvent(ctx context.Context, event *model.AuditEvent) error
}

type auditEventRepository struct {
	db *gorm.DB
}

func (r *auditEventRepository) RecordEvent(ctx context.Context, event *model.AuditEvent) error {
	if err := r.db.WithContext(ctx).Create(event).Error; err != nil {
		return fmt.Errorf("failed to record audit event: %w", err)
	}
	return nil
}

func NewAuditEventRepository(db *gorm.DB) AuditEventRepository {
	return &auditEventRepository{
		db: db,
	}
}

// MemoryAuditEventRepository keeps events in memory for tests and
// offline runs.
type MemoryAuditEventRepository struct {
	mu     sync.Mutex
	events []model.AuditEvent
}

func (r *MemoryAuditEventRepository) RecordEvent(ctx context.Context, event *model.AuditEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, *event)
	return nil
}

func (r *MemoryAuditEventRepository) Events() []model.AuditEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.AuditEvent, len(r.events))
	copy(out, r.events)
	return out
}

func NewMemoryAuditEventRepository() *MemoryAuditEventRepository {
	return &MemoryAuditEventRepository{}
}
