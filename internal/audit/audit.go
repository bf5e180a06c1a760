package audit

import (
	"context"
	"log/slog"
	"sync"

	"github.com/openquant/brokerlink/model"
)

var auditRepo AuditEventRepository
var initOnce sync.Once

func Initialize(repo AuditEventRepository) {
	initOnce.Do(func() {
		auditRepo = repo
	})
}

const (
	ActionSetupInitiated   = "setup_initiated"
	ActionCallbackVerified = "callback_verified"
	ActionTokenExchanged   = "token_exchanged"
	ActionTokenRefreshed   = "token_refreshed"
	ActionDisconnected     = "disconnected"
	ActionFailedInitiate   = "failed_initiate"
	ActionFailedCallback   = "failed_callback"
	ActionFailedExchange   = "failed_exchange"
	ActionFailedRefresh    = "failed_refresh"
)

const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// Entry is one security-relevant outcome. Detail must never contain
// plaintext secrets, only identifiers and enum states.
type Entry struct {
	ConfigID  uint64
	UserID    string
	Action    string
	Status    string
	Detail    string
	IP        string
	UserAgent string
}

// Record appends an audit event. It never fails the enclosing security
// operation: a write error is reported on the process log and swallowed,
// since losing one audit row is less harmful than failing a user's
// authentication.
func Record(ctx context.Context, entry Entry) {
	if auditRepo == nil {
		slog.Error("Audit repository not initialized, dropping audit event",
			"action", entry.Action, "status", entry.Status)
		return
	}
	err := auditRepo.RecordEvent(ctx, &model.AuditEvent{
		ConfigID:  entry.ConfigID,
		UserID:    entry.UserID,
		Action:    entry.Action,
		Status:    entry.Status,
		Detail:    entry.Detail,
		IP:        entry.IP,
		UserAgent: entry.UserAgent,
	})
	if err != nil {
		slog.Error("Failed to record audit event",
			"action", entry.Action, "status", entry.Status, "configId", entry.ConfigID, "error", err)
	}
}
