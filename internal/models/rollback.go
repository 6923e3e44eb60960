package models

import "time"

// RollbackStep records one stage of the rollback procedure.
type RollbackStep struct {
	Name      string         `json:"name"`
	Timestamp time.Time      `json:"timestamp"`
	Success   bool           `json:"success"`
	Error     string         `json:"error,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// RollbackEvent records one rollback attempt from trigger to completion.
type RollbackEvent struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Reason    string         `json:"reason"`
	Steps     []RollbackStep `json:"steps"`
	Success   bool           `json:"success"`
	Duration  time.Duration  `json:"duration"`
}

// RollbackStatus is the read-only view of the rollback manager.
type RollbackStatus struct {
	IsActive              bool            `json:"isActive"`
	InProgress            bool            `json:"inProgress"`
	History               []RollbackEvent `json:"history"`
	LastRollback          *RollbackEvent  `json:"lastRollback,omitempty"`
	LegacyBackupAvailable bool            `json:"legacyBackupAvailable"`
}

// NotificationSeverity drives how a notification is styled.
type NotificationSeverity string

const (
	NotifyInfo    NotificationSeverity = "info"
	NotifyWarning NotificationSeverity = "warning"
	NotifyError   NotificationSeverity = "error"
)

// Notification is a transient user-facing message.
type Notification struct {
	Message      string               `json:"message"`
	Severity     NotificationSeverity `json:"severity"`
	Reason       string               `json:"reason,omitempty"`
	RollbackID   string               `json:"rollbackId,omitempty"`
	DismissAfter time.Duration        `json:"dismissAfter"`
	Timestamp    time.Time            `json:"timestamp"`
}
