// internal/models/notification.go
package models

import "time"

type NotificationType string

const (
	NotificationEmail NotificationType = "EMAIL"
	NotificationSMS   NotificationType = "SMS"
)

func (t NotificationType) Valid() bool {
	return t == NotificationEmail || t == NotificationSMS
}

type NotificationStatus string

const (
	NotificationPending NotificationStatus = "PENDING"
	NotificationSent    NotificationStatus = "SENT"
	NotificationFailed  NotificationStatus = "FAILED"
)

type Notification struct {
	ID        int64              `db:"id" json:"id"`
	UserID    int64              `db:"user_id" json:"user_id"`
	Type      NotificationType   `db:"type" json:"type"`
	Subject   string             `db:"subject" json:"subject"`
	Message   string             `db:"message" json:"message"`
	Status    NotificationStatus `db:"status" json:"status"`
	Attempts  int                `db:"attempts" json:"attempts"`
	SentAt    *time.Time         `db:"sent_at" json:"sent_at"`
	CreatedAt time.Time          `db:"created_at" json:"created_at"`
	UpdatedAt time.Time          `db:"updated_at" json:"updated_at"`
}

type NotificationTemplate struct {
	ID              int64            `db:"id" json:"id"`
	Name            string           `db:"name" json:"name"`
	Type            NotificationType `db:"type" json:"type"`
	SubjectTemplate string           `db:"subject_template" json:"subject_template"`
	MessageTemplate string           `db:"message_template" json:"message_template"`
	Description     string           `db:"description" json:"description"`
	IsActive        bool             `db:"is_active" json:"is_active"`
	CreatedAt       time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time        `db:"updated_at" json:"updated_at"`
}

type NotificationLog struct {
	ID             int64              `db:"id" json:"id"`
	NotificationID int64              `db:"notification_id" json:"notification_id"`
	Status         NotificationStatus `db:"status" json:"status"`
	Detail         string             `db:"detail" json:"detail"`
	CreatedAt      time.Time          `db:"created_at" json:"created_at"`
}

// NotificationStats summarizes recent notifications.
type NotificationStats struct {
	Days        int              `json:"days"`
	Total       int64            `json:"total"`
	ByStatus    map[string]int64 `json:"by_status"`
	ByType      map[string]int64 `json:"by_type"`
	SuccessRate float64          `json:"success_rate"`
}
