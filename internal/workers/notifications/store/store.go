// Package store persists notifications, their delivery logs and templates.
package store

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"time"

	"library-workers/internal/common/database"
	apperrors "library-workers/internal/common/errors"
	"library-workers/internal/models"

	"github.com/jmoiron/sqlx"
)

const (
	notificationColumns = `id, user_id, type, subject, message, status, attempts, sent_at, created_at, updated_at`
	templateColumns     = `id, name, type, subject_template, message_template, description, is_active, created_at, updated_at`
)

type Store struct {
	db  *database.PostgresClient
	now func() time.Time
}

func New(db *database.PostgresClient) *Store {
	return &Store{db: db, now: time.Now}
}

// ==========================
// Templates
// ==========================

// ActiveTemplate returns the active template called name.
func (s *Store) ActiveTemplate(ctx context.Context, name string) (*models.NotificationTemplate, error) {
	var tpl models.NotificationTemplate
	err := s.db.DB.GetContext(ctx, &tpl,
		`SELECT `+templateColumns+` FROM notification_templates WHERE name = $1 AND is_active = true`, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NewTemplateNotFoundError(name)
	}
	if err != nil {
		return nil, apperrors.NewQueryExecutionFailedError("get template", err)
	}
	return &tpl, nil
}

// Template returns a template by id, active or not.
func (s *Store) Template(ctx context.Context, id int64) (*models.NotificationTemplate, error) {
	var tpl models.NotificationTemplate
	err := s.db.DB.GetContext(ctx, &tpl, `SELECT `+templateColumns+` FROM notification_templates WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NewTemplateNotFoundError(idString(id))
	}
	if err != nil {
		return nil, apperrors.NewQueryExecutionFailedError("get template", err)
	}
	return &tpl, nil
}

// SeedTemplate inserts tpl unless a template with the same name exists, so
// edits made after the first start are kept.
func (s *Store) SeedTemplate(ctx context.Context, tpl *models.NotificationTemplate) (bool, error) {
	now := s.now().UTC()
	res, err := s.db.DB.ExecContext(ctx, `
		INSERT INTO notification_templates
			(name, type, subject_template, message_template, description, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		ON CONFLICT (name) DO NOTHING`,
		tpl.Name, tpl.Type, tpl.SubjectTemplate, tpl.MessageTemplate, tpl.Description, tpl.IsActive, now)
	if err != nil {
		return false, apperrors.NewQueryExecutionFailedError("seed template", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, apperrors.NewQueryExecutionFailedError("seed template", err)
	}
	return n > 0, nil
}

// ==========================
// Notifications
// ==========================

// Create inserts n as PENDING and fills its id and timestamps.
func (s *Store) Create(ctx context.Context, n *models.Notification) error {
	now := s.now().UTC()
	n.Status = models.NotificationPending
	err := s.db.DB.GetContext(ctx, n, `
		INSERT INTO notifications (user_id, type, subject, message, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		RETURNING `+notificationColumns,
		n.UserID, n.Type, n.Subject, n.Message, n.Status, now)
	if err != nil {
		return apperrors.NewQueryExecutionFailedError("create notification", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id int64) (*models.Notification, error) {
	var n models.Notification
	err := s.db.DB.GetContext(ctx, &n, `SELECT `+notificationColumns+` FROM notifications WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NewNotificationNotFoundError(id)
	}
	if err != nil {
		return nil, apperrors.NewQueryExecutionFailedError("get notification", err)
	}
	return &n, nil
}

// ListByUser returns the newest notifications of a user.
func (s *Store) ListByUser(ctx context.Context, userID int64, limit int) ([]models.Notification, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	out := []models.Notification{}
	err := s.db.DB.SelectContext(ctx, &out, `
		SELECT `+notificationColumns+` FROM notifications
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, apperrors.NewQueryExecutionFailedError("list notifications", err)
	}
	return out, nil
}

// ClaimAttempt records that delivery attempt number attempt is starting. It
// succeeds only while the notification is PENDING and attempt directly follows
// the stored count, so two tasks can never run the same attempt.
func (s *Store) ClaimAttempt(ctx context.Context, id int64, attempt int) (bool, error) {
	res, err := s.db.DB.ExecContext(ctx, `
		UPDATE notifications SET attempts = $2, updated_at = $3
		WHERE id = $1 AND status = 'PENDING' AND attempts = $2 - 1`,
		id, attempt, s.now().UTC())
	if err != nil {
		return false, apperrors.NewQueryExecutionFailedError("claim delivery attempt", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, apperrors.NewQueryExecutionFailedError("claim delivery attempt", err)
	}
	return n == 1, nil
}

// MarkSent records a successful delivery. A notification already SENT is
// left untouched and false is returned.
func (s *Store) MarkSent(ctx context.Context, id int64, detail string) (bool, error) {
	now := s.now().UTC()
	updated := false
	err := s.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE notifications SET status = $2, sent_at = $3, updated_at = $3
			WHERE id = $1 AND status <> $2`,
			id, models.NotificationSent, now)
		if err != nil {
			return apperrors.NewQueryExecutionFailedError("mark sent", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		updated = true
		return appendLog(ctx, tx, id, models.NotificationSent, detail, now)
	})
	return updated, err
}

// MarkFailed sets the notification FAILED and logs detail.
func (s *Store) MarkFailed(ctx context.Context, id int64, detail string) error {
	now := s.now().UTC()
	return s.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			UPDATE notifications SET status = $2, updated_at = $3 WHERE id = $1 AND status <> 'SENT'`,
			id, models.NotificationFailed, now); err != nil {
			return apperrors.NewQueryExecutionFailedError("mark failed", err)
		}
		return appendLog(ctx, tx, id, models.NotificationFailed, detail, now)
	})
}

// LogAttempt appends a log row without changing the notification.
func (s *Store) LogAttempt(ctx context.Context, id int64, status models.NotificationStatus, detail string) error {
	_, err := s.db.DB.ExecContext(ctx, `
		INSERT INTO notification_logs (notification_id, status, detail, created_at)
		VALUES ($1, $2, $3, $4)`,
		id, status, detail, s.now().UTC())
	if err != nil {
		return apperrors.NewQueryExecutionFailedError("append notification log", err)
	}
	return nil
}

// Logs returns the delivery log of a notification, oldest first.
func (s *Store) Logs(ctx context.Context, id int64) ([]models.NotificationLog, error) {
	out := []models.NotificationLog{}
	err := s.db.DB.SelectContext(ctx, &out, `
		SELECT id, notification_id, status, detail, created_at
		FROM notification_logs WHERE notification_id = $1
		ORDER BY created_at, id`, id)
	if err != nil {
		return nil, apperrors.NewQueryExecutionFailedError("notification logs", err)
	}
	return out, nil
}

// ==========================
// Maintenance
// ==========================

// Pending returns the oldest PENDING notifications not touched since
// idleSince. Rows updated later still have a delivery attempt on its way.
func (s *Store) Pending(ctx context.Context, limit int, idleSince time.Time) ([]models.Notification, error) {
	out := []models.Notification{}
	err := s.db.DB.SelectContext(ctx, &out, `
		SELECT `+notificationColumns+` FROM notifications
		WHERE status = 'PENDING' AND updated_at < $2
		ORDER BY created_at, id
		LIMIT $1`, limit, idleSince.UTC())
	if err != nil {
		return nil, apperrors.NewQueryExecutionFailedError("pending notifications", err)
	}
	return out, nil
}

// ResetFailed moves notifications that failed and were created after since
// back to PENDING with a fresh attempt count and returns them.
func (s *Store) ResetFailed(ctx context.Context, since time.Time) ([]models.Notification, error) {
	out := []models.Notification{}
	err := s.db.DB.SelectContext(ctx, &out, `
		UPDATE notifications SET status = 'PENDING', attempts = 0, updated_at = $2
		WHERE status = 'FAILED' AND created_at >= $1
		RETURNING `+notificationColumns,
		since.UTC(), s.now().UTC())
	if err != nil {
		return nil, apperrors.NewQueryExecutionFailedError("reset failed notifications", err)
	}
	return out, nil
}

func (s *Store) DeleteLogsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return s.delete(ctx, "cleanup logs", `DELETE FROM notification_logs WHERE created_at < $1`, cutoff)
}

// DeleteSentBefore removes SENT notifications only; failed ones stay for
// inspection.
func (s *Store) DeleteSentBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return s.delete(ctx, "cleanup notifications",
		`DELETE FROM notifications WHERE status = 'SENT' AND created_at < $1`, cutoff)
}

func (s *Store) delete(ctx context.Context, op, query string, cutoff time.Time) (int64, error) {
	res, err := s.db.DB.ExecContext(ctx, query, cutoff.UTC())
	if err != nil {
		return 0, apperrors.NewQueryExecutionFailedError(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, apperrors.NewQueryExecutionFailedError(op, err)
	}
	return n, nil
}

// Stats counts notifications created in the last days days.
func (s *Store) Stats(ctx context.Context, days int) (*models.NotificationStats, error) {
	if days <= 0 {
		days = 30
	}
	since := s.now().UTC().AddDate(0, 0, -days)

	var rows []struct {
		Type   string `db:"type"`
		Status string `db:"status"`
		Count  int64  `db:"count"`
	}
	err := s.db.DB.SelectContext(ctx, &rows, `
		SELECT type, status, COUNT(*) AS count
		FROM notifications
		WHERE created_at >= $1
		GROUP BY type, status`, since)
	if err != nil {
		return nil, apperrors.NewQueryExecutionFailedError("notification stats", err)
	}

	stats := &models.NotificationStats{
		Days:     days,
		ByStatus: map[string]int64{},
		ByType:   map[string]int64{},
	}
	for _, r := range rows {
		stats.Total += r.Count
		stats.ByStatus[r.Status] += r.Count
		stats.ByType[r.Type] += r.Count
	}
	if stats.Total > 0 {
		stats.SuccessRate = float64(stats.ByStatus[string(models.NotificationSent)]) / float64(stats.Total) * 100
	}
	return stats, nil
}

func appendLog(ctx context.Context, tx *sqlx.Tx, id int64, status models.NotificationStatus, detail string, at time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO notification_logs (notification_id, status, detail, created_at)
		VALUES ($1, $2, $3, $4)`,
		id, status, detail, at)
	if err != nil {
		return apperrors.NewQueryExecutionFailedError("append notification log", err)
	}
	return nil
}

func idString(id int64) string {
	return "id " + strconv.FormatInt(id, 10)
}
