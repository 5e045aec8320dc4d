// Package review holds the manual review queue and the admin audit trail.
package review

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"vpnbilling/internal/models"
)

var ErrNotFound = errors.New("review issue not found")

type Issue struct {
	Kind           string
	Ref            string
	UserID         uint
	SubscriptionID uint
	Details        map[string]any
}

// PaymentRef is the issue reference for a gateway payment.
func PaymentRef(gateway, externalID string) string {
	return gateway + ":" + externalID
}

// Open queues an issue. It returns false when an issue with the same kind and
// ref already exists, so redelivered events do not pile up.
func Open(tx *gorm.DB, issue Issue) (bool, error) {
	details, err := json.Marshal(issue.Details)
	if err != nil {
		return false, fmt.Errorf("marshal issue details: %w", err)
	}
	row := models.ReconciliationIssue{
		ID:      ulid.Make().String(),
		Kind:    issue.Kind,
		Ref:     issue.Ref,
		Details: string(details),
	}
	if issue.UserID != 0 {
		row.UserID = &issue.UserID
	}
	if issue.SubscriptionID != 0 {
		row.SubscriptionID = &issue.SubscriptionID
	}

	res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if res.Error != nil {
		return false, fmt.Errorf("open %s issue: %w", issue.Kind, res.Error)
	}
	if res.RowsAffected == 0 {
		return false, nil
	}
	log.Warn().
		Str("issue_id", row.ID).
		Str("kind", row.Kind).
		Str("ref", row.Ref).
		Uint("user_id", issue.UserID).
		Msg("Reconciliation issue queued for review")
	return true, nil
}

// Queue lists and resolves review items for the admin surface.
type Queue struct {
	db *gorm.DB
}

func NewQueue(db *gorm.DB) *Queue {
	return &Queue{db: db}
}

func (q *Queue) Open(ctx context.Context, issue Issue) (bool, error) {
	return Open(q.db.WithContext(ctx), issue)
}

func (q *Queue) List(ctx context.Context, kind string, includeResolved bool, limit int) ([]models.ReconciliationIssue, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := q.db.WithContext(ctx).Order("id DESC").Limit(limit)
	if kind != "" {
		query = query.Where("kind = ?", kind)
	}
	if !includeResolved {
		query = query.Where("resolved_at IS NULL")
	}
	var issues []models.ReconciliationIssue
	if err := query.Find(&issues).Error; err != nil {
		return nil, err
	}
	return issues, nil
}

func (q *Queue) Resolve(ctx context.Context, id, actor, note string) error {
	return q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()
		res := tx.Model(&models.ReconciliationIssue{}).
			Where("id = ? AND resolved_at IS NULL", id).
			Updates(map[string]any{"resolved_at": now, "resolved_by": actor})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return Audit(tx, actor, "resolve_issue", 0, map[string]any{"issue_id": id, "note": note})
	})
}

// Audit appends an admin action to the audit log.
func Audit(tx *gorm.DB, actor, action string, userID uint, details map[string]any) error {
	raw, err := json.Marshal(details)
	if err != nil {
		return err
	}
	entry := models.AuditLog{Actor: actor, Action: action, Details: string(raw)}
	if userID != 0 {
		entry.UserID = &userID
	}
	if err := tx.Create(&entry).Error; err != nil {
		return fmt.Errorf("audit %s: %w", action, err)
	}
	log.Info().Str("actor", actor).Str("action", action).Uint("user_id", userID).Msg("Admin action audited")
	return nil
}
