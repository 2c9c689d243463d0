package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Campaign statuses.
const (
	CampaignPending     = "pending"
	CampaignDispatching = "dispatching"
	CampaignCompleted   = "completed"
	CampaignFailed      = "failed"
)

// Recipient delivery sub-statuses.
const (
	RecipientQueued    = "queued"
	RecipientSent      = "sent"
	RecipientDelivered = "delivered"
	RecipientRead      = "read"
	RecipientFailed    = "failed"
)

// Campaign is a scheduled bulk-message send job.
type Campaign struct {
	ID            string
	OwnerTenantID string
	Name          string
	Content       string
	ScheduledAt   time.Time
	Status        string

	SentCount      int
	DeliveredCount int
	ReadCount      int
	FailedCount    int
	FailReason     string

	CreatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time
}

// Recipient is one destination of a campaign, dispatched in position
// order.
type Recipient struct {
	CampaignID string
	Position   int
	Phone      string
	Status     string
	MessageID  string
	Error      string
}

// CampaignStore persists campaigns and their recipient lists.
type CampaignStore struct {
	store *Store
}

// NewCampaignStore creates a new CampaignStore.
func NewCampaignStore(s *Store) *CampaignStore {
	return &CampaignStore{store: s}
}

// Create stores a new pending campaign with its ordered recipient set.
func (s *CampaignStore) Create(c *Campaign, phones []string) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if len(phones) == 0 {
		return fmt.Errorf("campaign %s has no recipients", c.ID)
	}
	now := time.Now().Unix()

	tx, err := s.store.Begin()
	if err != nil {
		return unavailable("create campaign", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO waflow_campaigns (id, owner_tenant_id, name, content, scheduled_at, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, c.ID, c.OwnerTenantID, c.Name, c.Content, c.ScheduledAt.Unix(), CampaignPending, now, now)
	if err != nil {
		return unavailable("create campaign", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO waflow_campaign_recipients (campaign_id, position, phone, status, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		return unavailable("create campaign", err)
	}
	defer stmt.Close()

	for i, phone := range phones {
		if _, err := stmt.Exec(c.ID, i, phone, RecipientQueued, now); err != nil {
			return unavailable("create campaign", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return unavailable("create campaign", err)
	}
	return nil
}

// Get retrieves a campaign by id.
func (s *CampaignStore) Get(id string) (*Campaign, error) {
	row := s.store.QueryRow(`
		SELECT id, owner_tenant_id, name, content, scheduled_at, status,
			sent_count, delivered_count, read_count, failed_count, fail_reason,
			created_at, started_at, completed_at
		FROM waflow_campaigns WHERE id = ?
	`, id)

	c, err := scanCampaign(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("get campaign", err)
	}
	return c, nil
}

// Due returns pending campaigns whose scheduled time has passed, oldest
// first.
func (s *CampaignStore) Due(now time.Time) ([]*Campaign, error) {
	rows, err := s.store.Query(`
		SELECT id, owner_tenant_id, name, content, scheduled_at, status,
			sent_count, delivered_count, read_count, failed_count, fail_reason,
			created_at, started_at, completed_at
		FROM waflow_campaigns
		WHERE status = ? AND scheduled_at <= ?
		ORDER BY scheduled_at
	`, CampaignPending, now.Unix())
	if err != nil {
		return nil, unavailable("due campaigns", err)
	}
	defer rows.Close()

	var due []*Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, unavailable("due campaigns", err)
		}
		due = append(due, c)
	}
	return due, rows.Err()
}

// Claim atomically transitions a campaign pending -> dispatching.
// Returns false when another invocation already claimed it; a claimed
// campaign is never re-claimed.
func (s *CampaignStore) Claim(id string) (bool, error) {
	now := time.Now().Unix()
	res, err := s.store.Exec(`
		UPDATE waflow_campaigns
		SET status = ?, started_at = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, CampaignDispatching, now, now, id, CampaignPending)
	if err != nil {
		return false, unavailable("claim campaign", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, unavailable("claim campaign", err)
	}
	return n == 1, nil
}

// Recipients returns a campaign's recipients in dispatch order.
func (s *CampaignStore) Recipients(id string) ([]*Recipient, error) {
	rows, err := s.store.Query(`
		SELECT campaign_id, position, phone, status, message_id, error
		FROM waflow_campaign_recipients
		WHERE campaign_id = ?
		ORDER BY position
	`, id)
	if err != nil {
		return nil, unavailable("campaign recipients", err)
	}
	defer rows.Close()

	var recips []*Recipient
	for rows.Next() {
		var r Recipient
		var messageID, errMsg sql.NullString
		if err := rows.Scan(&r.CampaignID, &r.Position, &r.Phone, &r.Status, &messageID, &errMsg); err != nil {
			return nil, unavailable("campaign recipients", err)
		}
		r.MessageID = messageID.String
		r.Error = errMsg.String
		recips = append(recips, &r)
	}
	return recips, rows.Err()
}

// MarkRecipientSent records a successful send and bumps sent_count.
func (s *CampaignStore) MarkRecipientSent(campaignID string, position int, messageID string) error {
	now := time.Now().Unix()
	tx, err := s.store.Begin()
	if err != nil {
		return unavailable("mark sent", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`
		UPDATE waflow_campaign_recipients
		SET status = ?, message_id = ?, updated_at = ?
		WHERE campaign_id = ? AND position = ? AND status = ?
	`, RecipientSent, messageID, now, campaignID, position, RecipientQueued)
	if err != nil {
		return unavailable("mark sent", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		if _, err := tx.Exec(`
			UPDATE waflow_campaigns SET sent_count = sent_count + 1, updated_at = ? WHERE id = ?
		`, now, campaignID); err != nil {
			return unavailable("mark sent", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return unavailable("mark sent", err)
	}
	return nil
}

// MarkRecipientFailed records a per-recipient failure and bumps
// failed_count. The campaign keeps dispatching.
func (s *CampaignStore) MarkRecipientFailed(campaignID string, position int, reason string) error {
	now := time.Now().Unix()
	tx, err := s.store.Begin()
	if err != nil {
		return unavailable("mark failed", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`
		UPDATE waflow_campaign_recipients
		SET status = ?, error = ?, updated_at = ?
		WHERE campaign_id = ? AND position = ? AND status = ?
	`, RecipientFailed, reason, now, campaignID, position, RecipientQueued)
	if err != nil {
		return unavailable("mark failed", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		if _, err := tx.Exec(`
			UPDATE waflow_campaigns SET failed_count = failed_count + 1, updated_at = ? WHERE id = ?
		`, now, campaignID); err != nil {
			return unavailable("mark failed", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return unavailable("mark failed", err)
	}
	return nil
}

// UpgradeByMessageID advances a recipient's sub-status from a delivery
// receipt. Sub-statuses only move forward (sent -> delivered -> read);
// receipts for unknown message ids are ignored.
func (s *CampaignStore) UpgradeByMessageID(messageID, status string) error {
	if status != RecipientDelivered && status != RecipientRead {
		return fmt.Errorf("not a receipt status: %s", status)
	}
	now := time.Now().Unix()

	tx, err := s.store.Begin()
	if err != nil {
		return unavailable("upgrade recipient", err)
	}
	defer tx.Rollback()

	var campaignID, current string
	err = tx.QueryRow(`
		SELECT campaign_id, status FROM waflow_campaign_recipients WHERE message_id = ?
	`, messageID).Scan(&campaignID, &current)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return unavailable("upgrade recipient", err)
	}

	if !receiptAdvances(current, status) {
		return nil
	}

	if _, err := tx.Exec(`
		UPDATE waflow_campaign_recipients SET status = ?, updated_at = ? WHERE message_id = ?
	`, status, now, messageID); err != nil {
		return unavailable("upgrade recipient", err)
	}

	// Counters stay monotone: a read receipt arriving straight after
	// sent implies delivery as well.
	if status == RecipientRead {
		set := `read_count = read_count + 1`
		if current == RecipientSent {
			set += `, delivered_count = delivered_count + 1`
		}
		if _, err := tx.Exec(`UPDATE waflow_campaigns SET `+set+`, updated_at = ? WHERE id = ?`, now, campaignID); err != nil {
			return unavailable("upgrade recipient", err)
		}
	} else {
		if _, err := tx.Exec(`
			UPDATE waflow_campaigns SET delivered_count = delivered_count + 1, updated_at = ? WHERE id = ?
		`, now, campaignID); err != nil {
			return unavailable("upgrade recipient", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return unavailable("upgrade recipient", err)
	}
	return nil
}

func receiptAdvances(current, next string) bool {
	switch next {
	case RecipientDelivered:
		return current == RecipientSent
	case RecipientRead:
		return current == RecipientSent || current == RecipientDelivered
	}
	return false
}

// Complete marks a dispatching campaign completed. A campaign with any
// recipient still queued cannot complete; the update reports false when
// it did not apply (wrong status or non-terminal recipients left).
func (s *CampaignStore) Complete(id string) (bool, error) {
	now := time.Now().Unix()
	res, err := s.store.Exec(`
		UPDATE waflow_campaigns
		SET status = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND status = ?
		AND NOT EXISTS (
			SELECT 1 FROM waflow_campaign_recipients
			WHERE campaign_id = waflow_campaigns.id AND status = ?
		)
	`, CampaignCompleted, now, now, id, CampaignDispatching, RecipientQueued)
	if err != nil {
		return false, unavailable("complete campaign", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, unavailable("complete campaign", err)
	}
	return n == 1, nil
}

// Fail marks a campaign failed with a reason and fails every recipient
// that never reached a terminal sub-status. Campaigns are never left
// dispatching indefinitely.
func (s *CampaignStore) Fail(id, reason string) error {
	now := time.Now().Unix()
	tx, err := s.store.Begin()
	if err != nil {
		return unavailable("fail campaign", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`
		UPDATE waflow_campaign_recipients
		SET status = ?, error = ?, updated_at = ?
		WHERE campaign_id = ? AND status = ?
	`, RecipientFailed, reason, now, id, RecipientQueued)
	if err != nil {
		return unavailable("fail campaign", err)
	}
	failed, err := res.RowsAffected()
	if err != nil {
		return unavailable("fail campaign", err)
	}

	if _, err := tx.Exec(`
		UPDATE waflow_campaigns
		SET status = ?, fail_reason = ?, failed_count = failed_count + ?, completed_at = ?, updated_at = ?
		WHERE id = ?
	`, CampaignFailed, reason, failed, now, now, id); err != nil {
		return unavailable("fail campaign", err)
	}

	if err := tx.Commit(); err != nil {
		return unavailable("fail campaign", err)
	}
	return nil
}

func scanCampaign(row rowScanner) (*Campaign, error) {
	var c Campaign
	var failReason sql.NullString
	var scheduledAt, createdAt int64
	var startedAt, completedAt sql.NullInt64

	err := row.Scan(&c.ID, &c.OwnerTenantID, &c.Name, &c.Content, &scheduledAt, &c.Status,
		&c.SentCount, &c.DeliveredCount, &c.ReadCount, &c.FailedCount, &failReason,
		&createdAt, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	c.FailReason = failReason.String
	c.ScheduledAt = time.Unix(scheduledAt, 0)
	c.CreatedAt = time.Unix(createdAt, 0)
	if startedAt.Valid {
		c.StartedAt = time.Unix(startedAt.Int64, 0)
	}
	if completedAt.Valid {
		c.CompletedAt = time.Unix(completedAt.Int64, 0)
	}
	return &c, nil
}
