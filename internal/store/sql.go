// Package store provides storage backends for BulkPipe.
//
// This file implements the SQL queries shared by the SQLite and PostgreSQL stores.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/BulkPipe/internal/models"
)

const (
	dialectSQLite   = "sqlite3"
	dialectPostgres = "postgres"
)

const (
	sessionColumns  = "owner_id, state, linked_account_id, encrypted_credentials, last_used_at, created_at"
	campaignColumns = "id, owner_id, session_ref, display_name, message_template, variations, state, " +
		"total_count, sent_count, delivered_count, read_count, failed_count, created_at, updated_at"
	messageColumns = "id, campaign_id, seq, destination, recipient_name, rendered_text, variation_index, state, " +
		"provider_message_id, sent_at, delivered_at, read_at, error_detail, created_at"
)

// sqlStore holds the dialect-independent query logic. Queries are written with
// "?" placeholders and rebound for PostgreSQL.
type sqlStore struct {
	db      *sql.DB
	dialect string
	name    string // used as the log prefix
}

func (s *sqlStore) rebind(q string) string {
	if s.dialect != dialectPostgres {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

func (s *sqlStore) exec(ctx context.Context, q string, args ...interface{}) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(q), args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}

func stateArgs[T ~string](states []T) []interface{} {
	args := make([]interface{}, len(states))
	for i, st := range states {
		args[i] = string(st)
	}
	return args
}

// Sessions

func (s *sqlStore) GetSession(ctx context.Context, ownerID string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+sessionColumns+` FROM sessions WHERE owner_id = ?`), ownerID)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		slog.Error(s.name+".GetSession: query failed", "error", err, "owner", ownerID)
		return nil, fmt.Errorf("failed to get session %s: %w", ownerID, err)
	}
	return &sess, nil
}

func (s *sqlStore) ListSessions(ctx context.Context) ([]models.Session, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sessionColumns+` FROM sessions ORDER BY owner_id`)
	if err != nil {
		slog.Error(s.name+".ListSessions: query failed", "error", err)
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()
	var out []models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *sqlStore) UpsertSessionState(ctx context.Context, ownerID string, state models.SessionState, linkedAccount string) error {
	now := time.Now().UTC()
	_, err := s.exec(ctx, `
		INSERT INTO sessions (owner_id, state, linked_account_id, last_used_at, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (owner_id) DO UPDATE SET
			state = excluded.state,
			linked_account_id = COALESCE(excluded.linked_account_id, sessions.linked_account_id),
			last_used_at = excluded.last_used_at`,
		ownerID, string(state), nilIfEmpty(linkedAccount), now, now)
	if err != nil {
		slog.Error(s.name+".UpsertSessionState failed", "error", err, "owner", ownerID, "state", state)
		return fmt.Errorf("failed to upsert session %s: %w", ownerID, err)
	}
	slog.Debug(s.name+".UpsertSessionState succeeded", "owner", ownerID, "state", state)
	return nil
}

func (s *sqlStore) SaveSessionCredentials(ctx context.Context, ownerID string, encrypted string) error {
	now := time.Now().UTC()
	_, err := s.exec(ctx, `
		INSERT INTO sessions (owner_id, state, encrypted_credentials, last_used_at, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (owner_id) DO UPDATE SET
			encrypted_credentials = excluded.encrypted_credentials,
			last_used_at = excluded.last_used_at`,
		ownerID, string(models.SessionDisconnected), encrypted, now, now)
	if err != nil {
		slog.Error(s.name+".SaveSessionCredentials failed", "error", err, "owner", ownerID)
		return fmt.Errorf("failed to save credentials for %s: %w", ownerID, err)
	}
	return nil
}

func (s *sqlStore) ClearSessionCredentials(ctx context.Context, ownerID string) error {
	if _, err := s.exec(ctx, `UPDATE sessions SET encrypted_credentials = NULL WHERE owner_id = ?`, ownerID); err != nil {
		slog.Error(s.name+".ClearSessionCredentials failed", "error", err, "owner", ownerID)
		return fmt.Errorf("failed to clear credentials for %s: %w", ownerID, err)
	}
	return nil
}

func (s *sqlStore) ResetSessionStates(ctx context.Context) (int64, error) {
	n, err := s.exec(ctx, `UPDATE sessions SET state = ? WHERE state <> ?`,
		string(models.SessionDisconnected), string(models.SessionDisconnected))
	if err != nil {
		return 0, fmt.Errorf("failed to reset session states: %w", err)
	}
	return n, nil
}

// Campaigns

func (s *sqlStore) CreateCampaign(ctx context.Context, c *models.Campaign, msgs []models.Message) error {
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = c.CreatedAt
	if c.State == "" {
		c.State = models.CampaignCreated
	}
	c.TotalCount = len(msgs)
	variations, err := json.Marshal(nonNilStrings(c.Variations))
	if err != nil {
		return fmt.Errorf("failed to encode variations: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, s.rebind(`INSERT INTO campaigns (`+campaignColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		c.ID, c.OwnerID, c.SessionRef, c.DisplayName, c.MessageTemplate, string(variations), string(c.State),
		c.TotalCount, c.SentCount, c.DeliveredCount, c.ReadCount, c.FailedCount, c.CreatedAt.UTC(), c.UpdatedAt.UTC())
	if err != nil {
		slog.Error(s.name+".CreateCampaign: insert campaign failed", "error", err, "id", c.ID)
		return fmt.Errorf("failed to insert campaign %s: %w", c.ID, err)
	}

	stmt, err := tx.PrepareContext(ctx, s.rebind(`INSERT INTO messages
		(id, campaign_id, seq, destination, recipient_name, rendered_text, variation_index, state, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`))
	if err != nil {
		return fmt.Errorf("failed to prepare message insert: %w", err)
	}
	defer stmt.Close()
	for i := range msgs {
		m := &msgs[i]
		m.CampaignID = c.ID
		if m.State == "" {
			m.State = models.MessagePending
		}
		if m.CreatedAt.IsZero() {
			m.CreatedAt = c.CreatedAt
		}
		if _, err := stmt.ExecContext(ctx, m.ID, m.CampaignID, m.Seq, m.Destination, nilIfEmpty(m.RecipientName),
			m.RenderedText, m.VariationIndex, string(m.State), m.CreatedAt.UTC()); err != nil {
			slog.Error(s.name+".CreateCampaign: insert message failed", "error", err, "id", m.ID)
			return fmt.Errorf("failed to insert message %s: %w", m.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit campaign %s: %w", c.ID, err)
	}
	slog.Debug(s.name+".CreateCampaign succeeded", "id", c.ID, "owner", c.OwnerID, "messages", len(msgs))
	return nil
}

func (s *sqlStore) GetCampaign(ctx context.Context, id string) (*models.Campaign, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+campaignColumns+` FROM campaigns WHERE id = ?`), id)
	c, err := scanCampaign(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		slog.Error(s.name+".GetCampaign: query failed", "error", err, "id", id)
		return nil, fmt.Errorf("failed to get campaign %s: %w", id, err)
	}
	return &c, nil
}

func (s *sqlStore) ListCampaigns(ctx context.Context, ownerID string, limit int) ([]models.Campaign, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	return s.queryCampaigns(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE owner_id = ?
		ORDER BY created_at DESC, id DESC LIMIT ?`, ownerID, limit)
}

func (s *sqlStore) ListCampaignsByState(ctx context.Context, states ...models.CampaignState) ([]models.Campaign, error) {
	if len(states) == 0 {
		return nil, nil
	}
	return s.queryCampaigns(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE state IN (`+placeholders(len(states))+`)
		ORDER BY created_at`, stateArgs(states)...)
}

func (s *sqlStore) queryCampaigns(ctx context.Context, q string, args ...interface{}) ([]models.Campaign, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(q), args...)
	if err != nil {
		slog.Error(s.name+".queryCampaigns: query failed", "error", err)
		return nil, fmt.Errorf("failed to query campaigns: %w", err)
	}
	defer rows.Close()
	var out []models.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan campaign row: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *sqlStore) TransitionCampaign(ctx context.Context, id string, from []models.CampaignState, to models.CampaignState) (bool, error) {
	if len(from) == 0 {
		return false, nil
	}
	args := append([]interface{}{string(to), time.Now().UTC(), id}, stateArgs(from)...)
	n, err := s.exec(ctx, `UPDATE campaigns SET state = ?, updated_at = ? WHERE id = ? AND state IN (`+placeholders(len(from))+`)`, args...)
	if err != nil {
		slog.Error(s.name+".TransitionCampaign failed", "error", err, "id", id, "to", to)
		return false, fmt.Errorf("failed to transition campaign %s: %w", id, err)
	}
	slog.Debug(s.name+".TransitionCampaign", "id", id, "to", to, "applied", n > 0)
	return n > 0, nil
}

func (s *sqlStore) IncrementCampaignCounter(ctx context.Context, id string, counter models.CampaignCounter) error {
	if !counter.IsValid() {
		return fmt.Errorf("unknown campaign counter %q", counter)
	}
	col := string(counter)
	if _, err := s.exec(ctx, `UPDATE campaigns SET `+col+` = `+col+` + 1, updated_at = ? WHERE id = ?`, time.Now().UTC(), id); err != nil {
		slog.Error(s.name+".IncrementCampaignCounter failed", "error", err, "id", id, "counter", col)
		return fmt.Errorf("failed to increment %s for campaign %s: %w", col, id, err)
	}
	return nil
}

// Messages

func (s *sqlStore) ListMessages(ctx context.Context, campaignID string) ([]models.Message, error) {
	return s.queryMessages(ctx, `SELECT `+messageColumns+` FROM messages WHERE campaign_id = ? ORDER BY seq`, campaignID)
}

func (s *sqlStore) ListPendingMessages(ctx context.Context, campaignID string) ([]models.Message, error) {
	return s.queryMessages(ctx, `SELECT `+messageColumns+` FROM messages WHERE campaign_id = ? AND state = ? ORDER BY seq`,
		campaignID, string(models.MessagePending))
}

func (s *sqlStore) queryMessages(ctx context.Context, q string, args ...interface{}) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(q), args...)
	if err != nil {
		slog.Error(s.name+".queryMessages: query failed", "error", err)
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()
	var out []models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *sqlStore) GetMessageByProviderID(ctx context.Context, providerID string) (*models.Message, error) {
	if providerID == "" {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+messageColumns+` FROM messages WHERE provider_message_id = ?`), providerID)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message by provider id %s: %w", providerID, err)
	}
	return &m, nil
}

func (s *sqlStore) MarkMessageSending(ctx context.Context, id string) (bool, error) {
	n, err := s.exec(ctx, `UPDATE messages SET state = ? WHERE id = ? AND state = ?`,
		string(models.MessageSending), id, string(models.MessagePending))
	if err != nil {
		return false, fmt.Errorf("failed to mark message %s sending: %w", id, err)
	}
	return n > 0, nil
}

func (s *sqlStore) MarkMessageSent(ctx context.Context, id, providerID string, at time.Time) (bool, error) {
	n, err := s.exec(ctx, `UPDATE messages SET state = ?, provider_message_id = ?, sent_at = ? WHERE id = ? AND state = ?`,
		string(models.MessageSent), nilIfEmpty(providerID), at.UTC(), id, string(models.MessageSending))
	if err != nil {
		return false, fmt.Errorf("failed to mark message %s sent: %w", id, err)
	}
	return n > 0, nil
}

func (s *sqlStore) MarkMessageFailed(ctx context.Context, id, detail string) (bool, error) {
	n, err := s.exec(ctx, `UPDATE messages SET state = ?, error_detail = ? WHERE id = ? AND state IN (?, ?)`,
		string(models.MessageFailed), TruncateDetail(detail), id, string(models.MessagePending), string(models.MessageSending))
	if err != nil {
		return false, fmt.Errorf("failed to mark message %s failed: %w", id, err)
	}
	return n > 0, nil
}

func (s *sqlStore) AdvanceMessageReceipt(ctx context.Context, id string, to models.MessageState, at time.Time) (bool, error) {
	var (
		n   int64
		err error
	)
	switch to {
	case models.MessageDelivered:
		n, err = s.exec(ctx, `UPDATE messages SET state = ?, delivered_at = ? WHERE id = ? AND state = ?`,
			string(to), at.UTC(), id, string(models.MessageSent))
	case models.MessageRead:
		n, err = s.exec(ctx, `UPDATE messages SET state = ?, read_at = ? WHERE id = ? AND state IN (?, ?)`,
			string(to), at.UTC(), id, string(models.MessageSent), string(models.MessageDelivered))
	default:
		return false, fmt.Errorf("receipt cannot move message to %s", to)
	}
	if err != nil {
		return false, fmt.Errorf("failed to advance message %s to %s: %w", id, to, err)
	}
	return n > 0, nil
}

func (s *sqlStore) FailOpenMessages(ctx context.Context, campaignID, detail string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, s.rebind(`UPDATE messages SET state = ?, error_detail = ?
		WHERE campaign_id = ? AND state IN (?, ?)`),
		string(models.MessageFailed), TruncateDetail(detail), campaignID, string(models.MessagePending), string(models.MessageSending))
	if err != nil {
		return 0, fmt.Errorf("failed to fail open messages of %s: %w", campaignID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		if _, err := tx.ExecContext(ctx, s.rebind(`UPDATE campaigns SET failed_count = failed_count + ?, updated_at = ? WHERE id = ?`),
			n, time.Now().UTC(), campaignID); err != nil {
			return 0, fmt.Errorf("failed to update failed_count of %s: %w", campaignID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	slog.Debug(s.name+".FailOpenMessages", "campaign", campaignID, "failed", n)
	return n, nil
}

func (s *sqlStore) FailStaleSendingMessages(ctx context.Context, detail string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, s.rebind(`SELECT campaign_id, COUNT(*) FROM messages WHERE state = ? GROUP BY campaign_id`),
		string(models.MessageSending))
	if err != nil {
		return 0, fmt.Errorf("failed to query stale messages: %w", err)
	}
	perCampaign := map[string]int64{}
	for rows.Next() {
		var id string
		var n int64
		if err := rows.Scan(&id, &n); err != nil {
			rows.Close()
			return 0, err
		}
		perCampaign[id] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	res, err := tx.ExecContext(ctx, s.rebind(`UPDATE messages SET state = ?, error_detail = ? WHERE state = ?`),
		string(models.MessageFailed), TruncateDetail(detail), string(models.MessageSending))
	if err != nil {
		return 0, fmt.Errorf("failed to fail stale messages: %w", err)
	}
	total, _ := res.RowsAffected()
	now := time.Now().UTC()
	for id, n := range perCampaign {
		if _, err := tx.ExecContext(ctx, s.rebind(`UPDATE campaigns SET failed_count = failed_count + ?, updated_at = ? WHERE id = ?`),
			n, now, id); err != nil {
			return 0, fmt.Errorf("failed to update failed_count of %s: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return total, nil
}

func (s *sqlStore) CountSentSince(ctx context.Context, ownerID string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM messages m
		JOIN campaigns c ON c.id = m.campaign_id
		WHERE c.owner_id = ? AND m.sent_at IS NOT NULL AND m.sent_at >= ?`), ownerID, since.UTC()).Scan(&n)
	if err != nil {
		slog.Error(s.name+".CountSentSince: query failed", "error", err, "owner", ownerID)
		return 0, fmt.Errorf("failed to count sent messages for %s: %w", ownerID, err)
	}
	return n, nil
}

// Settings

func (s *sqlStore) GetSettings(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT setting_key, setting_value FROM settings`)
	if err != nil {
		return nil, fmt.Errorf("failed to query settings: %w", err)
	}
	defer rows.Close()
	out := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("failed to scan setting: %w", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}

func (s *sqlStore) PutSettings(ctx context.Context, values map[string]string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()
	now := time.Now().UTC()
	for k, v := range values {
		if _, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO settings (setting_key, setting_value, updated_at) VALUES (?, ?, ?)
			ON CONFLICT (setting_key) DO UPDATE SET setting_value = excluded.setting_value, updated_at = excluded.updated_at`),
			k, v, now); err != nil {
			return fmt.Errorf("failed to store setting %s: %w", k, err)
		}
	}
	return tx.Commit()
}

// Stats

func (s *sqlStore) Stats(ctx context.Context, sentSince time.Time) (models.Stats, error) {
	st := models.Stats{MessagesByState: map[models.MessageState]int{}, GeneratedAt: time.Now().UTC()}
	counts := []struct {
		dst  *int
		q    string
		args []interface{}
	}{
		{&st.ConnectedSessions, `SELECT COUNT(*) FROM sessions WHERE state = ?`, []interface{}{string(models.SessionConnected)}},
		{&st.ActiveCampaigns, `SELECT COUNT(*) FROM campaigns WHERE state IN (?, ?)`, stateArgs(models.ActiveCampaignStates)},
		{&st.SentToday, `SELECT COUNT(*) FROM messages WHERE sent_at IS NOT NULL AND sent_at >= ?`, []interface{}{sentSince.UTC()}},
		{&st.SentThisWeek, `SELECT COUNT(*) FROM messages WHERE sent_at IS NOT NULL AND sent_at >= ?`, []interface{}{sentSince.AddDate(0, 0, -6).UTC()}},
	}
	for _, c := range counts {
		if err := s.db.QueryRowContext(ctx, s.rebind(c.q), c.args...).Scan(c.dst); err != nil {
			return st, fmt.Errorf("failed to compute stats: %w", err)
		}
	}
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM messages GROUP BY state`)
	if err != nil {
		return st, fmt.Errorf("failed to count messages by state: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return st, err
		}
		st.MessagesByState[models.MessageState(state)] = n
	}
	return st, rows.Err()
}

// Close closes the database connection.
func (s *sqlStore) Close() error {
	slog.Debug("Closing " + s.name + " database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close "+s.name+" database", "error", err)
	}
	return err
}

var _ Store = (*sqlStore)(nil)
