package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/BTreeMap/BulkPipe/internal/models"
)

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nonNilStrings(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// scanSession scans a Session using sessionColumns order.
func scanSession(row rowScanner) (models.Session, error) {
	var s models.Session
	var state string
	var linked, creds sql.NullString
	if err := row.Scan(&s.OwnerID, &state, &linked, &creds, &s.LastUsedAt, &s.CreatedAt); err != nil {
		return s, err
	}
	s.State = models.SessionState(state)
	s.LinkedAccountID = linked.String
	s.EncryptedCredentials = creds.String
	return s, nil
}

// scanCampaign scans a Campaign using campaignColumns order.
func scanCampaign(row rowScanner) (models.Campaign, error) {
	var c models.Campaign
	var state, variations string
	err := row.Scan(&c.ID, &c.OwnerID, &c.SessionRef, &c.DisplayName, &c.MessageTemplate, &variations, &state,
		&c.TotalCount, &c.SentCount, &c.DeliveredCount, &c.ReadCount, &c.FailedCount, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return c, err
	}
	c.State = models.CampaignState(state)
	if variations != "" {
		if err := json.Unmarshal([]byte(variations), &c.Variations); err != nil {
			return c, fmt.Errorf("scan campaign %s variations failed: %w", c.ID, err)
		}
	}
	return c, nil
}

// scanMessage scans a Message using messageColumns order.
func scanMessage(row rowScanner) (models.Message, error) {
	var m models.Message
	var state string
	var name, providerID, detail sql.NullString
	var sentAt, deliveredAt, readAt sql.NullTime
	err := row.Scan(&m.ID, &m.CampaignID, &m.Seq, &m.Destination, &name, &m.RenderedText, &m.VariationIndex, &state,
		&providerID, &sentAt, &deliveredAt, &readAt, &detail, &m.CreatedAt)
	if err != nil {
		return m, err
	}
	m.State = models.MessageState(state)
	m.RecipientName = name.String
	m.ProviderMessageID = providerID.String
	m.ErrorDetail = detail.String
	m.SentAt = timePtr(sentAt)
	m.DeliveredAt = timePtr(deliveredAt)
	m.ReadAt = timePtr(readAt)
	return m, nil
}
