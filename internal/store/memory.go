package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/BulkPipe/internal/models"
)

// InMemoryStore is a Store kept entirely in process memory. Data is lost on exit.
type InMemoryStore struct {
	mu         sync.Mutex
	sessions   map[string]models.Session
	campaigns  map[string]*models.Campaign
	messages   map[string]*models.Message
	byCampaign map[string][]string // campaign id -> message ids in seq order
	byProvider map[string]string   // provider message id -> message id
	settings   map[string]string
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions:   map[string]models.Session{},
		campaigns:  map[string]*models.Campaign{},
		messages:   map[string]*models.Message{},
		byCampaign: map[string][]string{},
		byProvider: map[string]string{},
		settings:   map[string]string{},
	}
}

func (s *InMemoryStore) GetSession(ctx context.Context, ownerID string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[ownerID]
	if !ok {
		return nil, ErrNotFound
	}
	return &sess, nil
}

func (s *InMemoryStore) ListSessions(ctx context.Context) ([]models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OwnerID < out[j].OwnerID })
	return out, nil
}

func (s *InMemoryStore) upsertLocked(ownerID string) models.Session {
	now := time.Now().UTC()
	sess, ok := s.sessions[ownerID]
	if !ok {
		sess = models.Session{OwnerID: ownerID, State: models.SessionDisconnected, CreatedAt: now}
	}
	sess.LastUsedAt = now
	return sess
}

func (s *InMemoryStore) UpsertSessionState(ctx context.Context, ownerID string, state models.SessionState, linkedAccount string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.upsertLocked(ownerID)
	sess.State = state
	if linkedAccount != "" {
		sess.LinkedAccountID = linkedAccount
	}
	s.sessions[ownerID] = sess
	return nil
}

func (s *InMemoryStore) SaveSessionCredentials(ctx context.Context, ownerID string, encrypted string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.upsertLocked(ownerID)
	sess.EncryptedCredentials = encrypted
	s.sessions[ownerID] = sess
	return nil
}

func (s *InMemoryStore) ClearSessionCredentials(ctx context.Context, ownerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[ownerID]; ok {
		sess.EncryptedCredentials = ""
		s.sessions[ownerID] = sess
	}
	return nil
}

func (s *InMemoryStore) ResetSessionStates(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, sess := range s.sessions {
		if sess.State != models.SessionDisconnected {
			sess.State = models.SessionDisconnected
			s.sessions[id] = sess
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) CreateCampaign(ctx context.Context, c *models.Campaign, msgs []models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.campaigns[c.ID]; exists {
		return fmt.Errorf("campaign %s already exists", c.ID)
	}
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = c.CreatedAt
	if c.State == "" {
		c.State = models.CampaignCreated
	}
	c.TotalCount = len(msgs)
	stored := *c
	stored.Variations = append([]string(nil), nonNilStrings(c.Variations)...)
	s.campaigns[c.ID] = &stored

	ids := make([]string, 0, len(msgs))
	for i := range msgs {
		m := &msgs[i]
		m.CampaignID = c.ID
		if m.State == "" {
			m.State = models.MessagePending
		}
		if m.CreatedAt.IsZero() {
			m.CreatedAt = c.CreatedAt
		}
		cp := *m
		s.messages[m.ID] = &cp
		ids = append(ids, m.ID)
	}
	sort.SliceStable(ids, func(i, j int) bool { return s.messages[ids[i]].Seq < s.messages[ids[j]].Seq })
	s.byCampaign[c.ID] = ids
	return nil
}

func (s *InMemoryStore) GetCampaign(ctx context.Context, id string) (*models.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *InMemoryStore) ListCampaigns(ctx context.Context, ownerID string, limit int) ([]models.Campaign, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Campaign
	for _, c := range s.campaigns {
		if c.OwnerID == ownerID {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) ListCampaignsByState(ctx context.Context, states ...models.CampaignState) ([]models.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Campaign
	for _, c := range s.campaigns {
		if containsState(states, c.State) {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *InMemoryStore) TransitionCampaign(ctx context.Context, id string, from []models.CampaignState, to models.CampaignState) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok || !containsState(from, c.State) {
		return false, nil
	}
	c.State = to
	c.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (s *InMemoryStore) IncrementCampaignCounter(ctx context.Context, id string, counter models.CampaignCounter) error {
	if !counter.IsValid() {
		return fmt.Errorf("unknown campaign counter %q", counter)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return nil
	}
	s.addCounterLocked(c, counter, 1)
	return nil
}

func (s *InMemoryStore) addCounterLocked(c *models.Campaign, counter models.CampaignCounter, n int) {
	switch counter {
	case models.CounterSent:
		c.SentCount += n
	case models.CounterDelivered:
		c.DeliveredCount += n
	case models.CounterRead:
		c.ReadCount += n
	case models.CounterFailed:
		c.FailedCount += n
	}
	c.UpdatedAt = time.Now().UTC()
}

func (s *InMemoryStore) ListMessages(ctx context.Context, campaignID string) ([]models.Message, error) {
	return s.listMessages(campaignID, func(models.Message) bool { return true }), nil
}

func (s *InMemoryStore) ListPendingMessages(ctx context.Context, campaignID string) ([]models.Message, error) {
	return s.listMessages(campaignID, func(m models.Message) bool { return m.State == models.MessagePending }), nil
}

func (s *InMemoryStore) listMessages(campaignID string, keep func(models.Message) bool) []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Message
	for _, id := range s.byCampaign[campaignID] {
		if m := *s.messages[id]; keep(m) {
			out = append(out, m)
		}
	}
	return out
}

func (s *InMemoryStore) GetMessageByProviderID(ctx context.Context, providerID string) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byProvider[providerID]
	if !ok || providerID == "" {
		return nil, ErrNotFound
	}
	cp := *s.messages[id]
	return &cp, nil
}

// transitionLocked applies fn to the message if its state is one of from.
func (s *InMemoryStore) transitionLocked(id string, from []models.MessageState, fn func(m *models.Message)) bool {
	m, ok := s.messages[id]
	if !ok {
		return false
	}
	for _, st := range from {
		if m.State == st {
			fn(m)
			return true
		}
	}
	return false
}

func (s *InMemoryStore) MarkMessageSending(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transitionLocked(id, []models.MessageState{models.MessagePending}, func(m *models.Message) {
		m.State = models.MessageSending
	}), nil
}

func (s *InMemoryStore) MarkMessageSent(ctx context.Context, id, providerID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if providerID != "" {
		if other, dup := s.byProvider[providerID]; dup && other != id {
			return false, fmt.Errorf("provider message id %s already recorded", providerID)
		}
	}
	return s.transitionLocked(id, []models.MessageState{models.MessageSending}, func(m *models.Message) {
		t := at.UTC()
		m.State = models.MessageSent
		m.ProviderMessageID = providerID
		m.SentAt = &t
		if providerID != "" {
			s.byProvider[providerID] = id
		}
	}), nil
}

func (s *InMemoryStore) MarkMessageFailed(ctx context.Context, id, detail string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transitionLocked(id, []models.MessageState{models.MessagePending, models.MessageSending}, func(m *models.Message) {
		m.State = models.MessageFailed
		m.ErrorDetail = TruncateDetail(detail)
	}), nil
}

func (s *InMemoryStore) AdvanceMessageReceipt(ctx context.Context, id string, to models.MessageState, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := at.UTC()
	switch to {
	case models.MessageDelivered:
		return s.transitionLocked(id, []models.MessageState{models.MessageSent}, func(m *models.Message) {
			m.State = to
			m.DeliveredAt = &t
		}), nil
	case models.MessageRead:
		return s.transitionLocked(id, []models.MessageState{models.MessageSent, models.MessageDelivered}, func(m *models.Message) {
			m.State = to
			m.ReadAt = &t
		}), nil
	default:
		return false, fmt.Errorf("receipt cannot move message to %s", to)
	}
}

func (s *InMemoryStore) FailOpenMessages(ctx context.Context, campaignID, detail string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, id := range s.byCampaign[campaignID] {
		if s.transitionLocked(id, []models.MessageState{models.MessagePending, models.MessageSending}, func(m *models.Message) {
			m.State = models.MessageFailed
			m.ErrorDetail = TruncateDetail(detail)
		}) {
			n++
		}
	}
	if c, ok := s.campaigns[campaignID]; ok && n > 0 {
		s.addCounterLocked(c, models.CounterFailed, int(n))
	}
	return n, nil
}

func (s *InMemoryStore) FailStaleSendingMessages(ctx context.Context, detail string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, m := range s.messages {
		if m.State != models.MessageSending {
			continue
		}
		m.State = models.MessageFailed
		m.ErrorDetail = TruncateDetail(detail)
		if c, ok := s.campaigns[m.CampaignID]; ok {
			s.addCounterLocked(c, models.CounterFailed, 1)
		}
		n++
	}
	return n, nil
}

func (s *InMemoryStore) CountSentSince(ctx context.Context, ownerID string, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.messages {
		if m.SentAt == nil || m.SentAt.Before(since) {
			continue
		}
		if c, ok := s.campaigns[m.CampaignID]; ok && c.OwnerID == ownerID {
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) GetSettings(ctx context.Context) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.settings))
	for k, v := range s.settings {
		out[k] = v
	}
	return out, nil
}

func (s *InMemoryStore) PutSettings(ctx context.Context, values map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range values {
		s.settings[k] = v
	}
	return nil
}

func (s *InMemoryStore) Stats(ctx context.Context, sentSince time.Time) (models.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := models.Stats{MessagesByState: map[models.MessageState]int{}, GeneratedAt: time.Now().UTC()}
	for _, sess := range s.sessions {
		if sess.State == models.SessionConnected {
			st.ConnectedSessions++
		}
	}
	for _, c := range s.campaigns {
		if containsState(models.ActiveCampaignStates, c.State) {
			st.ActiveCampaigns++
		}
	}
	weekStart := sentSince.AddDate(0, 0, -6)
	for _, m := range s.messages {
		st.MessagesByState[m.State]++
		if m.SentAt != nil {
			if !m.SentAt.Before(sentSince) {
				st.SentToday++
			}
			if !m.SentAt.Before(weekStart) {
				st.SentThisWeek++
			}
		}
	}
	return st, nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}

func containsState[T comparable](states []T, st T) bool {
	for _, s := range states {
		if s == st {
			return true
		}
	}
	return false
}

var _ Store = (*InMemoryStore)(nil)
