package models

import (
	"strings"
	"time"
)

// CampaignState is the lifecycle state of a campaign.
type CampaignState string

const (
	CampaignCreated   CampaignState = "CREATED"
	CampaignQueued    CampaignState = "QUEUED"
	CampaignSending   CampaignState = "SENDING"
	CampaignPaused    CampaignState = "PAUSED"
	CampaignCancelled CampaignState = "CANCELLED"
	CampaignCompleted CampaignState = "COMPLETED"
)

// IsTerminal reports whether no further transitions are allowed.
func (s CampaignState) IsTerminal() bool {
	return s == CampaignCancelled || s == CampaignCompleted
}

// ActiveCampaignStates are the states counted as in progress.
var ActiveCampaignStates = []CampaignState{CampaignQueued, CampaignSending}

// MessageState is the delivery state of a single message.
type MessageState string

const (
	MessagePending   MessageState = "PENDING"
	MessageSending   MessageState = "SENDING"
	MessageSent      MessageState = "SENT"
	MessageDelivered MessageState = "DELIVERED"
	MessageRead      MessageState = "READ"
	MessageFailed    MessageState = "FAILED"
)

// Rank orders the forward path PENDING < SENDING < SENT < DELIVERED < READ.
// FAILED has no rank and returns -1.
func (s MessageState) Rank() int {
	switch s {
	case MessagePending:
		return 0
	case MessageSending:
		return 1
	case MessageSent:
		return 2
	case MessageDelivered:
		return 3
	case MessageRead:
		return 4
	default:
		return -1
	}
}

// CampaignCounter names one of the monotonically increasing campaign counters.
type CampaignCounter string

const (
	CounterSent      CampaignCounter = "sent_count"
	CounterDelivered CampaignCounter = "delivered_count"
	CounterRead      CampaignCounter = "read_count"
	CounterFailed    CampaignCounter = "failed_count"
)

// IsValid reports whether c names a known counter column.
func (c CampaignCounter) IsValid() bool {
	switch c {
	case CounterSent, CounterDelivered, CounterRead, CounterFailed:
		return true
	}
	return false
}

// Campaign is one bulk-send request.
type Campaign struct {
	ID              string        `json:"id"`
	OwnerID         string        `json:"owner_id"`
	SessionRef      string        `json:"session_ref"`
	DisplayName     string        `json:"display_name"`
	MessageTemplate string        `json:"message_template"`
	Variations      []string      `json:"variations"`
	State           CampaignState `json:"state"`
	TotalCount      int           `json:"total_count"`
	SentCount       int           `json:"sent_count"`
	DeliveredCount  int           `json:"delivered_count"`
	ReadCount       int           `json:"read_count"`
	FailedCount     int           `json:"failed_count"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// Message is one recipient within a campaign.
type Message struct {
	ID                string       `json:"id"`
	CampaignID        string       `json:"campaign_id"`
	Seq               int          `json:"seq"`
	Destination       string       `json:"destination"`
	RecipientName     string       `json:"recipient_name,omitempty"`
	RenderedText      string       `json:"rendered_text"`
	VariationIndex    int          `json:"variation_index"`
	State             MessageState `json:"state"`
	ProviderMessageID string       `json:"provider_message_id,omitempty"`
	SentAt            *time.Time   `json:"sent_at,omitempty"`
	DeliveredAt       *time.Time   `json:"delivered_at,omitempty"`
	ReadAt            *time.Time   `json:"read_at,omitempty"`
	ErrorDetail       string       `json:"error_detail,omitempty"`
	CreatedAt         time.Time    `json:"created_at"`
}

// CampaignDetail is a campaign together with its messages.
type CampaignDetail struct {
	Campaign
	Messages []Message `json:"messages"`
}

// Recipient is one destination supplied when a campaign is created.
type Recipient struct {
	Address string            `json:"address" validate:"required,max=32"`
	Name    string            `json:"name,omitempty" validate:"max=128"`
	Vars    map[string]string `json:"vars,omitempty"`
}

// CreateCampaignRequest is the body accepted by the campaign creation endpoint.
type CreateCampaignRequest struct {
	OwnerID         string      `json:"owner_id" validate:"required,max=128"`
	DisplayName     string      `json:"display_name,omitempty" validate:"max=200"`
	MessageTemplate string      `json:"message_template" validate:"required,max=4096"`
	Variations      []string    `json:"variations,omitempty" validate:"max=20,dive,required,max=4096"`
	Recipients      []Recipient `json:"recipients" validate:"required,min=1,max=5000,dive"`
}

// Validate performs the structural checks shared by every caller of the queue.
func (r *CreateCampaignRequest) Validate() error {
	if strings.TrimSpace(r.OwnerID) == "" {
		return ErrEmptyOwner
	}
	if strings.TrimSpace(r.MessageTemplate) == "" {
		return ErrEmptyTemplate
	}
	if len(r.Recipients) == 0 {
		return ErrNoRecipients
	}
	if len(r.Recipients) > MaxRecipients {
		return ErrTooManyRecipient
	}
	for _, rc := range r.Recipients {
		if strings.TrimSpace(rc.Address) == "" {
			return ErrEmptyRecipient
		}
	}
	return nil
}

// AntiSpamSettings is the JSON shape of the pacing configuration, in milliseconds.
type AntiSpamSettings struct {
	DelayMinMs      int64 `json:"delay_min_ms" validate:"min=0"`
	DelayMaxMs      int64 `json:"delay_max_ms" validate:"gtefield=DelayMinMs"`
	BurstMin        int   `json:"burst_min" validate:"min=1"`
	BurstMax        int   `json:"burst_max" validate:"gtefield=BurstMin"`
	BurstPauseMinMs int64 `json:"burst_pause_min_ms" validate:"min=0"`
	BurstPauseMaxMs int64 `json:"burst_pause_max_ms" validate:"gtefield=BurstPauseMinMs"`
	DailyLimit      int   `json:"daily_limit" validate:"min=0"`
}
