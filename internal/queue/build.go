package queue

import (
	"strings"
	"time"

	"github.com/BTreeMap/BulkPipe/internal/models"
	"github.com/BTreeMap/BulkPipe/internal/util"
)

// BuildCampaign turns a validated creation request into a CREATED campaign and
// its PENDING messages. Recipient i gets variation i mod len(variations), or
// the base template when there are none.
func BuildCampaign(req models.CreateCampaignRequest, now time.Time) (*models.Campaign, []models.Message) {
	name := strings.TrimSpace(req.DisplayName)
	if name == "" {
		name = "Campaign " + now.Format("2006-01-02")
	}
	c := &models.Campaign{
		ID:              util.GenerateCampaignID(),
		OwnerID:         req.OwnerID,
		SessionRef:      req.OwnerID,
		DisplayName:     name,
		MessageTemplate: req.MessageTemplate,
		Variations:      append([]string(nil), req.Variations...),
		State:           models.CampaignCreated,
		TotalCount:      len(req.Recipients),
		CreatedAt:       now.UTC(),
	}

	msgs := make([]models.Message, len(req.Recipients))
	for i, r := range req.Recipients {
		idx, tmpl := 0, req.MessageTemplate
		if n := len(req.Variations); n > 0 {
			idx = i % n
			tmpl = req.Variations[idx]
		}
		msgs[i] = models.Message{
			ID:             util.GenerateMessageID(),
			CampaignID:     c.ID,
			Seq:            i,
			Destination:    strings.TrimSpace(r.Address),
			RecipientName:  r.Name,
			RenderedText:   Render(tmpl, r),
			VariationIndex: idx,
			State:          models.MessagePending,
			CreatedAt:      c.CreatedAt,
		}
	}
	return c, msgs
}

// Render substitutes {name}, {number} and {recipient} (the name, or the address
// when unnamed) plus any {key} from the recipient's variables. Unknown placeholders are left as written.
func Render(tmpl string, r models.Recipient) string {
	recipient := r.Name
	if recipient == "" {
		recipient = r.Address
	}
	pairs := []string{
		"{name}", r.Name,
		"{recipient}", recipient,
		"{number}", r.Address,
	}
	for k, v := range r.Vars {
		if k == "" {
			continue
		}
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(tmpl)
}
