package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/BTreeMap/BulkPipe/internal/models"
	"github.com/BTreeMap/BulkPipe/internal/queue"
	"github.com/BTreeMap/BulkPipe/internal/store"
)

// MaxListLimit caps the limit query parameter of campaign listings.
const MaxListLimit = 200

// CreateCampaignResult is returned when a campaign is accepted.
type CreateCampaignResult struct {
	CampaignID string               `json:"campaign_id"`
	State      models.CampaignState `json:"state"`
	TotalCount int                  `json:"total_count"`
}

func (s *Server) createCampaignHandler(w http.ResponseWriter, r *http.Request) {
	var req models.CreateCampaignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.createCampaignHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := s.validator.Struct(&req); err != nil {
		slog.Warn("Server.createCampaignHandler: validation failed", "error", err, "owner", req.OwnerID)
		writeValidationError(w, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeValidationError(w, err)
		return
	}
	if !s.sessions.IsConnected(req.OwnerID) {
		slog.Warn("Server.createCampaignHandler: session not connected", "owner", req.OwnerID)
		writeJSONResponse(w, http.StatusConflict, models.Error("WhatsApp session not connected"))
		return
	}

	c, msgs := queue.BuildCampaign(req, s.now())
	if err := s.store.CreateCampaign(r.Context(), c, msgs); err != nil {
		slog.Error("Server.createCampaignHandler: failed to store campaign", "error", err, "owner", req.OwnerID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to create campaign"))
		return
	}
	if err := s.campaigns.Enqueue(r.Context(), c.ID, c.OwnerID); err != nil {
		slog.Error("Server.createCampaignHandler: failed to enqueue campaign", "error", err, "campaign_id", c.ID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to enqueue campaign"))
		return
	}
	slog.Info("Server.createCampaignHandler: campaign created", "campaign_id", c.ID, "owner", c.OwnerID, "recipients", len(msgs))
	writeJSONResponse(w, http.StatusCreated, models.SuccessWithMessage("Campaign queued", CreateCampaignResult{
		CampaignID: c.ID,
		State:      models.CampaignQueued,
		TotalCount: len(msgs),
	}))
}

func (s *Server) listCampaignsHandler(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("owner_id")
	if owner == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("owner_id is required"))
		return
	}
	limit := store.DefaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("limit must be a positive integer"))
			return
		}
		limit = min(n, MaxListLimit)
	}
	campaigns, err := s.store.ListCampaigns(r.Context(), owner, limit)
	if err != nil {
		slog.Error("Server.listCampaignsHandler: failed to list campaigns", "error", err, "owner", owner)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list campaigns"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(campaigns))
}

func (s *Server) getCampaignHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	c, err := s.store.GetCampaign(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Campaign not found"))
		return
	}
	if err != nil {
		slog.Error("Server.getCampaignHandler: failed to load campaign", "error", err, "campaign_id", id)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load campaign"))
		return
	}
	msgs, err := s.store.ListMessages(r.Context(), id)
	if err != nil {
		slog.Error("Server.getCampaignHandler: failed to load messages", "error", err, "campaign_id", id)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load campaign messages"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(models.CampaignDetail{Campaign: *c, Messages: msgs}))
}

func (s *Server) campaignActionHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	action := chi.URLParam(r, "action")

	var (
		c   *models.Campaign
		err error
	)
	switch action {
	case "pause":
		c, err = s.campaigns.Pause(r.Context(), id)
	case "resume":
		c, err = s.campaigns.Resume(r.Context(), id)
	case "cancel":
		c, err = s.campaigns.Cancel(r.Context(), id)
	default:
		writeJSONResponse(w, http.StatusNotFound, models.Error("Unknown campaign action"))
		return
	}

	switch {
	case errors.Is(err, queue.ErrCampaignNotFound):
		writeJSONResponse(w, http.StatusNotFound, models.Error("Campaign not found"))
	case errors.Is(err, queue.ErrInvalidTransition):
		writeJSONResponse(w, http.StatusConflict, models.Error(err.Error()))
	case err != nil:
		slog.Error("Server.campaignActionHandler: action failed", "action", action, "campaign_id", id, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to "+action+" campaign"))
	default:
		slog.Info("Server.campaignActionHandler: action applied", "action", action, "campaign_id", id, "state", c.State)
		writeJSONResponse(w, http.StatusOK, models.Success(c))
	}
}
