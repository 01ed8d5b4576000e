package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/BulkPipe/internal/antispam"
	"github.com/BTreeMap/BulkPipe/internal/models"
	"github.com/BTreeMap/BulkPipe/internal/store"
)

func (s *Server) getAntiSpamHandler(w http.ResponseWriter, r *http.Request) {
	cfg := antispam.LoadConfig(r.Context(), s.store)
	writeJSONResponse(w, http.StatusOK, models.Success(cfg.ToModel()))
}

func (s *Server) putAntiSpamHandler(w http.ResponseWriter, r *http.Request) {
	var body models.AntiSpamSettings
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := s.validator.Struct(&body); err != nil {
		writeValidationError(w, err)
		return
	}
	cfg := antispam.FromModel(body)
	if err := s.store.PutSettings(r.Context(), cfg.Settings()); err != nil {
		slog.Error("Server.putAntiSpamHandler: failed to save settings", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to save settings"))
		return
	}
	slog.Info("Server.putAntiSpamHandler: pacing settings updated", "daily_limit", cfg.DailyLimit, "delay_min", cfg.DelayMin, "delay_max", cfg.DelayMax)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Settings saved", antispam.LoadConfig(r.Context(), s.store).ToModel()))
}

func (s *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context(), store.StartOfDay(s.now()))
	if err != nil {
		slog.Error("Server.statsHandler: failed to compute stats", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to compute stats"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(stats))
}
