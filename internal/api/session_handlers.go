package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/BTreeMap/BulkPipe/internal/events"
	"github.com/BTreeMap/BulkPipe/internal/models"
	"github.com/BTreeMap/BulkPipe/internal/whatsapp"
)

func ownerParam(r *http.Request) string {
	return strings.TrimSpace(chi.URLParam(r, "owner"))
}

// connectHandler starts linking in the background and answers immediately.
func (s *Server) connectHandler(w http.ResponseWriter, r *http.Request) {
	owner := ownerParam(r)
	slog.Debug("Server.connectHandler: connect requested", "owner", owner)
	go func() {
		if err := s.sessions.Connect(context.Background(), owner); err != nil {
			slog.Error("Server.connectHandler: connect failed", "owner", owner, "error", err)
		}
	}()
	writeJSONResponse(w, http.StatusAccepted, models.Accepted("Connection started"))
}

func (s *Server) disconnectHandler(w http.ResponseWriter, r *http.Request) {
	owner := ownerParam(r)
	if err := s.sessions.Disconnect(r.Context(), owner); err != nil {
		slog.Error("Server.disconnectHandler: disconnect failed", "owner", owner, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to disconnect session"))
		return
	}
	slog.Info("Server.disconnectHandler: session disconnected", "owner", owner)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Session disconnected", nil))
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	owner := ownerParam(r)
	status, err := s.sessions.GetStatus(r.Context(), owner)
	if err != nil {
		slog.Error("Server.statusHandler: failed to read status", "owner", owner, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to read session status"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(status))
}

// qrStreamHandler streams the operator's session events as Server-Sent Events
// and ends once the session connects or disconnects.
func (s *Server) qrStreamHandler(w http.ResponseWriter, r *http.Request) {
	owner := ownerParam(r)
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Streaming unsupported"))
		return
	}
	sub := s.sessions.Subscribe(owner)
	defer sub.Cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if s.sessions.IsConnected(owner) {
		writeSSE(w, events.Event{Type: events.TypeSessionConnected, OwnerID: owner, State: string(models.SessionConnected), Time: s.now()})
		flusher.Flush()
		return
	}
	if code := s.sessions.QRCode(owner); code != "" {
		writeSSE(w, events.Event{Type: events.TypeSessionQR, OwnerID: owner, State: string(models.SessionQRPending), QRCode: code, Time: s.now()})
	}
	flusher.Flush()

	keepAlive := time.NewTicker(SSEKeepAliveInterval)
	defer keepAlive.Stop()
	for {
		select {
		case <-r.Context().Done():
			slog.Debug("Server.qrStreamHandler: client went away", "owner", owner)
			return
		case <-keepAlive.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case e, ok := <-sub.C:
			if !ok {
				return
			}
			if !strings.HasPrefix(string(e.Type), "session.") {
				continue
			}
			writeSSE(w, e)
			flusher.Flush()
			if e.Type == events.TypeSessionConnected || e.Type == events.TypeSessionDisconnected {
				return
			}
		}
	}
}

func writeSSE(w http.ResponseWriter, e events.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		slog.Error("writeSSE: failed to marshal event", "type", e.Type, "error", err)
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, data)
}

// qrImageHandler renders the pending pairing code as a PNG, or as terminal
// text with ?format=text.
func (s *Server) qrImageHandler(w http.ResponseWriter, r *http.Request) {
	owner := ownerParam(r)
	code := s.sessions.QRCode(owner)
	if code == "" {
		writeJSONResponse(w, http.StatusNotFound, models.Error("No pairing code pending"))
		return
	}
	if r.URL.Query().Get("format") == "text" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		whatsapp.WriteQRTerminal(w, code)
		return
	}
	size, _ := strconv.Atoi(r.URL.Query().Get("size"))
	if size < 0 || size > 1024 {
		size = 0
	}
	png, err := whatsapp.EncodeQRPNG(code, size)
	if err != nil {
		slog.Error("Server.qrImageHandler: failed to render QR", "owner", owner, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to render pairing code"))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	if _, err := w.Write(png); err != nil {
		slog.Error("Server.qrImageHandler: failed to write image", "error", err)
	}
}
