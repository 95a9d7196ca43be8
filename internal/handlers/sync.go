package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/xelth-com/seedtrackgo/internal/clocksync"
	"github.com/xelth-com/seedtrackgo/internal/middleware"
	"github.com/xelth-com/seedtrackgo/internal/models"
	"github.com/xelth-com/seedtrackgo/internal/services/ingest"
	"github.com/xelth-com/seedtrackgo/internal/sync"
	"github.com/xelth-com/seedtrackgo/internal/utils"
	"github.com/xelth-com/seedtrackgo/internal/websocket"
	"go.uber.org/zap"
)

const maxChangeBody = 1 << 20

// getTime is the reference clock for device clock sync
func (r *Router) getTime(w http.ResponseWriter, req *http.Request) {
	respondJSON(w, http.StatusOK, clocksync.TimeResponse{ServerTime: r.now().UTC()})
}

// submitChange ingests one queued device change
func (r *Router) submitChange(w http.ResponseWriter, req *http.Request) {
	device, ok := r.activeDevice(w, req)
	if !ok {
		return
	}

	var body sync.SubmitRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxChangeBody)).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}
	if body.DeviceID != device.DeviceID {
		respondError(w, http.StatusForbidden, "Change was not recorded by this device")
		return
	}

	out, err := r.ingest.Submit(req.Context(), body)
	if err != nil {
		r.log.Error("Failed to apply change", zap.String("entity_id", body.EntityID), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "Failed to apply change")
		return
	}
	respondJSON(w, out.Code, out.Body)
}

// getApplicator returns the authoritative applicator record
func (r *Router) getApplicator(w http.ResponseWriter, req *http.Request) {
	serial := mux.Vars(req)["serial"]
	a, err := r.ingest.Applicator(req.Context(), serial)
	if errors.Is(err, ingest.ErrNotFound) {
		respondError(w, http.StatusNotFound, "Applicator not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to load applicator")
		return
	}
	respondJSON(w, http.StatusOK, a)
}

// getBundle serves a treatment snapshot for offline download
func (r *Router) getBundle(w http.ResponseWriter, req *http.Request) {
	if _, ok := r.activeDevice(w, req); !ok {
		return
	}
	b, err := r.ingest.Bundle(req.Context(), mux.Vars(req)["id"])
	if errors.Is(err, ingest.ErrNotFound) {
		respondError(w, http.StatusNotFound, "Treatment not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to load treatment")
		return
	}
	respondJSON(w, http.StatusOK, b)
}

// FinalizeRequest is a device-signed request to complete a treatment
type FinalizeRequest struct {
	Actor     string `json:"actor"`
	SignedAt  int64  `json:"signedAt"`
	Signature string `json:"signature"` // Base64
}

// finalizeTreatment verifies the device signature and completes the treatment
func (r *Router) finalizeTreatment(w http.ResponseWriter, req *http.Request) {
	device, ok := r.activeDevice(w, req)
	if !ok {
		return
	}
	id := mux.Vars(req)["id"]

	var body FinalizeRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil || body.Actor == "" || body.Signature == "" {
		respondError(w, http.StatusBadRequest, "Missing required fields")
		return
	}

	age := r.now().Sub(time.Unix(body.SignedAt, 0))
	if age < -r.opts.SignatureWindow || age > r.opts.SignatureWindow {
		respondError(w, http.StatusForbidden, "Signature outside the accepted window")
		return
	}
	valid, err := utils.VerifySignature(device.PublicKey, utils.FinalizationMessage(id, body.Actor, body.SignedAt), body.Signature)
	if err != nil || !valid {
		respondError(w, http.StatusForbidden, "Invalid signature")
		return
	}

	err = r.ingest.Finalize(req.Context(), id, body.Actor)
	if errors.Is(err, ingest.ErrNotFound) {
		respondError(w, http.StatusNotFound, "Treatment not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to finalize treatment")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "completed", "id": id})
}

// serveWs upgrades an authenticated connection to the change feed. Browsers
// cannot set headers on websocket requests, so the token may come as a
// query parameter.
func (r *Router) serveWs(w http.ResponseWriter, req *http.Request) {
	token := req.URL.Query().Get("token")
	if token == "" {
		if h := req.Header.Get("Authorization"); len(h) > 7 && h[:7] == "Bearer " {
			token = h[7:]
		}
	}
	if _, err := utils.ValidateToken(token, r.opts.JWTSecret); err != nil {
		respondError(w, http.StatusUnauthorized, "Invalid or expired token")
		return
	}
	websocket.ServeWs(r.hub, w, req)
}

// activeDevice resolves the calling device from its token. Unknown or
// inactive devices are rejected.
func (r *Router) activeDevice(w http.ResponseWriter, req *http.Request) (*models.RegisteredDevice, bool) {
	claims, _ := middleware.Claims(req.Context())
	deviceID := utils.ClaimString(claims, "device_id")
	if deviceID == "" {
		respondError(w, http.StatusForbidden, "Device token required")
		return nil, false
	}

	var device models.RegisteredDevice
	if err := r.db.WithContext(req.Context()).First(&device, "device_id = ?", deviceID).Error; err != nil {
		respondError(w, http.StatusForbidden, "Device not registered")
		return nil, false
	}
	if device.Status != models.DeviceStatusActive {
		respondError(w, http.StatusForbidden, "Device is "+string(device.Status))
		return nil, false
	}

	r.db.WithContext(req.Context()).Model(&device).Update("last_seen_at", r.now().UTC())
	return &device, true
}
