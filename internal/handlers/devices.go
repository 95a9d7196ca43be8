package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/xelth-com/seedtrackgo/internal/middleware"
	"github.com/xelth-com/seedtrackgo/internal/models"
	"github.com/xelth-com/seedtrackgo/internal/services/ingest"
	"github.com/xelth-com/seedtrackgo/internal/utils"
	"go.uber.org/zap"
)

// DeviceRegisterRequest represents a device registration request
type DeviceRegisterRequest struct {
	DeviceID         string `json:"deviceId"`
	DeviceName       string `json:"deviceName"`
	DevicePublicKey  string `json:"devicePublicKey"` // Base64
	Signature        string `json:"signature"`       // Base64
	EnrollmentSecret string `json:"enrollmentSecret,omitempty"`
}

// DeviceRegisterResponse is returned by the pairing handshake. Token is set
// only for active devices.
type DeviceRegisterResponse struct {
	Status  models.DeviceStatus `json:"status"`
	Token   string              `json:"token,omitempty"`
	Message string              `json:"message"`
}

// registerDevice handles the cryptographic pairing handshake
func (r *Router) registerDevice(w http.ResponseWriter, req *http.Request) {
	var body DeviceRegisterRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request")
		return
	}

	// Validate required fields
	if body.DeviceID == "" || body.DevicePublicKey == "" || body.Signature == "" {
		respondError(w, http.StatusBadRequest, "Missing required fields")
		return
	}

	// 1. Verify Signature
	valid, err := utils.VerifySignature(body.DevicePublicKey, utils.RegistrationMessage(body.DeviceID, body.DevicePublicKey), body.Signature)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !valid {
		respondError(w, http.StatusForbidden, "Invalid signature")
		return
	}

	// 2. Register or Update Device
	enrolled := r.opts.EnrollmentSecretHash != "" && body.EnrollmentSecret != "" &&
		utils.CheckPasswordHash(body.EnrollmentSecret, r.opts.EnrollmentSecretHash)

	var device models.RegisteredDevice
	result := r.db.WithContext(req.Context()).Where("device_id = ?", body.DeviceID).First(&device)
	if result.Error == nil {
		if device.PublicKey != body.DevicePublicKey && device.Status == models.DeviceStatusActive && !enrolled {
			// a new key for an active device needs approval again
			device.Status = models.DeviceStatusPending
		}
		if device.Status == models.DeviceStatusPending && enrolled {
			device.Status = models.DeviceStatusActive
		}
		device.PublicKey = body.DevicePublicKey
		if body.DeviceName != "" {
			device.Name = body.DeviceName
		}
	} else {
		device = models.RegisteredDevice{
			DeviceID:  body.DeviceID,
			Name:      body.DeviceName,
			PublicKey: body.DevicePublicKey,
			Status:    models.DeviceStatusPending,
		}
		if enrolled {
			device.Status = models.DeviceStatusActive
		}
	}
	device.LastSeenAt = r.now().UTC()
	if err := r.db.WithContext(req.Context()).Save(&device).Error; err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to register device")
		return
	}
	r.log.Info("Device registered", zap.String("device_id", device.DeviceID), zap.String("status", string(device.Status)))

	resp := DeviceRegisterResponse{Status: device.Status}
	switch device.Status {
	case models.DeviceStatusActive:
		// 3. Generate Token for the device
		token, err := utils.GenerateDeviceToken(device.DeviceID, r.opts.JWTSecret, r.opts.DeviceTokenTTL)
		if err != nil {
			respondError(w, http.StatusInternalServerError, "Failed to generate device token")
			return
		}
		resp.Token = token
		resp.Message = "Device registered and authorized"
	case models.DeviceStatusBlocked:
		respondJSON(w, http.StatusForbidden, DeviceRegisterResponse{Status: device.Status, Message: "Device is blocked"})
		return
	default:
		resp.Message = "Device registered, waiting for approval"
	}
	respondJSON(w, http.StatusOK, resp)
}

// listDevices returns all registered devices ordered by status (pending first)
func (r *Router) listDevices(w http.ResponseWriter, req *http.Request) {
	var devices []models.RegisteredDevice
	if err := r.db.WithContext(req.Context()).Order("CASE WHEN status = 'pending' THEN 1 WHEN status = 'active' THEN 2 ELSE 3 END, created_at DESC").Find(&devices).Error; err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to fetch devices")
		return
	}
	respondJSON(w, http.StatusOK, devices)
}

// updateDeviceStatus changes the status of a device (e.g. pending -> active)
func (r *Router) updateDeviceStatus(w http.ResponseWriter, req *http.Request) {
	id := mux.Vars(req)["id"]

	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request")
		return
	}

	status := models.DeviceStatus(body.Status)
	if status != models.DeviceStatusActive && status != models.DeviceStatusBlocked && status != models.DeviceStatusPending {
		respondError(w, http.StatusBadRequest, "Invalid status")
		return
	}

	var device models.RegisteredDevice
	if err := r.db.WithContext(req.Context()).First(&device, "device_id = ?", id).Error; err != nil {
		respondError(w, http.StatusNotFound, "Device not found")
		return
	}

	device.Status = status
	if err := r.db.WithContext(req.Context()).Save(&device).Error; err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to update status")
		return
	}

	respondJSON(w, http.StatusOK, device)
}

// registerTreatment loads a planned treatment and its applicators
func (r *Router) registerTreatment(w http.ResponseWriter, req *http.Request) {
	var body ingest.Bundle
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil || body.Treatment.ID == "" {
		respondError(w, http.StatusBadRequest, "Invalid treatment")
		return
	}
	if err := r.ingest.Register(req.Context(), body); err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to register treatment")
		return
	}
	respondJSON(w, http.StatusCreated, map[string]interface{}{
		"id":          body.Treatment.ID,
		"applicators": len(body.Applicators),
	})
}

// whoami echoes the administrator behind the token, so a device can confirm
// an admin token before acting on a conflict
func (r *Router) whoami(w http.ResponseWriter, req *http.Request) {
	claims, _ := middleware.Claims(req.Context())
	respondJSON(w, http.StatusOK, map[string]string{
		"name": utils.ClaimString(claims, "sub"),
		"role": utils.ClaimString(claims, "role"),
	})
}
