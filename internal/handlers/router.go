package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/xelth-com/seedtrackgo/internal/buildinfo"
	"github.com/xelth-com/seedtrackgo/internal/logger"
	"github.com/xelth-com/seedtrackgo/internal/middleware"
	"github.com/xelth-com/seedtrackgo/internal/services/ingest"
	"github.com/xelth-com/seedtrackgo/internal/websocket"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Options configures the server API
type Options struct {
	JWTSecret string
	// EnrollmentSecretHash is a bcrypt hash; devices presenting the secret
	// are activated without admin approval
	EnrollmentSecretHash string
	DeviceTokenTTL       time.Duration
	// SignatureWindow bounds the age of signed finalization requests
	SignatureWindow time.Duration
}

// Router wraps the mux router and the services behind it
type Router struct {
	*mux.Router
	db     *gorm.DB
	ingest *ingest.Service
	hub    *websocket.Hub
	opts   Options
	now    func() time.Time
	log    *zap.Logger
}

// NewRouter creates a new HTTP router with all routes
func NewRouter(db *gorm.DB, svc *ingest.Service, hub *websocket.Hub, opts Options, log *zap.Logger) *Router {
	if opts.DeviceTokenTTL <= 0 {
		opts.DeviceTokenTTL = 90 * 24 * time.Hour
	}
	if opts.SignatureWindow <= 0 {
		opts.SignatureWindow = 5 * time.Minute
	}
	r := &Router{
		Router: mux.NewRouter(),
		db:     db,
		ingest: svc,
		hub:    hub,
		opts:   opts,
		now:    time.Now,
		log:    logger.OrNop(log),
	}

	// Health check endpoint
	r.HandleFunc("/health", r.healthCheck).Methods("GET")

	// Public: clock source and pairing handshake
	r.HandleFunc("/api/time", r.getTime).Methods("GET")
	r.HandleFunc("/api/devices/register", r.registerDevice).Methods("POST")
	r.HandleFunc("/ws", r.serveWs).Methods("GET")

	// Device routes (JWT)
	api := r.PathPrefix("/api").Subrouter()
	api.Use(middleware.Auth(opts.JWTSecret))
	api.HandleFunc("/sync/changes", r.submitChange).Methods("POST")
	api.HandleFunc("/applicators/{serial}", r.getApplicator).Methods("GET")
	api.HandleFunc("/treatments/{id}/bundle", r.getBundle).Methods("GET")
	api.HandleFunc("/treatments/{id}/finalize", r.finalizeTreatment).Methods("POST")

	// Admin routes
	admin := r.PathPrefix("/admin").Subrouter()
	admin.Use(middleware.Auth(opts.JWTSecret), middleware.RequireRole("admin"))
	admin.HandleFunc("/devices", r.listDevices).Methods("GET")
	admin.HandleFunc("/devices/{id}/status", r.updateDeviceStatus).Methods("PUT")
	admin.HandleFunc("/treatments", r.registerTreatment).Methods("POST")
	admin.HandleFunc("/whoami", r.whoami).Methods("GET")

	return r
}

// healthCheck returns the health status of the API
func (r *Router) healthCheck(w http.ResponseWriter, req *http.Request) {
	sqlDB, err := r.db.DB()
	if err == nil {
		err = sqlDB.PingContext(req.Context())
	}
	status := "ok"
	code := http.StatusOK
	if err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	respondJSON(w, code, map[string]interface{}{
		"status":    status,
		"build":     buildinfo.Current(),
		"wsClients": r.hub.Connected(),
	})
}

// respondJSON sends a JSON response
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError sends an error response
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{
		"error": message,
	})
}
