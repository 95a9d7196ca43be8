// Package ingest is the server side of the sync protocol: it applies device
// changes idempotently, keyed by content hash, against versioned records.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/xelth-com/seedtrackgo/internal/logger"
	"github.com/xelth-com/seedtrackgo/internal/models"
	"github.com/xelth-com/seedtrackgo/internal/sync"
	"github.com/xelth-com/seedtrackgo/internal/utils"
	"github.com/xelth-com/seedtrackgo/internal/validation"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrNotFound     = errors.New("ingest: record not found")
	ErrVersionMoved = errors.New("ingest: record version moved")
	// ErrUnverifiedResolution refuses a resolved change without a valid
	// administrator token
	ErrUnverifiedResolution = errors.New("ingest: conflict resolution not signed by an administrator")
)

// Event is broadcast after a change has been applied
type Event struct {
	Type       string    `json:"type"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	Version    int64     `json:"version"`
	Status     string    `json:"status,omitempty"`
	DeviceID   string    `json:"device_id"`
	AppliedAt  time.Time `json:"applied_at"`
}

// EventChangeApplied is the Type of events sent after a successful apply
const EventChangeApplied = "change_applied"

// Broadcaster receives applied-change events; the websocket hub implements it
type Broadcaster interface {
	Broadcast(v interface{})
}

// Outcome is the HTTP status and body answering one submission
type Outcome struct {
	Code int
	Body sync.SubmitResponse
}

// TreatmentPayload is the body of a treatment create or update
type TreatmentPayload struct {
	Type       string `json:"type,omitempty"`
	Indication string `json:"indication,omitempty"`
	Site       string `json:"site,omitempty"`
	Completed  bool   `json:"completed,omitempty"`
}

// Service applies submitted changes
type Service struct {
	db       *gorm.DB
	hasher   sync.Hasher
	validate *validator.Validate
	notify   Broadcaster
	secret   string
	now      func() time.Time
	log      *zap.Logger
}

// NewService creates an ingest service. notify may be nil. jwtSecret
// verifies the administrator tokens carried by resolved changes.
func NewService(db *gorm.DB, notify Broadcaster, jwtSecret string, log *zap.Logger) *Service {
	return &Service{
		db:       db,
		hasher:   sync.NewChecksumCalculator(),
		validate: validator.New(),
		notify:   notify,
		secret:   jwtSecret,
		now:      time.Now,
		log:      logger.OrNop(log),
	}
}

func reject(code int, reason string, server *sync.ServerVersion) Outcome {
	return Outcome{Code: code, Body: sync.SubmitResponse{Error: reason, Server: server}}
}

// Submit validates and applies one change. Only storage failures are
// returned as errors; protocol outcomes are carried in the Outcome.
func (s *Service) Submit(ctx context.Context, req sync.SubmitRequest) (Outcome, error) {
	if err := s.validate.Struct(req); err != nil {
		return reject(http.StatusBadRequest, err.Error(), nil), nil
	}

	canon, err := sync.CanonicalJSON(req.Payload)
	if err != nil {
		return reject(http.StatusBadRequest, "payload is not valid JSON", nil), nil
	}
	hash, err := s.hasher.Hash(req.EntityType, req.EntityID, req.Operation, req.BaseVersion, canon)
	if err != nil {
		return Outcome{}, err
	}
	if hash != req.ContentHash {
		s.log.Warn("Content hash mismatch",
			zap.String("entity_id", req.EntityID),
			zap.String("device_id", req.DeviceID))
		return reject(http.StatusBadRequest, "content hash mismatch", nil), nil
	}

	var out Outcome
	var event *Event
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var prior models.AppliedChange
		err := tx.Where("content_hash = ?", hash).First(&prior).Error
		if err == nil {
			out = Outcome{Code: http.StatusOK, Body: sync.SubmitResponse{Status: sync.StatusDuplicate, Version: prior.ResultVersion}}
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		var version int64
		switch req.EntityType {
		case models.EntityApplicator:
			out, version, err = s.applyApplicator(tx, req, canon)
		default:
			out, version, err = s.applyTreatment(tx, req, canon)
		}
		if err != nil || out.Code != http.StatusCreated {
			return err
		}

		applied := models.AppliedChange{
			ContentHash:   hash,
			EntityType:    req.EntityType,
			EntityID:      req.EntityID,
			Operation:     req.Operation,
			DeviceID:      req.DeviceID,
			Payload:       canon,
			ResultVersion: version,
			AppliedAt:     s.now().UTC(),
		}
		// a concurrent submission of the same hash loses the unique index race
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&applied)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrVersionMoved
		}
		event = &Event{
			Type:       EventChangeApplied,
			EntityType: req.EntityType,
			EntityID:   req.EntityID,
			Version:    version,
			Status:     statusOf(out.Body.Server),
			DeviceID:   req.DeviceID,
			AppliedAt:  applied.AppliedAt,
		}
		return nil
	})
	if errors.Is(err, ErrVersionMoved) {
		var prior models.AppliedChange
		if s.db.WithContext(ctx).Where("content_hash = ?", hash).First(&prior).Error == nil {
			return Outcome{Code: http.StatusOK, Body: sync.SubmitResponse{Status: sync.StatusDuplicate, Version: prior.ResultVersion}}, nil
		}
		server, lookupErr := s.serverVersion(ctx, req.EntityType, req.EntityID)
		if lookupErr != nil {
			return Outcome{}, lookupErr
		}
		return reject(http.StatusConflict, "record changed concurrently", server), nil
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("apply %s %s: %w", req.EntityType, req.EntityID, err)
	}

	if event != nil {
		out.Body.Server = nil
		s.log.Info("Change applied",
			zap.String("entity_type", req.EntityType),
			zap.String("entity_id", req.EntityID),
			zap.String("operation", req.Operation),
			zap.Int64("version", event.Version),
			zap.String("device_id", req.DeviceID))
		if s.notify != nil {
			s.notify.Broadcast(event)
		}
	}
	return out, nil
}

func (s *Service) applyApplicator(tx *gorm.DB, req sync.SubmitRequest, canon []byte) (Outcome, int64, error) {
	var current models.ServerApplicator
	err := tx.Where("serial = ?", req.EntityID).First(&current).Error
	exists := err == nil
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return Outcome{}, 0, err
	}

	if exists && current.Version != req.BaseVersion {
		return reject(http.StatusConflict, "baseline version mismatch", applicatorVersion(&current)), 0, nil
	}
	if !exists {
		if req.BaseVersion != 0 {
			return reject(http.StatusConflict, "applicator unknown to server", &sync.ServerVersion{EntityType: req.EntityType, EntityID: req.EntityID}), 0, nil
		}
		current = models.ServerApplicator{Serial: req.EntityID}
	}

	next := current
	switch req.Operation {
	case models.OpCreate:
		if exists {
			return reject(http.StatusConflict, "applicator already exists", applicatorVersion(&current)), 0, nil
		}
		var p sync.CreatePayload
		if err := json.Unmarshal(canon, &p); err != nil {
			return reject(http.StatusBadRequest, "malformed create payload", nil), 0, nil
		}
		next.TreatmentID = p.TreatmentID
		next.SeedQuantity = p.SeedQuantity
		next.Status = string(p.Status)

	case models.OpStatusChange:
		var p sync.StatusChangePayload
		if err := json.Unmarshal(canon, &p); err != nil {
			return reject(http.StatusBadRequest, "malformed status payload", nil), 0, nil
		}
		if p.TreatmentID != "" && next.TreatmentID == "" {
			next.TreatmentID = p.TreatmentID
		}
		// only an administrator's resolution may leave the graph
		if p.Resolution != "" {
			if err := s.verifyResolution(p); err != nil {
				s.log.Warn("Resolved change refused",
					zap.String("entity_id", req.EntityID),
					zap.String("device_id", req.DeviceID),
					zap.String("resolved_by", p.ResolvedBy),
					zap.Error(err))
				return reject(http.StatusForbidden, err.Error(), nil), 0, nil
			}
		}
		if p.Resolution == "" {
			res := validation.Check(validation.TransitionRequest{
				Topology: s.topology(tx, next.TreatmentID),
				From:     validation.Status(current.Status),
				To:       p.To,
			})
			if !res.Allowed {
				return reject(http.StatusUnprocessableEntity, res.Reason, applicatorVersion(&current)), 0, nil
			}
		} else if !p.To.Valid() {
			return reject(http.StatusUnprocessableEntity, fmt.Sprintf("unknown status %q", p.To), applicatorVersion(&current)), 0, nil
		}
		next.Status = string(p.To)

	case models.OpUpdate:
		var p sync.UpdatePayload
		if err := json.Unmarshal(canon, &p); err != nil {
			return reject(http.StatusBadRequest, "malformed update payload", nil), 0, nil
		}
		if res := validation.ValidateComment(p.Comment); !res.Allowed {
			return reject(http.StatusUnprocessableEntity, res.Reason, applicatorVersion(&current)), 0, nil
		}
		next.Comment = p.Comment
	}

	next.Version = req.BaseVersion + 1
	next.LastDeviceID = req.DeviceID
	next.UpdatedAt = s.now().UTC()

	if exists {
		// optimistic write: the row must still be at the baseline
		res := tx.Model(&models.ServerApplicator{}).
			Where("serial = ? AND version = ?", current.Serial, current.Version).
			Updates(map[string]interface{}{
				"treatment_id":   next.TreatmentID,
				"seed_quantity":  next.SeedQuantity,
				"status":         next.Status,
				"comment":        next.Comment,
				"version":        next.Version,
				"last_device_id": next.LastDeviceID,
				"updated_at":     next.UpdatedAt,
			})
		if res.Error != nil {
			return Outcome{}, 0, res.Error
		}
		if res.RowsAffected == 0 {
			return Outcome{}, 0, ErrVersionMoved
		}
	} else if err := tx.Create(&next).Error; err != nil {
		return Outcome{}, 0, err
	}

	return Outcome{Code: http.StatusCreated, Body: sync.SubmitResponse{
		Status:  sync.StatusApplied,
		Version: next.Version,
		Server:  applicatorVersion(&next),
	}}, next.Version, nil
}

func (s *Service) applyTreatment(tx *gorm.DB, req sync.SubmitRequest, canon []byte) (Outcome, int64, error) {
	var current models.ServerTreatment
	err := tx.Where("id = ?", req.EntityID).First(&current).Error
	exists := err == nil
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return Outcome{}, 0, err
	}
	if exists && current.Version != req.BaseVersion {
		return reject(http.StatusConflict, "baseline version mismatch", treatmentVersion(&current)), 0, nil
	}
	if !exists && req.BaseVersion != 0 {
		return reject(http.StatusConflict, "treatment unknown to server", &sync.ServerVersion{EntityType: req.EntityType, EntityID: req.EntityID}), 0, nil
	}
	if req.Operation == models.OpStatusChange {
		return reject(http.StatusUnprocessableEntity, "treatments have no status transitions", treatmentVersion(&current)), 0, nil
	}

	var p TreatmentPayload
	if err := json.Unmarshal(canon, &p); err != nil {
		return reject(http.StatusBadRequest, "malformed treatment payload", nil), 0, nil
	}

	next := current
	next.ID = req.EntityID
	if p.Type != "" {
		next.Type = p.Type
	}
	if p.Indication != "" {
		next.Indication = p.Indication
	}
	if p.Site != "" {
		next.Site = p.Site
	}
	next.Completed = next.Completed || p.Completed
	next.Version = req.BaseVersion + 1
	next.LastDeviceID = req.DeviceID
	next.UpdatedAt = s.now().UTC()

	if exists {
		res := tx.Model(&models.ServerTreatment{}).
			Where("id = ? AND version = ?", current.ID, current.Version).
			Updates(map[string]interface{}{
				"type":           next.Type,
				"indication":     next.Indication,
				"site":           next.Site,
				"completed":      next.Completed,
				"version":        next.Version,
				"last_device_id": next.LastDeviceID,
				"updated_at":     next.UpdatedAt,
			})
		if res.Error != nil {
			return Outcome{}, 0, res.Error
		}
		if res.RowsAffected == 0 {
			return Outcome{}, 0, ErrVersionMoved
		}
	} else if err := tx.Create(&next).Error; err != nil {
		return Outcome{}, 0, err
	}

	return Outcome{Code: http.StatusCreated, Body: sync.SubmitResponse{
		Status:  sync.StatusApplied,
		Version: next.Version,
		Server:  treatmentVersion(&next),
	}}, next.Version, nil
}

// verifyResolution checks that the resolution was made by the administrator
// it names
func (s *Service) verifyResolution(p sync.StatusChangePayload) error {
	if s.secret == "" || p.ResolverToken == "" {
		return ErrUnverifiedResolution
	}
	claims, err := utils.ValidateToken(p.ResolverToken, s.secret)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnverifiedResolution, err)
	}
	if utils.ClaimString(claims, "role") != "admin" || utils.ClaimString(claims, "type") != utils.TokenTypeAdmin {
		return ErrUnverifiedResolution
	}
	if utils.ClaimString(claims, "sub") != p.ResolvedBy {
		return fmt.Errorf("%w: token issued to %q", ErrUnverifiedResolution, utils.ClaimString(claims, "sub"))
	}
	return nil
}

func (s *Service) topology(tx *gorm.DB, treatmentID string) validation.Topology {
	var t models.ServerTreatment
	if treatmentID == "" || tx.Where("id = ?", treatmentID).First(&t).Error != nil {
		return validation.TopologyGeneric
	}
	return validation.TopologyFor(t.Indication)
}

func (s *Service) serverVersion(ctx context.Context, entityType, entityID string) (*sync.ServerVersion, error) {
	db := s.db.WithContext(ctx)
	if entityType == models.EntityApplicator {
		var a models.ServerApplicator
		if err := db.Where("serial = ?", entityID).First(&a).Error; err != nil {
			return nil, err
		}
		return applicatorVersion(&a), nil
	}
	var t models.ServerTreatment
	if err := db.Where("id = ?", entityID).First(&t).Error; err != nil {
		return nil, err
	}
	return treatmentVersion(&t), nil
}

func statusOf(v *sync.ServerVersion) string {
	if v == nil {
		return ""
	}
	return string(v.Status)
}

func applicatorVersion(a *models.ServerApplicator) *sync.ServerVersion {
	data, _ := json.Marshal(a)
	return &sync.ServerVersion{
		EntityType:   models.EntityApplicator,
		EntityID:     a.Serial,
		Version:      a.Version,
		Status:       validation.Status(a.Status),
		LastDeviceID: a.LastDeviceID,
		Data:         data,
	}
}

func treatmentVersion(t *models.ServerTreatment) *sync.ServerVersion {
	data, _ := json.Marshal(t)
	return &sync.ServerVersion{
		EntityType:   models.EntityTreatment,
		EntityID:     t.ID,
		Version:      t.Version,
		LastDeviceID: t.LastDeviceID,
		Data:         data,
	}
}

// ============ READ SIDE ============

// Applicator returns the authoritative record of serial
func (s *Service) Applicator(ctx context.Context, serial string) (*models.ServerApplicator, error) {
	var a models.ServerApplicator
	err := s.db.WithContext(ctx).Where("serial = ?", serial).First(&a).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	return &a, err
}

// Bundle is a treatment with its applicators, as downloaded by devices
type Bundle struct {
	Treatment   models.ServerTreatment    `json:"treatment"`
	Applicators []models.ServerApplicator `json:"applicators"`
}

// Bundle returns the downloadable snapshot of a treatment
func (s *Service) Bundle(ctx context.Context, treatmentID string) (*Bundle, error) {
	db := s.db.WithContext(ctx)
	var b Bundle
	err := db.Where("id = ?", treatmentID).First(&b.Treatment).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := db.Where("treatment_id = ?", treatmentID).Order("serial").Find(&b.Applicators).Error; err != nil {
		return nil, err
	}
	return &b, nil
}

// Register creates or replaces a treatment and its applicators, as the
// planning system does before a treatment is downloaded.
func (s *Service) Register(ctx context.Context, b Bundle) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Save(&b.Treatment).Error; err != nil {
			return err
		}
		for i := range b.Applicators {
			b.Applicators[i].TreatmentID = b.Treatment.ID
			if err := tx.Save(&b.Applicators[i]).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// Finalize marks a treatment completed. Signature verification happens
// upstream of this call.
func (s *Service) Finalize(ctx context.Context, treatmentID, actor string) error {
	res := s.db.WithContext(ctx).Model(&models.ServerTreatment{}).
		Where("id = ?", treatmentID).
		Updates(map[string]interface{}{
			"completed":  true,
			"version":    gorm.Expr("version + 1"),
			"updated_at": s.now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	s.log.Info("Treatment finalized", zap.String("treatment_id", treatmentID), zap.String("actor", actor))
	return nil
}
