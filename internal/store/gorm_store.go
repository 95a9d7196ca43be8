package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xelth-com/seedtrackgo/internal/logger"
	"github.com/xelth-com/seedtrackgo/internal/models"
	"github.com/xelth-com/seedtrackgo/internal/security"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// GormStore implements Store on gorm. Patient references, change payloads
// and audit snapshots are sealed with the field cipher before they reach disk.
type GormStore struct {
	db     *gorm.DB
	cipher *security.FieldCipher
	log    *zap.Logger
}

// New creates a store over db and migrates the device tables
func New(db *gorm.DB, cipher *security.FieldCipher, log *zap.Logger) (*GormStore, error) {
	if cipher == nil {
		return nil, errors.New("store: field cipher is required")
	}
	if err := db.AutoMigrate(models.DeviceModels()...); err != nil {
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return &GormStore{db: db, cipher: cipher, log: logger.OrNop(log)}, nil
}

func (s *GormStore) conn(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx)
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// WithTx runs fn in a transaction
func (s *GormStore) WithTx(ctx context.Context, fn func(tx Store) error) error {
	return s.conn(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&GormStore{db: tx, cipher: s.cipher, log: s.log})
	})
}

// ============ TREATMENTS ============

func patientRefAAD(id string) string {
	return "treatments:" + id + ":patient_ref"
}

func (s *GormStore) PutTreatment(ctx context.Context, t *models.Treatment) error {
	sealed, err := s.cipher.SealString(t.PatientRef, patientRefAAD(t.ID))
	if err != nil {
		return fmt.Errorf("store: seal patient ref: %w", err)
	}
	t.PatientRefSealed = sealed
	// stored as text on sqlite; expiry comparisons need one zone
	t.BundleExpiresAt = t.BundleExpiresAt.UTC()
	return s.conn(ctx).Save(t).Error
}

func (s *GormStore) openTreatment(t *models.Treatment) error {
	ref, err := s.cipher.OpenString(t.PatientRefSealed, patientRefAAD(t.ID))
	if err != nil {
		return fmt.Errorf("%w: treatment %s: %v", ErrSealed, t.ID, err)
	}
	t.PatientRef = ref
	return nil
}

func (s *GormStore) GetTreatment(ctx context.Context, id string) (*models.Treatment, error) {
	var t models.Treatment
	if err := s.conn(ctx).First(&t, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	if err := s.openTreatment(&t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *GormStore) ListTreatments(ctx context.Context) ([]models.Treatment, error) {
	var out []models.Treatment
	if err := s.conn(ctx).Order("id").Find(&out).Error; err != nil {
		return nil, err
	}
	for i := range out {
		if err := s.openTreatment(&out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// ExpiredTreatments returns treatments whose bundle expired at or before now.
// Patient references are left sealed; callers only need identifiers.
func (s *GormStore) ExpiredTreatments(ctx context.Context, now time.Time) ([]models.Treatment, error) {
	var out []models.Treatment
	err := s.conn(ctx).Where("bundle_expires_at <= ?", now.UTC()).Order("id").Find(&out).Error
	return out, err
}

// DeleteTreatment removes a treatment and its applicators
func (s *GormStore) DeleteTreatment(ctx context.Context, id string) error {
	return s.conn(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("treatment_id = ?", id).Delete(&models.Applicator{}).Error; err != nil {
			return err
		}
		res := tx.Delete(&models.Treatment{}, "id = ?", id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// ============ APPLICATORS ============

func (s *GormStore) PutApplicator(ctx context.Context, a *models.Applicator) error {
	return s.conn(ctx).Save(a).Error
}

func (s *GormStore) GetApplicator(ctx context.Context, serial string) (*models.Applicator, error) {
	var a models.Applicator
	if err := s.conn(ctx).First(&a, "serial = ?", serial).Error; err != nil {
		return nil, notFound(err)
	}
	return &a, nil
}

func (s *GormStore) ApplicatorsForTreatment(ctx context.Context, treatmentID string) ([]models.Applicator, error) {
	var out []models.Applicator
	err := s.conn(ctx).Where("treatment_id = ?", treatmentID).Order("serial").Find(&out).Error
	return out, err
}

// ============ PENDING CHANGES ============

func payloadAAD(hash string) string {
	return "pending_changes:" + hash + ":payload"
}

func (s *GormStore) EnqueueChange(ctx context.Context, c *models.PendingChange) (bool, error) {
	var existing models.PendingChange
	err := s.conn(ctx).First(&existing, "content_hash = ?", c.ContentHash).Error
	if err == nil {
		s.openChange(&existing)
		*c = existing
		return false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return false, err
	}

	sealed, err := s.cipher.Seal(c.Payload, payloadAAD(c.ContentHash))
	if err != nil {
		return false, fmt.Errorf("store: seal payload: %w", err)
	}
	c.PayloadSealed = sealed
	if c.Status == "" {
		c.Status = models.ChangePending
	}
	if err := s.conn(ctx).Create(c).Error; err != nil {
		return false, err
	}
	if c.Seq == 0 {
		c.Seq = c.ID
		if err := s.conn(ctx).Model(c).Update("seq", c.Seq).Error; err != nil {
			return false, err
		}
	}
	return true, nil
}

// openChange decrypts the payload in place. A payload that fails
// verification is left nil; the sync engine rejects it on its hash check.
func (s *GormStore) openChange(c *models.PendingChange) {
	plain, err := s.cipher.Open(c.PayloadSealed, payloadAAD(c.ContentHash))
	if err != nil {
		s.log.Error("Pending change payload failed verification",
			zap.Uint("change_id", c.ID),
			zap.String("entity_id", c.EntityID),
			zap.Error(err))
		c.Payload = nil
		return
	}
	c.Payload = datatypes.JSON(plain)
}

func (s *GormStore) openChanges(list []models.PendingChange) []models.PendingChange {
	for i := range list {
		s.openChange(&list[i])
	}
	return list
}

func (s *GormStore) GetChange(ctx context.Context, id uint) (*models.PendingChange, error) {
	var c models.PendingChange
	if err := s.conn(ctx).First(&c, id).Error; err != nil {
		return nil, notFound(err)
	}
	s.openChange(&c)
	return &c, nil
}

// PendingChanges returns drainable changes in queue order
func (s *GormStore) PendingChanges(ctx context.Context) ([]models.PendingChange, error) {
	return s.ChangesByStatus(ctx, models.ChangePending)
}

func (s *GormStore) ChangesByStatus(ctx context.Context, status string) ([]models.PendingChange, error) {
	var out []models.PendingChange
	if err := s.conn(ctx).Where("status = ?", status).Order("seq, id").Find(&out).Error; err != nil {
		return nil, err
	}
	return s.openChanges(out), nil
}

func (s *GormStore) ChangesForEntity(ctx context.Context, entityType, entityID string) ([]models.PendingChange, error) {
	var out []models.PendingChange
	err := s.conn(ctx).
		Where("entity_type = ? AND entity_id = ?", entityType, entityID).
		Order("seq, id").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return s.openChanges(out), nil
}

func (s *GormStore) CountPending(ctx context.Context) (int64, error) {
	var n int64
	err := s.conn(ctx).Model(&models.PendingChange{}).Where("status = ?", models.ChangePending).Count(&n).Error
	return n, err
}

// UpdateChange persists the lifecycle fields of c. Payload and hash are immutable.
func (s *GormStore) UpdateChange(ctx context.Context, c *models.PendingChange) error {
	res := s.conn(ctx).Model(&models.PendingChange{}).Where("id = ?", c.ID).Updates(map[string]interface{}{
		"status":      c.Status,
		"retry_count": c.RetryCount,
		"last_error":  c.LastError,
		"conflict_id": c.ConflictID,
		"synced_at":   c.SyncedAt,
		"updated_at":  time.Now().UTC(),
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ============ AUDIT LOG ============

func auditAAD(e *models.OfflineAuditLog, side string) string {
	return "offline_audit_log:" + e.EntityType + ":" + e.EntityID + ":" + e.Operation + ":" + e.CorrelationID + ":" + side
}

// AppendAudit inserts a new audit entry. There is no update or delete.
func (s *GormStore) AppendAudit(ctx context.Context, e *models.OfflineAuditLog) error {
	if e.ID != 0 {
		return models.ErrAuditImmutable
	}

	var err error
	if e.BeforeSealed, err = s.cipher.Seal(e.BeforeState, auditAAD(e, "before")); err != nil {
		return fmt.Errorf("store: seal audit: %w", err)
	}
	if e.AfterSealed, err = s.cipher.Seal(e.AfterState, auditAAD(e, "after")); err != nil {
		return fmt.Errorf("store: seal audit: %w", err)
	}
	return s.conn(ctx).Create(e).Error
}

func (s *GormStore) AuditTrail(ctx context.Context, entityType, entityID string) ([]models.OfflineAuditLog, error) {
	var out []models.OfflineAuditLog
	err := s.conn(ctx).
		Where("entity_type = ? AND entity_id = ?", entityType, entityID).
		Order("id").
		Find(&out).Error
	if err != nil {
		return nil, err
	}

	for i := range out {
		e := &out[i]
		before, err := s.cipher.Open(e.BeforeSealed, auditAAD(e, "before"))
		if err != nil {
			return nil, fmt.Errorf("%w: audit entry %d", ErrSealed, e.ID)
		}
		after, err := s.cipher.Open(e.AfterSealed, auditAAD(e, "after"))
		if err != nil {
			return nil, fmt.Errorf("%w: audit entry %d", ErrSealed, e.ID)
		}
		e.BeforeState = datatypes.JSON(before)
		e.AfterState = datatypes.JSON(after)
	}
	return out, nil
}

// ============ CONFLICTS ============

func (s *GormStore) PutConflict(ctx context.Context, c *models.SyncConflict) error {
	return s.conn(ctx).Save(c).Error
}

func (s *GormStore) GetConflict(ctx context.Context, id uint) (*models.SyncConflict, error) {
	var c models.SyncConflict
	if err := s.conn(ctx).First(&c, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

func (s *GormStore) PendingConflicts(ctx context.Context) ([]models.SyncConflict, error) {
	var out []models.SyncConflict
	err := s.conn(ctx).Where("status = ?", models.ConflictPending).Order("id").Find(&out).Error
	return out, err
}

// ============ ERP CACHE ============

func (s *GormStore) PutERPMetadata(ctx context.Context, m *models.ERPMetadataCache) error {
	return s.conn(ctx).Save(m).Error
}

func (s *GormStore) GetERPMetadata(ctx context.Context, serial string) (*models.ERPMetadataCache, error) {
	var m models.ERPMetadataCache
	if err := s.conn(ctx).First(&m, "serial = ?", serial).Error; err != nil {
		return nil, notFound(err)
	}
	return &m, nil
}
