// Package bundle tracks the lifetime of treatments downloaded for offline use
package bundle

import (
	"context"
	"fmt"
	"time"

	"github.com/xelth-com/seedtrackgo/internal/logger"
	"github.com/xelth-com/seedtrackgo/internal/models"
	"github.com/xelth-com/seedtrackgo/internal/store"
	"github.com/xelth-com/seedtrackgo/internal/validation"
	"go.uber.org/zap"
)

const (
	DefaultTTL           = 24 * time.Hour
	DefaultWarningWindow = 4 * time.Hour
)

// Clock supplies the adjusted current time
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Manager classifies bundles against the adjusted clock and removes
// expired ones from the device.
type Manager struct {
	store      store.Store
	clock      Clock
	ttl        time.Duration
	warnWindow time.Duration
	log        *zap.Logger
}

// NewManager creates a Manager. Zero durations take the defaults.
func NewManager(s store.Store, clock Clock, ttl, warnWindow time.Duration, log *zap.Logger) *Manager {
	if clock == nil {
		clock = systemClock{}
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if warnWindow <= 0 {
		warnWindow = DefaultWarningWindow
	}
	return &Manager{store: s, clock: clock, ttl: ttl, warnWindow: warnWindow, log: logger.OrNop(log)}
}

// ExpiresAt returns the expiry of a bundle downloaded at downloadedAt
func (m *Manager) ExpiresAt(downloadedAt time.Time) time.Time {
	return downloadedAt.Add(m.ttl)
}

// Check classifies expiresAt
func (m *Manager) Check(expiresAt time.Time) validation.BundleCheck {
	return validation.CheckBundleExpiry(expiresAt, m.clock.Now(), m.warnWindow)
}

// CheckTreatment loads a treatment and classifies its bundle
func (m *Manager) CheckTreatment(ctx context.Context, treatmentID string) (validation.BundleCheck, error) {
	t, err := m.store.GetTreatment(ctx, treatmentID)
	if err != nil {
		return validation.BundleCheck{}, err
	}
	return m.Check(t.BundleExpiresAt), nil
}

// CleanupReport lists what CleanupExpired did
type CleanupReport struct {
	Removed []string
	// Retained are expired treatments kept because changes are still queued
	Retained []string
}

// CleanupExpired deletes expired treatments and their applicators. A
// treatment with unsynced changes is kept until the queue drains.
func (m *Manager) CleanupExpired(ctx context.Context) (CleanupReport, error) {
	var report CleanupReport

	expired, err := m.store.ExpiredTreatments(ctx, m.clock.Now())
	if err != nil {
		return report, fmt.Errorf("list expired treatments: %w", err)
	}

	for _, t := range expired {
		pending, err := m.hasUnsynced(ctx, t.ID)
		if err != nil {
			return report, err
		}
		if pending {
			report.Retained = append(report.Retained, t.ID)
			m.log.Warn("Expired bundle retained, changes not yet synced", zap.String("treatment_id", t.ID))
			continue
		}
		if err := m.store.DeleteTreatment(ctx, t.ID); err != nil {
			return report, fmt.Errorf("delete treatment %s: %w", t.ID, err)
		}
		report.Removed = append(report.Removed, t.ID)
		m.log.Info("Expired bundle removed", zap.String("treatment_id", t.ID))
	}
	return report, nil
}

func (m *Manager) hasUnsynced(ctx context.Context, treatmentID string) (bool, error) {
	changes, err := m.store.ChangesForEntity(ctx, models.EntityTreatment, treatmentID)
	if err != nil {
		return false, err
	}
	if anyUnsynced(changes) {
		return true, nil
	}

	applicators, err := m.store.ApplicatorsForTreatment(ctx, treatmentID)
	if err != nil {
		return false, err
	}
	for _, a := range applicators {
		if a.SyncStatus == models.SyncPending {
			return true, nil
		}
		changes, err := m.store.ChangesForEntity(ctx, models.EntityApplicator, a.Serial)
		if err != nil {
			return false, err
		}
		if anyUnsynced(changes) {
			return true, nil
		}
	}
	return false, nil
}

func anyUnsynced(changes []models.PendingChange) bool {
	for _, c := range changes {
		if c.Status != models.ChangeSynced && c.Status != models.ChangeResolved {
			return true
		}
	}
	return false
}
