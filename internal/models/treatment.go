package models

import (
	"time"

	"github.com/xelth-com/seedtrackgo/internal/validation"
)

// Treatment kinds
const (
	TreatmentInsertion = "insertion"
	TreatmentRemoval   = "removal"
)

// Applicator sync status
const (
	SyncPending = "pending"
	SyncSynced  = "synced"
)

// Treatment is the device mirror of a treatment downloaded for offline use
type Treatment struct {
	ID         string `gorm:"primaryKey;type:varchar(64)" json:"id"`
	Type       string `gorm:"type:varchar(20);not null" json:"type"`       // insertion, removal
	Indication string `gorm:"type:varchar(32);not null" json:"indication"` // pancreas, prostate, skin, ...
	Site       string `gorm:"type:varchar(128)" json:"site"`
	Completed  bool   `gorm:"default:false" json:"completed"`
	Version    int64  `gorm:"default:0" json:"version"`

	PatientRef       string `gorm:"-" json:"patientRef"`
	PatientRefSealed []byte `gorm:"column:patient_ref" json:"-"`

	BundleExpiresAt time.Time `gorm:"not null;index" json:"bundleExpiresAt"`
	DownloadedAt    time.Time `json:"downloadedAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// TableName specifies the table name
func (Treatment) TableName() string {
	return "treatments"
}

// Topology returns the status transition graph for this treatment
func (t *Treatment) Topology() validation.Topology {
	return validation.TopologyFor(t.Indication)
}

// Applicator is the device mirror of one applicator
type Applicator struct {
	Serial         string            `gorm:"primaryKey;type:varchar(128)" json:"serial"`
	TreatmentID    string            `gorm:"type:varchar(64);not null;index" json:"treatmentId"`
	SeedQuantity   int               `json:"seedQuantity"`
	Status         validation.Status `gorm:"type:varchar(32)" json:"status"`
	SyncStatus     string            `gorm:"type:varchar(20);default:'synced'" json:"syncStatus"`
	CreatedOffline bool              `gorm:"default:false" json:"createdOffline"`
	Version        int64             `gorm:"default:0" json:"version"`
	Comment        string            `gorm:"type:text" json:"comment,omitempty"`
	UpdatedAt      time.Time         `json:"updatedAt"`
}

// TableName specifies the table name
func (Applicator) TableName() string {
	return "applicators"
}

// DeviceModels lists the tables of the device store
func DeviceModels() []interface{} {
	return []interface{}{
		&Treatment{},
		&Applicator{},
		&PendingChange{},
		&SyncConflict{},
		&OfflineAuditLog{},
		&ERPMetadataCache{},
	}
}
