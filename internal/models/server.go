package models

import (
	"time"

	"gorm.io/datatypes"
)

// ServerTreatment is the authoritative treatment record
type ServerTreatment struct {
	ID           string    `gorm:"primaryKey;type:varchar(64)" json:"id"`
	Type         string    `gorm:"type:varchar(20)" json:"type"`
	Indication   string    `gorm:"type:varchar(32)" json:"indication"`
	Site         string    `gorm:"type:varchar(128)" json:"site"`
	Completed    bool      `json:"completed"`
	Version      int64     `json:"version"`
	LastDeviceID string    `gorm:"type:varchar(64)" json:"lastDeviceId"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// TableName specifies the table name
func (ServerTreatment) TableName() string {
	return "server_treatments"
}

// ServerApplicator is the authoritative applicator record
type ServerApplicator struct {
	Serial       string    `gorm:"primaryKey;type:varchar(128)" json:"serial"`
	TreatmentID  string    `gorm:"type:varchar(64);index" json:"treatmentId"`
	SeedQuantity int       `json:"seedQuantity"`
	Status       string    `gorm:"type:varchar(32)" json:"status"`
	Comment      string    `gorm:"type:text" json:"comment,omitempty"`
	Version      int64     `json:"version"`
	LastDeviceID string    `gorm:"type:varchar(64)" json:"lastDeviceId"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// TableName specifies the table name
func (ServerApplicator) TableName() string {
	return "server_applicators"
}

// AppliedChange records each accepted content hash so replays are no-ops
type AppliedChange struct {
	ID            uint           `gorm:"primaryKey" json:"id"`
	ContentHash   string         `gorm:"type:varchar(64);not null;uniqueIndex" json:"contentHash"`
	EntityType    string         `gorm:"type:varchar(32);not null;index:idx_applied_entity" json:"entityType"`
	EntityID      string         `gorm:"type:varchar(128);not null;index:idx_applied_entity" json:"entityId"`
	Operation     string         `gorm:"type:varchar(20)" json:"operation"`
	DeviceID      string         `gorm:"type:varchar(64)" json:"deviceId"`
	Payload       datatypes.JSON `json:"payload"`
	ResultVersion int64          `json:"resultVersion"`
	AppliedAt     time.Time      `json:"appliedAt"`
}

// TableName specifies the table name
func (AppliedChange) TableName() string {
	return "applied_changes"
}

// ServerModels lists the tables of the reference sync server
func ServerModels() []interface{} {
	return []interface{}{
		&ServerTreatment{},
		&ServerApplicator{},
		&AppliedChange{},
		&RegisteredDevice{},
	}
}
