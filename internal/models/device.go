package models

import (
	"time"
)

// DeviceStatus defines the authorization state of a device
type DeviceStatus string

const (
	DeviceStatusPending DeviceStatus = "pending" // Initial state, waiting for admin approval
	DeviceStatusActive  DeviceStatus = "active"  // Authorized to sync
	DeviceStatusBlocked DeviceStatus = "blocked" // Explicitly banned
)

// RegisteredDevice is a documenting tablet paired with the sync server
type RegisteredDevice struct {
	DeviceID   string       `gorm:"primaryKey;type:varchar(64)" json:"deviceId"`
	Name       string       `json:"name"`
	PublicKey  string       `gorm:"not null" json:"publicKey"`
	Status     DeviceStatus `gorm:"type:varchar(20);default:'pending'" json:"status"`
	LastSeenAt time.Time    `json:"lastSeenAt"`
	CreatedAt  time.Time    `json:"createdAt"`
	UpdatedAt  time.Time    `json:"updatedAt"`
}

// TableName specifies the table name for RegisteredDevice
func (RegisteredDevice) TableName() string {
	return "registered_devices"
}
