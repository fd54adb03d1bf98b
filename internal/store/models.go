package store

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// User is created lazily the first time an external identity pairs or is
// shared a device. Never deleted by this subsystem.
type User struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	ExternalID int64     `gorm:"uniqueIndex;not null" json:"external_id"`
	Name       string    `json:"name"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (u *User) BeforeCreate(tx *gorm.DB) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	return nil
}

// Device exists only while at least one access edge points at it. The primary
// key is the firmware-generated device id used as the bus topic key.
type Device struct {
	ID        string    `gorm:"primaryKey" json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// DeviceAccess links one user to one device. The composite primary key is the
// uniqueness arbiter for concurrent pairing. At most one edge per device
// carries IsOwner=true, written when the device row itself is created.
type DeviceAccess struct {
	UserID   uuid.UUID `gorm:"type:uuid;primaryKey" json:"user_id"`
	DeviceID string    `gorm:"primaryKey;index" json:"device_id"`
	IsOwner  bool      `json:"is_owner"`
	AddedAt  time.Time `json:"added_at"`
}

// HistorySample is one append-only telemetry point for a paired device.
type HistorySample struct {
	ID         uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	DeviceID   string         `gorm:"index:idx_history_device_ts,priority:1" json:"device_id"`
	TS         time.Time      `gorm:"index:idx_history_device_ts,priority:2" json:"ts"`
	Payload    datatypes.JSON `gorm:"type:jsonb" json:"payload"`
	IngestedAt time.Time      `json:"ingested_at"`
}

func (s *HistorySample) BeforeCreate(tx *gorm.DB) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return nil
}
