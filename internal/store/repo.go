// Package store owns the durable side of pairing: users, devices, access
// edges and history samples. All multi-row mutations run inside transactions
// so the uniqueness invariants hold under concurrent callers.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// Error taxonomy surfaced to the pairing API. Everything else is wrapped in
// ErrStorageUnavailable and is retryable.
var (
	ErrInvalidCode        = errors.New("confirmation code invalid")
	ErrAlreadyLinked      = errors.New("user already linked to device")
	ErrForbidden          = errors.New("caller is not the device owner")
	ErrNotFound           = errors.New("user or device not found")
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// CodeChecker validates a candidate confirmation code against the code the
// device currently advertises. Satisfied by pairing.Registry.
type CodeChecker interface {
	Matches(deviceID, candidate string) bool
}

// DefaultOpTimeout bounds every durable operation so a wedged database
// surfaces a retryable error instead of hanging callers.
const DefaultOpTimeout = 5 * time.Second

type Repo struct {
	db        *gorm.DB
	codes     CodeChecker
	opTimeout time.Duration
}

func OpenPostgres(user, password, dbName, host, port, sslMode string) (*gorm.DB, error) {
	if sslMode == "" {
		sslMode = "disable"
	}
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC", host, user, password, dbName, port, sslMode)
	return gorm.Open(postgres.Open(dsn), &gorm.Config{TranslateError: true})
}

func New(db *gorm.DB, codes CodeChecker) (*Repo, error) {
	if err := db.AutoMigrate(&User{}, &Device{}, &DeviceAccess{}, &HistorySample{}); err != nil {
		return nil, err
	}
	return &Repo{db: db, codes: codes, opTimeout: DefaultOpTimeout}, nil
}

// DeviceView is a device row joined with the caller's access edge.
type DeviceView struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	IsOwner   bool      `json:"is_owner"`
	AddedAt   time.Time `json:"added_at"`
}

// Pair converts a correct confirmation code into an access edge. The first
// claimant of a brand-new device becomes its owner; claiming an existing
// device through the same code grants non-owner access.
func (r *Repo) Pair(ctx context.Context, userExternalID int64, userName, deviceID, code, deviceName string) (DeviceView, error) {
	if !r.codes.Matches(deviceID, code) {
		return DeviceView{}, ErrInvalidCode
	}
	ctx, cancel := r.bound(ctx)
	defer cancel()

	var view DeviceView
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		user, err := ensureUser(tx, userExternalID, userName)
		if err != nil {
			return err
		}

		var dev Device
		isNew := false
		err = tx.First(&dev, "id = ?", deviceID).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			name := deviceName
			if name == "" {
				name = deviceID
			}
			dev = Device{ID: deviceID, Name: name, CreatedAt: time.Now().UTC()}
			if err := tx.Create(&dev).Error; err != nil {
				if errors.Is(err, gorm.ErrDuplicatedKey) {
					// Lost the first-claim race; the winner's row stands.
					return ErrAlreadyLinked
				}
				return err
			}
			isNew = true
		case err != nil:
			return err
		}

		var n int64
		if err := tx.Model(&DeviceAccess{}).Where("user_id = ? AND device_id = ?", user.ID, dev.ID).Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			return ErrAlreadyLinked
		}

		edge := DeviceAccess{UserID: user.ID, DeviceID: dev.ID, IsOwner: isNew, AddedAt: time.Now().UTC()}
		if err := tx.Create(&edge).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrAlreadyLinked
			}
			return err
		}
		view = DeviceView{ID: dev.ID, Name: dev.Name, CreatedAt: dev.CreatedAt, IsOwner: edge.IsOwner, AddedAt: edge.AddedAt}
		return nil
	})
	if err != nil {
		return DeviceView{}, r.wrap(err)
	}
	return view, nil
}

// Share grants non-owner access to another user. Only the owner may share.
func (r *Repo) Share(ctx context.Context, ownerExternalID int64, deviceID string, targetExternalID int64) error {
	ctx, cancel := r.bound(ctx)
	defer cancel()

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var owner User
		if err := tx.First(&owner, "external_id = ?", ownerExternalID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrForbidden
			}
			return err
		}
		var n int64
		if err := tx.Model(&DeviceAccess{}).Where("user_id = ? AND device_id = ? AND is_owner", owner.ID, deviceID).Count(&n).Error; err != nil {
			return err
		}
		if n == 0 {
			return ErrForbidden
		}

		target, err := ensureUser(tx, targetExternalID, "")
		if err != nil {
			return err
		}
		if err := tx.Model(&DeviceAccess{}).Where("user_id = ? AND device_id = ?", target.ID, deviceID).Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			return ErrAlreadyLinked
		}

		edge := DeviceAccess{UserID: target.ID, DeviceID: deviceID, IsOwner: false, AddedAt: time.Now().UTC()}
		if err := tx.Create(&edge).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrAlreadyLinked
			}
			return err
		}
		return nil
	})
	return r.wrap(err)
}

// Unpair removes the caller's edge. When the last edge goes, the device row
// and its history go with it in the same transaction, so no concurrent pair
// can observe an ownerless device. The freed id may be claimed from scratch.
func (r *Repo) Unpair(ctx context.Context, userExternalID int64, deviceID string) error {
	ctx, cancel := r.bound(ctx)
	defer cancel()

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var user User
		if err := tx.First(&user, "external_id = ?", userExternalID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		var dev Device
		if err := tx.First(&dev, "id = ?", deviceID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}

		res := tx.Where("user_id = ? AND device_id = ?", user.ID, dev.ID).Delete(&DeviceAccess{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}

		var remaining int64
		if err := tx.Model(&DeviceAccess{}).Where("device_id = ?", dev.ID).Count(&remaining).Error; err != nil {
			return err
		}
		if remaining == 0 {
			if err := tx.Where("device_id = ?", dev.ID).Delete(&HistorySample{}).Error; err != nil {
				return err
			}
			if err := tx.Delete(&dev).Error; err != nil {
				return err
			}
		}
		return nil
	})
	return r.wrap(err)
}

// GetDevicesFor lists every device the user has an edge for. Unknown users
// get an empty list, never an error.
func (r *Repo) GetDevicesFor(ctx context.Context, userExternalID int64) ([]DeviceView, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()

	var user User
	if err := r.db.WithContext(ctx).First(&user, "external_id = ?", userExternalID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return []DeviceView{}, nil
		}
		return nil, r.wrap(err)
	}

	views := []DeviceView{}
	err := r.db.WithContext(ctx).
		Table("device_accesses").
		Select("devices.id, devices.name, devices.created_at, device_accesses.is_owner, device_accesses.added_at").
		Joins("JOIN devices ON devices.id = device_accesses.device_id").
		Where("device_accesses.user_id = ?", user.ID).
		Order("device_accesses.added_at asc").
		Scan(&views).Error
	if err != nil {
		return nil, r.wrap(err)
	}
	return views, nil
}

// HasAccess reports whether the user holds any edge for the device.
func (r *Repo) HasAccess(ctx context.Context, userExternalID int64, deviceID string) (bool, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()

	var n int64
	err := r.db.WithContext(ctx).
		Table("device_accesses").
		Joins("JOIN users ON users.id = device_accesses.user_id").
		Where("users.external_id = ? AND device_accesses.device_id = ?", userExternalID, deviceID).
		Count(&n).Error
	if err != nil {
		return false, r.wrap(err)
	}
	return n > 0, nil
}

// StoreSample appends one telemetry point, but only for devices that exist in
// the device table. Telemetry for unpaired ids is reported as not stored.
func (r *Repo) StoreSample(ctx context.Context, deviceID string, payload []byte, ts time.Time) (bool, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()

	stored := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&Device{}).Where("id = ?", deviceID).Count(&n).Error; err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		sample := HistorySample{
			DeviceID:   deviceID,
			TS:         ts.UTC(),
			Payload:    append([]byte(nil), payload...),
			IngestedAt: time.Now().UTC(),
		}
		if err := tx.Create(&sample).Error; err != nil {
			return err
		}
		stored = true
		return nil
	})
	if err != nil {
		return false, r.wrap(err)
	}
	return stored, nil
}

// PruneSamples deletes history older than the retention window. Runs on a
// daily schedule from main; shares no in-memory state with anything else.
func (r *Repo) PruneSamples(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	res := r.db.WithContext(ctx).Where("ts < ?", cutoff).Delete(&HistorySample{})
	if res.Error != nil {
		return 0, r.wrap(res.Error)
	}
	return res.RowsAffected, nil
}

func ensureUser(tx *gorm.DB, externalID int64, name string) (User, error) {
	var user User
	err := tx.First(&user, "external_id = ?", externalID).Error
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, err
	}
	user = User{ExternalID: externalID, Name: name}
	if err := tx.Create(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			// Created concurrently; use the winner.
			err = tx.First(&user, "external_id = ?", externalID).Error
		}
		if err != nil {
			return User{}, err
		}
	}
	return user, nil
}

func (r *Repo) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := r.opTimeout
	if timeout <= 0 {
		timeout = DefaultOpTimeout
	}
	return context.WithTimeout(ctx, timeout)
}

// wrap keeps the domain taxonomy intact and folds everything else, including
// deadline expiry, into the retryable ErrStorageUnavailable.
func (r *Repo) wrap(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrInvalidCode),
		errors.Is(err, ErrAlreadyLinked),
		errors.Is(err, ErrForbidden),
		errors.Is(err, ErrNotFound):
		return err
	default:
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
}
