// Package store is the repository layer over the relational database. All
// multi-step pipeline writes live here as single atomic operations so that
// concurrent gateway replicas cannot race each other into duplicate
// sessions, duplicate image records or double acknowledgments.
package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/canopysense/gateway/internal/model"
)

type Repo struct {
	db *gorm.DB
}

func OpenPostgres(user, password, dbName, host, port, sslMode string) (*gorm.DB, error) {
	if sslMode == "" {
		sslMode = "disable"
	}
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC", host, user, password, dbName, port, sslMode)
	// "record not found" is an expected outcome in the resume and retry
	// flows, so keep it out of the logs.
	gormLogger := logger.New(
		log.New(os.Stdout, "", log.LstdFlags),
		logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	return gorm.Open(
		postgres.New(postgres.Config{DSN: dsn}),
		&gorm.Config{DisableForeignKeyConstraintWhenMigrating: true, Logger: gormLogger},
	)
}

func New(db *gorm.DB) (*Repo, error) {
	if err := ensureSchema(db); err != nil {
		return nil, err
	}
	return &Repo{db: db}, nil
}

func ensureSchema(db *gorm.DB) error {
	m := db.Migrator()

	tables := []struct {
		name  string
		model any
	}{
		{"companies", &model.Company{}},
		{"programs", &model.Program{}},
		{"sites", &model.Site{}},
		{"devices", &model.Device{}},
		{"site_assignments", &model.SiteAssignment{}},
		{"site_sessions", &model.SiteSession{}},
		{"wake_payloads", &model.WakePayload{}},
		{"image_records", &model.ImageRecord{}},
		{"observations", &model.Observation{}},
		{"telemetry_points", &model.TelemetryPoint{}},
		{"ack_audits", &model.AckAuditRecord{}},
	}
	for _, t := range tables {
		if !m.HasTable(t.model) {
			if err := m.CreateTable(t.model); err != nil {
				return fmt.Errorf("create table %s: %w", t.name, err)
			}
		}
	}

	// The two indexes the idempotency guarantees hang on. CreateTable
	// builds them from the struct tags; re-check in case the tables
	// predate the tags.
	if !m.HasIndex(&model.ImageRecord{}, "idx_images_device_transfer") {
		if err := m.CreateIndex(&model.ImageRecord{}, "idx_images_device_transfer"); err != nil {
			return fmt.Errorf("create index idx_images_device_transfer: %w", err)
		}
	}
	if !m.HasIndex(&model.SiteSession{}, "idx_sessions_site_date") {
		if err := m.CreateIndex(&model.SiteSession{}, "idx_sessions_site_date"); err != nil {
			return fmt.Errorf("create index idx_sessions_site_date: %w", err)
		}
	}
	return nil
}

// DB exposes the handle for health checks.
func (r *Repo) DB() *gorm.DB { return r.db }

func (r *Repo) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// DeviceByMAC returns nil without error when the device is unknown.
func (r *Repo) DeviceByMAC(ctx context.Context, mac string) (*model.Device, error) {
	var dev model.Device
	if err := r.db.WithContext(ctx).Where("mac_address = ?", mac).First(&dev).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &dev, nil
}

func (r *Repo) TouchDeviceSeen(ctx context.Context, mac string) error {
	return r.db.WithContext(ctx).Model(&model.Device{}).
		Where("mac_address = ?", mac).
		Update("last_seen_at", time.Now().UTC()).Error
}

func (r *Repo) SetDeviceNextWake(ctx context.Context, deviceID uuid.UUID, at time.Time) error {
	return r.db.WithContext(ctx).Model(&model.Device{}).
		Where("id = ?", deviceID).
		Update("next_wake_at", at.UTC()).Error
}

func (r *Repo) RecordTelemetry(ctx context.Context, tp *model.TelemetryPoint) error {
	return r.db.WithContext(ctx).Create(tp).Error
}

func (r *Repo) AppendAckAudit(ctx context.Context, rec *model.AckAuditRecord) error {
	return r.db.WithContext(ctx).Create(rec).Error
}

func (r *Repo) ListDevices(ctx context.Context) ([]model.Device, error) {
	var devices []model.Device
	if err := r.db.WithContext(ctx).Order("mac_address asc").Find(&devices).Error; err != nil {
		return nil, err
	}
	return devices, nil
}

func (r *Repo) ListDeviceImages(ctx context.Context, deviceID uuid.UUID, limit int) ([]model.ImageRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var images []model.ImageRecord
	err := r.db.WithContext(ctx).
		Where("device_id = ?", deviceID).
		Order("captured_at desc").
		Limit(limit).
		Find(&images).Error
	if err != nil {
		return nil, err
	}
	return images, nil
}

func (r *Repo) ListRecentObservations(ctx context.Context, limit int) ([]model.Observation, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var obs []model.Observation
	err := r.db.WithContext(ctx).
		Order("captured_at desc").
		Limit(limit).
		Find(&obs).Error
	if err != nil {
		return nil, err
	}
	return obs, nil
}

func (r *Repo) SessionByID(ctx context.Context, id uuid.UUID) (*model.SiteSession, error) {
	var sess model.SiteSession
	if err := r.db.WithContext(ctx).First(&sess, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &sess, nil
}

func (r *Repo) ImageByID(ctx context.Context, id uuid.UUID) (*model.ImageRecord, error) {
	var img model.ImageRecord
	if err := r.db.WithContext(ctx).First(&img, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &img, nil
}

// ImageByTransfer returns nil without error when no record exists for the
// (device, transfer name) pair.
func (r *Repo) ImageByTransfer(ctx context.Context, deviceID uuid.UUID, transferName string) (*model.ImageRecord, error) {
	var img model.ImageRecord
	err := r.db.WithContext(ctx).
		Where("device_id = ? AND transfer_name = ?", deviceID, transferName).
		First(&img).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &img, nil
}

// OldestIncompleteImage is the resume candidate for a device reporting
// pending transfers: the oldest record not yet completed, by capture
// time. Failed records count as incomplete; their buffers were kept
// exactly so a resend can finish the job.
func (r *Repo) OldestIncompleteImage(ctx context.Context, deviceID uuid.UUID) (*model.ImageRecord, error) {
	var img model.ImageRecord
	err := r.db.WithContext(ctx).
		Where("device_id = ? AND status <> ?", deviceID, model.ImageComplete).
		Order("captured_at asc").
		First(&img).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &img, nil
}

// LatestImage is the fallback resume candidate when a device reports
// pending transfers but nothing is incomplete on record: most plausibly
// the newest transfer, whose final ack the device never heard.
func (r *Repo) LatestImage(ctx context.Context, deviceID uuid.UUID) (*model.ImageRecord, error) {
	var img model.ImageRecord
	err := r.db.WithContext(ctx).
		Where("device_id = ?", deviceID).
		Order("captured_at desc").
		First(&img).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &img, nil
}

// TelemetryForImage returns the readings recorded with the transfer's
// metadata, nil when the firmware sent none.
func (r *Repo) TelemetryForImage(ctx context.Context, imageID uuid.UUID) (*model.TelemetryPoint, error) {
	var tp model.TelemetryPoint
	err := r.db.WithContext(ctx).
		Where("image_id = ?", imageID).
		Order("recorded_at desc").
		First(&tp).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &tp, nil
}
