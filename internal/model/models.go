package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Company is the top of the ownership chain. Rows are managed by the admin
// tooling; the gateway only reads them during lineage resolution.
type Company struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Name      string    `gorm:"not null" json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Company) TableName() string { return "gw_companies" }

func (c *Company) BeforeCreate(tx *gorm.DB) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	return nil
}

type Program struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	CompanyID uuid.UUID `gorm:"type:uuid;index;not null" json:"company_id"`
	Name      string    `gorm:"not null" json:"name"`
	Active    bool      `gorm:"not null;default:true" json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Program) TableName() string { return "gw_programs" }

func (p *Program) BeforeCreate(tx *gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return nil
}

type Site struct {
	ID                uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	ProgramID         uuid.UUID `gorm:"type:uuid;index;not null" json:"program_id"`
	Name              string    `gorm:"not null" json:"name"`
	Timezone          string    `gorm:"not null;default:UTC" json:"timezone"`
	WakeSchedule      string    `json:"wake_schedule"` // cron subset, empty = unset
	ExpectedWakeCount int       `gorm:"not null;default:1" json:"expected_wake_count"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

func (Site) TableName() string { return "gw_sites" }

func (s *Site) BeforeCreate(tx *gorm.DB) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return nil
}

// Device is one physical camera sensor, identified by its MAC address.
// WakeSchedule overrides the owning site's schedule when set.
type Device struct {
	ID                uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	MACAddress        string     `gorm:"uniqueIndex;not null" json:"mac_address"`
	Name              string     `json:"name"`
	WakeSchedule      string     `json:"wake_schedule"`
	Active            bool       `gorm:"not null;default:false" json:"active"`
	ProvisioningState string     `gorm:"not null;default:pending_mapping" json:"provisioning_state"` // ready|pending_mapping
	NextWakeAt        *time.Time `json:"next_wake_at,omitempty"`
	LastSeenAt        *time.Time `json:"last_seen_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

func (Device) TableName() string { return "gw_devices" }

func (d *Device) BeforeCreate(tx *gorm.DB) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	return nil
}

type SiteAssignment struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	DeviceID  uuid.UUID `gorm:"type:uuid;index:idx_assignments_device;not null" json:"device_id"`
	SiteID    uuid.UUID `gorm:"type:uuid;index;not null" json:"site_id"`
	Active    bool      `gorm:"not null;default:true" json:"active"`
	IsPrimary bool      `gorm:"not null;default:true" json:"is_primary"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (SiteAssignment) TableName() string { return "gw_site_assignments" }

func (a *SiteAssignment) BeforeCreate(tx *gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return nil
}

// SiteSession is the one-per-site-per-day aggregation unit. SessionDate is
// the calendar date in the site's timezone, formatted 2006-01-02, so the
// unique index works the same on postgres and sqlite.
type SiteSession struct {
	ID                  uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	SiteID              uuid.UUID  `gorm:"type:uuid;index;not null;uniqueIndex:idx_sessions_site_date" json:"site_id"`
	SessionDate         string     `gorm:"not null;uniqueIndex:idx_sessions_site_date" json:"session_date"`
	ExpectedWakeCount   int        `gorm:"not null;default:1" json:"expected_wake_count"`
	Status              string     `gorm:"not null;default:open" json:"status"` // open|closed
	LinkedSubmissionID  *uuid.UUID `gorm:"type:uuid" json:"linked_submission_id,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

func (SiteSession) TableName() string { return "gw_site_sessions" }

func (s *SiteSession) BeforeCreate(tx *gorm.DB) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return nil
}

// WakePayload is one device wake-and-transfer attempt. ProtocolState only
// moves forward; timestamps record each transition.
type WakePayload struct {
	ID                 uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	DeviceID           uuid.UUID  `gorm:"type:uuid;index:idx_wake_payloads_device;not null" json:"device_id"`
	SessionID          uuid.UUID  `gorm:"type:uuid;index;not null" json:"session_id"`
	WakeIndex          int        `gorm:"not null;default:1" json:"wake_index"`
	IsOverage          bool       `gorm:"not null;default:false" json:"is_overage"`
	ProtocolState      string     `gorm:"not null;default:none" json:"protocol_state"` // none|snap_sent|metadata_received|ack_pending_sent|complete|failed
	TransferName       string     `gorm:"index;not null" json:"transfer_name"`
	MetadataReceivedAt *time.Time `json:"metadata_received_at,omitempty"`
	AckSentAt          *time.Time `json:"ack_sent_at,omitempty"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
	FailedAt           *time.Time `json:"failed_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

func (WakePayload) TableName() string { return "gw_wake_payloads" }

func (w *WakePayload) BeforeCreate(tx *gorm.DB) error {
	if w.ID == uuid.Nil {
		w.ID = uuid.New()
	}
	return nil
}

// ImageRecord is the dedup anchor: one logical row per (device, transfer
// name), updated in place across chunks, retries and completion.
// CapturedAt is set once at first metadata receipt and preserved on retry.
type ImageRecord struct {
	ID                 uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	DeviceID           uuid.UUID  `gorm:"type:uuid;index;not null;uniqueIndex:idx_images_device_transfer" json:"device_id"`
	TransferName       string     `gorm:"not null;uniqueIndex:idx_images_device_transfer" json:"transfer_name"`
	WakePayloadID      uuid.UUID  `gorm:"type:uuid;index" json:"wake_payload_id"`
	Status             string     `gorm:"index;not null;default:receiving" json:"status"` // receiving|complete|failed
	ReceivedChunkCount int        `gorm:"not null;default:0" json:"received_chunk_count"`
	TotalChunkCount    int        `gorm:"not null;default:0" json:"total_chunk_count"`
	ByteSize           int        `gorm:"not null;default:0" json:"byte_size"`
	ChunkSize          int        `gorm:"not null;default:0" json:"chunk_size"`
	CapturedAt         time.Time  `gorm:"index;not null" json:"captured_at"`
	ResentReceivedAt   *time.Time `json:"resent_received_at,omitempty"`
	RetryCount         int        `gorm:"not null;default:0" json:"retry_count"`
	StorageURL         string     `json:"storage_url"`
	ErrorCode          string     `json:"error_code"`
	ErrorMessage       string     `json:"error_message"`
	AckedAt            *time.Time `json:"acked_at,omitempty"`
	ObservationID      *uuid.UUID `gorm:"type:uuid" json:"observation_id,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

func (ImageRecord) TableName() string { return "gw_image_records" }

func (r *ImageRecord) BeforeCreate(tx *gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return nil
}

// Observation is the durable record downstream consumers read. The unique
// index on ImageID backs the exactly-one-per-completed-transfer guarantee.
type Observation struct {
	ID         uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	ImageID    uuid.UUID      `gorm:"type:uuid;uniqueIndex;not null" json:"image_id"`
	SessionID  uuid.UUID      `gorm:"type:uuid;index;not null" json:"session_id"`
	DeviceID   uuid.UUID      `gorm:"type:uuid;index;not null" json:"device_id"`
	SiteID     uuid.UUID      `gorm:"type:uuid;index;not null" json:"site_id"`
	StorageURL string         `gorm:"not null" json:"storage_url"`
	CapturedAt time.Time      `gorm:"index;not null" json:"captured_at"`
	Telemetry  datatypes.JSON `gorm:"type:jsonb" json:"telemetry,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

func (Observation) TableName() string { return "gw_observations" }

func (o *Observation) BeforeCreate(tx *gorm.DB) error {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	return nil
}

// TelemetryPoint is a standalone time-series row, written for every
// metadata message and for telemetry-only messages, independent of whether
// the accompanying transfer ever completes.
type TelemetryPoint struct {
	ID            uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	DeviceID      uuid.UUID  `gorm:"type:uuid;index:idx_telemetry_device_time;not null" json:"device_id"`
	RecordedAt    time.Time  `gorm:"index:idx_telemetry_device_time;not null" json:"recorded_at"`
	Temperature   *float64   `json:"temperature,omitempty"`
	Humidity      *float64   `json:"humidity,omitempty"`
	Pressure      *float64   `json:"pressure,omitempty"`
	GasResistance *float64   `json:"gas_resistance,omitempty"`
	Location      string     `json:"location"`
	DeviceError   int        `gorm:"not null;default:0" json:"device_error"`
	ImageID       *uuid.UUID `gorm:"type:uuid" json:"image_id,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

func (TelemetryPoint) TableName() string { return "gw_telemetry_points" }

func (t *TelemetryPoint) BeforeCreate(tx *gorm.DB) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	return nil
}

// AckAuditRecord logs every outbound publish attempt, success or failure.
// Rows are append-only.
type AckAuditRecord struct {
	ID        uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	Type      string         `gorm:"index;not null" json:"type"`
	DeviceMAC string         `gorm:"index;not null" json:"device_mac"`
	Topic     string         `gorm:"not null" json:"topic"`
	Payload   datatypes.JSON `gorm:"type:jsonb" json:"payload"`
	Success   bool           `gorm:"not null" json:"success"`
	Error     string         `json:"error,omitempty"`
	CreatedAt time.Time      `gorm:"index" json:"created_at"`
}

func (AckAuditRecord) TableName() string { return "gw_ack_audits" }

func (a *AckAuditRecord) BeforeCreate(tx *gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return nil
}
