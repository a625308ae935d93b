package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Lineage is the resolved ownership chain for one device, recomputed per
// message with a single join. It is never cached beyond the message being
// handled.
type Lineage struct {
	DeviceID          uuid.UUID
	MACAddress        string
	CompanyID         uuid.UUID
	ProgramID         uuid.UUID
	SiteID            uuid.UUID
	Timezone          string
	DeviceSchedule    string
	SiteSchedule      string
	ExpectedWakeCount int
	Active            bool
	ProvisioningState string
	ProgramActive     bool
}

// WakeExpression is the schedule that applies to the device: its own when
// set, otherwise the owning site's. Empty means neither is provisioned.
func (l *Lineage) WakeExpression() string {
	if l.DeviceSchedule != "" {
		return l.DeviceSchedule
	}
	return l.SiteSchedule
}

// LineageByMAC walks device -> active primary assignment -> site ->
// program -> company. It returns nil when the device exists but has no
// active primary assignment; callers distinguish unknown devices with
// DeviceByMAC first.
func (r *Repo) LineageByMAC(ctx context.Context, mac string) (*Lineage, error) {
	var out Lineage
	err := r.db.WithContext(ctx).
		Table("gw_devices AS d").
		Select(`d.id AS device_id, d.mac_address, d.wake_schedule AS device_schedule,
			d.active, d.provisioning_state,
			s.id AS site_id, s.timezone, s.wake_schedule AS site_schedule, s.expected_wake_count,
			p.id AS program_id, p.active AS program_active,
			c.id AS company_id`).
		Joins("JOIN gw_site_assignments a ON a.device_id = d.id AND a.active = ? AND a.is_primary = ?", true, true).
		Joins("JOIN gw_sites s ON s.id = a.site_id").
		Joins("JOIN gw_programs p ON p.id = s.program_id").
		Joins("JOIN gw_companies c ON c.id = p.company_id").
		Where("d.mac_address = ?", mac).
		Limit(1).
		Scan(&out).Error
	if err != nil {
		return nil, fmt.Errorf("lineage for %s: %w", mac, err)
	}
	if out.DeviceID == uuid.Nil {
		return nil, nil
	}
	return &out, nil
}
