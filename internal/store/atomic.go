package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/canopysense/gateway/internal/model"
)

// OpenSession returns the one session for (site, date), creating it if
// absent. Insert-on-conflict plus re-read, so two first-wake messages for
// the same site and day collapse onto a single row no matter how they
// interleave.
func (r *Repo) OpenSession(ctx context.Context, siteID uuid.UUID, date string, expectedWakes int) (*model.SiteSession, error) {
	sess := &model.SiteSession{
		SiteID:            siteID,
		SessionDate:       date,
		ExpectedWakeCount: expectedWakes,
		Status:            model.SessionOpen,
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "site_id"}, {Name: "session_date"}},
		DoNothing: true,
	}).Create(sess).Error
	if err != nil {
		return nil, fmt.Errorf("open session %s/%s: %w", siteID, date, err)
	}

	var out model.SiteSession
	err = r.db.WithContext(ctx).
		Where("site_id = ? AND session_date = ?", siteID, date).
		First(&out).Error
	if err != nil {
		return nil, fmt.Errorf("open session %s/%s: %w", siteID, date, err)
	}
	return &out, nil
}

// CreateWakeParams carries everything metadata receipt knows about a new
// transfer attempt.
type CreateWakeParams struct {
	DeviceID     uuid.UUID
	SessionID    uuid.UUID
	TransferName string
	CapturedAt   time.Time
	WakeIndex    int
	IsOverage    bool
	TotalChunks  int
	ChunkSize    int
	ByteSize     int
}

// CreateWakeWithImage atomically records a metadata receipt. Three
// outcomes share one transaction:
//
//   - fresh transfer: a WakePayload and an ImageRecord are created
//   - firmware retry (record already exists): a new WakePayload is
//     created for the new attempt and the existing ImageRecord is updated
//     in place, preserving its original captured_at
//   - concurrent duplicate (two replicas handling the same metadata):
//     the loser adopts the winner's rows and nothing is double-counted
//
// The retry flag is true only for the firmware retry outcome.
func (r *Repo) CreateWakeWithImage(ctx context.Context, p CreateWakeParams) (*model.WakePayload, *model.ImageRecord, bool, error) {
	var (
		payload model.WakePayload
		img     model.ImageRecord
		isRetry bool
	)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()

		var existing model.ImageRecord
		err := tx.Where("device_id = ? AND transfer_name = ?", p.DeviceID, p.TransferName).
			First(&existing).Error
		switch {
		case err == nil:
			// Firmware resend. New wake attempt, same logical record.
			isRetry = true
			payload = model.WakePayload{
				DeviceID:           p.DeviceID,
				SessionID:          p.SessionID,
				WakeIndex:          p.WakeIndex,
				IsOverage:          p.IsOverage,
				ProtocolState:      model.StateMetadataReceived,
				TransferName:       p.TransferName,
				MetadataReceivedAt: &now,
			}
			if err := tx.Create(&payload).Error; err != nil {
				return err
			}
			updates := map[string]any{
				"status":             model.ImageReceiving,
				"resent_received_at": now,
				"retry_count":        gorm.Expr("retry_count + 1"),
				"total_chunk_count":  p.TotalChunks,
				"chunk_size":         p.ChunkSize,
				"byte_size":          p.ByteSize,
				"wake_payload_id":    payload.ID,
				"error_code":         "",
				"error_message":      "",
				// A resend means the device never heard the final ack.
				// Re-arm the claim so this attempt can be acked.
				"acked_at": nil,
			}
			if err := tx.Model(&model.ImageRecord{}).Where("id = ?", existing.ID).Updates(updates).Error; err != nil {
				return err
			}
			return tx.First(&img, "id = ?", existing.ID).Error

		case errors.Is(err, gorm.ErrRecordNotFound):
			img = model.ImageRecord{
				DeviceID:        p.DeviceID,
				TransferName:    p.TransferName,
				Status:          model.ImageReceiving,
				TotalChunkCount: p.TotalChunks,
				ChunkSize:       p.ChunkSize,
				ByteSize:        p.ByteSize,
				CapturedAt:      p.CapturedAt.UTC(),
			}
			res := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "device_id"}, {Name: "transfer_name"}},
				DoNothing: true,
			}).Create(&img)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				// Lost a same-instant race to another replica; adopt its
				// rows instead of bumping the retry count.
				if err := tx.Where("device_id = ? AND transfer_name = ?", p.DeviceID, p.TransferName).
					First(&img).Error; err != nil {
					return err
				}
				if img.WakePayloadID == uuid.Nil {
					return nil
				}
				return tx.First(&payload, "id = ?", img.WakePayloadID).Error
			}
			payload = model.WakePayload{
				DeviceID:           p.DeviceID,
				SessionID:          p.SessionID,
				WakeIndex:          p.WakeIndex,
				IsOverage:          p.IsOverage,
				ProtocolState:      model.StateMetadataReceived,
				TransferName:       p.TransferName,
				MetadataReceivedAt: &now,
			}
			if err := tx.Create(&payload).Error; err != nil {
				return err
			}
			return tx.Model(&model.ImageRecord{}).Where("id = ?", img.ID).
				Update("wake_payload_id", payload.ID).Error

		default:
			return err
		}
	})
	if err != nil {
		return nil, nil, false, fmt.Errorf("create wake with image %s/%s: %w", p.DeviceID, p.TransferName, err)
	}
	if payload.ID != uuid.Nil {
		img.WakePayloadID = payload.ID
	}
	return &payload, &img, isRetry, nil
}

// SetReceivedChunks records buffer progress on the image record. The
// count only moves forward; duplicate deliveries cannot shrink it.
func (r *Repo) SetReceivedChunks(ctx context.Context, imageID uuid.UUID, received int) error {
	return r.db.WithContext(ctx).Model(&model.ImageRecord{}).
		Where("id = ? AND received_chunk_count < ?", imageID, received).
		Update("received_chunk_count", received).Error
}

// CompleteImage flips the record to complete and creates its observation.
// Safe to call any number of times: an already-complete record returns
// the existing observation untouched, and the unique index on
// observation.image_id makes the create side race-proof too.
func (r *Repo) CompleteImage(ctx context.Context, imageID uuid.UUID, siteID uuid.UUID, storageURL string, telemetry datatypes.JSON) (*model.Observation, bool, error) {
	var (
		obs     model.Observation
		already bool
	)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var img model.ImageRecord
		if err := tx.First(&img, "id = ?", imageID).Error; err != nil {
			return err
		}

		if img.Status == model.ImageComplete && img.ObservationID != nil {
			already = true
			return tx.First(&obs, "id = ?", *img.ObservationID).Error
		}

		var payload model.WakePayload
		if err := tx.First(&payload, "id = ?", img.WakePayloadID).Error; err != nil {
			return fmt.Errorf("load wake payload: %w", err)
		}

		obs = model.Observation{
			ImageID:    img.ID,
			SessionID:  payload.SessionID,
			DeviceID:   img.DeviceID,
			SiteID:     siteID,
			StorageURL: storageURL,
			CapturedAt: img.CapturedAt,
			Telemetry:  telemetry,
		}
		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "image_id"}},
			DoNothing: true,
		}).Create(&obs)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			already = true
			if err := tx.Where("image_id = ?", img.ID).First(&obs).Error; err != nil {
				return err
			}
		}

		return tx.Model(&model.ImageRecord{}).Where("id = ?", img.ID).Updates(map[string]any{
			"status":         model.ImageComplete,
			"storage_url":    storageURL,
			"observation_id": obs.ID,
			"error_code":     "",
			"error_message":  "",
		}).Error
	})
	if err != nil {
		return nil, false, fmt.Errorf("complete image %s: %w", imageID, err)
	}
	return &obs, already, nil
}

// MarkImageFailed records a finalization failure. The transfer buffer is
// not touched here; a device retry reuses the chunks already received.
func (r *Repo) MarkImageFailed(ctx context.Context, imageID uuid.UUID, code, message string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var img model.ImageRecord
		if err := tx.First(&img, "id = ?", imageID).Error; err != nil {
			return err
		}
		if img.Status == model.ImageComplete {
			// Never demote a completed record.
			return nil
		}
		if err := tx.Model(&model.ImageRecord{}).Where("id = ?", img.ID).Updates(map[string]any{
			"status":        model.ImageFailed,
			"error_code":    code,
			"error_message": message,
		}).Error; err != nil {
			return err
		}
		if img.WakePayloadID == uuid.Nil {
			return nil
		}
		now := time.Now().UTC()
		return tx.Model(&model.WakePayload{}).
			Where("id = ? AND protocol_state NOT IN ?", img.WakePayloadID, []string{model.StateComplete, model.StateFailed}).
			Updates(map[string]any{"protocol_state": model.StateFailed, "failed_at": now}).Error
	})
}

// ClaimFinalAck is the single-writer gate for the final acknowledgment:
// the conditional update succeeds for exactly one caller per image record,
// however many replicas finalize concurrently.
func (r *Repo) ClaimFinalAck(ctx context.Context, imageID uuid.UUID) (bool, error) {
	res := r.db.WithContext(ctx).Model(&model.ImageRecord{}).
		Where("id = ? AND acked_at IS NULL", imageID).
		Update("acked_at", time.Now().UTC())
	if res.Error != nil {
		return false, fmt.Errorf("claim final ack %s: %w", imageID, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// ReleaseFinalAck returns a won claim when the publish behind it failed.
// Without the release the device could never be acked again short of a
// full metadata resend.
func (r *Repo) ReleaseFinalAck(ctx context.Context, imageID uuid.UUID) error {
	err := r.db.WithContext(ctx).Model(&model.ImageRecord{}).
		Where("id = ?", imageID).
		Update("acked_at", nil).Error
	if err != nil {
		return fmt.Errorf("release final ack %s: %w", imageID, err)
	}
	return nil
}

// AdvancePayloadState applies a forward-only protocol transition.
// Re-applying the current state is a no-op; moving backwards is an error.
func (r *Repo) AdvancePayloadState(ctx context.Context, payloadID uuid.UUID, to string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var p model.WakePayload
		if err := tx.First(&p, "id = ?", payloadID).Error; err != nil {
			return err
		}
		if p.ProtocolState == to {
			return nil
		}
		if !model.StateAdvances(p.ProtocolState, to) {
			return fmt.Errorf("payload %s: illegal transition %s -> %s", payloadID, p.ProtocolState, to)
		}
		updates := map[string]any{"protocol_state": to}
		now := time.Now().UTC()
		switch to {
		case model.StateMetadataReceived:
			updates["metadata_received_at"] = now
		case model.StateAckPendingSent:
			updates["ack_sent_at"] = now
		case model.StateComplete:
			updates["completed_at"] = now
		case model.StateFailed:
			updates["failed_at"] = now
		}
		// Guard on the state we read; losing to a concurrent advance is
		// fine, the other writer moved it forward already.
		return tx.Model(&model.WakePayload{}).
			Where("id = ? AND protocol_state = ?", payloadID, p.ProtocolState).
			Updates(updates).Error
	})
}

// EnsureStubDevice auto-provisions an inactive pending_mapping row for a
// MAC the fleet has never seen, so firmware can start talking before an
// operator finishes onboarding. Returns the existing row when one is
// already there.
func (r *Repo) EnsureStubDevice(ctx context.Context, mac string) (*model.Device, error) {
	dev := &model.Device{
		MACAddress:        mac,
		Active:            false,
		ProvisioningState: model.ProvisioningPending,
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "mac_address"}},
		DoNothing: true,
	}).Create(dev).Error
	if err != nil {
		return nil, fmt.Errorf("ensure stub device %s: %w", mac, err)
	}
	return r.DeviceByMAC(ctx, mac)
}
