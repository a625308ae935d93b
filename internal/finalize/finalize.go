// Package finalize turns a fully buffered transfer into a durable
// observation: assemble, upload, record, acknowledge, clear. Every step
// is safe to repeat, so a crash or a duplicate trigger never produces a
// second observation or a second ack.
package finalize

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/canopysense/gateway/internal/buffer"
	"github.com/canopysense/gateway/internal/model"
	"github.com/canopysense/gateway/internal/objstore"
	"github.com/canopysense/gateway/internal/observability"
	"github.com/canopysense/gateway/internal/publish"
	"github.com/canopysense/gateway/internal/schedule"
	"github.com/canopysense/gateway/internal/session"
	"github.com/canopysense/gateway/internal/store"
)

type Finalizer struct {
	repo    *store.Repo
	arena   buffer.Arena
	objects objstore.Store
	pub     *publish.Publisher
	wake    *schedule.Engine
	now     func() time.Time
}

func New(repo *store.Repo, arena buffer.Arena, objects objstore.Store, pub *publish.Publisher, wake *schedule.Engine) *Finalizer {
	return &Finalizer{
		repo:    repo,
		arena:   arena,
		objects: objects,
		pub:     pub,
		wake:    wake,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Run completes the transfer held in the buffer for img. Called when the
// buffer reports all chunks present; a still-incomplete buffer gets a
// missing-chunk request instead of an error. Failures between assembly and
// record creation mark the image failed with a distinct code and keep the
// buffer so the device's retry can reuse already-received chunks.
func (f *Finalizer) Run(ctx context.Context, lin *store.Lineage, img *model.ImageRecord) error {
	mac := lin.MACAddress
	name := img.TransferName

	missing, err := f.arena.Missing(ctx, mac, name, img.TotalChunkCount)
	if err != nil {
		return fmt.Errorf("missing check %s/%s: %w", mac, name, err)
	}
	if len(missing) > 0 {
		slog.Info("requesting missing chunks", "device", mac, "transfer", name, "count", len(missing))
		return f.pub.MissingChunks(ctx, mac, missing)
	}

	data, err := f.arena.Assemble(ctx, mac, name, img.TotalChunkCount)
	if err != nil {
		f.fail(ctx, img, model.ErrCodeAssembly, err)
		return fmt.Errorf("assemble %s/%s: %w", mac, name, err)
	}
	if img.ByteSize > 0 && len(data) != img.ByteSize {
		// Count equality decides completion; a size mismatch is worth a
		// line in the log but not a rejection.
		slog.Warn("assembled size differs from declared size",
			"device", mac, "transfer", name, "assembled", len(data), "declared", img.ByteSize)
	}

	url, err := f.objects.Put(ctx, objstore.ObjectKey(mac, name), data, "image/jpeg")
	if err != nil {
		f.fail(ctx, img, model.ErrCodeUpload, err)
		return fmt.Errorf("upload %s/%s: %w", mac, name, err)
	}

	telemetry, err := f.telemetryJSON(ctx, img.ID)
	if err != nil {
		slog.Warn("telemetry lookup failed", "device", mac, "transfer", name, "error", err)
	}
	obs, already, err := f.repo.CompleteImage(ctx, img.ID, lin.SiteID, url, telemetry)
	if err != nil {
		f.fail(ctx, img, model.ErrCodeCompletion, err)
		return fmt.Errorf("complete %s/%s: %w", mac, name, err)
	}
	if already {
		slog.Info("transfer already finalized", "device", mac, "transfer", name, "observation_id", obs.ID)
	} else {
		observability.TransfersCompleted.Inc()
		slog.Info("transfer finalized", "device", mac, "transfer", name,
			"observation_id", obs.ID, "bytes", len(data), "url", url)
	}

	f.advance(ctx, img.WakePayloadID, model.StateAckPendingSent)

	loc := session.Location(lin.Timezone)
	nextAt, nextLocal := f.wake.NextWakeLocal(lin.WakeExpression(), loc, f.now())
	if err := f.repo.SetDeviceNextWake(ctx, lin.DeviceID, nextAt); err != nil {
		slog.Warn("persist next wake", "device", mac, "error", err)
	}

	sent, err := f.pub.FinalAck(ctx, mac, img.ID, nextLocal)
	if err != nil {
		// Audited and claim released inside the publisher. The device
		// resends the transfer when it never hears the ack; the image
		// stays complete either way.
		slog.Warn("final ack publish failed", "device", mac, "transfer", name, "error", err)
	} else if sent {
		f.advance(ctx, img.WakePayloadID, model.StateComplete)
	}

	if err := f.arena.Clear(ctx, mac, name); err != nil {
		slog.Warn("clear transfer buffer", "device", mac, "transfer", name, "error", err)
	}
	return nil
}

func (f *Finalizer) fail(ctx context.Context, img *model.ImageRecord, code string, cause error) {
	observability.TransferFailures.WithLabelValues(code).Inc()
	if err := f.repo.MarkImageFailed(ctx, img.ID, code, cause.Error()); err != nil {
		slog.Error("mark image failed", "image_id", img.ID, "code", code, "error", err)
	}
}

func (f *Finalizer) advance(ctx context.Context, payloadID uuid.UUID, state string) {
	if payloadID == uuid.Nil {
		return
	}
	if err := f.repo.AdvancePayloadState(ctx, payloadID, state); err != nil {
		slog.Debug("payload state not advanced", "payload_id", payloadID, "to", state, "error", err)
	}
}

func (f *Finalizer) telemetryJSON(ctx context.Context, imageID uuid.UUID) (datatypes.JSON, error) {
	tp, err := f.repo.TelemetryForImage(ctx, imageID)
	if err != nil || tp == nil {
		return nil, err
	}
	raw, err := json.Marshal(tp)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(raw), nil
}
