// Package ingest routes inbound device messages through lineage
// resolution, session bucketing and the transfer buffer, and hands
// completed transfers to the finalizer.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/canopysense/gateway/internal/buffer"
	"github.com/canopysense/gateway/internal/finalize"
	"github.com/canopysense/gateway/internal/lineage"
	"github.com/canopysense/gateway/internal/model"
	"github.com/canopysense/gateway/internal/observability"
	"github.com/canopysense/gateway/internal/publish"
	"github.com/canopysense/gateway/internal/schedule"
	"github.com/canopysense/gateway/internal/session"
	"github.com/canopysense/gateway/internal/store"
)

// Topic filters the gateway subscribes to. The MAC sits in the second
// segment of both.
const (
	StatusTopicFilter = "device/+/status"
	DataTopicFilter   = "ESP32CAM/+/data"
)

func topicMAC(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}

// keyLocks serializes chunk writes and completion checks per
// (device, transfer) key within this process. Cross-replica safety comes
// from the store's conditional writes; this only stops one process from
// finalizing the same transfer twice in parallel.
type keyLocks struct {
	stripes [64]sync.Mutex
}

func (k *keyLocks) acquire(device, name string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(device))
	h.Write([]byte{'|'})
	h.Write([]byte(name))
	mu := &k.stripes[h.Sum32()%uint32(len(k.stripes))]
	mu.Lock()
	return mu
}

type Pipeline struct {
	repo     *store.Repo
	arena    buffer.Arena
	resolver *lineage.Resolver
	sessions *session.Manager
	wake     *schedule.Engine
	pub      *publish.Publisher
	fin      *finalize.Finalizer
	locks    keyLocks
	now      func() time.Time
}

func New(repo *store.Repo, arena buffer.Arena, resolver *lineage.Resolver, sessions *session.Manager,
	wake *schedule.Engine, pub *publish.Publisher, fin *finalize.Finalizer) *Pipeline {
	return &Pipeline{
		repo:     repo,
		arena:    arena,
		resolver: resolver,
		sessions: sessions,
		wake:     wake,
		pub:      pub,
		fin:      fin,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func count(kind, outcome string) {
	observability.MessagesIngested.WithLabelValues(kind, outcome).Inc()
}

// Dispatch routes one inbound message by topic. A panic in a handler is
// contained to the message that caused it; other devices are unaffected.
func (p *Pipeline) Dispatch(ctx context.Context, topic string, payload []byte) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("message handler panic", "topic", topic, "panic", rec)
			err = fmt.Errorf("handler panic on %s: %v", topic, rec)
		}
	}()
	switch {
	case strings.HasPrefix(topic, "device/") && strings.HasSuffix(topic, "/status"):
		return p.HandleStatus(ctx, topic, payload)
	case strings.HasPrefix(topic, "ESP32CAM/") && strings.HasSuffix(topic, "/data"):
		return p.HandleData(ctx, topic, payload)
	default:
		return fmt.Errorf("no handler for topic %s", topic)
	}
}

// HandleStatus answers a wake announcement with exactly one command.
// The device's own pending count decides which: zero always means a new
// capture, even when the store still holds incomplete records. The
// firmware's retry logic is fixed; contradicting its self-report risks
// recursive capture loops.
func (p *Pipeline) HandleStatus(ctx context.Context, topic string, raw []byte) error {
	wake, err := ParseWake(raw)
	if err != nil {
		count("wake", "error")
		return err
	}
	mac := topicMAC(topic)
	if mac == "" {
		mac = wake.DeviceID
	}
	if mac == "" {
		count("wake", "dropped")
		return errors.New("wake announcement without a device identity")
	}

	if err := p.repo.TouchDeviceSeen(ctx, mac); err != nil {
		slog.Warn("touch device seen", "mac", mac, "error", err)
	}

	lin, err := p.resolver.Resolve(ctx, mac)
	if err != nil {
		if errors.Is(err, lineage.ErrUnresolved) {
			slog.Info("dropping wake announcement", "mac", mac, "reason", err)
			count("wake", "dropped")
			return nil
		}
		count("wake", "error")
		return err
	}
	if !lin.Active {
		slog.Info("inactive device woke", "mac", mac)
		count("wake", "ok")
		return p.pub.Sleep(ctx, mac)
	}

	if wake.PendingCount > 0 {
		img, err := p.repo.OldestIncompleteImage(ctx, lin.DeviceID)
		if err != nil {
			count("wake", "error")
			return err
		}
		if img == nil {
			// Nothing incomplete on record, yet the device insists: the
			// likeliest story is a final ack it never heard. Resuming the
			// newest known transfer lets it resend and be acked.
			img, err = p.repo.LatestImage(ctx, lin.DeviceID)
			if err != nil {
				count("wake", "error")
				return err
			}
		}
		if img != nil {
			slog.Info("resuming transfer", "mac", mac, "transfer", img.TransferName, "pending", wake.PendingCount)
			count("wake", "ok")
			return p.pub.Resume(ctx, mac, img.TransferName)
		}
		slog.Info("device reports pending transfers but none are on record", "mac", mac, "pending", wake.PendingCount)
	}

	count("wake", "ok")
	return p.pub.Capture(ctx, mac)
}

// HandleData routes a data-topic message to the metadata, chunk or
// telemetry path.
func (p *Pipeline) HandleData(ctx context.Context, topic string, raw []byte) error {
	msg, err := ParseData(raw)
	if err != nil {
		count("data", "error")
		return err
	}
	mac := topicMAC(topic)
	switch m := msg.(type) {
	case *Metadata:
		if mac == "" {
			mac = m.DeviceID
		}
		return p.handleMetadata(ctx, mac, m)
	case *Chunk:
		if mac == "" {
			mac = m.DeviceID
		}
		return p.handleChunk(ctx, mac, m)
	case *Telemetry:
		if mac == "" {
			mac = m.DeviceID
		}
		return p.handleTelemetry(ctx, mac, m)
	default:
		count("data", "error")
		return fmt.Errorf("unhandled message type %T", msg)
	}
}

func (p *Pipeline) handleMetadata(ctx context.Context, mac string, md *Metadata) error {
	lin, err := p.resolver.Resolve(ctx, mac)
	if err != nil {
		if errors.Is(err, lineage.ErrUnresolved) {
			slog.Info("dropping metadata", "mac", mac, "transfer", md.TransferName, "reason", err)
			count("metadata", "dropped")
			return nil
		}
		count("metadata", "error")
		return err
	}
	if !lin.Active {
		slog.Info("dropping metadata from inactive device", "mac", mac, "transfer", md.TransferName)
		count("metadata", "dropped")
		return nil
	}

	defer p.locks.acquire(mac, md.TransferName).Unlock()

	// Chunking from a previous attempt has to match the new declaration
	// or the buffered bytes are useless.
	prev, err := p.repo.ImageByTransfer(ctx, lin.DeviceID, md.TransferName)
	if err != nil {
		count("metadata", "error")
		return err
	}

	loc := session.Location(lin.Timezone)
	buckets := p.wake.Buckets(lin.WakeExpression())
	idx, overage := p.wake.Infer(md.CapturedAt, loc, buckets)

	sess, err := p.sessions.GetOrCreate(ctx, lin.SiteID, md.CapturedAt, loc, lin.ExpectedWakeCount)
	if err != nil {
		count("metadata", "error")
		return err
	}

	payload, img, isRetry, err := p.repo.CreateWakeWithImage(ctx, store.CreateWakeParams{
		DeviceID:     lin.DeviceID,
		SessionID:    sess.ID,
		TransferName: md.TransferName,
		CapturedAt:   md.CapturedAt,
		WakeIndex:    idx,
		IsOverage:    overage,
		TotalChunks:  md.ChunkCount,
		ChunkSize:    md.ChunkSize,
		ByteSize:     md.ByteSize,
	})
	if err != nil {
		count("metadata", "error")
		return err
	}

	if prev != nil && (prev.TotalChunkCount != md.ChunkCount || prev.ChunkSize != md.ChunkSize) {
		if err := p.arena.Clear(ctx, mac, md.TransferName); err != nil {
			count("metadata", "error")
			return err
		}
	}
	if err := p.arena.Open(ctx, mac, md.TransferName, md.ChunkCount); err != nil {
		count("metadata", "error")
		return err
	}

	// Telemetry rides along with metadata. Recording it here means a
	// transfer that later fails still leaves its environmental reading.
	p.recordTelemetry(ctx, lin.DeviceID, md.CapturedAt, md.Readings, &img.ID)

	slog.Info("metadata received",
		"mac", mac, "transfer", md.TransferName, "chunks", md.ChunkCount,
		"bytes", md.ByteSize, "wake_index", idx, "overage", overage,
		"session_id", sess.ID, "payload_id", payload.ID, "retry", isRetry)
	count("metadata", "ok")

	// Chunks can outrun metadata; count whatever is already buffered and
	// finalize right away if the buffer is somehow full.
	prog, err := p.arena.Progress(ctx, mac, md.TransferName)
	if err != nil {
		return err
	}
	if prog.Received > 0 {
		if err := p.repo.SetReceivedChunks(ctx, img.ID, prog.Received); err != nil {
			slog.Warn("record chunk progress", "mac", mac, "transfer", md.TransferName, "error", err)
		}
	}
	if prog.Complete() {
		return p.fin.Run(ctx, lin, img)
	}
	return nil
}

func (p *Pipeline) handleChunk(ctx context.Context, mac string, c *Chunk) error {
	lin, err := p.resolver.Resolve(ctx, mac)
	if err != nil {
		if errors.Is(err, lineage.ErrUnresolved) {
			count("chunk", "dropped")
			return nil
		}
		count("chunk", "error")
		return err
	}
	if !lin.Active {
		count("chunk", "dropped")
		return nil
	}

	defer p.locks.acquire(mac, c.TransferName).Unlock()

	img, err := p.repo.ImageByTransfer(ctx, lin.DeviceID, c.TransferName)
	if err != nil {
		count("chunk", "error")
		return err
	}
	if img != nil && img.Status == model.ImageComplete {
		// Straggler after finalize. Drop it and kill any provisional
		// buffer it may have opened.
		if err := p.arena.Clear(ctx, mac, c.TransferName); err != nil {
			slog.Warn("clear straggler buffer", "mac", mac, "transfer", c.TransferName, "error", err)
		}
		count("chunk", "dropped")
		return nil
	}

	prog, err := p.arena.Store(ctx, mac, c.TransferName, c.Index, c.Data)
	if err != nil {
		count("chunk", "error")
		return err
	}
	count("chunk", "ok")

	if img == nil {
		// Chunk ahead of its metadata: buffered provisionally, counted
		// once the record exists.
		return nil
	}
	if err := p.repo.SetReceivedChunks(ctx, img.ID, prog.Received); err != nil {
		slog.Warn("record chunk progress", "mac", mac, "transfer", c.TransferName, "error", err)
	}
	if prog.Complete() {
		return p.fin.Run(ctx, lin, img)
	}
	if c.Index == img.TotalChunkCount-1 {
		// The device sent its last chunk and is now waiting on us: either
		// everything arrived, or it needs the gap list to resend.
		missing, err := p.arena.Missing(ctx, mac, c.TransferName, img.TotalChunkCount)
		if err != nil {
			return err
		}
		if len(missing) > 0 {
			slog.Info("transfer has gaps after final chunk",
				"mac", mac, "transfer", c.TransferName, "missing", len(missing))
			return p.pub.MissingChunks(ctx, mac, missing)
		}
	}
	return nil
}

func (p *Pipeline) handleTelemetry(ctx context.Context, mac string, tm *Telemetry) error {
	lin, err := p.resolver.Resolve(ctx, mac)
	if err != nil {
		if errors.Is(err, lineage.ErrUnresolved) {
			count("telemetry", "dropped")
			return nil
		}
		count("telemetry", "error")
		return err
	}
	if !lin.Active {
		count("telemetry", "dropped")
		return nil
	}
	p.recordTelemetry(ctx, lin.DeviceID, p.now(), tm.Readings, nil)
	count("telemetry", "ok")
	return nil
}

func (p *Pipeline) recordTelemetry(ctx context.Context, deviceID uuid.UUID, at time.Time, r Readings, imageID *uuid.UUID) {
	if !r.Any() {
		return
	}
	tp := &model.TelemetryPoint{
		DeviceID:      deviceID,
		RecordedAt:    at.UTC(),
		Temperature:   r.Temperature,
		Humidity:      r.Humidity,
		Pressure:      r.Pressure,
		GasResistance: r.GasResistance,
		Location:      r.Location,
		DeviceError:   r.DeviceError,
		ImageID:       imageID,
	}
	if err := p.repo.RecordTelemetry(ctx, tp); err != nil {
		slog.Warn("record telemetry", "device_id", deviceID, "error", err)
	}
}
