// Package publish sends protocol messages back to devices. Every publish
// attempt, successful or not, is recorded as an ack audit row so operators
// can reconstruct a device conversation after the fact.
package publish

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/canopysense/gateway/internal/model"
	"github.com/canopysense/gateway/internal/mqtt"
	"github.com/canopysense/gateway/internal/observability"
	"github.com/canopysense/gateway/internal/store"
)

// CmdTopic is where a device listens for commands between transfers.
func CmdTopic(mac string) string { return "device/" + mac + "/cmd" }

// AckTopic is where a device listens for transfer acknowledgments.
func AckTopic(mac string) string { return "device/" + mac + "/ack" }

type Publisher struct {
	mq   mqtt.ClientAPI
	repo *store.Repo
}

func New(mq mqtt.ClientAPI, repo *store.Repo) *Publisher {
	return &Publisher{mq: mq, repo: repo}
}

// The firmware parsers are fixed. Field names and shapes below must not
// change without a coordinated firmware release.

type missingChunksMsg struct {
	MissingChunks []int `json:"missing_chunks"`
}

type resumeMsg struct {
	SendImage string `json:"send_image"`
}

type captureMsg struct {
	CaptureImage bool `json:"capture_image"`
}

type sleepMsg struct {
	Sleep bool `json:"sleep"`
}

type finalAckBody struct {
	NextWakeTime string `json:"next_wake_time"`
}

type finalAckMsg struct {
	AckOK finalAckBody `json:"ACK_OK"`
}

// MissingChunks asks the device to resend the listed chunk indices for its
// current transfer.
func (p *Publisher) MissingChunks(ctx context.Context, mac string, missing []int) error {
	if len(missing) == 0 {
		return nil
	}
	return p.send(ctx, model.MsgMissingChunks, mac, AckTopic(mac), missingChunksMsg{MissingChunks: missing})
}

// Resume tells the device to continue sending the named transfer instead of
// capturing a new image.
func (p *Publisher) Resume(ctx context.Context, mac, transferName string) error {
	return p.send(ctx, model.MsgResume, mac, CmdTopic(mac), resumeMsg{SendImage: transferName})
}

// Capture commands a fresh capture.
func (p *Publisher) Capture(ctx context.Context, mac string) error {
	return p.send(ctx, model.MsgCapture, mac, CmdTopic(mac), captureMsg{CaptureImage: true})
}

// Sleep sends an inactive or unprovisioned device back to sleep without
// capturing.
func (p *Publisher) Sleep(ctx context.Context, mac string) error {
	return p.send(ctx, model.MsgSleep, mac, CmdTopic(mac), sleepMsg{Sleep: true})
}

// FinalAck acknowledges a completed transfer and carries the next wake time
// as a bare local HH:MM string. The publish is gated by a conditional claim
// on the image row, so concurrent finalize attempts produce at most one ack
// on the wire. Losing the claim is not an error; sent reports whether this
// call won it.
func (p *Publisher) FinalAck(ctx context.Context, mac string, imageID uuid.UUID, nextWake string) (sent bool, err error) {
	claimed, err := p.repo.ClaimFinalAck(ctx, imageID)
	if err != nil {
		return false, err
	}
	if !claimed {
		slog.Debug("final ack already claimed", "device", mac, "image_id", imageID)
		return false, nil
	}
	msg := finalAckMsg{AckOK: finalAckBody{NextWakeTime: nextWake}}
	if err := p.send(ctx, model.MsgFinalAck, mac, AckTopic(mac), msg); err != nil {
		// Nothing reached the device, so the claim must not stand or the
		// transfer could never be acked. The failed attempt stays in the
		// audit log.
		if relErr := p.repo.ReleaseFinalAck(ctx, imageID); relErr != nil {
			slog.Error("release final ack claim", "device", mac, "image_id", imageID, "error", relErr)
		}
		return false, err
	}
	return true, nil
}

func (p *Publisher) send(ctx context.Context, msgType, mac, topic string, body any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	pubErr := p.mq.Publish(topic, raw)
	observability.PublishCounter.WithLabelValues(msgType, strconv.FormatBool(pubErr == nil)).Inc()

	audit := &model.AckAuditRecord{
		Type:      msgType,
		DeviceMAC: mac,
		Topic:     topic,
		Payload:   datatypes.JSON(raw),
		Success:   pubErr == nil,
	}
	if pubErr != nil {
		audit.Error = pubErr.Error()
	}
	if auditErr := p.repo.AppendAckAudit(ctx, audit); auditErr != nil {
		slog.Error("append ack audit", "type", msgType, "device", mac, "error", auditErr)
	}

	if pubErr != nil {
		slog.Warn("publish failed", "type", msgType, "device", mac, "topic", topic, "error", pubErr)
		return pubErr
	}
	slog.Debug("published", "type", msgType, "device", mac, "topic", topic)
	return nil
}
