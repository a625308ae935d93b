package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/canopysense/gateway/internal/buffer"
	"github.com/canopysense/gateway/internal/finalize"
	"github.com/canopysense/gateway/internal/lineage"
	"github.com/canopysense/gateway/internal/model"
	"github.com/canopysense/gateway/internal/mqtt"
	"github.com/canopysense/gateway/internal/objstore"
	"github.com/canopysense/gateway/internal/publish"
	"github.com/canopysense/gateway/internal/schedule"
	"github.com/canopysense/gateway/internal/session"
	"github.com/canopysense/gateway/internal/store"
)

const testMAC = "B8F862F9CFB8"

type published struct {
	topic   string
	payload []byte
}

type fakeBroker struct {
	mu   sync.Mutex
	sent []published
}

var _ mqtt.ClientAPI = (*fakeBroker)(nil)

func (f *fakeBroker) Subscribe(string, mqtt.Handler) error { return nil }
func (f *fakeBroker) Unsubscribe(string) error             { return nil }

func (f *fakeBroker) Publish(topic string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, published{topic: topic, payload: append([]byte(nil), payload...)})
	return nil
}

func (f *fakeBroker) countContaining(substr string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, m := range f.sent {
		if strings.Contains(string(m.payload), substr) {
			n++
		}
	}
	return n
}

func (f *fakeBroker) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type rig struct {
	repo    *store.Repo
	arena   *buffer.MemoryArena
	objects *objstore.MemoryStore
	broker  *fakeBroker
	pipe    *Pipeline
	device  model.Device
	site    model.Site
}

func newRig(t *testing.T) *rig {
	t.Helper()
	dsn := "file:ingest_" + strings.NewReplacer("/", "_", " ", "_").Replace(t.Name()) + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	repo, err := store.New(db)
	if err != nil {
		t.Fatalf("init store: %v", err)
	}

	r := &rig{
		repo:    repo,
		arena:   buffer.NewMemoryArena(),
		objects: objstore.NewMemoryStore(),
		broker:  &fakeBroker{},
	}
	r.seedChain(t)

	pub := publish.New(r.broker, repo)
	engine := schedule.New(schedule.DefaultExpression, 4)
	fin := finalize.New(repo, r.arena, r.objects, pub, engine)
	r.pipe = New(repo, r.arena, lineage.New(repo), session.New(repo), engine, pub, fin)
	r.pipe.now = func() time.Time { return time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC) }
	return r
}

func (r *rig) seedChain(t *testing.T) {
	t.Helper()
	db := r.repo.DB()
	company := model.Company{Name: "Verdant Ltd"}
	if err := db.Create(&company).Error; err != nil {
		t.Fatalf("seed company: %v", err)
	}
	program := model.Program{CompanyID: company.ID, Name: "north ridge", Active: true}
	if err := db.Create(&program).Error; err != nil {
		t.Fatalf("seed program: %v", err)
	}
	r.site = model.Site{
		ProgramID:         program.ID,
		Name:              "ridge-7",
		Timezone:          "UTC",
		WakeSchedule:      "0 8,16 * * *",
		ExpectedWakeCount: 2,
	}
	if err := db.Create(&r.site).Error; err != nil {
		t.Fatalf("seed site: %v", err)
	}
	r.device = model.Device{
		MACAddress:        testMAC,
		Active:            true,
		ProvisioningState: model.ProvisioningReady,
	}
	if err := db.Create(&r.device).Error; err != nil {
		t.Fatalf("seed device: %v", err)
	}
	asg := model.SiteAssignment{DeviceID: r.device.ID, SiteID: r.site.ID, Active: true, IsPrimary: true}
	if err := db.Create(&asg).Error; err != nil {
		t.Fatalf("seed assignment: %v", err)
	}
}

func (r *rig) dispatch(t *testing.T, topic string, body map[string]any) {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := r.pipe.Dispatch(context.Background(), topic, raw); err != nil {
		t.Fatalf("dispatch %s: %v", topic, err)
	}
}

func (r *rig) dispatchErr(t *testing.T, topic string, body map[string]any) error {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return r.pipe.Dispatch(context.Background(), topic, raw)
}

func statusTopic(mac string) string { return "device/" + mac + "/status" }
func dataTopic(mac string) string   { return "ESP32CAM/" + mac + "/data" }

func wakeMsg(mac string, pending int) map[string]any {
	return map[string]any{"device_id": mac, "status": "alive", "pendingImg": pending}
}

func metadataMsg(mac, name string, capturedAt string, chunkSize, chunks, size int) map[string]any {
	return map[string]any{
		"device_id":          mac,
		"capture_timestamp":  capturedAt,
		"image_name":         name,
		"image_size":         size,
		"max_chunk_size":     chunkSize,
		"total_chunks_count": chunks,
		"location":           "ridge-7",
		"error":              0,
		"temperature":        72.5,
		"humidity":           45.2,
		"pressure":           1013.25,
		"gas_resistance":     15.3,
	}
}

func chunkMsg(mac, name string, index int, data []byte) map[string]any {
	ints := make([]int, len(data))
	for i, b := range data {
		ints[i] = int(b)
	}
	return map[string]any{
		"device_id":      mac,
		"image_name":     name,
		"chunk_id":       index,
		"max_chunk_size": len(data),
		"payload":        ints,
	}
}

func (r *rig) image(t *testing.T, name string) *model.ImageRecord {
	t.Helper()
	img, err := r.repo.ImageByTransfer(context.Background(), r.device.ID, name)
	if err != nil {
		t.Fatalf("image lookup: %v", err)
	}
	if img == nil {
		t.Fatalf("image %s not found", name)
	}
	return img
}

func TestWakeZeroPendingAlwaysCaptures(t *testing.T) {
	r := newRig(t)
	// An incomplete record exists, but the device says it has nothing
	// pending. The device wins.
	_, _, _, err := r.repo.CreateWakeWithImage(context.Background(), store.CreateWakeParams{
		DeviceID: r.device.ID, SessionID: uuid.New(), TransferName: "stale.jpg",
		CapturedAt: time.Now().UTC().Add(-24 * time.Hour), WakeIndex: 1, TotalChunks: 3,
	})
	if err != nil {
		t.Fatalf("seed incomplete image: %v", err)
	}

	r.dispatch(t, statusTopic(testMAC), wakeMsg(testMAC, 0))

	if got := r.broker.countContaining("capture_image"); got != 1 {
		t.Fatalf("capture commands = %d, want 1", got)
	}
	if got := r.broker.countContaining("send_image"); got != 0 {
		t.Fatalf("resume sent despite pendingImg=0")
	}
}

func TestWakePendingResumesOldestIncomplete(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	for i, tc := range []struct {
		name string
		age  time.Duration
	}{
		{"newer.jpg", 2 * time.Hour},
		{"older.jpg", 26 * time.Hour},
	} {
		_, _, _, err := r.repo.CreateWakeWithImage(ctx, store.CreateWakeParams{
			DeviceID: r.device.ID, SessionID: uuid.New(), TransferName: tc.name,
			CapturedAt: time.Now().UTC().Add(-tc.age), WakeIndex: i + 1, TotalChunks: 3,
		})
		if err != nil {
			t.Fatalf("seed %s: %v", tc.name, err)
		}
	}

	r.dispatch(t, statusTopic(testMAC), wakeMsg(testMAC, 2))

	if got := r.broker.countContaining(`"send_image":"older.jpg"`); got != 1 {
		t.Fatalf("oldest incomplete not resumed; published: %d", r.broker.total())
	}
	if got := r.broker.countContaining("capture_image"); got != 0 {
		t.Fatalf("capture issued despite pending transfers")
	}
}

func TestWakePendingWithoutIncompleteResumesNewest(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	_, img, _, err := r.repo.CreateWakeWithImage(ctx, store.CreateWakeParams{
		DeviceID: r.device.ID, SessionID: uuid.New(), TransferName: "done.jpg",
		CapturedAt: time.Now().UTC().Add(-2 * time.Hour), WakeIndex: 1, TotalChunks: 1,
	})
	if err != nil {
		t.Fatalf("seed image: %v", err)
	}
	if _, _, err := r.repo.CompleteImage(ctx, img.ID, r.site.ID, "s3://test/x", nil); err != nil {
		t.Fatalf("complete image: %v", err)
	}

	// The device still holds it, so its final ack must have been lost.
	r.dispatch(t, statusTopic(testMAC), wakeMsg(testMAC, 1))

	if got := r.broker.countContaining(`"send_image":"done.jpg"`); got != 1 {
		t.Fatalf("completed transfer not re-offered for resend")
	}
}

func TestWakeUnknownDeviceDroppedAndStubbed(t *testing.T) {
	r := newRig(t)
	r.dispatch(t, statusTopic("FFEEDDCCBBAA"), wakeMsg("FFEEDDCCBBAA", 0))

	if r.broker.total() != 0 {
		t.Fatalf("published %d messages to an unknown device", r.broker.total())
	}
	dev, err := r.repo.DeviceByMAC(context.Background(), "FFEEDDCCBBAA")
	if err != nil || dev == nil {
		t.Fatalf("stub device not provisioned: %v", err)
	}
	if dev.ProvisioningState != model.ProvisioningPending {
		t.Fatalf("stub state = %q", dev.ProvisioningState)
	}
}

func TestWakeInactiveDeviceSleeps(t *testing.T) {
	r := newRig(t)
	if err := r.repo.DB().Model(&model.Device{}).Where("id = ?", r.device.ID).
		Update("active", false).Error; err != nil {
		t.Fatalf("deactivate device: %v", err)
	}

	r.dispatch(t, statusTopic(testMAC), wakeMsg(testMAC, 0))

	if got := r.broker.countContaining(`"sleep":true`); got != 1 {
		t.Fatalf("sleep commands = %d, want 1", got)
	}
	if got := r.broker.countContaining("capture_image"); got != 0 {
		t.Fatalf("inactive device told to capture")
	}
}

func TestFullTransferLifecycle(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	name := "image_1748764980000.jpg"
	chunks := [][]byte{
		{0xFF, 0xD8, 0xFF, 0xE0},
		{0x01, 0x02, 0x03, 0x04},
		{0x05, 0x06, 0xFF, 0xD9},
	}

	r.dispatch(t, statusTopic(testMAC), wakeMsg(testMAC, 0))
	if got := r.broker.countContaining("capture_image"); got != 1 {
		t.Fatalf("capture commands = %d", got)
	}

	r.dispatch(t, dataTopic(testMAC), metadataMsg(testMAC, name, "2026-08-26T08:01:00Z", 4, 3, 12))

	// Chunk 1 is lost in transit; the device finishes its pass and waits.
	r.dispatch(t, dataTopic(testMAC), chunkMsg(testMAC, name, 0, chunks[0]))
	r.dispatch(t, dataTopic(testMAC), chunkMsg(testMAC, name, 2, chunks[2]))
	if got := r.broker.countContaining(`"missing_chunks":[1]`); got != 1 {
		t.Fatalf("missing chunk requests = %d, want 1", got)
	}

	// Resend closes the gap and finalizes.
	r.dispatch(t, dataTopic(testMAC), chunkMsg(testMAC, name, 1, chunks[1]))

	img := r.image(t, name)
	if img.Status != model.ImageComplete || img.ReceivedChunkCount != 3 {
		t.Fatalf("image = %q received %d", img.Status, img.ReceivedChunkCount)
	}
	if img.AckedAt == nil || img.ObservationID == nil {
		t.Fatalf("image not acked/linked: %+v", img)
	}

	obj, ok := r.objects.Object("images/" + testMAC + "/" + name)
	if !ok || !bytes.Equal(obj, bytes.Join(chunks, nil)) {
		t.Fatalf("stored object wrong or missing")
	}

	var obs []model.Observation
	if err := r.repo.DB().Find(&obs).Error; err != nil || len(obs) != 1 {
		t.Fatalf("observations = %d (%v)", len(obs), err)
	}
	if obs[0].DeviceID != r.device.ID || obs[0].SiteID != r.site.ID {
		t.Fatalf("observation lineage = %+v", obs[0])
	}

	var payload model.WakePayload
	if err := r.repo.DB().First(&payload, "id = ?", img.WakePayloadID).Error; err != nil {
		t.Fatalf("load payload: %v", err)
	}
	if payload.ProtocolState != model.StateComplete || payload.WakeIndex != 1 || payload.IsOverage {
		t.Fatalf("payload = %+v", payload)
	}

	sess, err := r.repo.SessionByID(ctx, payload.SessionID)
	if err != nil || sess == nil {
		t.Fatalf("session missing: %v", err)
	}
	if sess.SessionDate != "2026-08-26" || sess.SiteID != r.site.ID {
		t.Fatalf("session = %+v", sess)
	}

	if got := r.broker.countContaining(`"ACK_OK":{"next_wake_time":"`); got != 1 {
		t.Fatalf("final acks = %d, want 1", got)
	}

	tp, err := r.repo.TelemetryForImage(ctx, img.ID)
	if err != nil || tp == nil {
		t.Fatalf("telemetry point missing: %v", err)
	}
	if tp.Temperature == nil || *tp.Temperature != 72.5 {
		t.Fatalf("telemetry = %+v", tp)
	}

	var dev model.Device
	if err := r.repo.DB().First(&dev, "id = ?", r.device.ID).Error; err != nil {
		t.Fatalf("load device: %v", err)
	}
	if dev.NextWakeAt == nil {
		t.Fatalf("next wake not persisted")
	}
	// The schedule only wakes at 08:00 and 16:00, whatever the clock says.
	if h := dev.NextWakeAt.UTC().Hour(); h != 8 && h != 16 {
		t.Fatalf("next wake hour = %d, want 8 or 16", h)
	}
	if dev.LastSeenAt == nil {
		t.Fatalf("last seen not touched")
	}

	prog, err := r.arena.Progress(ctx, testMAC, name)
	if err != nil || prog.Received != 0 {
		t.Fatalf("buffer not cleared: %+v (%v)", prog, err)
	}
}

func TestChunksBeforeMetadataFinalizeOnMetadata(t *testing.T) {
	r := newRig(t)
	name := "early.jpg"
	chunks := [][]byte{{0xFF, 0xD8}, {0x01, 0x02}, {0xFF, 0xD9}}

	for i, c := range chunks {
		r.dispatch(t, dataTopic(testMAC), chunkMsg(testMAC, name, i, c))
	}
	// No record yet, so nothing to ack or request.
	if r.broker.total() != 0 {
		t.Fatalf("published before metadata arrived")
	}

	r.dispatch(t, dataTopic(testMAC), metadataMsg(testMAC, name, "2026-08-26T08:01:00Z", 2, 3, 6))

	img := r.image(t, name)
	if img.Status != model.ImageComplete {
		t.Fatalf("image status = %q, want complete", img.Status)
	}
	if img.ReceivedChunkCount != 3 {
		t.Fatalf("received count = %d, want 3", img.ReceivedChunkCount)
	}
	if got := r.broker.countContaining("ACK_OK"); got != 1 {
		t.Fatalf("final acks = %d, want 1", got)
	}
}

func TestUploadFailureThenDeviceRetryReusesRecord(t *testing.T) {
	r := newRig(t)
	name := "retry.jpg"
	chunks := [][]byte{{0xFF, 0xD8, 0x00, 0x01}, {0x05, 0x06, 0xFF, 0xD9}}

	r.objects.PutErr = errTest("object store down")

	r.dispatch(t, dataTopic(testMAC), metadataMsg(testMAC, name, "2026-08-26T08:01:00Z", 4, 2, 8))
	r.dispatch(t, dataTopic(testMAC), chunkMsg(testMAC, name, 0, chunks[0]))
	if err := r.dispatchErr(t, dataTopic(testMAC), chunkMsg(testMAC, name, 1, chunks[1])); err == nil {
		t.Fatalf("expected upload failure to surface")
	}

	img := r.image(t, name)
	if img.Status != model.ImageFailed || img.ErrorCode != model.ErrCodeUpload {
		t.Fatalf("image = %q code %q", img.Status, img.ErrorCode)
	}
	firstID := img.ID

	// Device wakes again and resends the same transfer end to end.
	r.dispatch(t, statusTopic(testMAC), wakeMsg(testMAC, 1))
	if got := r.broker.countContaining(`"send_image":"retry.jpg"`); got != 1 {
		t.Fatalf("failed transfer not resumed")
	}
	r.dispatch(t, dataTopic(testMAC), metadataMsg(testMAC, name, "2026-08-26T08:01:00Z", 4, 2, 8))
	for i, c := range chunks {
		r.dispatch(t, dataTopic(testMAC), chunkMsg(testMAC, name, i, c))
	}

	img = r.image(t, name)
	if img.ID != firstID {
		t.Fatalf("retry created a second image record")
	}
	if img.Status != model.ImageComplete || img.RetryCount != 1 || img.ResentReceivedAt == nil {
		t.Fatalf("image = status %q retries %d", img.Status, img.RetryCount)
	}
	if !img.CapturedAt.Equal(time.Date(2026, 8, 26, 8, 1, 0, 0, time.UTC)) {
		t.Fatalf("captured_at changed on retry: %v", img.CapturedAt)
	}

	var count int64
	if err := r.repo.DB().Model(&model.Observation{}).Count(&count).Error; err != nil || count != 1 {
		t.Fatalf("observations = %d (%v)", count, err)
	}
	if r.objects.Len() != 1 {
		t.Fatalf("objects = %d, want 1 (stable path overwrites)", r.objects.Len())
	}
	if got := r.broker.countContaining("ACK_OK"); got != 1 {
		t.Fatalf("final acks = %d, want 1", got)
	}
}

func TestRechunkedRetryDropsStaleBuffer(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	name := "rechunk.jpg"

	r.dispatch(t, dataTopic(testMAC), metadataMsg(testMAC, name, "2026-08-26T08:01:00Z", 4, 3, 12))
	r.dispatch(t, dataTopic(testMAC), chunkMsg(testMAC, name, 0, []byte{1, 2, 3, 4}))

	// The resend declares a different chunking; buffered bytes from the
	// first attempt would corrupt the assembly.
	r.dispatch(t, dataTopic(testMAC), metadataMsg(testMAC, name, "2026-08-26T08:01:00Z", 6, 2, 12))

	prog, err := r.arena.Progress(ctx, testMAC, name)
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if prog.Received != 0 || prog.Total != 2 {
		t.Fatalf("stale buffer survived rechunking: %+v", prog)
	}

	r.dispatch(t, dataTopic(testMAC), chunkMsg(testMAC, name, 0, []byte{1, 2, 3, 4, 5, 6}))
	r.dispatch(t, dataTopic(testMAC), chunkMsg(testMAC, name, 1, []byte{7, 8, 9, 10, 11, 12}))

	obj, ok := r.objects.Object("images/" + testMAC + "/" + name)
	if !ok || len(obj) != 12 {
		t.Fatalf("assembled object = %d bytes", len(obj))
	}
}

func TestTelemetryOnlyMessage(t *testing.T) {
	r := newRig(t)
	r.dispatch(t, dataTopic(testMAC), map[string]any{
		"device_id": testMAC, "temperature": 70.1, "humidity": 39.5,
	})

	var points []model.TelemetryPoint
	if err := r.repo.DB().Find(&points).Error; err != nil || len(points) != 1 {
		t.Fatalf("telemetry points = %d (%v)", len(points), err)
	}
	if points[0].ImageID != nil {
		t.Fatalf("telemetry-only point linked to an image")
	}
	var payloads int64
	if err := r.repo.DB().Model(&model.WakePayload{}).Count(&payloads).Error; err != nil || payloads != 0 {
		t.Fatalf("wake payloads = %d, want 0", payloads)
	}
}

func TestDuplicateChunksDoNotInflateProgress(t *testing.T) {
	r := newRig(t)
	name := "dup.jpg"

	r.dispatch(t, dataTopic(testMAC), metadataMsg(testMAC, name, "2026-08-26T08:01:00Z", 2, 2, 4))
	for i := 0; i < 3; i++ {
		r.dispatch(t, dataTopic(testMAC), chunkMsg(testMAC, name, 0, []byte{0xFF, 0xD8}))
	}

	img := r.image(t, name)
	if img.ReceivedChunkCount != 1 {
		t.Fatalf("received count = %d, want 1", img.ReceivedChunkCount)
	}
	if img.Status != model.ImageReceiving {
		t.Fatalf("status = %q", img.Status)
	}

	r.dispatch(t, dataTopic(testMAC), chunkMsg(testMAC, name, 1, []byte{0xFF, 0xD9}))
	img = r.image(t, name)
	if img.Status != model.ImageComplete || img.ReceivedChunkCount != 2 {
		t.Fatalf("image = %q received %d", img.Status, img.ReceivedChunkCount)
	}
}

func TestDispatchUnknownTopic(t *testing.T) {
	r := newRig(t)
	if err := r.pipe.Dispatch(context.Background(), "some/other/topic", []byte(`{}`)); err == nil {
		t.Fatalf("unknown topic accepted")
	}
}

type errTest string

func (e errTest) Error() string { return string(e) }
