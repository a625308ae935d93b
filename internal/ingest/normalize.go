package ingest

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
)

// Canonical message types. The firmware has shipped several wire-format
// generations; every variant is collapsed into these structs here, at the
// boundary, so nothing downstream ever sees a raw field name.

type WakeAnnouncement struct {
	DeviceID     string
	PendingCount int
}

type Readings struct {
	Temperature   *float64
	Humidity      *float64
	Pressure      *float64
	GasResistance *float64
	Location      string
	DeviceError   int
}

// Any reports whether the message carried at least one sensor value.
func (r Readings) Any() bool {
	return r.Temperature != nil || r.Humidity != nil || r.Pressure != nil || r.GasResistance != nil
}

type Metadata struct {
	DeviceID     string
	TransferName string
	CapturedAt   time.Time
	ByteSize     int
	ChunkSize    int
	ChunkCount   int
	Readings     Readings
}

type Chunk struct {
	DeviceID     string
	TransferName string
	Index        int
	Data         []byte
}

type Telemetry struct {
	DeviceID string
	Readings Readings
}

// ParseWake normalizes a status-topic payload. The pending counter has
// gone by three names across firmware builds.
func ParseWake(raw []byte) (*WakeAnnouncement, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("wake announcement: %w", err)
	}
	w := &WakeAnnouncement{DeviceID: str(m, "device_id", "mac")}
	if n, ok := intval(m, "pendingImg", "pending_img", "pending_count"); ok {
		w.PendingCount = n
	}
	return w, nil
}

// ParseData classifies a data-topic payload and returns *Metadata, *Chunk
// or *Telemetry. Detection order is fixed by the firmware: a chunk_id
// makes it a chunk, a chunk-count field without chunk_id makes it
// metadata, bare readings make it telemetry.
func ParseData(raw []byte) (any, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("data message: %w", err)
	}
	if _, ok := lookup(m, "chunk_id", "chunk_index"); ok {
		return parseChunk(m)
	}
	if _, ok := lookup(m, "total_chunks_count", "total_chunk_count", "chunk_count"); ok {
		return parseMetadata(m)
	}
	if r := readings(m); r.Any() {
		return &Telemetry{DeviceID: str(m, "device_id", "mac"), Readings: r}, nil
	}
	return nil, fmt.Errorf("data message: unrecognized shape")
}

func parseMetadata(m map[string]any) (*Metadata, error) {
	md := &Metadata{
		DeviceID:     str(m, "device_id", "mac"),
		TransferName: str(m, "image_name", "transfer_name"),
	}
	if md.TransferName == "" {
		return nil, fmt.Errorf("metadata: missing image_name")
	}
	md.ChunkCount, _ = intval(m, "total_chunks_count", "total_chunk_count", "chunk_count")
	if md.ChunkCount <= 0 {
		return nil, fmt.Errorf("metadata %s: chunk count must be positive, got %d", md.TransferName, md.ChunkCount)
	}
	md.ChunkSize, _ = intval(m, "max_chunk_size", "chunk_size")
	md.ByteSize, _ = intval(m, "image_size", "byte_size")
	md.CapturedAt = parseTimestamp(md.TransferName, str(m, "capture_timestamp", "timestamp", "captured_at"))
	md.Readings = readings(m)
	return md, nil
}

func parseChunk(m map[string]any) (*Chunk, error) {
	c := &Chunk{
		DeviceID:     str(m, "device_id", "mac"),
		TransferName: str(m, "image_name", "transfer_name"),
	}
	if c.TransferName == "" {
		return nil, fmt.Errorf("chunk: missing image_name")
	}
	idx, ok := intval(m, "chunk_id", "chunk_index")
	if !ok || idx < 0 {
		return nil, fmt.Errorf("chunk %s: bad index", c.TransferName)
	}
	c.Index = idx
	v, _ := lookup(m, "payload", "data")
	data, err := chunkBytes(v)
	if err != nil {
		return nil, fmt.Errorf("chunk %s[%d]: %w", c.TransferName, idx, err)
	}
	c.Data = data
	return c, nil
}

// chunkBytes decodes the two payload encodings in the wild: a JSON array
// of byte values (current firmware) and a base64 string (legacy bridge).
func chunkBytes(v any) ([]byte, error) {
	switch p := v.(type) {
	case []any:
		out := make([]byte, len(p))
		for i, e := range p {
			n, ok := e.(float64)
			if !ok {
				return nil, fmt.Errorf("payload element %d is %T, want number", i, e)
			}
			out[i] = byte(int(n))
		}
		return out, nil
	case string:
		b, err := base64.StdEncoding.DecodeString(p)
		if err != nil {
			return nil, fmt.Errorf("payload base64: %w", err)
		}
		return b, nil
	case nil:
		return nil, fmt.Errorf("payload missing")
	default:
		return nil, fmt.Errorf("payload is %T", v)
	}
}

// parseTimestamp accepts the ISO-8601 spellings the firmware has shipped:
// with Z or offset, and bare (taken as UTC). A missing or garbled stamp
// falls back to now; a capture is never rejected over its clock.
func parseTimestamp(transfer, s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Now().UTC()
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999", "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	slog.Warn("unparseable capture timestamp", "transfer", transfer, "value", s)
	return time.Now().UTC()
}

// readings pulls sensor values from the flat current layout or the nested
// telemetry/sensor_data block older firmware used.
func readings(m map[string]any) Readings {
	src := m
	if nested, ok := lookup(m, "telemetry", "sensor_data"); ok {
		if nm, ok := nested.(map[string]any); ok {
			src = nm
		}
	}
	r := Readings{
		Temperature:   floatPtr(src, "temperature", "temp"),
		Humidity:      floatPtr(src, "humidity"),
		Pressure:      floatPtr(src, "pressure"),
		GasResistance: floatPtr(src, "gas_resistance", "gas"),
		Location:      str(src, "location"),
	}
	if r.Location == "" {
		r.Location = str(m, "location")
	}
	if n, ok := intval(src, "error", "device_error"); ok {
		r.DeviceError = n
	} else if n, ok := intval(m, "error", "device_error"); ok {
		r.DeviceError = n
	}
	return r
}

func lookup(m map[string]any, keys ...string) (any, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			return v, true
		}
	}
	return nil, false
}

func str(m map[string]any, keys ...string) string {
	v, ok := lookup(m, keys...)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return strings.TrimSpace(s)
}

func intval(m map[string]any, keys ...string) (int, bool) {
	v, ok := lookup(m, keys...)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return int(n), true
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(n))
		if err != nil {
			return 0, false
		}
		return i, true
	}
	return 0, false
}

func floatPtr(m map[string]any, keys ...string) *float64 {
	v, ok := lookup(m, keys...)
	if !ok {
		return nil
	}
	switch n := v.(type) {
	case float64:
		f := n
		return &f
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(n), 64); err == nil {
			return &f
		}
	}
	return nil
}
