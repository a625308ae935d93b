// devicesim impersonates a battery-powered camera sensor against a live
// broker. It speaks the device side of the transfer protocol: announce a
// wake, obey capture and resume commands, stream metadata and chunks,
// answer missing-chunk requests, and stop once the final ack lands.
// Chunks can be withheld on the first pass to force gap recovery, and a
// claimed backlog drives the gateway's resume logic across wake cycles.
//
// Typical runs:
//
//	devicesim -broker tcp://localhost:1883 -mac B8F862F9CFB8
//	devicesim -drop 2,5,8      force a missing-chunk round trip
//	devicesim -pending 2       claim a backlog and drain it
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/canopysense/gateway/internal/mqtt"
	"github.com/canopysense/gateway/internal/publish"
)

var (
	brokerURL  = flag.String("broker", "tcp://localhost:1883", "MQTT broker URL")
	username   = flag.String("username", "", "MQTT username")
	password   = flag.String("password", "", "MQTT password")
	mac        = flag.String("mac", "B8F862F9CFB8", "device MAC to impersonate")
	imagePath  = flag.String("image", "", "JPEG to send (omit for generated bytes)")
	imageSize  = flag.Int("size", 48*1024, "generated image size in bytes")
	chunkSize  = flag.Int("chunk-size", 8192, "bytes per chunk")
	dropList   = flag.String("drop", "", "chunk ids to withhold on the first pass, comma separated")
	pendingN   = flag.Int("pending", 0, "backlog size announced on the first wake")
	useBase64  = flag.Bool("base64", false, "encode chunk payloads as base64 strings instead of byte arrays")
	location   = flag.String("location", "bench", "location string stamped into metadata")
	chunkDelay = flag.Duration("chunk-delay", 25*time.Millisecond, "pause between chunk publishes")
	ackWait    = flag.Duration("ack-wait", 30*time.Second, "silence from the gateway before waking again")
	maxWakes   = flag.Int("wakes", 3, "wake attempts without a final ack before giving up")
	debug      = flag.Bool("debug", false, "debug logging")
)

func statusTopic(mac string) string { return "device/" + mac + "/status" }
func dataTopic(mac string) string   { return "ESP32CAM/" + mac + "/data" }

// Wire shapes as current firmware publishes them.

type statusMsg struct {
	DeviceID   string `json:"device_id"`
	Status     string `json:"status"`
	PendingImg int    `json:"pendingImg"`
}

type metadataMsg struct {
	DeviceID      string  `json:"device_id"`
	CaptureTS     string  `json:"capture_timestamp"`
	ImageName     string  `json:"image_name"`
	ImageSize     int     `json:"image_size"`
	MaxChunkSize  int     `json:"max_chunk_size"`
	TotalChunks   int     `json:"total_chunks_count"`
	Location      string  `json:"location"`
	Error         int     `json:"error"`
	Temperature   float64 `json:"temperature"`
	Humidity      float64 `json:"humidity"`
	Pressure      float64 `json:"pressure"`
	GasResistance float64 `json:"gas_resistance"`
}

// Payload is a byte-value array from current firmware; -base64 switches to
// the string encoding the legacy bridge used.
type chunkMsg struct {
	DeviceID     string `json:"device_id"`
	ImageName    string `json:"image_name"`
	ChunkID      int    `json:"chunk_id"`
	MaxChunkSize int    `json:"max_chunk_size"`
	Payload      any    `json:"payload"`
}

type command struct {
	CaptureImage bool   `json:"capture_image"`
	SendImage    string `json:"send_image"`
	Sleep        bool   `json:"sleep"`
}

type ack struct {
	MissingChunks []int `json:"missing_chunks"`
	AckOK         *struct {
		NextWakeTime string `json:"next_wake_time"`
	} `json:"ACK_OK"`
}

type event struct {
	topic   string
	payload []byte
}

type simDevice struct {
	mq        *mqtt.Client
	mac       string
	chunkSize int
	delay     time.Duration
	base64    bool
	source    []byte
	drops     map[int]bool
	events    chan event

	// images stands in for the SD card: resumes and gap fills read back
	// the exact bytes of the original capture.
	images map[string][]byte
	sent   map[string]bool

	temperature   float64
	humidity      float64
	pressure      float64
	gasResistance float64
}

func main() {
	flag.Parse()
	lvl := slog.LevelInfo
	if *debug {
		lvl = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})))

	if *chunkSize <= 0 {
		slog.Error("chunk-size must be positive", "got", *chunkSize)
		os.Exit(1)
	}
	if *imageSize < 16 {
		slog.Error("size must be at least 16 bytes", "got", *imageSize)
		os.Exit(1)
	}
	drops, err := parseDrops(*dropList)
	if err != nil {
		slog.Error("bad drop list", "error", err)
		os.Exit(1)
	}
	var source []byte
	if *imagePath != "" {
		source, err = os.ReadFile(*imagePath)
		if err != nil {
			slog.Error("read image file", "path", *imagePath, "error", err)
			os.Exit(1)
		}
	}

	mq, err := mqtt.Connect(*brokerURL, "devicesim-"+*mac, *username, *password)
	if err != nil {
		slog.Error("mqtt connect failed", "url", *brokerURL, "error", err)
		os.Exit(1)
	}
	defer mq.Close()

	dev := &simDevice{
		mq:            mq,
		mac:           *mac,
		chunkSize:     *chunkSize,
		delay:         *chunkDelay,
		base64:        *useBase64,
		source:        source,
		drops:         drops,
		events:        make(chan event, 32),
		images:        make(map[string][]byte),
		sent:          make(map[string]bool),
		temperature:   72.5,
		humidity:      45.2,
		pressure:      1013.25,
		gasResistance: 15.3,
	}
	for _, topic := range []string{publish.CmdTopic(*mac), publish.AckTopic(*mac)} {
		if err := mq.Subscribe(topic, dev.enqueue); err != nil {
			slog.Error("subscribe failed", "topic", topic, "error", err)
			os.Exit(1)
		}
	}

	if err := dev.run(*pendingN); err != nil {
		slog.Error("simulation failed", "error", err)
		os.Exit(1)
	}
	slog.Info("device sleeping")
}

func (d *simDevice) enqueue(m mqtt.Message) {
	d.events <- event{topic: m.Topic(), payload: append([]byte(nil), m.Payload()...)}
}

// run is the wake loop. Each cycle announces the device's pending count,
// obeys whatever the gateway commands, then services ack traffic until the
// final ack arrives. Silence re-wakes the device the way real firmware
// does after a sleep interval; the gateway decides what to resume.
func (d *simDevice) run(pending int) error {
	wakes := 0
	current := ""
	for {
		if wakes >= *maxWakes {
			return fmt.Errorf("no final ack after %d wakes", wakes)
		}
		wakes++
		claim := pending
		if current != "" && claim == 0 {
			// An unacked transfer still counts as a pending image.
			claim = 1
		}
		if err := d.announce(claim); err != nil {
			return err
		}
	cycle:
		for {
			select {
			case ev := <-d.events:
				switch {
				case strings.HasSuffix(ev.topic, "/cmd"):
					name, sleep, err := d.obey(ev.payload)
					if err != nil {
						return err
					}
					if sleep {
						return nil
					}
					if name != "" {
						current = name
					}
				case strings.HasSuffix(ev.topic, "/ack"):
					done, err := d.acknowledge(current, ev.payload)
					if err != nil {
						return err
					}
					if done {
						if pending == 0 {
							return nil
						}
						pending--
						wakes = 0
						current = ""
						break cycle
					}
				}
			case <-time.After(*ackWait):
				slog.Warn("gateway went quiet, waking again", "wake", wakes, "in_flight", current)
				break cycle
			}
		}
	}
}

func (d *simDevice) announce(pending int) error {
	slog.Info("announcing wake", "mac", d.mac, "pending", pending)
	return d.publishJSON(statusTopic(d.mac), statusMsg{DeviceID: d.mac, Status: "alive", PendingImg: pending})
}

// obey executes one command and returns the transfer it put in flight.
func (d *simDevice) obey(raw []byte) (name string, sleep bool, err error) {
	var cmd command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return "", false, fmt.Errorf("command: %w", err)
	}
	switch {
	case cmd.Sleep:
		slog.Info("gateway sent us back to sleep")
		return "", true, nil
	case cmd.SendImage != "":
		slog.Info("resume requested", "transfer", cmd.SendImage)
		return cmd.SendImage, false, d.transfer(cmd.SendImage)
	case cmd.CaptureImage:
		name := fmt.Sprintf("image_%d.jpg", time.Now().UnixMilli())
		slog.Info("capture requested", "transfer", name)
		return name, false, d.transfer(name)
	default:
		slog.Warn("unrecognized command", "payload", string(raw))
		return "", false, nil
	}
}

// transfer sends the named image end to end, metadata first. A name
// already on the card is resent from the stored bytes; a name we have
// never seen becomes a fresh capture. Drops apply only to a transfer's
// first pass so a resume can actually finish.
func (d *simDevice) transfer(name string) error {
	data, ok := d.images[name]
	if !ok {
		data = d.capture()
		d.images[name] = data
	}
	total := chunkCount(len(data), d.chunkSize)
	if err := d.sendMetadata(name, data, total); err != nil {
		return err
	}
	time.Sleep(300 * time.Millisecond)

	withhold := !d.sent[name]
	d.sent[name] = true
	dropped := 0
	for id := 0; id < total; id++ {
		if withhold && d.drops[id] {
			slog.Info("withholding chunk", "transfer", name, "chunk", id)
			dropped++
			continue
		}
		if err := d.sendChunk(name, data, id); err != nil {
			return err
		}
		time.Sleep(d.delay)
	}
	slog.Info("chunks sent", "transfer", name, "total", total, "withheld", dropped)
	return nil
}

// capture produces image bytes: the provided file when one was given,
// otherwise JPEG-framed random data. Sensor readings drift a little per
// capture so consecutive transfers do not repeat values.
func (d *simDevice) capture() []byte {
	d.temperature += rand.Float64()*4 - 2
	d.humidity += rand.Float64()*6 - 3
	d.pressure += rand.Float64()*2 - 1

	if len(d.source) > 0 {
		return d.source
	}
	data := make([]byte, *imageSize)
	for i := range data {
		data[i] = byte(rand.IntN(256))
	}
	copy(data, []byte{0xFF, 0xD8, 0xFF, 0xE0})
	copy(data[len(data)-2:], []byte{0xFF, 0xD9})
	return data
}

func (d *simDevice) sendMetadata(name string, data []byte, total int) error {
	md := metadataMsg{
		DeviceID:      d.mac,
		CaptureTS:     time.Now().UTC().Format(time.RFC3339),
		ImageName:     name,
		ImageSize:     len(data),
		MaxChunkSize:  d.chunkSize,
		TotalChunks:   total,
		Location:      *location,
		Temperature:   round1(d.temperature),
		Humidity:      round1(d.humidity),
		Pressure:      math.Round(d.pressure*100) / 100,
		GasResistance: round1(d.gasResistance),
	}
	slog.Info("sending metadata", "transfer", name, "bytes", md.ImageSize, "chunks", total, "chunk_size", d.chunkSize)
	return d.publishJSON(dataTopic(d.mac), md)
}

func (d *simDevice) sendChunk(name string, data []byte, id int) error {
	start := id * d.chunkSize
	if start >= len(data) {
		return fmt.Errorf("chunk %d out of range for %s", id, name)
	}
	end := min(start+d.chunkSize, len(data))
	body := data[start:end]

	msg := chunkMsg{DeviceID: d.mac, ImageName: name, ChunkID: id, MaxChunkSize: d.chunkSize}
	if d.base64 {
		msg.Payload = body
	} else {
		ints := make([]int, len(body))
		for i, b := range body {
			ints[i] = int(b)
		}
		msg.Payload = ints
	}
	slog.Debug("sending chunk", "transfer", name, "chunk", id, "bytes", len(body))
	return d.publishJSON(dataTopic(d.mac), msg)
}

// acknowledge reacts to one ack-topic message and reports whether the
// transfer finished. Gap fills read back from the card, never fresh bytes.
func (d *simDevice) acknowledge(current string, raw []byte) (bool, error) {
	var a ack
	if err := json.Unmarshal(raw, &a); err != nil {
		return false, fmt.Errorf("ack: %w", err)
	}
	switch {
	case a.AckOK != nil:
		slog.Info("transfer acknowledged", "transfer", current, "next_wake", a.AckOK.NextWakeTime)
		return true, nil
	case len(a.MissingChunks) > 0:
		slog.Info("gateway reports gaps", "transfer", current, "missing", a.MissingChunks)
		if current == "" {
			return false, nil
		}
		data, ok := d.images[current]
		if !ok {
			return false, fmt.Errorf("gap report for unknown transfer %s", current)
		}
		for _, id := range a.MissingChunks {
			if err := d.sendChunk(current, data, id); err != nil {
				return false, err
			}
			time.Sleep(d.delay)
		}
		return false, nil
	default:
		slog.Warn("unrecognized ack", "payload", string(raw))
		return false, nil
	}
}

func (d *simDevice) publishJSON(topic string, body any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	return d.mq.Publish(topic, raw)
}

func parseDrops(s string) (map[int]bool, error) {
	drops := make(map[int]bool)
	if s == "" {
		return drops, nil
	}
	for _, part := range strings.Split(s, ",") {
		id, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || id < 0 {
			return nil, fmt.Errorf("bad chunk id %q", part)
		}
		drops[id] = true
	}
	return drops, nil
}

func chunkCount(size, chunkSize int) int {
	return (size + chunkSize - 1) / chunkSize
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
