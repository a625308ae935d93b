package mqtt

import (
	"crypto/tls"
	"errors"
	"log/slog"
	"net/url"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// ErrPublishTimeout is returned when the broker does not confirm a publish
// within the wait window. Callers treat it like any other publish failure.
var ErrPublishTimeout = errors.New("mqtt publish timed out")

type Client struct {
	cli mqtt.Client
}

// ClientAPI is the minimal broker surface the gateway needs.
// It enables unit testing the publisher and pipeline without a live broker.
type ClientAPI interface {
	Subscribe(topic string, cb Handler) error
	Unsubscribe(topic string) error
	Publish(topic string, payload []byte) error
}

// Message is the inbound unit handlers receive.
type Message = mqtt.Message

// Handler consumes one inbound message.
type Handler func(Message)

func Connect(brokerURL, clientID, username, password string) (*Client, error) {
	opts := mqtt.NewClientOptions()

	raw := strings.TrimSpace(brokerURL)
	if raw == "" {
		raw = "mqtt://mosquitto:1883"
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	server := u.Host
	if u.Scheme == "mqtt" || u.Scheme == "tcp" || u.Scheme == "" {
		server = "tcp://" + server
	} else if u.Scheme == "ssl" || u.Scheme == "tls" {
		server = "ssl://" + server
	} else if u.Scheme == "ws" || u.Scheme == "wss" {
		server = u.Scheme + "://" + server + u.Path
	}
	opts.AddBroker(server)

	if strings.TrimSpace(clientID) == "" {
		clientID = "canopy-gateway-" + time.Now().Format("150405.000")
	}
	opts.SetClientID(clientID)
	if username != "" {
		opts.SetUsername(username)
		opts.SetPassword(password)
	} else if u.User != nil {
		pw, _ := u.User.Password()
		opts.SetUsername(u.User.Username())
		opts.SetPassword(pw)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetOrderMatters(false)
	if u.Scheme == "ssl" || u.Scheme == "tls" || u.Scheme == "wss" {
		opts.SetTLSConfig(&tls.Config{InsecureSkipVerify: true}) // TODO: tighten
	}

	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		slog.Warn("mqtt connection lost", "error", err)
	}
	opts.OnConnect = func(_ mqtt.Client) {
		slog.Info("mqtt connected", "broker", server)
	}

	cli := mqtt.NewClient(opts)
	tok := cli.Connect()
	if ok := tok.WaitTimeout(15 * time.Second); !ok {
		return nil, errors.New("mqtt connect timed out")
	}
	if err := tok.Error(); err != nil {
		return nil, err
	}
	return &Client{cli: cli}, nil
}

// Subscribe registers cb at QoS 1. Chunk uploads from sleepy devices are
// not replayed if the broker drops them, so best-effort QoS 0 is not enough.
func (c *Client) Subscribe(topic string, cb Handler) error {
	t := c.cli.Subscribe(topic, 1, func(_ mqtt.Client, m mqtt.Message) { cb(m) })
	if t.Wait() && t.Error() != nil {
		return t.Error()
	}
	slog.Info("mqtt subscribed", "topic", topic)
	return nil
}

func (c *Client) Unsubscribe(topic string) error {
	t := c.cli.Unsubscribe(topic)
	if t.Wait() && t.Error() != nil {
		return t.Error()
	}
	slog.Info("mqtt unsubscribed", "topic", topic)
	return nil
}

func (c *Client) Publish(topic string, payload []byte) error {
	t := c.cli.Publish(topic, 1, false, payload)
	if ok := t.WaitTimeout(10 * time.Second); !ok {
		return ErrPublishTimeout
	}
	return t.Error()
}

func (c *Client) Close() {
	if c == nil || c.cli == nil {
		return
	}
	c.cli.Disconnect(1000)
}
