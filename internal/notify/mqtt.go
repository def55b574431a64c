// Package notify publishes finished correlation runs to an MQTT broker.
package notify

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const publishTimeout = 5 * time.Second

// Publisher is the part of mqtt.Client the notifier uses.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// Event is the message body for one finished run.
type Event struct {
	RunID           string    `json:"run_id"`
	Status          string    `json:"status"`
	BestCorrelation float64   `json:"best_correlation"`
	BestShift       int       `json:"best_shift"`
	Buckets         int       `json:"buckets"`
	ReportPath      string    `json:"report_path,omitempty"`
	Error           string    `json:"error,omitempty"`
	FinishedAt      time.Time `json:"finished_at"`
}

// Notifier publishes events under <topic>/<run id>.
type Notifier struct {
	client Publisher
	topic  string
	qos    byte
	log    *slog.Logger
}

// New wraps an already connected publisher.
func New(client Publisher, topic string, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{client: client, topic: topic, qos: 1, log: logger}
}

// Connect dials broker and returns a notifier plus the client to disconnect later.
func Connect(broker, clientID, topic string, logger *slog.Logger) (*Notifier, mqtt.Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if clientID == "" {
		clientID = fmt.Sprintf("precorsia-%d", time.Now().Unix())
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.OnConnect = func(mqtt.Client) {
		logger.Info("mqtt connected", "broker", broker)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		logger.Warn("mqtt connection lost", "broker", broker, "error", err)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(publishTimeout) {
		return nil, nil, fmt.Errorf("mqtt connect to %s timed out", broker)
	}
	if err := token.Error(); err != nil {
		return nil, nil, fmt.Errorf("mqtt connect to %s: %w", broker, err)
	}
	return New(client, topic, logger), client, nil
}

// Publish sends ev and waits for the broker acknowledgement.
func (n *Notifier) Publish(ev Event) error {
	if n == nil || n.client == nil {
		return nil
	}
	if ev.RunID == "" {
		return errors.New("notify: event without run id")
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("notify: encode event: %w", err)
	}
	topic := n.topic + "/" + ev.RunID
	token := n.client.Publish(topic, n.qos, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("notify: publish to %s timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("notify: publish to %s: %w", topic, err)
	}
	n.log.Debug("run event published", "topic", topic, "status", ev.Status)
	return nil
}
