package heartbeats

import (
	"context"
	"errors"
	"fmt"
	"github.com/eclipse/paho.mqtt.golang"
	"math/rand"
	"strings"
	"time"
)

// DevicePlaceholder in a record topic is replaced by the device name.
const DevicePlaceholder = "{device}"

const heartbeatPayload = "OK"

var ErrPublishTimeout = errors.New("mqtt publish timed out")

type MQTTPublisher struct {
	client      mqtt.Client
	recordTopic string
	timeout     time.Duration
}

type Logger interface {
	Println(v ...interface{})
	Printf(format string, v ...interface{})
}

type MQTTPublisherConfig struct {
	Username      string
	Password      string
	BrokerAddress string
	// RecordTopic, when set, receives every captured record.
	RecordTopic    string
	PublishTimeout time.Duration
	Logger         Logger
	DebugLogger    Logger
}

func NewMQTTPublisher(cfg MQTTPublisherConfig) (*MQTTPublisher, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.BrokerAddress)
	opts.SetClientID(generateClientId())
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetKeepAlive(2 * time.Second)
	opts.SetPingTimeout(1 * time.Second)
	opts.SetOrderMatters(false)
	opts.SetAutoReconnect(true)

	if cfg.Logger != nil {
		mqtt.ERROR = cfg.Logger
		mqtt.CRITICAL = cfg.Logger
		mqtt.WARN = cfg.Logger
	}
	if cfg.DebugLogger != nil {
		mqtt.DEBUG = cfg.DebugLogger
	}

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}

	return newMQTTPublisher(client, cfg.RecordTopic, cfg.PublishTimeout), nil
}

func newMQTTPublisher(client mqtt.Client, recordTopic string, timeout time.Duration) *MQTTPublisher {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &MQTTPublisher{client: client, recordTopic: recordTopic, timeout: timeout}
}

// HeartbeatTopic is the topic a device's liveness is reported on.
func HeartbeatTopic(device string) string {
	return fmt.Sprintf("device/%s/heartbeat", device)
}

func (pub *MQTTPublisher) PublishHeartbeat(ctx context.Context, device string) error {
	return pub.publish(ctx, HeartbeatTopic(device), heartbeatPayload)
}

// PublishRecord forwards raw device output. Empty records are dropped.
func (pub *MQTTPublisher) PublishRecord(ctx context.Context, device string, record []byte) error {
	if pub.recordTopic == "" || len(record) == 0 {
		return nil
	}
	topic := strings.ReplaceAll(pub.recordTopic, DevicePlaceholder, device)
	return pub.publish(ctx, topic, record)
}

func (pub *MQTTPublisher) publish(ctx context.Context, topic string, payload interface{}) error {
	token := pub.client.Publish(topic, 0, false, payload)

	timer := time.NewTimer(pub.timeout)
	defer timer.Stop()
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("%w: %s", ErrPublishTimeout, topic)
	}
}

func (pub *MQTTPublisher) Close() {
	pub.client.Disconnect(1000)
}

func generateClientId() string {
	now := time.Now().Unix()
	random := rand.Intn(1000000)
	return fmt.Sprintf("seriallogger-%v-%v", now, random)
}
