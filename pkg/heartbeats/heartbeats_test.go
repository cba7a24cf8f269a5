package heartbeats

import (
	"context"
	"errors"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/smithy-go"
	"github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
	"time"
)

type fakeToken struct {
	err      error
	timedOut bool
}

func (t fakeToken) Wait() bool                     { return true }
func (t fakeToken) WaitTimeout(time.Duration) bool { return !t.timedOut }
func (t fakeToken) Error() error                   { return t.err }

func (t fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	if !t.timedOut {
		close(ch)
	}
	return ch
}

type published struct {
	topic   string
	payload interface{}
}

type fakeMQTT struct {
	mqtt.Client
	published    []published
	token        fakeToken
	disconnected bool
}

func (c *fakeMQTT) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.published = append(c.published, published{topic, payload})
	return c.token
}

func (c *fakeMQTT) Disconnect(uint) {
	c.disconnected = true
}

func TestMQTTHeartbeat(t *testing.T) {
	client := &fakeMQTT{}
	pub := newMQTTPublisher(client, "", 0)

	require.NoError(t, pub.PublishHeartbeat(context.Background(), "tty.usbserial-A"))
	assert.Equal(t, []published{{"device/tty.usbserial-A/heartbeat", "OK"}}, client.published)

	pub.Close()
	assert.True(t, client.disconnected)
}

func TestMQTTRecords(t *testing.T) {
	client := &fakeMQTT{}
	pub := newMQTTPublisher(client, "serial/{device}/log", 0)

	require.NoError(t, pub.PublishRecord(context.Background(), "ttyUSB0", []byte("line 1\n")))
	require.NoError(t, pub.PublishRecord(context.Background(), "ttyUSB0", nil))

	require.Len(t, client.published, 1)
	assert.Equal(t, "serial/ttyUSB0/log", client.published[0].topic)
	assert.Equal(t, []byte("line 1\n"), client.published[0].payload)
}

func TestMQTTRecordsDisabledWithoutTopic(t *testing.T) {
	client := &fakeMQTT{}
	pub := newMQTTPublisher(client, "", 0)

	require.NoError(t, pub.PublishRecord(context.Background(), "ttyUSB0", []byte("x")))
	assert.Empty(t, client.published)
}

func TestMQTTPublishTimeout(t *testing.T) {
	client := &fakeMQTT{token: fakeToken{timedOut: true}}
	pub := newMQTTPublisher(client, "", time.Millisecond)

	assert.ErrorIs(t, pub.PublishHeartbeat(context.Background(), "ttyUSB0"), ErrPublishTimeout)
}

func TestMQTTPublishHonorsContext(t *testing.T) {
	client := &fakeMQTT{token: fakeToken{timedOut: true}}
	pub := newMQTTPublisher(client, "", time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	assert.ErrorIs(t, pub.PublishHeartbeat(ctx, "ttyUSB0"), context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}

type fakeMetrics struct {
	errs  []error
	calls []*cloudwatch.PutMetricDataInput
}

func (f *fakeMetrics) PutMetricData(_ context.Context, in *cloudwatch.PutMetricDataInput, _ ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error) {
	f.calls = append(f.calls, in)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return nil, err
	}
	return &cloudwatch.PutMetricDataOutput{}, nil
}

type fakeProvider struct {
	api         *fakeMetrics
	invalidated int
}

func (p *fakeProvider) Client(context.Context) (MetricsAPI, error) { return p.api, nil }
func (p *fakeProvider) Invalidate()                                { p.invalidated++ }

func TestCloudwatchHeartbeat(t *testing.T) {
	provider := &fakeProvider{api: &fakeMetrics{}}
	pub := NewCloudwatchPublisher(provider, "SerialLogger", "Heartbeat", "Device", nil)

	require.NoError(t, pub.PublishHeartbeat(context.Background(), "ttyUSB0"))
	require.Len(t, provider.api.calls, 1)

	in := provider.api.calls[0]
	assert.Equal(t, "SerialLogger", aws.ToString(in.Namespace))
	require.Len(t, in.MetricData, 1)
	assert.Equal(t, "Heartbeat", aws.ToString(in.MetricData[0].MetricName))
	assert.Equal(t, "Device", aws.ToString(in.MetricData[0].Dimensions[0].Name))
	assert.Equal(t, "ttyUSB0", aws.ToString(in.MetricData[0].Dimensions[0].Value))
	assert.Equal(t, 1.0, aws.ToFloat64(in.MetricData[0].Value))
}

func TestCloudwatchRetriesExpiredCredentials(t *testing.T) {
	provider := &fakeProvider{api: &fakeMetrics{errs: []error{&smithy.GenericAPIError{Code: "ExpiredToken"}}}}
	pub := NewCloudwatchPublisher(provider, "ns", "Heartbeat", "Device", nil)
	pub.retryDelay = 0

	require.NoError(t, pub.PublishHeartbeat(context.Background(), "ttyUSB0"))
	assert.Len(t, provider.api.calls, 2)
	assert.Equal(t, 1, provider.invalidated)
}

func TestCloudwatchRetryStopsOnCancel(t *testing.T) {
	provider := &fakeProvider{api: &fakeMetrics{errs: []error{&smithy.GenericAPIError{Code: "ExpiredToken"}}}}
	pub := NewCloudwatchPublisher(provider, "ns", "Heartbeat", "Device", nil)
	pub.retryDelay = time.Hour
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	assert.ErrorIs(t, pub.PublishHeartbeat(ctx, "ttyUSB0"), context.DeadlineExceeded)
	assert.Len(t, provider.api.calls, 1)
}

func TestCloudwatchOtherErrorsAreNotRetried(t *testing.T) {
	boom := errors.New("network down")
	provider := &fakeProvider{api: &fakeMetrics{errs: []error{boom}}}
	pub := NewCloudwatchPublisher(provider, "ns", "Heartbeat", "Device", nil)

	assert.ErrorIs(t, pub.PublishHeartbeat(context.Background(), "ttyUSB0"), boom)
	assert.Len(t, provider.api.calls, 1)
}

type countingPublisher struct {
	n   int
	err error
}

func (c *countingPublisher) PublishHeartbeat(context.Context, string) error {
	c.n++
	return c.err
}

func TestMultiPublishesToAll(t *testing.T) {
	boom := errors.New("boom")
	a, b := &countingPublisher{err: boom}, &countingPublisher{}

	err := Multi{a, b}.PublishHeartbeat(context.Background(), "ttyUSB0")
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, a.n)
	assert.Equal(t, 1, b.n)
}
