package main

import (
	"context"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/dancavallaro/seriallogger/awso"
	"github.com/dancavallaro/seriallogger/pkg/heartbeats"
	"github.com/dancavallaro/seriallogger/pkg/session"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"time"
)

type telemetryOptions struct {
	deviceName      string
	interval        time.Duration
	mqttAddress     string
	mqttUsername    string
	mqttPassword    string
	mqttRecordTopic string
	region          string
	metricNamespace string
	metricName      string
	metricDimension string
}

func (t *telemetryOptions) register(f *pflag.FlagSet) {
	f.StringVar(&t.deviceName, "device-name", "", "device name used in heartbeat topics and metrics (default: base name of the port)")
	f.DurationVar(&t.interval, "heartbeat-interval", 30*time.Second, "how often to publish heartbeats while logging")
	f.StringVar(&t.mqttAddress, "mqtt-address", "", "address:port of an MQTT broker to publish heartbeats to")
	f.StringVar(&t.mqttUsername, "mqtt-username", "", "MQTT username")
	f.StringVar(&t.mqttPassword, "mqtt-password", "", "MQTT password")
	f.StringVar(&t.mqttRecordTopic, "mqtt-record-topic", "", "MQTT topic to mirror device output to, "+heartbeats.DevicePlaceholder+" is replaced by the device name")
	f.StringVar(&t.region, "region", "us-east-1", "CloudWatch region to use")
	f.StringVar(&t.metricNamespace, "metric-namespace", "", "CloudWatch namespace to publish heartbeat metrics in (default: disabled)")
	f.StringVar(&t.metricName, "metric-name", "Heartbeat", "metric name to use for heartbeats")
	f.StringVar(&t.metricDimension, "metric-dimension", "Device", "dimension name identifying the device")
}

// build connects the configured sinks. A sink that cannot be set up is
// logged and skipped; capturing goes ahead without it.
func (t *telemetryOptions) build(ctx context.Context, name string, logger *logrus.Logger) (session.Telemetry, func()) {
	telemetry := session.Telemetry{Name: name, Interval: t.interval, Drain: session.DefaultTelemetryDrain}
	var publishers heartbeats.Multi
	closers := []func(){}

	if t.mqttAddress != "" {
		mqttLogger := logger.WithField("component", "mqtt")
		pub, err := heartbeats.NewMQTTPublisher(heartbeats.MQTTPublisherConfig{
			BrokerAddress: t.mqttAddress,
			Username:      t.mqttUsername,
			Password:      t.mqttPassword,
			RecordTopic:   t.mqttRecordTopic,
			Logger:        mqttLogger,
		})
		if err != nil {
			logger.WithError(err).Warn("MQTT publishing disabled")
		} else {
			publishers = append(publishers, pub)
			if t.mqttRecordTopic != "" {
				telemetry.Records = pub
			}
			closers = append(closers, func() {
				logger.Debug("Shutting down MQTT publisher now...")
				pub.Close()
			})
		}
	}

	if t.metricNamespace != "" {
		if pub := t.cloudwatch(ctx, logger); pub != nil {
			publishers = append(publishers, pub)
		}
	}

	if len(publishers) > 0 {
		telemetry.Heartbeats = publishers
	}
	return telemetry, func() {
		for _, c := range closers {
			c()
		}
	}
}

func (t *telemetryOptions) cloudwatch(ctx context.Context, logger *logrus.Logger) *heartbeats.CloudwatchPublisher {
	identities := awso.NewClientProvider(t.region, func(cfg aws.Config) *sts.Client {
		return sts.NewFromConfig(cfg)
	})
	client, err := identities.Client(ctx)
	if err == nil {
		var arn string
		if arn, err = awso.CallerARN(ctx, client); err == nil {
			logger.Infof("Publishing CloudWatch heartbeats as %s", arn)
		}
	}
	if err != nil {
		logger.WithError(err).Warn("CloudWatch publishing disabled")
		return nil
	}

	cw := awso.NewClientProvider(t.region, func(cfg aws.Config) *cloudwatch.Client {
		logger.Debug("Creating new Cloudwatch client")
		return cloudwatch.NewFromConfig(cfg)
	})
	return heartbeats.NewCloudwatchPublisher(
		heartbeats.CloudwatchClients(cw), t.metricNamespace, t.metricName, t.metricDimension,
		logger.WithField("component", "cloudwatch"),
	)
}
