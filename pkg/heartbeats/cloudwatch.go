package heartbeats

import (
	"context"
	"errors"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/dancavallaro/seriallogger/awso"
	"time"
)

type MetricsAPI interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

type CloudwatchClientProvider interface {
	Client(ctx context.Context) (MetricsAPI, error)
	Invalidate()
}

type CloudwatchPublisher struct {
	cw              CloudwatchClientProvider
	metricNamespace string
	metricName      string
	deviceDimension string
	retryDelay      time.Duration
	timeout         time.Duration
	logger          Logger
}

func NewCloudwatchPublisher(
	cw CloudwatchClientProvider, metricNamespace string, metricName string, deviceDimension string, logger Logger,
) *CloudwatchPublisher {
	return &CloudwatchPublisher{
		cw:              cw,
		metricNamespace: metricNamespace,
		metricName:      metricName,
		deviceDimension: deviceDimension,
		retryDelay:      5 * time.Second,
		timeout:         10 * time.Second,
		logger:          logger,
	}
}

func (pub *CloudwatchPublisher) PublishHeartbeat(ctx context.Context, device string) error {
	if err := pub.publishHeartbeat(ctx, device); err != nil {
		if !errors.Is(err, awso.ClientInvalidated) {
			return err
		}

		pub.logf("IAM creds are expired, sleeping for %v then retrying", pub.retryDelay)
		pub.cw.Invalidate()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pub.retryDelay):
		}

		if err := pub.publishHeartbeat(ctx, device); err != nil {
			return err
		}
	}
	return nil
}

func (pub *CloudwatchPublisher) publishHeartbeat(ctx context.Context, device string) error {
	ctx, cancel := context.WithTimeout(ctx, pub.timeout)
	defer cancel()

	client, err := pub.cw.Client(ctx)
	if err != nil {
		return err
	}
	_, err = client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(pub.metricNamespace),
		MetricData: []types.MetricDatum{
			{
				MetricName: aws.String(pub.metricName),
				Dimensions: []types.Dimension{
					{
						Name:  aws.String(pub.deviceDimension),
						Value: aws.String(device),
					},
				},
				Value: aws.Float64(1),
			},
		},
	})
	if err != nil {
		return awso.Classify(err)
	}

	pub.logf("Published heartbeat metric for device %s", device)
	return nil
}

func (pub *CloudwatchPublisher) logf(format string, v ...interface{}) {
	if pub.logger != nil {
		pub.logger.Printf(format, v...)
	}
}

type cloudwatchClients struct {
	provider *awso.ClientProvider[cloudwatch.Client]
}

// CloudwatchClients adapts an awso provider to CloudwatchClientProvider.
func CloudwatchClients(provider *awso.ClientProvider[cloudwatch.Client]) CloudwatchClientProvider {
	return cloudwatchClients{provider}
}

func (c cloudwatchClients) Client(ctx context.Context) (MetricsAPI, error) {
	client, err := c.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	return client, nil
}

func (c cloudwatchClients) Invalidate() {
	c.provider.Invalidate()
}
