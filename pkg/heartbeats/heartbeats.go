// Package heartbeats reports that a logging session is alive, and optionally
// what it captured, to MQTT and CloudWatch.
package heartbeats

import (
	"context"
	"errors"
)

type Publisher interface {
	PublishHeartbeat(ctx context.Context, device string) error
}

// Multi fans a heartbeat out to every publisher and joins their errors.
type Multi []Publisher

func (m Multi) PublishHeartbeat(ctx context.Context, device string) error {
	var errs []error
	for _, p := range m {
		if err := p.PublishHeartbeat(ctx, device); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
