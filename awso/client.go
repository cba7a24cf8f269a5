package awso

import (
	"context"
	"errors"
	"fmt"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/smithy-go"
	"sync"
)

// ClientInvalidated marks errors caused by credentials that are no longer
// valid. Callers should Invalidate the provider and retry.
var ClientInvalidated = errors.New("AWS client credentials are invalid or expired")

var expiredCodes = map[string]bool{
	"ExpiredToken":          true,
	"ExpiredTokenException": true,
	"RequestExpired":        true,
}

type ClientProvider[T any] struct {
	buildClient func(cfg aws.Config) *T
	region      string

	mu     sync.Mutex
	client *T
}

func NewClientProvider[T any](region string, buildClient func(cfg aws.Config) *T) *ClientProvider[T] {
	return &ClientProvider[T]{buildClient: buildClient, region: region}
}

// Client builds the client on first use and caches it until Invalidate.
func (cp *ClientProvider[T]) Client(ctx context.Context) (*T, error) {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	if cp.client == nil {
		cfg, err := config.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("load AWS config: %w", err)
		}
		if cp.region != "" {
			cfg.Region = cp.region
		}
		cp.client = cp.buildClient(cfg)
	}
	return cp.client, nil
}

// Invalidate drops the cached client so the next call reloads credentials.
func (cp *ClientProvider[T]) Invalidate() {
	cp.mu.Lock()
	cp.client = nil
	cp.mu.Unlock()
}

// Classify wraps err with ClientInvalidated when AWS rejected the credentials.
func Classify(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && expiredCodes[apiErr.ErrorCode()] {
		return fmt.Errorf("%w: %w", ClientInvalidated, err)
	}
	return err
}
