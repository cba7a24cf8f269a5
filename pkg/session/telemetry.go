package session

import (
	"context"
	"github.com/sirupsen/logrus"
	"sync"
	"time"
)

const (
	DefaultTelemetryQueue = 256
	DefaultTelemetryDrain = time.Second
)

type HeartbeatPublisher interface {
	PublishHeartbeat(ctx context.Context, device string) error
}

type RecordPublisher interface {
	PublishRecord(ctx context.Context, device string, record []byte) error
}

// Telemetry is optional. Publishing happens off the read loop; failures are
// logged and never end the session.
type Telemetry struct {
	Name       string
	Interval   time.Duration
	Heartbeats HeartbeatPublisher
	Records    RecordPublisher
	// Queue bounds the events waiting to be published. Events beyond it are
	// dropped.
	Queue int
	// Drain is how long Shutdown lets queued events go out before cancelling
	// in-flight publishes.
	Drain time.Duration
}

func (t Telemetry) enabled() bool {
	return t.Records != nil || (t.Heartbeats != nil && t.Interval > 0)
}

type telemetryEvent struct {
	heartbeat bool
	record    []byte
}

// publisher runs the configured sinks in a single goroutine.
type publisher struct {
	cfg     Telemetry
	logger  logrus.FieldLogger
	events  chan telemetryEvent
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	dropped int

	lastBeat  time.Time
	closeOnce sync.Once
}

func startPublisher(cfg Telemetry, logger logrus.FieldLogger) *publisher {
	if !cfg.enabled() {
		return nil
	}
	size := cfg.Queue
	if size <= 0 {
		size = DefaultTelemetryQueue
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &publisher{
		cfg:    cfg,
		logger: logger,
		events: make(chan telemetryEvent, size),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go p.run()
	return p
}

func (p *publisher) run() {
	defer close(p.done)
	for ev := range p.events {
		if p.ctx.Err() != nil {
			continue
		}
		if ev.heartbeat {
			if err := p.cfg.Heartbeats.PublishHeartbeat(p.ctx, p.cfg.Name); err != nil {
				p.logger.WithError(err).Warn("Publishing heartbeat failed")
			}
			continue
		}
		if err := p.cfg.Records.PublishRecord(p.ctx, p.cfg.Name, ev.record); err != nil {
			p.logger.WithError(err).Warn("Publishing record failed")
		}
	}
}

func (p *publisher) record(record []byte) {
	if p == nil || p.cfg.Records == nil {
		return
	}
	p.enqueue(telemetryEvent{record: record})
}

func (p *publisher) heartbeat(now time.Time) {
	if p == nil || p.cfg.Heartbeats == nil || p.cfg.Interval <= 0 {
		return
	}
	if !p.lastBeat.IsZero() && now.Sub(p.lastBeat) < p.cfg.Interval {
		return
	}
	p.lastBeat = now
	p.enqueue(telemetryEvent{heartbeat: true})
}

// enqueue never blocks the read loop.
func (p *publisher) enqueue(ev telemetryEvent) {
	select {
	case p.events <- ev:
	default:
		p.dropped++
		if p.dropped == 1 || p.dropped%100 == 0 {
			p.logger.WithField("dropped", p.dropped).Warn("Telemetry queue full, dropping events")
		}
	}
}

// close stops accepting events, waits up to Drain for the queue to empty,
// then cancels whatever is still publishing.
func (p *publisher) close() {
	if p == nil {
		return
	}
	p.closeOnce.Do(func() {
		close(p.events)
		if p.cfg.Drain > 0 {
			timer := time.NewTimer(p.cfg.Drain)
			defer timer.Stop()
			select {
			case <-p.done:
			case <-timer.C:
			}
		}
		p.cancel()
		<-p.done
	})
}
