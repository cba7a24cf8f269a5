package serial

import (
	"errors"
	"fmt"
	goserial "github.com/albenik/go-serial/v2"
	"sync"
	"sync/atomic"
	"time"
)

// Port is the subset of a serial handle the logger needs.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
	IsOpen() bool
}

type Config struct {
	Device       string
	Baud         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

const (
	DefaultReadTimeout  = 500 * time.Millisecond
	DefaultWriteTimeout = 1000 * time.Millisecond
)

var ErrClosed = errors.New("serial port is closed")

// Device is an open serial port. Close may be called more than once.
type Device struct {
	port      *goserial.Port
	name      string
	open      atomic.Bool
	closeOnce sync.Once
}

// Open opens the device as 8N1 with the configured timeouts. Reads return
// (0, nil) once ReadTimeout elapses without data.
func Open(cfg Config) (*Device, error) {
	readTimeout, writeTimeout := cfg.ReadTimeout, cfg.WriteTimeout
	if readTimeout <= 0 {
		readTimeout = DefaultReadTimeout
	}
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}

	port, err := goserial.Open(
		cfg.Device,
		goserial.WithBaudrate(cfg.Baud),
		goserial.WithDataBits(8),
		goserial.WithParity(goserial.NoParity),
		goserial.WithStopBits(goserial.OneStopBit),
		goserial.WithReadTimeout(int(readTimeout.Milliseconds())),
		goserial.WithWriteTimeout(int(writeTimeout.Milliseconds())),
	)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Device, err)
	}

	d := &Device{port: port, name: cfg.Device}
	d.open.Store(true)
	return d, nil
}

func (d *Device) Read(p []byte) (int, error) {
	if !d.open.Load() {
		return 0, ErrClosed
	}
	return d.port.Read(p)
}

func (d *Device) Write(p []byte) (int, error) {
	if !d.open.Load() {
		return 0, ErrClosed
	}
	return d.port.Write(p)
}

func (d *Device) IsOpen() bool {
	return d.open.Load()
}

func (d *Device) String() string {
	return d.name
}

func (d *Device) Close() error {
	var err error
	d.closeOnce.Do(func() {
		d.open.Store(false)
		err = d.port.Close()
	})
	return err
}
