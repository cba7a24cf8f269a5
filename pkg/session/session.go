// Package session owns one capture run: the open serial port, the log file it
// appends to, and the shutdown sequence that closes both.
package session

import (
	"context"
	"errors"
	"fmt"
	"github.com/dancavallaro/seriallogger/pkg/serial"
	"github.com/sirupsen/logrus"
	"io"
	"os"
	"sync"
	"time"
)

const (
	MinBaud       = 1200
	MaxBaud       = 921600
	DefaultBaud   = 19200
	DefaultSettle = 3 * time.Second
)

var (
	ErrInvalidBaudRate = fmt.Errorf("invalid baud rate, min %d bps and max %d bps", MinBaud, MaxBaud)
	ErrOpenFailed      = errors.New("could not open serial port")
)

type Reason string

const (
	ReasonSignal      Reason = "signal"
	ReasonDeviceError Reason = "device error"
	ReasonWriteError  Reason = "write error"
)

// DeviceError ends a session that lost its device mid-capture.
type DeviceError struct {
	Device string
	Err    error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("serial error on %s: %v", e.Device, e.Err)
}

func (e *DeviceError) Unwrap() error {
	return e.Err
}

type Opener func(cfg serial.Config) (serial.Port, error)

func OpenDevice(cfg serial.Config) (serial.Port, error) {
	d, err := serial.Open(cfg)
	if err != nil {
		return nil, err
	}
	return d, nil
}

type Handshake struct {
	Enabled      bool
	StartByte    byte
	GreetingSize int
}

type Config struct {
	Device      string
	Baud        int
	OutFile     string
	Tail        io.Writer
	Settle      time.Duration
	ReadTimeout time.Duration
	// BurstSize switches from line reads to single bounded reads.
	BurstSize int
	MaxLine   int
	Handshake Handshake
	Telemetry Telemetry
	Now       func() time.Time
	Logger    logrus.FieldLogger
}

type Session struct {
	Device  string
	Baud    int
	LogPath string

	port      serial.Port
	file      *os.File
	tail      io.Writer
	reader    serial.RecordReader
	telemetry *publisher
	now       func() time.Time
	logger    logrus.FieldLogger

	lastByte  byte
	records   int
	closeOnce sync.Once
	closeErr  error
}

func ValidateBaud(baud int) error {
	if baud < MinBaud || baud > MaxBaud {
		return fmt.Errorf("%w: %d", ErrInvalidBaudRate, baud)
	}
	return nil
}

// DefaultLogName is the log file used when none is given: YYYY-MM-DD.log.
func DefaultLogName(t time.Time) string {
	return t.Format("2006-01-02") + ".log"
}

// Open validates the baud rate, opens and settles the device, then opens the
// log file in append mode and writes the start marker. The log file is only
// touched once the port is confirmed open.
func Open(ctx context.Context, cfg Config, open Opener) (*Session, error) {
	if err := ValidateBaud(cfg.Baud); err != nil {
		return nil, err
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	var logger logrus.FieldLogger = logrus.StandardLogger()
	if cfg.Logger != nil {
		logger = cfg.Logger
	}
	logger = logger.WithField("device", cfg.Device)

	port, err := open(serial.Config{Device: cfg.Device, Baud: cfg.Baud, ReadTimeout: cfg.ReadTimeout})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrOpenFailed, err)
	}

	if cfg.Settle > 0 {
		logger.Debugf("Waiting %v for device to settle", cfg.Settle)
		select {
		case <-ctx.Done():
			port.Close()
			return nil, ctx.Err()
		case <-time.After(cfg.Settle):
		}
	}

	if !port.IsOpen() {
		port.Close()
		return nil, fmt.Errorf("%w: %s is not open", ErrOpenFailed, cfg.Device)
	}

	path := cfg.OutFile
	if path == "" {
		path = DefaultLogName(now())
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		port.Close()
		return nil, fmt.Errorf("open log file: %w", err)
	}

	s := &Session{
		Device:   cfg.Device,
		Baud:     cfg.Baud,
		LogPath:  path,
		port:     port,
		file:     file,
		tail:     cfg.Tail,
		now:      now,
		logger:   logger,
		lastByte: lastByteOf(file),
	}
	if cfg.BurstSize > 0 {
		s.reader = serial.NewBurstReader(port, cfg.BurstSize)
	} else {
		s.reader = serial.NewLineReader(port, cfg.MaxLine)
	}

	s.telemetry = startPublisher(cfg.Telemetry, logger)

	if err := s.write([]byte(now().Format(time.ANSIC) + "\nStarting log...\n")); err != nil {
		s.telemetry.close()
		port.Close()
		file.Close()
		return nil, fmt.Errorf("write %s: %w", path, err)
	}
	logger.WithFields(logrus.Fields{"baud": cfg.Baud, "log": path}).Info("Starting log")

	if cfg.Handshake.Enabled {
		greeting, err := serial.Handshake(port, cfg.Handshake.StartByte, cfg.Handshake.GreetingSize)
		if werr := s.persist(greeting); werr != nil {
			s.Shutdown(ReasonWriteError)
			return nil, fmt.Errorf("write %s: %w", path, werr)
		}
		if err != nil {
			return nil, s.fail(err)
		}
		logger.Debugf("Handshake greeting: %q", greeting)
	}

	return s, nil
}

// Records is the number of non-empty records captured so far.
func (s *Session) Records() int {
	return s.records
}

// Run captures records until ctx is cancelled or the device fails. A
// cancellation is noticed after the current read, so within one read timeout.
// Device failures are returned as *DeviceError after the session is closed.
func (s *Session) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return s.Shutdown(ReasonSignal)
		default:
		}

		record, readErr := s.reader.Next()
		if err := s.persist(record); err != nil {
			s.logger.WithError(err).Error("Writing log file failed")
			s.Shutdown(ReasonWriteError)
			return fmt.Errorf("write %s: %w", s.LogPath, err)
		}
		if readErr != nil {
			return s.fail(readErr)
		}
		s.telemetry.heartbeat(s.now())
	}
}

// Shutdown writes the closing marker and closes the port and the log file.
// Only the first call has any effect.
func (s *Session) Shutdown(reason Reason) error {
	s.closeOnce.Do(func() {
		var errs []error
		marker := fmt.Sprintf("%s\nStopping log due to %s.\n", s.now().Format(time.ANSIC), reason)
		if err := s.write([]byte(marker)); err != nil {
			errs = append(errs, err)
		}
		if s.port.IsOpen() {
			if err := s.port.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", s.Device, err))
			}
		}
		if err := s.file.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", s.LogPath, err))
		}
		s.telemetry.close()
		s.closeErr = errors.Join(errs...)

		s.logger.WithFields(logrus.Fields{"reason": reason, "records": s.records}).Info("Stopped log")
	})
	return s.closeErr
}

func (s *Session) fail(cause error) error {
	s.logger.WithError(cause).Error("Serial error, exiting...")
	if err := s.write([]byte("Serial error: " + cause.Error() + "\n")); err != nil {
		s.logger.WithError(err).Warn("Could not record serial error in log")
	}
	if err := s.Shutdown(ReasonDeviceError); err != nil {
		s.logger.WithError(err).Warn("Shutdown was not clean")
	}
	return &DeviceError{Device: s.Device, Err: cause}
}

func (s *Session) persist(record []byte) error {
	if len(record) == 0 {
		return nil
	}
	if _, err := s.file.Write(record); err != nil {
		return err
	}
	s.lastByte = record[len(record)-1]
	s.records++

	if s.tail != nil {
		if _, err := s.tail.Write(record); err != nil {
			s.logger.WithError(err).Debug("Tail write failed")
		}
	}
	s.telemetry.record(record)
	return nil
}

// write appends a marker on a line of its own. os.File writes are not
// buffered, so every write reaches the OS before returning.
func (s *Session) write(p []byte) error {
	if s.lastByte != '\n' {
		p = append([]byte{'\n'}, p...)
	}
	if _, err := s.file.Write(p); err != nil {
		return err
	}
	s.lastByte = p[len(p)-1]
	return nil
}

// lastByteOf reports the final byte of an existing log so that a line left
// unterminated by an earlier run is not joined to the start marker.
func lastByteOf(f *os.File) byte {
	info, err := f.Stat()
	if err != nil || info.Size() == 0 {
		return '\n'
	}
	r, err := os.Open(f.Name())
	if err != nil {
		return '\n'
	}
	defer r.Close()

	b := make([]byte, 1)
	if _, err := r.ReadAt(b, info.Size()-1); err != nil {
		return '\n'
	}
	return b[0]
}
