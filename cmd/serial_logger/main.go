package main

import (
	"context"
	"errors"
	"fmt"
	"github.com/dancavallaro/seriallogger/pkg/ports"
	"github.com/dancavallaro/seriallogger/pkg/serial"
	"github.com/dancavallaro/seriallogger/pkg/session"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"
)

const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
)

type options struct {
	serial       string
	baud         int
	outFile      string
	tail         bool
	burst        int
	settle       time.Duration
	readTimeout  time.Duration
	handshake    int
	greetingSize int
	portGlobs    []string
	verbose      bool
	telemetry    telemetryOptions
}

// usageError is reported together with the usage text and exit status 2.
type usageError struct {
	err error
}

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

func isUsageError(err error) bool {
	var ue usageError
	return errors.As(err, &ue) ||
		errors.Is(err, session.ErrInvalidBaudRate) ||
		errors.Is(err, ports.ErrNoPortsAvailable) ||
		errors.Is(err, ports.ErrPortNotFound)
}

func newRootCommand(stdout, stderr io.Writer) *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "serial_logger",
		Short: "Log everything a serial device prints to a file",
		Long: `serial_logger reads lines from a serial device and appends them to a log
file, one file per day unless --outfile is given. Stop it with Ctrl+C.`,
		Example: "  serial_logger -o log1.txt -s /dev/tty.usbmodemXXX -b 19200 -t",
		Args: func(cmd *cobra.Command, args []string) error {
			if err := cobra.NoArgs(cmd, args); err != nil {
				return usageError{err}
			}
			return nil
		},
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return capture(cmd, opts, stdout, stderr)
		},
	}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError{err}
	})

	f := cmd.Flags()
	f.StringVarP(&opts.serial, "serial", "s", "", "serial port where the device is connected (default: first detected port)")
	f.IntVarP(&opts.baud, "baud", "b", session.DefaultBaud, fmt.Sprintf("baud rate, min %d and max %d", session.MinBaud, session.MaxBaud))
	f.StringVarP(&opts.outFile, "outfile", "o", "", "file to append the log to (default: YYYY-MM-DD.log)")
	f.BoolVarP(&opts.tail, "tail", "t", false, "also print device output to the console")
	f.IntVar(&opts.burst, "burst", 0, "read bursts of at most this many bytes instead of lines")
	f.DurationVar(&opts.settle, "settle", session.DefaultSettle, "time to let the device boot after opening the port")
	f.DurationVar(&opts.readTimeout, "read-timeout", serial.DefaultReadTimeout, "per-read timeout")
	f.IntVar(&opts.handshake, "handshake-byte", -1, "byte to send after opening, 0-255 (default: no handshake)")
	f.IntVar(&opts.greetingSize, "greeting-size", 64, "maximum size of the greeting read after the handshake byte")
	f.StringSliceVar(&opts.portGlobs, "port-glob", nil, "device file patterns to search instead of the platform default")
	f.BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging")
	opts.telemetry.register(f)

	return cmd
}

func newLogger(w io.Writer, verbose bool) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(w)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if verbose {
		logger.SetLevel(logrus.DebugLevel)
	}
	return logger
}

func capture(cmd *cobra.Command, opts *options, stdout, stderr io.Writer) error {
	ctx := cmd.Context()
	logger := newLogger(stderr, opts.verbose)

	if err := session.ValidateBaud(opts.baud); err != nil {
		return err
	}
	if !cmd.Flags().Changed("baud") {
		logger.Infof("Using default baud rate of %d bps", opts.baud)
	}
	handshake := session.Handshake{GreetingSize: opts.greetingSize}
	if opts.handshake >= 0 {
		if opts.handshake > 255 || opts.greetingSize <= 0 {
			return usageError{fmt.Errorf("invalid handshake: byte %d, greeting size %d", opts.handshake, opts.greetingSize)}
		}
		handshake.Enabled = true
		handshake.StartByte = byte(opts.handshake)
	}

	enum := ports.Default()
	if len(opts.portGlobs) > 0 {
		enum = ports.GlobEnumerator{Patterns: opts.portGlobs}
	}
	device, err := ports.Resolve(enum, opts.serial, logger)
	if err != nil {
		return err
	}

	name := opts.telemetry.deviceName
	if name == "" {
		name = filepath.Base(device)
	}
	telemetry, closeTelemetry := opts.telemetry.build(ctx, name, logger)
	defer closeTelemetry()

	cfg := session.Config{
		Device:      device,
		Baud:        opts.baud,
		OutFile:     opts.outFile,
		Settle:      opts.settle,
		ReadTimeout: opts.readTimeout,
		BurstSize:   opts.burst,
		Handshake:   handshake,
		Telemetry:   telemetry,
		Logger:      logger,
	}
	if opts.tail {
		cfg.Tail = stdout
	}

	s, err := session.Open(ctx, cfg, session.OpenDevice)
	if err != nil {
		var devErr *session.DeviceError
		if errors.Is(err, context.Canceled) || errors.As(err, &devErr) {
			return nil
		}
		return err
	}

	err = s.Run(ctx)
	var devErr *session.DeviceError
	if errors.As(err, &devErr) {
		return nil
	}
	return err
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cmd := newRootCommand(stdout, stderr)
	cmd.SetArgs(args)

	err := cmd.ExecuteContext(ctx)
	switch {
	case err == nil:
		return exitOK
	case isUsageError(err):
		fmt.Fprintln(stderr, err)
		fmt.Fprint(stderr, cmd.UsageString())
		return exitUsage
	default:
		fmt.Fprintln(stderr, err)
		return exitFailure
	}
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan os.Signal, 1)
	signal.Notify(done, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-done
		cancel()
	}()

	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}
