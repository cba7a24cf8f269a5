// Package ports finds the serial device to log from.
package ports

import (
	"errors"
	"fmt"
	"go.bug.st/serial/enumerator"
	"path/filepath"
	"slices"
)

var (
	ErrNoPortsAvailable = errors.New("no serial ports available")
	ErrPortNotFound     = errors.New("serial port not found")
)

// Enumerator lists the device paths a user could plausibly log from, in
// preference order.
type Enumerator interface {
	Candidates() ([]string, error)
}

type Logger interface {
	Printf(format string, v ...interface{})
}

var DefaultGlobPatterns = []string{
	"/dev/tty.usbmodem*",
	"/dev/tty.usbserial*",
	"/dev/ttyUSB*",
	"/dev/ttyACM*",
}

// GlobEnumerator matches device files. Matches keep pattern order, sorted
// within each pattern.
type GlobEnumerator struct {
	Patterns []string
}

func (g GlobEnumerator) Candidates() ([]string, error) {
	var found []string
	for _, pattern := range g.Patterns {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return nil, fmt.Errorf("glob %q: %w", pattern, err)
		}
		for _, m := range matches {
			if !slices.Contains(found, m) {
				found = append(found, m)
			}
		}
	}
	return found, nil
}

// RegistryEnumerator asks the OS for its registered serial ports.
type RegistryEnumerator struct {
	// USBOnly drops ports that are not backed by a USB adapter.
	USBOnly bool
}

func (r RegistryEnumerator) Candidates() ([]string, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(details))
	for _, d := range details {
		if r.USBOnly && !d.IsUSB {
			continue
		}
		names = append(names, d.Name)
	}
	return names, nil
}

type StaticEnumerator []string

func (s StaticEnumerator) Candidates() ([]string, error) {
	return s, nil
}

// Resolve picks the device to open. With an explicit path it must be one of
// the candidates; otherwise the first candidate is used.
func Resolve(enum Enumerator, explicit string, logger Logger) (string, error) {
	candidates := safeCandidates(enum, logger)
	if len(candidates) == 0 {
		return "", ErrNoPortsAvailable
	}

	if explicit == "" {
		if logger != nil {
			logger.Printf("Using default serial port: %s", candidates[0])
		}
		return candidates[0], nil
	}

	if !slices.Contains(candidates, explicit) {
		return "", fmt.Errorf("%w: %s", ErrPortNotFound, explicit)
	}
	return explicit, nil
}

// safeCandidates never fails: enumeration errors and panics count as no
// candidates.
func safeCandidates(enum Enumerator, logger Logger) (candidates []string) {
	defer func() {
		if r := recover(); r != nil {
			if logger != nil {
				logger.Printf("port enumeration panicked: %v", r)
			}
			candidates = nil
		}
	}()

	candidates, err := enum.Candidates()
	if err != nil {
		if logger != nil {
			logger.Printf("port enumeration failed: %v", err)
		}
		return nil
	}
	return candidates
}
