//go:build linux

package main

import (
	"bytes"
	"context"
	"github.com/creack/pty"
	"github.com/dancavallaro/seriallogger/pkg/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestCaptureFromPTYUntilInterrupted(t *testing.T) {
	master, slave, err := pty.Open()
	require.NoError(t, err)
	t.Cleanup(func() { master.Close(); slave.Close() })

	out := filepath.Join(t.TempDir(), "capture.log")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var stdout, stderr syncBuffer
	exit := make(chan int, 1)
	go func() {
		exit <- run(ctx, []string{
			"--port-glob", slave.Name(),
			"-o", out,
			"-t",
			"--settle", "0",
			"--read-timeout", "100ms",
		}, &stdout, &stderr)
	}()

	_, err = master.Write([]byte("hello\n"))
	require.NoError(t, err)

	deadline := time.After(5 * time.Second)
	for !strings.Contains(stdout.String(), "hello\n") {
		select {
		case code := <-exit:
			if code == exitFailure {
				t.Skipf("pseudo-terminal not usable as serial port here: %s", stderr.String())
			}
			t.Fatalf("exited early with %d: %s", code, stderr.String())
		case <-deadline:
			t.Fatalf("timeout waiting for tail output: %s", stderr.String())
		case <-time.After(20 * time.Millisecond):
		}
	}

	cancel()
	select {
	case code := <-exit:
		assert.Equal(t, exitOK, code)
	case <-time.After(5 * time.Second):
		t.Fatal("logger did not stop after interrupt")
	}

	log, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Contains(t, string(log), "Starting log...\nhello\n")
	assert.True(t, strings.HasSuffix(string(log), "Stopping log due to signal.\n"))
	assert.Contains(t, stderr.String(), "Using default serial port: "+slave.Name())
}

func TestCaptureWithDefaultsWritesTodaysLog(t *testing.T) {
	master, slave, err := pty.Open()
	require.NoError(t, err)
	t.Cleanup(func() { master.Close(); slave.Close() })

	wd, err := os.Getwd()
	require.NoError(t, err)
	dir := t.TempDir()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(wd) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var stdout, stderr syncBuffer
	exit := make(chan int, 1)
	go func() {
		exit <- run(ctx, []string{
			"--port-glob", slave.Name(),
			"-t",
			"--settle", "0",
			"--read-timeout", "100ms",
		}, &stdout, &stderr)
	}()

	_, err = master.Write([]byte("reading=42\n"))
	require.NoError(t, err)

	deadline := time.After(5 * time.Second)
	for !strings.Contains(stdout.String(), "reading=42\n") {
		select {
		case code := <-exit:
			if code == exitFailure {
				t.Skipf("pseudo-terminal not usable as serial port here: %s", stderr.String())
			}
			t.Fatalf("exited early with %d: %s", code, stderr.String())
		case <-deadline:
			t.Fatalf("timeout waiting for tail output: %s", stderr.String())
		case <-time.After(20 * time.Millisecond):
		}
	}

	cancel()
	select {
	case code := <-exit:
		assert.Equal(t, exitOK, code)
	case <-time.After(5 * time.Second):
		t.Fatal("logger did not stop after interrupt")
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	name := entries[0].Name()
	assert.Contains(t, []string{
		session.DefaultLogName(time.Now()),
		session.DefaultLogName(time.Now().Add(-time.Minute)),
	}, name)

	log, err := os.ReadFile(filepath.Join(dir, name))
	require.NoError(t, err)
	assert.Contains(t, string(log), "Starting log...\nreading=42\n")
	assert.Contains(t, stderr.String(), "Using default baud rate of 19200 bps")
	assert.Contains(t, stderr.String(), "Using default serial port: "+slave.Name())
}
