package serial_test

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/linhtrum/gateway-app-sub000/internal/metrics"
	"github.com/linhtrum/gateway-app-sub000/internal/modbus"
	"github.com/linhtrum/gateway-app-sub000/internal/model"
	"github.com/linhtrum/gateway-app-sub000/internal/protocol/serial"
	"github.com/linhtrum/gateway-app-sub000/internal/protocol/serial/serialtest"
)

func newManager(t *testing.T, cfg model.SerialConfig) (*serial.Manager, *serialtest.Port) {
	t.Helper()
	port := serialtest.New()
	m := serial.NewManager(port.Opener(), metrics.New(), zap.NewNop())
	m.Configure([]model.SerialConfig{cfg})
	if err := m.Open(cfg.Index); err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(m.CloseAll)
	return m, port
}

func baseConfig() model.SerialConfig {
	return model.SerialConfig{
		Index:        1,
		Port:         "/dev/ttyFAKE",
		BaudRate:     9600,
		DataBits:     8,
		StopBits:     1,
		Parity:       "none",
		BufferSize:   64,
		WriteTimeout: 40,
		ByteTimeout:  5,
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestWriteFlushesAfterWriteTimeout(t *testing.T) {
	start := time.Now()
	m, port := newManager(t, baseConfig())

	if err := m.Write(context.Background(), 1, []byte("abc")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if len(port.Written()) != 0 {
		t.Fatal("bytes reached the wire before the write timeout")
	}
	if err := m.Write(context.Background(), 1, []byte("de")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	waitFor(t, time.Second, func() bool { return len(port.Written()) == 5 })
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Fatalf("flushed after %s, before the write timeout", elapsed)
	}
	if !bytes.Equal(port.Written(), []byte("abcde")) {
		t.Fatalf("wire = %q", port.Written())
	}
	if len(port.Writes()) != 1 {
		t.Fatalf("pending bytes should leave in one write, got %d", len(port.Writes()))
	}
	if port.Drains() == 0 {
		t.Fatal("flush did not drain the port")
	}
}

func TestIdlePortFlushesOnNextTick(t *testing.T) {
	cfg := baseConfig()
	cfg.WriteTimeout = 200
	m, port := newManager(t, cfg)

	time.Sleep(250 * time.Millisecond)
	start := time.Now()
	if err := m.Write(context.Background(), 1, []byte("x")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	waitFor(t, time.Second, func() bool { return len(port.Written()) == 1 })
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Fatalf("flush after idle took %s", elapsed)
	}

	// the flush restarts the write timeout
	if err := m.Write(context.Background(), 1, []byte("y")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if len(port.Written()) != 1 {
		t.Fatalf("second write left %s after the last flush", time.Since(start))
	}
	waitFor(t, time.Second, func() bool { return len(port.Written()) == 2 })
}

func TestWriteFlushesWhenBufferFull(t *testing.T) {
	cfg := baseConfig()
	cfg.BufferSize = 4
	cfg.WriteTimeout = 3600 * 1000
	m, port := newManager(t, cfg)

	data := []byte("0123456789")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.Write(ctx, 1, data); err != nil {
		t.Fatalf("Write: %v", err)
	}

	waitFor(t, time.Second, func() bool { return len(port.Written()) >= 8 })
	for _, w := range port.Writes() {
		if len(w) > 4 {
			t.Fatalf("physical write of %d bytes exceeds the buffer", len(w))
		}
	}

	if err := m.Flush(1); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if !bytes.Equal(port.Written(), data) {
		t.Fatalf("wire = %q, want %q", port.Written(), data)
	}
}

func TestCloseDrainsPendingBytes(t *testing.T) {
	cfg := baseConfig()
	cfg.WriteTimeout = 3600 * 1000
	m, port := newManager(t, cfg)

	if err := m.Write(context.Background(), 1, []byte{0x01, 0x02}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := m.Close(1); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !bytes.Equal(port.Written(), []byte{0x01, 0x02}) {
		t.Fatalf("wire = % X", port.Written())
	}
	if !port.Closed() {
		t.Fatal("port handle not released")
	}
	if err := m.Write(context.Background(), 1, []byte{0x03}); !errors.Is(err, serial.ErrNotOpen) {
		t.Fatalf("expected ErrNotOpen after close, got %v", err)
	}
}

func TestReadTimeoutWithoutData(t *testing.T) {
	m, _ := newManager(t, baseConfig())

	start := time.Now()
	_, err := m.Read(context.Background(), 1, 16, 30*time.Millisecond, 5*time.Millisecond)
	if !errors.Is(err, modbus.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Fatalf("returned after %s, before the overall timeout", elapsed)
	}
}

func TestReadStopsAtByteGap(t *testing.T) {
	m, port := newManager(t, baseConfig())

	go func() {
		time.Sleep(10 * time.Millisecond)
		port.Feed([]byte{0x01, 0x03})
		time.Sleep(2 * time.Millisecond)
		port.Feed([]byte{0x02, 0x00})
		time.Sleep(200 * time.Millisecond)
		port.Feed([]byte{0xFF})
	}()

	got, err := m.Read(context.Background(), 1, 16, time.Second, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, []byte{0x01, 0x03, 0x02, 0x00}) {
		t.Fatalf("read % X", got)
	}
}

func TestReadStopsAtMax(t *testing.T) {
	m, port := newManager(t, baseConfig())
	port.Feed([]byte{1, 2, 3, 4, 5, 6})

	got, err := m.Read(context.Background(), 1, 4, time.Second, time.Second)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, []byte{1, 2, 3, 4}) {
		t.Fatalf("read % X", got)
	}
}

func TestReadFrameCompletesEarly(t *testing.T) {
	m, port := newManager(t, baseConfig())
	port.Feed([]byte{1, 2, 3})

	start := time.Now()
	got, err := m.ReadFrame(context.Background(), 1, 16, time.Second, time.Second,
		func(b []byte) bool { return len(b) >= 3 })
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if len(got) != 3 || time.Since(start) > 500*time.Millisecond {
		t.Fatalf("read % X after %s", got, time.Since(start))
	}
}

func TestFlushDiscardsInput(t *testing.T) {
	m, port := newManager(t, baseConfig())
	port.Feed([]byte{0xAA, 0xBB})

	if err := m.Flush(1); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if port.Resets() != 1 {
		t.Fatalf("input reset %d times", port.Resets())
	}
	if _, err := m.Read(context.Background(), 1, 4, 20*time.Millisecond, 5*time.Millisecond); !errors.Is(err, modbus.ErrTimeout) {
		t.Fatalf("stale input survived flush: %v", err)
	}
}

func TestTransactDiscardsStaleInputAndWritesImmediately(t *testing.T) {
	cfg := baseConfig()
	cfg.WriteTimeout = 500
	m, port := newManager(t, cfg)
	port.Feed([]byte{0xEE, 0xEE})
	port.Respond = func(written []byte) []byte {
		return []byte{0x01, 0x06, 0x00, 0x01}
	}

	frame := modbus.AppendCRC([]byte{0x01, 0x06, 0x00, 0x01, 0x00, 0x03})
	start := time.Now()
	got, err := m.Transact(context.Background(), 1, frame, time.Second,
		func(b []byte) bool { return len(b) >= 4 })
	if err != nil {
		t.Fatalf("Transact: %v", err)
	}
	if !bytes.Equal(got, []byte{0x01, 0x06, 0x00, 0x01}) {
		t.Fatalf("reply = % X", got)
	}
	if elapsed := time.Since(start); elapsed > 250*time.Millisecond {
		t.Errorf("Transact took %s", elapsed)
	}
	if !bytes.Equal(port.Written(), frame) {
		t.Errorf("written = % X", port.Written())
	}
}

func TestTransactTimesOut(t *testing.T) {
	m, _ := newManager(t, baseConfig())
	frame := modbus.AppendCRC([]byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x01})
	if _, err := m.Transact(context.Background(), 1, frame, 30*time.Millisecond, nil); !errors.Is(err, modbus.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestAcquireIsExclusive(t *testing.T) {
	m, _ := newManager(t, baseConfig())

	release, err := m.Acquire(context.Background(), 1)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := m.Acquire(ctx, 1); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("second Acquire should block, got %v", err)
	}
	release()
	release2, err := m.Acquire(context.Background(), 1)
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	release2()
}

func TestOpenErrors(t *testing.T) {
	m := serial.NewManager(serialtest.New().Opener(), metrics.New(), zap.NewNop())
	if err := m.Open(3); !errors.Is(err, serial.ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	if _, err := m.Read(context.Background(), 3, 1, time.Millisecond, time.Millisecond); !errors.Is(err, serial.ErrNotOpen) {
		t.Fatalf("expected ErrNotOpen, got %v", err)
	}
}

func TestModeMapping(t *testing.T) {
	cfg := baseConfig()
	cfg.StopBits = 2
	cfg.Parity = "even"
	mode, err := serial.Mode(cfg)
	if err != nil {
		t.Fatalf("Mode: %v", err)
	}
	if mode.BaudRate != 9600 || mode.DataBits != 8 {
		t.Fatalf("mode %+v", mode)
	}
	cfg.Parity = "weird"
	if _, err := serial.Mode(cfg); err == nil {
		t.Fatal("unknown parity accepted")
	}
}
