package backend

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"testing"

	"scanlink/config"
	"scanlink/sane"
)

func TestCreate(t *testing.T) {
	tests := []struct {
		name     string
		cfg      *config.BackendConfig
		wantKind string
		wantErr  bool
	}{
		{"default is test", &config.BackendConfig{}, config.BackendTest, false},
		{"test", &config.BackendConfig{Kind: "test", TestDevices: 2}, config.BackendTest, false},
		{"net", &config.BackendConfig{Kind: "net", Address: "scanhost"}, config.BackendNet, false},
		{"net without address", &config.BackendConfig{Kind: "net"}, "", true},
		{"unknown", &config.BackendConfig{Kind: "usb"}, "", true},
		{"nil", nil, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := Create(tt.cfg)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Create() = %T, want error", b)
				}
				return
			}
			if err != nil {
				t.Fatalf("Create() error = %v", err)
			}
			if b.Kind() != tt.wantKind {
				t.Errorf("Kind() = %q, want %q", b.Kind(), tt.wantKind)
			}
		})
	}
}

func TestTestAdapter_Scan(t *testing.T) {
	ctx := context.Background()
	b := NewTestAdapter(&config.BackendConfig{TestDevices: 2, TestChunk: 1000})

	if _, err := b.Devices(ctx, false); sane.StatusOf(err) != sane.StatusInval {
		t.Errorf("Devices before Init err = %v, want INVAL", err)
	}
	if _, err := b.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer b.Exit()

	devs, err := b.Devices(ctx, true)
	if err != nil || len(devs) != 2 {
		t.Fatalf("Devices = %v, %v", devs, err)
	}

	h, err := b.Open(ctx, "stub1")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := b.Open(ctx, "stub1"); sane.StatusOf(err) != sane.StatusDeviceBusy {
		t.Errorf("second Open err = %v, want DEVICE_BUSY", err)
	}

	count := make([]byte, sane.WordSize)
	if _, err := b.ControlOption(ctx, h, 0, sane.ActionGetValue, count); err != nil {
		t.Fatalf("get option count: %v", err)
	}
	n := int(sane.Word(count, 0))
	for i := 0; i < n; i++ {
		if d, err := b.OptionDescriptor(ctx, h, i); err != nil || d == nil {
			t.Errorf("OptionDescriptor(%d) = %v, %v", i, d, err)
		}
	}
	if d, err := b.OptionDescriptor(ctx, h, n); d != nil || err != nil {
		t.Errorf("OptionDescriptor past end = %v, %v", d, err)
	}

	p, err := b.Parameters(ctx, h)
	if err != nil {
		t.Fatalf("Parameters: %v", err)
	}
	if err := b.Start(ctx, h); err != nil {
		t.Fatalf("Start: %v", err)
	}
	buf := make([]byte, 4096)
	total := 0
	for {
		n, err := b.Read(ctx, h, buf)
		total += n
		if sane.StatusOf(err) == sane.StatusEOF {
			break
		}
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		if n > 1000 {
			t.Fatalf("Read returned %d bytes, chunk is 1000", n)
		}
	}
	if want := p.BytesPerLine * p.Lines; total != want {
		t.Errorf("read %d bytes, want %d", total, want)
	}

	if err := b.Cancel(ctx, h); err != nil {
		t.Errorf("Cancel: %v", err)
	}
	if err := b.Close(ctx, h); err != nil {
		t.Errorf("Close: %v", err)
	}
	if err := b.Close(ctx, h); sane.StatusOf(err) != sane.StatusInval {
		t.Errorf("double Close err = %v, want INVAL", err)
	}
}

func TestTestAdapter_ReadHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	b := NewTestAdapter(&config.BackendConfig{})
	_, err := b.Read(ctx, 1, make([]byte, 8))
	if sane.StatusOf(err) != sane.StatusIOError || !errors.Is(err, context.Canceled) {
		t.Errorf("Read err = %v, want I/O error wrapping context.Canceled", err)
	}
}

func TestNetAdapter_LocalOnly(t *testing.T) {
	b, err := NewNetAdapter(&config.BackendConfig{Kind: "net", Address: "127.0.0.1"})
	if err != nil {
		t.Fatal(err)
	}
	devs, err := b.Devices(context.Background(), true)
	if err != nil || len(devs) != 0 {
		t.Errorf("local-only Devices = %v, %v; want empty", devs, err)
	}
	if b.Address() != "127.0.0.1:6566" {
		t.Errorf("Address() = %q", b.Address())
	}
	if b.IsConnected() {
		t.Error("IsConnected before Init")
	}
	_, err = b.Devices(context.Background(), false)
	if sane.StatusOf(err) != sane.StatusIOError {
		t.Errorf("Devices without connection err = %v, want IO_ERROR", err)
	}
}

// initOnlyDaemon answers INIT on every connection and then hangs up.
func initOnlyDaemon(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				req := make([]byte, 256)
				if _, err := conn.Read(req); err != nil {
					return
				}
				reply := make([]byte, 8)
				binary.BigEndian.PutUint32(reply[4:], uint32(sane.Version{Major: 1, Minor: 0, Build: 3}.Code()))
				conn.Write(reply)
			}(conn)
		}
	}()
	return ln.Addr().String()
}

func TestNetAdapter_ConnectionLost(t *testing.T) {
	b, err := NewNetAdapter(&config.BackendConfig{Kind: "net", Address: initOnlyDaemon(t)})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if _, err := b.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if !b.IsConnected() {
		t.Fatal("not connected after Init")
	}

	lost := &net.OpError{Op: "read", Net: "tcp", Err: syscall.ECONNRESET}
	err = b.fail("read", lost)
	if sane.StatusOf(err) != sane.StatusIOError || !errors.Is(err, syscall.ECONNRESET) {
		t.Errorf("fail() = %v, want IO_ERROR wrapping the cause", err)
	}
	if b.IsConnected() {
		t.Error("client still connected after a connection error")
	}

	if _, err := b.Devices(ctx, false); sane.StatusOf(err) != sane.StatusIOError {
		t.Errorf("Devices after loss err = %v, want IO_ERROR", err)
	}

	if _, err := b.Init(ctx); err != nil {
		t.Fatalf("Init after loss: %v", err)
	}
	if !b.IsConnected() {
		t.Error("not connected after re-Init")
	}
}

func TestNetAdapter_StatusErrorsKeepConnection(t *testing.T) {
	b, err := NewNetAdapter(&config.BackendConfig{Kind: "net", Address: initOnlyDaemon(t)})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	err = b.fail("control option", fmt.Errorf("saned: control: %w", sane.StatusDeviceBusy))
	if sane.StatusOf(err) != sane.StatusDeviceBusy {
		t.Errorf("fail() = %v, want DEVICE_BUSY unchanged", err)
	}
	if !b.IsConnected() {
		t.Error("daemon-reported status dropped the connection")
	}
}

func TestAsStatus(t *testing.T) {
	if asStatus("op", nil) != nil {
		t.Error("nil should stay nil")
	}
	wrapped := fmt.Errorf("inner: %w", sane.StatusJammed)
	if got := asStatus("op", wrapped); got != wrapped {
		t.Errorf("status error was rewrapped: %v", got)
	}
	got := asStatus("read", io.ErrUnexpectedEOF)
	if sane.StatusOf(got) != sane.StatusIOError {
		t.Errorf("StatusOf = %v, want IO_ERROR", sane.StatusOf(got))
	}
}

func TestIsLikelyConnectionError(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{io.EOF, true},
		{fmt.Errorf("wrap: %w", io.ErrUnexpectedEOF), true},
		{errors.New("write: broken pipe"), true},
		{errors.New("saned: not connected"), true},
		{sane.StatusInval, false},
	}
	for _, tt := range tests {
		if got := IsLikelyConnectionError(tt.err); got != tt.want {
			t.Errorf("IsLikelyConnectionError(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
