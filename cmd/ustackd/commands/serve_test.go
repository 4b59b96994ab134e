package commands

import (
	"log/slog"
	"testing"

	"github.com/nilknarf/ustack/driver"
	"github.com/nilknarf/ustack/internal/config"
	"github.com/nilknarf/ustack/stack"
)

func TestWireEchoServicesUDP(t *testing.T) {
	devA, devB := driver.NewLoopbackPair([6]byte{1}, [6]byte{2}, 1500)
	srv := stack.New(devA, [4]byte{10, 0, 0, 1})
	client := stack.New(devB, [4]byte{10, 0, 0, 2})

	logger := slog.New(slog.DiscardHandler)
	cfg := config.EchoConfig{UDPPort: 7, TCPPort: 0}
	if err := wireEchoServices(srv, cfg, logger); err != nil {
		t.Fatal(err)
	}

	var got []byte
	if err := client.ListenUDP(9000, func(payload []byte, _ [4]byte, _ uint16) {
		got = append([]byte(nil), payload...)
	}); err != nil {
		t.Fatal(err)
	}

	if err := client.SendUDP([]byte("ping"), 9000, [4]byte{10, 0, 0, 1}, 7); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 10 && got == nil; i++ {
		if err := srv.Poll(); err != nil {
			t.Fatalf("srv.Poll: %v", err)
		}
		if err := client.Poll(); err != nil {
			t.Fatalf("client.Poll: %v", err)
		}
	}
	if string(got) != "ping" {
		t.Fatalf("got echo %q, want %q", got, "ping")
	}
}

func TestWireEchoServicesSkipsDisabledPorts(t *testing.T) {
	devA, _ := driver.NewLoopbackPair([6]byte{1}, [6]byte{2}, 1500)
	srv := stack.New(devA, [4]byte{10, 0, 0, 1})
	logger := slog.New(slog.DiscardHandler)

	if err := wireEchoServices(srv, config.EchoConfig{}, logger); err != nil {
		t.Fatal(err)
	}
}
