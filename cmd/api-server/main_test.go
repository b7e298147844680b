package main

import (
	"bytes"
	"context"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/clinic-appointment-engine/internal/config"
)

func memoryConfig() config.Config {
	return config.Config{
		Env:             "test",
		HTTPPort:        "0",
		StoreDriver:     config.StoreDriverMemory,
		LockDriver:      config.LockDriverLocal,
		LockTTL:         time.Second,
		LockWait:        time.Second,
		TxRetryDelay:    time.Millisecond,
		ShutdownTimeout: 2 * time.Second,
		SeedDoctors:     3,
		SeedPatients:    3,
	}
}

func TestRun_MemoryModeServesAndShutsDown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	addrs := make(chan string, 1)
	done := make(chan error, 1)
	go func() {
		done <- run(ctx, memoryConfig(), zerolog.Nop(), func(addr string) { addrs <- addr })
	}()

	var addr string
	select {
	case addr = <-addrs:
	case err := <-done:
		t.Fatalf("run returned before listening: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not start")
	}
	_, port, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	base := "http://127.0.0.1:" + port

	resp, err := http.Get(base + "/health/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Seeded ids are never this large.
	body := []byte(`{"patient_id":999999,"doctor_id":999998,"scheduled_at":"2024-01-10T09:00:00Z"}`)
	resp, err = http.Post(base+"/appointments", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestRun_RejectsUnknownStore(t *testing.T) {
	cfg := memoryConfig()
	cfg.StoreDriver = "sqlite"

	err := run(context.Background(), cfg, zerolog.Nop(), nil)
	assert.ErrorContains(t, err, "sqlite")
}
