package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ukydev/ambulance-dispatch/internal/config"
	"github.com/ukydev/ambulance-dispatch/internal/eta"
)

func testConfig(t *testing.T, extra map[string]string) *config.Config {
	t.Helper()
	env := map[string]string{"JWT_SECRET": "main-test-secret", "OSRM_URL": "off"}
	for k, v := range extra {
		env[k] = v
	}
	cfg, err := config.FromEnv(func(k string) string { return env[k] })
	require.NoError(t, err)
	return cfg
}

func TestBuildEstimator(t *testing.T) {
	_, ok := buildEstimator(testConfig(t, nil)).(eta.HaversineEstimator)
	assert.True(t, ok)

	_, ok = buildEstimator(testConfig(t, map[string]string{"OSRM_URL": "http://osrm.local:5000"})).(*eta.Fallback)
	assert.True(t, ok)
}

func freePort(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return fmt.Sprint(l.Addr().(*net.TCPAddr).Port)
}

func TestRun_ServesUntilCancelled(t *testing.T) {
	port := freePort(t)
	cfg := testConfig(t, map[string]string{
		"PORT":                 port,
		"BOOTSTRAP_SUPERVISOR": "chief",
		"BOOTSTRAP_PASSWORD":   "password123",
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx, cfg) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://127.0.0.1:" + port + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("run did not stop")
	}
}

func TestRun_RejectsBadMongoURI(t *testing.T) {
	cfg := testConfig(t, map[string]string{"MONGO_URI": "mongodb://bad:uri"})
	err := run(context.Background(), cfg)
	assert.Error(t, err)
}
