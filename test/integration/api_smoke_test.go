package integration_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"github.com/vinasLT/carfax-service/internal/app/apiapp"
	"github.com/vinasLT/carfax-service/internal/config"
)

func newTestApp(t *testing.T) *apiapp.App {
	t.Helper()

	cfg := config.Default()
	cfg.HTTP.Addr = ":0"
	cfg.Kafka.Brokers = ""

	app, err := apiapp.New(context.Background(), cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("create app: %v", err)
	}
	return app
}

func TestHealthz(t *testing.T) {
	app := newTestApp(t)

	ts := httptest.NewServer(app.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("get healthz: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: got %d want %d", resp.StatusCode, http.StatusOK)
	}

	var payload struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.Status != "ok" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestCarfaxRoutesRequireIdentity(t *testing.T) {
	app := newTestApp(t)

	ts := httptest.NewServer(app.Handler())
	defer ts.Close()

	for _, path := range []string{"/carfax/my", "/carfax/1HGBH41JXMN109186"} {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatalf("get %s: %v", path, err)
		}
		resp.Body.Close()

		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("%s without identity headers: got %d want %d", path, resp.StatusCode, http.StatusUnauthorized)
		}
	}
}
