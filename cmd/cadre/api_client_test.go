package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func withAPI(t *testing.T, h http.HandlerFunc) {
	t.Helper()
	srv := httptest.NewServer(h)
	prev := apiAddr
	apiAddr = srv.URL
	t.Cleanup(func() {
		apiAddr = prev
		srv.Close()
	})
}

func TestAPIPost_SurfacesServerError(t *testing.T) {
	withAPI(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": "amount must be positive"})
	})

	_, err := apiPost("/agents/a1/topup", map[string]int64{"amount": 0})
	if err == nil || !strings.Contains(err.Error(), "(400): amount must be positive") {
		t.Fatalf("Expected decoded API error, got %v", err)
	}
}

func TestCheckHealth(t *testing.T) {
	healthy := true
	withAPI(t, func(w http.ResponseWriter, r *http.Request) {
		if !healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(HealthResponse{OK: healthy, DB: "ok", Version: "test"})
	})

	if !isDaemonRunning() {
		t.Fatal("Expected daemon to be reported running")
	}

	healthy = false
	health, err := CheckHealth()
	if err == nil {
		t.Fatal("Expected error for unhealthy daemon")
	}
	if health == nil || health.OK {
		t.Errorf("Expected payload alongside error, got %+v", health)
	}
	if isDaemonRunning() {
		t.Error("Expected daemon to be reported down")
	}
}

func TestTruncateID(t *testing.T) {
	if got := truncateID(""); got != "-" {
		t.Errorf("Unexpected %q", got)
	}
	if got := truncateID("0123456789"); got != "01234567" {
		t.Errorf("Unexpected %q", got)
	}
}
