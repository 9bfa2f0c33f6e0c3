package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func TestTarget(t *testing.T) {
	tests := []struct {
		addr, path, want string
	}{
		{"", "/healthz", "http://localhost:8080/healthz"},
		{":9000", "/readyz", "http://localhost:9000/readyz"},
		{"0.0.0.0:8081", "/healthz", "http://localhost:8081/healthz"},
		{"relay:8080", "/healthz", "http://relay:8080/healthz"},
	}
	for _, tt := range tests {
		if got := target(tt.addr, tt.path); got != tt.want {
			t.Errorf("target(%q) = %q, want %q", tt.addr, got, tt.want)
		}
	}
}

func TestCheck(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	if err := check(context.Background(), srv.Client(), srv.URL+"/healthz"); err != nil {
		t.Fatalf("healthy: %v", err)
	}
	status.Store(http.StatusServiceUnavailable)
	if err := check(context.Background(), srv.Client(), srv.URL+"/healthz"); err == nil {
		t.Fatal("503 reported healthy")
	}
}
