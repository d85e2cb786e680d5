package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHealthCheckerAllHealthy(t *testing.T) {
	hc := NewHealthChecker()
	hc.RegisterCheck(&HealthCheck{
		Name:      "store",
		CheckFunc: func(ctx context.Context) error { return nil },
		Critical:  true,
	})

	resp := hc.Check(context.Background())
	if resp.Status != HealthStatusHealthy {
		t.Errorf("Status = %s, want healthy", resp.Status)
	}
	if resp.Checks["store"].Status != HealthStatusHealthy {
		t.Errorf("check status = %s", resp.Checks["store"].Status)
	}
}

func TestHealthCheckerCriticalFailure(t *testing.T) {
	hc := NewHealthChecker()
	hc.RegisterCheck(&HealthCheck{
		Name:      "store",
		CheckFunc: func(ctx context.Context) error { return errors.New("connection refused") },
		Critical:  true,
	})

	resp := hc.Check(context.Background())
	if resp.Status != HealthStatusUnhealthy {
		t.Errorf("Status = %s, want unhealthy", resp.Status)
	}
	if resp.Checks["store"].Message != "connection refused" {
		t.Errorf("Message = %s", resp.Checks["store"].Message)
	}
}

func TestHealthCheckerNonCriticalFailure(t *testing.T) {
	hc := NewHealthChecker()
	hc.RegisterCheck(&HealthCheck{
		Name:      "cache",
		CheckFunc: func(ctx context.Context) error { return errors.New("slow") },
	})

	resp := hc.Check(context.Background())
	if resp.Status != HealthStatusDegraded {
		t.Errorf("Status = %s, want degraded", resp.Status)
	}
}

func TestHealthCheckerTimeout(t *testing.T) {
	hc := NewHealthChecker()
	hc.RegisterCheck(&HealthCheck{
		Name: "stuck",
		CheckFunc: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
		Timeout:  50 * time.Millisecond,
		Critical: true,
	})

	resp := hc.Check(context.Background())
	if resp.Status != HealthStatusUnhealthy {
		t.Errorf("Status = %s, want unhealthy on timeout", resp.Status)
	}
}

func TestHealthHandler(t *testing.T) {
	hc := NewHealthChecker()
	hc.RegisterCheck(&HealthCheck{
		Name:      "store",
		CheckFunc: func(ctx context.Context) error { return nil },
		Critical:  true,
	})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	hc.HealthHandler()(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	var resp HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != HealthStatusHealthy {
		t.Errorf("Status = %s, want healthy", resp.Status)
	}
}

func TestHealthHandlerUnhealthy(t *testing.T) {
	hc := NewHealthChecker()
	hc.RegisterCheck(&HealthCheck{
		Name:      "store",
		CheckFunc: func(ctx context.Context) error { return errors.New("down") },
		Critical:  true,
	})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	hc.HealthHandler()(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestLivenessHandler(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
	rec := httptest.NewRecorder()
	LivenessHandler()(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestReadinessHandler(t *testing.T) {
	hc := NewHealthChecker()

	req := httptest.NewRequest(http.MethodGet, "/health/ready", nil)
	rec := httptest.NewRecorder()
	hc.ReadinessHandler()(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 with no checks", rec.Code)
	}

	hc.RegisterCheck(&HealthCheck{
		Name:      "store",
		CheckFunc: func(ctx context.Context) error { return errors.New("down") },
	})
	rec = httptest.NewRecorder()
	hc.ReadinessHandler()(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503 when degraded", rec.Code)
	}
}
