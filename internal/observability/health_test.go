package observability_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"PerpSettle/internal/observability"
)

func serve(t *testing.T, h http.HandlerFunc) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest("GET", "/", nil))
	return rec
}

func TestReadiness(t *testing.T) {
	hc := observability.NewHealthChecker()

	if rec := serve(t, hc.ReadinessHandler); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("before ready: %d", rec.Code)
	}

	hc.SetReady(true)
	if rec := serve(t, hc.ReadinessHandler); rec.Code != http.StatusOK {
		t.Fatalf("ready: %d", rec.Code)
	}

	hc.AddCheck("postgres", func(context.Context) error { return errors.New("connection refused") })
	rec := serve(t, hc.ReadinessHandler)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("failing check: %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "connection refused") {
		t.Errorf("body should name the failure: %s", rec.Body.String())
	}
}

func TestLivenessReportsSequence(t *testing.T) {
	hc := observability.NewHealthChecker()
	hc.SetSequenceFunc(func() int64 { return 42 })

	rec := serve(t, hc.LivenessHandler)
	if rec.Code != http.StatusOK {
		t.Fatalf("liveness: %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"sequence":42`) {
		t.Errorf("body: %s", rec.Body.String())
	}
}
