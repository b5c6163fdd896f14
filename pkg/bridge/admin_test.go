// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

func newTestAdminAPI(t *testing.T) (*AdminAPI, *engineFixture) {
	t.Helper()
	fx := newEngineFixture(t, ReactionNative)
	reg := prometheus.NewRegistry()
	return NewAdminAPI(":0", fx.engine, reg, zerolog.Nop()), fx
}

func TestAdminHealthz(t *testing.T) {
	t.Parallel()
	api, _ := newTestAdminAPI(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	api.server.Handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var body map[string]any
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}

func TestAdminResync(t *testing.T) {
	t.Parallel()
	api, fx := newTestAdminAPI(t)

	fx.mm.sendHook = func(int) error {
		return Permanent("mattermost", "send", errors.New("rejected"))
	}
	fx.engine.OnEvent(context.Background(), matrixMessage("$fail1", "hi"))
	waitUntil(t, "event failed", func() bool { return fx.engine.FailedCount() == 1 })
	fx.mm.mu.Lock()
	fx.mm.sendHook = nil
	fx.mm.mu.Unlock()

	req := httptest.NewRequest(http.MethodPost, "/api/resync",
		strings.NewReader(`{"platform":"matrix","message_id":"$fail1"}`))
	w := httptest.NewRecorder()
	api.server.Handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	waitUntil(t, "resynced delivery", func() bool { return fx.mm.sendCount() == 1 })
}

func TestAdminResyncUnknownMessage(t *testing.T) {
	t.Parallel()
	api, _ := newTestAdminAPI(t)

	req := httptest.NewRequest(http.MethodPost, "/api/resync",
		strings.NewReader(`{"platform":"matrix","message_id":"$nope"}`))
	w := httptest.NewRecorder()
	api.server.Handler.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestAdminResyncValidation(t *testing.T) {
	t.Parallel()
	api, _ := newTestAdminAPI(t)

	for _, body := range []string{`{}`, `not json`, `{"platform":"matrix"}`} {
		req := httptest.NewRequest(http.MethodPost, "/api/resync", strings.NewReader(body))
		w := httptest.NewRecorder()
		api.server.Handler.ServeHTTP(w, req)
		if w.Code != http.StatusBadRequest {
			t.Errorf("body %q: status = %d, want 400", body, w.Code)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/api/resync", nil)
	w := httptest.NewRecorder()
	api.server.Handler.ServeHTTP(w, req)
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET status = %d, want 405", w.Code)
	}
}
