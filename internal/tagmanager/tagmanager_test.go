package tagmanager

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"testing"
	"time"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func newTestClient(fn roundTripFunc) *http.Client {
	return &http.Client{Transport: fn}
}

func jsonResponse(t *testing.T, status int, payload any) *http.Response {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return &http.Response{
		StatusCode: status,
		Status:     http.StatusText(status),
		Body:       io.NopCloser(bytes.NewReader(data)),
		Header:     make(http.Header),
	}
}

func TestMemoryEventLogRemoveBySystem(t *testing.T) {
	ctx := context.Background()
	rt := NewMemory("GTM-TEST")
	log, err := rt.EventLog(ctx)
	if err != nil {
		t.Fatalf("event log: %v", err)
	}
	_ = log.Push(ctx, Entry{"event": "purchase", SystemKey: "new"})
	_ = log.Push(ctx, Entry{"event": "purchase", SystemKey: "legacy"})
	_ = log.Push(ctx, Entry{"event": "page_view"})

	removed, err := log.RemoveBySystem(ctx, "new")
	if err != nil || removed != 1 {
		t.Fatalf("expected one removal, got %d err=%v", removed, err)
	}
	entries, _ := log.Entries(ctx)
	if len(entries) != 2 || FindEntry(entries, Entry{SystemKey: "new"}) {
		t.Fatalf("unexpected entries after removal: %v", entries)
	}
}

func TestMemoryFaults(t *testing.T) {
	ctx := context.Background()
	rt := NewMemory("GTM-TEST")
	rt.SetPushWorks(false)
	log, _ := rt.EventLog(ctx)
	_ = log.Push(ctx, Entry{"event": "probe"})
	entries, _ := log.Entries(ctx)
	if len(entries) != 0 {
		t.Fatalf("expected broken push to drop entries")
	}

	rt.SetDataLayerAvailable(false)
	if _, err := rt.EventLog(ctx); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}

	rt.FailInstall(errors.New("script blocked"))
	if err := rt.InstallLegacy(ctx, LegacyConfig{ConversionID: "AW-1"}); err == nil {
		t.Fatalf("expected install failure")
	}
}

func TestHTTPRuntimeEventLog(t *testing.T) {
	var pushed Entry
	rt := NewHTTPRuntime("https://bridge.example.com", "GTM-ABC", DefaultHTTPPaths(), time.Second)
	rt.httpClient = newTestClient(roundTripFunc(func(req *http.Request) (*http.Response, error) {
		switch {
		case req.Method == http.MethodGet && req.URL.Path == "/api/v1/tagmanager/container":
			return jsonResponse(t, http.StatusOK, map[string]any{"script_loaded": true, "registered": true, "data_layer_available": true}), nil
		case req.Method == http.MethodPost && req.URL.Path == "/api/v1/tagmanager/datalayer":
			if err := json.NewDecoder(req.Body).Decode(&pushed); err != nil {
				t.Fatalf("decode push: %v", err)
			}
			return jsonResponse(t, http.StatusAccepted, map[string]any{}), nil
		case req.Method == http.MethodDelete && req.URL.Path == "/api/v1/tagmanager/datalayer":
			if req.URL.Query().Get("system") != "new" {
				t.Fatalf("unexpected system filter %q", req.URL.RawQuery)
			}
			return jsonResponse(t, http.StatusOK, map[string]any{"removed": 3}), nil
		}
		t.Fatalf("unexpected request %s %s", req.Method, req.URL)
		return nil, nil
	}))

	ctx := context.Background()
	log, err := rt.EventLog(ctx)
	if err != nil {
		t.Fatalf("event log: %v", err)
	}
	if err := log.Push(ctx, Entry{"event": "migration_probe"}); err != nil {
		t.Fatalf("push: %v", err)
	}
	if pushed["event"] != "migration_probe" {
		t.Fatalf("unexpected pushed entry %v", pushed)
	}
	removed, err := log.RemoveBySystem(ctx, "new")
	if err != nil || removed != 3 {
		t.Fatalf("expected 3 removed, got %d err=%v", removed, err)
	}
}

func TestHTTPRuntimeMissingDataLayer(t *testing.T) {
	rt := NewHTTPRuntime("https://bridge.example.com", "GTM-ABC", DefaultHTTPPaths(), time.Second)
	rt.httpClient = newTestClient(roundTripFunc(func(req *http.Request) (*http.Response, error) {
		return jsonResponse(t, http.StatusOK, map[string]any{"script_loaded": true, "data_layer_available": false}), nil
	}))
	if _, err := rt.EventLog(context.Background()); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestHTTPRuntimeNotFoundIsUnavailable(t *testing.T) {
	rt := NewHTTPRuntime("https://bridge.example.com", "GTM-ABC", DefaultHTTPPaths(), time.Second)
	rt.httpClient = newTestClient(roundTripFunc(func(req *http.Request) (*http.Response, error) {
		return jsonResponse(t, http.StatusNotFound, map[string]any{}), nil
	}))
	if _, err := rt.Legacy(context.Background()); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}
