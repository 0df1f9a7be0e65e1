package upload

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pumplink/pumpsync/internal/history"
)

func TestIdempotentIDStable(t *testing.T) {
	a := IdempotentID(history.ProcessorBolus, 4211)
	b := IdempotentID(history.ProcessorBolus, 4211)
	if a != b {
		t.Fatalf("same inputs produced different IDs: %q vs %q", a, b)
	}
	if a != "pumpsync-bolus-4211" {
		t.Errorf("unexpected ID format: %q", a)
	}

	if IdempotentID(history.ProcessorCGM, 4211) == a {
		t.Error("different categories collided on the same sequence ID")
	}
	if IdempotentID(history.ProcessorBolus, 4212) == a {
		t.Error("different sequence IDs collided")
	}
}

func TestSubmitHashesSecret(t *testing.T) {
	var gotSecret string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSecret = r.Header.Get("api-secret")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "hunter2", srv.Client())
	p := Payload{Kind: KindEntry, Seq: 1, Entry: &Entry{ID: "pumpsync-cgm-1", GlucoseMgDl: 120}}
	if err := c.Submit(context.Background(), p); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	sum := sha1.Sum([]byte("hunter2"))
	want := hex.EncodeToString(sum[:])
	if gotSecret != want {
		t.Errorf("api-secret = %q, want sha1 hex %q", gotSecret, want)
	}
	if len(gotSecret) != 40 {
		t.Errorf("api-secret length = %d, want 40 hex chars", len(gotSecret))
	}
	if gotSecret == "hunter2" {
		t.Error("raw secret sent over the wire")
	}
}

func TestSubmitRoutesByKind(t *testing.T) {
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	// Trailing slash on the base URL must not double up path separators.
	c := NewClient(srv.URL+"/", "s", srv.Client())
	ctx := context.Background()

	payloads := []Payload{
		{Kind: KindEntry, Entry: &Entry{ID: "a"}},
		{Kind: KindTreatment, Treatment: &Treatment{ID: "b"}},
		{Kind: KindDeviceStatus, DeviceStatus: &DeviceStatus{ID: "c"}},
	}
	for _, p := range payloads {
		if err := c.Submit(ctx, p); err != nil {
			t.Fatalf("Submit(%s) failed: %v", p.Kind, err)
		}
	}

	want := []string{"/api/v1/entries", "/api/v1/treatments", "/api/v1/devicestatus"}
	for i, p := range want {
		if paths[i] != p {
			t.Errorf("payload %d hit %q, want %q", i, paths[i], p)
		}
	}
}

func TestSubmitRejectsUnknownKind(t *testing.T) {
	c := NewClient("http://localhost:1", "s", nil)
	if err := c.Submit(context.Background(), Payload{Kind: "bogus"}); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}

func TestSubmitSurfacesRemoteFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "wrong", srv.Client())
	p := Payload{Kind: KindEntry, Entry: &Entry{ID: "x"}}
	if err := c.Submit(context.Background(), p); err == nil {
		t.Fatal("expected error for 401 response")
	}
}

func TestSubmitBodyShape(t *testing.T) {
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "s", srv.Client())
	p := Payload{
		Kind: KindTreatment,
		Treatment: &Treatment{
			ID:           IdempotentID(history.ProcessorBolus, 99),
			EventType:    "Bolus",
			InsulinUnits: 2.5,
		},
	}
	if err := c.Submit(context.Background(), p); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	var got []map[string]interface{}
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("body is not a JSON array: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 item, got %d", len(got))
	}
	if got[0]["_id"] != "pumpsync-bolus-99" {
		t.Errorf("_id = %v, want pumpsync-bolus-99", got[0]["_id"])
	}
	if got[0]["insulin"] != 2.5 {
		t.Errorf("insulin = %v, want 2.5", got[0]["insulin"])
	}
}
