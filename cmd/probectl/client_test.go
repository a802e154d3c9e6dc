package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestAPIClient_DecodesErrorBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if u, p, ok := r.BasicAuth(); !ok || u != "admin" || p != "pw" {
			t.Errorf("expected basic auth credentials to be sent")
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error":"port 1080 is used by a","kind":"PortConflict"}`))
	}))
	defer ts.Close()

	t.Setenv("PROBECTL_ADDRESS", ts.URL)
	t.Setenv("PROBECTL_USER", "admin")
	t.Setenv("PROBECTL_PASSWORD", "pw")

	err := newAPIClient().do(context.Background(), http.MethodPost, "/api/protocols", []byte(`{}`), nil)
	var apiErr *apiError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *apiError, got %v", err)
	}
	if apiErr.Status != http.StatusConflict || apiErr.Kind != "PortConflict" {
		t.Fatalf("unexpected error: %+v", apiErr)
	}
}

func TestParseUserID(t *testing.T) {
	if _, err := parseUserID("abc"); err == nil {
		t.Fatal("expected error for non-numeric id")
	}
	if _, err := parseUserID("0"); err == nil {
		t.Fatal("expected error for zero id")
	}
	if id, err := parseUserID("12345"); err != nil || id != 12345 {
		t.Fatalf("unexpected result: %d %v", id, err)
	}
}
