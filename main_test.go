package main

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRedirectToHTTPS(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://app.example.com/dashboard?tab=1", nil)
	rr := httptest.NewRecorder()
	redirectToHTTPS(rr, req)

	if rr.Code != http.StatusMovedPermanently {
		t.Fatalf("status %d, expected 301", rr.Code)
	}
	if loc := rr.Header().Get("Location"); loc != "https://app.example.com/dashboard?tab=1" {
		t.Fatalf("location %q", loc)
	}
}
