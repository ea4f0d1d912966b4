package httperr_test

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"example.com/carbonhttp/v2/internal/httperr"
	"example.com/carbonhttp/v2/internal/logger"
)

func TestPrefersJSON(t *testing.T) {
	tests := []struct {
		name         string
		acceptHeader string
		expected     bool
	}{
		{"Empty Accept", "", false},
		{"Only JSON", "application/json", true},
		{"Only HTML", "text/html", false},
		{"JSON first, equal q", "application/json, text/html", true},
		{"HTML first, equal q", "text/html, application/json", false},
		{"HTML lower q", "text/html;q=0.5, application/json", true},
		{"JSON q=0", "application/json;q=0", false},
		{"Malformed q", "application/json;q=foo", false},
		{"Out of range q", "application/json;q=2", false},
		{"Wildcard only", "*/*", false},
		{"JSON above wildcard", "*/*;q=0.8, application/json;q=0.9", true},
		{"Specific beats wildcard at equal q", "application/*, application/json", true},
		{"Case insensitive", "Application/JSON", true},
		{"Browser default", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := httperr.PrefersJSON(tt.acceptHeader); got != tt.expected {
				t.Errorf("PrefersJSON(%q) = %v, want %v", tt.acceptHeader, got, tt.expected)
			}
		})
	}
}

func TestWrite_JSON(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/missing", nil)
	req.Header.Set("Accept", "application/json")
	rec := httptest.NewRecorder()

	if err := httperr.Write(rec, req, http.StatusNotFound, "no route for /missing", nil, logger.Nop()); err != nil {
		t.Fatalf("Write returned error: %v", err)
	}

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
	var body httperr.ErrorResponseJSON
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("body is not JSON: %v (%q)", err, rec.Body.String())
	}
	if body.Error.StatusCode != http.StatusNotFound || body.Error.Message != "Not Found" || body.Error.Detail != "no route for /missing" {
		t.Errorf("unexpected body: %+v", body)
	}
}

func TestWrite_HTMLEscapesDetail(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()

	if err := httperr.Write(rec, req, http.StatusBadRequest, "<script>", nil, nil); err != nil {
		t.Fatalf("Write returned error: %v", err)
	}

	if ct := rec.Header().Get("Content-Type"); ct != "text/html; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "<title>400 Bad Request</title>") {
		t.Errorf("missing title in %q", body)
	}
	if strings.Contains(body, "<script>") || !strings.Contains(body, "&lt;script&gt;") {
		t.Errorf("detail not escaped in %q", body)
	}
	if rec.Header().Get("Cache-Control") != "no-cache, no-store, must-revalidate" {
		t.Errorf("Cache-Control = %q", rec.Header().Get("Cache-Control"))
	}
}

func TestWrite_UnknownStatusUsesDetail(t *testing.T) {
	rec := httptest.NewRecorder()
	if err := httperr.Write(rec, nil, 599, "custom failure", nil, nil); err != nil {
		t.Fatalf("Write returned error: %v", err)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "<p>custom failure</p>") {
		t.Errorf("expected detail as message, got %q", body)
	}
}

func TestWrite_ExtraHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	extra := http.Header{"Sec-Websocket-Version": []string{"13"}}
	if err := httperr.Write(rec, nil, http.StatusUpgradeRequired, "", extra, nil); err != nil {
		t.Fatalf("Write returned error: %v", err)
	}
	if got := rec.Header().Get("Sec-WebSocket-Version"); got != "13" {
		t.Errorf("Sec-WebSocket-Version = %q, want 13", got)
	}
	if rec.Code != http.StatusUpgradeRequired {
		t.Errorf("status = %d", rec.Code)
	}
}

type failingWriter struct {
	*httptest.ResponseRecorder
}

func (f failingWriter) Write([]byte) (int, error) { return 0, errors.New("broken pipe") }

func TestWrite_BodyError(t *testing.T) {
	w := failingWriter{httptest.NewRecorder()}
	err := httperr.Write(w, nil, http.StatusInternalServerError, "", nil, logger.Nop())
	if err == nil || !strings.Contains(err.Error(), "broken pipe") {
		t.Errorf("expected wrapped write error, got %v", err)
	}
}
