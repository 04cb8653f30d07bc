package relayd

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

func TestNewServerValidation(t *testing.T) {
	tests := []struct {
		name    string
		orm     *gorm.DB
		cfg     Config
		wantErr bool
	}{
		{"missing orm", nil, Config{Bucket: "b"}, true},
		{"missing bucket", &gorm.DB{}, Config{}, true},
		{"ok", &gorm.DB{}, Config{Bucket: "b"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewServer(nil, tt.orm, tt.cfg, zerolog.Nop())
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewServer() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRegisterRejectsBadInput(t *testing.T) {
	srv, err := NewServer(nil, &gorm.DB{}, Config{Bucket: "relay"}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	handler := srv.Routes()

	tests := []struct {
		name string
		body string
	}{
		{"not json", "not-json"},
		{"unknown field", `{"label":"a","kind":"source","sha256":"ff","size":1,"bogus":true}`},
		{"missing label", `{"kind":"source","sha256":"ff","size":1}`},
		{"missing sha256", `{"label":"a","kind":"source","size":1}`},
		{"zero size", `{"label":"a","kind":"source","sha256":"ff","size":0}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/artifacts", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
			}
		})
	}
}

func TestHealthz(t *testing.T) {
	srv, err := NewServer(nil, &gorm.DB{}, Config{Bucket: "relay"}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}
