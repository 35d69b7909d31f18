package v1

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRepositoryPath(t *testing.T) {
	tests := []struct {
		repository string
		want       string
		wantErr    bool
	}{
		{"acme/api", "/api/v1/repositories/acme/api/runners", false},
		{"acme/my repo", "/api/v1/repositories/acme/my%20repo/runners", false},
		{"acme", "", true},
		{"acme/", "", true},
		{"/api", "", true},
		{"acme/api/extra", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.repository, func(t *testing.T) {
			got, err := repositoryPath(tt.repository, "runners")
			if (err != nil) != tt.wantErr {
				t.Fatalf("repositoryPath(%q) error = %v, wantErr %v", tt.repository, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("repositoryPath(%q) = %q, want %q", tt.repository, got, tt.want)
			}
		})
	}
}

func TestClientSendsKeyAndLimit(t *testing.T) {
	var gotKey, gotLimit, gotRepo string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-API-Key")
		gotLimit = r.URL.Query().Get("limit")
		gotRepo = r.URL.Query().Get("repository")
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(EventsResponse{Count: 0})
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", WithAPIKey("k"))
	if _, err := c.Events(context.Background(), "acme/api", 25); err != nil {
		t.Fatalf("Events() error = %v", err)
	}
	if gotKey != "k" {
		t.Errorf("Expected API key k, got %q", gotKey)
	}
	if gotLimit != "25" {
		t.Errorf("Expected limit 25, got %q", gotLimit)
	}
	if gotRepo != "acme/api" {
		t.Errorf("Expected repository acme/api, got %q", gotRepo)
	}
}

func TestClientDecodesErrors(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		body        string
		wantMessage string
		notFound    bool
	}{
		{"json error body", http.StatusNotFound, `{"error":"repository not found"}`, "repository not found", true},
		{"plain body", http.StatusBadGateway, "upstream down", "Bad Gateway", false},
		{"details", http.StatusServiceUnavailable, `{"error":"not ready","details":"daemon unreachable"}`, "not ready", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := NewClient(srv.URL).Status(context.Background())
			apiErr, ok := err.(*APIError)
			if !ok {
				t.Fatalf("Expected *APIError, got %T (%v)", err, err)
			}
			if apiErr.StatusCode != tt.status {
				t.Errorf("Expected status %d, got %d", tt.status, apiErr.StatusCode)
			}
			if apiErr.Message != tt.wantMessage {
				t.Errorf("Expected message %q, got %q", tt.wantMessage, apiErr.Message)
			}
			if IsNotFound(err) != tt.notFound {
				t.Errorf("IsNotFound() = %v, want %v", IsNotFound(err), tt.notFound)
			}
		})
	}
}

func TestClientRejectsBadRepository(t *testing.T) {
	c := NewClient("http://127.0.0.1:0")
	if _, err := c.Runners(context.Background(), "not-a-repo"); err == nil {
		t.Error("Expected error for repository without owner")
	}
}
