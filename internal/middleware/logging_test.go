package middleware

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func bufferLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func TestLogging(t *testing.T) {
	tests := []struct {
		name           string
		method         string
		path           string
		expectedStatus int
		expectedLevel  string
	}{
		{
			name:           "successful GET request",
			method:         "GET",
			path:           "/health",
			expectedStatus: http.StatusOK,
			expectedLevel:  "level=DEBUG",
		},
		{
			name:           "unknown repository",
			method:         "GET",
			path:           "/api/v1/repositories/acme/missing/runners",
			expectedStatus: http.StatusNotFound,
			expectedLevel:  "level=DEBUG",
		},
		{
			name:           "server error",
			method:         "GET",
			path:           "/error",
			expectedStatus: http.StatusInternalServerError,
			expectedLevel:  "level=WARN",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.expectedStatus)
			})

			rec := httptest.NewRecorder()
			Logging(bufferLogger(&buf))(handler).ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, nil))

			if rec.Code != tt.expectedStatus {
				t.Errorf("Expected status %d, got %d", tt.expectedStatus, rec.Code)
			}
			out := buf.String()
			if !strings.Contains(out, tt.expectedLevel) {
				t.Errorf("Expected %s in log, got %q", tt.expectedLevel, out)
			}
			if !strings.Contains(out, "path="+tt.path) {
				t.Errorf("Expected path in log, got %q", out)
			}
		})
	}
}

func TestLoggingImplicitStatus(t *testing.T) {
	var buf bytes.Buffer
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	rec := httptest.NewRecorder()
	Logging(bufferLogger(&buf))(handler).ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))

	if !strings.Contains(buf.String(), "status=200") {
		t.Errorf("Expected status=200 in log, got %q", buf.String())
	}
	if !strings.Contains(buf.String(), "bytes=2") {
		t.Errorf("Expected bytes=2 in log, got %q", buf.String())
	}
}

func TestWithRequestID(t *testing.T) {
	tests := []struct {
		name     string
		incoming string
	}{
		{name: "assigned", incoming: ""},
		{name: "propagated", incoming: "abc-123"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen string
			handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen = RequestID(r.Context())
			})

			req := httptest.NewRequest("GET", "/", nil)
			if tt.incoming != "" {
				req.Header.Set(RequestIDHeader, tt.incoming)
			}
			rec := httptest.NewRecorder()
			WithRequestID(handler).ServeHTTP(rec, req)

			if seen == "" {
				t.Fatal("Expected a request ID in the context")
			}
			if tt.incoming != "" && seen != tt.incoming {
				t.Errorf("Expected %s, got %s", tt.incoming, seen)
			}
			if rec.Header().Get(RequestIDHeader) != seen {
				t.Errorf("Expected response header %s, got %s", seen, rec.Header().Get(RequestIDHeader))
			}
		})
	}
}

func TestRecover(t *testing.T) {
	var buf bytes.Buffer
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})

	rec := httptest.NewRecorder()
	Recover(bufferLogger(&buf))(handler).ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("Expected status 500, got %d", rec.Code)
	}
	if !strings.Contains(buf.String(), "panic in handler") {
		t.Errorf("Expected panic to be logged, got %q", buf.String())
	}
}
