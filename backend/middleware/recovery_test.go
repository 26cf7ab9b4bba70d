package middleware

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/AnTengye/dealdesk/backend/pkg/logger"
	"github.com/gin-gonic/gin"
)

// captureLogs routes the default logger into a buffer as JSON until the test ends
func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	logger.Init(&logger.Config{Level: "debug", Format: "json", Output: &buf})
	return &buf
}

// logEntries decodes every JSON log line written to buf
func logEntries(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var entries []map[string]any
	sc := bufio.NewScanner(bytes.NewReader(buf.Bytes()))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var e map[string]any
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatalf("log line %q is not JSON: %v", sc.Text(), err)
		}
		entries = append(entries, e)
	}
	return entries
}

// findEntry returns the first log entry with the given message
func findEntry(entries []map[string]any, msg string) map[string]any {
	for _, e := range entries {
		if e["msg"] == msg {
			return e
		}
	}
	return nil
}

func TestRecoveryMiddleware(t *testing.T) {
	router := gin.New()
	router.Use(RequestID())
	router.Use(Recovery())
	router.GET("/deals/:id", func(c *gin.Context) {
		panic("nil deal")
	})
	router.POST("/documents/upload", func(c *gin.Context) {
		panic(errors.New("storage client missing"))
	})
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})

	tests := []struct {
		name       string
		method     string
		path       string
		requestID  string
		wantStatus int
		wantPanic  string
	}{
		{"string panic", http.MethodGet, "/deals/42", "req-deal", http.StatusInternalServerError, "nil deal"},
		{"error panic", http.MethodPost, "/documents/upload", "req-upload", http.StatusInternalServerError, "storage client missing"},
		{"no panic", http.MethodGet, "/health", "req-health", http.StatusOK, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := captureLogs(t)

			req := httptest.NewRequest(tt.method, tt.path, nil)
			req.Header.Set("X-Request-ID", tt.requestID)
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Fatalf("Expected status %d, got %d", tt.wantStatus, w.Code)
			}

			entry := findEntry(logEntries(t, buf), "panic recovered")
			if tt.wantPanic == "" {
				if entry != nil {
					t.Errorf("Expected no panic log, got %v", entry)
				}
				return
			}

			var body struct {
				Error     string `json:"error"`
				RequestID string `json:"request_id"`
			}
			if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode body %q: %v", w.Body.String(), err)
			}
			if body.Error != "Internal server error" {
				t.Errorf("Expected generic error, got %q", body.Error)
			}
			if body.RequestID != tt.requestID {
				t.Errorf("Expected request_id %q in body, got %q", tt.requestID, body.RequestID)
			}

			if entry == nil {
				t.Fatalf("Expected a panic log line, got %q", buf.String())
			}
			if entry["level"] != "ERROR" {
				t.Errorf("Expected ERROR level, got %v", entry["level"])
			}
			if entry["request_id"] != tt.requestID {
				t.Errorf("Expected request_id %q on the log line, got %v", tt.requestID, entry["request_id"])
			}
			if entry["method"] != tt.method || entry["path"] != tt.path {
				t.Errorf("Expected %s %s on the log line, got %v %v", tt.method, tt.path, entry["method"], entry["path"])
			}
			if msg, _ := entry["error"].(string); !strings.Contains(msg, tt.wantPanic) {
				t.Errorf("Expected panic value %q logged, got %v", tt.wantPanic, entry["error"])
			}
			if stack, _ := entry["stack"].(string); !strings.Contains(stack, "recovery_test.go") {
				t.Error("Expected the stack to reach the panicking handler")
			}
		})
	}
}

func TestRecoveryWithoutRequestID(t *testing.T) {
	captureLogs(t)

	router := gin.New()
	router.Use(Recovery())
	router.GET("/boom", func(c *gin.Context) {
		panic("boom")
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/boom", nil))

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("Expected status 500, got %d", w.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["request_id"] != "" {
		t.Errorf("Expected empty request_id, got %v", body["request_id"])
	}
}
