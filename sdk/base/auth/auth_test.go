package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCheckSecret(t *testing.T) {
	if !CheckSecret("anything", "") {
		t.Fatalf("empty expected secret must accept")
	}
	if !CheckSecret("s3cret", "s3cret") {
		t.Fatalf("matching secret rejected")
	}
	if CheckSecret("s3cre", "s3cret") || CheckSecret("", "s3cret") {
		t.Fatalf("mismatched secret accepted")
	}
}

func TestBearerSecretMiddleware(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	h := BearerSecretMiddleware(Static("key"))(ok)

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong", "Bearer nope", http.StatusUnauthorized},
		{"right", "Bearer key", http.StatusOK},
		{"lowercase scheme", "bearer key", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Fatalf("status = %d; want %d", rec.Code, tt.want)
			}
		})
	}

	open := BearerSecretMiddleware(Static(""))(ok)
	rec := httptest.NewRecorder()
	open.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("no secret configured: status = %d", rec.Code)
	}
}
