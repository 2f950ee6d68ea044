package genai

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/roomlift/roomlift/pkg/logger"
)

func testClient(baseURL string) *Client {
	return New(Config{
		BaseURL: baseURL,
		APIKey:  "test-key",
		Model:   "stage-v2",
	}, logger.NewDefault("genai-test"))
}

func TestGenerateImageHostedURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/images/generations" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("unexpected auth header %q", got)
		}
		fmt.Fprint(w, `{"output":{"url":"https://cdn.example.com/out.png","content_type":"image/png"}}`)
	}))
	defer srv.Close()

	result, err := testClient(srv.URL).GenerateImage(context.Background(), ImageRequest{
		SourceURL: "https://cdn.example.com/in.jpg",
		Style:     "scandinavian",
		Seed:      7,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.URL != "https://cdn.example.com/out.png" {
		t.Fatalf("unexpected result url %s", result.URL)
	}
	if result.ContentType != "image/png" {
		t.Fatalf("unexpected content type %s", result.ContentType)
	}
}

func TestGenerateImageInlineOutput(t *testing.T) {
	data := []byte("fake image bytes")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"output":{"b64":%q,"content_type":"image/png"}}`,
			base64.StdEncoding.EncodeToString(data))
	}))
	defer srv.Close()

	result, err := testClient(srv.URL).GenerateImage(context.Background(), ImageRequest{Style: "modern"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(result.Data) != string(data) {
		t.Fatalf("decoded bytes mismatch")
	}
}

func TestGenerateVideoProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, `{"error":{"message":"model overloaded"}}`)
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).GenerateVideo(context.Background(), VideoRequest{Style: "modern"})
	var provErr *ProviderError
	if !errors.As(err, &provErr) {
		t.Fatalf("expected ProviderError, got %v", err)
	}
	if provErr.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("unexpected status %d", provErr.StatusCode)
	}
	if provErr.Message != "model overloaded" {
		t.Fatalf("unexpected message %q", provErr.Message)
	}
}

func TestGenerateImageNoRetry(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).GenerateImage(context.Background(), ImageRequest{})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Fatalf("expected exactly 1 call, got %d", calls)
	}
}

func TestGenerateImageMalformedOutput(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"output":{}}`)
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).GenerateImage(context.Background(), ImageRequest{})
	if err == nil {
		t.Fatal("expected error for output without url or b64")
	}
}
