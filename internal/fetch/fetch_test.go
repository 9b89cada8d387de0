package fetch

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"tgrelay/internal/progress"
)

func TestValidateURL(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{name: "valid https", raw: "https://example.com/file.pdf"},
		{name: "valid http with path", raw: "http://example.com/a/b/c.mp4"},
		{name: "missing scheme", raw: "example.com/file.pdf", wantErr: true},
		{name: "missing host", raw: "https://", wantErr: true},
		{name: "bare word", raw: "hello", wantErr: true},
		{name: "empty", raw: "", wantErr: true},
		{name: "whitespace padded", raw: "  https://example.com/x.bin  "},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ValidateURL(tt.raw)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidInput) {
					t.Errorf("ValidateURL(%q) error = %v, want ErrInvalidInput", tt.raw, err)
				}
				return
			}
			if err != nil {
				t.Errorf("ValidateURL(%q) unexpected error: %v", tt.raw, err)
			}
		})
	}
}

func TestFetchInvalidURLNoNetwork(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
	}))
	defer srv.Close()

	f := NewWithClient(srv.Client(), t.TempDir())
	_, err := f.Fetch(context.Background(), "not-a-url", nil)
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("error = %v, want ErrInvalidInput", err)
	}
	if calls != 0 {
		t.Errorf("server saw %d requests, want 0", calls)
	}
}

func TestFetchReportsWrittenBytes(t *testing.T) {
	payload := bytes.Repeat([]byte("x"), 3000)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Lie about the size; the artifact must report what was written.
		w.Header().Set("Content-Length", "3000")
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	f := NewWithClient(srv.Client(), t.TempDir())
	art, err := f.Fetch(context.Background(), srv.URL+"/report.pdf", nil)
	if err != nil {
		t.Fatalf("Fetch error: %v", err)
	}
	if art.Bytes != int64(len(payload)) {
		t.Errorf("Bytes = %d, want %d", art.Bytes, len(payload))
	}
	if art.Filename != "report.pdf" {
		t.Errorf("Filename = %q, want report.pdf", art.Filename)
	}
	data, err := os.ReadFile(art.Path)
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	if int64(len(data)) != art.Bytes {
		t.Errorf("file has %d bytes, artifact reports %d", len(data), art.Bytes)
	}
}

func TestFetchHTMLForVideoFailsBeforeBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte("<html>not a video</html>"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	f := NewWithClient(srv.Client(), dir)
	_, err := f.Fetch(context.Background(), srv.URL+"/movie.mp4", nil)
	if !errors.Is(err, ErrNotDirectLink) {
		t.Fatalf("error = %v, want ErrNotDirectLink", err)
	}
	// No artifact file may exist.
	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		sub, _ := os.ReadDir(dir + "/" + e.Name())
		if len(sub) != 0 {
			t.Errorf("unexpected files written: %v", sub)
		}
	}
}

func TestFetchSuspiciouslySmallVideo(t *testing.T) {
	tests := []struct {
		name    string
		declare bool
	}{
		{name: "declared small", declare: true},
		{name: "actually small", declare: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := bytes.Repeat([]byte("v"), 1024) // 1KB, way under threshold
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "video/mp4")
				if tt.declare {
					w.Header().Set("Content-Length", "1024")
				}
				_, _ = w.Write(body)
			}))
			defer srv.Close()

			f := NewWithClient(srv.Client(), t.TempDir())
			_, err := f.Fetch(context.Background(), srv.URL+"/clip.mp4", nil)
			if !errors.Is(err, ErrSuspiciouslySmall) {
				t.Fatalf("error = %v, want ErrSuspiciouslySmall", err)
			}
		})
	}
}

func TestFetchNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	f := NewWithClient(srv.Client(), t.TempDir())
	_, err := f.Fetch(context.Background(), srv.URL+"/file.bin", nil)
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("error = %v, want StatusError", err)
	}
	if se.Code != http.StatusForbidden {
		t.Errorf("Code = %d, want 403", se.Code)
	}
}

func TestFetchContentDispositionWins(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Disposition", `attachment; filename="better name.zip"`)
		_, _ = w.Write([]byte("zipzip"))
	}))
	defer srv.Close()

	f := NewWithClient(srv.Client(), t.TempDir())
	art, err := f.Fetch(context.Background(), srv.URL+"/ignored.bin", nil)
	if err != nil {
		t.Fatalf("Fetch error: %v", err)
	}
	if art.Filename != "better_name.zip" {
		t.Errorf("Filename = %q, want better_name.zip", art.Filename)
	}
}

func TestFetchDefaultFilename(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("data"))
	}))
	defer srv.Close()

	f := NewWithClient(srv.Client(), t.TempDir())

	for _, u := range []string{srv.URL + "/", srv.URL + "/noextension"} {
		art, err := f.Fetch(context.Background(), u, nil)
		if err != nil {
			t.Fatalf("Fetch(%q) error: %v", u, err)
		}
		if art.Filename != "downloaded_file" {
			t.Errorf("Filename for %q = %q, want downloaded_file", u, art.Filename)
		}
	}
}

func TestFetchPublishesProgress(t *testing.T) {
	payload := bytes.Repeat([]byte("p"), 4096)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	var samples []progress.Sample
	sink := progress.SinkFunc(func(s progress.Sample) { samples = append(samples, s) })

	f := NewWithClient(srv.Client(), t.TempDir())
	if _, err := f.Fetch(context.Background(), srv.URL+"/blob.bin", sink); err != nil {
		t.Fatalf("Fetch error: %v", err)
	}
	if len(samples) == 0 {
		t.Fatal("no progress samples published")
	}
	if samples[0].Done <= 0 {
		t.Errorf("first sample Done = %d, want > 0", samples[0].Done)
	}
}
