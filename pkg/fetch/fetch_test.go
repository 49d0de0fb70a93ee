package fetch

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/spf13/afero"
)

func readAll(t *testing.T, s *Stream) string {
	t.Helper()
	defer s.Body.Close()
	b, err := io.ReadAll(s.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(b)
}

func TestHTTPSource_Fetch(t *testing.T) {
	data := "recovery image bytes"
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("expected GET, got %s", r.Method)
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.Write([]byte(data))
	}))
	defer server.Close()

	s, err := NewHTTPSource(DefaultHTTPOptions()).Fetch(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if s.Size != int64(len(data)) {
		t.Errorf("expected size %d, got %d", len(data), s.Size)
	}
	if got := readAll(t, s); got != data {
		t.Errorf("body = %q", got)
	}
}

func TestHTTPSource_NotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	_, err := NewHTTPSource(DefaultHTTPOptions()).Fetch(context.Background(), server.URL)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestHTTPSource_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	opts := DefaultHTTPOptions()
	opts.RetryAttempts = 3
	opts.RetryBackoff = time.Millisecond
	opts.RetryMaxBackoff = 5 * time.Millisecond

	s, err := NewHTTPSource(opts).Fetch(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if got := readAll(t, s); got != "ok" {
		t.Errorf("body = %q", got)
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 calls, got %d", calls.Load())
	}
}

func TestHTTPSource_NoRetryByDefault(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	_, err := NewHTTPSource(DefaultHTTPOptions()).Fetch(context.Background(), server.URL)
	if !errors.Is(err, ErrServerError) {
		t.Errorf("expected ErrServerError, got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("expected a single call, got %d", calls.Load())
	}
}

func TestHTTPSource_RetryLimits(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		wantCalls int32
		wantErr   error
	}{
		{"server error exhausts retries", http.StatusBadGateway, 3, ErrServerError},
		{"not found is final", http.StatusNotFound, 1, ErrNotFound},
		{"forbidden is final", http.StatusForbidden, 1, ErrForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			opts := DefaultHTTPOptions()
			opts.RetryAttempts = 2
			opts.RetryBackoff = time.Millisecond
			opts.RetryMaxBackoff = 2 * time.Millisecond

			_, err := NewHTTPSource(opts).Fetch(context.Background(), server.URL)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
			if calls.Load() != tt.wantCalls {
				t.Errorf("expected %d calls, got %d", tt.wantCalls, calls.Load())
			}
		})
	}
}

func TestHTTPSource_RetryStopsOnCancel(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	opts := DefaultHTTPOptions()
	opts.RetryAttempts = 100
	opts.RetryBackoff = time.Hour
	opts.RetryMaxBackoff = time.Hour

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := NewHTTPSource(opts).Fetch(ctx, server.URL)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("retry ignored context cancellation")
	}
}

func TestFileSource(t *testing.T) {
	fs := afero.NewMemMapFs()
	if err := afero.WriteFile(fs, "/images/recovery.bin", []byte("payload"), 0644); err != nil {
		t.Fatal(err)
	}
	src := NewFileSource(fs)

	for _, u := range []string{"/images/recovery.bin", "file:///images/recovery.bin"} {
		s, err := src.Fetch(context.Background(), u)
		if err != nil {
			t.Fatalf("Fetch(%s): %v", u, err)
		}
		if s.Size != 7 {
			t.Errorf("Fetch(%s): size %d", u, s.Size)
		}
		if got := readAll(t, s); got != "payload" {
			t.Errorf("Fetch(%s): body %q", u, got)
		}
	}

	if _, err := src.Fetch(context.Background(), "/images/missing.bin"); err == nil {
		t.Error("expected error for missing file")
	}
	if _, err := src.Fetch(context.Background(), "/images"); err == nil {
		t.Error("expected error for directory")
	}
}

func TestRouter(t *testing.T) {
	var hit string
	stub := func(name string) Fetcher {
		return FetcherFunc(func(ctx context.Context, rawURL string) (*Stream, error) {
			hit = name
			return &Stream{Body: io.NopCloser(strings.NewReader("")), Size: 0}, nil
		})
	}

	r := NewRouter()
	r.Handle("https", stub("https"))
	r.Handle("s3", stub("s3"))
	r.Handle("file", stub("file"))

	tests := []struct {
		url  string
		want string
	}{
		{"https://dl.google.com/dl/edgedl/chromeos/recovery/recovery2.json", "https"},
		{"S3://bucket/key.bin", "s3"},
		{"/tmp/image.bin", "file"},
		{"file:///tmp/image.bin", "file"},
		{`C:\images\image.bin`, "file"},
	}
	for _, tt := range tests {
		hit = ""
		if _, err := r.Fetch(context.Background(), tt.url); err != nil {
			t.Errorf("Fetch(%s): %v", tt.url, err)
		}
		if hit != tt.want {
			t.Errorf("Fetch(%s) routed to %q, want %q", tt.url, hit, tt.want)
		}
	}

	if _, err := r.Fetch(context.Background(), "ftp://example.com/x"); !errors.Is(err, ErrUnsupportedScheme) {
		t.Errorf("expected ErrUnsupportedScheme, got %v", err)
	}
}

func TestParseS3URL(t *testing.T) {
	tests := []struct {
		url     string
		bucket  string
		key     string
		wantErr bool
	}{
		{"s3://images/recovery/board.bin", "images", "recovery/board.bin", false},
		{"s3://images/", "", "", true},
		{"s3:///key", "", "", true},
		{"https://images/key", "", "", true},
	}

	for _, tt := range tests {
		bucket, key, err := ParseS3URL(tt.url)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseS3URL(%s) error = %v, wantErr %v", tt.url, err, tt.wantErr)
			continue
		}
		if bucket != tt.bucket || key != tt.key {
			t.Errorf("ParseS3URL(%s) = %s, %s", tt.url, bucket, key)
		}
	}
}

type fakeS3 struct {
	input *s3.GetObjectInput
	body  string
	err   error
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.input = in
	if f.err != nil {
		return nil, f.err
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(strings.NewReader(f.body)),
		ContentLength: aws.Int64(int64(len(f.body))),
	}, nil
}

func TestS3Source_Fetch(t *testing.T) {
	fake := &fakeS3{body: "object"}
	src := &S3Source{client: fake, region: "us-east-1"}

	s, err := src.Fetch(context.Background(), "s3://images/recovery/board.bin")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if aws.ToString(fake.input.Bucket) != "images" || aws.ToString(fake.input.Key) != "recovery/board.bin" {
		t.Errorf("unexpected input: %s/%s", aws.ToString(fake.input.Bucket), aws.ToString(fake.input.Key))
	}
	if s.Size != 6 {
		t.Errorf("size = %d", s.Size)
	}
	if got := readAll(t, s); got != "object" {
		t.Errorf("body = %q", got)
	}

	fake.err = errors.New("NoSuchKey")
	if _, err := src.Fetch(context.Background(), "s3://images/missing.bin"); err == nil {
		t.Error("expected error from GetObject")
	}
}
