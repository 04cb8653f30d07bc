package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"packline/services/builder"
)

// memObjectStore keeps bundles in memory for tests.
type memObjectStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemObjectStore() *memObjectStore {
	return &memObjectStore{objects: map[string][]byte{}}
}

func (m *memObjectStore) PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, sha256 string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if int64(len(data)) != size {
		return fmt.Errorf("size mismatch: declared %d, read %d", size, len(data))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[bucket+"/"+key] = data
	return nil
}

func (m *memObjectStore) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[bucket+"/"+key]
	if !ok {
		return nil, fmt.Errorf("object %s/%s not found", bucket, key)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// newFakeRegistry serves the relay metadata API from memory, honoring
// expiry the way relayd does.
func newFakeRegistry(t *testing.T) *httptest.Server {
	t.Helper()

	var mu sync.Mutex
	records := map[string]Record{}

	r := chi.NewRouter()
	r.Post("/v1/artifacts", func(w http.ResponseWriter, req *http.Request) {
		var rec Record
		if err := json.NewDecoder(req.Body).Decode(&rec); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		rec.Bucket = "relay-test"
		rec.Key = "bundles/" + rec.Label + ".tar.zst"
		if rec.ExpiresAt.IsZero() {
			rec.ExpiresAt = time.Now().Add(time.Hour)
		}
		mu.Lock()
		records[rec.Label] = rec
		mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(rec)
	})
	r.Get("/v1/artifacts/{label}", func(w http.ResponseWriter, req *http.Request) {
		mu.Lock()
		rec, ok := records[chi.URLParam(req, "label")]
		mu.Unlock()
		if !ok {
			http.Error(w, "unknown label", http.StatusNotFound)
			return
		}
		if time.Now().After(rec.ExpiresAt) {
			http.Error(w, "retention window elapsed", http.StatusGone)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(rec)
	})

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func testSigner(t *testing.T) *Signer {
	t.Helper()
	seed := bytes.Repeat([]byte{0x42}, 32)
	s, err := NewSigner(seed)
	if err != nil {
		t.Fatalf("NewSigner() error: %v", err)
	}
	return s
}

func newTestClient(t *testing.T) (*Client, *memObjectStore) {
	t.Helper()
	store := newMemObjectStore()
	srv := newFakeRegistry(t)
	return &Client{
		Objects:  store,
		Registry: &Registry{BaseURL: srv.URL, HTTPClient: srv.Client()},
		Signer:   testSigner(t),
	}, store
}

func writeArtifactDir(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, contents := range files {
		path := filepath.Join(dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func TestStoreFetchRoundTrip(t *testing.T) {
	client, _ := newTestClient(t)
	srcDir := writeArtifactDir(t, map[string]string{
		"oq-engine.src.rpm": "source package bytes",
		"logs/build.log":    "build output",
		"checksums/sha256":  "abc123",
	})

	artifact := builder.Artifact{Kind: builder.KindSource, Path: srcDir}
	id, err := client.Store(context.Background(), "oq-engine-src", artifact)
	if err != nil {
		t.Fatalf("Store() error: %v", err)
	}
	if id != "oq-engine-src" {
		t.Fatalf("Store() id = %q", id)
	}

	destDir := t.TempDir()
	restored, err := client.Fetch(context.Background(), id, destDir)
	if err != nil {
		t.Fatalf("Fetch() error: %v", err)
	}
	if restored.Kind != builder.KindSource {
		t.Fatalf("restored kind = %q, want %q", restored.Kind, builder.KindSource)
	}

	for _, rel := range []string{"oq-engine.src.rpm", "logs/build.log", "checksums/sha256"} {
		want, err := os.ReadFile(filepath.Join(srcDir, filepath.FromSlash(rel)))
		if err != nil {
			t.Fatal(err)
		}
		got, err := os.ReadFile(filepath.Join(destDir, filepath.FromSlash(rel)))
		if err != nil {
			t.Fatalf("restored file %q missing: %v", rel, err)
		}
		if !bytes.Equal(want, got) {
			t.Fatalf("restored file %q differs", rel)
		}
	}
}

func TestStoreZeroFilesFails(t *testing.T) {
	client, _ := newTestClient(t)
	emptyDir := t.TempDir()

	_, err := client.Store(context.Background(), "empty", builder.Artifact{
		Kind: builder.KindBinary,
		Path: emptyDir,
	})
	if err == nil {
		t.Fatal("Store() must fail for zero files")
	}
	if !strings.Contains(err.Error(), "no files") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestFetchUnknownLabelIsNotFound(t *testing.T) {
	client, _ := newTestClient(t)

	_, err := client.Fetch(context.Background(), "never-stored", t.TempDir())
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Fetch() error = %v, want ErrNotFound", err)
	}
}

func TestFetchExpiredLabelIsExpired(t *testing.T) {
	store := newMemObjectStore()

	var mu sync.Mutex
	records := map[string]Record{}
	r := chi.NewRouter()
	r.Post("/v1/artifacts", func(w http.ResponseWriter, req *http.Request) {
		var rec Record
		_ = json.NewDecoder(req.Body).Decode(&rec)
		rec.Bucket = "relay-test"
		rec.Key = "bundles/" + rec.Label
		rec.ExpiresAt = time.Now().Add(-time.Minute)
		mu.Lock()
		records[rec.Label] = rec
		mu.Unlock()
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(rec)
	})
	r.Get("/v1/artifacts/{label}", func(w http.ResponseWriter, req *http.Request) {
		mu.Lock()
		rec, ok := records[chi.URLParam(req, "label")]
		mu.Unlock()
		if !ok {
			http.Error(w, "unknown label", http.StatusNotFound)
			return
		}
		if time.Now().After(rec.ExpiresAt) {
			http.Error(w, "retention window elapsed", http.StatusGone)
			return
		}
		_ = json.NewEncoder(w).Encode(rec)
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	client := &Client{
		Objects:  store,
		Registry: &Registry{BaseURL: srv.URL, HTTPClient: srv.Client()},
		Signer:   testSigner(t),
	}

	srcDir := writeArtifactDir(t, map[string]string{"pkg.rpm": "bytes"})
	id, err := client.Store(context.Background(), "short-lived", builder.Artifact{
		Kind: builder.KindBinary,
		Path: srcDir,
	})
	if err != nil {
		t.Fatalf("Store() error: %v", err)
	}

	_, err = client.Fetch(context.Background(), id, t.TempDir())
	if !errors.Is(err, ErrExpired) {
		t.Fatalf("Fetch() error = %v, want ErrExpired", err)
	}
}

func TestFetchDetectsTamperedBundle(t *testing.T) {
	client, store := newTestClient(t)
	srcDir := writeArtifactDir(t, map[string]string{"pkg.rpm": "original bytes"})

	id, err := client.Store(context.Background(), "tampered", builder.Artifact{
		Kind: builder.KindBinary,
		Path: srcDir,
	})
	if err != nil {
		t.Fatalf("Store() error: %v", err)
	}

	store.mu.Lock()
	for key, data := range store.objects {
		flipped := append([]byte{}, data...)
		flipped[len(flipped)-1] ^= 0xff
		store.objects[key] = flipped
	}
	store.mu.Unlock()

	if _, err := client.Fetch(context.Background(), id, t.TempDir()); err == nil {
		t.Fatal("Fetch() must reject a tampered bundle")
	}
}

func TestSingleFileArtifactRoundTrip(t *testing.T) {
	client, _ := newTestClient(t)
	srcDir := writeArtifactDir(t, map[string]string{"oq-engine.src.rpm": "just one file"})
	srcFile := filepath.Join(srcDir, "oq-engine.src.rpm")

	id, err := client.Store(context.Background(), "single", builder.Artifact{
		Kind: builder.KindSource,
		Path: srcFile,
	})
	if err != nil {
		t.Fatalf("Store() error: %v", err)
	}

	destDir := t.TempDir()
	restored, err := client.Fetch(context.Background(), id, destDir)
	if err != nil {
		t.Fatalf("Fetch() error: %v", err)
	}
	if len(restored.Files) != 1 {
		t.Fatalf("restored %d files, want 1", len(restored.Files))
	}
	data, err := os.ReadFile(filepath.Join(destDir, "oq-engine.src.rpm"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "just one file" {
		t.Fatalf("restored contents = %q", data)
	}
}
