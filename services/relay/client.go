// Package relay persists build artifacts between pipeline stages. Stages
// run as isolated jobs, possibly on different machines, so the relay is the
// only hand-off path: store uploads a signed tar.zst bundle to the object
// store and registers it under a label with the relay service; fetch looks
// the label up, downloads the bundle and restores the exact bytes and the
// artifact's declared kind.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"packline/services/builder"
)

var (
	// ErrNotFound reports a label the relay has never seen.
	ErrNotFound = errors.New("relay: artifact not found")
	// ErrExpired reports a label whose retention window has passed. It is a
	// fatal, reported condition, never an empty success.
	ErrExpired = errors.New("relay: artifact expired")
)

// ObjectStore is the byte-storage half of the relay. *s3.Client satisfies it.
type ObjectStore interface {
	PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, sha256 string) error
	GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, error)
}

// Record is the relay service's metadata for one stored artifact.
type Record struct {
	Label     string    `json:"label"`
	Kind      string    `json:"kind"`
	SHA256    string    `json:"sha256"`
	Size      int64     `json:"size"`
	Bucket    string    `json:"bucket"`
	Key       string    `json:"key"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Registry talks to the relay service's metadata API.
type Registry struct {
	BaseURL    string
	HTTPClient *http.Client
}

func (r *Registry) client() *http.Client {
	if r.HTTPClient != nil {
		return r.HTTPClient
	}
	return &http.Client{Timeout: 30 * time.Second}
}

// Register records a new artifact and returns where to upload its bundle.
func (r *Registry) Register(ctx context.Context, rec Record) (Record, error) {
	payload, err := json.Marshal(rec)
	if err != nil {
		return Record{}, fmt.Errorf("marshal register request: %w", err)
	}

	url := strings.TrimRight(r.BaseURL, "/") + "/v1/artifacts"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return Record{}, fmt.Errorf("create register request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client().Do(req)
	if err != nil {
		return Record{}, fmt.Errorf("register artifact: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		data, _ := io.ReadAll(resp.Body)
		return Record{}, fmt.Errorf("register artifact %q: %s", rec.Label, strings.TrimSpace(string(data)))
	}

	var registered Record
	if err := json.NewDecoder(resp.Body).Decode(&registered); err != nil {
		return Record{}, fmt.Errorf("decode register response: %w", err)
	}
	if registered.Bucket == "" || registered.Key == "" {
		return Record{}, errors.New("register response missing object location")
	}
	return registered, nil
}

// Lookup resolves a label into its metadata record. Unknown labels map to
// ErrNotFound and expired ones to ErrExpired.
func (r *Registry) Lookup(ctx context.Context, label string) (Record, error) {
	url := strings.TrimRight(r.BaseURL, "/") + "/v1/artifacts/" + label
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Record{}, fmt.Errorf("create lookup request: %w", err)
	}

	resp, err := r.client().Do(req)
	if err != nil {
		return Record{}, fmt.Errorf("lookup artifact: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return Record{}, fmt.Errorf("%w: %q", ErrNotFound, label)
	case http.StatusGone:
		return Record{}, fmt.Errorf("%w: %q", ErrExpired, label)
	default:
		data, _ := io.ReadAll(resp.Body)
		return Record{}, fmt.Errorf("lookup artifact %q: %s", label, strings.TrimSpace(string(data)))
	}

	var rec Record
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		return Record{}, fmt.Errorf("decode lookup response: %w", err)
	}
	return rec, nil
}

// Client is the stage-facing relay API.
type Client struct {
	Objects  ObjectStore
	Registry *Registry
	Signer   *Signer
	Now      func() time.Time
}

// Restored is the result of a fetch: the artifact's declared kind and the
// directory its files were written to.
type Restored struct {
	Label string
	Kind  builder.ArtifactKind
	Dir   string
	Files []ManifestFile
}

// Store bundles the artifact's files, uploads the bundle and registers it
// under label. Storing zero files is an immediate failure, not a warning.
func (c *Client) Store(ctx context.Context, label string, artifact builder.Artifact) (string, error) {
	if c.Objects == nil || c.Registry == nil || c.Signer == nil {
		return "", errors.New("relay: object store, registry and signer are required")
	}
	if label == "" {
		return "", errors.New("relay: label is required")
	}

	files, err := collectFiles(artifact.Path)
	if err != nil {
		return "", err
	}
	if len(files) == 0 {
		return "", fmt.Errorf("relay: no files to store for %q", label)
	}

	manifest := &Manifest{
		Version:          manifestVersion,
		Label:            label,
		Kind:             string(artifact.Kind),
		CreatedAt:        defaultCreatedAt(c.Now),
		SigningPublicKey: c.Signer.PublicKeyBase64(),
		Files:            files,
	}

	payload, err := manifest.SigningBytes()
	if err != nil {
		return "", fmt.Errorf("marshal manifest for signing: %w", err)
	}
	sig, err := c.Signer.Sign(payload)
	if err != nil {
		return "", fmt.Errorf("sign manifest: %w", err)
	}
	manifest.Signature = sig

	bundle, err := os.CreateTemp("", "relay-bundle-*.tar.zst")
	if err != nil {
		return "", fmt.Errorf("temp bundle: %w", err)
	}
	defer os.Remove(bundle.Name())
	defer bundle.Close()

	if err := writeBundle(bundle, manifest, artifact.Path); err != nil {
		return "", err
	}
	if _, err := bundle.Seek(0, io.SeekStart); err != nil {
		return "", err
	}

	bundleInfo, err := hashFile(bundle.Name(), "bundle")
	if err != nil {
		return "", err
	}

	rec, err := c.Registry.Register(ctx, Record{
		Label:  label,
		Kind:   string(artifact.Kind),
		SHA256: bundleInfo.SHA256,
		Size:   bundleInfo.Size,
	})
	if err != nil {
		return "", err
	}

	if err := c.Objects.PutObject(ctx, rec.Bucket, rec.Key, bundle, bundleInfo.Size, bundleInfo.SHA256); err != nil {
		return "", fmt.Errorf("upload bundle %q: %w", label, err)
	}

	return label, nil
}

// Fetch restores the labelled artifact into destDir, verifying the bundle
// hash, the manifest signature and every file's content hash.
func (c *Client) Fetch(ctx context.Context, label, destDir string) (Restored, error) {
	if c.Objects == nil || c.Registry == nil || c.Signer == nil {
		return Restored{}, errors.New("relay: object store, registry and signer are required")
	}

	rec, err := c.Registry.Lookup(ctx, label)
	if err != nil {
		return Restored{}, err
	}

	body, err := c.Objects.GetObject(ctx, rec.Bucket, rec.Key)
	if err != nil {
		return Restored{}, fmt.Errorf("download bundle %q: %w", label, err)
	}
	defer body.Close()

	tmp, err := os.CreateTemp("", "relay-fetch-*.tar.zst")
	if err != nil {
		return Restored{}, fmt.Errorf("temp bundle: %w", err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	if _, err := io.Copy(tmp, body); err != nil {
		return Restored{}, fmt.Errorf("download bundle %q: %w", label, err)
	}

	got, err := hashFile(tmp.Name(), "bundle")
	if err != nil {
		return Restored{}, err
	}
	if !strings.EqualFold(got.SHA256, rec.SHA256) {
		return Restored{}, fmt.Errorf("relay: bundle hash mismatch for %q", label)
	}

	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return Restored{}, err
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return Restored{}, fmt.Errorf("create dest dir: %w", err)
	}

	manifest, err := readBundle(tmp, destDir)
	if err != nil {
		return Restored{}, err
	}
	if manifest.Signature == "" {
		return Restored{}, fmt.Errorf("relay: manifest for %q is unsigned", label)
	}

	payload, err := manifest.SigningBytes()
	if err != nil {
		return Restored{}, fmt.Errorf("marshal manifest for verification: %w", err)
	}
	if err := c.Signer.Verify(payload, manifest.Signature, manifest.SigningPublicKey); err != nil {
		return Restored{}, fmt.Errorf("verify manifest for %q: %w", label, err)
	}
	if err := verifyFiles(manifest, destDir); err != nil {
		return Restored{}, err
	}

	return Restored{
		Label: label,
		Kind:  builder.ArtifactKind(manifest.Kind),
		Dir:   destDir,
		Files: manifest.Files,
	}, nil
}
