package relay

import (
	"archive/tar"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"gopkg.in/yaml.v3"
)

const (
	manifestFileName = "manifest.yaml"
	filesTarPrefix   = "files"
)

// collectFiles hashes every regular file under root (or root itself when it
// is a file) and returns manifest entries sorted by path.
func collectFiles(root string) ([]ManifestFile, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("stat %q: %w", root, err)
	}

	if !info.IsDir() {
		entry, err := hashFile(root, filepath.Base(root))
		if err != nil {
			return nil, err
		}
		return []ManifestFile{entry}, nil
	}

	var files []ManifestFile
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return fmt.Errorf("relative path for %q: %w", path, err)
		}
		entry, err := hashFile(path, filepath.ToSlash(rel))
		if err != nil {
			return err
		}
		files = append(files, entry)
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

func hashFile(path, rel string) (ManifestFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return ManifestFile{}, fmt.Errorf("open %q: %w", path, err)
	}
	defer f.Close()

	hash := sha256.New()
	size, err := io.Copy(hash, f)
	if err != nil {
		return ManifestFile{}, fmt.Errorf("hash %q: %w", path, err)
	}
	return ManifestFile{
		Path:   rel,
		Size:   size,
		SHA256: hex.EncodeToString(hash.Sum(nil)),
	}, nil
}

// writeBundle assembles the tar.zst bundle: the manifest first, then every
// listed file, all paths relative to srcRoot.
func writeBundle(w io.Writer, manifest *Manifest, srcRoot string) error {
	manifestBytes, err := yaml.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}

	encoder, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("zstd writer: %w", err)
	}

	tw := tar.NewWriter(encoder)

	header := &tar.Header{
		Name:     manifestFileName,
		Mode:     0o644,
		Size:     int64(len(manifestBytes)),
		ModTime:  manifest.CreatedAt,
		Typeflag: tar.TypeReg,
	}
	if err := tw.WriteHeader(header); err != nil {
		return fmt.Errorf("write manifest header: %w", err)
	}
	if _, err := tw.Write(manifestBytes); err != nil {
		return fmt.Errorf("write manifest body: %w", err)
	}

	srcIsDir := true
	if info, err := os.Stat(srcRoot); err == nil && !info.IsDir() {
		srcIsDir = false
	}

	for _, entry := range manifest.Files {
		fullPath := srcRoot
		if srcIsDir {
			fullPath = filepath.Join(srcRoot, filepath.FromSlash(entry.Path))
		}
		info, err := os.Stat(fullPath)
		if err != nil {
			return fmt.Errorf("stat %q: %w", entry.Path, err)
		}
		f, err := os.Open(fullPath)
		if err != nil {
			return fmt.Errorf("open %q: %w", entry.Path, err)
		}

		header := &tar.Header{
			Name:     filepath.ToSlash(filepath.Join(filesTarPrefix, entry.Path)),
			Mode:     int64(info.Mode().Perm()),
			Size:     info.Size(),
			ModTime:  info.ModTime(),
			Typeflag: tar.TypeReg,
		}
		if err := tw.WriteHeader(header); err != nil {
			f.Close()
			return fmt.Errorf("write header for %q: %w", entry.Path, err)
		}
		if _, err := io.Copy(tw, f); err != nil {
			f.Close()
			return fmt.Errorf("copy %q: %w", entry.Path, err)
		}
		f.Close()
	}

	if err := tw.Close(); err != nil {
		return err
	}
	return encoder.Close()
}

// readBundle extracts a bundle into destDir, returning its manifest. Entry
// paths are confined to destDir.
func readBundle(r io.Reader, destDir string) (*Manifest, error) {
	decoder, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("zstd reader: %w", err)
	}
	defer decoder.Close()

	tr := tar.NewReader(decoder)

	var manifestBytes []byte
	for {
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read bundle entry: %w", err)
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}

		name := filepath.Clean(header.Name)
		if name == manifestFileName {
			data, err := io.ReadAll(tr)
			if err != nil {
				return nil, fmt.Errorf("read manifest: %w", err)
			}
			manifestBytes = data
			continue
		}

		rel, ok := strings.CutPrefix(filepath.ToSlash(name), filesTarPrefix+"/")
		if !ok {
			return nil, fmt.Errorf("unexpected bundle entry %q", name)
		}
		target := filepath.Join(destDir, filepath.FromSlash(rel))
		if !strings.HasPrefix(target, filepath.Clean(destDir)+string(os.PathSeparator)) {
			return nil, fmt.Errorf("invalid entry path %q", name)
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return nil, fmt.Errorf("mkdir for %q: %w", name, err)
		}
		f, err := os.Create(target)
		if err != nil {
			return nil, fmt.Errorf("create %q: %w", target, err)
		}
		if _, err := io.Copy(f, tr); err != nil {
			f.Close()
			return nil, fmt.Errorf("write %q: %w", target, err)
		}
		f.Close()
	}

	if len(manifestBytes) == 0 {
		return nil, errors.New("bundle missing manifest.yaml")
	}

	var manifest Manifest
	if err := yaml.Unmarshal(manifestBytes, &manifest); err != nil {
		return nil, fmt.Errorf("unmarshal manifest: %w", err)
	}
	if manifest.Version != manifestVersion {
		return nil, fmt.Errorf("unsupported manifest version %q", manifest.Version)
	}
	return &manifest, nil
}

// verifyFiles re-hashes every restored file against the manifest.
func verifyFiles(manifest *Manifest, destDir string) error {
	for _, entry := range manifest.Files {
		path := filepath.Join(destDir, filepath.FromSlash(entry.Path))
		got, err := hashFile(path, entry.Path)
		if err != nil {
			return err
		}
		if got.Size != entry.Size {
			return fmt.Errorf("size mismatch for %q: expected %d got %d", entry.Path, entry.Size, got.Size)
		}
		if !strings.EqualFold(got.SHA256, entry.SHA256) {
			return fmt.Errorf("sha256 mismatch for %q", entry.Path)
		}
	}
	return nil
}

// defaultCreatedAt truncates to seconds so manifests round-trip through YAML
// byte-identically.
func defaultCreatedAt(now func() time.Time) time.Time {
	if now == nil {
		now = time.Now
	}
	return now().UTC().Truncate(time.Second)
}
