package relay

import (
	"time"

	"gopkg.in/yaml.v3"
)

// manifestVersion is bumped when the bundle layout changes.
const manifestVersion = "1"

// Manifest is the signed metadata travelling inside every relay bundle. It
// records the artifact's declared kind and the exact content of each file so
// a fetch can prove it restored what was stored.
type Manifest struct {
	Version          string         `yaml:"version"`
	Label            string         `yaml:"label"`
	Kind             string         `yaml:"kind"`
	CreatedAt        time.Time      `yaml:"created_at"`
	SigningPublicKey string         `yaml:"signing_public_key,omitempty"`
	Signature        string         `yaml:"signature,omitempty"`
	Files            []ManifestFile `yaml:"files"`
}

// ManifestFile describes a single file within the bundle.
type ManifestFile struct {
	Path   string `yaml:"path"`
	Size   int64  `yaml:"size"`
	SHA256 string `yaml:"sha256"`
}

// SigningBytes marshals the manifest without its signature for
// signing/verification.
func (m Manifest) SigningBytes() ([]byte, error) {
	clone := m
	clone.Signature = ""
	return yaml.Marshal(clone)
}
