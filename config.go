package ktaudit

import (
	"crypto/ed25519"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Defaults for the optional configuration surface.
const (
	DefaultBatchSize         = 1000
	DefaultInterval          = time.Minute
	DefaultSignatureInterval = time.Hour
	DefaultSignaturePageSize = 1_000_000
)

// maxBatchSize is the largest page size the key transparency service
// accepts for an audit request.
const maxBatchSize = 1000

// Config holds the auditor's validated runtime configuration.
type Config struct {
	// PrivateKey signs tree heads and the persisted state.
	PrivateKey ed25519.PrivateKey
	// PublicKey is embedded in the tree head payload and verifies the
	// persisted state's self-signature.
	PublicKey ed25519.PublicKey
	// KTSigningPublicKey is the key transparency service's signing key,
	// embedded in the tree head payload.
	KTSigningPublicKey ed25519.PublicKey
	// KTVRFPublicKey is the key transparency service's VRF key, embedded in
	// the tree head payload.
	KTVRFPublicKey ed25519.PublicKey
	// BatchSize is the page size for audit requests, in [1, 1000].
	BatchSize uint64
	// Interval is the tick period of the audit loop.
	Interval time.Duration
	// SignatureInterval is the elapsed-time trigger for signing a tree
	// head.
	SignatureInterval time.Duration
	// SignaturePageSize is the update-count trigger for signing a tree
	// head.
	SignaturePageSize uint64
}

// FileConfig is the YAML configuration file layout.
type FileConfig struct {
	Auditor struct {
		PrivateKey         string `yaml:"private_key"`
		PublicKey          string `yaml:"public_key"`
		KTSigningPublicKey string `yaml:"kt_signing_public_key"`
		KTVRFPublicKey     string `yaml:"kt_vrf_public_key"`
		BatchSize          uint64 `yaml:"batch_size"`
		Interval           string `yaml:"interval"`
		Signature          struct {
			Interval string `yaml:"interval"`
			PageSize uint64 `yaml:"page_size"`
		} `yaml:"signature"`
	} `yaml:"auditor"`
	Service struct {
		URL string `yaml:"url"`
	} `yaml:"service"`
	Storage struct {
		File struct {
			Name string `yaml:"name"`
		} `yaml:"file"`
		SQLite struct {
			DSN string `yaml:"dsn"`
		} `yaml:"sqlite"`
	} `yaml:"storage"`
}

// LoadFileConfig reads and parses the YAML configuration file at path.
func LoadFileConfig(path string) (*FileConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var fc FileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &fc, nil
}

// AuditorConfig decodes the key material and applies defaults, returning
// the validated runtime configuration.
func (fc *FileConfig) AuditorConfig() (Config, error) {
	var cfg Config
	var err error

	if cfg.PrivateKey, err = ParseEd25519PrivateKey(fc.Auditor.PrivateKey); err != nil {
		return Config{}, fmt.Errorf("auditor.private_key: %w", err)
	}
	if cfg.PublicKey, err = ParseEd25519PublicKey(fc.Auditor.PublicKey); err != nil {
		return Config{}, fmt.Errorf("auditor.public_key: %w", err)
	}
	if cfg.KTSigningPublicKey, err = ParseEd25519PublicKey(fc.Auditor.KTSigningPublicKey); err != nil {
		return Config{}, fmt.Errorf("auditor.kt_signing_public_key: %w", err)
	}
	if cfg.KTVRFPublicKey, err = ParseEd25519PublicKey(fc.Auditor.KTVRFPublicKey); err != nil {
		return Config{}, fmt.Errorf("auditor.kt_vrf_public_key: %w", err)
	}

	cfg.BatchSize = fc.Auditor.BatchSize
	if cfg.BatchSize == 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.BatchSize > maxBatchSize {
		return Config{}, fmt.Errorf("auditor.batch_size must be in [1, %d], got %d", maxBatchSize, cfg.BatchSize)
	}

	if cfg.Interval, err = durationOrDefault(fc.Auditor.Interval, DefaultInterval); err != nil {
		return Config{}, fmt.Errorf("auditor.interval: %w", err)
	}
	if cfg.SignatureInterval, err = durationOrDefault(fc.Auditor.Signature.Interval, DefaultSignatureInterval); err != nil {
		return Config{}, fmt.Errorf("auditor.signature.interval: %w", err)
	}
	cfg.SignaturePageSize = fc.Auditor.Signature.PageSize
	if cfg.SignaturePageSize == 0 {
		cfg.SignaturePageSize = DefaultSignaturePageSize
	}

	return cfg, nil
}

// OpenStateRepository opens the configured storage backend. Exactly one of
// storage.file.name and storage.sqlite.dsn must be set.
func (fc *FileConfig) OpenStateRepository() (StateRepository, error) {
	fileName := fc.Storage.File.Name
	dsn := fc.Storage.SQLite.DSN

	switch {
	case fileName != "" && dsn != "":
		return nil, errors.New("exactly one storage backend must be configured, got both file and sqlite")
	case fileName != "":
		return NewFileStateRepository(fileName), nil
	case dsn != "":
		return OpenSQLiteStateRepository(dsn)
	default:
		return nil, errors.New("no storage backend configured")
	}
}

func durationOrDefault(value string, fallback time.Duration) (time.Duration, error) {
	if value == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("duration must be positive, got %v", d)
	}
	return d, nil
}

// ParseEd25519PrivateKey decodes a base64, PKCS#8 encoded Ed25519 private
// key.
func ParseEd25519PrivateKey(encoded string) (ed25519.PrivateKey, error) {
	der, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode base64: %w", err)
	}
	key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse PKCS#8: %w", err)
	}
	priv, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("expected an Ed25519 private key, got %T", key)
	}
	return priv, nil
}

// ParseEd25519PublicKey decodes a base64, X.509 encoded Ed25519 public key.
// The parsed key is the raw 32-byte value found in the trailing bytes of the
// X.509 encoding.
func ParseEd25519PublicKey(encoded string) (ed25519.PublicKey, error) {
	der, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode base64: %w", err)
	}
	key, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse X.509: %w", err)
	}
	pub, ok := key.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("expected an Ed25519 public key, got %T", key)
	}
	return pub, nil
}
