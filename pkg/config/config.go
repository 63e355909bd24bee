// Package config holds the engine's process-wide configuration: a single
// read-only struct, populated once at startup from the environment,
// per the protocol's shared-resource policy that no configuration
// mutates after load. Grounded on the teacher's core/pkg/config/config.go
// os.Getenv-with-defaults pattern, generalized from the helm server's
// handful of settings to this engine's storage, proof backend, and
// observability knobs.
package config

import (
	"fmt"
	"os"
	"time"
)

// Config is the engine's process-wide configuration. Callers obtain one
// via Load and pass it explicitly to constructors; nothing in this tree
// reads it back out of a package-level variable.
type Config struct {
	// LogLevel is one of "debug", "info", "warn", "error".
	LogLevel string

	// PolicyStoreDSN is either "memory" or a sqlite DSN understood by
	// pkg/store.OpenSQLite.
	PolicyStoreDSN string

	// RegistryDSN is either "memory", a sqlite DSN, or a postgres DSN
	// (distinguished by the registry constructor the caller chooses).
	RegistryDSN string

	// BlobStoreBackend selects pkg/blobstore's filesystem, S3 or GCS
	// backend: "fs", "s3", or "gcs".
	BlobStoreBackend string
	BlobStoreRoot    string // used when BlobStoreBackend == "fs"
	BlobStoreBucket  string // used when BlobStoreBackend is "s3" or "gcs"

	// ProofBackend names the default proof.Backend ("mock" or
	// "simplified_zk") a producer uses when none is specified explicitly.
	ProofBackend string

	// KeyGraceWindow is how long a rotated signing key remains valid for
	// verification; Load defaults it to 72h. keystore's VerifySignature
	// applies its own keystore.GraceWindow constant (24h) and does not
	// read this field.
	KeyGraceWindow time.Duration

	// ShadowMode mirrors the teacher's SHADOW_MODE switch. Load reads it
	// from CAP_SHADOW_MODE; no package in this module reads it, and
	// policy.Compile takes each rule's Shadow flag from the source alone.
	ShadowMode bool
}

// Load reads Config from the environment, applying the same defaults a
// fresh checkout would need to run against local, ephemeral backends.
// It is a convenience constructor, not the only way to obtain a Config:
// tests and embedders may build one by hand.
func Load() (*Config, error) {
	cfg := &Config{
		LogLevel:         getenvDefault("CAP_LOG_LEVEL", "info"),
		PolicyStoreDSN:   getenvDefault("CAP_POLICY_STORE_DSN", "memory"),
		RegistryDSN:      getenvDefault("CAP_REGISTRY_DSN", "memory"),
		BlobStoreBackend: getenvDefault("CAP_BLOBSTORE_BACKEND", "fs"),
		BlobStoreRoot:    getenvDefault("CAP_BLOBSTORE_ROOT", "./data/blobs"),
		BlobStoreBucket:  os.Getenv("CAP_BLOBSTORE_BUCKET"),
		ProofBackend:     getenvDefault("CAP_PROOF_BACKEND", "mock"),
		ShadowMode:       os.Getenv("CAP_SHADOW_MODE") == "true",
	}

	grace := getenvDefault("CAP_KEY_GRACE_WINDOW", "72h")
	d, err := time.ParseDuration(grace)
	if err != nil {
		return nil, fmt.Errorf("config: CAP_KEY_GRACE_WINDOW: %w", err)
	}
	cfg.KeyGraceWindow = d

	switch cfg.BlobStoreBackend {
	case "fs", "s3", "gcs":
	default:
		return nil, fmt.Errorf("config: CAP_BLOBSTORE_BACKEND must be fs, s3 or gcs, got %q", cfg.BlobStoreBackend)
	}

	switch cfg.ProofBackend {
	case "mock", "simplified_zk":
	default:
		return nil, fmt.Errorf("config: CAP_PROOF_BACKEND must be mock or simplified_zk, got %q", cfg.ProofBackend)
	}

	return cfg, nil
}

func getenvDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
