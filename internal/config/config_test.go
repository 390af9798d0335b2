package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"API_ADDR", "ANNOREMOTE_MAX_UPLOAD_BYTES", "ANNOREMOTE_SNAPSHOT_TTL_SECONDS", "MINIO_ENDPOINT", "MINIO_USE_SSL"} {
		t.Setenv(key, "")
	}
	cfg := Load()
	if cfg.Addr != ":8787" {
		t.Errorf("Addr = %q", cfg.Addr)
	}
	if cfg.MaxUploadBytes != 64<<20 {
		t.Errorf("MaxUploadBytes = %d", cfg.MaxUploadBytes)
	}
	if cfg.SnapshotTTL != 10*time.Minute {
		t.Errorf("SnapshotTTL = %v", cfg.SnapshotTTL)
	}
	if cfg.MinioEndpoint != "" || cfg.MinioUseSSL {
		t.Errorf("minio should be disabled by default: %+v", cfg)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("ANNOREMOTE_MAX_UPLOAD_BYTES", "1024")
	t.Setenv("ANNOREMOTE_SNAPSHOT_TTL_SECONDS", "not-a-number")
	t.Setenv("MINIO_USE_SSL", "true")
	t.Setenv("ANNOREMOTE_TMP_DIR", "/var/tmp/annoremote")

	cfg := Load()
	if cfg.MaxUploadBytes != 1024 {
		t.Errorf("MaxUploadBytes = %d", cfg.MaxUploadBytes)
	}
	if cfg.SnapshotTTL != 10*time.Minute {
		t.Errorf("invalid ttl should fall back, got %v", cfg.SnapshotTTL)
	}
	if !cfg.MinioUseSSL || cfg.TmpDir != "/var/tmp/annoremote" {
		t.Errorf("unexpected config %+v", cfg)
	}
}
