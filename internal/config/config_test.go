package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.AttrTTL != 10*time.Second {
		t.Errorf("AttrTTL = %v, want 10s", cfg.AttrTTL)
	}
	if cfg.Backend != BackendGoFuse {
		t.Errorf("Backend = %q", cfg.Backend)
	}
	if cfg.Remote != RemoteSeafile {
		t.Errorf("Remote = %q", cfg.Remote)
	}
}

func TestApplyEnvLegacyNames(t *testing.T) {
	env := map[string]string{
		"SEAFILE_TEST_SERVER_ADDRESS": "https://seafile.example.com/",
		"SEAFILE_TEST_USERNAME":       "alice@example.com",
		"SEAFILE_TEST_PASSWORD":       "secret",
		"SEAFILE_TEST_MOUNT_POINT":    "/mnt/seafile",
		"SEAFUSE_ATTR_TTL":            "3s",
		"SEAFUSE_WORKERS":             "4",
		"SEAFUSE_LOG_FILE":            "/var/log/seafile-fuse.log",
	}
	cfg := Default()
	if err := cfg.ApplyEnv(func(k string) string { return env[k] }); err != nil {
		t.Fatalf("ApplyEnv: %v", err)
	}
	if cfg.Server != "https://seafile.example.com" {
		t.Errorf("Server = %q", cfg.Server)
	}
	if cfg.Username != "alice@example.com" || cfg.Password != "secret" {
		t.Errorf("credentials = %q/%q", cfg.Username, cfg.Password)
	}
	if cfg.MountPoint != "/mnt/seafile" {
		t.Errorf("MountPoint = %q", cfg.MountPoint)
	}
	if cfg.AttrTTL != 3*time.Second || cfg.Workers != 4 {
		t.Errorf("AttrTTL=%v Workers=%d", cfg.AttrTTL, cfg.Workers)
	}
	if cfg.LogFile != "/var/log/seafile-fuse.log" {
		t.Errorf("LogFile = %q", cfg.LogFile)
	}
}

func TestApplyEnvRejectsBadValue(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv(func(k string) string {
		if k == "SEAFUSE_WORKERS" {
			return "many"
		}
		return ""
	})
	if err == nil {
		t.Fatal("expected error for non-numeric workers")
	}
}

func TestLoadLayering(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "seafuse.yaml")
	yamlData := "server: https://file.example.com\nlibrary: repo-1\nattr_ttl: 30s\nworkers: 8\nmount_point: /from/file\n"
	if err := os.WriteFile(path, []byte(yamlData), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SEAFUSE_WORKERS", "2")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs)
	if err := fs.Parse([]string{"--config", path, "--mount-point", "/from/flag"}); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(fs)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server != "https://file.example.com" || cfg.Library != "repo-1" {
		t.Errorf("file layer not applied: %+v", cfg)
	}
	if cfg.AttrTTL != 30*time.Second {
		t.Errorf("AttrTTL = %v, want 30s", cfg.AttrTTL)
	}
	if cfg.Workers != 2 {
		t.Errorf("Workers = %d, want env value 2", cfg.Workers)
	}
	if cfg.MountPoint != "/from/flag" {
		t.Errorf("MountPoint = %q, want flag value", cfg.MountPoint)
	}
	if cfg.ConfigFile != path {
		t.Errorf("ConfigFile = %q", cfg.ConfigFile)
	}
}

func TestMountOptions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "seafuse.yaml")
	if err := os.WriteFile(path, []byte("mount_options: [ro]\n"), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SEAFUSE_CONFIG", path)

	load := func(args ...string) *Config {
		t.Helper()
		fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
		RegisterFlags(fs)
		if err := fs.Parse(args); err != nil {
			t.Fatal(err)
		}
		cfg, err := Load(fs)
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		return cfg
	}
	equal := func(got []string, want ...string) bool {
		if len(got) != len(want) {
			return false
		}
		for i := range got {
			if got[i] != want[i] {
				return false
			}
		}
		return true
	}

	if cfg := load(); !equal(cfg.MountOptions, "ro") {
		t.Errorf("file layer: MountOptions = %q", cfg.MountOptions)
	}

	t.Setenv("SEAFUSE_MOUNT_OPTIONS", "default_permissions, ro,")
	if cfg := load(); !equal(cfg.MountOptions, "default_permissions", "ro") {
		t.Errorf("env layer: MountOptions = %q", cfg.MountOptions)
	}

	cfg := load("-o", "uid=1000,gid=1000", "--options", "noatime")
	if !equal(cfg.MountOptions, "uid=1000", "gid=1000", "noatime") {
		t.Errorf("flag layer: MountOptions = %q", cfg.MountOptions)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Default()
		cfg.Server = "https://seafile.example.com"
		cfg.MountPoint = "/mnt"
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(*Config) {}, false},
		{"no mount point", func(c *Config) { c.MountPoint = "" }, true},
		{"no server", func(c *Config) { c.Server = "" }, true},
		{"memory needs no server", func(c *Config) { c.Server = ""; c.Remote = RemoteMemory }, false},
		{"bad backend", func(c *Config) { c.Backend = "nfs" }, true},
		{"zero workers", func(c *Config) { c.Workers = 0 }, true},
		{"tiny blocks", func(c *Config) { c.BlockSize = 1024 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
