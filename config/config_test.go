package config

import (
	"flag"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func withArgs(t *testing.T, args ...string) {
	t.Helper()
	oldArgs := os.Args
	oldFlag := flag.CommandLine
	t.Cleanup(func() {
		os.Args = oldArgs
		flag.CommandLine = oldFlag
	})
	flag.CommandLine = flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	os.Args = append([]string{"cmd"}, args...)
}

func validConfig() *Config {
	cfg := defaults()
	cfg.Extensions = []string{"txt"}
	cfg.Actor = "alice"
	return cfg
}

func TestParseCommaSeparated(t *testing.T) {
	res := parseCommaSeparated("a,b , c")
	if len(res) != 3 || res[1] != "b" {
		t.Fatalf("unexpected result: %v", res)
	}
	if res := parseCommaSeparated(""); len(res) != 0 {
		t.Fatalf("expected empty slice")
	}
}

func TestParseHeaders(t *testing.T) {
	res := parseHeaders("Authorization=Bearer x=y, Env = prod ,broken,=novalue")
	if len(res) != 2 {
		t.Fatalf("unexpected headers: %v", res)
	}
	if res["Authorization"] != "Bearer x=y" || res["Env"] != "prod" {
		t.Fatalf("unexpected headers: %v", res)
	}
}

func TestLoadFromFileJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.json")
	if err := os.WriteFile(path, []byte(`{"roots":["/tmp"],"extensions":["jpg"],"hash":true,"otel_timeout":2000000000}`), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg := defaults()
	if err := cfg.loadFromFile(path); err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Roots[0] != "/tmp" || cfg.Extensions[0] != "jpg" || !cfg.Hash {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
	if cfg.OtelTimeout != 2*time.Second {
		t.Fatalf("unexpected otel timeout: %v", cfg.OtelTimeout)
	}
	if cfg.EmitEvery != 500 {
		t.Fatalf("expected defaults to survive, got emit_every %d", cfg.EmitEvery)
	}
}

func TestLoadFromFileYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.yaml")
	data := "roots:\n  - /srv/share\nextensions: [pdf, docx]\nstore_driver: mysql\nstrategy: keep_newest\ndiag_slow_scan_threshold: 30s\n"
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg := defaults()
	if err := cfg.loadFromFile(path); err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Extensions) != 2 || cfg.Extensions[1] != "docx" {
		t.Fatalf("unexpected extensions: %v", cfg.Extensions)
	}
	if cfg.StoreDriver != "mysql" || cfg.Strategy != "keep_newest" {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
	if cfg.DiagSlowScanThreshold != 30*time.Second {
		t.Fatalf("unexpected threshold: %v", cfg.DiagSlowScanThreshold)
	}
}

func TestLoadFromFileInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.json")
	if err := os.WriteFile(path, []byte(`{"roots":`), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := defaults().loadFromFile(path); err == nil {
		t.Fatal("expected parse error")
	}
	if err := defaults().loadFromFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected read error")
	}
}

func TestValidate(t *testing.T) {
	if err := validConfig().validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cases := map[string]func(*Config){
		"action":           func(c *Config) { c.Action = "purge" },
		"scan without ext": func(c *Config) { c.Extensions = nil },
		"status without id": func(c *Config) {
			c.Action = "status"
		},
		"confirm without id": func(c *Config) {
			c.Action = "confirm"
		},
		"mark without actor": func(c *Config) {
			c.Action = "mark"
			c.Actor = ""
		},
		"format":         func(c *Config) { c.OutputFormat = "xml" },
		"emit every":     func(c *Config) { c.EmitEvery = 0 },
		"concurrency":    func(c *Config) { c.MaxConcurrency = 0 },
		"max io":         func(c *Config) { c.MaxIOPerSecond = -1 },
		"hash algorithm": func(c *Config) { c.HashAlgorithm = "crc32" },
		"store driver":   func(c *Config) { c.StoreDriver = "postgres" },
		"store dsn":      func(c *Config) { c.StoreDSN = "" },
		"bus driver":     func(c *Config) { c.BusDriver = "nats" },
		"redis addr": func(c *Config) {
			c.BusDriver = "redis"
			c.RedisAddr = ""
		},
		"strategy":       func(c *Config) { c.Strategy = "keep_largest" },
		"method":         func(c *Config) { c.Method = "similar" },
		"deletion state": func(c *Config) { c.DeletionStatus = "archived" },
		"min size":       func(c *Config) { c.MinSize = -1 },
		"otel endpoint":  func(c *Config) { c.OtelEndpoint = "collector:4318" },
		"trace endpoint": func(c *Config) { c.TraceEndpoint = "collector:4318" },
		"log level":      func(c *Config) { c.LogLevel = "verbose" },
	}
	for name, mutate := range cases {
		cfg := validConfig()
		mutate(cfg)
		if err := cfg.validate(); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}

	cfg := validConfig()
	cfg.StoreDriver = "memory"
	cfg.StoreDSN = ""
	if err := cfg.validate(); err != nil {
		t.Fatalf("memory store needs no dsn: %v", err)
	}
}

func TestDefaults(t *testing.T) {
	withArgs(t, "--ext", "jpg")
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Action != "scan" || cfg.StoreDriver != "sqlite" || cfg.BusDriver != "memory" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.EmitEvery != 500 || cfg.HashAlgorithm != "sha256" || cfg.OutputFileName != "-" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if len(cfg.Roots) != 1 || cfg.Roots[0] != "." {
		t.Fatalf("unexpected roots: %v", cfg.Roots)
	}
}

func TestPositionalAction(t *testing.T) {
	withArgs(t, "--method", "HASH", "--min-size", "1024", "duplicates")
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Action != "duplicates" || cfg.Method != "hash" || cfg.MinSize != 1024 {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
}

func TestScanFlags(t *testing.T) {
	withArgs(t,
		"--path", "/a, /b",
		"--ext", "JPG,png",
		"--exclude", "*.tmp",
		"--concurrency", "3",
		"--emit-every", "10",
		"--hash",
		"--hash-algorithm", "BLAKE3",
		"--prune",
		"--store", "memory",
	)
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Roots) != 2 || cfg.Roots[1] != "/b" {
		t.Fatalf("unexpected roots: %v", cfg.Roots)
	}
	if cfg.Extensions[0] != "JPG" || cfg.ExcludePatterns[0] != "*.tmp" {
		t.Fatalf("unexpected filters: %+v", cfg)
	}
	if cfg.MaxConcurrency != 3 || cfg.EmitEvery != 10 {
		t.Fatalf("unexpected pool settings: %+v", cfg)
	}
	if !cfg.Hash || cfg.HashAlgorithm != "blake3" || !cfg.Prune || cfg.StoreDriver != "memory" {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
}

func TestFlagsOverrideConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.yml")
	if err := os.WriteFile(path, []byte("extensions: [mp4]\nlimit: 5\nbus_driver: redis\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	withArgs(t, "--config", path, "--limit", "7")
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Limit != 7 {
		t.Fatalf("expected flag to win, got limit %d", cfg.Limit)
	}
	if cfg.Extensions[0] != "mp4" || cfg.BusDriver != "redis" {
		t.Fatalf("expected file values, got %+v", cfg)
	}
}

func TestEnvFallbacks(t *testing.T) {
	t.Setenv(EnvMySQLDSN, "janitor:secret@tcp(db:3306)/janitor")
	t.Setenv(EnvRedisPassword, "hunter2")
	withArgs(t, "--store", "mysql", "--bus", "redis", "stats")
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.StoreDSN != "janitor:secret@tcp(db:3306)/janitor" {
		t.Fatalf("unexpected dsn: %s", cfg.StoreDSN)
	}
	if cfg.RedisPassword != "hunter2" {
		t.Fatalf("unexpected redis password: %q", cfg.RedisPassword)
	}
}

func TestExplicitDSNBeatsEnv(t *testing.T) {
	t.Setenv(EnvMySQLDSN, "from-env")
	withArgs(t, "--store", "mysql", "--store-dsn", "from-flag", "stats")
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.StoreDSN != "from-flag" {
		t.Fatalf("unexpected dsn: %s", cfg.StoreDSN)
	}
}

func TestConfirmFlags(t *testing.T) {
	withArgs(t, "--deletion-id", " abc ", "--confirm", "--actor", "bob", "--allowed-roots", "/mnt/nas,/srv", "confirm")
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DeletionID != "abc" || !cfg.Confirm || cfg.Actor != "bob" {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
	if len(cfg.AllowedRoots) != 2 || cfg.AllowedRoots[1] != "/srv" {
		t.Fatalf("unexpected allowed roots: %v", cfg.AllowedRoots)
	}
}

func TestConfirmIgnoredInConfigFile(t *testing.T) {
	dir := t.TempDir()
	jsonPath := filepath.Join(dir, "cfg.json")
	yamlPath := filepath.Join(dir, "cfg.yaml")
	if err := os.WriteFile(jsonPath, []byte(`{"confirm":true,"actor":"ops"}`), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.WriteFile(yamlPath, []byte("confirm: true\nactor: ops\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	for _, path := range []string{jsonPath, yamlPath} {
		cfg := defaults()
		if err := cfg.loadFromFile(path); err != nil {
			t.Fatalf("load %s: %v", path, err)
		}
		if cfg.Confirm {
			t.Fatalf("%s: confirm must come from the command line", path)
		}
		if cfg.Actor != "ops" {
			t.Fatalf("%s: expected other fields to load, got actor %q", path, cfg.Actor)
		}
	}

	withArgs(t, "--config", yamlPath, "--deletion-id", "abc", "confirm")
	if cfg, err := LoadConfig(); err == nil && cfg.Confirm {
		t.Fatal("a config file must not grant consent")
	}
}

func TestTraceFlightFlags(t *testing.T) {
	withArgs(t,
		"--ext", "txt",
		"--trace-flight",
		"--trace-flight-file", "trace.out",
		"--trace-flight-max-bytes", "2048",
		"--trace-flight-min-age", "5s",
	)
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.TraceFlight {
		t.Fatal("expected trace flight enabled")
	}
	if cfg.TraceFlightFile != "trace.out" {
		t.Fatalf("unexpected trace flight file: %s", cfg.TraceFlightFile)
	}
	if cfg.TraceFlightMaxBytes != 2048 {
		t.Fatalf("unexpected trace flight max bytes: %d", cfg.TraceFlightMaxBytes)
	}
	if cfg.TraceFlightMinAge != 5*time.Second {
		t.Fatalf("unexpected trace flight min age: %v", cfg.TraceFlightMinAge)
	}
}

func TestOtelFlags(t *testing.T) {
	withArgs(t,
		"--ext", "txt",
		"--otel-endpoint", "https://otel.example.com/v1/logs",
		"--trace-endpoint", "https://otel.example.com/v1/traces",
		"--otel-headers", "Authorization=Bearer test,Env=prod",
		"--otel-service-name", "janitor-nas01",
		"--otel-timeout", "10s",
	)
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.OtelEndpoint != "https://otel.example.com/v1/logs" || cfg.TraceEndpoint != "https://otel.example.com/v1/traces" {
		t.Fatalf("unexpected endpoints: %+v", cfg)
	}
	if cfg.OtelServiceName != "janitor-nas01" {
		t.Fatalf("unexpected otel service name: %s", cfg.OtelServiceName)
	}
	if cfg.OtelTimeout != 10*time.Second {
		t.Fatalf("unexpected otel timeout: %v", cfg.OtelTimeout)
	}
	if cfg.OtelHeaders["Authorization"] != "Bearer test" || cfg.OtelHeaders["Env"] != "prod" {
		t.Fatalf("unexpected otel headers: %v", cfg.OtelHeaders)
	}
}
