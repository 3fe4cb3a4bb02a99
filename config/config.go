package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"storagejanitor/hasher"
)

const (
	EnvMySQLDSN      = "JANITOR_MYSQL_DSN"
	EnvRedisPassword = "JANITOR_REDIS_PASSWORD"
)

var actions = []string{"scan", "status", "list", "duplicates", "suggest", "mark", "confirm", "deletions", "stats", "hash"}

type Config struct {
	Action                string            `json:"action" yaml:"action"`
	Roots                 []string          `json:"roots" yaml:"roots"`
	Extensions            []string          `json:"extensions" yaml:"extensions"`
	IncludePatterns       []string          `json:"include_patterns" yaml:"include_patterns"`
	ExcludePatterns       []string          `json:"exclude_patterns" yaml:"exclude_patterns"`
	EmitEvery             int               `json:"emit_every" yaml:"emit_every"`
	MaxConcurrency        int               `json:"max_concurrency" yaml:"max_concurrency"`
	MaxIOPerSecond        int               `json:"max_io_per_second" yaml:"max_io_per_second"`
	Hash                  bool              `json:"hash" yaml:"hash"`
	HashAlgorithm         string            `json:"hash_algorithm" yaml:"hash_algorithm"`
	Prune                 bool              `json:"prune" yaml:"prune"`
	StoreDriver           string            `json:"store_driver" yaml:"store_driver"`
	StoreDSN              string            `json:"store_dsn" yaml:"store_dsn"`
	BusDriver             string            `json:"bus_driver" yaml:"bus_driver"`
	RedisAddr             string            `json:"redis_addr" yaml:"redis_addr"`
	RedisPassword         string            `json:"redis_password" yaml:"redis_password"`
	RedisDB               int               `json:"redis_db" yaml:"redis_db"`
	LogLevel              string            `json:"log_level" yaml:"log_level"`
	ConfigFile            string            `json:"config_file" yaml:"config_file"`
	Actor                 string            `json:"actor" yaml:"actor"`
	Strategy              string            `json:"strategy" yaml:"strategy"`
	Method                string            `json:"method" yaml:"method"`
	MinSize               int64             `json:"min_size" yaml:"min_size"`
	Limit                 int               `json:"limit" yaml:"limit"`
	DuplicateHash         string            `json:"duplicate_hash" yaml:"duplicate_hash"`
	ScanID                string            `json:"scan_id" yaml:"scan_id"`
	DeletionID            string            `json:"deletion_id" yaml:"deletion_id"`
	DeletionStatus        string            `json:"deletion_status" yaml:"deletion_status"`
	// Confirm is flag-only: consent to delete is given per invocation.
	Confirm               bool              `json:"-" yaml:"-"`
	MarkPaths             []string          `json:"mark_paths" yaml:"mark_paths"`
	MarkReason            string            `json:"mark_reason" yaml:"mark_reason"`
	AllowedRoots          []string          `json:"allowed_roots" yaml:"allowed_roots"`
	TempAgeDays           int               `json:"temp_age_days" yaml:"temp_age_days"`
	LargeFileThreshold    int64             `json:"large_file_threshold" yaml:"large_file_threshold"`
	OutputFormat          string            `json:"output_format" yaml:"output_format"`
	OutputFileName        string            `json:"output_file_name" yaml:"output_file_name"`
	Progress              bool              `json:"progress" yaml:"progress"`
	DiagSlowScanThreshold time.Duration     `json:"diag_slow_scan_threshold" yaml:"diag_slow_scan_threshold"`
	DiagDir               string            `json:"diag_dir" yaml:"diag_dir"`
	DiagGoroutineLeak     bool              `json:"diag_goroutine_leak" yaml:"diag_goroutine_leak"`
	OtelEndpoint          string            `json:"otel_endpoint" yaml:"otel_endpoint"`
	OtelFromEnv           bool              `json:"otel_from_env" yaml:"otel_from_env"`
	OtelHeaders           map[string]string `json:"otel_headers" yaml:"otel_headers"`
	OtelServiceName       string            `json:"otel_service_name" yaml:"otel_service_name"`
	OtelTimeout           time.Duration     `json:"otel_timeout" yaml:"otel_timeout"`
	TraceEndpoint         string            `json:"trace_endpoint" yaml:"trace_endpoint"`
	TraceFile             string            `json:"trace_file" yaml:"trace_file"`
	TraceFlight           bool              `json:"trace_flight" yaml:"trace_flight"`
	TraceFlightFile       string            `json:"trace_flight_file" yaml:"trace_flight_file"`
	TraceFlightMaxBytes   uint64            `json:"trace_flight_max_bytes" yaml:"trace_flight_max_bytes"`
	TraceFlightMinAge     time.Duration     `json:"trace_flight_min_age" yaml:"trace_flight_min_age"`
}

func defaults() *Config {
	return &Config{
		Action:             "scan",
		Roots:              []string{"."},
		Extensions:         []string{},
		EmitEvery:          500,
		MaxConcurrency:     runtime.NumCPU(),
		MaxIOPerSecond:     0,
		HashAlgorithm:      "sha256",
		StoreDriver:        "sqlite",
		StoreDSN:           "storagejanitor.db",
		BusDriver:          "memory",
		RedisAddr:          "localhost:6379",
		LogLevel:           "info",
		Actor:              currentUser(),
		Strategy:           "keep_oldest",
		Method:             "auto",
		Limit:              100,
		MarkPaths:          []string{},
		AllowedRoots:       []string{},
		TempAgeDays:        7,
		LargeFileThreshold: 1 << 30,
		OutputFormat:       "json",
		OutputFileName:     "-",
		Progress:           true,
		DiagDir:            ".",
		OtelHeaders:        map[string]string{},
		OtelServiceName:    "storagejanitor",
		OtelTimeout:        5 * time.Second,
		TraceFlightFile:    "trace-flight.out",
	}
}

func LoadConfig() (*Config, error) {
	cfg := defaults()

	action := flag.String("action", cfg.Action, fmt.Sprintf("Action to run: %s (default: %s). The first positional argument also selects it.", strings.Join(actions, ", "), cfg.Action))
	roots := flag.String("path", strings.Join(cfg.Roots, ","), fmt.Sprintf("Comma-separated list of scan roots (default: %s).", strings.Join(cfg.Roots, ",")))
	extensions := flag.String("ext", "", "Comma-separated list of file extensions to catalogue, e.g. jpg,pdf (required for scan).")
	includes := flag.String("include", "", "Comma-separated list of include patterns (default: none).")
	excludes := flag.String("exclude", "", "Comma-separated list of exclude patterns (default: none).")
	emitEvery := flag.Int("emit-every", cfg.EmitEvery, fmt.Sprintf("Emit a progress event every N processed files (default: %d).", cfg.EmitEvery))
	concurrency := flag.Int("concurrency", cfg.MaxConcurrency, fmt.Sprintf("Number of scan workers (default: %d).", cfg.MaxConcurrency))
	maxIO := flag.Int("max-io-per-second", cfg.MaxIOPerSecond, "Maximum file operations per second during a scan (default: 0, unlimited).")
	hash := flag.Bool("hash", cfg.Hash, fmt.Sprintf("Hash file contents during the scan (default: %t).", cfg.Hash))
	hashAlgorithm := flag.String("hash-algorithm", cfg.HashAlgorithm, fmt.Sprintf("Content hash algorithm: md5, sha1, sha256, blake3 or xxh64 (default: %s).", cfg.HashAlgorithm))
	prune := flag.Bool("prune", cfg.Prune, fmt.Sprintf("Remove catalogue entries under the scanned roots that no longer exist (default: %t).", cfg.Prune))
	storeDriver := flag.String("store", cfg.StoreDriver, fmt.Sprintf("Catalogue store: memory, sqlite or mysql (default: %s).", cfg.StoreDriver))
	storeDSN := flag.String("store-dsn", cfg.StoreDSN, fmt.Sprintf("Store DSN: a file path for sqlite, a go-sql-driver DSN for mysql (default: %s, mysql falls back to $%s).", cfg.StoreDSN, EnvMySQLDSN))
	busDriver := flag.String("bus", cfg.BusDriver, fmt.Sprintf("Progress bus: memory or redis (default: %s).", cfg.BusDriver))
	redisAddr := flag.String("redis-addr", cfg.RedisAddr, fmt.Sprintf("Redis address for the redis bus (default: %s).", cfg.RedisAddr))
	redisPassword := flag.String("redis-password", "", fmt.Sprintf("Redis password (default: $%s).", EnvRedisPassword))
	redisDB := flag.Int("redis-db", cfg.RedisDB, fmt.Sprintf("Redis database number (default: %d).", cfg.RedisDB))
	logLevel := flag.String("log-level", cfg.LogLevel, fmt.Sprintf("Log level: debug, info, warn, error, fatal, or panic (default: %s).", cfg.LogLevel))
	configFile := flag.String("config", "", "Path to a JSON or YAML configuration file (default: none).")
	actor := flag.String("actor", cfg.Actor, "Name recorded as the operator of mark and confirm actions (default: current user).")
	strategy := flag.String("strategy", cfg.Strategy, fmt.Sprintf("Retention strategy: keep_oldest or keep_newest (default: %s).", cfg.Strategy))
	method := flag.String("method", cfg.Method, fmt.Sprintf("Duplicate detection method: hash, fuzzy or auto (default: %s).", cfg.Method))
	minSize := flag.Int64("min-size", cfg.MinSize, "Ignore files smaller than this many bytes (default: 0).")
	limit := flag.Int("limit", cfg.Limit, fmt.Sprintf("Maximum number of groups or records returned (default: %d).", cfg.Limit))
	duplicateHash := flag.String("duplicate-hash", "", "Restrict duplicates and suggest to one content hash (default: none).")
	scanID := flag.String("scan-id", "", "Scan job id for the status action (default: none).")
	deletionID := flag.String("deletion-id", "", "Pending deletion id for the confirm action (default: none).")
	deletionStatus := flag.String("deletion-status", "", "Filter for the deletions action: pending, completed or failed (default: all).")
	confirm := flag.Bool("confirm", cfg.Confirm, "Required for the confirm action to delete the file (default: false).")
	markPaths := flag.String("files", "", "Comma-separated list of paths to mark; without it mark uses the retention suggestion (default: none).")
	markReason := flag.String("reason", "", "Reason recorded on marked files (default: none).")
	allowedRoots := flag.String("allowed-roots", "", "Comma-separated list of roots confirm may delete under (default: any non-protected path).")
	tempAgeDays := flag.Int("temp-age-days", cfg.TempAgeDays, fmt.Sprintf("Age in days after which temp files are suggested for cleanup (default: %d).", cfg.TempAgeDays))
	largeFileThreshold := flag.Int64("large-file-threshold", cfg.LargeFileThreshold, fmt.Sprintf("Size in bytes from which files are flagged for review (default: %d).", cfg.LargeFileThreshold))
	format := flag.String("format", cfg.OutputFormat, fmt.Sprintf("Output format: json or csv (default: %s).", cfg.OutputFormat))
	output := flag.String("output", cfg.OutputFileName, "Output file name, - for stdout (default: -).")
	progress := flag.Bool("progress", cfg.Progress, fmt.Sprintf("Show a progress bar while scanning (default: %t).", cfg.Progress))
	diagSlowScanThreshold := flag.Duration(
		"diag-slow-scan-threshold",
		cfg.DiagSlowScanThreshold,
		"If positive, emit diagnostics when scan progress stalls for this duration (default: 0/off).",
	)
	diagDir := flag.String("diag-dir", cfg.DiagDir, "Diagnostics output directory (default: current directory).")
	diagGoroutineLeak := flag.Bool(
		"diag-goroutine-leak",
		cfg.DiagGoroutineLeak,
		"Write goroutine leak profile on shutdown (default: false).",
	)
	otelEndpoint := flag.String("otel-endpoint", cfg.OtelEndpoint, "OTLP/HTTP logs endpoint for scan events (default: none).")
	otelFromEnv := flag.Bool("otel-from-env", cfg.OtelFromEnv, "Allow OTEL endpoint fallback from OTEL environment variables (default: false).")
	otelHeaders := flag.String("otel-headers", "", "Comma-separated OTEL headers (key=value) for export (default: none).")
	otelServiceName := flag.String("otel-service-name", cfg.OtelServiceName, fmt.Sprintf("OTEL service name for export (default: %s).", cfg.OtelServiceName))
	otelTimeout := flag.Duration("otel-timeout", cfg.OtelTimeout, "OTEL export timeout (default: 5s).")
	traceEndpoint := flag.String("trace-endpoint", cfg.TraceEndpoint, "OTLP/HTTP traces endpoint (default: none).")
	traceFile := flag.String("trace-file", cfg.TraceFile, "Write a runtime execution trace to this file (default: none).")
	traceFlight := flag.Bool("trace-flight", cfg.TraceFlight, fmt.Sprintf("Enable flight recorder tracing (default: %t).", cfg.TraceFlight))
	traceFlightFile := flag.String("trace-flight-file", cfg.TraceFlightFile, fmt.Sprintf("Flight recorder output file (default: %s).", cfg.TraceFlightFile))
	traceFlightMaxBytes := flag.Uint64("trace-flight-max-bytes", cfg.TraceFlightMaxBytes, "Max bytes for flight recorder buffer (default: 0 for runtime default).")
	traceFlightMinAge := flag.Duration("trace-flight-min-age", cfg.TraceFlightMinAge, "Minimum age of trace events to retain (default: 0).")

	flag.Usage = displayHelp
	flag.Parse()

	if *configFile != "" {
		cfg.ConfigFile = *configFile
		if err := cfg.loadFromFile(cfg.ConfigFile); err != nil {
			return nil, err
		}
	}

	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "action":
			cfg.Action = *action
		case "path":
			cfg.Roots = parseCommaSeparated(*roots)
		case "ext":
			cfg.Extensions = parseCommaSeparated(*extensions)
		case "include":
			cfg.IncludePatterns = parseCommaSeparated(*includes)
		case "exclude":
			cfg.ExcludePatterns = parseCommaSeparated(*excludes)
		case "emit-every":
			cfg.EmitEvery = *emitEvery
		case "concurrency":
			cfg.MaxConcurrency = *concurrency
		case "max-io-per-second":
			cfg.MaxIOPerSecond = *maxIO
		case "hash":
			cfg.Hash = *hash
		case "hash-algorithm":
			cfg.HashAlgorithm = *hashAlgorithm
		case "prune":
			cfg.Prune = *prune
		case "store":
			cfg.StoreDriver = *storeDriver
		case "store-dsn":
			cfg.StoreDSN = *storeDSN
		case "bus":
			cfg.BusDriver = *busDriver
		case "redis-addr":
			cfg.RedisAddr = strings.TrimSpace(*redisAddr)
		case "redis-password":
			cfg.RedisPassword = *redisPassword
		case "redis-db":
			cfg.RedisDB = *redisDB
		case "log-level":
			cfg.LogLevel = *logLevel
		case "actor":
			cfg.Actor = strings.TrimSpace(*actor)
		case "strategy":
			cfg.Strategy = *strategy
		case "method":
			cfg.Method = *method
		case "min-size":
			cfg.MinSize = *minSize
		case "limit":
			cfg.Limit = *limit
		case "duplicate-hash":
			cfg.DuplicateHash = strings.TrimSpace(*duplicateHash)
		case "scan-id":
			cfg.ScanID = strings.TrimSpace(*scanID)
		case "deletion-id":
			cfg.DeletionID = strings.TrimSpace(*deletionID)
		case "deletion-status":
			cfg.DeletionStatus = *deletionStatus
		case "confirm":
			cfg.Confirm = *confirm
		case "files":
			cfg.MarkPaths = parseCommaSeparated(*markPaths)
		case "reason":
			cfg.MarkReason = *markReason
		case "allowed-roots":
			cfg.AllowedRoots = parseCommaSeparated(*allowedRoots)
		case "temp-age-days":
			cfg.TempAgeDays = *tempAgeDays
		case "large-file-threshold":
			cfg.LargeFileThreshold = *largeFileThreshold
		case "format":
			cfg.OutputFormat = *format
		case "output":
			cfg.OutputFileName = *output
		case "progress":
			cfg.Progress = *progress
		case "diag-slow-scan-threshold":
			cfg.DiagSlowScanThreshold = *diagSlowScanThreshold
		case "diag-dir":
			cfg.DiagDir = strings.TrimSpace(*diagDir)
		case "diag-goroutine-leak":
			cfg.DiagGoroutineLeak = *diagGoroutineLeak
		case "otel-endpoint":
			cfg.OtelEndpoint = strings.TrimSpace(*otelEndpoint)
		case "otel-from-env":
			cfg.OtelFromEnv = *otelFromEnv
		case "otel-headers":
			cfg.OtelHeaders = parseHeaders(*otelHeaders)
		case "otel-service-name":
			cfg.OtelServiceName = strings.TrimSpace(*otelServiceName)
		case "otel-timeout":
			cfg.OtelTimeout = *otelTimeout
		case "trace-endpoint":
			cfg.TraceEndpoint = strings.TrimSpace(*traceEndpoint)
		case "trace-file":
			cfg.TraceFile = strings.TrimSpace(*traceFile)
		case "trace-flight":
			cfg.TraceFlight = *traceFlight
		case "trace-flight-file":
			cfg.TraceFlightFile = *traceFlightFile
		case "trace-flight-max-bytes":
			cfg.TraceFlightMaxBytes = *traceFlightMaxBytes
		case "trace-flight-min-age":
			cfg.TraceFlightMinAge = *traceFlightMinAge
		}
	})
	if flag.NArg() > 0 {
		cfg.Action = flag.Arg(0)
	}

	cfg.applyEnv()
	cfg.normalize()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func displayHelp() {
	fmt.Println("storagejanitor - file catalogue, duplicate finder and cleanup planner")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  storagejanitor [options] [action]")
	fmt.Println()
	fmt.Println("Actions:")
	fmt.Println("  " + strings.Join(actions, ", "))
	fmt.Println()
	fmt.Println("Options:")
	flag.PrintDefaults()
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  storagejanitor --path \"/mnt/nas\" --ext jpg,png,mp4 --hash scan")
	fmt.Println("  storagejanitor --method hash --min-size 1048576 duplicates")
	fmt.Println("  storagejanitor --strategy keep_newest --reason \"dup cleanup\" mark")
	fmt.Println("  storagejanitor --deletion-id <id> --confirm --allowed-roots /mnt/nas confirm")
}

// loadFromFile overlays the file onto cfg. Files ending in .yaml or .yml are
// decoded as YAML, everything else as JSON.
func (cfg *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("could not read config file: %v", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return fmt.Errorf("invalid config file format: %v", err)
	}
	return nil
}

// applyEnv fills secrets that were not given on the command line or in the
// config file.
func (cfg *Config) applyEnv() {
	if cfg.StoreDriver == "mysql" && (cfg.StoreDSN == "" || cfg.StoreDSN == defaults().StoreDSN) {
		if dsn := strings.TrimSpace(os.Getenv(EnvMySQLDSN)); dsn != "" {
			cfg.StoreDSN = dsn
		}
	}
	if cfg.RedisPassword == "" {
		cfg.RedisPassword = os.Getenv(EnvRedisPassword)
	}
}

func (cfg *Config) normalize() {
	cfg.Action = strings.ToLower(strings.TrimSpace(cfg.Action))
	cfg.OutputFormat = strings.ToLower(strings.TrimSpace(cfg.OutputFormat))
	cfg.StoreDriver = strings.ToLower(strings.TrimSpace(cfg.StoreDriver))
	cfg.BusDriver = strings.ToLower(strings.TrimSpace(cfg.BusDriver))
	cfg.HashAlgorithm = strings.ToLower(strings.TrimSpace(cfg.HashAlgorithm))
	cfg.Strategy = strings.ToLower(strings.TrimSpace(cfg.Strategy))
	cfg.Method = strings.ToLower(strings.TrimSpace(cfg.Method))
	cfg.DeletionStatus = strings.ToLower(strings.TrimSpace(cfg.DeletionStatus))
	cfg.Extensions = normalizeList(cfg.Extensions)
	cfg.Roots = normalizeList(cfg.Roots)
	cfg.AllowedRoots = normalizeList(cfg.AllowedRoots)
	if len(cfg.Roots) == 0 {
		cfg.Roots = []string{"."}
	}
	if cfg.HashAlgorithm == "" {
		cfg.HashAlgorithm = "sha256"
	}
	if cfg.DiagDir == "" {
		cfg.DiagDir = "."
	}
	if cfg.TraceFlight && cfg.TraceFlightFile == "" {
		cfg.TraceFlightFile = "trace-flight.out"
	}
	if cfg.OutputFileName == "" {
		cfg.OutputFileName = "-"
	}
}

func (cfg *Config) validate() error {
	if !containsString(actions, cfg.Action) {
		return fmt.Errorf("invalid action: %q (expected one of %s)", cfg.Action, strings.Join(actions, ", "))
	}
	if cfg.Action == "scan" && len(cfg.Extensions) == 0 {
		return fmt.Errorf("at least one extension (--ext) is required for scan")
	}
	if cfg.Action == "status" && cfg.ScanID == "" {
		return fmt.Errorf("--scan-id is required for status")
	}
	if cfg.Action == "confirm" && cfg.DeletionID == "" {
		return fmt.Errorf("--deletion-id is required for confirm")
	}
	if (cfg.Action == "mark" || cfg.Action == "confirm") && strings.TrimSpace(cfg.Actor) == "" {
		return fmt.Errorf("--actor is required for %s", cfg.Action)
	}
	if cfg.OutputFormat != "json" && cfg.OutputFormat != "csv" {
		return fmt.Errorf("invalid output format: %s (json or csv)", cfg.OutputFormat)
	}
	if cfg.EmitEvery < 1 {
		return fmt.Errorf("emit-every must be at least 1")
	}
	if cfg.MaxConcurrency < 1 {
		return fmt.Errorf("concurrency must be positive")
	}
	if cfg.MaxIOPerSecond < 0 {
		return fmt.Errorf("max-io-per-second must be zero or positive")
	}
	if !hasher.IsSupported(cfg.HashAlgorithm) {
		return fmt.Errorf("invalid hash algorithm: %s (supported: %s)", cfg.HashAlgorithm, strings.Join(hasher.Supported(), ", "))
	}
	switch cfg.StoreDriver {
	case "memory":
	case "sqlite", "mysql":
		if strings.TrimSpace(cfg.StoreDSN) == "" {
			return fmt.Errorf("store-dsn is required for the %s store", cfg.StoreDriver)
		}
	default:
		return fmt.Errorf("invalid store driver: %s", cfg.StoreDriver)
	}
	switch cfg.BusDriver {
	case "memory":
	case "redis":
		if cfg.RedisAddr == "" {
			return fmt.Errorf("redis-addr is required for the redis bus")
		}
	default:
		return fmt.Errorf("invalid bus driver: %s", cfg.BusDriver)
	}
	if cfg.RedisDB < 0 {
		return fmt.Errorf("redis-db must be zero or positive")
	}
	if cfg.Strategy != "keep_oldest" && cfg.Strategy != "keep_newest" {
		return fmt.Errorf("invalid strategy: %s", cfg.Strategy)
	}
	if cfg.Method != "hash" && cfg.Method != "fuzzy" && cfg.Method != "auto" {
		return fmt.Errorf("invalid method: %s", cfg.Method)
	}
	if cfg.DeletionStatus != "" && cfg.DeletionStatus != "pending" && cfg.DeletionStatus != "completed" && cfg.DeletionStatus != "failed" {
		return fmt.Errorf("invalid deletion status: %s", cfg.DeletionStatus)
	}
	if cfg.MinSize < 0 {
		return fmt.Errorf("min-size must be zero or positive")
	}
	if cfg.Limit < 0 {
		return fmt.Errorf("limit must be zero or positive")
	}
	if cfg.TempAgeDays < 0 {
		return fmt.Errorf("temp-age-days must be zero or positive")
	}
	if cfg.LargeFileThreshold < 0 {
		return fmt.Errorf("large-file-threshold must be zero or positive")
	}
	if cfg.DiagSlowScanThreshold < 0 {
		return fmt.Errorf("diag-slow-scan-threshold must be zero or positive")
	}
	if cfg.TraceFlightMinAge < 0 {
		return fmt.Errorf("trace-flight-min-age must be zero or positive")
	}
	if cfg.OtelTimeout < 0 {
		return fmt.Errorf("otel-timeout must be zero or positive")
	}
	for name, endpoint := range map[string]string{"otel-endpoint": cfg.OtelEndpoint, "trace-endpoint": cfg.TraceEndpoint} {
		if endpoint != "" && !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
			return fmt.Errorf("%s must include scheme (http or https)", name)
		}
	}
	if cfg.LogLevel != "debug" && cfg.LogLevel != "info" && cfg.LogLevel != "warn" &&
		cfg.LogLevel != "error" && cfg.LogLevel != "fatal" && cfg.LogLevel != "panic" {
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}
	return nil
}

func currentUser() string {
	for _, key := range []string{"USER", "USERNAME"} {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			return v
		}
	}
	return ""
}

func parseCommaSeparated(input string) []string {
	if input == "" {
		return []string{}
	}
	items := strings.Split(input, ",")
	for i, item := range items {
		items[i] = strings.TrimSpace(item)
	}
	return items
}

func parseHeaders(input string) map[string]string {
	headers := make(map[string]string)
	if input == "" {
		return headers
	}
	items := strings.Split(input, ",")
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		parts := strings.SplitN(item, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if key == "" {
			continue
		}
		headers[key] = value
	}
	return headers
}

func normalizeList(items []string) []string {
	normalized := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		normalized = append(normalized, item)
	}
	return normalized
}

func containsString(items []string, value string) bool {
	for _, item := range items {
		if item == value {
			return true
		}
	}
	return false
}
