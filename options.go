package hydrant

import "log/slog"

// Option configures an App during New.
type Option func(*resolvedOptions)

// resolvedOptions holds every extension point after applying defaults.
// Unexported — callers use the With* functions.
type resolvedOptions struct {
	configPath  string
	databaseURL string
	logger      *slog.Logger
	version     string
	statusAddr  string
}

// WithConfigPath loads configuration from a YAML file instead of the
// environment. Equivalent to the CLI's config_path argument.
func WithConfigPath(path string) Option {
	return func(o *resolvedOptions) { o.configPath = path }
}

// WithDatabaseURL overrides the database connection descriptor loaded from
// config (HYDRANT_DB_URL or the file's database_url key).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithLogger sets the structured logger for the App. If not set,
// logging.Default() is used while config loads, then replaced by a stderr
// logger at the configured log_level.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in startup logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithStatusAddr sets the listen address for the GET /status endpoint.
// Defaults to loopback-only ("127.0.0.1:0": an ephemeral port) when unset.
func WithStatusAddr(addr string) Option {
	return func(o *resolvedOptions) { o.statusAddr = addr }
}
