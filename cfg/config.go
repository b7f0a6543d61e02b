package cfg

import (
	"flag"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"

	"github.com/maxpert/binlogtap/binlog"
	"github.com/maxpert/binlogtap/common"
	"github.com/maxpert/binlogtap/position"
)

// SourceConfiguration locates the server to replicate from
type SourceConfiguration struct {
	Host              string `toml:"host"`
	Port              int    `toml:"port"`
	User              string `toml:"user"`
	Password          string `toml:"password"`
	Charset           string `toml:"charset"`
	ServerID          uint32 `toml:"server_id"` // 0 derives one from the machine id
	ReportHost        string `toml:"report_host"`
	HeartbeatPeriodMS int    `toml:"heartbeat_period_ms"` // 0 disables heartbeats
	ConnectTimeoutMS  int    `toml:"connect_timeout_ms"`
}

// StartConfiguration picks where the stream begins
type StartConfiguration struct {
	GTIDEnabled    bool   `toml:"gtid_enabled"`
	BinlogFile     string `toml:"binlog_file"`
	BinlogPosition uint64 `toml:"binlog_position"`
	GTIDSet        string `toml:"gtid_set"`
	FromServer     bool   `toml:"from_server"` // ask the server for its current checkpoint
}

// RetryConfiguration bounds the reconnect supervisor
type RetryConfiguration struct {
	Attempts  int `toml:"attempts"`
	BackoffMS int `toml:"backoff_ms"`
}

// TableCacheConfiguration sizes the table id cache
type TableCacheConfiguration struct {
	Size int `toml:"size"`
}

// FilterConfiguration suppresses events before dispatch
type FilterConfiguration struct {
	Databases    []string `toml:"databases"`     // glob patterns
	Tables       []string `toml:"tables"`        // glob patterns
	EventsOnly   []string `toml:"events_only"`   // event kind names
	EventsIgnore []string `toml:"events_ignore"` // event kind names
}

// CheckpointConfiguration controls the durable position store
type CheckpointConfiguration struct {
	Enabled bool   `toml:"enabled"`
	Dir     string `toml:"dir"`
	Every   int    `toml:"every"` // persist every N commits
}

// SinkConfiguration describes one change stream destination
type SinkConfiguration struct {
	Name            string   `toml:"name"`
	Type            string   `toml:"type"`   // "kafka", "nats"
	Format          string   `toml:"format"` // "debezium"
	Brokers         []string `toml:"brokers"`
	NatsURL         string   `toml:"nats_url"`
	TopicPrefix     string   `toml:"topic_prefix"`
	FilterTables    []string `toml:"filter_tables"`
	FilterDatabases []string `toml:"filter_databases"`
	BatchSize       int      `toml:"batch_size"`
	PollIntervalMS  int      `toml:"poll_interval_ms"`
	RetryInitialMS  int      `toml:"retry_initial_ms"`
	RetryMaxMS      int      `toml:"retry_max_ms"`
	RetryMultiplier float64  `toml:"retry_multiplier"`
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics, served by the admin server
type PrometheusConfiguration struct {
	Enabled bool `toml:"enabled"`
}

// AdminConfiguration for the HTTP status server
type AdminConfiguration struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Port    int    `toml:"port"`
	Secret  string `toml:"secret"` // empty disables authentication
}

// Configuration is the main configuration structure
type Configuration struct {
	DataDir string `toml:"data_dir"`

	Source     SourceConfiguration     `toml:"source"`
	Start      StartConfiguration      `toml:"start"`
	Retry      RetryConfiguration      `toml:"retry"`
	TableCache TableCacheConfiguration `toml:"table_cache"`
	Filter     FilterConfiguration     `toml:"filter"`
	Checkpoint CheckpointConfiguration `toml:"checkpoint"`
	Sinks      []SinkConfiguration     `toml:"sinks"`
	Logging    LoggingConfiguration    `toml:"logging"`
	Prometheus PrometheusConfiguration `toml:"prometheus"`
	Admin      AdminConfiguration      `toml:"admin"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "config.toml", "Path to configuration file")
	HostFlag       = flag.String("host", "", "Source host (overrides config)")
	PortFlag       = flag.Int("port", 0, "Source port (overrides config)")
	ServerIDFlag   = flag.Uint("server-id", 0, "Replica server id (overrides config, 0=auto)")
	GTIDFlag       = flag.String("gtid", "", "Start from this GTID set (overrides config)")
)

// Default returns the built-in defaults.
func Default() *Configuration {
	return &Configuration{
		DataDir: "./binlogtap-data",

		Source: SourceConfiguration{
			Host:              "127.0.0.1",
			Port:              3306,
			Charset:           "utf8mb4",
			ReportHost:        "binlogtap",
			HeartbeatPeriodMS: 30000,
			ConnectTimeoutMS:  10000,
		},

		Start: StartConfiguration{
			FromServer: true,
		},

		Retry: RetryConfiguration{
			Attempts:  10,
			BackoffMS: 1000,
		},

		TableCache: TableCacheConfiguration{
			Size: 256,
		},

		Checkpoint: CheckpointConfiguration{
			Enabled: true,
			Every:   1,
		},

		Logging: LoggingConfiguration{
			Verbose: false,
			Format:  "console",
		},

		Prometheus: PrometheusConfiguration{
			Enabled: true,
		},

		Admin: AdminConfiguration{
			Enabled: true,
			Address: "0.0.0.0",
			Port:    9190,
		},
	}
}

// Config is the process-wide configuration
var Config = Default()

// Load loads configuration from file and applies CLI overrides
func Load(configPath string) error {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return common.NewError(common.KindConfiguration, "decode config", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	if *HostFlag != "" {
		Config.Source.Host = *HostFlag
	}
	if *PortFlag != 0 {
		Config.Source.Port = *PortFlag
	}
	if *ServerIDFlag != 0 {
		Config.Source.ServerID = uint32(*ServerIDFlag)
	}
	if *GTIDFlag != "" {
		Config.Start.GTIDEnabled = true
		Config.Start.GTIDSet = *GTIDFlag
		Config.Start.FromServer = false
		Config.Start.BinlogFile = ""
		Config.Start.BinlogPosition = 0
	}

	if Config.Source.ServerID == 0 {
		id, err := generateServerID()
		if err != nil {
			return common.NewError(common.KindConfiguration, "generate server id", err)
		}
		Config.Source.ServerID = id
		log.Info().Uint32("server_id", id).Msg("Auto-generated replica server id")
	}

	if Config.Checkpoint.Enabled {
		if err := os.MkdirAll(Config.CheckpointDir(), 0755); err != nil {
			return common.NewError(common.KindConfiguration, "create checkpoint directory", err)
		}
	}
	return nil
}

// generateServerID derives a stable, non-zero replica id from the machine id
func generateServerID() (uint32, error) {
	id, err := machineid.ProtectedID("binlogtap")
	if err != nil {
		return 0, err
	}
	return foldServerID([]byte(id)), nil
}

func foldServerID(seed []byte) uint32 {
	h := fnv.New64a()
	h.Write(seed)
	sum := h.Sum64()
	id := uint32(sum>>32) ^ uint32(sum)
	if id == 0 {
		id = 1
	}
	return id
}

// Validate checks the global configuration
func Validate() error {
	return Config.Validate()
}

// Validate checks configuration for errors. All failures are
// configuration-kind errors.
func (c *Configuration) Validate() error {
	if c.Source.Host == "" {
		return invalid("source host is required")
	}
	if c.Source.Port < 1 || c.Source.Port > 65535 {
		return invalid("invalid source port: %d", c.Source.Port)
	}
	if c.Source.User == "" {
		return invalid("source user is required")
	}
	if c.Source.HeartbeatPeriodMS < 0 {
		return invalid("heartbeat period must be >= 0")
	}
	if c.Source.ConnectTimeoutMS < 0 {
		return invalid("connect timeout must be >= 0")
	}

	if c.TableCache.Size < 1 {
		return invalid("table cache size must be >= 1")
	}
	if c.Retry.Attempts < 1 {
		return invalid("retry attempts must be >= 1")
	}
	if c.Retry.BackoffMS < 0 {
		return invalid("retry backoff must be >= 0")
	}

	if err := c.Start.validate(); err != nil {
		return err
	}

	for _, name := range append(append([]string{}, c.Filter.EventsOnly...), c.Filter.EventsIgnore...) {
		if _, err := binlog.ParseKind(name); err != nil {
			return invalid("filter: %v", err)
		}
	}

	if c.Checkpoint.Enabled && c.Checkpoint.Every < 1 {
		return invalid("checkpoint every must be >= 1")
	}

	seen := make(map[string]bool, len(c.Sinks))
	for i, s := range c.Sinks {
		if s.Name == "" {
			return invalid("sink %d: name is required", i)
		}
		if s.Type == "" {
			return invalid("sink %s: type is required", s.Name)
		}
		if seen[s.Name] {
			return invalid("sink %s: duplicate name", s.Name)
		}
		seen[s.Name] = true
	}

	if c.Admin.Enabled && (c.Admin.Port < 1 || c.Admin.Port > 65535) {
		return invalid("invalid admin port: %d", c.Admin.Port)
	}
	return nil
}

func (s StartConfiguration) validate() error {
	if s.BinlogPosition != 0 && s.BinlogFile == "" {
		return invalid("binlog_position requires binlog_file")
	}
	if !s.GTIDEnabled {
		return nil
	}
	if s.BinlogFile != "" {
		return invalid("binlog_file cannot be combined with gtid_enabled")
	}
	if s.GTIDSet == "" && !s.FromServer {
		return invalid("gtid mode needs gtid_set or from_server")
	}
	if s.GTIDSet != "" {
		if _, err := position.ParseGTIDSet(s.GTIDSet); err != nil {
			return invalid("gtid_set: %v", err)
		}
	}
	return nil
}

func invalid(format string, args ...interface{}) error {
	return common.Errorf(common.KindConfiguration, "validate config", format, args...)
}

// StartPosition is the explicitly configured starting point. ok is false
// when the position should come from a checkpoint or the server.
func (c *Configuration) StartPosition() (pos position.Position, ok bool, err error) {
	s := c.Start
	switch {
	case s.GTIDEnabled && s.GTIDSet != "":
		set, err := position.ParseGTIDSet(s.GTIDSet)
		if err != nil {
			return position.Position{}, false, common.NewError(common.KindConfiguration, "parse gtid_set", err)
		}
		return position.GTIDPosition(set), true, nil
	case !s.GTIDEnabled && s.BinlogFile != "":
		offset := s.BinlogPosition
		if offset == 0 {
			offset = 4
		}
		return position.FilePosition(s.BinlogFile, offset), true, nil
	}
	return position.Position{}, false, nil
}

// Address is host:port of the source.
func (c *Configuration) Address() string {
	return fmt.Sprintf("%s:%d", c.Source.Host, c.Source.Port)
}

func (c *Configuration) HeartbeatPeriod() time.Duration {
	return time.Duration(c.Source.HeartbeatPeriodMS) * time.Millisecond
}

func (c *Configuration) ConnectTimeout() time.Duration {
	return time.Duration(c.Source.ConnectTimeoutMS) * time.Millisecond
}

func (c *Configuration) Backoff() time.Duration {
	return time.Duration(c.Retry.BackoffMS) * time.Millisecond
}

// CheckpointDir defaults to a directory under DataDir.
func (c *Configuration) CheckpointDir() string {
	if c.Checkpoint.Dir != "" {
		return c.Checkpoint.Dir
	}
	return filepath.Join(c.DataDir, "checkpoint")
}
