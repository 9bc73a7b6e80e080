package core

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config contains all of the configuration options available to any of Crucible's
// server components.
type Config struct {
	// Hostname or IP address on which the servers will listen for connections.
	Hostname string `mapstructure:"hostname"`
	// Maximum number of concurrent connections the gateway will allow.
	MaxConnections int `mapstructure:"max_connections"`

	Logging struct {
		// Full path to file to which logs will be written. Blank will write to stdout.
		LogFilePath string `mapstructure:"log_file_path"`
		// Minimum level of a log required to be written. Options: debug, info, warn, error
		LogLevel string `mapstructure:"log_level"`
	} `mapstructure:"logging"`

	Database struct {
		// Database engine to use; either sqlite or postgres.
		Engine string `mapstructure:"engine"`
		// Hostname of the Postgres database instance.
		Host string `mapstructure:"host"`
		// Port on db_host on which the Postgres instance is accepting connections.
		Port int `mapstructure:"port"`
		// Name of the database in Postgres for crucible.
		Name string `mapstructure:"name"`
		// Username and password of a user with full RW privileges to ${db_name}.
		Username string `mapstructure:"username"`
		Password string `mapstructure:"password"`
		// Set to verify-full if the Postgres instance supports SSL.
		SSLMode string `mapstructure:"sslmode"`
	} `mapstructure:"database"`

	GatewayServer struct {
		// Port on which the gateway will listen for TCP game connections.
		Port int `mapstructure:"port"`
		// Port on which the gateway will accept WebSocket game connections.
		WebsocketPort int `mapstructure:"websocket_port"`
		// Maximum number of outbound messages buffered per session.
		OutboundQueueSize int `mapstructure:"outbound_queue_size"`
		// Seconds a single outbound write may stall before the client is dropped.
		StalledWriteTimeout int `mapstructure:"stalled_write_timeout"`
	} `mapstructure:"gateway_server"`

	SessionServer struct {
		// Seconds a disconnected session's identity and match slot are held
		// for reconnection before the session is closed.
		GraceWindow int `mapstructure:"grace_window"`
	} `mapstructure:"session_server"`

	PartyServer struct {
		// Maximum number of members in a party regardless of mode.
		MaxSize int `mapstructure:"max_size"`
		// Seconds all members have to confirm a ready check.
		ReadyCheckTimeout int `mapstructure:"ready_check_timeout"`
	} `mapstructure:"party_server"`

	Matchmaker struct {
		// Seconds between matching passes over the queues.
		PassInterval int `mapstructure:"pass_interval"`
		// Initial skill search radius applied to a freshly queued ticket.
		InitialRadius int `mapstructure:"initial_radius"`
		// Amount the search radius grows on every pass a ticket goes unmatched.
		RadiusGrowth int `mapstructure:"radius_growth"`
		// Ceiling for the search radius.
		MaxRadius int `mapstructure:"max_radius"`
		// Seconds before an unmatched ticket is expired back to its owner.
		MaxWait int `mapstructure:"max_wait"`
	} `mapstructure:"matchmaker"`

	MatchServer struct {
		// Seconds participants have to acknowledge the match load before
		// being dropped from the forming match.
		LoadTimeout int `mapstructure:"load_timeout"`
	} `mapstructure:"match_server"`

	SimServer struct {
		// Authoritative ticks per second for every running match.
		TickRate int `mapstructure:"tick_rate"`
		// Number of past ticks an input command may target for lag compensation.
		LagCompensationTicks int `mapstructure:"lag_compensation_ticks"`
		// Number of snapshot versions retained for delta broadcasts. A client
		// whose ack falls behind this is forced to a full resync.
		DeltaHistorySize int `mapstructure:"delta_history_size"`
		// Every Nth broadcast is a full snapshot regardless of acks.
		KeyframeInterval int `mapstructure:"keyframe_interval"`
	} `mapstructure:"sim_server"`

	APIServer struct {
		// HTTP endpoint port for the matchmaking/status API.
		Port int `mapstructure:"port"`
	} `mapstructure:"api_server"`

	Integrity struct {
		// Width of the sequence number acceptance window.
		SequenceWindow int `mapstructure:"sequence_window"`
		// Ceiling on messages per second per session.
		RateCeiling int `mapstructure:"rate_ceiling"`
		// Number of strikes that forces a session disconnect.
		StrikeThreshold int `mapstructure:"strike_threshold"`
		// Largest acceptable message payload in bytes.
		MaxPayloadSize int `mapstructure:"max_payload_size"`
	} `mapstructure:"integrity"`

	Debugging struct {
		// Enable extra info-providing mechanisms for the server.
		PprofEnabled bool `mapstructure:"pprof_enabled"`
		// Port on which a pprof server will be started if debug mode is enabled.
		PprofPort int `mapstructure:"pprof_port"`
		// Log packets to stdout.
		PacketLoggingEnabled bool `mapstructure:"packet_logging_enabled"`
		// Enable database-level query logging.
		DatabaseLoggingEnabled bool `mapstructure:"database_logging_enabled"`
	} `mapstructure:"debugging"`

	configDir string
}

const envVarPrefix = "CRUCIBLE"

// LoadConfig initializes Viper with the contents of the config file under configPath.
func LoadConfig(configPath string) (*Config, error) {
	viper.AddConfigPath(configPath)
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	viper.SetEnvPrefix(envVarPrefix)
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if errors.Is(err, viper.ConfigFileNotFoundError{}) {
			return nil, fmt.Errorf("no config file in path %s", configPath)
		}
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	// This allows us to set nested yaml config options through environment
	// variables. For example, database.host can be set using: <envVarPrefix>_DATABASE_HOST
	for _, k := range viper.AllKeys() {
		envVar := strings.ReplaceAll(strings.ToUpper(k), ".", "_")
		if err := viper.BindEnv(k, envVarPrefix+"_"+envVar); err != nil {
			return nil, fmt.Errorf("error binding %s to %s: %w", k, envVarPrefix+"_"+envVar, err)
		}
	}

	config := &Config{configDir: configPath}
	if err := viper.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config object: %w", err)
	}
	return config, nil
}

const databaseURITemplate = "host=%s port=%d dbname=%s user=%s password=%s sslmode=%s"

// DatabaseURL returns a database URL generated from the provided config values.
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf(
		databaseURITemplate,
		c.Database.Host,
		c.Database.Port,
		c.Database.Name,
		c.Database.Username,
		c.Database.Password,
		c.Database.SSLMode,
	)
}

// QualifiedPath returns filename relative to the directory the config was loaded from.
func (c *Config) QualifiedPath(filename string) string {
	return filepath.Join(c.configDir, filename)
}

// GraceWindow returns the reconnect grace window as a duration.
func (c *Config) GraceWindow() time.Duration {
	return time.Duration(c.SessionServer.GraceWindow) * time.Second
}

// TickInterval returns the interval between two authoritative ticks.
func (c *Config) TickInterval() time.Duration {
	if c.SimServer.TickRate <= 0 {
		return time.Second / 30
	}
	return time.Second / time.Duration(c.SimServer.TickRate)
}
