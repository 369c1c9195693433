package common

import (
	"time"

	"github.com/spf13/viper"
)

// ===============================================================================
// NATS Related Config

// NATSReconnectConfig defines reconnect parameters
type NATSReconnectConfig struct {
	// MaxAttempts sets the max number of reconnect attempts (-1 is unlimited)
	MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts" validate:"gte=-1"`
	// WaitInterval is the duration between reconnect attempts in seconds
	WaitInterval int `mapstructure:"wait_interval_sec" json:"wait_interval_sec" validate:"gte=1"`
}

// NATSConfig defines parameters for connecting to NATS server
type NATSConfig struct {
	// ServerURI is the NATS connection URI
	ServerURI string `mapstructure:"server_uri" json:"server_uri" validate:"required,uri"`
	// ConnectTimeout is the max duration for connecting to NATS server in seconds
	ConnectTimeout int `mapstructure:"connect_timeout_sec" json:"connect_timeout_sec" validate:"gte=1"`
	// Reconnect defines reconnect parameters
	Reconnect NATSReconnectConfig `mapstructure:"reconnect" json:"reconnect" validate:"required"`
}

// IntakeConfig defines the NATS based event intake
type IntakeConfig struct {
	// NATS is the NATS connection parameters
	NATS NATSConfig `mapstructure:"nats" json:"nats" validate:"required"`
	// SubjectPrefix is the prefix of the subjects producers publish broadcast requests on
	SubjectPrefix string `mapstructure:"subject_prefix" json:"subject_prefix" validate:"required"`
	// QueueGroup if set, the intake subscribes as part of this NATS queue group
	QueueGroup string `mapstructure:"queue_group" json:"queue_group"`
}

// ===============================================================================
// HTTP Related Config

// HTTPServerConfig defines the HTTP server parameters
type HTTPServerConfig struct {
	// ListenOn is the interface the HTTP server will listen on
	ListenOn string `mapstructure:"listen_on" json:"listen_on" validate:"required,ip"`
	// Port is the port the HTTP server will listen on
	Port uint16 `mapstructure:"listen_port" json:"listen_port" validate:"required,gt=0,lt=65536"`
	// ReadTimeout is the maximum duration for reading the entire
	// request, including the body in seconds. A zero or negative
	// value means there will be no timeout.
	ReadTimeout int `mapstructure:"read_timeout_sec" json:"read_timeout_sec" validate:"gte=0"`
	// WriteTimeout is the maximum duration before timing out
	// writes of the response in seconds. A zero or negative value
	// means there will be no timeout.
	//
	// Event streams are long lived, so this should stay zero unless a
	// proxy in front of the server enforces its own limit.
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=0"`
	// IdleTimeout is the maximum amount of time to wait for the
	// next request when keep-alives are enabled in seconds. If
	// IdleTimeout is zero, the value of ReadTimeout is used. If
	// both are zero, there is no timeout.
	IdleTimeout int `mapstructure:"idle_timeout_sec" json:"idle_timeout_sec" validate:"gte=0"`
}

// HTTPRequestLogging defines HTTP request logging parameters
type HTTPRequestLogging struct {
	// RequestIDHeader is the HTTP header containing the API request ID
	RequestIDHeader string `mapstructure:"request_id_header" json:"request_id_header"`
	// DoNotLogHeaders is the list of headers to not include in logging metadata
	DoNotLogHeaders []string `mapstructure:"do_not_log_headers" json:"do_not_log_headers"`
}

// HTTPConfig defines HTTP API / server parameters
type HTTPConfig struct {
	// Server defines HTTP server parameters
	Server HTTPServerConfig `mapstructure:"server_config" json:"server_config" validate:"required"`
	// Logging defines operation logging parameters
	Logging HTTPRequestLogging `mapstructure:"logging_config" json:"logging_config" validate:"required"`
}

// EventServerEndpointConfig defines event server API endpoint config
type EventServerEndpointConfig struct {
	// PathPrefix is the end-point path prefix for the event server APIs
	PathPrefix string `mapstructure:"path_prefix" json:"path_prefix" validate:"required"`
}

// ===============================================================================
// Realtime Distribution Related Config

// Resolution failure policies
const (
	// FallbackAllConnected broadcast to every connected user when recipients can't be resolved
	FallbackAllConnected = "all_connected"
	// FallbackFailClosed drop the event when recipients can't be resolved
	FallbackFailClosed = "fail_closed"
)

// RealtimeConfig defines the parameters of the event distribution core
type RealtimeConfig struct {
	// HeartbeatInterval is the period between heartbeat events in seconds
	HeartbeatInterval int `mapstructure:"heartbeat_interval_sec" json:"heartbeat_interval_sec" validate:"gte=1"`
	// ChannelBuffer is the number of events buffered per subscription before
	// new events for that subscription are dropped
	ChannelBuffer int `mapstructure:"channel_buffer" json:"channel_buffer" validate:"gte=1"`
	// ResolverTimeout is the max duration of one recipient resolution query in seconds
	ResolverTimeout int `mapstructure:"resolver_timeout_sec" json:"resolver_timeout_sec" validate:"gte=1"`
	// FallbackPolicy is the action taken when group recipients can't be resolved
	FallbackPolicy string `mapstructure:"fallback_policy" json:"fallback_policy" validate:"required,oneof=all_connected fail_closed"`
	// FanoutWorkers is the number of workers performing group fan-out
	FanoutWorkers int `mapstructure:"fanout_workers" json:"fanout_workers" validate:"gte=1"`
	// FanoutQueue is the number of pending group fan-outs buffered per worker
	FanoutQueue int `mapstructure:"fanout_queue" json:"fanout_queue" validate:"gte=1"`
	// DisconnectHistory is the number of per-user disconnect records kept for status queries
	DisconnectHistory int `mapstructure:"disconnect_history" json:"disconnect_history" validate:"gte=1"`
}

// HeartbeatPeriod returns the heartbeat interval as a duration
func (c RealtimeConfig) HeartbeatPeriod() time.Duration {
	return time.Second * time.Duration(c.HeartbeatInterval)
}

// ResolverQueryTimeout returns the resolver query timeout as a duration
func (c RealtimeConfig) ResolverQueryTimeout() time.Duration {
	return time.Second * time.Duration(c.ResolverTimeout)
}

// DirectoryConfig defines the user / group directory source
type DirectoryConfig struct {
	// SeedFile is an optional YAML file listing users, roles and group members
	SeedFile string `mapstructure:"seed_file" json:"seed_file" validate:"omitempty,file"`
}

// ===============================================================================
// Event Server Related Config

// EventServerConfig defines configuration for the event server
type EventServerConfig struct {
	// HTTPSetting is the HTTP API / server parameters for the event server
	HTTPSetting HTTPConfig `mapstructure:"api_server" json:"api_server" validate:"required"`
	// Endpoints is the API endpoint config parameters for the event server
	Endpoints EventServerEndpointConfig `mapstructure:"endpoint_config" json:"endpoint_config" validate:"required"`
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete system config
type SystemConfig struct {
	// Realtime are the event distribution core parameters
	Realtime RealtimeConfig `mapstructure:"realtime" json:"realtime" validate:"required"`
	// Directory are the user / group directory parameters
	Directory DirectoryConfig `mapstructure:"directory" json:"directory"`
	// Server are the event server configs
	Server EventServerConfig `mapstructure:"server" json:"server" validate:"required"`
	// Intake are the NATS event intake configs. Intake is disabled when not set.
	Intake *IntakeConfig `mapstructure:"intake,omitempty" json:"intake,omitempty" validate:"omitempty"`
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default realtime settings
	viper.SetDefault("realtime.heartbeat_interval_sec", 30)
	viper.SetDefault("realtime.channel_buffer", 64)
	viper.SetDefault("realtime.resolver_timeout_sec", 5)
	viper.SetDefault("realtime.fallback_policy", FallbackAllConnected)
	viper.SetDefault("realtime.fanout_workers", 4)
	viper.SetDefault("realtime.fanout_queue", 256)
	viper.SetDefault("realtime.disconnect_history", 1024)

	// Default event server settings
	viper.SetDefault("server.endpoint_config.path_prefix", "/")
	viper.SetDefault("server.api_server.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("server.api_server.server_config.listen_port", 8080)
	viper.SetDefault("server.api_server.server_config.read_timeout_sec", 0)
	viper.SetDefault("server.api_server.server_config.write_timeout_sec", 0)
	viper.SetDefault("server.api_server.server_config.idle_timeout_sec", 600)
	viper.SetDefault(
		"server.api_server.logging_config.request_id_header", "Chatpush-Request-ID",
	)
	viper.SetDefault(
		"server.api_server.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)
}

// InstallIntakeDefaultConfigValues installs default NATS intake parameters in viper.
//
// Kept apart from InstallDefaultConfigValues as the presence of the "intake" section
// is what enables the intake.
func InstallIntakeDefaultConfigValues() {
	viper.SetDefault("intake.subject_prefix", "chatpush.events")
	viper.SetDefault("intake.nats.server_uri", "nats://127.0.0.1:4222")
	viper.SetDefault("intake.nats.connect_timeout_sec", 30)
	viper.SetDefault("intake.nats.reconnect.max_attempts", -1)
	viper.SetDefault("intake.nats.reconnect.wait_interval_sec", 15)
}
