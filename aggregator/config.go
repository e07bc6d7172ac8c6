package aggregator

// Config is the main configuration
type Config struct {
	Env      string         `yaml:"env"`
	AMQP     AMQPConfig     `yaml:"amqp"`
	MySQL    MySQLConfig    `yaml:"mysql"`
	Channels ChannelConfig  `yaml:"channels"`
	Pipeline PipelineConfig `yaml:"pipeline"`
}

// ChannelConfig names the inbound queues and outbound topics
type ChannelConfig struct {
	TelemetryQueue   string `yaml:"telemetry_queue"`
	TrafficQueue     string `yaml:"traffic_queue"`
	JoinedDataTopic  string `yaml:"joined_data_topic"`
	DriverStatsTopic string `yaml:"driver_stats_topic"`
}

// PipelineConfig holds the windowing and partitioning parameters
type PipelineConfig struct {
	// WindowMs is the tumbling join window length in milliseconds.
	WindowMs int `yaml:"window_ms"`

	// RingCapacity is the number of joined records kept per driver for
	// the sliding statistics window.
	RingCapacity int `yaml:"ring_capacity"`

	// Partitions is the number of aggregation workers. Fixed for the
	// lifetime of the process.
	Partitions int `yaml:"partitions"`

	// BufferSize bounds the channels between pipeline stages. Defaults
	// to 64 when unset.
	BufferSize int `yaml:"buffer_size"`
}

const defaultBufferSize = 64

// Validate checks the configuration before the pipeline starts. Any
// returned error is a *ConfigurationError and must be treated as fatal.
func (c *Config) Validate() error {
	if c.Pipeline.WindowMs <= 0 {
		return &ConfigurationError{Field: "pipeline.window_ms", Reason: "must be positive"}
	}
	if c.Pipeline.RingCapacity <= 0 {
		return &ConfigurationError{Field: "pipeline.ring_capacity", Reason: "must be positive"}
	}
	if c.Pipeline.Partitions <= 0 {
		return &ConfigurationError{Field: "pipeline.partitions", Reason: "must be positive"}
	}
	if c.Pipeline.BufferSize < 0 {
		return &ConfigurationError{Field: "pipeline.buffer_size", Reason: "must not be negative"}
	}
	if c.Channels.TelemetryQueue == "" {
		return &ConfigurationError{Field: "channels.telemetry_queue", Reason: "must be set"}
	}
	if c.Channels.TrafficQueue == "" {
		return &ConfigurationError{Field: "channels.traffic_queue", Reason: "must be set"}
	}
	if c.Channels.JoinedDataTopic == "" {
		return &ConfigurationError{Field: "channels.joined_data_topic", Reason: "must be set"}
	}
	if c.Channels.DriverStatsTopic == "" {
		return &ConfigurationError{Field: "channels.driver_stats_topic", Reason: "must be set"}
	}

	return nil
}

func (c *Config) bufferSize() int {
	if c.Pipeline.BufferSize == 0 {
		return defaultBufferSize
	}

	return c.Pipeline.BufferSize
}
