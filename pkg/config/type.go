package config

type MeterCollectorConfig struct {
	InterpreterAPIHost string        `toml:"interpreter_api_host"`
	TLSEnabled         bool          `toml:"tls_enabled"`
	Logging            LoggingConfig `toml:"logging"`
}

type InterpreterAPIConfig struct {
	// Replace the serial port with the built-in simulated meter
	Simulate bool           `toml:"simulate"`
	Serial   SerialConfig   `toml:"serial"`
	Protocol ProtocolConfig `toml:"protocol"`
	HTTP     HTTPConfig     `toml:"http"`
	MQTT     MQTTConfig     `toml:"mqtt"`
	Logging  LoggingConfig  `toml:"logging"`
}

type SerialConfig struct {
	Device   string `toml:"device"`
	Baudrate uint   `toml:"baudrate"`
	// Tried in order after a discovery timeout, starting at Baudrate
	BaudRates    []uint `toml:"baud_rates"`
	RxBufferSize int    `toml:"rx_buffer_size"`
}

type ProtocolConfig struct {
	CommandTimeoutMs   int `toml:"command_timeout_ms"`
	DiscoveryTimeoutMs int `toml:"discovery_timeout_ms"`
	// Power reads per slower register read
	PowerRatio int `toml:"power_ratio"`
	// "power" or "address"
	DiscoveryMode     string `toml:"discovery_mode"`
	PublishIntervalMs int    `toml:"publish_interval_ms"`

	// Relay control and clock writes
	RelayPassword        string `toml:"relay_password"`
	RelayPasswordLevel   int    `toml:"relay_password_level"`
	OperatorCode         string `toml:"operator_code"`
	RelayValidityMinutes int    `toml:"relay_validity_minutes"`
}

type HTTPConfig struct {
	ListenAddress  string `toml:"listen_address"`
	ListenPort     int    `toml:"listen_port"`
	MetricsEnabled bool   `toml:"metrics_enabled"`
}

type MQTTConfig struct {
	Enabled   bool   `toml:"enabled"`
	Host      string `toml:"host"`
	Port      int    `toml:"port"`
	Username  string `toml:"username"`
	Password  string `toml:"password"`
	ClientID  string `toml:"client_id"`
	BaseTopic string `toml:"base_topic"`
}

type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
	// Empty logs to stdout only; relative names go to the log dir
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
	Compress   bool   `toml:"compress"`
}
