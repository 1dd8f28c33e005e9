package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/NotCoffee418/dlt645_meter/pkg/bcd"
	"github.com/NotCoffee418/dlt645_meter/pkg/dlt645"
	"github.com/NotCoffee418/dlt645_meter/pkg/pathing"
)

var (
	ActiveInterpreterAPIConfig *InterpreterAPIConfig
	ActiveMeterCollectorConfig *MeterCollectorConfig
)

const (
	DiscoveryModePower   = "power"
	DiscoveryModeAddress = "address"
)

func DefaultLoggingConfig() LoggingConfig {
	return LoggingConfig{
		Level:      "info",
		Format:     "console",
		MaxSizeMB:  10,
		MaxBackups: 3,
		MaxAgeDays: 14,
		Compress:   true,
	}
}

func DefaultInterpreterAPIConfig() *InterpreterAPIConfig {
	return &InterpreterAPIConfig{
		Serial: SerialConfig{
			Device:       "/dev/ttyUSB0",
			Baudrate:     2400,
			BaudRates:    []uint{1200, 2400, 4800, 9600},
			RxBufferSize: 256,
		},
		Protocol: ProtocolConfig{
			CommandTimeoutMs:     1000,
			DiscoveryTimeoutMs:   2000,
			PowerRatio:           10,
			DiscoveryMode:        DiscoveryModePower,
			PublishIntervalMs:    200,
			RelayPassword:        "000000",
			RelayPasswordLevel:   2,
			OperatorCode:         "00000000",
			RelayValidityMinutes: 10,
		},
		HTTP: HTTPConfig{
			ListenAddress:  "0.0.0.0",
			ListenPort:     9039,
			MetricsEnabled: true,
		},
		MQTT: MQTTConfig{
			Host:      "localhost",
			Port:      1883,
			ClientID:  "dlt645_meter",
			BaseTopic: "dlt645",
		},
		Logging: DefaultLoggingConfig(),
	}
}

func DefaultMeterCollectorConfig() *MeterCollectorConfig {
	return &MeterCollectorConfig{
		InterpreterAPIHost: "localhost:9039",
		TLSEnabled:         false,
		Logging:            DefaultLoggingConfig(),
	}
}

func LoadInterpreterAPIConfig() error {
	cfg, err := LoadInterpreterAPIConfigFrom(filepath.Join(pathing.GetConfigDir(), "interpreter_api.toml"))
	if err != nil {
		return err
	}
	ActiveInterpreterAPIConfig = cfg
	return nil
}

func LoadMeterCollectorConfig() error {
	cfg, err := LoadMeterCollectorConfigFrom(filepath.Join(pathing.GetConfigDir(), "meter_collector.toml"))
	if err != nil {
		return err
	}
	ActiveMeterCollectorConfig = cfg
	return nil
}

// LoadInterpreterAPIConfigFrom reads configPath, writing the defaults there
// first if it does not exist. Keys missing from the file keep their defaults.
func LoadInterpreterAPIConfigFrom(configPath string) (*InterpreterAPIConfig, error) {
	cfg := DefaultInterpreterAPIConfig()
	if err := loadOrCreate(configPath, cfg); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", configPath, err)
	}
	return cfg, nil
}

func LoadMeterCollectorConfigFrom(configPath string) (*MeterCollectorConfig, error) {
	cfg := DefaultMeterCollectorConfig()
	if err := loadOrCreate(configPath, cfg); err != nil {
		return nil, err
	}
	if cfg.InterpreterAPIHost == "" {
		return nil, fmt.Errorf("%s: interpreter_api_host must be set", configPath)
	}
	return cfg, nil
}

func loadOrCreate(configPath string, cfg any) error {
	// Create default if not exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := pathing.EnsureDir(filepath.Dir(configPath)); err != nil {
			return err
		}
		cfgFile, err := os.Create(configPath)
		if err != nil {
			return err
		}
		defer cfgFile.Close()
		return toml.NewEncoder(cfgFile).Encode(cfg)
	}

	// Load existing config
	if _, err := toml.DecodeFile(configPath, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", configPath, err)
	}
	return nil
}

type rule struct {
	field string
	ok    bool
	msg   string
}

// Validate returns the first violated rule.
func Validate(cfg *InterpreterAPIConfig) error {
	p := cfg.Protocol
	_, passwordErr := bcd.EncodeDigits(p.RelayPassword)
	_, operatorErr := parseOperatorCode(p.OperatorCode)

	rules := []rule{
		{"serial.device", cfg.Simulate || cfg.Serial.Device != "", "must be set"},
		{"serial.baudrate", cfg.Serial.Baudrate > 0, "must be positive"},
		{"serial.rx_buffer_size", cfg.Serial.RxBufferSize >= 128 && cfg.Serial.RxBufferSize <= 1024, "must be between 128 and 1024"},
		{"protocol.command_timeout_ms", p.CommandTimeoutMs > 0, "must be positive"},
		{"protocol.discovery_timeout_ms", p.DiscoveryTimeoutMs > 0, "must be positive"},
		{"protocol.power_ratio", p.PowerRatio >= 1 && p.PowerRatio <= 100, "must be between 1 and 100"},
		{"protocol.discovery_mode", p.DiscoveryMode == DiscoveryModePower || p.DiscoveryMode == DiscoveryModeAddress, `must be "power" or "address"`},
		{"protocol.publish_interval_ms", p.PublishIntervalMs > 0, "must be positive"},
		{"protocol.relay_password", len(p.RelayPassword) == 6 && passwordErr == nil, "must be 6 decimal digits"},
		{"protocol.relay_password_level", p.RelayPasswordLevel >= 0 && p.RelayPasswordLevel <= 0xFF, "must fit in one byte"},
		{"protocol.operator_code", operatorErr == nil, "must be 8 hex digits"},
		{"protocol.relay_validity_minutes", p.RelayValidityMinutes > 0, "must be positive"},
		{"http.listen_port", cfg.HTTP.ListenPort > 0 && cfg.HTTP.ListenPort < 65536, "must be a valid port"},
		{"mqtt.host", !cfg.MQTT.Enabled || cfg.MQTT.Host != "", "must be set when mqtt is enabled"},
		{"mqtt.base_topic", !cfg.MQTT.Enabled || cfg.MQTT.BaseTopic != "", "must be set when mqtt is enabled"},
	}
	for _, r := range rules {
		if !r.ok {
			return fmt.Errorf("invalid config: %s %s", r.field, r.msg)
		}
	}
	return nil
}

func parseOperatorCode(s string) ([4]byte, error) {
	var code [4]byte
	if len(s) != 8 {
		return code, fmt.Errorf("operator code %q must have 8 digits", s)
	}
	// printed MSB first like the meter address
	addr, err := dlt645.ParseAddress("0000" + s)
	if err != nil {
		return code, err
	}
	copy(code[:], addr[:4])
	return code, nil
}

// Credentials builds the write/relay credentials from the protocol section.
// The section must have passed Validate.
func (p ProtocolConfig) Credentials() dlt645.Credentials {
	creds := dlt645.Credentials{PasswordLevel: byte(p.RelayPasswordLevel)}
	if pw, err := bcd.EncodeDigits(p.RelayPassword); err == nil {
		copy(creds.Password[:], pw)
	}
	if code, err := parseOperatorCode(p.OperatorCode); err == nil {
		creds.OperatorCode = code
	}
	return creds
}

func (p ProtocolConfig) CommandTimeout() time.Duration {
	return time.Duration(p.CommandTimeoutMs) * time.Millisecond
}

func (p ProtocolConfig) DiscoveryTimeout() time.Duration {
	return time.Duration(p.DiscoveryTimeoutMs) * time.Millisecond
}

func (p ProtocolConfig) PublishInterval() time.Duration {
	return time.Duration(p.PublishIntervalMs) * time.Millisecond
}

func (p ProtocolConfig) RelayValidity() time.Duration {
	return time.Duration(p.RelayValidityMinutes) * time.Minute
}
