// Package config holds the persisted application configuration: how to reach
// the hardware and the console, and the radio parameters of the slot link.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	DefaultSerialBaud = 115200
	DefaultSPISpeedHz = 8_000_000
)

// LoggingConfig defines runtime logging behavior.
type LoggingConfig struct {
	Level     string `json:"level"`
	LogToFile bool   `json:"log_to_file"`
}

// ConnectionConfig locates the command console. An empty serial port means
// the console runs on stdin/stdout.
type ConnectionConfig struct {
	SerialPort string `json:"serial_port"`
	SerialBaud int    `json:"serial_baud"`
}

// HardwareConfig locates the transceiver's bus and control lines.
type HardwareConfig struct {
	SPIDevice  string `json:"spi_device"`
	SPISpeedHz int    `json:"spi_speed_hz"`
	GPIOChip   string `json:"gpio_chip"`
	CSLine     int    `json:"cs_line"`
	CELine     int    `json:"ce_line"`
	IRQLine    int    `json:"irq_line"`
}

// RadioConfig is the `slot` namespace: the link parameters. Changing any of
// them restarts the whole radio stack.
type RadioConfig struct {
	PTX                 bool   `json:"ptx"`
	ID                  uint32 `json:"id"`
	DataRate            int    `json:"data_rate"`
	OutputPower         int    `json:"output_power"`
	AutoRetransmitCount int    `json:"auto_retransmit_count"`
	PrintChannels       bool   `json:"print_channels"`
	TransmitTimeoutMs   int    `json:"transmit_timeout_ms"`
}

// StorageConfig controls the received-slot log.
type StorageConfig struct {
	Enabled        bool   `json:"enabled"`
	Path           string `json:"path"`
	RetentionHours int    `json:"retention_hours"`
}

// AppConfig is the root persisted configuration.
type AppConfig struct {
	Connection ConnectionConfig `json:"connection"`
	Hardware   HardwareConfig   `json:"hardware"`
	Radio      RadioConfig      `json:"radio"`
	Storage    StorageConfig    `json:"storage"`
	Logging    LoggingConfig    `json:"logging"`
}

func Default() AppConfig {
	return AppConfig{
		Connection: ConnectionConfig{
			SerialPort: "",
			SerialBaud: DefaultSerialBaud,
		},
		Hardware: HardwareConfig{
			SPIDevice:  "/dev/spidev0.0",
			SPISpeedHz: DefaultSPISpeedHz,
			GPIOChip:   "gpiochip0",
			CSLine:     8,
			CELine:     25,
			IRQLine:    24,
		},
		Radio: RadioConfig{
			PTX:                 true,
			ID:                  0x30251023,
			DataRate:            1000000,
			OutputPower:         0,
			AutoRetransmitCount: 0,
			PrintChannels:       false,
			TransmitTimeoutMs:   1000,
		},
		Storage: StorageConfig{
			Enabled:        false,
			Path:           "slotrf.db",
			RetentionHours: 72,
		},
		Logging: LoggingConfig{
			Level:     "info",
			LogToFile: false,
		},
	}
}

func Load(path string) (AppConfig, error) {
	cfg := Default()
	cleanPath := filepath.Clean(path)
	raw, err := os.ReadFile(cleanPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}

	if err := json.Unmarshal(raw, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("decode config json: %w", err)
	}

	cfg.FillMissingDefaults()
	return cfg, nil
}

func (c *AppConfig) FillMissingDefaults() {
	if c.Connection.SerialBaud <= 0 {
		c.Connection.SerialBaud = DefaultSerialBaud
	}
	if c.Hardware.SPISpeedHz <= 0 {
		c.Hardware.SPISpeedHz = DefaultSPISpeedHz
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "slotrf.db"
	}
	if c.Storage.RetentionHours <= 0 {
		c.Storage.RetentionHours = 72
	}
}

func (c AppConfig) Validate() error {
	switch c.Radio.DataRate {
	case 250000, 1000000, 2000000:
	default:
		return fmt.Errorf("unsupported data rate: %d", c.Radio.DataRate)
	}
	switch c.Radio.OutputPower {
	case -18, -12, -6, 0, 7:
	default:
		return fmt.Errorf("unsupported output power: %d", c.Radio.OutputPower)
	}
	if c.Radio.AutoRetransmitCount < 0 || c.Radio.AutoRetransmitCount > 15 {
		return fmt.Errorf("auto retransmit count out of range: %d", c.Radio.AutoRetransmitCount)
	}
	if c.Radio.TransmitTimeoutMs < 0 {
		return fmt.Errorf("transmit timeout must not be negative: %d", c.Radio.TransmitTimeoutMs)
	}
	if c.Connection.SerialBaud <= 0 {
		return errors.New("serial baud must be positive")
	}
	if strings.TrimSpace(c.Hardware.SPIDevice) == "" {
		return errors.New("spi device is required")
	}
	if strings.TrimSpace(c.Hardware.GPIOChip) == "" {
		return errors.New("gpio chip is required")
	}
	return nil
}

func Save(path string, cfg AppConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}

	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, raw, 0o600); err != nil {
		return fmt.Errorf("write temp config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename temp config: %w", err)
	}
	return nil
}

// SlotKeys lists the `slot` namespace keys served by the conf verbs, in
// display order.
func SlotKeys() []string {
	return []string{
		"ptx",
		"id",
		"data_rate",
		"output_power",
		"auto_retransmit_count",
		"print_channels",
		"transmit_timeout_ms",
	}
}

// GetSlot reads one `slot` namespace value as console text. The id renders
// as hex; booleans as 0/1.
func (c *AppConfig) GetSlot(key string) (string, error) {
	switch key {
	case "ptx":
		return formatBool(c.Radio.PTX), nil
	case "id":
		return fmt.Sprintf("%08x", c.Radio.ID), nil
	case "data_rate":
		return strconv.Itoa(c.Radio.DataRate), nil
	case "output_power":
		return strconv.Itoa(c.Radio.OutputPower), nil
	case "auto_retransmit_count":
		return strconv.Itoa(c.Radio.AutoRetransmitCount), nil
	case "print_channels":
		return formatBool(c.Radio.PrintChannels), nil
	case "transmit_timeout_ms":
		return strconv.Itoa(c.Radio.TransmitTimeoutMs), nil
	}
	return "", fmt.Errorf("unknown key: %s", key)
}

// SetSlot parses and stores one `slot` namespace value. The caller validates
// the resulting config before committing it.
func (c *AppConfig) SetSlot(key, value string) error {
	switch key {
	case "ptx":
		return parseBool(value, &c.Radio.PTX)
	case "id":
		v, err := strconv.ParseUint(value, 16, 32)
		if err != nil {
			return fmt.Errorf("parse id: %w", err)
		}
		c.Radio.ID = uint32(v)
		return nil
	case "data_rate":
		return parseInt(value, &c.Radio.DataRate)
	case "output_power":
		return parseInt(value, &c.Radio.OutputPower)
	case "auto_retransmit_count":
		return parseInt(value, &c.Radio.AutoRetransmitCount)
	case "print_channels":
		return parseBool(value, &c.Radio.PrintChannels)
	case "transmit_timeout_ms":
		return parseInt(value, &c.Radio.TransmitTimeoutMs)
	}
	return fmt.Errorf("unknown key: %s", key)
}

func formatBool(v bool) string {
	if v {
		return "1"
	}
	return "0"
}

func parseBool(value string, out *bool) error {
	switch value {
	case "1", "true", "on":
		*out = true
	case "0", "false", "off":
		*out = false
	default:
		return fmt.Errorf("parse bool: %q", value)
	}
	return nil
}

func parseInt(value string, out *int) error {
	v, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("parse int: %w", err)
	}
	*out = v
	return nil
}
