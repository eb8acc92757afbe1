package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Radio.DataRate != 1000000 || !cfg.Radio.PTX {
		t.Fatalf("defaults not applied: %+v", cfg.Radio)
	}
	if cfg.Connection.SerialBaud != DefaultSerialBaud {
		t.Fatalf("default baud = %d", cfg.Connection.SerialBaud)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "slotrf.json")

	cfg := Default()
	cfg.Radio.ID = 0xCAFEBABE
	cfg.Radio.PTX = false
	cfg.Radio.DataRate = 250000
	cfg.Radio.TransmitTimeoutMs = 0
	cfg.Storage.Enabled = true

	if err := Save(path, cfg); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got != cfg {
		t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", got, cfg)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("temp file left behind")
	}
}

func TestValidateRejectsBadRadioValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*AppConfig)
	}{
		{"data rate", func(c *AppConfig) { c.Radio.DataRate = 500000 }},
		{"output power", func(c *AppConfig) { c.Radio.OutputPower = 3 }},
		{"retransmit count", func(c *AppConfig) { c.Radio.AutoRetransmitCount = 16 }},
		{"negative timeout", func(c *AppConfig) { c.Radio.TransmitTimeoutMs = -1 }},
		{"missing spi device", func(c *AppConfig) { c.Hardware.SPIDevice = " " }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("validate accepted %s", tt.name)
			}
		})
	}
}

func TestSlotNamespaceRoundTrip(t *testing.T) {
	cfg := Default()

	sets := map[string]string{
		"ptx":                   "0",
		"id":                    "cafebabe",
		"data_rate":             "2000000",
		"output_power":          "-6",
		"auto_retransmit_count": "3",
		"print_channels":        "1",
		"transmit_timeout_ms":   "500",
	}
	for key, value := range sets {
		if err := cfg.SetSlot(key, value); err != nil {
			t.Fatalf("set %s=%s: %v", key, value, err)
		}
	}
	if cfg.Radio.ID != 0xCAFEBABE || cfg.Radio.PTX || cfg.Radio.DataRate != 2000000 {
		t.Fatalf("sets not applied: %+v", cfg.Radio)
	}

	for key, want := range sets {
		got, err := cfg.GetSlot(key)
		if err != nil {
			t.Fatalf("get %s: %v", key, err)
		}
		if got != want {
			t.Fatalf("get %s = %q, want %q", key, got, want)
		}
	}
}

func TestSlotNamespaceRejectsUnknownsAndGarbage(t *testing.T) {
	cfg := Default()
	if err := cfg.SetSlot("bogus", "1"); err == nil {
		t.Fatalf("unknown key accepted")
	}
	if _, err := cfg.GetSlot("bogus"); err == nil {
		t.Fatalf("unknown key read")
	}
	if err := cfg.SetSlot("id", "not-hex"); err == nil {
		t.Fatalf("bad id accepted")
	}
	if err := cfg.SetSlot("ptx", "maybe"); err == nil {
		t.Fatalf("bad bool accepted")
	}
}
