package config

import (
	"strings"
	"testing"
)

func TestFromEnvDefaults(t *testing.T) {
	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if cfg.HubHost != "localhost" || cfg.HubPort != 8000 {
		t.Fatalf("unexpected hub defaults: %+v", cfg)
	}
	if cfg.TransportBin != "jacktrip" || cfg.TransportBasePort != 4464 || cfg.TransportPortRange != 100 {
		t.Fatalf("unexpected transport defaults: %+v", cfg)
	}
	if cfg.SingleRoomMode {
		t.Fatal("single-room mode must default off")
	}
	if cfg.DBPath != "hub.db" || cfg.CertsDir != "certs" {
		t.Fatalf("unexpected storage defaults: %+v", cfg)
	}
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("HUB_HOST", "hub.example.com")
	t.Setenv("HUB_PORT", "9443")
	t.Setenv("TRANSPORT_BASE_PORT", "5000")
	t.Setenv("TRANSPORT_PORT_RANGE", "20")
	t.Setenv("SINGLE_ROOM_MODE", "true")
	t.Setenv("BAND_NAME", "Night Owls")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if cfg.HubHost != "hub.example.com" || cfg.HubPort != 9443 {
		t.Fatalf("unexpected hub config: %+v", cfg)
	}
	if cfg.TransportBasePort != 5000 || cfg.TransportPortRange != 20 {
		t.Fatalf("unexpected port pool: %+v", cfg)
	}
	if !cfg.SingleRoomMode || cfg.BandName != "Night Owls" {
		t.Fatalf("unexpected single-room config: %+v", cfg)
	}
}

func TestFromEnvRejectsBadInt(t *testing.T) {
	t.Setenv("HUB_PORT", "not-a-port")

	if _, err := FromEnv(); err == nil || !strings.Contains(err.Error(), "HUB_PORT") {
		t.Fatalf("expected HUB_PORT parse error, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	base := Config{
		HubPort:            8000,
		TransportBin:       "jacktrip",
		TransportBasePort:  4464,
		TransportPortRange: 100,
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero hub port", func(c *Config) { c.HubPort = 0 }},
		{"hub port too high", func(c *Config) { c.HubPort = 70000 }},
		{"zero base port", func(c *Config) { c.TransportBasePort = 0 }},
		{"empty range", func(c *Config) { c.TransportPortRange = 0 }},
		{"pool past 65535", func(c *Config) { c.TransportBasePort = 65500; c.TransportPortRange = 100 }},
		{"missing binary", func(c *Config) { c.TransportBin = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := base
			tc.mutate(&c)
			if err := c.Validate(); err == nil {
				t.Fatalf("expected validation error for %s", tc.name)
			}
		})
	}
}
