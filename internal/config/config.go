// Package config holds the hub's startup configuration. All options are
// read once from the environment into an explicit Config record that is
// passed to component constructors; there is no process-global state.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Defaults match the historical deployment: JackTrip's conventional base
// port 4464 and a pool of 100 UDP ports.
const (
	DefaultHubHost       = "localhost"
	DefaultHubPort       = 8000
	DefaultTransportBin  = "jacktrip"
	DefaultBasePort      = 4464
	DefaultPortRange     = 100
	DefaultMaxRoomSize   = 4
	DefaultChannels      = 2
	DefaultReapGraceSecs = 300
)

// Config is the complete hub configuration.
type Config struct {
	// HubHost is the externally reachable hostname handed to transport
	// clients in join responses.
	HubHost string
	// HubPort is the TCP port for HTTP and WebSocket traffic.
	HubPort int

	// TransportBin is the path to the jacktrip binary.
	TransportBin string
	// TransportBasePort and TransportPortRange define the UDP pool
	// [base, base+range) from which room ports are allocated.
	TransportBasePort  int
	TransportPortRange int
	// TransportChannels is the channel count passed to spawned servers.
	TransportChannels int

	// SSLCertFile and SSLKeyFile point at TLS material on disk. When
	// either is empty a self-signed certificate is generated under
	// CertsDir on first run.
	SSLCertFile string
	SSLKeyFile  string
	CertsDir    string

	// SingleRoomMode creates one default room at startup and disables
	// room creation and deletion through the API.
	SingleRoomMode bool
	// BandName is the display name of the default room in single-room
	// mode.
	BandName string

	// DBPath is the SQLite database file holding users and sessions.
	DBPath string

	// DefaultMaxParticipants applies when a create request omits the
	// participant cap.
	DefaultMaxParticipants int

	// ReapGraceSecs is how long a room may sit empty before the
	// background reaper destroys it (multi-room mode only).
	ReapGraceSecs int
}

// FromEnv builds a Config from environment variables, falling back to
// defaults for anything unset.
func FromEnv() (Config, error) {
	cfg := Config{
		HubHost:                envStr("HUB_HOST", DefaultHubHost),
		TransportBin:           envStr("TRANSPORT_BIN", DefaultTransportBin),
		SSLCertFile:            envStr("SSL_CERTFILE", ""),
		SSLKeyFile:             envStr("SSL_KEYFILE", ""),
		CertsDir:               envStr("CERTS_DIR", "certs"),
		BandName:               envStr("BAND_NAME", "The Band"),
		DBPath:                 envStr("HUB_DB", "hub.db"),
		TransportChannels:      DefaultChannels,
		DefaultMaxParticipants: DefaultMaxRoomSize,
	}

	var err error
	if cfg.HubPort, err = envInt("HUB_PORT", DefaultHubPort); err != nil {
		return Config{}, err
	}
	if cfg.TransportBasePort, err = envInt("TRANSPORT_BASE_PORT", DefaultBasePort); err != nil {
		return Config{}, err
	}
	if cfg.TransportPortRange, err = envInt("TRANSPORT_PORT_RANGE", DefaultPortRange); err != nil {
		return Config{}, err
	}
	if cfg.ReapGraceSecs, err = envInt("REAP_GRACE_SECONDS", DefaultReapGraceSecs); err != nil {
		return Config{}, err
	}
	cfg.SingleRoomMode = envBool("SINGLE_ROOM_MODE")

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the hub cannot run with.
func (c Config) Validate() error {
	if c.HubPort <= 0 || c.HubPort > 65535 {
		return fmt.Errorf("config: HUB_PORT %d out of range", c.HubPort)
	}
	if c.TransportBasePort <= 0 || c.TransportBasePort > 65535 {
		return fmt.Errorf("config: TRANSPORT_BASE_PORT %d out of range", c.TransportBasePort)
	}
	if c.TransportPortRange <= 0 {
		return fmt.Errorf("config: TRANSPORT_PORT_RANGE must be positive, got %d", c.TransportPortRange)
	}
	if c.TransportBasePort+c.TransportPortRange > 65536 {
		return fmt.Errorf("config: port pool [%d, %d) exceeds 65535",
			c.TransportBasePort, c.TransportBasePort+c.TransportPortRange)
	}
	if c.TransportBin == "" {
		return fmt.Errorf("config: TRANSPORT_BIN must not be empty")
	}
	return nil
}

func envStr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return n, nil
}

func envBool(key string) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
