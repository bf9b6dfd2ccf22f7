// Package config implements the relay configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	defaultAddress        = ":8080"
	defaultDataDir        = "data"
	defaultKeysDB         = "keys.db"
	defaultMailboxDB      = "mailbox.db"
	defaultLogLevel       = "NOTICE"
	defaultPingInterval   = 30 * time.Second
	defaultPongWait       = 60 * time.Second
	defaultWriteWait      = 10 * time.Second
	defaultMaxMessageSize = 512 * 1024
	defaultSendBuffer     = 256
	defaultPresenceTTL    = 5 * time.Minute
	defaultLowWaterMark   = 20
	defaultRedisAddress   = "127.0.0.1:6379"
)

// Server is the listener and data directory configuration.
type Server struct {
	// Address is the HTTP listen address for the key API and websocket.
	Address string

	// MetricsAddress, when set, serves /metrics on a separate listener.
	// Otherwise metrics are served on Address.
	MetricsAddress string

	// DataDir holds the relay's databases.
	DataDir string
}

func (sCfg *Server) applyDefaults() {
	if sCfg.Address == "" {
		sCfg.Address = defaultAddress
	}
	if sCfg.DataDir == "" {
		sCfg.DataDir = defaultDataDir
	}
}

// Logging is the logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stdout will be used.
	File string

	// Level specifies the log level.
	Level string
}

func (lCfg *Logging) validate() error {
	switch lCfg.Level {
	case "ERROR", "WARNING", "NOTICE", "INFO", "DEBUG":
	case "":
		lCfg.Level = defaultLogLevel
	default:
		return fmt.Errorf("config: Logging: Level '%v' is invalid", lCfg.Level)
	}
	return nil
}

// Storage names the relay's databases. Relative paths are resolved against
// Server.DataDir.
type Storage struct {
	// KeysDB is the bbolt file of the key bundle directory.
	KeysDB string

	// MailboxDB is the sqlite file of the offline queue and receipts.
	MailboxDB string
}

func (stCfg *Storage) applyDefaults(sCfg *Server) {
	if stCfg.KeysDB == "" {
		stCfg.KeysDB = defaultKeysDB
	}
	if stCfg.MailboxDB == "" {
		stCfg.MailboxDB = defaultMailboxDB
	}
	if !filepath.IsAbs(stCfg.KeysDB) {
		stCfg.KeysDB = filepath.Join(sCfg.DataDir, stCfg.KeysDB)
	}
	if !filepath.IsAbs(stCfg.MailboxDB) {
		stCfg.MailboxDB = filepath.Join(sCfg.DataDir, stCfg.MailboxDB)
	}
}

// Redis enables cross-instance fan-out and shared presence.
type Redis struct {
	Enable   bool
	Address  string
	Password string
	DB       int
}

func (rCfg *Redis) applyDefaults() {
	if rCfg.Address == "" {
		rCfg.Address = defaultRedisAddress
	}
}

// Delivery tunes the websocket connections.
type Delivery struct {
	// PingInterval is how often the relay pings each connection.
	PingInterval time.Duration

	// PongWait is how long a connection may stay silent before it is closed.
	PongWait time.Duration

	// WriteWait bounds each websocket write.
	WriteWait time.Duration

	// MaxMessageSize is the largest frame accepted from a device, in bytes.
	MaxMessageSize int64

	// SendBuffer is the per-connection outbound queue length.
	SendBuffer int

	// PresenceTTL is how long an online presence record lives without refresh.
	PresenceTTL time.Duration
}

func (dCfg *Delivery) applyDefaults() {
	if dCfg.PingInterval <= 0 {
		dCfg.PingInterval = defaultPingInterval
	}
	if dCfg.PongWait <= 0 {
		dCfg.PongWait = defaultPongWait
	}
	if dCfg.WriteWait <= 0 {
		dCfg.WriteWait = defaultWriteWait
	}
	if dCfg.MaxMessageSize <= 0 {
		dCfg.MaxMessageSize = defaultMaxMessageSize
	}
	if dCfg.SendBuffer <= 0 {
		dCfg.SendBuffer = defaultSendBuffer
	}
	if dCfg.PresenceTTL <= 0 {
		dCfg.PresenceTTL = defaultPresenceTTL
	}
}

func (dCfg *Delivery) validate() error {
	if dCfg.PingInterval >= dCfg.PongWait {
		return fmt.Errorf("config: Delivery: PingInterval %v must be shorter than PongWait %v",
			dCfg.PingInterval, dCfg.PongWait)
	}
	return nil
}

// Keys configures the key bundle service.
type Keys struct {
	// LowWaterMark is the one-time pre-key count below which a device is
	// asked to upload more.
	LowWaterMark int
}

func (kCfg *Keys) applyDefaults() {
	if kCfg.LowWaterMark <= 0 {
		kCfg.LowWaterMark = defaultLowWaterMark
	}
}

// Config is the top level relay configuration.
type Config struct {
	Server   *Server
	Logging  *Logging
	Storage  *Storage
	Redis    *Redis
	Delivery *Delivery
	Keys     *Keys
}

// FixupAndValidate applies defaults to config entries and validates the
// supplied configuration. Most people should call one of the Load variants
// instead.
func (cfg *Config) FixupAndValidate() error {
	if cfg.Server == nil {
		cfg.Server = &Server{}
	}
	if cfg.Logging == nil {
		cfg.Logging = &Logging{}
	}
	if cfg.Storage == nil {
		cfg.Storage = &Storage{}
	}
	if cfg.Redis == nil {
		cfg.Redis = &Redis{}
	}
	if cfg.Delivery == nil {
		cfg.Delivery = &Delivery{}
	}
	if cfg.Keys == nil {
		cfg.Keys = &Keys{}
	}

	cfg.Server.applyDefaults()
	cfg.Storage.applyDefaults(cfg.Server)
	cfg.Redis.applyDefaults()
	cfg.Delivery.applyDefaults()
	cfg.Keys.applyDefaults()

	if err := cfg.Logging.validate(); err != nil {
		return err
	}
	return cfg.Delivery.validate()
}

// Load parses and validates the provided buffer b as a config file body and
// returns the Config.
func Load(b []byte) (*Config, error) {
	cfg := new(Config)
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("config: Undecoded keys in config file: %v", undecoded)
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses and validates the provided file and returns the
// Config. An empty path yields the defaults.
func LoadFile(f string) (*Config, error) {
	if f == "" {
		return Load(nil)
	}
	b, err := os.ReadFile(f)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config: %s does not exist", f)
		}
		return nil, err
	}
	return Load(b)
}
