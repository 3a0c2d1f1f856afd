package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/matheus3301/leadsync/internal/session"
)

// DefaultFollowupMessage is the text sent to contacts selected for follow-up.
const DefaultFollowupMessage = "Hi 👋 Just following up to check in with you. Let me know if you have any questions! 😊"

// Config represents <data_dir>/config.toml.
type Config struct {
	ListenAddr string     `toml:"listen_addr"`
	DataDir    string     `toml:"data_dir"`
	LedgerPath string     `toml:"ledger_path"`
	Sync       Sync       `toml:"sync"`
	Followup   Followup   `toml:"followup"`
	Connection Connection `toml:"connection"`
}

// Sync tunes the contact sync engine.
type Sync struct {
	DaysBack     int      `toml:"days_back"`
	Concurrency  int      `toml:"concurrency"`
	MessageLimit int      `toml:"message_limit"`
	CallTimeout  Duration `toml:"call_timeout"`
}

// Followup tunes the follow-up dispatcher and its schedule.
type Followup struct {
	Days      []int    `toml:"days"`
	Message   string   `toml:"message"`
	SendDelay Duration `toml:"send_delay"`
	// Schedule is a cron spec; empty disables scheduled runs.
	Schedule string `toml:"schedule"`
}

// Connection tunes session start-up.
type Connection struct {
	StartAttempts int      `toml:"start_attempts"`
	StartBackoff  Duration `toml:"start_backoff"`
}

// Duration is a time.Duration written as a Go duration string in TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	base := session.DefaultBaseDir()
	return &Config{
		ListenAddr: ":3000",
		DataDir:    base,
		Sync: Sync{
			DaysBack:     2,
			Concurrency:  10,
			MessageLimit: 5,
			CallTimeout:  Duration{30 * time.Second},
		},
		Followup: Followup{
			Days:      []int{1, 3, 5},
			Message:   DefaultFollowupMessage,
			SendDelay: Duration{2 * time.Second},
		},
		Connection: Connection{
			StartAttempts: 3,
			StartBackoff:  Duration{2 * time.Second},
		},
	}
}

// Load reads config from path on top of Default. A missing file yields the
// defaults; a malformed one is an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	cfg.applyEnv()
	cfg.fill()
	return cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

func (c *Config) applyEnv() {
	if v := os.Getenv("LEADSYNC_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv("LEADSYNC_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v, ok := os.LookupEnv("LEADSYNC_FOLLOWUP_SCHEDULE"); ok {
		c.Followup.Schedule = v
	}
}

// fill replaces zero values left by a partial file.
func (c *Config) fill() {
	def := Default()
	if c.DataDir == "" {
		c.DataDir = def.DataDir
	}
	if c.LedgerPath == "" {
		c.LedgerPath = session.LedgerPath(c.DataDir)
	}
	if c.Sync.DaysBack <= 0 {
		c.Sync.DaysBack = def.Sync.DaysBack
	}
	if c.Sync.Concurrency <= 0 {
		c.Sync.Concurrency = def.Sync.Concurrency
	}
	if c.Sync.MessageLimit <= 0 {
		c.Sync.MessageLimit = def.Sync.MessageLimit
	}
	if c.Sync.CallTimeout.Duration <= 0 {
		c.Sync.CallTimeout = def.Sync.CallTimeout
	}
	if len(c.Followup.Days) == 0 {
		c.Followup.Days = def.Followup.Days
	}
	if c.Followup.Message == "" {
		c.Followup.Message = def.Followup.Message
	}
	if c.Followup.SendDelay.Duration < 0 {
		c.Followup.SendDelay = def.Followup.SendDelay
	}
	if c.Connection.StartAttempts <= 0 {
		c.Connection.StartAttempts = def.Connection.StartAttempts
	}
	if c.Connection.StartBackoff.Duration <= 0 {
		c.Connection.StartBackoff = def.Connection.StartBackoff
	}
}
