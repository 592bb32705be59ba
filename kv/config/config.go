package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/ngaut/log"
	"github.com/pingcap/errors"
)

type Config struct {
	LogLevel string `toml:"log-level"`

	DBPath string `toml:"db-path"` // Directory to store the data in. Should exist and be writable.

	// Number of page frames the buffer manager may hold in memory at once.
	BufferFrames int `toml:"buffer-frames"`
	// Size in bytes of the log manager's append buffer. Appends past this
	// size force a flush.
	LogBufferSize int `toml:"log-buffer-size"`
}

const (
	KB = 1024
	MB = 1024 * 1024
)

func (c *Config) Validate() error {
	if c.BufferFrames <= 0 {
		return fmt.Errorf("buffer frames must be greater than 0")
	}
	if c.LogBufferSize < 4*KB {
		log.Warnf("log buffer of %d bytes is smaller than a page; most appends will flush", c.LogBufferSize)
	}
	return nil
}

func getLogLevel() (logLevel string) {
	logLevel = "info"
	if l := os.Getenv("LOG_LEVEL"); len(l) != 0 {
		logLevel = l
	}
	return
}

func NewDefaultConfig() *Config {
	return &Config{
		LogLevel:      getLogLevel(),
		DBPath:        "/tmp/tinydb",
		BufferFrames:  1024,
		LogBufferSize: 4 * KB,
	}
}

func NewTestConfig() *Config {
	return &Config{
		LogLevel:      getLogLevel(),
		BufferFrames:  16,
		LogBufferSize: 4 * KB,
	}
}

// FromFile loads a config from a TOML file, on top of the defaults.
func FromFile(path string) (*Config, error) {
	c := NewDefaultConfig()
	if _, err := toml.DecodeFile(path, c); err != nil {
		return nil, errors.WithStack(err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}
