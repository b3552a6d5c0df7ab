package helper

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/endorses/rtsphelper/internal/pkg/conntrack"
	"github.com/endorses/rtsphelper/internal/pkg/constants"
	"github.com/spf13/viper"
)

var configOnce sync.Once

// ErrInvalidConfig is wrapped by every Validate failure
var ErrInvalidConfig = errors.New("invalid rtsp helper configuration")

// Config holds the helper and conntrack parameters
type Config struct {
	// Control ports the helper is attached to
	Ports []int `mapstructure:"ports"`
	// Pending expectations per control connection
	MaxOutstanding int `mapstructure:"max_outstanding"`
	// Lifetime of a pending expectation
	SetupTimeout time.Duration `mapstructure:"setup_timeout"`
	// Apply the per-client port offset to client_port values
	PortOffset bool `mapstructure:"port_offset"`
	// Treat control connections as address-translated
	NAT bool `mapstructure:"nat"`
	// Table-wide cap on allocated plus pending expectations
	MaxExpectations int `mapstructure:"max_expectations"`
}

// initConfigDefaults initializes viper defaults once
func initConfigDefaults() {
	viper.SetDefault("rtsp.ports", []int{constants.DefaultRTSPPort})
	viper.SetDefault("rtsp.max_outstanding", constants.DefaultMaxOutstanding)
	viper.SetDefault("rtsp.setup_timeout", constants.DefaultSetupTimeout)
	viper.SetDefault("rtsp.port_offset", true)
	viper.SetDefault("rtsp.nat", false)
	viper.SetDefault("conntrack.max_expectations", constants.DefaultMaxExpectations)
}

// GetConfig returns the current configuration with defaults
func GetConfig() *Config {
	configOnce.Do(initConfigDefaults)

	return &Config{
		Ports:           viper.GetIntSlice("rtsp.ports"),
		MaxOutstanding:  viper.GetInt("rtsp.max_outstanding"),
		SetupTimeout:    viper.GetDuration("rtsp.setup_timeout"),
		PortOffset:      viper.GetBool("rtsp.port_offset"),
		NAT:             viper.GetBool("rtsp.nat"),
		MaxExpectations: viper.GetInt("conntrack.max_expectations"),
	}
}

// DefaultConfig returns the configuration used when nothing is set
func DefaultConfig() *Config {
	return &Config{
		Ports:           []int{constants.DefaultRTSPPort},
		MaxOutstanding:  constants.DefaultMaxOutstanding,
		SetupTimeout:    constants.DefaultSetupTimeout,
		PortOffset:      true,
		MaxExpectations: constants.DefaultMaxExpectations,
	}
}

// Validate checks the configuration the way module load would
func (c *Config) Validate() error {
	if len(c.Ports) == 0 {
		return fmt.Errorf("no control ports: %w", ErrInvalidConfig)
	}
	if len(c.Ports) > constants.MaxPorts {
		return fmt.Errorf("%d control ports, at most %d: %w", len(c.Ports), constants.MaxPorts, ErrInvalidConfig)
	}
	for _, p := range c.Ports {
		if p <= 0 || p > 0xffff {
			return fmt.Errorf("control port %d: %w", p, ErrInvalidConfig)
		}
	}
	if c.MaxOutstanding < 1 {
		return fmt.Errorf("max_outstanding %d must be at least 1: %w", c.MaxOutstanding, ErrInvalidConfig)
	}
	if c.SetupTimeout <= 0 {
		return fmt.Errorf("setup_timeout %s must be positive: %w", c.SetupTimeout, ErrInvalidConfig)
	}
	if c.MaxExpectations < 1 {
		return fmt.Errorf("max_expectations %d must be at least 1: %w", c.MaxExpectations, ErrInvalidConfig)
	}
	return nil
}

// Policy returns the expectation policy for a conntrack table
func (c *Config) Policy() conntrack.Policy {
	return conntrack.Policy{
		MaxExpected: c.MaxOutstanding,
		Timeout:     c.SetupTimeout,
		MaxTotal:    c.MaxExpectations,
		ConnTimeout: constants.DefaultConnTimeout,
	}
}

// Watches reports whether port is one of the control ports
func (c *Config) Watches(port uint16) bool {
	for _, p := range c.Ports {
		if p == int(port) {
			return true
		}
	}
	return false
}
