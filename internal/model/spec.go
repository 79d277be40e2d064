package model

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/seantiz/salvo/internal/profile"
	"github.com/seantiz/salvo/internal/strategy"
)

// ErrInvalidSpec is wrapped by every BlockSpec validation error.
var ErrInvalidSpec = errors.New("invalid block spec")

const (
	defaultProtocol      = "framed"
	defaultTickMS        = 100
	defaultRegsPerSecond = 10
)

// BlockSpec describes a block: where its simulated clients connect, the load
// profile they follow, and how bulk registration behaves.
type BlockSpec struct {
	Name         string   `json:"name" yaml:"name"`
	Protocol     string   `json:"protocol" yaml:"protocol"`
	Destinations []string `json:"destinations" yaml:"destinations"`
	Sources      []string `json:"sources,omitempty" yaml:"sources,omitempty"`

	LoadType string          `json:"load_type" yaml:"load_type"`
	Phases   []profile.Phase `json:"phases" yaml:"phases"`
	TickMS   int             `json:"tick_ms,omitempty" yaml:"tick_ms,omitempty"`
	Burst    int             `json:"burst,omitempty" yaml:"burst,omitempty"`

	MaxConnectionsAttempted uint32 `json:"max_connections_attempted,omitempty" yaml:"max_connections_attempted,omitempty"`
	MaxOpenConnections      uint32 `json:"max_open_connections,omitempty" yaml:"max_open_connections,omitempty"`

	DynamicLoad    int32 `json:"dynamic_load,omitempty" yaml:"dynamic_load,omitempty"`
	UseDynamicLoad bool  `json:"use_dynamic_load,omitempty" yaml:"use_dynamic_load,omitempty"`
	AutoStop       bool  `json:"auto_stop,omitempty" yaml:"auto_stop,omitempty"`

	Registration RegistrationSpec `json:"registration" yaml:"registration"`
	Credentials  Credentials      `json:"credentials" yaml:"credentials"`
}

// RegistrationSpec configures the bulk registration workflow.
type RegistrationSpec struct {
	// Entities is the size of the entity pool; zero uses the profile's
	// maximum height.
	Entities      int   `json:"entities,omitempty" yaml:"entities,omitempty"`
	RegsPerSecond int32 `json:"regs_per_second,omitempty" yaml:"regs_per_second,omitempty"`
	BurstSize     int   `json:"burst_size,omitempty" yaml:"burst_size,omitempty"`
	Retries       int   `json:"retries,omitempty" yaml:"retries,omitempty"`
}

// Credentials derives per-index usernames and passwords.
type Credentials struct {
	UsernameFormat string `json:"username_format,omitempty" yaml:"username_format,omitempty"`
	UsernameStart  uint32 `json:"username_start,omitempty" yaml:"username_start,omitempty"`
	UsernameStep   uint32 `json:"username_step,omitempty" yaml:"username_step,omitempty"`
	PasswordFormat string `json:"password_format,omitempty" yaml:"password_format,omitempty"`
	PasswordStart  uint32 `json:"password_start,omitempty" yaml:"password_start,omitempty"`
	PasswordStep   uint32 `json:"password_step,omitempty" yaml:"password_step,omitempty"`
}

// For returns the username and password bound to index.
func (c Credentials) For(index uint32) (username, password string) {
	username = fmt.Sprintf(c.UsernameFormat, c.UsernameStart+c.UsernameStep*index)
	password = fmt.Sprintf(c.PasswordFormat, c.PasswordStart+c.PasswordStep*index)
	return username, password
}

// ApplyDefaults fills unset optional fields.
func (s *BlockSpec) ApplyDefaults() {
	if s.Protocol == "" {
		s.Protocol = defaultProtocol
	}
	if s.LoadType == "" {
		s.LoadType = strategy.KindStatic.String()
	}
	if s.TickMS == 0 {
		s.TickMS = defaultTickMS
	}
	if s.Registration.RegsPerSecond == 0 {
		s.Registration.RegsPerSecond = defaultRegsPerSecond
	}
	if s.Credentials.UsernameFormat == "" {
		s.Credentials.UsernameFormat = "user%d"
	}
	if s.Credentials.PasswordFormat == "" {
		s.Credentials.PasswordFormat = "pass%d"
	}
	if s.Credentials.UsernameStep == 0 {
		s.Credentials.UsernameStep = 1
	}
	if s.Credentials.PasswordStep == 0 {
		s.Credentials.PasswordStep = 1
	}
}

// Validate checks the spec and returns an error wrapping ErrInvalidSpec.
func (s *BlockSpec) Validate() error {
	if len(s.Destinations) == 0 {
		return fmt.Errorf("%w: at least one destination is required", ErrInvalidSpec)
	}
	for _, d := range s.Destinations {
		if strings.TrimSpace(d) == "" {
			return fmt.Errorf("%w: empty destination", ErrInvalidSpec)
		}
	}
	if _, err := strategy.ParseKind(s.LoadType); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSpec, err)
	}
	if _, err := profile.New(s.Phases); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSpec, err)
	}
	if s.TickMS < 0 {
		return fmt.Errorf("%w: tick_ms must not be negative", ErrInvalidSpec)
	}
	if s.Burst < 0 || s.Registration.BurstSize < 0 {
		return fmt.Errorf("%w: burst must not be negative", ErrInvalidSpec)
	}
	if s.Registration.Entities < 0 || s.Registration.Retries < 0 || s.Registration.RegsPerSecond < 0 {
		return fmt.Errorf("%w: registration values must not be negative", ErrInvalidSpec)
	}
	return nil
}

// TickPeriod returns the scheduler period.
func (s *BlockSpec) TickPeriod() time.Duration {
	if s.TickMS <= 0 {
		return defaultTickMS * time.Millisecond
	}
	return time.Duration(s.TickMS) * time.Millisecond
}
