package llc

import (
	"io/ioutil"

	"github.com/mcuadros/go-defaults"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Collision policies for simultaneous parameter procedures.
const (
	CollisionFirstRequester = "first-requester"
	CollisionCentralWins    = "central-wins"
)

// Config holds controller wide settings. Timing values use link layer units:
// supervision/response/authenticated payload timeouts are N*10ms.
type Config struct {
	MaxConnections    int `yaml:"max_connections" default:"8"`
	TxDescriptors     int `yaml:"tx_descriptors" default:"16"`
	MaxPendingPackets int `yaml:"max_pending_packets" default:"32"`

	InstantMargin      uint16 `yaml:"instant_margin" default:"6"`
	ResponseTimeout    uint16 `yaml:"response_timeout" default:"4000"`
	AuthPayloadTimeout uint16 `yaml:"auth_payload_timeout" default:"3000"`
	AuthPayloadMargin  uint16 `yaml:"auth_payload_margin" default:"300"`

	MaxTxOctets uint16 `yaml:"max_tx_octets" default:"251"`
	MaxTxTime   uint16 `yaml:"max_tx_time" default:"2120"`
	MaxRxOctets uint16 `yaml:"max_rx_octets" default:"251"`
	MaxRxTime   uint16 `yaml:"max_rx_time" default:"2120"`

	// LocalFeatures is the LE feature mask advertised in LL_FEATURE_REQ/RSP.
	LocalFeatures uint64 `yaml:"local_features" default:"63"`
	Version       uint8  `yaml:"version" default:"8"`
	CompanyID     uint16 `yaml:"company_id" default:"210"`
	Subversion    uint16 `yaml:"subversion" default:"1"`

	CollisionPolicy      string `yaml:"collision_policy" default:"first-requester"`
	TerminateOnViolation bool   `yaml:"terminate_on_violation" default:"true"`
	StoreKeyLookup       bool   `yaml:"store_key_lookup" default:"true"`
	// TerminateOnSecurityFailure drops a link whose key refresh failed
	// instead of carrying on unencrypted.
	TerminateOnSecurityFailure bool `yaml:"terminate_on_security_failure" default:"true"`

	ChannelAssessment bool `yaml:"channel_assessment" default:"true"`
	AssessMinRSSI     int  `yaml:"assess_min_rssi" default:"-70"`

	TraceDepth uint32 `yaml:"trace_depth" default:"64"`
	LogLevel   string `yaml:"log_level" default:"info"`
}

// DefaultConfig returns a Config with every field at its default.
func DefaultConfig() *Config {
	c := &Config{}
	defaults.SetDefaults(c)
	return c
}

// LoadConfig reads a YAML file on top of the defaults.
func LoadConfig(path string) (*Config, error) {
	c := DefaultConfig()

	in, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "can't read config")
	}
	if err := yaml.Unmarshal(in, c); err != nil {
		return nil, errors.Wrapf(err, "can't parse config %s", path)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks ranges that would otherwise break invariants at runtime.
func (c *Config) Validate() error {
	switch {
	case c.MaxConnections <= 0 || c.MaxConnections > int(MaxHandle)+1:
		return errors.Wrapf(ErrInvalidParameters, "max connections %d", c.MaxConnections)
	case c.TxDescriptors <= 0:
		return errors.Wrapf(ErrInvalidParameters, "tx descriptors %d", c.TxDescriptors)
	case c.MaxPendingPackets <= 0:
		return errors.Wrapf(ErrInvalidParameters, "max pending packets %d", c.MaxPendingPackets)
	case c.InstantMargin < 1:
		return errors.Wrap(ErrInvalidParameters, "instant margin must be at least one event")
	case c.MaxTxOctets < 27 || c.MaxTxOctets > 251 || c.MaxRxOctets < 27 || c.MaxRxOctets > 251:
		return errors.Wrapf(ErrInvalidParameters, "max octets tx %d rx %d", c.MaxTxOctets, c.MaxRxOctets)
	case c.MaxTxTime < 328 || c.MaxTxTime > 2120 || c.MaxRxTime < 328 || c.MaxRxTime > 2120:
		return errors.Wrapf(ErrInvalidParameters, "max time tx %d rx %d", c.MaxTxTime, c.MaxRxTime)
	case c.AuthPayloadMargin >= c.AuthPayloadTimeout:
		return errors.Wrap(ErrInvalidParameters, "auth payload margin exceeds timeout")
	case c.TraceDepth == 0:
		return errors.Wrap(ErrInvalidParameters, "trace depth must be positive")
	}

	switch c.CollisionPolicy {
	case CollisionFirstRequester, CollisionCentralWins:
	default:
		return errors.Wrapf(ErrInvalidParameters, "collision policy %q", c.CollisionPolicy)
	}
	return nil
}

// Option overrides a single Config field.
type Option func(*Config) error

// Apply runs opts in order and validates the result.
func (c *Config) Apply(opts ...Option) error {
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return err
		}
	}
	return c.Validate()
}
