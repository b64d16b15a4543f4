package config

import (
	"fmt"
	"os"

	"github.com/KumoCorp/recursor/log"

	"github.com/creasty/defaults"
	"gopkg.in/yaml.v2"
)

// Config is the main engine configuration. A Resolver instance owns exactly
// one of these; there is no global configuration state.
type Config struct {
	Log       log.Config      `yaml:"log"`
	Caching   CachingConfig   `yaml:"caching"`
	Iterator  IteratorConfig  `yaml:"iterator"`
	Validator ValidatorConfig `yaml:"validator"`
	Transport TransportConfig `yaml:"transport"`
	Mesh      MeshConfig      `yaml:"mesh"`
}

// CachingConfig configures the RRset and message caches
type CachingConfig struct {
	// MaxCachingTime clamps the TTL of every cached entry
	MaxCachingTime Duration `yaml:"maxTime" default:"24h"`
	// CacheTimeNegative is the ceiling for negative answers (NXDOMAIN/NODATA)
	CacheTimeNegative Duration `yaml:"cacheTimeNegative" default:"30m"`
	// ServfailTTL is how long failure markers (incl. Bogus answers) are kept
	ServfailTTL     Duration `yaml:"servfailTTL" default:"30s"`
	MaxItemsCount   int      `yaml:"maxItemsCount" default:"10000"`
	CleanupInterval Duration `yaml:"cleanupInterval" default:"10s"`
}

// IteratorConfig bounds the delegation walk
type IteratorConfig struct {
	// MaxReferralDepth bounds the total referral chain length
	MaxReferralDepth int `yaml:"maxReferralDepth" default:"24"`
	// MaxCNAMEChain bounds restarts caused by CNAME indirection
	MaxCNAMEChain int `yaml:"maxCNAMEChain" default:"10"`
	// RootHints are the bootstrap root server addresses (host:port)
	RootHints []string `yaml:"rootHints"`
	// RePrimeInterval re-fetches the root NS set periodically, 0 disables
	RePrimeInterval Duration `yaml:"rePrimeInterval" default:"1h"`
}

// ValidatorConfig configures DNSSEC validation
type ValidatorConfig struct {
	// Enable toggles validation; disabled answers stay Unchecked
	Enable bool `yaml:"enable" default:"true"`
	// TrustAnchors are DNSKEY records in zone file format; empty uses the
	// built-in IANA root KSKs
	TrustAnchors []string `yaml:"trustAnchors"`
	// MaxChainDepth bounds nested DS/DNSKEY fetch chains
	MaxChainDepth int `yaml:"maxChainDepth" default:"10"`
	// MaxNSEC3Iterations caps accepted NSEC3 iteration counts (RFC 5155 §10.3)
	MaxNSEC3Iterations int `yaml:"maxNSEC3Iterations" default:"150"`
	// ClockSkewTolerance widens RRSIG validity windows on both sides
	ClockSkewTolerance Duration `yaml:"clockSkewTolerance" default:"1h"`
}

// TransportConfig configures the outbound query policy
type TransportConfig struct {
	// Timeout is the per-exchange deadline
	Timeout Duration `yaml:"timeout" default:"2s"`
	// Attempts is the number of retries per server before it is marked failed
	Attempts uint `yaml:"attempts" default:"2"`
	// MaxInflightPerZone limits concurrent exchanges per delegation zone
	MaxInflightPerZone int `yaml:"maxInflightPerZone" default:"16"`
	// UDPBufferSize is the advertised EDNS0 buffer size
	UDPBufferSize uint16 `yaml:"udpBufferSize" default:"1232"`
	// LocalAddress optionally pins the source address of outbound queries
	LocalAddress string `yaml:"localAddress"`
}

// MeshConfig configures the query mesh
type MeshConfig struct {
	// MaxWorkers limits concurrently processed mesh entries
	MaxWorkers int `yaml:"maxWorkers" default:"64"`
}

// NewConfig creates a Config initialized with defaults
func NewConfig() (Config, error) {
	var cfg Config

	if err := defaults.Set(&cfg); err != nil {
		return cfg, fmt.Errorf("can't apply default values: %w", err)
	}

	return cfg, nil
}

// LoadConfig parses the YAML file at path on top of the defaults
func LoadConfig(path string) (Config, error) {
	cfg, err := NewConfig()
	if err != nil {
		return cfg, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("can't read config file: %w", err)
	}

	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return cfg, fmt.Errorf("wrong file structure: %w", err)
	}

	return cfg, nil
}
