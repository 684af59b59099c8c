// Package config holds the node's static configuration: everything loaded
// once at startup from CLI flags and held read-only for the life of the
// process (§6).
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/eth2030/node/crypto"
	"github.com/eth2030/node/p2p/enode"
)

// Config holds all configuration for a node process.
type Config struct {
	// DataDir is the root directory for persisted state: the private key
	// and the peerstore.
	DataDir string

	// PrivateKeyPath is the file holding the node's secp256k1 identity key,
	// relative to DataDir unless absolute. Generated on first run if absent.
	PrivateKeyPath string

	// ListenPort is the TCP/UDP port for RLPx connections and discovery.
	ListenPort int

	// MaxPeers is the maximum number of connected peers.
	MaxPeers int

	// Bootnodes is the initial set of enode:// URIs used to seed discovery.
	Bootnodes []string

	// NetworkID identifies the network for the ETH Status handshake.
	NetworkID uint64

	// DialTimeout bounds how long an outbound RLPx dial + handshake may take.
	DialTimeout time.Duration

	// PingInterval is checked by Validate only. The p2p keepalive does not
	// read it: it sends Ping on a fixed 15s interval.
	PingInterval time.Duration

	// InactivityTimeout is checked by Validate only. The p2p keepalive does
	// not read it: a session is considered dead after a fixed 20s without a
	// Pong.
	InactivityTimeout time.Duration

	// RequireEIP8 is parsed and stored but not read by the handshake, which
	// always accepts both legacy and EIP-8 auth/ack messages.
	RequireEIP8 bool

	// LogLevel controls log verbosity (debug, info, warn, error).
	LogLevel string
}

// defaultDataDir returns the platform-specific default data directory,
// falling back to a relative path if the home directory can't be resolved.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".node"
	}
	return filepath.Join(home, ".node")
}

// DefaultConfig returns a Config with the defaults named in §6.
func DefaultConfig() Config {
	return Config{
		DataDir:            defaultDataDir(),
		PrivateKeyPath:     "nodekey",
		ListenPort:         30303,
		MaxPeers:           25,
		NetworkID:          1,
		DialTimeout:        10 * time.Second,
		PingInterval:       15 * time.Second,
		InactivityTimeout:  20 * time.Second,
		RequireEIP8:        true,
		LogLevel:           "info",
	}
}

// Validate checks configuration values for correctness.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return errors.New("config: datadir must not be empty")
	}
	if c.ListenPort < 0 || c.ListenPort > 65535 {
		return fmt.Errorf("config: invalid listen port: %d", c.ListenPort)
	}
	if c.MaxPeers < 0 {
		return fmt.Errorf("config: invalid max peers: %d", c.MaxPeers)
	}
	if c.DialTimeout <= 0 {
		return errors.New("config: dial timeout must be positive")
	}
	if c.PingInterval <= 0 {
		return errors.New("config: ping interval must be positive")
	}
	if c.InactivityTimeout <= c.PingInterval {
		return errors.New("config: inactivity timeout must exceed ping interval")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log level %q", c.LogLevel)
	}
	for _, uri := range c.Bootnodes {
		if _, err := enode.ParseURI(uri); err != nil {
			return fmt.Errorf("config: invalid bootnode %q: %w", uri, err)
		}
	}
	return nil
}

// privateKeyPath resolves PrivateKeyPath against DataDir when relative.
func (c *Config) privateKeyPath() string {
	if filepath.IsAbs(c.PrivateKeyPath) {
		return c.PrivateKeyPath
	}
	return filepath.Join(c.DataDir, c.PrivateKeyPath)
}

// LoadOrGeneratePrivateKey reads the node's identity key from
// PrivateKeyPath, generating and persisting a fresh one if the file doesn't
// exist yet.
func (c *Config) LoadOrGeneratePrivateKey() (*crypto.PrivateKey, error) {
	path := c.privateKeyPath()

	if b, err := os.ReadFile(path); err == nil {
		return crypto.PrivateKeyFromBytes(b)
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("config: reading private key: %w", err)
	}

	priv, err := crypto.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("config: generating private key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("config: creating datadir: %w", err)
	}
	if err := os.WriteFile(path, priv.Bytes(), 0600); err != nil {
		return nil, fmt.Errorf("config: persisting private key: %w", err)
	}
	return priv, nil
}

// BootnodeRecords parses Bootnodes into PeerRecords, skipping (and
// returning) any that fail to parse rather than aborting the whole list.
func (c *Config) BootnodeRecords() ([]*enode.PeerRecord, []error) {
	var records []*enode.PeerRecord
	var errs []error
	for _, uri := range c.Bootnodes {
		rec, err := enode.ParseURI(uri)
		if err != nil {
			errs = append(errs, fmt.Errorf("bootnode %q: %w", uri, err))
			continue
		}
		records = append(records, rec)
	}
	return records, errs
}

// PeerstorePath is where the peer address book is persisted (§6).
func (c *Config) PeerstorePath() string {
	return filepath.Join(c.DataDir, "peerstore.json")
}
