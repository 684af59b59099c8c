// Command node runs the Ethereum execution-layer P2P transport core: RLPx
// transport, devp2p session negotiation, the eth sub-protocol, and discv4
// peer discovery.
package main

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/eth2030/node/config"
	"github.com/eth2030/node/crypto"
	nodelog "github.com/eth2030/node/log"
	"github.com/eth2030/node/p2p"
	"github.com/eth2030/node/p2p/discover"
	"github.com/eth2030/node/p2p/enode"
	"github.com/holiman/uint256"
	"github.com/urfave/cli/v2"
)

var (
	version = "v0.1.0-dev"
	commit  = "unknown"
)

func main() {
	app := &cli.App{
		Name:    "node",
		Usage:   "Ethereum execution-layer P2P transport core",
		Version: fmt.Sprintf("%s (%s)", version, commit),
		Flags:   appFlags(),
		Action:  run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func appFlags() []cli.Flag {
	def := config.DefaultConfig()
	return []cli.Flag{
		&cli.StringFlag{Name: "datadir", Value: def.DataDir, Usage: "data directory for the node key and peerstore"},
		&cli.StringFlag{Name: "nodekey", Value: def.PrivateKeyPath, Usage: "private key file, relative to datadir unless absolute"},
		&cli.IntFlag{Name: "port", Value: def.ListenPort, Usage: "TCP/UDP port for RLPx and discovery"},
		&cli.IntFlag{Name: "maxpeers", Value: def.MaxPeers, Usage: "maximum number of connected peers"},
		&cli.Uint64Flag{Name: "networkid", Value: def.NetworkID, Usage: "network identifier for the eth Status handshake"},
		&cli.StringSliceFlag{Name: "bootnodes", Usage: "enode:// URIs to seed discovery"},
		&cli.DurationFlag{Name: "dial-timeout", Value: def.DialTimeout, Usage: "outbound dial and handshake timeout"},
		&cli.DurationFlag{Name: "ping-interval", Value: def.PingInterval, Usage: "keepalive Ping cadence (validated only; the keepalive uses a fixed 15s)"},
		&cli.DurationFlag{Name: "inactivity-timeout", Value: def.InactivityTimeout, Usage: "session liveness timeout (validated only; the keepalive uses a fixed 20s)"},
		&cli.BoolFlag{Name: "require-eip8", Value: def.RequireEIP8, Usage: "stored only; the handshake accepts legacy and EIP-8 messages either way"},
		&cli.StringFlag{Name: "loglevel", Value: def.LogLevel, Usage: "log level: debug, info, warn, error"},
	}
}

func configFromFlags(c *cli.Context) config.Config {
	cfg := config.DefaultConfig()
	cfg.DataDir = c.String("datadir")
	cfg.PrivateKeyPath = c.String("nodekey")
	cfg.ListenPort = c.Int("port")
	cfg.MaxPeers = c.Int("maxpeers")
	cfg.NetworkID = c.Uint64("networkid")
	cfg.Bootnodes = c.StringSlice("bootnodes")
	cfg.DialTimeout = c.Duration("dial-timeout")
	cfg.PingInterval = c.Duration("ping-interval")
	cfg.InactivityTimeout = c.Duration("inactivity-timeout")
	cfg.RequireEIP8 = c.Bool("require-eip8")
	cfg.LogLevel = c.String("loglevel")
	return cfg
}

func logLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func run(c *cli.Context) error {
	cfg := configFromFlags(c)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger := nodelog.New(logLevel(cfg.LogLevel))
	slogger := logger.Slog()

	priv, err := cfg.LoadOrGeneratePrivateKey()
	if err != nil {
		return fmt.Errorf("loading node key: %w", err)
	}
	self := enode.IdentityFromPublicKey(priv.PublicKey())
	slogger.Info("node starting", "id", self.String(), "port", cfg.ListenPort, "networkId", cfg.NetworkID)

	udpConn, err := net.ListenPacket("udp", fmt.Sprintf(":%d", cfg.ListenPort))
	if err != nil {
		return fmt.Errorf("binding discovery socket: %w", err)
	}
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.ListenPort))
	if err != nil {
		udpConn.Close()
		return fmt.Errorf("binding RLPx listener: %w", err)
	}

	selfRecord := &enode.PeerRecord{ID: self, IP: net.IPv4zero, TCPPort: uint16(cfg.ListenPort), UDPPort: uint16(cfg.ListenPort)}
	driver := discover.NewDriver(priv, selfRecord, udpConn, slogger.With("module", "discover"))

	if loaded, err := discover.LoadPeerstore(cfg.PeerstorePath()); err != nil {
		slogger.Warn("failed to load peerstore", "err", err)
	} else {
		for _, rec := range loaded {
			driver.Table().Add(rec)
		}
		slogger.Info("peerstore loaded", "count", len(loaded))
	}

	bootRecords, bootErrs := cfg.BootnodeRecords()
	for _, e := range bootErrs {
		slogger.Warn("skipping bootnode", "err", e)
	}

	// Out of scope for this transport core: the genesis hash, current head,
	// total difficulty, and fork schedule all come from the chain layer,
	// an external collaborator this build doesn't implement; zero values
	// here mean it only interoperates with peers on an equally-empty chain
	// state, which is expected until that collaborator is wired in.
	localStatus := p2p.NewLocalStatus(cfg.NetworkID, uint256.NewInt(0), crypto.Hash{}, crypto.Hash{}, p2p.ForkID{})

	pool := p2p.NewPool(p2p.PoolConfig{MaxPeers: cfg.MaxPeers}, p2p.TCPDialer{Timeout: cfg.DialTimeout}, driver.BanList(), slogger.With("module", "pool"))

	driver.OnDiscover(func(rec *enode.PeerRecord) {
		if rec.ID == self {
			return
		}
		pub, err := crypto.PublicKeyFromBytes(rec.ID[:])
		if err != nil {
			slogger.Debug("discovered peer has invalid identity", "id", rec.ID.String(), "err", err)
			return
		}
		handshake := p2p.NewHandshaker(priv, uint64(cfg.ListenPort), localStatus, pub, true)
		pool.Dial(rec.ID, rec.TCPAddr().String(), handshake)
	})

	driver.Start()
	driver.Bootstrap(bootRecords)

	inboundHandshake := p2p.NewHandshaker(priv, uint64(cfg.ListenPort), localStatus, nil, false)
	go p2p.AcceptLoop(listener, pool, inboundHandshake)

	stop := make(chan struct{})
	go discover.PersistLoop(driver.Table(), cfg.PeerstorePath(), 60*time.Second, stop)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slogger.Info("received signal, shutting down", "signal", sig.String())
	close(stop)
	listener.Close()
	driver.Close()
	pool.Close()

	return nil
}
