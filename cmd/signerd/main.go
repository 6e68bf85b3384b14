// Command signerd is the hardware signer daemon: it loads the decrypted key
// handover file, opens the high-watermark store, and serves the baker's
// signing requests over the raw TCP protocol.
//
// Usage:
//
//	signerd --keys /path/to/keys.json [flags]
//
// Flags:
//
//	--listen              TCP listen address (default: 169.254.44.1:7732)
//	--keys                Decrypted key handover file (required)
//	--watermark-dir       High-watermark directory (default: /var/lib/signer/watermarks)
//	--max-connections     Concurrent baker connections (default: 4)
//	--max-message-size    Frame size cap in bytes (default: 65535)
//	--any-magic-byte      Allow signing non-consensus payloads (default: false)
//	--allow-list-known-keys     Permit the KnownKeys request (default: false)
//	--allow-to-prove-possession Permit proof-of-possession requests (default: false)
//	--blocks-per-cycle    Cycle length for stale-watermark detection, 0 disables (default: 0)
//	--timeout             Per-request socket deadline, 0 disables (default: 0)
//	--verbosity           Log level 0-4 (default: 3)
//	--log-format          Log output format: json, text (default: json)
//	--version             Print version and exit
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/russignol/signer/bls"
	"github.com/russignol/signer/config"
	"github.com/russignol/signer/log"
	"github.com/russignol/signer/magicbytes"
	"github.com/russignol/signer/server"
	"github.com/russignol/signer/signer"
	"github.com/russignol/signer/watermark"
)

// Build-time version info, overridable with ldflags:
//
//	go build -ldflags "-X main.version=v1.2.0 -X main.commit=abc1234"
var (
	version = "v0.1.0-dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

// run is the actual entry point, returning an exit code. Accepts CLI
// arguments (without the program name) so it can be tested in isolation.
func run(args []string) int {
	cfg, exit, code := parseFlags(args)
	if exit {
		return code
	}

	level := config.VerbosityToLevel(cfg.Verbosity)
	if cfg.LogFormat == "text" {
		log.SetDefault(log.NewWithHandler(log.NewFormatterHandler(os.Stderr, &log.TextFormatter{}, level)))
	} else {
		log.SetDefault(log.New(level))
	}
	logger := log.Default().Module("signerd")

	logger.Info("signerd starting", "version", version,
		"listen", cfg.ListenAddr,
		"watermark_dir", cfg.WatermarkDir,
		"max_connections", cfg.MaxConnections,
		"blocks_per_cycle", cfg.BlocksPerCycle,
		"restrict_magic_bytes", cfg.RestrictMagicBytes)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "err", err)
		return 1
	}

	keys, err := config.LoadKeys(cfg.KeysFile)
	if err != nil {
		logger.Error("failed to load keys", "err", err)
		return 1
	}
	registry := signer.NewRegistry(keys)
	logger.Info("key registry loaded", "keys", registry.Len())

	store, err := watermark.NewStore(cfg.WatermarkDir)
	if err != nil {
		logger.Error("failed to open watermark store", "dir", cfg.WatermarkDir, "err", err)
		return 1
	}

	var allowed []byte
	if cfg.RestrictMagicBytes {
		allowed = magicbytes.All()
	}
	handler := signer.NewHandler(registry, store, allowed,
		cfg.AllowListKnownKeys, cfg.AllowProvePossession)
	if cfg.BlocksPerCycle > 0 {
		handler = handler.WithLargeGapCallback(func(pkh bls.PublicKeyHash, chainID bls.ChainID, current, requested uint32) {
			logger.Warn("stale watermark: refusing until the operator resets",
				"pkh", pkh.ToB58Check(), "chain", chainID.ToB58Check(),
				"current_level", current, "requested_level", requested)
		}, cfg.BlocksPerCycle)
	}

	srv := server.New(cfg.ListenAddr, handler).
		WithTimeout(cfg.ConnectionTimeout).
		WithMaxMessageSize(cfg.MaxMessageSize).
		WithMaxConnections(cfg.MaxConnections)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run() }()

	// Wait for SIGINT or SIGTERM to initiate graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", "signal", sig.String())
		srv.Stop()
	case err := <-errCh:
		if err != nil {
			logger.Error("server failed", "err", err)
			store.FlushAll()
			return 1
		}
	}

	if err := store.FlushAll(); err != nil {
		logger.Error("error flushing watermarks during shutdown", "err", err)
		return 1
	}
	logger.Info("shutdown complete")
	return 0
}

// parseFlags parses CLI arguments into a Config. Returns the config, whether
// the caller should exit immediately, and the exit code.
func parseFlags(args []string) (config.Config, bool, int) {
	cfg := config.DefaultConfig()
	fs, anyMagicByte := newFlagSet(&cfg)

	showVersion := fs.Bool("version", false, "print version and exit")

	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return cfg, true, 2
	}
	cfg.RestrictMagicBytes = !*anyMagicByte

	if *showVersion {
		fmt.Printf("signerd %s (commit %s)\n", version, commit)
		return cfg, true, 0
	}

	return cfg, false, 0
}

// newFlagSet creates a flag set binding all CLI flags to the given Config.
// The returned bool is the --any-magic-byte flag, which inverts into
// Config.RestrictMagicBytes after parsing.
func newFlagSet(cfg *config.Config) (*flagSet, *bool) {
	fs := newCustomFlagSet("signerd")
	fs.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "TCP listen address")
	fs.StringVar(&cfg.KeysFile, "keys", cfg.KeysFile, "decrypted key handover file")
	fs.StringVar(&cfg.WatermarkDir, "watermark-dir", cfg.WatermarkDir, "high-watermark directory")
	fs.IntVar(&cfg.MaxConnections, "max-connections", cfg.MaxConnections, "maximum concurrent baker connections")
	fs.IntVar(&cfg.MaxMessageSize, "max-message-size", cfg.MaxMessageSize, "frame size cap in bytes")
	anyMagicByte := fs.Bool("any-magic-byte", !cfg.RestrictMagicBytes, "allow signing non-consensus payloads")
	fs.BoolVar(&cfg.AllowListKnownKeys, "allow-list-known-keys", cfg.AllowListKnownKeys, "permit the KnownKeys request")
	fs.BoolVar(&cfg.AllowProvePossession, "allow-to-prove-possession", cfg.AllowProvePossession, "permit proof-of-possession requests")
	fs.Uint32Var(&cfg.BlocksPerCycle, "blocks-per-cycle", cfg.BlocksPerCycle, "cycle length for stale-watermark detection (0 disables)")
	fs.DurationVar(&cfg.ConnectionTimeout, "timeout", cfg.ConnectionTimeout, "per-request socket deadline (0 disables)")
	fs.IntVar(&cfg.Verbosity, "verbosity", cfg.Verbosity, "log level 0-4 (0=silent, 4=debug)")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "log output format (json, text)")
	return fs, anyMagicByte
}
