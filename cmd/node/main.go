package main

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"os"

	"github.com/ardanlabs/conf/v3"

	"Witnet/internal/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// run is the main entry point with error handling.
func run() error {
	cfg, help, err := parseConfig()
	if err != nil {
		if errors.Is(err, conf.ErrHelpWanted) {
			fmt.Println(help)
			return nil
		}

		return fmt.Errorf("parse config:\n%w", err)
	}

	level, err := logger.ParseLevel(cfg.Node.LogLevel)
	if err != nil {
		return err
	}

	logger.Init(level)

	priv, err := loadOrGenerateKey(cfg.Node.KeyPath)
	if err != nil {
		return fmt.Errorf("load key:\n%w", err)
	}

	node, err := NewNode(cfg, priv)
	if err != nil {
		return fmt.Errorf("create node:\n%w", err)
	}

	printStartupInfo(cfg, node)

	return node.Run()
}

// printStartupInfo displays node configuration at startup.
func printStartupInfo(cfg *Config, n *Node) {
	pubKey := n.privateKey.Public().(ed25519.PublicKey)

	signer := "none"
	if s, ok := n.provider.LocalSigner(); ok {
		signer = hex.EncodeToString(s.PublicKey())
	}

	logger.Info("starting witnet node",
		"pubkey", hex.EncodeToString(pubKey),
		"signer", signer,
		"scheme", cfg.Node.Scheme,
		"http", cfg.Node.HTTPAddr,
		"quic", cfg.Node.QUICAddr,
		"data", cfg.Node.DataDir,
		"peers", len(cfg.Node.Peers),
		"kafka", len(cfg.Broker.Seeds) > 0,
	)

	if out, err := conf.String(cfg); err == nil {
		logger.Debug("configuration", "config", out)
	}
}
