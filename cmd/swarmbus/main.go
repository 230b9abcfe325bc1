// Command swarmbus runs the message bus described by this repository: a
// broker mediating publish/subscribe, request/response, and ping/pong
// traffic between named clients.
//
// Usage:
//
//	swarmbus broker -bus=unix|tcp [-config=path]
//	swarmbus certs -dir=path [-clients=name,name,...]
//	swarmbus demo
//
// Called by: operators, container entrypoints, local development
// Calls: internal/broker, internal/client, internal/certs, internal/config, internal/demo
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tenzoki/swarmbus/internal/broker"
	"github.com/tenzoki/swarmbus/internal/certs"
	"github.com/tenzoki/swarmbus/internal/config"
	"github.com/tenzoki/swarmbus/internal/history"
	"github.com/tenzoki/swarmbus/internal/transport"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "broker":
		err = runBroker(os.Args[2:])
	case "certs":
		err = runCerts(os.Args[2:])
	case "demo":
		err = runDemo(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}

	if err != nil {
		log.Fatalf("swarmbus %s: %v", os.Args[1], err)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: swarmbus <broker|certs|demo> [flags]")
}

func runBroker(args []string) error {
	fs := flag.NewFlagSet("broker", flag.ExitOnError)
	busKind := fs.String("bus", "unix", "transport to bind: unix or tcp")
	sockPath := fs.String("socket", "/tmp/swarmbus.sock", "unix socket path (bus=unix)")
	address := fs.String("address", ":9101", "tcp listen address (bus=tcp)")
	certsDir := fs.String("certs", "", "certificate directory (bus=tcp)")
	identity := fs.String("identity", "server", "this broker's keypair name within -certs (bus=tcp)")
	configPath := fs.String("config", "", "optional YAML config overriding the flags above")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var latencyMin, latencyMax time.Duration
	var appName string
	debug := false
	if *configPath != "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		*busKind = cfg.Transport.Kind
		*sockPath = cfg.Transport.SocketPath
		*address = cfg.Transport.Address
		*certsDir = cfg.Transport.CertsDir
		*identity = cfg.Transport.Identity
		latencyMin = time.Duration(cfg.Transport.LatencyMinMillis) * time.Millisecond
		latencyMax = time.Duration(cfg.Transport.LatencyMaxMillis) * time.Millisecond
		appName = cfg.AppName
		debug = cfg.Debug
	}

	listener, err := bindListener(*busKind, *sockPath, *address, *certsDir, *identity)
	if err != nil {
		return err
	}

	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	opts := []broker.Option{broker.WithLogger(logger)}
	if latencyMax > latencyMin {
		opts = append(opts, broker.WithLatency(latencyMin, latencyMax))
	}
	b := broker.New(listener, opts...)
	if debug {
		log.Printf("debug logging enabled for app: %s", appName)
	}
	log.Printf("swarmbus broker starting on %s (%s)", listener.Addr(), *busKind)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.Start(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("received signal %s, shutting down", sig)

	b.Stop()
	return nil
}

func bindListener(busKind, sockPath, address, certsDir, identity string) (transport.Listener, error) {
	switch busKind {
	case "unix":
		return transport.ListenUnix(sockPath)
	case "tcp":
		if certsDir == "" {
			return nil, fmt.Errorf("bus=tcp requires -certs")
		}
		dir := certs.Dir{Base: certsDir}
		keys, err := dir.LoadKeyPair(identity)
		if err != nil {
			return nil, fmt.Errorf("load server keypair %q: %w", identity, err)
		}
		names, err := dir.ListPublicKeys()
		if err != nil {
			return nil, fmt.Errorf("list client public keys: %w", err)
		}
		allowed := transport.AllowedKeys{}
		for _, name := range names {
			if name == identity {
				continue
			}
			pub, err := dir.LoadPublicKey(name)
			if err != nil {
				return nil, fmt.Errorf("load public key %q: %w", name, err)
			}
			allowed[pub] = true
		}
		return transport.ListenTCP(address, keys, allowed)
	default:
		return nil, fmt.Errorf("unknown bus kind %q (want unix or tcp)", busKind)
	}
}

func runCerts(args []string) error {
	fs := flag.NewFlagSet("certs", flag.ExitOnError)
	dir := fs.String("dir", "", "directory to write public_keys/ and private_keys/ into")
	clientNames := fs.String("clients", "", "comma-separated client identities to generate keys for")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *dir == "" {
		return fmt.Errorf("-dir is required")
	}

	d := certs.Dir{Base: *dir}
	if _, err := d.WriteKeyPair("server"); err != nil {
		return fmt.Errorf("generate server keypair: %w", err)
	}
	log.Printf("wrote server keypair to %s", *dir)

	for _, name := range splitNonEmpty(*clientNames) {
		if _, err := d.WriteKeyPair(name); err != nil {
			return fmt.Errorf("generate client keypair %q: %w", name, err)
		}
		log.Printf("wrote client keypair %q to %s", name, *dir)
	}
	return nil
}

func splitNonEmpty(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}

func runDemo(args []string) error {
	fs := flag.NewFlagSet("demo", flag.ExitOnError)
	historyDir := fs.String("history-dir", "", "optional directory for a persistent Badger-backed history log")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var store history.Store
	if *historyDir != "" {
		badgerStore, err := history.NewBadgerStore(history.DefaultBadgerConfig(*historyDir))
		if err != nil {
			return fmt.Errorf("open history store: %w", err)
		}
		defer badgerStore.Close()
		store = badgerStore
	} else {
		store = history.NewMemoryStore(1000)
	}

	return runDemoScenario(store)
}

func runDemoScenario(store history.Store) error {
	sockPath := fmt.Sprintf("/tmp/swarmbus-demo-%d.sock", time.Now().UnixNano())
	defer os.Remove(sockPath)

	listener, err := transport.ListenUnix(sockPath)
	if err != nil {
		return fmt.Errorf("bind demo socket: %w", err)
	}

	b := broker.New(listener, broker.WithHistory(store))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.Start(ctx)
	defer b.Stop()

	fmt.Println("swarmbus demo: starting broker and three actors (reporter, server, worker)")
	if err := runActorDemo(sockPath); err != nil {
		return err
	}

	fmt.Println("swarmbus demo: finished")
	return nil
}
