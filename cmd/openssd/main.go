// Copyright 2022-24 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// openssd runs the controller against a host link backend: either an
// in-process loopback (for development) or a shared-memory segment a host
// harness attaches to.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	openssd "github.com/dswarbrick/openssd"
	"github.com/dswarbrick/openssd/pcie"
)

func main() {
	var (
		configPath = flag.String("config", "", "Device config file (YAML)")
		metaDir    = flag.String("meta", "meta", "Metadata directory")
		backend    = flag.String("backend", "loopback", "Host link backend: loopback or shm")
		shmPath    = flag.String("shm", "/dev/shm/openssd", "Shared-memory segment path (shm backend)")
		shmSize    = flag.Int("shm-size", 64<<20, "Shared-memory segment size in bytes")
		debug      = flag.Bool("debug", false, "Enable debug logging")
	)
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	if !*debug {
		log = log.Level(zerolog.InfoLevel)
	}

	var cfg openssd.Config
	if *configPath != "" {
		var err error
		cfg, err = openssd.LoadConfig(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "cannot load config: %v\n", err)
			os.Exit(1)
		}
	}
	if cfg.MetaDir == "" {
		cfg.MetaDir = *metaDir
	}
	cfg.Log = log

	switch *backend {
	case "loopback":
		cfg.Link = pcie.NewMemLink(64 << 20)
	case "shm":
		link, err := pcie.OpenShmLink(*shmPath, *shmSize)
		if err != nil {
			fmt.Fprintf(os.Stderr, "cannot open shared memory link: %v\n", err)
			os.Exit(1)
		}
		defer link.Close()
		cfg.Link = link
	default:
		fmt.Fprintf(os.Stderr, "unknown backend %q\n", *backend)
		os.Exit(1)
	}

	dev, err := openssd.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cannot create device: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := dev.Run(ctx); err != nil {
		log.Error().Err(err).Msg("device exited")
		os.Exit(1)
	}
}
