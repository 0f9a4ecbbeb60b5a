// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// sheepvol manages and accesses block storage volumes of a sheepdog style
// distributed object cluster. It is a thin command line front end of the
// client library and can also run an emulated cluster node for development
// and testing.
//
// Project structure is following:
//
// - internal/sheep contains the client library. Package proto is the wire
// codec, oid the object addressing, inode the volume metadata record, queue
// the asynchronous request queue, cluster the dispatcher connecting the queue
// to a transport and vdi the volume handle and lifecycle operations.
//
// - internal/transport/tcp carries the wire protocol over a TCP connection,
// both the client and the server side.
//
// - internal/emulator is an in-process cluster node storing objects in memory
// or in an S3 bucket.
//
// - internal/config contains configuration package which is common for all
// commands.
//
// - internal/metrics exports prometheus metrics of the client.
package main

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/asch/sheepvol/internal/config"
	"github.com/asch/sheepvol/internal/emulator"
	"github.com/asch/sheepvol/internal/emulator/mem"
	"github.com/asch/sheepvol/internal/emulator/s3"
	"github.com/asch/sheepvol/internal/metrics"
	"github.com/asch/sheepvol/internal/sheep/cluster"
	"github.com/asch/sheepvol/internal/transport/tcp"
)

var collector *metrics.Collector

// Parse configuration from file and environment variables and run the
// requested command.
func main() {
	app := &cli.App{
		Name:  "sheepvol",
		Usage: "manage volumes of a sheepdog cluster",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   config.DefaultConfig,
				Usage:   "path to configuration file",
			},
		},
		Before:   setup,
		Commands: commands(),
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal().Err(err).Send()
	}
}

func setup(c *cli.Context) error {
	if err := config.Configure(c.String("config")); err != nil {
		return errors.Wrap(err, "configuration")
	}

	loggerSetup(config.Cfg.Log.Pretty, config.Cfg.Log.Level)

	if config.Cfg.Metrics {
		collector = metrics.New()
		http.Handle("/metrics", collector.Handler())
	}

	if config.Cfg.Profiler || config.Cfg.Metrics {
		runProfiler(config.Cfg.ProfilerPort)
	}

	return nil
}

// Connect to the configured cluster. The emulated cluster lives only as long
// as the returned Cluster, hence it is useful with the s3 backend only.
func connect(ctx context.Context) (*cluster.Cluster, error) {
	var t cluster.Transport

	if config.Cfg.Cluster.Emulated {
		e, err := newEmulator()
		if err != nil {
			return nil, err
		}
		t = e
	} else {
		client, err := tcp.Dial(ctx, config.Cfg.Cluster.Address, tcp.Options{
			DialTimeout: config.Cfg.DialTimeout,
			DialRetries: config.Cfg.Cluster.DialRetries,
			IOTimeout:   config.Cfg.IOTimeout,
		})
		if err != nil {
			return nil, err
		}
		t = client
	}

	return cluster.New(t, cluster.Options{
		Workers: config.Cfg.Dispatch.Workers,
		Metrics: collector,
	}), nil
}

func newEmulator() (*emulator.Emulator, error) {
	var store emulator.Store

	switch config.Cfg.Emulator.Backend {
	case "s3":
		s, err := s3.New(s3.Options{
			Remote:    config.Cfg.S3.Remote,
			Region:    config.Cfg.S3.Region,
			Bucket:    config.Cfg.S3.Bucket,
			AccessKey: config.Cfg.S3.AccessKey,
			SecretKey: config.Cfg.S3.SecretKey,
		})
		if err != nil {
			return nil, errors.Wrap(err, "s3 store")
		}
		store = s
	default:
		store = mem.New()
	}

	log.Debug().Str("backend", config.Cfg.Emulator.Backend).Msg("Emulated cluster created")

	return emulator.New(store, emulator.Options{
		Copies:      uint8(config.Cfg.Emulator.Copies),
		Uploaders:   config.Cfg.Emulator.Uploaders,
		Downloaders: config.Cfg.Emulator.Downloaders,
	}), nil
}

// Register handler for graceful stop when SIGINT or SIGTERM came in.
func registerSigHandlers(srv *tcp.Server) {
	stopChan := make(chan os.Signal, 1)
	signal.Notify(stopChan, os.Interrupt)
	signal.Notify(stopChan, syscall.SIGTERM)
	go func() {
		<-stopChan
		log.Info().Msg("Received interrupt, stopping emulator!")
		srv.Close()
	}()
}

func loggerSetup(pretty bool, level int) {
	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	zerolog.SetGlobalLevel(zerolog.Level(level))
}

// Enables remote profiling support. Useful for perfomance debugging. Metrics
// are served by the same listener.
func runProfiler(port int) {
	go func() {
		log.Info().Err(http.ListenAndServe(fmt.Sprintf("localhost:%d", port), nil)).Send()
	}()
}
