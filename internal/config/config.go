// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package config is a singleton and provides global access to the
// configuration values.
package config

import (
	"io"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

const (
	// Default config path. It does not need to exist, default values for all parameters will be
	// used instead.
	DefaultConfig = "/etc/sheepvol/config.toml"
)

var Cfg Config

// Configuration structure for the program. We use toml format for file-based
// configuration and also all configuration options can be overriden by
// environment variable specified in this structure.
type Config struct {
	ConfigPath string

	Cluster struct {
		Address       string `toml:"address" env:"SHEEPVOL_CLUSTER_ADDRESS" env-default:"127.0.0.1:7000" env-description:"Address of a cluster node."`
		DialTimeoutMs int    `toml:"dial_timeout" env:"SHEEPVOL_CLUSTER_DIALTIMEOUT" env-default:"3000" env-description:"Timeout of one connection attempt in ms."`
		DialRetries   uint   `toml:"dial_retries" env:"SHEEPVOL_CLUSTER_DIALRETRIES" env-default:"5" env-description:"Number of connection attempts."`
		IOTimeoutSec  int    `toml:"io_timeout" env:"SHEEPVOL_CLUSTER_IOTIMEOUT" env-default:"30" env-description:"Timeout of one request in seconds. Zero waits forever."`
		Emulated      bool   `toml:"emulated" env:"SHEEPVOL_CLUSTER_EMULATED" env-default:"false" env-description:"Use an in-process emulated cluster instead of connecting to Address."`
	} `toml:"cluster"`

	Dispatch struct {
		Workers int `toml:"workers" env:"SHEEPVOL_DISPATCH_WORKERS" env-default:"4" env-description:"Number of dispatchers serving volume I/O."`
	} `toml:"dispatch"`

	Emulator struct {
		Listen      string `toml:"listen" env:"SHEEPVOL_EMULATOR_LISTEN" env-default:"127.0.0.1:7000" env-description:"Address the emulate command listens on."`
		Backend     string `toml:"backend" env:"SHEEPVOL_EMULATOR_BACKEND" env-default:"mem" env-description:"Object store of the emulator, mem or s3."`
		Copies      int    `toml:"copies" env:"SHEEPVOL_EMULATOR_COPIES" env-default:"3" env-description:"Replication factor reported by the emulator."`
		Uploaders   int    `toml:"uploaders" env:"SHEEPVOL_EMULATOR_UPLOADERS" env-default:"16" env-description:"Max number of uploader threads."`
		Downloaders int    `toml:"downloaders" env:"SHEEPVOL_EMULATOR_DOWNLOADERS" env-default:"16" env-description:"Max number of downloader threads."`
	} `toml:"emulator"`

	S3 struct {
		Bucket    string `toml:"bucket" env:"SHEEPVOL_S3_BUCKET" env-description:"S3 Bucket name." env-default:"sheepvol"`
		Remote    string `toml:"remote" env:"SHEEPVOL_S3_REMOTE" env-description:"S3 Remote address. Empty string for AWS S3 endpoint." env-default:""`
		Region    string `toml:"region" env:"SHEEPVOL_S3_REGION" env-description:"S3 Region." env-default:"us-east-1"`
		AccessKey string `toml:"access_key" env:"SHEEPVOL_S3_ACCESSKEY" env-description:"S3 Access Key." env-default:""`
		SecretKey string `toml:"secret_key" env:"SHEEPVOL_S3_SECRETKEY" env-description:"S3 Secret Key." env-default:""`
	} `toml:"s3"`

	Log struct {
		Level  int  `toml:"level" env:"SHEEPVOL_LOG_LEVEL" env-description:"Log level." env-default:"1"`
		Pretty bool `toml:"pretty" env:"SHEEPVOL_LOG_PRETTY" env-description:"Pretty logging." env-default:"true"`
	} `toml:"log"`

	Metrics      bool `toml:"metrics" env:"SHEEPVOL_METRICS" env-description:"Export prometheus metrics on the profiler port." env-default:"false"`
	Profiler     bool `toml:"profiler" env:"SHEEPVOL_PROFILER" env-description:"Enable golang web profiler." env-default:"false"`
	ProfilerPort int  `toml:"profiler_port" env:"SHEEPVOL_PROFILER_PORT" env-description:"Port to listen on." env-default:"6060"`

	// Derived values, filled by parse.
	DialTimeout time.Duration `toml:"-"`
	IOTimeout   time.Duration `toml:"-"`
}

// Configure reads the configuration file at path and the environment. The
// configuration file has the lower priotiry and the environment variables have
// the highest priority. It is perfectly fine to use just one of these or to
// combine them.
func Configure(path string) error {
	Cfg = Config{ConfigPath: path}

	return parse()
}

// Usage writes the description of all environment variables to w.
func Usage(w io.Writer) {
	header := "Configuration is read from the file given by -c and from these environment variables:"
	cleanenv.FUsage(w, &Cfg, &header)()
}

// Parse the configuration file and reads the environment variable. After that
// it does some values postprocessing and fills the Cfg structure.
func parse() error {
	if err := cleanenv.ReadConfig(Cfg.ConfigPath, &Cfg); err != nil {
		if err := cleanenv.ReadEnv(&Cfg); err != nil {
			return err
		}
	}

	Cfg.DialTimeout = time.Duration(Cfg.Cluster.DialTimeoutMs) * time.Millisecond
	Cfg.IOTimeout = time.Duration(Cfg.Cluster.IOTimeoutSec) * time.Second

	if Cfg.Dispatch.Workers < 1 {
		Cfg.Dispatch.Workers = 1
	}

	if Cfg.Emulator.Backend != "s3" {
		Cfg.Emulator.Backend = "mem"
	}

	return nil
}
