package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/usenocturne/synthlink/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var version = "dev"

type rootOptions struct {
	configPath string
	debug      bool
	logFile    string
	addr       string
	backend    string
	adapter    string
	peer       string
}

func (o *rootOptions) bind(fs *pflag.FlagSet) {
	fs.StringVarP(&o.configPath, "config", "c", "/etc/synthlink/config.json", "path to the JSON config file")
	fs.BoolVar(&o.debug, "debug", false, "enable debug logging")
	fs.StringVar(&o.logFile, "log-file", "", "also write logs to this file")
	fs.StringVar(&o.addr, "addr", "", "HTTP listen address")
	fs.StringVar(&o.backend, "backend", "", "bluetooth backend (bluez or hci)")
	fs.StringVar(&o.adapter, "adapter", "", "BlueZ adapter name")
	fs.StringVar(&o.peer, "peer", "", "peer address to connect to")
}

// load reads the config file and applies flag overrides on top of it.
func (o *rootOptions) load(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return cfg, err
	}

	flags := cmd.Flags()
	if flags.Changed("addr") {
		cfg.HTTP.Addr = o.addr
	}
	if flags.Changed("backend") {
		cfg.Bluetooth.Backend = o.backend
	}
	if flags.Changed("adapter") {
		cfg.Bluetooth.Adapter = o.adapter
	}
	if flags.Changed("peer") {
		cfg.Bluetooth.Peer = o.peer
	}
	if flags.Changed("log-file") {
		cfg.Log.File = o.logFile
	}
	if o.debug {
		cfg.Log.Level = "debug"
	}
	return cfg, cfg.Validate()
}

func newLogger(cfg config.Log) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}
	zc.Level = level
	zc.EncoderConfig.TimeKey = "ts"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if cfg.File != "" {
		zc.OutputPaths = append(zc.OutputPaths, cfg.File)
		zc.ErrorOutputPaths = append(zc.ErrorOutputPaths, cfg.File)
	}
	return zc.Build()
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "synthlinkd",
		Short:         "Bluetooth LE control surface for the synth",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	opts.bind(root.PersistentFlags())
	root.AddCommand(
		newServeCommand(opts),
		newScanCommand(opts),
		newSendCommand(opts),
		newVersionCommand(),
	)
	return root
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
