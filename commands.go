package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/usenocturne/synthlink/bluetooth"
	"github.com/usenocturne/synthlink/config"
	"github.com/usenocturne/synthlink/server"
	"github.com/usenocturne/synthlink/store"
	"github.com/usenocturne/synthlink/utils"
	"go.uber.org/zap"
)

type backend struct {
	transport bluetooth.Transport
	selector  bluetooth.Selector
	scanner   bluetooth.Scanner
	close     func()
}

func openBackend(cfg config.Bluetooth, logger *zap.Logger) (*backend, error) {
	timeout := time.Duration(cfg.ScanTimeout)

	switch cfg.Backend {
	case config.BACKEND_HCI:
		t, err := bluetooth.NewHCITransport(timeout, logger)
		if err != nil {
			return nil, err
		}
		return &backend{
			transport: t,
			selector:  t,
			scanner:   t,
			close:     func() { t.Close() },
		}, nil
	default:
		conn, err := dbus.ConnectSystemBus()
		if err != nil {
			return nil, fmt.Errorf("%w: system bus: %v", bluetooth.ErrTransportUnavailable, err)
		}
		sel := bluetooth.NewBlueZSelector(conn, cfg.Adapter, timeout, logger)
		return &backend{
			transport: bluetooth.NewBlueZTransport(conn, cfg.Adapter, logger),
			selector:  sel,
			scanner:   sel,
			close:     func() { conn.Close() },
		}, nil
	}
}

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Connect to the synth and serve the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg.Log)
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	logger.Info("starting synthlinkd",
		zap.String("version", version),
		zap.String("backend", cfg.Bluetooth.Backend))

	be, err := openBackend(cfg.Bluetooth, logger)
	if err != nil {
		return err
	}
	defer be.close()

	var peers *store.PeerStore
	if cfg.Store.Path != "" {
		peers, err = store.Open(cfg.Store.Path, logger)
		if err != nil {
			return err
		}
		defer peers.Close()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	hub := utils.NewWebSocketHub(logger)
	broadcaster := utils.NewDeviceBroadcaster(hub, logger)
	go broadcaster.Run(ctx)

	var dev *bluetooth.Device
	observers := bluetooth.Observers{broadcaster}
	if peers != nil {
		observers = append(observers, rememberPeers(ctx, peers, func() bluetooth.Status { return dev.Status() }, logger))
	}

	dev = bluetooth.NewDevice(bluetooth.Options{
		Transport:            be.transport,
		Selector:             be.selector,
		Observer:             observers,
		Logger:               logger,
		Metrics:              bluetooth.NewMetrics(reg, "synthlink"),
		ReconnectDelay:       time.Duration(cfg.Bluetooth.ReconnectDelay),
		DisableAutoReconnect: !cfg.Bluetooth.AutoReconnect,
	})
	defer dev.Close()
	broadcaster.Attach(dev)

	go connectOnStartup(ctx, dev, cfg.Bluetooth, peers, logger)

	srvOpts := server.Options{
		Addr:         cfg.HTTP.Addr,
		Device:       dev,
		Hub:          hub,
		Gatherer:     reg,
		Logger:       logger,
		RefreshRate:  cfg.HTTP.RefreshRate,
		RefreshBurst: cfg.HTTP.RefreshBurst,
	}
	if peers != nil {
		srvOpts.Peers = peers
	}
	return server.NewServer(srvOpts).ListenAndServe(ctx)
}

// rememberPeers records every peer the device connects to. Observer calls
// run on the device goroutine, so the write happens elsewhere.
func rememberPeers(ctx context.Context, peers *store.PeerStore, status func() bluetooth.Status, logger *zap.Logger) bluetooth.Observer {
	return bluetooth.ObserverFuncs{
		OnConnectionChange: func(connected bool) {
			if !connected {
				return
			}
			st := status()
			peer := bluetooth.Peer{ID: st.PeerID, Name: st.DeviceName}
			go func() {
				if err := peers.Remember(ctx, peer); err != nil {
					logger.Warn("failed to remember peer", zap.String("peer", peer.ID), zap.Error(err))
				}
			}()
		},
	}
}

func connectOnStartup(ctx context.Context, dev *bluetooth.Device, cfg config.Bluetooth, peers *store.PeerStore, logger *zap.Logger) {
	peer := bluetooth.Peer{ID: cfg.Peer}
	if peer.ID == "" && cfg.ConnectLast && peers != nil {
		last, ok, err := peers.Last(ctx)
		if err != nil {
			logger.Warn("failed to load last peer", zap.Error(err))
		}
		if ok {
			peer = last
		}
	}
	if peer.ID == "" {
		logger.Info("no peer configured, waiting for a connect request")
		return
	}

	logger.Info("connecting on startup", zap.String("peer", peer.ID))
	if err := dev.Connect(ctx, peer); err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn("startup connect failed", zap.String("peer", peer.ID), zap.Error(err))
	}
}

func newScanCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "List nearby synths",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg.Log)
			if err != nil {
				return err
			}
			defer logger.Sync()

			be, err := openBackend(cfg.Bluetooth, logger)
			if err != nil {
				return err
			}
			defer be.close()

			found, err := be.scanner.Scan(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(found) == 0 {
				fmt.Fprintln(out, "no synths found")
				return nil
			}
			for _, p := range found {
				fmt.Fprintf(out, "%s\t%s\n", p.ID, p.Name)
			}
			return nil
		},
	}
}

// parseSendValue turns the value argument of send into a button state or
// an encoder step.
func parseSendValue(id bluetooth.ControlID, value string) (pressed bool, delta int, err error) {
	if !id.IsEncoder() {
		switch value {
		case "press", "1":
			return true, 0, nil
		case "release", "0":
			return false, 0, nil
		}
		return false, 0, fmt.Errorf("button value must be press or release, got %q", value)
	}

	delta, err = strconv.Atoi(value)
	if err != nil || (delta != 1 && delta != -1) {
		return false, 0, fmt.Errorf("encoder value must be 1 or -1, got %q", value)
	}
	return false, delta, nil
}

func newSendCommand(opts *rootOptions) *cobra.Command {
	var shift bool

	cmd := &cobra.Command{
		Use:   "send <control> <value>",
		Short: "Connect, send one input event and disconnect",
		Example: `  synthlinkd send lx press --peer AA:BB:CC:DD:EE:FF
  synthlinkd send enc1 -1 --shift`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, ok := bluetooth.ParseControl(args[0])
			if !ok {
				return fmt.Errorf("unknown control %q", args[0])
			}
			pressed, delta, err := parseSendValue(id, args[1])
			if err != nil {
				return err
			}

			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg.Log)
			if err != nil {
				return err
			}
			defer logger.Sync()

			be, err := openBackend(cfg.Bluetooth, logger)
			if err != nil {
				return err
			}
			defer be.close()

			dev := bluetooth.NewDevice(bluetooth.Options{
				Transport:            be.transport,
				Selector:             be.selector,
				Logger:               logger,
				DisableAutoReconnect: true,
			})
			defer dev.Close()

			ctx := cmd.Context()
			if cfg.Bluetooth.Peer != "" {
				err = dev.Connect(ctx, bluetooth.Peer{ID: cfg.Bluetooth.Peer})
			} else {
				err = dev.ConnectPrompt(ctx)
			}
			if err != nil {
				return err
			}
			if !dev.IsConnected() {
				return errors.New("no synth selected")
			}
			defer dev.Disconnect(context.Background())

			if id.IsEncoder() {
				return dev.SendEncoder(ctx, args[0], delta, shift)
			}
			return dev.SendButton(ctx, args[0], pressed)
		},
	}
	cmd.Flags().BoolVar(&shift, "shift", false, "set the shift flag on encoder steps")
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}
