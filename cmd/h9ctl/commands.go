package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/danmuck/h9ctl/internal/protocol"
	"github.com/danmuck/h9ctl/internal/protocol/session"
	"github.com/danmuck/h9ctl/internal/service"
	"github.com/danmuck/h9ctl/internal/tempo"
	"github.com/danmuck/h9ctl/internal/transport"
	"github.com/spf13/cobra"
)

type configLoader func() (service.Config, error)

func loadConfigOrDefault(path string) (service.Config, error) {
	if path == "" {
		return service.DefaultConfig(), nil
	}
	return loadServiceConfig(path)
}

func newRunCommand(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the controller: device worker, audio monitor and API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			svc, err := service.New(cfg)
			if err != nil {
				return err
			}
			return svc.Run()
		},
	}
}

func newPortsCommand() *cobra.Command {
	var serialPorts bool
	cmd := &cobra.Command{
		Use:   "ports",
		Short: "List MIDI (or serial) ports",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if serialPorts {
				names, err := transport.ListSerialPorts()
				if err != nil {
					return err
				}
				for _, name := range names {
					fmt.Fprintln(out, name)
				}
				return nil
			}
			ports, err := transport.ListPorts()
			if err != nil {
				return err
			}
			for _, name := range ports.Inputs {
				fmt.Fprintf(out, "in  %s\n", name)
			}
			for _, name := range ports.Outputs {
				fmt.Fprintf(out, "out %s\n", name)
			}
			if pick, ok := transport.PickPort(ports.Outputs, transport.DefaultPortPrefix); ok {
				fmt.Fprintf(out, "default device port: %s\n", pick)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&serialPorts, "serial", false, "list serial ports instead of MIDI ports")
	return cmd
}

// withSession connects a one-shot session, runs fn and disconnects.
func withSession(load configLoader, fn func(ctx context.Context, s *session.Session) error) error {
	cfg, err := load()
	if err != nil {
		return err
	}
	conn, err := service.NewConnector(cfg.Device)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	sess := session.New(cfg.Device.Session, conn, nil)
	if err := sess.Connect(ctx); err != nil {
		return err
	}
	defer sess.Disconnect()
	return fn(ctx, sess)
}

func newDumpCommand(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "dump",
		Short: "Print the current preset as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(load, func(ctx context.Context, s *session.Session) error {
				p, err := s.RequestCurrentProgram(ctx)
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(p)
			})
		},
	}
}

func newTempoCommand(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "tempo [bpm]",
		Short: "Print the device tempo, or set it",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var target float64
			if len(args) == 1 {
				v, err := strconv.ParseFloat(args[0], 64)
				if err != nil {
					return fmt.Errorf("parse bpm %q: %w", args[0], err)
				}
				target = tempo.Clamp(v, tempo.DefaultMinBPM, tempo.DefaultMaxBPM)
			}
			return withSession(load, func(ctx context.Context, s *session.Session) error {
				if target > 0 {
					if err := s.SetValue(ctx, protocol.KeyTempo, uint16(math.Round(target*100))); err != nil {
						return err
					}
				}
				bpm, err := s.GetCurrentTempo(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%.2f\n", bpm)
				return nil
			})
		},
	}
}
