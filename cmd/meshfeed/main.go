// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/meshfeed/lib/change"
	"github.com/bureau-foundation/meshfeed/lib/config"
	"github.com/bureau-foundation/meshfeed/lib/version"
	"github.com/bureau-foundation/meshfeed/node"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  string
		showVersion bool
	)

	flagSet := pflag.NewFlagSet("meshfeed", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to the config file (default: $MESHFEED_CONFIG)")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	if args := flagSet.Args(); len(args) > 0 {
		return fmt.Errorf("unexpected argument: %s", args[0])
	}

	if showVersion {
		fmt.Printf("meshfeed %s\n", version.Full())
		return nil
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger, err := newLogger(os.Stderr, cfg.Log)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	replica, err := node.New(ctx, cfg, node.Deps{Logger: logger})
	if err != nil {
		return err
	}
	defer replica.Close()

	logger.Info("meshfeed starting",
		"version", version.Info(),
		"feed", cfg.Feed,
		"peer_id", replica.PeerID(),
		"replica_id", replica.ReplicaID(),
		"database", cfg.Database,
	)

	wake := make(chan os.Signal, 1)
	signal.Notify(wake, syscall.SIGUSR1)
	defer signal.Stop(wake)
	go func() {
		for range wake {
			logger.Info("wake requested")
			replica.Wake()
		}
	}()

	go readChanges(ctx, os.Stdin, replica, logger)
	go logNotifications(replica, logger)

	return replica.Run(ctx)
}

// newLogger builds the slog handler named by the log config.
func newLogger(w io.Writer, cfg config.LogConfig) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("log.level: %w", err)
	}
	options := &slog.HandlerOptions{Level: level}
	switch cfg.Format {
	case "json":
		return slog.New(slog.NewJSONHandler(w, options)), nil
	case "text", "":
		return slog.New(slog.NewTextHandler(w, options)), nil
	default:
		return nil, fmt.Errorf("log.format: unknown format %q", cfg.Format)
	}
}

// putter is the part of a node readChanges writes through.
type putter interface {
	Put(ctx context.Context, rowID string, payload []byte) (change.Hash, error)
}

// readChanges stores every input line as a change until r ends or ctx
// is cancelled.
func readChanges(ctx context.Context, r io.Reader, replica putter, logger *slog.Logger) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		rowID, payload, ok := parseLine(scanner.Text())
		if !ok {
			continue
		}
		hash, err := replica.Put(ctx, rowID, payload)
		if err != nil {
			logger.Error("storing change", "row_id", rowID, "error", err)
			continue
		}
		logger.Info("change stored", "row_id", rowID, "hash", hash.String())
	}
	if err := scanner.Err(); err != nil {
		logger.Warn("reading stdin", "error", err)
	}
}

// parseLine splits "<row-id> <payload>". Blank lines are skipped; a
// line with no payload stores an empty one.
func parseLine(line string) (string, []byte, bool) {
	line = strings.TrimRight(line, "\r")
	rowID, payload, _ := strings.Cut(strings.TrimLeft(line, " \t"), " ")
	if rowID == "" {
		return "", nil, false
	}
	return rowID, []byte(payload), true
}

// logNotifications logs applied changes and conflicts until the node
// closes both streams.
func logNotifications(replica *node.Node, logger *slog.Logger) {
	changes := replica.Changes()
	conflicts := replica.Conflicts()
	for changes != nil || conflicts != nil {
		select {
		case applied, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			logger.Info("change received",
				"row_id", applied.Change.RowID,
				"clock", applied.Change.Clock.String(),
				"hash", applied.Hash.String(),
				"payload", string(applied.Change.Payload),
			)
		case batch, ok := <-conflicts:
			if !ok {
				conflicts = nil
				continue
			}
			for _, c := range batch {
				logger.Warn("local change superseded",
					"row_id", c.RowID,
					"clock", c.Clock.String(),
					"payload", string(c.Payload),
				)
			}
		}
	}
}
