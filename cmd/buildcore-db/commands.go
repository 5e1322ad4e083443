package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/relayforge/buildcore/internal/dbspec"
	"github.com/relayforge/buildcore/internal/storage"
	"github.com/relayforge/buildcore/internal/storage/mysqldriver"
	"github.com/relayforge/buildcore/internal/storage/sqlitedriver"
)

func openerFor(rawURL, basedir string) (storage.Opener, error) {
	spec, err := dbspec.Parse(rawURL, basedir)
	if err != nil {
		return nil, err
	}
	switch spec.Driver {
	case "sqlite":
		return sqlitedriver.New(spec.Database), nil
	case "mysql":
		return mysqldriver.New(spec)
	default:
		return nil, fmt.Errorf("buildcore-db: unsupported driver %q", spec.Driver)
	}
}

// connectorOptions builds the Connector options shared by both commands:
// a rotating file logger when --log-file is given, nothing otherwise.
func connectorOptions(logFile string) []storage.ConnectorOption {
	if logFile == "" {
		return nil
	}
	logger, _ := storage.NewFileLogger(logFile, slog.LevelInfo)
	return []storage.ConnectorOption{storage.WithLogger(logger)}
}

func newCreateCmd() *cobra.Command {
	var basedir, logFile string
	cmd := &cobra.Command{
		Use:   "create <url>",
		Short: "Create a fresh database and write its schema",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := openerFor(args[0], basedir)
			if err != nil {
				return err
			}
			conn, err := storage.Create(context.Background(), o, connectorOptions(logFile)...)
			if err != nil {
				if errors.Is(err, storage.ErrAlreadyExists) {
					return fmt.Errorf("database already exists at %s", args[0])
				}
				return err
			}
			defer conn.Close()
			fmt.Println("created")
			return nil
		},
	}
	cmd.Flags().StringVar(&basedir, "basedir", "", "value substituted for %(basedir)s in the URL")
	cmd.Flags().StringVar(&logFile, "log-file", "", "write rotating JSON logs to this file")
	return cmd
}

func newOpenCmd() *cobra.Command {
	var basedir, logFile string
	cmd := &cobra.Command{
		Use:   "open <url>",
		Short: "Open an existing database and report its schema version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := openerFor(args[0], basedir)
			if err != nil {
				return err
			}
			conn, err := storage.Open(context.Background(), o, connectorOptions(logFile)...)
			if err != nil {
				if errors.Is(err, storage.ErrNotReady) {
					return fmt.Errorf("database at %s is not ready (missing or mismatched version)", args[0])
				}
				return err
			}
			defer conn.Close()
			version, _, err := conn.GetVersion(context.Background())
			if err != nil {
				return err
			}
			fmt.Printf("version %d\n", version)
			return nil
		},
	}
	cmd.Flags().StringVar(&basedir, "basedir", "", "value substituted for %(basedir)s in the URL")
	cmd.Flags().StringVar(&logFile, "log-file", "", "write rotating JSON logs to this file")
	return cmd
}
