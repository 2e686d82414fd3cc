/*
 * PretenderDB
 * Copyright (C) 2025  Gravitational, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

// Command pretender runs the DynamoDB emulator and moves table data in
// and out of it.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/alecthomas/kingpin/v2"
	"github.com/gravitational/trace"

	"github.com/gravitational/pretenderdb"
	"github.com/gravitational/pretenderdb/lib/defaults"
	"github.com/gravitational/pretenderdb/lib/server"
	"github.com/gravitational/pretenderdb/lib/utils"
)

// cliConf collects the command line state shared by the subcommands.
type cliConf struct {
	// Debug enables verbose logging.
	Debug bool
	// ConfigPath is the YAML configuration file.
	ConfigPath string
	// DatabaseURL overrides the configured database URL.
	DatabaseURL string
	// Listen overrides the configured HTTP listen address.
	Listen string
	// Endpoint is a running emulator to talk to instead of opening
	// the database directly.
	Endpoint string
	// TableName is the table to export or import.
	TableName string
	// OutPath receives exported items, stdout when empty.
	OutPath string
	// InPath supplies imported items, stdin when empty.
	InPath string
}

func main() {
	if err := Run(os.Args[1:]); err != nil {
		utils.FatalError(err)
	}
}

// Run parses the command line and executes the selected command.
func Run(args []string) error {
	var cf cliConf
	utils.InitLogger(os.Stderr, slog.LevelInfo)

	app := kingpin.New("pretender", "DynamoDB wire compatible database emulator.")
	app.HelpFlag.Short('h')
	app.Flag("debug", "Enable verbose logging to stderr.").Short('d').BoolVar(&cf.Debug)
	app.Flag("config", "Path to a YAML configuration file.").Short('c').StringVar(&cf.ConfigPath)

	serveCmd := app.Command("serve", "Start the emulator endpoint.")
	serveCmd.Flag("db-url", "Database URL, postgres:// or sqlite://. Overrides the configuration file.").StringVar(&cf.DatabaseURL)
	serveCmd.Flag("listen", "HTTP listen address.").StringVar(&cf.Listen)

	tablesCmd := app.Command("tables", "List tables with their item statistics.")
	tablesCmd.Flag("db-url", "Database URL, postgres:// or sqlite://. Overrides the configuration file.").StringVar(&cf.DatabaseURL)
	tablesCmd.Flag("endpoint", "URL of a running emulator. When unset the database is opened directly.").StringVar(&cf.Endpoint)

	exportCmd := app.Command("export", "Export a table as DynamoDB JSON, one item per line.")
	exportCmd.Arg("table", "Table to export.").Required().StringVar(&cf.TableName)
	exportCmd.Flag("out", "Output file. Defaults to stdout.").Short('o').StringVar(&cf.OutPath)
	exportCmd.Flag("db-url", "Database URL, postgres:// or sqlite://. Overrides the configuration file.").StringVar(&cf.DatabaseURL)
	exportCmd.Flag("endpoint", "URL of a running emulator. When unset the database is opened directly.").StringVar(&cf.Endpoint)

	importCmd := app.Command("import", "Import DynamoDB JSON lines into a table.")
	importCmd.Arg("table", "Table to import into.").Required().StringVar(&cf.TableName)
	importCmd.Flag("in", "Input file. Defaults to stdin.").Short('i').StringVar(&cf.InPath)
	importCmd.Flag("db-url", "Database URL, postgres:// or sqlite://. Overrides the configuration file.").StringVar(&cf.DatabaseURL)
	importCmd.Flag("endpoint", "URL of a running emulator. When unset the database is opened directly.").StringVar(&cf.Endpoint)

	versionCmd := app.Command("version", "Print the version and exit.")

	command, err := app.Parse(args)
	if err != nil {
		return trace.Wrap(err)
	}

	if cf.Debug {
		utils.InitLogger(os.Stderr, slog.LevelDebug)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	switch command {
	case serveCmd.FullCommand():
		err = onServe(ctx, &cf)
	case tablesCmd.FullCommand():
		err = onTables(ctx, &cf)
	case exportCmd.FullCommand():
		err = onExport(ctx, &cf)
	case importCmd.FullCommand():
		err = onImport(ctx, &cf)
	case versionCmd.FullCommand():
		fmt.Printf("PretenderDB v%v %v\n", pretenderdb.Version, runtime.Version())
	default:
		err = trace.BadParameter("command %q not configured", command)
	}
	return trace.Wrap(err)
}

// fileConfig loads the YAML configuration, if any, and applies the
// command line overrides.
func fileConfig(cf *cliConf) (*server.FileConfig, error) {
	fc := new(server.FileConfig)
	if cf.ConfigPath != "" {
		loaded, err := server.ReadConfigFile(cf.ConfigPath)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		fc = loaded
	}
	if cf.DatabaseURL != "" {
		fc.DatabaseURL = cf.DatabaseURL
	}
	if cf.Listen != "" {
		fc.Listen = cf.Listen
	}
	return fc, nil
}

// onServe runs the emulator until a signal cancels the context.
func onServe(ctx context.Context, cf *cliConf) error {
	fc, err := fileConfig(cf)
	if err != nil {
		return trace.Wrap(err)
	}
	if fc.Listen == "" {
		fc.Listen = defaults.HTTPListenAddr
	}
	srv, err := server.NewFromFileConfig(ctx, fc)
	if err != nil {
		return trace.Wrap(err)
	}
	defer srv.Close()

	slog.InfoContext(ctx, "Starting emulator.",
		"version", pretenderdb.Version,
		"listen", fc.Listen,
	)
	return trace.Wrap(srv.Run(ctx))
}
