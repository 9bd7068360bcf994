/*
 * Aussie
 * Copyright (C) 2024  Aussieco, Inc.
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

// Command aussie runs the identity aware API gateway.
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

	"github.com/aussieco/aussie"
	"github.com/aussieco/aussie/lib/config"
	"github.com/aussieco/aussie/lib/defaults"
	"github.com/aussieco/aussie/lib/service"
	"github.com/aussieco/aussie/lib/utils"
)

func main() {
	if err := Run(os.Args[1:]); err != nil {
		utils.FatalError(err)
	}
}

// Run parses the command line and runs the selected command.
func Run(args []string) error {
	var clf config.CommandLineFlags

	app := kingpin.New("aussie", "Aussie: identity aware API gateway.")
	app.HelpFlag.Short('h')
	app.Flag("debug", "Enable verbose logging to stderr.").Short('d').BoolVar(&clf.Debug)

	startCmd := app.Command("start", "Starts the gateway.")
	startCmd.Flag("config", fmt.Sprintf("Path to a configuration file (default %v).", defaults.ConfigFilePath)).
		Short('c').Envar(defaults.ConfigFileEnvar).StringVar(&clf.ConfigFile)
	startCmd.Flag("config-string", "Base64 encoded configuration string.").
		Hidden().Envar(defaults.ConfigEnvar).StringVar(&clf.ConfigString)
	startCmd.Flag("listen-addr", "Address the HTTP surface binds, overrides the config file.").
		StringVar(&clf.ListenAddr)

	versionCmd := app.Command("version", "Print the version of this aussie binary.")

	command, err := app.Parse(args)
	if err != nil {
		return trace.Wrap(err)
	}

	switch command {
	case startCmd.FullCommand():
		return trace.Wrap(onStart(&clf))
	case versionCmd.FullCommand():
		fmt.Printf("Aussie v%v %v\n", aussie.Version, runtime.Version())
		return nil
	}
	return nil
}

// onStart builds the runtime configuration from the config file and the
// command line and serves the gateway until SIGINT or SIGTERM.
func onStart(clf *config.CommandLineFlags) error {
	cfg := service.MakeDefaultConfig()
	if err := config.Configure(clf, cfg); err != nil {
		return trace.Wrap(err)
	}
	utils.InitLogger(cfg.Log.Level, cfg.Log.JSON)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	process, err := service.New(ctx, *cfg)
	if err != nil {
		return trace.Wrap(err)
	}
	defer process.Close()

	slog.InfoContext(ctx, "Starting gateway.", "version", aussie.Version, "addr", process.Addr().String())
	if err := process.Run(ctx); err != nil && ctx.Err() == nil {
		return trace.Wrap(err)
	}
	return nil
}
