// Package hwmctlcmd implements the sub-commands of hwmctl, a tool for
// appending to and tailing windowed buffers, and for writing and reading
// signals, of a configured store.
package hwmctlcmd

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"
	mbp "go.gazette.dev/hwm/mainboilerplate"
	"go.gazette.dev/hwm/metrics"
	"go.gazette.dev/hwm/window"
)

const iniFilename = "hwmctl.ini"

var (
	baseCfg = new(struct {
		Service     mbp.ServiceConfig     `group:"Service" namespace:"service" env-namespace:"SERVICE"`
		Store       mbp.StoreConfig       `group:"Store" namespace:"store" env-namespace:"STORE"`
		Log         mbp.LogConfig         `group:"Logging" namespace:"log" env-namespace:"LOG"`
		Diagnostics mbp.DiagnosticsConfig `group:"Debug" namespace:"debug" env-namespace:"DEBUG"`
	})

	// CommandRegistry of hwmctl sub-commands, which register themselves
	// from init functions of this package.
	CommandRegistry = mbp.NewCommandRegistry()
)

// TopicConfig is common configuration of commands which operate on a topic.
type TopicConfig struct {
	Topic string `long:"topic" short:"t" required:"true" description:"Topic to operate on"`
}

// startup initializes logging and diagnostics, and connects to the
// configured store. The returned Context is canceled by SIGINT or SIGTERM.
func startup() (context.Context, *window.Context) {
	mbp.InitLog(baseCfg.Log)
	mbp.InitDiagnostics(baseCfg.Diagnostics, metrics.Collectors()...)

	var ctx, _ = signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	var logger = baseCfg.Service.Logger()

	var opts, err = baseCfg.Store.Options()
	mbp.Must(err, "invalid store configuration")

	var facade = window.Connect(ctx, baseCfg.Store.MustBackend(ctx))
	mbp.Must(facade.WaitReady(ctx), "failed to connect to store", "backend", baseCfg.Store.Backend)

	logger.WithFields(log.Fields{
		"backend":   baseCfg.Store.Backend,
		"namespace": baseCfg.Store.Namespace,
	}).Info("connected to store")

	return ctx, window.NewContext(facade, opts)
}

func mustAddCmd(cmd *flags.Command, name, short, long string, cfg interface{}) *flags.Command {
	cmd, err := cmd.AddCommand(name, short, long, cfg)
	mbp.Must(err, "failed to add command")
	return cmd
}

// Execute parses configuration and runs the selected sub-command.
func Execute() {
	var parser = flags.NewParser(baseCfg, flags.Default)

	mbp.AddPrintConfigCmd(parser, iniFilename)
	parser.LongDescription = `hwmctl is a tool for interacting with windowed buffers and signals.

	See --help pages of each sub-command for documentation and usage examples.
	Optionally configure hwmctl with a '` + iniFilename + `' file in the current working directory,
	or with '~/.config/hwm/` + iniFilename + `'. Use the 'print-config' sub-command to inspect
	the tool's current configuration.
	`
	// "signal" only organizes its nested sub-commands.
	_ = mustAddCmd(parser.Command, "signal", "Write or read a signal", "", &struct{}{})

	mbp.Must(CommandRegistry.AddCommands("", parser.Command, true), "could not add subcommand")
	mbp.MustParseConfig(parser, iniFilename)
}
