// Package snapctlcmd implements the commands of snapctl, an operator tool
// for inspecting, writing, validating, and repairing snapshot stores.
package snapctlcmd

import (
	"context"
	"encoding/json"
	"io"
	"os"

	"github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"
	mbp "go.snapstore.dev/core/mainboilerplate"
	"go.snapstore.dev/core/snapshotstore"
	"gopkg.in/yaml.v2"
)

const iniFilename = "snapctl.ini"

var (
	baseCfg = new(struct {
		Store       mbp.StoreConfig       `group:"Store" namespace:"store" env-namespace:"STORE"`
		Log         mbp.LogConfig         `group:"Logging" namespace:"log" env-namespace:"LOG"`
		Diagnostics mbp.DiagnosticsConfig `group:"Debug" namespace:"debug" env-namespace:"DEBUG"`
	})

	// CommandRegistry of snapctl sub-commands, populated from init.
	CommandRegistry = mbp.NewCommandRegistry()

	// stdout receives command output.
	stdout io.Writer = os.Stdout
)

// OutputConfig is common configuration of commands which print a document.
type OutputConfig struct {
	Format string `long:"format" short:"o" choice:"table" choice:"yaml" choice:"json" default:"table" description:"Output format"`
}

// Execute parses configuration and arguments, and runs the selected command.
func Execute() {
	var parser = flags.NewParser(baseCfg, flags.Default)

	mbp.AddPrintConfigCmd(parser, iniFilename)
	mbp.AddVersionCmd(parser)
	parser.LongDescription = `snapctl is a tool for inspecting and maintaining snapshot stores.

	See --help pages of each sub-command for documentation and usage examples.
	Optionally configure snapctl with a '` + iniFilename + `' file in the current working directory,
	or with '~/.config/snapstore/` + iniFilename + `'. Use the 'print-config' sub-command to inspect
	the tool's current configuration.
	`
	mbp.Must(CommandRegistry.AddCommands("", parser.Command), "could not add subcommand")
	mbp.MustParseConfig(parser, iniFilename)
}

// withStore initializes logging, opens the configured Store, and invokes
// |fn| with it.
func withStore(fn func(context.Context, *snapshotstore.Store) error) error {
	mbp.InitLog(baseCfg.Log)

	var ctx = context.Background()
	var store, closeFn, err = baseCfg.Store.OpenStore(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	log.WithField("backend", store.Backend().Provider()).Debug("opened store")
	return fn(ctx, store)
}

func writeJSON(v interface{}) error {
	var enc = json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeYAML(v interface{}) error {
	var b, err = yaml.Marshal(v)
	if err != nil {
		return err
	}
	_, err = stdout.Write(b)
	return err
}

// writeDocument writes |v| in the |format|, using |table| for "table".
func writeDocument(format string, v interface{}, table func()) error {
	switch format {
	case "json":
		return writeJSON(v)
	case "yaml":
		return writeYAML(v)
	default:
		table()
		return nil
	}
}
