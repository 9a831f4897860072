// Command sling is the Core Lightning plugin binary: it wires every
// package in this module (gossip decoding, the graph store, the
// liquidity oracle, candidate selection, path finding, the rebalance
// task state machine, the task registry, the HTLC settler, and the
// scheduler) behind the plugin lifecycle shim in package plugin, and
// exposes the `sling-*` RPC surface named in §6. Grounded on
// original_source/src/main.rs's Builder wiring: the same option/hook/
// rpcmethod/setconfig registration, the same per-plugin data directory
// convention, rebuilt against the Go plugin shim instead of cln_plugin.
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/lightningnetwork/sling/logsub"
)

// version is the plugin's own release string, printed by `sling-version`
// and by the standalone `sling version` subcommand.
const version = "sling 0.1.0"

var log = logsub.Logger("SLNG")

func main() {
	app := &cli.App{
		Name:  "sling",
		Usage: "autonomous circular rebalancing plugin for Core Lightning",
		Commands: []*cli.Command{
			{
				Name:  "version",
				Usage: "print the plugin version and exit",
				Action: func(c *cli.Context) error {
					fmt.Println(version)
					return nil
				},
			},
		},
		Action: func(c *cli.Context) error {
			d := newDaemon()
			return d.runPlugin(os.Stdin, os.Stdout)
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Errorf("sling: %v", err)
		os.Exit(1)
	}
}
