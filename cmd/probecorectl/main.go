// Command probecorectl is a thin cobra front-end over the probecore
// library: list probes, attach, dump discovered cores, detach. It carries
// no protocol logic of its own — every subcommand is a few lines of
// wiring onto probe/session/arm, mirroring the "dumb CLI, smart library"
// split the rest of this module follows.
package main

import (
	"fmt"
	"os"

	"github.com/probecore/probecore/cmd/probecorectl/internal/cli"

	_ "github.com/probecore/probecore/probe/cmsisdap"
	_ "github.com/probecore/probecore/probe/espjtag"
	_ "github.com/probecore/probecore/probe/ftdi"
	_ "github.com/probecore/probecore/probe/jlink"
	_ "github.com/probecore/probecore/probe/stlink"
)

func main() {
	if err := cli.Root().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
