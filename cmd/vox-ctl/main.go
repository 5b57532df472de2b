package main

import (
	"fmt"
	"os"
	"strings"

	cli "github.com/spf13/pflag"

	"voxhub/internal/config"
	"voxhub/internal/ipc"
	"voxhub/pkg/protocol"
)

func main() {
	socket := cli.StringP("socket", "s", config.Default().IPC.Socket, "Control socket of the hub")
	cli.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: vox-ctl [-s socket] <command>")
		fmt.Fprintln(os.Stderr, `  vox-ctl 'make_call(destination="sip:100@pbx")'`)
		fmt.Fprintln(os.Stderr, "  vox-ctl hangup")
		fmt.Fprintln(os.Stderr, "  vox-ctl stop")
		cli.PrintDefaults()
	}
	cli.Parse()

	if cli.NArg() == 0 {
		cli.Usage()
		os.Exit(2)
	}
	line := strings.Join(cli.Args(), " ")
	// bare verbs are accepted for commands without arguments
	if !strings.Contains(line, "(") {
		line += "()"
	}
	if _, _, err := protocol.ParseLine(line); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	if err := ipc.SendCommand(*socket, line); err != nil {
		fmt.Println("vox-hub refused or is not running:", err)
		os.Exit(1)
	}
}
