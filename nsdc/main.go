// Command nsdc is the control utility for nsdd, spec §6.3.
package main

import (
	"fmt"
	"net"
	"os"

	"github.com/nsdgo/nsd/nsd"
)

const usage = "usage: nsdc <start|stop|reload|reconfig|status|stats|notify|transfer|addzone|delzone|force_transfer|log_reopen>"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(1)
	}
	sockPath := os.Getenv("NSDC_SOCKET")
	if sockPath == "" {
		sockPath = "/var/run/nsdd.sock"
	}

	switch os.Args[1] {
	case "log_reopen":
		if err := nsd.ReopenLog(); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
	case "reload":
		if err := sendSupervisorCommand(sockPath, nsd.CmdReload); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
	case "stop":
		if err := sendSupervisorCommand(sockPath, nsd.CmdQuit); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
	case "stats":
		if err := sendSupervisorCommand(sockPath, nsd.CmdStats); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
	case "status", "notify", "transfer", "addzone", "delzone", "force_transfer", "reconfig", "start":
		fmt.Fprintf(os.Stderr, "nsdc %s: not yet wired to a running daemon\n", os.Args[1])
		os.Exit(2)
	default:
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(1)
	}
}

func sendSupervisorCommand(sockPath string, cmd nsd.Command) error {
	conn, err := net.Dial("unix", sockPath)
	if err != nil {
		return err
	}
	defer conn.Close()
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return fmt.Errorf("unexpected connection type")
	}
	return nsd.SendCommand(uc, cmd, nil)
}
