package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"strings"

	"github.com/chzyer/readline"
	"github.com/urfave/cli/v3"

	"github.com/guestrace/gtrace/internal/hypervisor"
	"github.com/guestrace/gtrace/internal/loop"
)

// shellCommand returns the "shell" subcommand: an interactive REPL for
// registering symbols and inspecting a running trace without restarting
// gtrace per change. Grounded on this repository's own line-editing needs
// for a PHP REPL, here repurposed for tracer commands instead of
// expressions.
func shellCommand() *cli.Command {
	return &cli.Command{
		Name:      "shell",
		Usage:     "interactively trace a guest",
		ArgsUsage: "<guest-name>",
		Action:    runShell,
	}
}

func runShell(ctx context.Context, cmd *cli.Command) error {
	guestName := cmd.Args().First()
	if guestName == "" {
		return fmt.Errorf("missing required argument: guest name")
	}

	vmi, err := hypervisor.OpenLibVMI(guestName)
	if err != nil {
		return fmt.Errorf("failed to open guest %q: %w", guestName, err)
	}

	l, err := loop.Construct(vmi)
	if err != nil {
		_ = vmi.Close()
		return fmt.Errorf("failed to construct loop: %w", err)
	}

	go func() {
		if err := l.Run(); err != nil {
			log.Printf("shell: run exited: %v", err)
		}
	}()

	rl, err := readline.New(fmt.Sprintf("gtrace(%s)> ", guestName))
	if err != nil {
		return fmt.Errorf("failed to start readline: %w", err)
	}
	defer rl.Close()

	fmt.Println("commands: trace <symbol>, status, quit")

	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}

		fields := strings.Fields(strings.TrimSpace(line))
		if len(fields) == 0 {
			continue
		}

		switch fields[0] {
		case "trace":
			if len(fields) != 2 {
				fmt.Println("usage: trace <symbol>")
				continue
			}
			entry, ret := loggingCallbacks(fields[1])
			if err := l.SetCallback(fields[1], entry, ret, nil); err != nil {
				fmt.Printf("error: %v\n", err)
				continue
			}
			fmt.Printf("now tracing %s\n", fields[1])
		case "status":
			fmt.Printf("os=%s breakpoints=%d in-flight=%d interrupted=%t\n",
				l.OSTypeString(), l.BreakpointCount(), l.InFlightCallCount(), l.Interrupted())
		case "quit", "exit":
			l.Quit()
			return l.Destroy()
		default:
			fmt.Printf("unknown command: %s\n", fields[0])
		}
	}

	l.Quit()
	return l.Destroy()
}
