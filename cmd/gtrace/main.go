// Command gtrace traces system calls inside a named guest domain. Per the
// tracer's external CLI contract, it takes one positional argument, the
// guest name, and exits 0 on clean shutdown. SIGINT/SIGTERM/SIGHUP/SIGALRM
// trigger the interrupted flag and shut the tracer down; SIGALRM additionally
// logs a status line first.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/guestrace/gtrace/internal/hypervisor"
	"github.com/guestrace/gtrace/internal/loop"
	"github.com/guestrace/gtrace/internal/recorder"
	"github.com/guestrace/gtrace/pkg/callback"
	"github.com/guestrace/gtrace/version"
)

func main() {
	app := &cli.Command{
		Name:      "gtrace",
		Usage:     "stealthily trace guest kernel system calls via altp2m",
		Version:   version.FullVersion(),
		ArgsUsage: "<guest-name>",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:  "symbol",
				Usage: "kernel symbol to trace (repeatable); defaults to a small built-in set",
			},
			&cli.StringFlag{
				Name:  "record",
				Usage: "DSN of a database to record trace events to (sqlite:, mysql:)",
			},
		},
		Action: runTrace,
		Commands: []*cli.Command{
			shellCommand(),
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		log.Fatalf("gtrace: %v", err)
	}
}

var defaultSymbols = []string{"sys_open", "sys_read", "sys_write", "sys_close"}

func runTrace(ctx context.Context, cmd *cli.Command) error {
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

	var rec *recorder.Recorder
	if dsn := cmd.String("record"); dsn != "" {
		driverName, connDSN := splitRecordDSN(dsn)
		rec, err = recorder.Open(driverName, connDSN)
		if err != nil {
			return fmt.Errorf("failed to open recorder: %w", err)
		}
		defer rec.Close()
	}

	symbols := cmd.StringSlice("symbol")
	if len(symbols) == 0 {
		symbols = defaultSymbols
	}

	regs := make([]callback.Registration, 0, len(symbols))
	for _, sym := range symbols {
		var entry callback.Entry
		var ret callback.Return
		if rec != nil {
			entry, ret = rec.ForSymbol(sym)
		} else {
			entry, ret = loggingCallbacks(sym)
		}
		regs = append(regs, callback.Registration{Symbol: sym, Entry: entry, Return: ret})
	}

	count, errs := l.SetCallbacks(regs)
	log.Printf("gtrace: installed %d/%d requested symbols", count, len(symbols))
	if errs.HasErrors() {
		log.Printf("gtrace: registration errors:\n%s", errs.Error())
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGALRM)

	runErr := make(chan error, 1)
	go func() { runErr <- l.Run() }()

	for {
		select {
		case sig := <-sigChan:
			if sig == syscall.SIGALRM {
				log.Printf("gtrace: %d breakpoints, %d in-flight calls", l.BreakpointCount(), l.InFlightCallCount())
			}
			log.Printf("gtrace: received %v, shutting down", sig)
			l.Quit()
		case err := <-runErr:
			if err != nil {
				_ = l.Destroy()
				return fmt.Errorf("run failed: %w", err)
			}
			return l.Destroy()
		}
	}
}

// splitRecordDSN accepts "sqlite:/path/to.db" or "mysql:user:pass@tcp(host)/db"
// and splits off the driver prefix understood by database/sql.
func splitRecordDSN(dsn string) (driver, conn string) {
	for i := 0; i < len(dsn); i++ {
		if dsn[i] == ':' {
			return dsn[:i], dsn[i+1:]
		}
	}
	return "sqlite", dsn
}

func loggingCallbacks(symbol string) (callback.Entry, callback.Return) {
	entry := func(vmi hypervisor.VMI, ev callback.Event, payload interface{}) interface{} {
		log.Printf("%s: pid=%d thread=0x%x vcpu=%d enter", symbol, ev.PID, ev.ThreadID, ev.VCPU)
		return nil
	}
	ret := func(vmi hypervisor.VMI, ev callback.Event, payload interface{}) {
		log.Printf("%s: pid=%d thread=0x%x vcpu=%d return", symbol, ev.PID, ev.ThreadID, ev.VCPU)
	}
	return entry, ret
}
