// Command brainage trains and evaluates the brain-age regression model.
//
//	brainage synth    -out DIR [-subjects N] [-scans N] [-grid DxHxW]
//	brainage train    -manifest FILE | -synthetic N  [training flags]
//	brainage evaluate -manifest FILE | -synthetic N  -checkpoint FILE
//	brainage runs     -run-store FILE
//
// Every flag can also be set through its BRAINAGE_* environment variable.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}
