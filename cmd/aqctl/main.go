// Command aqctl drives a running forecaster from the shell.
//
// Usage:
//
//	aqctl [-server URL] [-timeout D] [-json] <command> [flags]
//
// Commands:
//
//	current  -zone N                        stored forecast of a zone
//	forecast [-zone N] [-hours H] [-save]   fresh forecast of one or all zones
//	train    -zone N [-days D] [-epochs E]  retrain a zone
//	monitor  [-zone N]                      run a monitor check
//	status                                  model state of every zone
//	scaler   -zone N                        fitted scaler of a zone
//
// The server defaults to $AQ_SERVER, then http://localhost:8081.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}
