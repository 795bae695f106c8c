package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := run(ctx, os.Args[1:])
	stop()
	if err != nil {
		os.Exit(1)
	}
}

// run executes one command and always releases what setup started, including
// when the command itself fails.
func run(ctx context.Context, args []string) error {
	defer teardown()
	rootCmd.SetArgs(args)
	return rootCmd.ExecuteContext(ctx)
}
