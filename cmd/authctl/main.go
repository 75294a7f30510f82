package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"wattguard.io/cmd/authctl/cmd"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cmd.NewRootCmd(nil).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "authctl:", err)
		stop()
		os.Exit(1)
	}
}
