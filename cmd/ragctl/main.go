package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"msg_rag/server/ragman/app"
	"msg_rag/server/ragman/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cli.NewRootCommand(app.LoadConfig, app.BuildEngine).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "ragctl:", err)
		stop()
		os.Exit(1)
	}
}
