// Package main runs the kernel operator CLI.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/louisbranch/modkernel/internal/cmd/kernelctl"
	"github.com/louisbranch/modkernel/internal/platform/config"
)

func main() {
	log.SetPrefix("[KERNELCTL] ")
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root, err := kernelctl.NewRootCommand(kernelctl.Options{Out: os.Stdout})
	config.ExitOnError(err, "load kernelctl config")
	if err := root.ExecuteContext(ctx); err != nil {
		stop()
		config.Exitf("kernelctl: %v", err)
	}
}
