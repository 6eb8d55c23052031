// Command gate-broker runs the durable FIFO lock broker daemon.
package main

import (
	"context"
	"os"

	"github.com/gate-fs/gate/cmd/broker/commands"
	"github.com/gate-fs/gate/internal/logger"
)

func main() {
	if err := commands.NewRootCommand().ExecuteContext(context.Background()); err != nil {
		logger.Error("broker exited with error", "err", err)
		os.Exit(1)
	}
}
