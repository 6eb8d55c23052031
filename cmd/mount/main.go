// Command gate-mount mounts a broker-gated FUSE filesystem.
package main

import (
	"context"
	"os"

	"github.com/gate-fs/gate/cmd/mount/commands"
	"github.com/gate-fs/gate/internal/logger"
)

func main() {
	if err := commands.NewRootCommand().ExecuteContext(context.Background()); err != nil {
		logger.Error("mount exited with error", "err", err)
		os.Exit(1)
	}
}
