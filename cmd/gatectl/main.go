// Command gatectl inspects a running gate broker's lock queues and health.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/gate-fs/gate/cmd/gatectl/commands"
)

func main() {
	if err := commands.NewRootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
