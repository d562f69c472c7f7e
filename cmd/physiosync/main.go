// Command physiosync runs the offline-first record sync engine and its
// reference sink.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/tbourn/physio-sync/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "physiosync:", err)
		os.Exit(1)
	}
}
