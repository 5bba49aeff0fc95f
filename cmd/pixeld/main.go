package main

import (
	"fmt"
	"os"

	"github.com/pixelplace/pixeld/cli"
)

func main() {
	err := cli.RootCommand().Invoke().WithOS().Run()
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
