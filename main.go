package main

import (
	"fmt"
	"os"

	"safetyvision/internal/app"
)

func main() {
	if err := app.New(app.DefaultDeps()).Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(app.ExitCode(err))
	}
}
