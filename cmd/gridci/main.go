package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/vk/gridci/internal/cli"
)

// main is the entrypoint for the gridci binary.
func main() {
	if err := cli.Execute(os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		var exitErr *cli.ExitError
		if errors.As(err, &exitErr) {
			fmt.Fprintln(os.Stderr, exitErr.Message)
			os.Exit(exitErr.Code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
