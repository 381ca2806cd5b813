package main

import (
	"os"

	"github.com/burrowhq/burrow/internal/cli"
)

func main() {
	os.Exit(cli.Run(os.Args[1:]))
}
