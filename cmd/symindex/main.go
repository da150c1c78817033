package main

import (
	"os"

	"symindex/internal/ui/cli"
)

func main() {
	os.Exit(cli.Run(os.Args[1:]))
}
