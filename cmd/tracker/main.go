package main

import (
	"os"

	"github.com/buildorite/tracker/internal/cli"
)

func main() {
	os.Exit(cli.Run(os.Args[1:]))
}
