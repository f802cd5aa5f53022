package main

import (
	"os"

	"github.com/conneroisu/prefstore/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
