// Package main provides the entry point for the msgsearch CLI.
package main

import (
	"os"

	"github.com/Aman-CERP/msgsearch/cmd/msgsearch/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
