// Package main provides the entry point for the stellasearch CLI.
package main

import (
	"os"

	"github.com/Aman-CERP/stellasearch/cmd/stellasearch/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
