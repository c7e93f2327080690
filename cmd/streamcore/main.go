// Package main is the entry point for the streamcore application.
package main

import (
	"os"

	"github.com/canalplus/rx-player-sub017/cmd/streamcore/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
