// Package main is the entry point for the tabmux broker CLI.
package main

import (
	"os"

	"github.com/tabmux/tabmux/cmd/tabmux/app"
	"github.com/tabmux/tabmux/pkg/logger"
)

func main() {
	logger.Initialize()

	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
