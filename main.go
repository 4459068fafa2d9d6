package main

import (
	"os"

	"github.com/spigell/kpi-strategist/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
