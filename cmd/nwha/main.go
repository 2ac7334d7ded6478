package main

import (
	"os"

	"github.com/nctiggy/nwha/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
