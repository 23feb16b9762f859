package main

import (
	"os"

	"github.com/kasuganosora/guidegame/client/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
