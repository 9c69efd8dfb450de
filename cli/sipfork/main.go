package main

import (
	"os"

	sipforkcmder "github.com/papercomputeco/sipfork/cmd/sipfork"
)

func main() {
	cmd := sipforkcmder.NewSipforkCmd()
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
