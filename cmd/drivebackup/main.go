package main

import (
	"os"
)

// Version is the build version, set with -ldflags "-X main.Version=...".
var Version = "1.23-SNAPSHOT"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
