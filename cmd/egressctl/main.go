package main

import (
	"os"

	"github.com/psantana5/ffmpeg-egress/cmd/egressctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
