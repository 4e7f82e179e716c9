package main

import (
	"os"

	"github.com/replicate/mget/cmd"
	"github.com/replicate/mget/pkg/logging"
)

func main() {
	logging.SetupLogger()
	rootCMD := cmd.GetRootCommand()
	if err := rootCMD.Execute(); err != nil {
		os.Exit(1)
	}
}
