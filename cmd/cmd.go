package cmd

import (
	"github.com/spf13/cobra"

	"github.com/replicate/mget/cmd/multifile"
	"github.com/replicate/mget/cmd/root"
	"github.com/replicate/mget/cmd/version"
)

func GetRootCommand() *cobra.Command {
	rootCMD := root.GetCommand()
	rootCMD.AddCommand(multifile.GetCommand())
	rootCMD.AddCommand(version.VersionCMD)
	return rootCMD
}
