package root

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	mget "github.com/replicate/mget/pkg"
	"github.com/replicate/mget/pkg/cli"
	"github.com/replicate/mget/pkg/config"
	"github.com/replicate/mget/pkg/logging"
	"github.com/replicate/mget/pkg/metrics"
	"github.com/replicate/mget/pkg/optname"
)

const rootLongDesc = `
mget

MGet is a resilient single-file downloader for launchers and installers. Each attempt streams the file straight to
disk while a watchdog aborts transfers that stop growing. Completed files are verified, either against an MD5
checksum (pinned with --checksum or discovered from the server's ETag or a .md5 sibling) or, when no checksum is
available, by checking that the file is a readable zip or tar archive. Failed or rejected attempts are retried.

Hosts registered with --mirror are secure mirrors: requests to them are rewritten onto the mirror's download host
with the mirror's token attached.

With --cache, the verified file is copied into the cache and a later run that finds a cache file passing
verification copies it into place without touching the network.
`

func GetCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mget [flags] <url> <dest>",
		Short: "mget",
		Long:  rootLongDesc,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return config.PersistentStartupProcessFlags()
		},
		RunE:    runRootCMD,
		Args:    cobra.ExactArgs(2),
		Example: `  mget --cache ~/.cache/mget/minecraft_1.6.4.jar https://example.com/minecraft.jar bin/minecraft.jar`,
	}
	cmd.SetUsageTemplate(cli.UsageTemplate)
	err := config.AddRootPersistentFlags(cmd)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	return cmd
}

func runRootCMD(cmd *cobra.Command, args []string) error {
	// After we run through the PreRun functions we want to silence usage from being printed
	// on all errors
	cmd.SilenceUsage = true

	urlString := args[0]
	dest := args[1]

	log.Info().Str("url", urlString).
		Str("dest", dest).
		Str("cache", viper.GetString(optname.Cache)).
		Int("attempts", viper.GetInt(optname.Attempts)).
		Msg("Initiating")

	if err := cli.EnsureDestinationNotExist(dest); err != nil {
		return err
	}

	if lockPath := viper.GetString(optname.LockFile); lockPath != "" {
		lock, err := cli.NewLockFile(lockPath)
		if err != nil {
			return err
		}
		if err := lock.Acquire(); err != nil {
			return err
		}
		defer func() {
			if err := lock.Release(); err != nil {
				logger := logging.GetLogger()
				logger.Warn().Err(err).Str("path", lockPath).Msg("Unable to release lock")
			}
		}()
	}

	return rootExecute(cmd.Context(), urlString, dest)
}

// rootExecute is the main function of the program and encapsulates the general logic
// returns any/all errors to the caller.
func rootExecute(ctx context.Context, urlString, dest string) error {
	recorder := metrics.NewRecorder()
	defer config.WriteMetrics(recorder)
	getter, err := config.NewGetter(recorder)
	if err != nil {
		return err
	}

	req := mget.Request{
		URL:        urlString,
		OutputPath: dest,
		CachePath:  viper.GetString(optname.Cache),
		Checksum:   viper.GetString(optname.Checksum),
	}
	if !viper.GetBool(optname.NoProgress) {
		bar := cli.NewProgressBar(os.Stderr, 80*time.Millisecond)
		defer bar.Finish()
		req.Listener = bar
	}

	_, err = getter.FetchIfNecessary(ctx, req)
	return err
}
