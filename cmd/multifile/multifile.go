package multifile

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	mget "github.com/replicate/mget/pkg"
	"github.com/replicate/mget/pkg/cli"
	"github.com/replicate/mget/pkg/config"
	"github.com/replicate/mget/pkg/logging"
	"github.com/replicate/mget/pkg/metrics"
	"github.com/replicate/mget/pkg/optname"
)

const longDesc = `
'multifile' mode for mget takes a manifest file as input (can use '-' for stdin) and downloads all files listed in the manifest.

The manifest is expected to be a newline-separated list of URLs and destination paths separated by whitespace,
optionally followed by the expected MD5 of the file.
e.g.
https://example.com/libs/lwjgl.jar bin/lwjgl.jar 0a1b2c3d4e5f60718293a4b5c6d7e8f9

Entries without a checksum are verified the same way as single downloads. 'multifile' downloads up to
'--max-concurrent-files' files at once; each file is retried on its own.
`

const multifileExamples = `
  mget multifile manifest.txt

  mget multifile - < manifest.txt

  cat manifest.txt | mget multifile -
`

// fetcher is satisfied by *mget.Getter.
type fetcher interface {
	FetchIfNecessary(ctx context.Context, req mget.Request) (string, error)
}

type multifileDownloadMetric struct {
	elapsedTime time.Duration
	fileSize    int64
}

type downloadMetrics struct {
	metrics []multifileDownloadMetric
	mut     sync.Mutex
}

func GetCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "multifile [flags] <manifest-file>",
		Short:   "download files from a manifest file in parallel",
		Long:    longDesc,
		Args:    cobra.ExactArgs(1),
		RunE:    runMultifileCMD,
		Example: multifileExamples,
	}

	cmd.Flags().Int(optname.MaxConcurrentFiles, 4, "Maximum number of files to download concurrently")
	err := viper.BindPFlags(cmd.Flags())
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	cmd.SetUsageTemplate(cli.UsageTemplate)
	return cmd
}

func runMultifileCMD(cmd *cobra.Command, args []string) error {
	cmd.SilenceUsage = true
	manifestPath := args[0]
	file, err := manifestFile(manifestPath)
	if err != nil {
		return err
	}
	defer file.Close()
	entries, err := parseManifest(file)
	if err != nil {
		return fmt.Errorf("error processing manifest file %s: %w", manifestPath, err)
	}

	recorder := metrics.NewRecorder()
	defer config.WriteMetrics(recorder)
	getter, err := config.NewGetter(recorder)
	if err != nil {
		return err
	}
	return multifileExecute(cmd.Context(), getter, entries)
}

func initializeErrGroup(ctx context.Context) (*errgroup.Group, context.Context) {
	eg, ctx := errgroup.WithContext(ctx)

	// If `--max-concurrent-files` is set, limit the number of concurrent files
	if concurrentFileLimit := viper.GetInt(optname.MaxConcurrentFiles); concurrentFileLimit > 0 {
		logger := logging.GetLogger()
		logger.Debug().Int("concurrent_file_limit", concurrentFileLimit).Msg("Config")
		eg.SetLimit(concurrentFileLimit)
	}
	return eg, ctx
}

func multifileExecute(ctx context.Context, f fetcher, entries manifest) error {
	stats := &downloadMetrics{}
	eg, ctx := initializeErrGroup(ctx)

	multifileDownloadStart := time.Now()
	logger := logging.GetLogger()
	for _, entry := range entries {
		entry := entry // per-iteration copy; go 1.21 shares the loop variable
		logger.Debug().Str("url", entry.url).Str("dest", entry.dest).Msg("Queueing Download")
		eg.Go(func() error {
			return downloadAndMeasure(ctx, f, entry, stats)
		})
	}
	if err := eg.Wait(); err != nil {
		return fmt.Errorf("error downloading files: %w", err)
	}

	aggregateAndPrintMetrics(time.Since(multifileDownloadStart), stats)
	return nil
}

func aggregateAndPrintMetrics(elapsedTime time.Duration, stats *downloadMetrics) {
	var totalFileSize int64

	stats.mut.Lock()
	defer stats.mut.Unlock()

	for _, metric := range stats.metrics {
		totalFileSize += metric.fileSize
	}
	throughput := "n/a"
	if elapsedTime > 0 {
		throughput = fmt.Sprintf("%s/s", humanize.Bytes(uint64(float64(totalFileSize)/elapsedTime.Seconds())))
	}
	logger := logging.GetLogger()
	logger.Info().
		Int("file_count", len(stats.metrics)).
		Str("total_bytes_downloaded", humanize.Bytes(uint64(totalFileSize))).
		Str("throughput", throughput).
		Str("elapsed_time", fmt.Sprintf("%.3fs", elapsedTime.Seconds())).
		Msg("Metrics")
}

func downloadAndMeasure(ctx context.Context, f fetcher, entry manifestEntry, stats *downloadMetrics) error {
	start := time.Now()
	path, err := f.FetchIfNecessary(ctx, mget.Request{
		URL:        entry.url,
		OutputPath: entry.dest,
		Checksum:   entry.checksum,
	})
	if err != nil {
		return err
	}
	var size int64
	if info, err := os.Stat(path); err == nil {
		size = info.Size()
	}
	addDownloadMetrics(time.Since(start), size, stats)
	return nil
}

func addDownloadMetrics(elapsedTime time.Duration, fileSize int64, stats *downloadMetrics) {
	result := multifileDownloadMetric{
		elapsedTime: elapsedTime,
		fileSize:    fileSize,
	}
	stats.mut.Lock()
	defer stats.mut.Unlock()
	stats.metrics = append(stats.metrics, result)
}
