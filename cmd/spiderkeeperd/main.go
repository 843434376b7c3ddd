// Command spiderkeeperd runs the crawl-job orchestration daemon: the HTTP
// API, the cron scheduler, the worker lifecycle manager, the ingestion
// watchers, and the status reconciler.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "spiderkeeperd",
		Short: "Crawl-job orchestration daemon",
		Long: `spiderkeeperd supervises crawl workers end to end: it fires cron
schedules, launches and watches worker processes, ingests their
line-delimited output with content-hash dedup, and settles every task
into exactly one terminal status.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to config file")
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newReconcileCmd())
	return cmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
