package main

import (
	"os"

	"github.com/gostonefire/hashdb/ecode"
	"github.com/spf13/cobra"
)

var (
	// rootCmd is the base command when called without any subcommands
	rootCmd = &cobra.Command{
		Use:   "hashdb",
		Short: "inspect and modify hashdb database files",
		Long: `hashdb works on single file hash databases that many processes
can share. Every flag can also be given as an environment
variable HASHDB_<FLAG>, for example HASHDB_LOG_LEVEL=debug,
or in a .env file.`,
		SilenceUsage:      true,
		PersistentPreRunE: bindFlags,
	}
)

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().String("log-level", "warn", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("no-lock", false, "skip byte range locking, only safe for files no one else uses")
	rootCmd.PersistentFlags().Bool("no-mmap", false, "use pread and pwrite instead of mapping the file")

	rootCmd.AddCommand(dumpCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(fetchCmd)
	rootCmd.AddCommand(storeCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(agentCmd)
	rootCmd.AddCommand(agentStressCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		// Exit status is the error kind, so scripts can tell a missing key from a corrupt file
		os.Exit(int(-ecode.CodeOf(err)))
	}
}
