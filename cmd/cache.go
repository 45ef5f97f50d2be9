package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Manage the local dataset cache",
}

var cachePurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Remove expired entries from the dataset cache",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		idx, mgr, err := initCache()
		if err != nil {
			return err
		}
		defer idx.Close() //nolint:errcheck

		n, err := mgr.Purge(ctx)
		if err != nil {
			return err
		}

		fmt.Fprintf(os.Stderr, "Purged %d expired entries.\n", n)
		return nil
	},
}

func init() {
	cacheCmd.AddCommand(cachePurgeCmd)
	rootCmd.AddCommand(cacheCmd)
}
