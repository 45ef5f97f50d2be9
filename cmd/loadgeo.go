package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sba-tools/hubzone-cli/internal/cache"
	"github.com/sba-tools/hubzone-cli/internal/importer"
)

var loadgeoStates []string

var loadgeoCmd = &cobra.Command{
	Use:   "loadgeo",
	Short: "Acquire and load TIGER boundary geometry",
	Long: `Downloads (or reuses cached) TIGER/Line county and tract archives
and loads the parsed units into the geographic_units table. A full run
does this as its boundary stage; loadgeo warms the table ahead of time.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnvironment(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		catalog, err := cache.Catalog(cfg.Sources)
		if err != nil {
			return err
		}

		n, err := importer.LoadBoundaries(ctx, env.Cache, catalog, env.Units, loadgeoStates)
		if err != nil {
			return err
		}

		fmt.Fprintf(os.Stderr, "Loaded %d geographic units.\n", n)
		return nil
	},
}

func init() {
	loadgeoCmd.Flags().StringSliceVar(&loadgeoStates, "states", nil, "restrict loading to these state FIPS codes")
	rootCmd.AddCommand(loadgeoCmd)
}
