package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	var configPath string

	root := &cobra.Command{
		Use:     "finch",
		Short:   "Finch is a virtual budget ledger for pay-per-use LLM providers",
		Version: version,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "finch.yaml", "path to config file")

	root.AddCommand(
		newBudgetCmd(&configPath),
		newOdometerCmd(&configPath),
		newReconcileCmd(&configPath),
		newMCPCmd(&configPath),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
