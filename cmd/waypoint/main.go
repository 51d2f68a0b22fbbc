// Command waypoint drives a checkpoint plan to completion by repeatedly
// spawning short-lived workers against it.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:           "waypoint",
		Short:         "Checkpoint-driven batch orchestrator for agentic workers",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringP("project", "C", ".", "project root directory")

	root.AddCommand(
		newInitCmd(),
		newRunCmd(),
		newStatusCmd(),
		newAddCmd(),
		newSignsCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func projectRoot(cmd *cobra.Command) (string, error) {
	root, err := cmd.Flags().GetString("project")
	if err != nil {
		return "", err
	}
	abs, err := os.Getwd()
	if err != nil {
		return "", err
	}
	if root == "." || root == "" {
		return abs, nil
	}
	return root, nil
}
