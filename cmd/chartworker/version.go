package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("chartworker %s\n", version)
		if commit != "none" {
			fmt.Printf("Git commit: %s\n", commit)
		}
		if date != "unknown" {
			fmt.Printf("Build date: %s\n", date)
		}
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
