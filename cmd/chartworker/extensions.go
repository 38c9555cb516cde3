package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/woxQAQ/chart-worker/internal/extension"
	"github.com/woxQAQ/chart-worker/internal/server"
)

var extensionsCmd = &cobra.Command{
	Use:   "extensions",
	Short: "Inspect extension packs",
}

var extensionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "Load the configured extension packs and list them",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		logger, err := newLogger(cfg.LogLevel)
		if err != nil {
			return err
		}
		defer logger.Sync()

		ctx := context.Background()
		srv, err := server.NewServer(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer srv.Close(ctx)

		exts := srv.Extensions().Registry().List()
		if len(exts) == 0 {
			fmt.Println("No extensions loaded")
			return nil
		}
		for _, ext := range exts {
			caps := make([]string, len(ext.Capabilities()))
			for i, c := range ext.Capabilities() {
				caps[i] = string(c)
			}
			fmt.Printf("%s %s\t[%s]\t%s\n", ext.Name(), ext.Version(), strings.Join(caps, ","), ext.Manifest.Dir())
		}
		fmt.Printf("Callbacks: %s\n", strings.Join(srv.Callbacks().IDs(), ", "))
		var mutators []string
		for _, ext := range srv.Extensions().FindByCapability(extension.CapabilityMutator) {
			mutators = append(mutators, ext.Name())
		}
		if len(mutators) > 0 {
			fmt.Printf("Mutator providers: %s\n", strings.Join(mutators, ", "))
		}
		return nil
	},
}

func init() {
	extensionsListCmd.Flags().StringSliceVar(&extensionDirs, "extensions", nil, "Extension pack directories")
	extensionsCmd.AddCommand(extensionsListCmd)
	rootCmd.AddCommand(extensionsCmd)
}
