package main

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/spf13/cobra"

	"github.com/nadzzz/voicebox/internal/config"
)

func fetchCmd(cfgFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "fetch",
		Short: "Download the pretrained models into the local cache and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*cfgFile)
			if err != nil {
				return fmt.Errorf("load configuration: %w", err)
			}

			_, logCloser := config.SetupLogging(cfg.Logging)
			defer logCloser.Close()

			dirs, err := newRegistry(cfg).Fetch(cmd.Context())
			if err != nil {
				slog.Error("fetch failed", "error", err)
				return err
			}

			names := make([]string, 0, len(dirs))
			for name := range dirs {
				names = append(names, name)
			}
			sort.Strings(names)

			out := cmd.OutOrStdout()
			for _, name := range names {
				dir := dirs[name]
				if dir == "" {
					dir = "(no source configured)"
				}
				fmt.Fprintf(out, "%s\t%s\n", name, dir)
			}
			return nil
		},
	}
}
