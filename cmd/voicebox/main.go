// Voicebox is a text-to-speech daemon. It turns text into speech with a
// two-stage neural pipeline (Text Encoder, then Vocoder) and returns the
// audio as a base64-encoded WAV file.
//
// Usage:
//
//	voicebox serve [--config /path/to/voicebox.yaml]
//	voicebox fetch [--config /path/to/voicebox.yaml]
//	voicebox version
//
// @title       Voicebox API
// @version     1.0
// @description Text-to-speech service: text in, base64-encoded WAV out.
// @license.name MIT
// @BasePath    /
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/nadzzz/voicebox/internal/config"
	"github.com/nadzzz/voicebox/internal/model"
	"github.com/nadzzz/voicebox/internal/model/command"
	"github.com/nadzzz/voicebox/internal/model/remote"
	"github.com/nadzzz/voicebox/internal/source"

	_ "github.com/nadzzz/voicebox/docs"
)

// version is set at build time via ldflags.
var version = "dev"

func main() {
	// Load .env file if present (ignore error if not found)
	_ = godotenv.Load()

	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgFile string

	rootCmd := &cobra.Command{
		Use:   "voicebox",
		Short: "Voicebox - text-to-speech service",
		Long: `Voicebox turns text into speech with a Text Encoder and a Vocoder and
serves the result as base64-encoded WAV over HTTP, gRPC and NATS.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to config file (e.g. configs/voicebox.yaml)")

	rootCmd.AddCommand(serveCmd(&cfgFile))
	rootCmd.AddCommand(fetchCmd(&cfgFile))
	rootCmd.AddCommand(versionCmd())

	return rootCmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "voicebox %s\n", version)
		},
	}
}

// newRegistry wires the artifact resolver and both capability backends.
func newRegistry(cfg *config.Config) *model.Registry {
	return model.NewRegistry(cfg.Models, cfg.Storage.ModelsDir, source.NewResolver(), map[string]model.Factory{
		config.BackendRemote:  remote.Factory{},
		config.BackendCommand: command.Factory{},
	})
}
