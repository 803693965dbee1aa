package main

import (
	"github.com/spf13/cobra"

	"github.com/calperry/sheetmill/internal/api"
	"github.com/calperry/sheetmill/version"
)

var (
	cfgFile      string
	homeDir      string
	outputFormat string
)

var rootCmd = &cobra.Command{
	Use:   "sheetmill",
	Short: "Worksheet-to-test pipeline powered by AI extraction and generation",
	Long: `Sheetmill turns photographed or scanned worksheets into printable test
variants. Upload a worksheet and the pipeline extracts its words, then
generates independently-ordered tests from them.

The pipeline includes:
  - AI-powered word and definition extraction from images and PDFs
  - Vocabulary, spelling, and general-knowledge test generation
  - Up to ten labeled variants (A, B, C, ...) per worksheet
  - A durable job queue with retry, rate limiting, and crash recovery`,
	Version: version.GitRelease,
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&cfgFile, "config", "", "config file (default: ./config.yaml or ~/.sheetmill/config.yaml)",
	)
	rootCmd.PersistentFlags().StringVar(
		&homeDir, "home", "", "sheetmill home directory (default: ~/.sheetmill)",
	)
	rootCmd.PersistentFlags().StringVarP(
		&outputFormat, "output", "o", "yaml", "output format: yaml or json",
	)

	// Set output format before any command runs
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		api.SetOutputFormat(outputFormat)
	}

	rootCmd.AddCommand(versionCmd)
}
