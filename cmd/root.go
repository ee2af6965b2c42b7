package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is overridden at build time via -ldflags.
var Version = "dev"

var (
	outputPath string
	showOutput bool
	useGPU     bool
)

var rootCmd = &cobra.Command{
	Use:           "promptmatrix",
	Short:         "Evaluate prompt variants across local and remote models",
	Long:          "Promptmatrix renders every combination of prompt variables and runs it against each configured model, writing one NDJSON record per completion.",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&outputPath, "output", "o", "", "Output NDJSON file (default: output-<timestamp>.ndjson)")
	rootCmd.PersistentFlags().BoolVar(&showOutput, "show-output", false, "Mirror generated tokens to stdout")
	rootCmd.PersistentFlags().BoolVar(&useGPU, "use-gpu", false, "Offload local models to the GPU")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
