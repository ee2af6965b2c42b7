package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/goosewin/promptmatrix/internal/backend/local"
	"github.com/goosewin/promptmatrix/internal/backend/local/llamaserver"
	"github.com/goosewin/promptmatrix/internal/backend/remote"
	"github.com/goosewin/promptmatrix/internal/config"
	"github.com/spf13/cobra"
)

var backendsCmd = &cobra.Command{
	Use:   "backends",
	Short: "List available model backends",
	RunE:  runBackends,
}

func init() {
	rootCmd.AddCommand(backendsCmd)
}

func runBackends(cmd *cobra.Command, args []string) error {
	if err := loadConfigForCwd(); err != nil {
		return err
	}
	settings := config.Current()

	writer := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(writer, "KIND\tNAME\tREADY")
	fmt.Fprintln(writer, "----\t----\t-----")

	engine := llamaserver.New()
	if settings.Local.ServerPath != "" {
		engine.ServerPath = settings.Local.ServerPath
	}
	installed := "no"
	if err := engine.CheckInstalled(); err == nil {
		installed = "yes"
	}
	for _, arch := range local.Architectures() {
		fmt.Fprintf(writer, "local\t%s\t%s\n", arch, installed)
	}

	defaultProvider := remote.DefaultName()
	for _, name := range remote.Names() {
		ready := "no key"
		if settings.Remote.APIKeys[name] != "" {
			ready = "yes"
		}
		label := name
		if name == defaultProvider {
			label += " (default)"
		}
		fmt.Fprintf(writer, "remote\t%s\t%s\n", label, ready)
	}

	if err := writer.Flush(); err != nil {
		return err
	}

	fmt.Println("")
	fmt.Printf("Local models run through %s.\n", engine.ServerPath)
	fmt.Println("Usage: promptmatrix run <input.json|input.yaml>")
	return nil
}
