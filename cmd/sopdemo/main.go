package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sopdb/sop/internal/obslog"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "sopdemo",
	Short: "sopdemo exercises the SOP engine against a standalone database on local disk",
	Long: `sopdemo is a thin example harness around the SOP engine, not a
product surface: it opens (or creates) a standalone database, runs one
of a handful of scripted scenarios against it, and prints what it did.`,
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(primitiveCmd)
	rootCmd.AddCommand(vectorCmd)
	rootCmd.AddCommand(modelCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	obslog.Init(obslog.Config{
		Level:      obslog.Level(logLevel),
		JSONOutput: logJSON,
	})
}
