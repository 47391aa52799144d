// Command fhirserver is the runnable entrypoint for the FHIR batch/
// transaction core. HTTP dispatch is out of scope (SPEC_FULL.md §6), so
// this CLI plays the same role the teacher's examples/*/main.go programs
// play for the storage engine: it opens a Resource Store, feeds it one
// bundle, and prints the response bundle, nothing more.
package main

import (
	"fmt"
	"os"

	"github.com/fhirstore/resourceserver/internal/batch"
	"github.com/fhirstore/resourceserver/internal/logging"
	"github.com/fhirstore/resourceserver/pkg/storage"
	"github.com/spf13/cobra"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "fhirserver",
	Short:   "FHIR batch/transaction resource core",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("fhirserver version %s (%s)\n", Version, Commit))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(processCmd)
	rootCmd.AddCommand(checkpointCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	logging.Init(logging.Config{
		Level:      logging.Level(level),
		JSONOutput: jsonOut,
	})
}

var processCmd = &cobra.Command{
	Use:   "process BUNDLE_FILE",
	Short: "Process one batch/transaction Bundle and print the response Bundle",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data-dir")
		baseURL, _ := cmd.Flags().GetString("base-url")
		prefer, _ := cmd.Flags().GetBool("prefer-representation")

		body, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("read bundle file: %w", err)
		}

		store, err := storage.NewResourceStore(dataDir, storage.DefaultBTreeDegree)
		if err != nil {
			return fmt.Errorf("open resource store: %w", err)
		}
		defer store.Close()

		proc := batch.New(store, baseURL)
		defer proc.Close()

		out, status := proc.Process(body, prefer)
		fmt.Fprintln(os.Stdout, string(out))
		if status >= 400 {
			return fmt.Errorf("bundle processing failed with status %d", status)
		}
		return nil
	},
}

func init() {
	processCmd.Flags().String("data-dir", "./fhirserver-data", "Data directory for the resource store")
	processCmd.Flags().String("base-url", "http://localhost:8080/fhir", "Base URL used to build entry.response.location")
	processCmd.Flags().Bool("prefer-representation", false, "Populate entry.resource as if Prefer: return=representation was sent")
}

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Write a checkpoint of every known table's index",
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data-dir")

		store, err := storage.NewResourceStore(dataDir, storage.DefaultBTreeDegree)
		if err != nil {
			return fmt.Errorf("open resource store: %w", err)
		}
		defer store.Close()

		if err := store.CreateCheckpoints(); err != nil {
			return fmt.Errorf("create checkpoints: %w", err)
		}
		fmt.Println("checkpoint complete")
		return nil
	},
}

func init() {
	checkpointCmd.Flags().String("data-dir", "./fhirserver-data", "Data directory for the resource store")
}
