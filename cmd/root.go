// Package cmd implements the luma command line interface.
package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "luma",
	Short: "Luma - retrieval-augmented question answering service",
	Long: `Luma answers natural-language questions by retrieving semantically
relevant passages from a PostgreSQL + pgvector document store and
synthesizing an answer with Gemini, with content moderation and a full
audit trail.

Run "luma serve" to start the HTTP API server.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
