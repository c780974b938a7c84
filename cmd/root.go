package cmd

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "faceguard",
	Short: "Face enrollment and login against an embedding server",
	Long: `faceguard enrolls users by collecting face embeddings from camera frames,
refines them into a single reference per identity and verifies live frames
against every enrolled identity. Embeddings are produced by an external
face embedding server; identities live in PostgreSQL or MariaDB.`,
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
}

func initConfig() {
	// .env file is optional, don't fail if not found
	_ = godotenv.Load()
}
