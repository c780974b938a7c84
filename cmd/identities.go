package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kozaktomas/faceguard/internal/database"
)

var identitiesCmd = &cobra.Command{
	Use:   "identities",
	Short: "Inspect and manage enrolled identities",
}

var identitiesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List enrolled identities in enrollment order",
	Args:  cobra.NoArgs,
	RunE:  runIdentitiesList,
}

var identitiesCountCmd = &cobra.Command{
	Use:   "count",
	Short: "Show the number of enrolled identities",
	Args:  cobra.NoArgs,
	RunE:  runIdentitiesCount,
}

var identitiesDeleteCmd = &cobra.Command{
	Use:   "delete ID",
	Short: "Delete an identity",
	Args:  cobra.ExactArgs(1),
	RunE:  runIdentitiesDelete,
}

var identitiesNearestCmd = &cobra.Command{
	Use:   "nearest IMAGE",
	Short: "Show the identities most similar to the face in an image",
	Long: `Lists the enrolled identities closest to the face in IMAGE with their
similarity. This is a diagnostic and does not apply the acceptance threshold.`,
	Args: cobra.ExactArgs(1),
	RunE: runIdentitiesNearest,
}

func init() {
	rootCmd.AddCommand(identitiesCmd)
	identitiesCmd.AddCommand(identitiesListCmd, identitiesCountCmd, identitiesDeleteCmd, identitiesNearestCmd)

	identitiesListCmd.Flags().Bool("json", false, "Output as JSON")
	identitiesNearestCmd.Flags().Int("limit", database.DefaultNearestLimit, "Number of identities to show")
	identitiesNearestCmd.Flags().Bool("json", false, "Output as JSON")
}

type identityOutput struct {
	ID         string   `json:"id"`
	Subject    string   `json:"subject"`
	Dim        int      `json:"dim"`
	CreatedAt  string   `json:"created_at"`
	Error      string   `json:"error,omitempty"`
	Similarity *float64 `json:"similarity,omitempty"`
}

func toIdentityOutput(s database.StoredIdentity) identityOutput {
	out := identityOutput{
		ID:        s.ID,
		Subject:   s.Subject,
		Dim:       s.Dim,
		CreatedAt: s.CreatedAt.Format("2006-01-02 15:04:05"),
	}
	if s.Err != nil {
		out.Error = s.Err.Error()
	}
	return out
}

func outputJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runIdentitiesList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	items, err := a.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list identities: %w", err)
	}

	out := make([]identityOutput, len(items))
	for i, item := range items {
		out[i] = toIdentityOutput(item)
	}
	if mustGetBool(cmd, "json") {
		return outputJSON(out)
	}

	if len(out) == 0 {
		fmt.Println("No identities enrolled")
		return nil
	}
	fmt.Printf("%-36s  %-19s  %4s  %s\n", "ID", "CREATED", "DIM", "SUBJECT")
	for _, o := range out {
		fmt.Printf("%-36s  %-19s  %4d  %s", o.ID, o.CreatedAt, o.Dim, o.Subject)
		if o.Error != "" {
			fmt.Printf("  (unreadable: %s)", o.Error)
		}
		fmt.Println()
	}
	return nil
}

func runIdentitiesCount(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	n, err := a.repo.Count(ctx)
	if err != nil {
		return fmt.Errorf("failed to count identities: %w", err)
	}
	fmt.Printf("Identities: %d\n", n)
	return nil
}

func runIdentitiesDelete(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.repo.DeleteIdentity(ctx, args[0]); err != nil {
		return fmt.Errorf("failed to delete identity %s: %w", args[0], err)
	}
	fmt.Printf("Deleted identity %s\n", args[0])
	return nil
}

func runIdentitiesNearest(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read image: %w", err)
	}

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	emb, err := a.engine.Extract(ctx, data)
	if err != nil {
		return fmt.Errorf("failed to extract face: %w", err)
	}

	matches, err := a.repo.FindNearest(ctx, emb, mustGetInt(cmd, "limit"))
	if err != nil {
		return fmt.Errorf("failed to search identities: %w", err)
	}

	out := make([]identityOutput, len(matches))
	for i, m := range matches {
		out[i] = toIdentityOutput(m.StoredIdentity)
		similarity := 1 - m.Distance
		out[i].Similarity = &similarity
	}
	if mustGetBool(cmd, "json") {
		return outputJSON(out)
	}

	if len(out) == 0 {
		fmt.Println("No identities enrolled")
		return nil
	}
	for i, o := range out {
		fmt.Printf("%2d. %.4f  %s  %s\n", i+1, *o.Similarity, o.ID, o.Subject)
	}
	return nil
}
