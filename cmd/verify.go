package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kozaktomas/faceguard/internal/biometric"
)

var verifyCmd = &cobra.Command{
	Use:   "verify IMAGE",
	Short: "Verify a face against all enrolled identities",
	Args:  cobra.ExactArgs(1),
	RunE:  runVerify,
}

func init() {
	rootCmd.AddCommand(verifyCmd)
}

func runVerify(cmd *cobra.Command, args []string) error {
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

	match, err := a.engine.Verify(ctx, data)
	switch {
	case errors.Is(err, biometric.ErrVerificationFailed):
		fmt.Println("Face not recognized")
		return err
	case errors.Is(err, biometric.ErrNoFaceDetected):
		return errors.New("no face detected in image")
	case err != nil:
		return fmt.Errorf("verification failed: %w", err)
	}

	fmt.Printf("Recognized %s\n", match.Identity.Subject)
	fmt.Printf("  ID: %s\n", match.Identity.ID)
	return nil
}
