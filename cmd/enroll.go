package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kozaktomas/faceguard/internal/biometric"
)

var enrollCmd = &cobra.Command{
	Use:   "enroll --key KEY FRAME...",
	Short: "Enroll an identity from image files",
	Long: `Submits every frame to the embedding server, refines the collected
samples into a reference embedding and stores it as a new identity.
Frames without a face are skipped. The enrollment is rejected when the
face is already registered.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runEnroll,
}

func init() {
	rootCmd.AddCommand(enrollCmd)

	enrollCmd.Flags().String("key", "", "Enrollment key, stored as the identity subject (e.g. an email)")
	enrollCmd.Flags().Int("concurrency", 0, "Parallel frame uploads (default EXTRACTOR_CONCURRENCY)")
	enrollCmd.MarkFlagRequired("key")
}

func newEnrollProgressBar(count int) *progressbar.ProgressBar {
	return progressbar.NewOptions(count,
		progressbar.OptionSetDescription("Extracting faces"),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("frames"),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionFullWidth(),
	)
}

// submitFrames sends all frames for key and returns how many had no face.
func submitFrames(ctx context.Context, engine *biometric.Engine, key string, paths []string, concurrency int, bar *progressbar.ProgressBar) (int, error) {
	var noFace atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for _, path := range paths {
		g.Go(func() error {
			defer bar.Add(1)

			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read %s: %w", path, err)
			}
			_, err = engine.SubmitFrame(gctx, key, data)
			if errors.Is(err, biometric.ErrNoFaceDetected) {
				noFace.Add(1)
				return nil
			}
			if err != nil {
				return fmt.Errorf("frame %s: %w", path, err)
			}
			return nil
		})
	}
	err := g.Wait()
	return int(noFace.Load()), err
}

func runEnroll(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	key := mustGetString(cmd, "key")

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	concurrency := mustGetInt(cmd, "concurrency")
	if concurrency <= 0 {
		concurrency = a.cfg.Embedding.Concurrency
	}

	bar := newEnrollProgressBar(len(args))
	noFace, err := submitFrames(ctx, a.engine, key, args, concurrency, bar)
	fmt.Println()
	if err != nil {
		a.engine.Abort(key)
		return err
	}
	if noFace > 0 {
		fmt.Printf("Skipped %d frame(s) without a face\n", noFace)
	}

	identity, err := a.engine.Finalize(ctx, key)
	switch {
	case errors.Is(err, biometric.ErrNoSamples):
		return errors.New("no face data scanned")
	case errors.Is(err, biometric.ErrDuplicateIdentity):
		return errors.New("enrollment rejected: this face is already registered")
	case err != nil:
		return fmt.Errorf("finalizing enrollment: %w", err)
	}

	fmt.Printf("Enrolled %s\n", identity.Subject)
	fmt.Printf("  ID: %s\n", identity.ID)
	return nil
}
