package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/vzahanych/storeguard/internal/ai"
	"github.com/vzahanych/storeguard/internal/video"
)

// detectCommand runs person detection on the first frames of a source, to
// check a camera together with the inference service
func detectCommand(flags *globalFlags) *cobra.Command {
	var (
		frames      int
		detectorURL string
		timeout     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "detect <locator>",
		Short: "Run person detection on a few frames of a source",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log := cliLogger(flags)
			defer log.Sync()

			var detector ai.Detector = ai.NewMarkerDetector()
			if detectorURL != "" {
				detector = ai.NewClient(ai.ClientConfig{DetectorURL: detectorURL, Timeout: timeout}, log)
			}

			src, err := video.NewSource("detect", args[0], video.SourceOptions{})
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if err := src.Open(ctx); err != nil {
				return fmt.Errorf("failed to open %s: %w", args[0], err)
			}
			defer src.Close()

			out := cmd.OutOrStdout()
			total := 0
			for i := 1; i <= frames; i++ {
				frame, err := src.Read(ctx)
				if errors.Is(err, video.ErrEndOfStream) {
					break
				}
				if err != nil {
					return fmt.Errorf("failed to read frame %d: %w", i, err)
				}

				start := time.Now()
				dets, err := detector.Detect(ctx, frame)
				if err != nil {
					fmt.Fprintf(out, "[frame %d] detection failed: %v\n", frame.Seq, err)
					continue
				}
				total += len(dets)
				fmt.Fprintf(out, "[frame %d] %dx%d, %d person(s) in %s\n",
					frame.Seq, frame.Width, frame.Height, len(dets), time.Since(start).Round(time.Millisecond))
				for _, d := range dets {
					fmt.Fprintf(out, "    %s %.0f%% at (%.0f,%.0f)-(%.0f,%.0f)\n",
						d.Class, d.Confidence*100, d.Box.X1, d.Box.Y1, d.Box.X2, d.Box.Y2)
				}
			}
			fmt.Fprintf(out, "%d detection(s) total\n", total)
			return nil
		},
	}
	cmd.Flags().IntVar(&frames, "frames", 10, "Number of frames to analyze")
	cmd.Flags().StringVar(&detectorURL, "detector-url", "", "Inference service; synthetic markers are detected when empty")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "Inference request timeout")
	return cmd
}
