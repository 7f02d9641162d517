package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/vzahanych/storeguard/internal/probe"
	"github.com/vzahanych/storeguard/internal/video"
)

func probeCommand(flags *globalFlags) *cobra.Command {
	var (
		timeout time.Duration
		asJSON  bool
	)
	cmd := &cobra.Command{
		Use:   "probe <url>",
		Short: "Test a camera stream before registering it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log := cliLogger(flags)
			defer log.Sync()

			res := probe.NewProber(video.SourceOptions{}, log).Test(cmd.Context(), args[0], timeout)
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(res); err != nil {
					return err
				}
			} else {
				printResult(out, res)
			}
			if !res.Success {
				return fmt.Errorf("stream test failed")
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", probe.DefaultTimeout, "Time allowed for the whole test")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the result as JSON")
	return cmd
}

func printResult(w io.Writer, res probe.Result) {
	check := func(ok bool) string {
		if ok {
			return "ok"
		}
		return "FAIL"
	}
	fmt.Fprintf(w, "URL:             %s\n", res.URL)
	fmt.Fprintf(w, "Reachable:       %s\n", check(res.Reachable))
	fmt.Fprintf(w, "Authenticated:   %s\n", check(res.Authenticated))
	fmt.Fprintf(w, "Stream received: %s\n", check(res.StreamReceived))
	if res.Codec != "" {
		fmt.Fprintf(w, "Codec:           %s\n", res.Codec)
	}
	if res.Resolution != "" {
		fmt.Fprintf(w, "Resolution:      %s\n", res.Resolution)
	}
	fmt.Fprintf(w, "Duration:        %s\n", res.Duration)

	section := func(title string, lines []string) {
		if len(lines) == 0 {
			return
		}
		fmt.Fprintf(w, "\n%s:\n", title)
		for _, l := range lines {
			fmt.Fprintf(w, "  - %s\n", l)
		}
	}
	section("Errors", res.Errors)
	section("Warnings", res.Warnings)
	section("Recommendations", res.Recommendations)
}
