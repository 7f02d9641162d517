package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/vzahanych/storeguard/internal/camera"
)

func discoverCommand(flags *globalFlags) *cobra.Command {
	var (
		timeout time.Duration
		usbOnly bool
	)
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "List USB and ONVIF cameras that could be registered",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			log := cliLogger(flags)
			defer log.Sync()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			d := camera.NewDiscoverer(log)
			var (
				found []camera.Candidate
				err   error
			)
			if usbOnly {
				found, err = d.DiscoverUSB()
			} else {
				found, err = d.Discover(ctx)
			}
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Found %d camera(s)\n", len(found))
			for i, c := range found {
				fmt.Fprintf(out, "%d. [%s] %s", i+1, c.Kind, c.Address)
				if c.Model != "" || c.Manufacturer != "" {
					fmt.Fprintf(out, " (%s)", strings.TrimSpace(c.Manufacturer+" "+c.Model))
				}
				fmt.Fprintln(out)
				for _, l := range c.Locators {
					fmt.Fprintf(out, "     %s\n", l)
				}
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "Time allowed for discovery")
	cmd.Flags().BoolVar(&usbOnly, "usb-only", false, "Skip the ONVIF network probe")
	return cmd
}
