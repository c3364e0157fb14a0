package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/georgepadayatti/firmador/sign/timestamps"
)

func newTSACommand(a *app) *cobra.Command {
	tsaCmd := &cobra.Command{
		Use:   "tsa",
		Short: "Timestamp authority utilities",
	}

	probeCmd := &cobra.Command{
		Use:   "probe [url...]",
		Short: "Check that timestamp servers answer",
		Long: `Request a token for a random digest from each server, once.

Without arguments the configured default server and fallback list are probed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := timestamps.NewClient(a.cfg.Timestamp.ClientOptions(a.logger)...)
			urls := args
			if len(urls) == 0 {
				urls = client.Candidates(a.cfg.Timestamp.DefaultURL)
			}

			out := cmd.OutOrStdout()
			ok := 0
			for _, url := range urls {
				start := time.Now()
				res, err := client.Probe(cmd.Context(), url)
				elapsed := time.Since(start).Round(time.Millisecond)
				if err != nil {
					fmt.Fprintf(out, "%s %s (%s): %v\n", statusIcon(false), timestamps.DisplayName(url), url, err)
					continue
				}
				ok++
				genTime := "date not available"
				if res.GenTime != nil {
					genTime = res.GenTime.UTC().Format("2006-01-02 15:04:05 UTC")
				}
				fmt.Fprintf(out, "%s %s (%s): %s in %s\n", statusIcon(true), res.ServerName, url, genTime, elapsed)
			}
			if ok == 0 {
				return fmt.Errorf("no timestamp server answered (%d tried)", len(urls))
			}
			return nil
		},
	}

	tsaCmd.AddCommand(probeCmd)
	return tsaCmd
}
