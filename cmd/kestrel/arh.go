package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/synqronlabs/kestrel/arh"
	"github.com/synqronlabs/kestrel/message"
	"github.com/synqronlabs/kestrel/rfcparse"
)

var (
	arhRelaxed bool
	arhJSON    bool
)

var arhCmd = &cobra.Command{
	Use:   "arh [files...]",
	Short: "Parse the Authentication-Results headers of message files",
	Long: `Parse every Authentication-Results header (RFC 8601) of one or more
message files and print the recorded method results.

Examples:
  kestrel arh message.eml
  kestrel arh --relaxed message.eml`,
	Args: cobra.MinimumNArgs(1),
	RunE: runArh,
}

func init() {
	rootCmd.AddCommand(arhCmd)

	arhCmd.Flags().BoolVar(&arhRelaxed, "relaxed", false, "Tolerate common deviations (trailing semicolon, slashes in values)")
	arhCmd.Flags().BoolVar(&arhJSON, "json", false, "Output parsed headers as JSON")
}

func runArh(_ *cobra.Command, args []string) error {
	for _, file := range args {
		raw, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("reading %s: %w", file, err)
		}
		msg, err := message.Parse(raw)
		if err != nil {
			return fmt.Errorf("parsing %s: %w", file, err)
		}

		headers := msg.Fields("authentication-results")
		if len(headers) == 0 {
			fmt.Printf("%s: no Authentication-Results header\n", file)
			continue
		}

		for _, h := range headers {
			value := rfcparse.UnfoldFWS(string(h.Value))
			parsed, err := arh.Parse(value, arh.Options{Relaxed: arhRelaxed})
			if err != nil {
				fmt.Printf("%s: unparsable header: %v\n", file, err)
				continue
			}
			if arhJSON {
				data, err := json.MarshalIndent(parsed, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(data))
				continue
			}
			printARH(file, parsed)
		}
	}
	return nil
}

func printARH(file string, h *arh.Header) {
	fmt.Printf("%s: authserv-id %s\n", file, h.AuthservID)
	if len(h.Results) == 0 {
		fmt.Println("  none")
		return
	}
	for _, ri := range h.Results {
		fmt.Printf("  %s=%s", ri.Method, ri.Result)
		if ri.Reason != "" {
			fmt.Printf(" reason=%q", ri.Reason)
		}
		for _, p := range ri.Properties {
			fmt.Printf(" %s.%s=%s", p.Type, p.Name, p.Value)
		}
		fmt.Println()
	}
}
