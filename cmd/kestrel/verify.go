package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/synqronlabs/kestrel/dkim"
	"github.com/synqronlabs/kestrel/dns"
	"github.com/synqronlabs/kestrel/storage"
)

var (
	nameservers []string
	dnssec      bool
	outputJSON  bool
	storeDir    string
	storeMode   string
)

var verifyCmd = &cobra.Command{
	Use:   "verify [files...]",
	Short: "Verify the DKIM signatures of message files",
	Long: `Verify every DKIM-Signature header of one or more RFC 5322 message
files and print one result per signature.

Examples:
  kestrel verify message.eml
  kestrel verify --json message.eml
  kestrel verify --dnssec --nameserver 9.9.9.9:53 message.eml
  kestrel verify --store ~/.cache/kestrel --store-mode cache message.eml`,
	Args: cobra.MinimumNArgs(1),
	RunE: runVerify,
}

func init() {
	rootCmd.AddCommand(verifyCmd)

	verifyCmd.Flags().StringSliceVar(&nameservers, "nameserver", nil, "DNS server to query (host:port, repeatable)")
	verifyCmd.Flags().BoolVar(&dnssec, "dnssec", false, "Request DNSSEC validation (needs a validating resolver)")
	verifyCmd.Flags().BoolVar(&outputJSON, "json", false, "Output results as JSON")
	verifyCmd.Flags().StringVar(&storeDir, "store", "", "Directory for the persistent key store")
	verifyCmd.Flags().StringVar(&storeMode, "store-mode", "cache", "Key store mode: cache or compare")
}

func runVerify(cmd *cobra.Command, args []string) error {
	keys, err := buildKeyFetcher()
	if err != nil {
		return err
	}
	verifier := &dkim.Verifier{Keys: keys}

	failed := false
	for _, file := range args {
		raw, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("reading %s: %w", file, err)
		}

		results, err := verifier.VerifyBytes(cmd.Context(), raw)
		if err != nil {
			return fmt.Errorf("verifying %s: %w", file, err)
		}

		if outputJSON {
			if err := printResultsJSON(file, results); err != nil {
				return err
			}
		} else {
			printResults(file, results)
		}

		for _, r := range results {
			if r.Result == dkim.StatusPermfail || r.Result == dkim.StatusTempfail {
				failed = true
			}
		}
	}

	if failed {
		return fmt.Errorf("one or more signatures did not verify")
	}
	return nil
}

func buildKeyFetcher() (dkim.KeyFetcher, error) {
	resolver := dns.NewResolver(dns.ResolverConfig{
		Nameservers: nameservers,
		DNSSEC:      dnssec,
	})

	if storeDir == "" {
		return dkim.DNSKeyFetcher{Resolver: resolver}, nil
	}

	var mode dkim.StoreMode
	switch storeMode {
	case "cache":
		mode = dkim.StoreModeCache
	case "compare":
		mode = dkim.StoreModeCompare
	default:
		return nil, fmt.Errorf("unknown store mode %q", storeMode)
	}

	store, err := storage.NewFileStore(storeDir)
	if err != nil {
		return nil, err
	}
	return &dkim.KeyStore{Resolver: resolver, Store: store, Mode: mode}, nil
}

func printResults(file string, results []dkim.Result) {
	fmt.Printf("%s:\n", file)
	for _, r := range results {
		switch r.Result {
		case dkim.StatusNone:
			fmt.Println("  no DKIM signature")
		case dkim.StatusSuccess:
			fmt.Printf("  %s  d=%s s=%s a=%s-%s",
				r.Result, r.SDID, r.Selector, r.AlgorithmSignature, r.AlgorithmHash)
			if r.KeySecure {
				fmt.Print(" (DNSSEC)")
			}
			fmt.Println()
		default:
			fmt.Printf("  %s  d=%s s=%s: %s", r.Result, r.SDID, r.Selector, r.ErrorType)
			if len(r.ErrorParams) > 0 {
				fmt.Printf(" (%s)", strings.Join(r.ErrorParams, ", "))
			}
			fmt.Println()
		}
		for _, w := range r.Warnings {
			fmt.Printf("    warning: %s", w.Code)
			if len(w.Params) > 0 {
				fmt.Printf(" (%s)", strings.Join(w.Params, ", "))
			}
			fmt.Println()
		}
	}
}

func printResultsJSON(file string, results []dkim.Result) error {
	out := struct {
		File    string        `json:"file"`
		Results []dkim.Result `json:"results"`
	}{File: file, Results: results}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
