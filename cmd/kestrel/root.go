package main

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "kestrel",
	Short: "DKIM verification toolkit",
	Long: `kestrel verifies DKIM signatures (RFC 6376, RFC 8463) and parses
Authentication-Results headers (RFC 8601).

Example:
  kestrel verify message.eml
  kestrel verify --dnssec --nameserver 9.9.9.9:53 message.eml
  kestrel arh message.eml`,
}
