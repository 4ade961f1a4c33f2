package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "keymint",
	Short: "keymint issues RSA keys and certificates on demand",
	Long: `A network service that generates an RSA key pair and a certificate signed by
a configured issuer for every distinct name it is asked for, and serves the
same pair to every later request for that name.`,
	SilenceUsage: true,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}
