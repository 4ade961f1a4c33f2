package cmd

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmcleod/keymint/client"
	"github.com/jmcleod/keymint/pki"
)

var (
	clientHost          string
	clientPort          int
	clientName          string
	clientDelaySecs     int
	clientExitAfterSend bool
	clientOutDir        string
	clientDialTimeout   time.Duration
)

var clientCmd = &cobra.Command{
	Use:   "client",
	Short: "Request a key and certificate from a running server",
	Long: `Sends a name to a keymint server and saves the returned private key and
certificate as <name>.key and <name>.crt in the output directory.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr := net.JoinHostPort(clientHost, strconv.Itoa(clientPort))
		c := client.New(addr,
			client.WithDialTimeout(clientDialTimeout),
			client.WithReadDelay(time.Duration(clientDelaySecs)*time.Second),
		)
		out := cmd.OutOrStdout()

		if clientExitAfterSend {
			if err := c.Send(cmd.Context(), clientName); err != nil {
				return err
			}
			fmt.Fprintln(out, "Exited after send (no read).")
			return nil
		}

		if clientDelaySecs > 0 {
			fmt.Fprintf(out, "Sleeping %d seconds before reading...\n", clientDelaySecs)
		}
		resp, err := c.Fetch(cmd.Context(), clientName)
		if err != nil {
			return fmt.Errorf("requesting %q: %w", clientName, err)
		}
		keyPath, certPath, err := resp.Save(clientOutDir)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Saved key -> %s and cert -> %s\n", keyPath, certPath)

		fields, err := resp.Certificate()
		if err != nil {
			return fmt.Errorf("parsing received certificate: %w", err)
		}
		for _, f := range []string{
			pki.FieldSubject,
			pki.FieldIssuer,
			pki.FieldSerialNumber,
			pki.FieldNotAfter,
			pki.FieldKeyAlgorithm,
			pki.FieldFingerprintSHA256,
		} {
			fmt.Fprintf(out, "  %-20s %s\n", f+":", fields[f])
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(clientCmd)
	f := clientCmd.Flags()
	f.StringVar(&clientHost, "host", "localhost", "Server host")
	f.IntVar(&clientPort, "port", 9000, "Server port")
	f.StringVar(&clientName, "name", "", "Name to request a key for")
	f.IntVar(&clientDelaySecs, "delay-secs", 0, "Seconds to wait after sending before reading the response")
	f.BoolVar(&clientExitAfterSend, "exit-after-send", false, "Close the connection right after sending the name")
	f.StringVar(&clientOutDir, "out-dir", ".", "Directory to save the key and certificate in")
	f.DurationVar(&clientDialTimeout, "dial-timeout", client.DefaultDialTimeout, "Connection timeout")
	clientCmd.MarkFlagRequired("name")
}
