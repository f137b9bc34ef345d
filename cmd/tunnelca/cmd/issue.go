package cmd

import (
	"crypto/x509"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jmcleod/tunnelca/bundle"
	"github.com/jmcleod/tunnelca/pki"
)

var (
	issueUsages   []string
	issuePassword string
	issueOut      string
	issuePEM      bool
)

var issueCmd = &cobra.Command{
	Use:   "issue <username>",
	Short: "Issue a client certificate chain signed by the instance authority",
	Long: `Issues CN=<username> signed by the stored authority and writes the
authority-first PKCS#12 chain to --out. With --pem the certificate, key and
authority are also written as PEM files next to it for OpenVPN.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		username := args[0]
		usages, err := parseUsages(issueUsages)
		if err != nil {
			return err
		}

		store, closeStore, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer closeStore()

		chain, err := newService(store).IssueUserChainContext(cmd.Context(), username, usages, issuePassword)
		if err != nil {
			return err
		}
		out := issueOut
		if out == "" {
			out = username + ".pfx"
		}
		if err := os.WriteFile(out, chain, 0o600); err != nil {
			return fmt.Errorf("failed to write chain: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", out)

		if !issuePEM {
			return nil
		}
		written, err := writePEM(chain, issuePassword, out)
		if err != nil {
			return err
		}
		for _, path := range written {
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(issueCmd)
	issueCmd.Flags().StringSliceVar(&issueUsages, "usage", []string{"clientAuth"}, "Extended key usages (serverAuth, clientAuth, any, ...)")
	issueCmd.Flags().StringVar(&issuePassword, "password", "", "Password protecting the chain; empty for none")
	issueCmd.Flags().StringVarP(&issueOut, "out", "o", "", "Output file (default <username>.pfx)")
	issueCmd.Flags().BoolVar(&issuePEM, "pem", false, "Also write <out>.crt, <out>.key and <out>.ca.crt")
}

func parseUsages(names []string) ([]x509.ExtKeyUsage, error) {
	usages := make([]x509.ExtKeyUsage, 0, len(names))
	for _, name := range names {
		u, err := pki.ParseExtKeyUsage(name)
		if err != nil {
			return nil, err
		}
		usages = append(usages, u)
	}
	return usages, nil
}

// writePEM splits a chain bundle into PEM files named after base.
func writePEM(chain []byte, password, base string) ([]string, error) {
	certs, key, err := bundle.NewPackager(bundle.WithLogger(logger)).LoadChain(chain, password)
	if err != nil {
		return nil, err
	}
	if len(certs) < 2 {
		return nil, fmt.Errorf("%w: chain has %d certificates", pki.ErrCryptoFailure, len(certs))
	}
	keyPEM, err := pki.EncodePrivateKeyPEM(key)
	if err != nil {
		return nil, err
	}

	files := []struct {
		path string
		data []byte
		mode os.FileMode
	}{
		{base + ".ca.crt", pki.EncodeCertificatePEM(certs[0]), 0o644},
		{base + ".crt", pki.EncodeCertificatePEM(certs[len(certs)-1]), 0o644},
		{base + ".key", keyPEM, 0o600},
	}
	written := make([]string, 0, len(files))
	for _, f := range files {
		if err := os.WriteFile(f.path, f.data, f.mode); err != nil {
			return written, fmt.Errorf("failed to write %s: %w", f.path, err)
		}
		written = append(written, f.path)
	}
	return written, nil
}
