package cmd

import (
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jmcleod/tunnelca/bundle"
	"github.com/jmcleod/tunnelca/configstore"
	"github.com/jmcleod/tunnelca/pki"
)

// storedBundles maps the names accepted by inspect --stored to their store
// keys and password keys.
var storedBundles = map[string][2]string{
	"ca":           {configstore.KeyCABlob, configstore.KeyCAPassword},
	"server":       {configstore.KeyServerBlob, configstore.KeyServerPassword},
	"server-chain": {configstore.KeyServerChain, ""},
}

var (
	inspectPassword string
	inspectStored   string
	inspectJSON     bool
)

var inspectCmd = &cobra.Command{
	Use:   "inspect [file]",
	Short: "Print the certificates in a PEM file, a PKCS#12 bundle or a stored bundle",
	Long: `Reads PEM certificates or a PKCS#12 bundle from a file, or with
--stored one of the bundles kept in the configuration store (ca, server,
server-chain), and prints a summary of every certificate in it.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var (
			certs []*x509.Certificate
			err   error
		)
		switch {
		case inspectStored != "" && len(args) == 0:
			certs, err = loadStored(cmd, inspectStored)
		case inspectStored == "" && len(args) == 1:
			certs, err = loadFile(args[0], inspectPassword)
		default:
			return fmt.Errorf("give either a file or --stored")
		}
		if err != nil {
			return err
		}

		infos := make([]pki.CertificateInfo, 0, len(certs))
		for _, cert := range certs {
			infos = append(infos, pki.Inspect(cert))
		}
		if inspectJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(infos)
		}
		printInfos(cmd.OutOrStdout(), infos)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(inspectCmd)
	inspectCmd.Flags().StringVar(&inspectPassword, "password", "", "Bundle password")
	inspectCmd.Flags().StringVar(&inspectStored, "stored", "", "Inspect a stored bundle: ca, server or server-chain")
	inspectCmd.Flags().BoolVar(&inspectJSON, "json", false, "Output results as JSON")
}

func loadStored(cmd *cobra.Command, name string) ([]*x509.Certificate, error) {
	keys, ok := storedBundles[name]
	if !ok {
		return nil, fmt.Errorf("unknown stored bundle %q", name)
	}
	store, closeStore, err := openStore(cmd.Context())
	if err != nil {
		return nil, err
	}
	defer closeStore()

	blob, err := store.Get(keys[0])
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", pki.ErrConfigMissing, keys[0], err)
	}
	var password string
	if keys[1] != "" {
		if password, err = store.Get(keys[1]); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", pki.ErrConfigMissing, keys[1], err)
		}
	}
	data, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return nil, fmt.Errorf("%w: decoding %s: %v", pki.ErrCryptoFailure, keys[0], err)
	}
	certs, _, err := bundle.NewPackager(bundle.WithLogger(logger)).LoadChain(data, password)
	return certs, err
}

// loadFile accepts PEM certificates or a PKCS#12 bundle.
func loadFile(path, password string) ([]*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read file: %w", err)
	}
	if strings.Contains(string(data), "-----BEGIN CERTIFICATE-----") {
		return parsePEMCertificates(data)
	}
	certs, _, err := bundle.NewPackager(bundle.WithLogger(logger)).LoadChain(data, password)
	return certs, err
}

func parsePEMCertificates(data []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := pki.ParseCertificatePEM(pem.EncodeToMemory(block))
		if err != nil {
			return nil, err
		}
		certs = append(certs, cert)
	}
	if len(certs) == 0 {
		return nil, fmt.Errorf("%w: no certificates found", pki.ErrCryptoFailure)
	}
	return certs, nil
}

func printInfos(w io.Writer, infos []pki.CertificateInfo) {
	for i, info := range infos {
		if i > 0 {
			fmt.Fprintln(w)
		}
		fmt.Fprintf(w, "Subject:      %s\n", info.Subject)
		fmt.Fprintf(w, "Issuer:       %s\n", info.Issuer)
		fmt.Fprintf(w, "Serial:       %s\n", info.SerialNumber)
		fmt.Fprintf(w, "Valid from:   %s\n", info.NotBefore)
		fmt.Fprintf(w, "Valid until:  %s\n", info.NotAfter)
		fmt.Fprintf(w, "Algorithm:    %s\n", info.KeyAlgorithm)
		fmt.Fprintf(w, "Fingerprint:  %s\n", info.FingerprintSHA256)
		fmt.Fprintf(w, "Status:       %s\n", info.Status)
		fmt.Fprintf(w, "CA:           %t\n", info.IsCA)
		if len(info.DNSNames) > 0 {
			fmt.Fprintf(w, "DNS names:    %s\n", strings.Join(info.DNSNames, ", "))
		}
		if len(info.ExtKeyUsages) > 0 {
			fmt.Fprintf(w, "Usages:       %s\n", strings.Join(info.ExtKeyUsages, ", "))
		}
	}
}
