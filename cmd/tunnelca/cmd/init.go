package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jmcleod/tunnelca/authority"
)

var (
	initDomain     string
	initAdminUser  string
	initServerDNS  []string
	initAdminOut   string
	initInstanceID string
	initQuiet      bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Bootstrap the instance authority, server certificate and signing secret",
	Long: `Creates the instance identity, the token signing secret, a self-signed root
authority and a server certificate signed by it, and stores them in the
configuration store. The administrator's client chain is written to
--admin-out; its password is printed once and not stored.

Running init against an initialized store fails.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, closeStore, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer closeStore()

		res, err := newService(store).Bootstrap(cmd.Context(), authority.BootstrapOptions{
			Domain:         initDomain,
			AdminUser:      initAdminUser,
			ServerDNSNames: initServerDNS,
			InstanceID:     initInstanceID,
		})
		if err != nil {
			return err
		}
		if err := os.WriteFile(initAdminOut, res.AdminChain, 0o600); err != nil {
			return fmt.Errorf("failed to write admin chain: %w", err)
		}

		out := cmd.OutOrStdout()
		if !initQuiet {
			printBanner(out)
		}
		fmt.Fprintf(out, "Instance:        %s\n", res.InstanceID)
		fmt.Fprintf(out, "Authority:       %s\n", res.Authority.Subject)
		fmt.Fprintf(out, "Server:          %s\n", res.Server.Subject)
		fmt.Fprintf(out, "Admin chain:     %s\n", initAdminOut)
		fmt.Fprintf(out, "Admin password:  %s\n", res.AdminPassword)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().StringVar(&initDomain, "domain", authority.DefaultDomain, "Domain appended to the instance id in certificate names")
	initCmd.Flags().StringVar(&initAdminUser, "admin-user", authority.DefaultAdminUser, "Common name of the administrator client certificate")
	initCmd.Flags().StringSliceVar(&initServerDNS, "server-dns", nil, "DNS names for the server certificate")
	initCmd.Flags().StringVar(&initAdminOut, "admin-out", "admin.pfx", "Where to write the administrator's PKCS#12 chain")
	initCmd.Flags().StringVar(&initInstanceID, "instance-id", "", "Reuse this instance UUID instead of generating one")
	initCmd.Flags().BoolVarP(&initQuiet, "quiet", "q", false, "Do not print the banner")
}
