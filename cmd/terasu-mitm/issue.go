package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"terasu-mitm/internal/pki"
)

func newIssueCmd(g *globalFlags) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "issue <hostname>",
		Short: "Issue (or fetch) the impersonated certificate for a hostname",
		Long: `issue runs the same path as an intercepted connection: a valid certificate
already in the keystore is reused, otherwise a new one is signed and stored.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			eng, err := openEngine(context.Background(), cfg, commandLogger(cfg), false)
			if err != nil {
				return err
			}
			e, err := eng.cache.CertificateFor(args[0])
			if err != nil {
				return err
			}
			if eng.store.Dirty() {
				if err := eng.store.PersistAll(); err != nil {
					return err
				}
			}
			if out != "" {
				if err := os.WriteFile(out, pki.EncodeCertificatePEM(e.Certificate), 0o644); err != nil {
					return err
				}
			}
			describe(cmd.OutOrStdout(), e.Certificate, time.Now())
			if eng.cache.Stats().Generated > 0 {
				fmt.Fprintln(cmd.OutOrStdout(), valid("issued"))
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), "reused from keystore")
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "also write the certificate as PEM to this file")
	return cmd
}
