package main

import (
	"crypto/x509"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"terasu-mitm/internal/pki"
)

func newCACmd(g *globalFlags) *cobra.Command {
	ca := &cobra.Command{
		Use:   "ca",
		Short: "Inspect or export the root certificate",
	}

	var out string
	export := &cobra.Command{
		Use:   "export",
		Short: "Write the root certificate as PEM, for installing into client trust stores",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			store, err := openStore(cfg, commandLogger(cfg))
			if err != nil {
				return err
			}
			pemBytes := pki.EncodeCertificatePEM(store.SigningCertificate())
			if out == "" {
				_, err = cmd.OutOrStdout().Write(pemBytes)
				return err
			}
			if err := os.WriteFile(out, pemBytes, 0o644); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "root certificate written to %s\n", out)
			return nil
		},
	}
	export.Flags().StringVarP(&out, "out", "o", "", "output file (default stdout)")

	info := &cobra.Command{
		Use:   "info",
		Short: "Describe the root certificate",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			store, err := openStore(cfg, commandLogger(cfg))
			if err != nil {
				return err
			}
			describe(cmd.OutOrStdout(), store.SigningCertificate(), time.Now())
			return nil
		},
	}

	ca.AddCommand(export, info)
	return ca
}

var (
	label   = color.New(color.Bold).SprintFunc()
	valid   = color.New(color.FgGreen).SprintFunc()
	expired = color.New(color.FgRed).SprintFunc()
)

func validity(cert *x509.Certificate, now time.Time) string {
	if pki.ValidAt(cert, now) {
		return valid("valid")
	}
	return expired("not valid")
}

func describe(w io.Writer, cert *x509.Certificate, now time.Time) {
	fmt.Fprintf(w, "%s %s\n", label("Subject:    "), cert.Subject)
	fmt.Fprintf(w, "%s %s\n", label("Issuer:     "), cert.Issuer)
	fmt.Fprintf(w, "%s %x\n", label("Serial:     "), cert.SerialNumber)
	fmt.Fprintf(w, "%s %s\n", label("Key:        "), pki.SpecOf(cert.PublicKey))
	fmt.Fprintf(w, "%s %s\n", label("Signature:  "), cert.SignatureAlgorithm)
	fmt.Fprintf(w, "%s %s\n", label("Not before: "), cert.NotBefore.UTC().Format(time.RFC3339))
	fmt.Fprintf(w, "%s %s (%s)\n", label("Not after:  "), cert.NotAfter.UTC().Format(time.RFC3339), validity(cert, now))
	if len(cert.DNSNames) > 0 || len(cert.IPAddresses) > 0 {
		fmt.Fprintf(w, "%s %v\n", label("Names:      "), pki.OriginalNames(cert))
	}
	fmt.Fprintf(w, "%s %s\n", label("Thumbprint: "), pki.Thumbprint(cert))
}
