package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newHostsCmd(g *globalFlags) *cobra.Command {
	hosts := &cobra.Command{
		Use:   "hosts",
		Short: "List impersonated hostnames in the keystore",
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
			now := time.Now()
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "HOSTNAME\tNOT AFTER\tSTATUS\tTHUMBPRINT")
			for _, h := range store.Hostnames() {
				e := store.Lookup(h)
				if e == nil {
					continue
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", h,
					e.Certificate.NotAfter.UTC().Format(time.DateOnly), validity(e.Certificate, now), e.Alias)
			}
			return tw.Flush()
		},
	}

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Drop every impersonated certificate and key mapping, keeping the root",
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
			n := len(store.Hostnames())
			store.Clear()
			if err := store.PersistAll(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cleared %d hostnames\n", n)
			return nil
		},
	}
	hosts.AddCommand(clearCmd)
	return hosts
}
