package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/oupson/flatline/internal/config"
)

func hostsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hosts",
		Short: "List the host profiles usable with connect",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := config.Cfg.HostsPath()
			if err != nil {
				return err
			}
			hosts, err := config.LoadHosts(path)
			if err != nil {
				return err
			}
			if len(hosts) == 0 {
				fmt.Fprintf(cmd.ErrOrStderr(), "no host profiles in %s\n", path)
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tADDRESS\tUSER\tHOST KEY")
			for _, name := range config.HostNames(hosts) {
				p := hosts[name]
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", name, p.Address, orDash(p.User), hostKeyMode(p))
			}
			return w.Flush()
		},
	}
}

func hostKeyMode(p config.HostProfile) string {
	switch {
	case p.HostKey != "":
		return "pinned key"
	case p.HostKeyPolicy != "":
		return p.HostKeyPolicy
	case p.Fingerprint != "":
		return "fingerprint"
	case p.KnownHosts != "":
		return "known_hosts"
	default:
		return "default (" + config.Cfg.HostKeyPolicy + ")"
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

