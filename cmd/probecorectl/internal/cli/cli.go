// Package cli builds the probecorectl command tree. Kept separate from
// main so the blank-import registration list in main.go stays the only
// thing main.go itself does.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/probecore/probecore/arm/dp"
	"github.com/probecore/probecore/config"
	"github.com/probecore/probecore/probe"
	"github.com/probecore/probecore/session"
)

var (
	serialFlag string
	configFlag string
)

// Root builds the top-level probecorectl command.
func Root() *cobra.Command {
	root := &cobra.Command{
		Use:   "probecorectl",
		Short: "Inspect and attach to on-chip debug probes",
	}
	root.PersistentFlags().StringVar(&serialFlag, "serial", "", "probe serial number (default: first probe found)")
	root.PersistentFlags().StringVar(&configFlag, "config", "", `override config, e.g. "dp.wait_retry_limit::256"`)

	root.AddCommand(listCmd(), attachCmd())
	return root
}

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every probe found across all registered backends",
		RunE: func(cmd *cobra.Command, args []string) error {
			infos, err := probe.ListAll()
			if err != nil {
				return err
			}
			if len(infos) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no probes found")
				return nil
			}
			for _, info := range infos {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\tserial=%q\n", info.Identifier, info.Kind, info.Selector.Serial)
			}
			return nil
		},
	}
}

func attachCmd() *cobra.Command {
	var riscv bool
	var tapIndex int

	cmd := &cobra.Command{
		Use:   "attach",
		Short: "Attach to a probe, enumerate cores, then detach",
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := selectProbe()
			if err != nil {
				return err
			}

			p, err := probe.Open(*info)
			if err != nil {
				return fmt.Errorf("opening %s: %w", info.Identifier, err)
			}
			defer p.Close()

			cfg := config.Default()
			cfg.ApplyOverrides(configFlag)

			s := session.New(p, cfg)
			if riscv {
				if err := s.AttachRISCV(tapIndex); err != nil {
					return fmt.Errorf("attaching riscv: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), "attached: riscv DTM ready")
			} else {
				if err := s.AttachARM(session.AttachARMOptions{Address: dp.DefaultAddress}); err != nil {
					return fmt.Errorf("attaching arm: %w", err)
				}
				cores := s.Cores()
				fmt.Fprintf(cmd.OutOrStdout(), "attached: %d core(s) discovered\n", len(cores))
			}
			return s.Detach()
		},
	}
	cmd.Flags().BoolVar(&riscv, "riscv", false, "attach the RISC-V DTM instead of the ARM debug stack")
	cmd.Flags().IntVar(&tapIndex, "tap", 0, "TAP index to address on the scan chain (--riscv only)")
	return cmd
}

func selectProbe() (*probe.Info, error) {
	infos, err := probe.ListAll()
	if err != nil {
		return nil, err
	}
	for i := range infos {
		if serialFlag == "" || infos[i].Selector.Serial == serialFlag {
			return &infos[i], nil
		}
	}
	return nil, fmt.Errorf("no matching probe found")
}
