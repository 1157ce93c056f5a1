package main

import (
	"fmt"

	"github.com/itohio/capgrid/pkg/scanner"
	"github.com/spf13/cobra"
)

func newPortsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "ports",
		Short: "List available serial ports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ports, err := scanner.Ports()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(ports) == 0 {
				fmt.Fprintln(out, "No serial ports found")
				return nil
			}
			for _, p := range ports {
				if p.Description != "" {
					fmt.Fprintf(out, "%s\t%s\n", p.Name, p.Description)
					continue
				}
				fmt.Fprintln(out, p.Name)
			}
			return nil
		},
	}
}
