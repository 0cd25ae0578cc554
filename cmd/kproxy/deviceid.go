package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pshima/kproxy/pkg/deviceid"
)

func newDeviceIDCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "device-id",
		Short: "Generate and check device ids",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "generate",
			Short: "Print a new random device id",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				id, err := deviceid.Generate()
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), id)
				return nil
			},
		},
		&cobra.Command{
			Use:   "validate <id>",
			Short: "Check that id is 64 hex characters",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := deviceid.Validate(args[0]); err != nil {
					printStatus(cmd, false, "invalid: %v", err)
					return err
				}
				printStatus(cmd, true, "valid")
				return nil
			},
		},
	)
	return cmd
}
