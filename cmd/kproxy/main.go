package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var red = color.New(color.FgRed)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		red.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "kproxy",
		Short:         "TLS intercepting forward proxy that rewrites device ids",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringP("config", "c", "", "Configuration file (yaml, json or toml)")

	cmd.AddCommand(
		newServeCommand(),
		newCACommand(),
		newDeviceIDCommand(),
	)
	return cmd
}

func configFile(cmd *cobra.Command) string {
	path, _ := cmd.Flags().GetString("config")
	return path
}

func printStatus(cmd *cobra.Command, ok bool, format string, args ...any) {
	c := color.New(color.FgGreen)
	if !ok {
		c = color.New(color.FgRed)
	}
	c.Fprintln(cmd.OutOrStdout(), fmt.Sprintf(format, args...))
}
