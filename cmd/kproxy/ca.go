package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/rodaine/table"
	"github.com/spf13/cobra"

	"github.com/pshima/kproxy/internal/config"
	"github.com/pshima/kproxy/internal/service"
	"github.com/pshima/kproxy/pkg/certificates"
)

func newCACommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ca",
		Short: "Inspect and export the root certificate authority",
	}
	config.RegisterFlags(cmd.PersistentFlags())

	info := &cobra.Command{
		Use:   "info",
		Short: "Create the root authority if needed and describe it",
		Args:  cobra.NoArgs,
		RunE:  runCAInfo,
	}
	info.Flags().Bool("plain", false, "Print uncolored key: value lines")

	cmd.AddCommand(
		info,
		&cobra.Command{
			Use:   "export",
			Short: "Print the root certificate in PEM form",
			Args:  cobra.NoArgs,
			RunE:  runCAExport,
		},
	)
	return cmd
}

func initializedService(cmd *cobra.Command) (*service.Service, error) {
	cfg, err := config.Load(configFile(cmd), cmd.Flags())
	if err != nil {
		return nil, err
	}

	svc := service.New(*cfg, nil)
	if _, err := svc.Initialize(); err != nil {
		return nil, err
	}
	return svc, nil
}

func runCAInfo(cmd *cobra.Command, _ []string) error {
	svc, err := initializedService(cmd)
	if err != nil {
		return err
	}

	info := svc.CAInfo()
	cert := svc.Authority().CertificateInfo()

	if plain, _ := cmd.Flags().GetBool("plain"); plain {
		fmt.Fprintf(cmd.OutOrStdout(), "Certificate: %s\nPrivate Key: %s\n", info.CertPath, info.KeyPath)
		fmt.Fprint(cmd.OutOrStdout(), certificates.FormatCertificateInfo(cert))
		return nil
	}

	headerFmt := color.New(color.FgGreen, color.Underline).SprintfFunc()
	columnFmt := color.New(color.FgYellow).SprintfFunc()

	tbl := table.New("Field", "Value").WithWriter(cmd.OutOrStdout())
	tbl.WithHeaderFormatter(headerFmt).WithFirstColumnFormatter(columnFmt)

	tbl.AddRow("Certificate", info.CertPath)
	tbl.AddRow("Private key", info.KeyPath)
	tbl.AddRow("Subject", cert.Subject)
	tbl.AddRow("Serial", info.SerialHex)
	tbl.AddRow("Fingerprint (SHA-256)", info.Fingerprint)
	tbl.AddRow("Valid from", info.ValidFrom.Format(time.RFC3339))
	tbl.AddRow("Valid until", info.ValidTo.Format(time.RFC3339))
	tbl.AddRow("Key usage", strings.Join(certificates.KeyUsageNames(cert.KeyUsage), ", "))
	tbl.Print()

	status := certificates.CertificateStatus(cert, time.Now())
	fmt.Fprintln(cmd.OutOrStdout())
	printStatus(cmd, !cert.NotAfter.Before(time.Now()), "Status: %s", status)
	return nil
}

func runCAExport(cmd *cobra.Command, _ []string) error {
	svc, err := initializedService(cmd)
	if err != nil {
		return err
	}

	pem, err := svc.CACertPEM()
	if err != nil {
		return err
	}
	fmt.Fprint(cmd.OutOrStdout(), pem)
	return nil
}
