package main

import (
	"fmt"
	"io"

	"github.com/olekukonko/tablewriter"

	"github.com/ledgerlabs/walletcompat/internal/scenario"
)

// renderResult prints the assertion matrix: pipeline steps, individual
// checks, then any wallet-state mismatches and symmetry warnings.
func renderResult(w io.Writer, result *scenario.Result) {
	table := tablewriter.NewWriter(w)
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_CENTER)
	table.SetAutoFormatHeaders(false)
	table.SetBorder(true)
	table.SetHeader([]string{"Kind", "Name", "Status", "Detail"})
	for _, step := range result.Steps {
		table.Append([]string{"step", step.Name, string(step.Status), step.Detail})
	}
	for _, check := range result.Checks {
		table.Append([]string{"check", check.Name, string(check.Status), check.Detail})
	}
	table.Render()

	if len(result.Mismatches) > 0 {
		fmt.Fprintln(w)
		mismatchTable := tablewriter.NewWriter(w)
		mismatchTable.SetAutoWrapText(false)
		mismatchTable.SetHeaderAlignment(tablewriter.ALIGN_CENTER)
		mismatchTable.SetAutoFormatHeaders(false)
		mismatchTable.SetBorder(true)
		mismatchTable.SetHeader([]string{"Node", "Wallet", "TxID", "Field", "Detail"})
		for _, m := range result.Mismatches {
			mismatchTable.Append([]string{m.Node, m.Wallet, m.TxID, m.Field, m.Detail})
		}
		mismatchTable.Render()
	}

	for _, warning := range result.SymmetryWarnings {
		fmt.Fprintf(w, "symmetry warning: node=%s wallet=%s txid=%s %s\n",
			warning.Node, warning.Wallet, warning.TxID, warning.Detail)
	}

	fmt.Fprintln(w, result.Summary())
}
