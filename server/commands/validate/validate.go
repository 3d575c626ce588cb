// Package validate provides the command that checks model documents without starting a server.
package validate

import (
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"gitlab.com/shar-workflow/taskflow/client/parser"
	"gitlab.com/shar-workflow/taskflow/model"
)

// Cmd is the cobra command object
var Cmd = &cobra.Command{
	Use:   "validate [model.yaml...]",
	Short: "Validates model documents",
	Long:  `Parses each model document, checks its process graph and prints its nodes.`,
	Args:         cobra.MinimumNArgs(1),
	SilenceUsage: true,
	RunE:         run,
}

func run(cmd *cobra.Command, args []string) error {
	var failed int
	for _, path := range args {
		doc, err := parser.ParseFile(path)
		if err != nil {
			failed++
			cmd.PrintErrf("%s: %s\n", path, err)
			continue
		}
		render(cmd, path, doc)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d model documents are invalid", failed, len(args))
	}
	return nil
}

func render(cmd *cobra.Command, path string, doc *parser.Document) {
	t := table.NewWriter()
	t.SetStyle(table.StyleLight)
	t.SetOutputMirror(cmd.OutOrStdout())
	t.SetTitle(fmt.Sprintf("%s (%s)", doc.Process.Name, path))
	t.AppendHeader(table.Row{"NODE", "KIND", "NEXT", "DETAIL"})
	for _, n := range doc.Process.Nodes {
		t.AppendRow(table.Row{n.ID, n.Kind, strings.Join(n.Successors, ", "), detail(n)})
	}
	t.Render()
}

func detail(n *model.Node) string {
	switch n.Kind {
	case model.NodeKindActivity:
		d := n.Activity.Message.ServiceID + "/" + n.Activity.Message.EndpointID
		if n.Activity.Condition != "" {
			d += " if " + n.Activity.Condition
		}
		if n.Activity.Message.AutoComplete {
			d += " (auto)"
		}
		return d
	case model.NodeKindJoin:
		lo, hi := n.JoinThresholds()
		return fmt.Sprintf("min %d max %d", lo, hi)
	}
	return ""
}
