package tool

import (
	"github.com/spf13/cobra"

	"github.com/alpacahq/bookie/cmd/tool/journal"
	"github.com/alpacahq/bookie/cmd/tool/stress"
)

const (
	toolUsage     = "tool"
	toolShortDesc = "Executes tools as subcommands"
	toolLongDesc  = "This command executes the specified tool: a journal dump or a load generator"
	toolExample   = "bookie tool journal --dir data/journal"
)

var (
	// Cmd is the tool command.
	Cmd = &cobra.Command{
		Use:        toolUsage,
		Short:      toolShortDesc,
		Long:       toolLongDesc,
		Aliases:    []string{"t"},
		SuggestFor: []string{"journal", "stress"},
		Example:    toolExample,
	}
)

// nolint:gochecknoinits // cobra's standard way to add subcommands
func init() {
	Cmd.AddCommand(journal.Cmd)
	Cmd.AddCommand(stress.Cmd)
}
