package cmds

import "github.com/spf13/cobra"

func AddCommands(root *cobra.Command) error {
	root.AddCommand(newRunCmd())
	root.AddCommand(newHaltCmd())
	root.AddCommand(newStatusCmd())
	root.AddCommand(newLogsCmd())
	root.AddCommand(newPlanCmd())
	root.AddCommand(newListCmd())
	return nil
}
