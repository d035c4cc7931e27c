package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/livefs/livefs/liverestore"
	"github.com/livefs/livefs/osfs"
)

var stateCommand = &cobra.Command{
	Use:   "state DEST",
	Short: "Print the persisted live restore phase of DEST.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dest, err := expandPath(args[0])
		if err != nil {
			return err
		}
		state, err := liverestore.ReadState(context.Background(), osfs.New(), dest)
		if err != nil {
			return err
		}
		fmt.Println(state)
		return nil
	},
}

func init() {
	Root.AddCommand(stateCommand)
}
