package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "imgconv",
		Short:         "imgconv - convert images between formats",
		Long:          "imgconv converts batches of images to png, jpeg, webp, bmp, gif, tiff, pdf or ico.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetHelpCommand(&cobra.Command{Hidden: true})
	root.AddCommand(newConvertCmd())
	return root
}

func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
