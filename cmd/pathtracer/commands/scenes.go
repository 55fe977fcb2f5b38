package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gogpu/pathtracer"
)

var scenesCmd = &cobra.Command{
	Use:   "scenes",
	Short: "List the built-in scenes",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		for _, name := range pathtracer.SceneNames() {
			sc, err := pathtracer.LoadScene(name)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%-10s %3d objects %5d triangles\n",
				name, len(sc.Objects), sc.TriangleCount())
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(scenesCmd)
}
