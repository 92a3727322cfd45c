package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ashureev/canvaspilot/internal/canvas"
)

func canvasCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "canvas",
		Short: "Inspect the shared canvas",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the component tree",
		RunE: func(cmd *cobra.Command, args []string) error {
			snap := instance.Document.Snapshot()
			if jsonOut {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(snap)
			}
			renderTree(cmd.OutOrStdout(), snap)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "select <component-id>",
		Short: "Choose the container new components are added to",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return instance.Document.Select(args[0])
		},
	})
	return cmd
}

// renderTree prints one line per component, indented by depth. The current
// container is marked with '*'.
func renderTree(out io.Writer, snap canvas.Snapshot) {
	var walk func(id string, depth int)
	walk = func(id string, depth int) {
		c, ok := snap.Components[id]
		if !ok {
			return
		}
		marker := " "
		if id == snap.Current {
			marker = "*"
		}
		line := fmt.Sprintf("%s%s %s (%s)", strings.Repeat("  ", depth), marker, c.Name, c.Type)
		if parent, ok := snap.Components[c.Parent]; ok {
			if item, ok := parent.Layout[id]; ok {
				line += fmt.Sprintf(" [x=%d y=%d w=%d h=%d]", item.X, item.Y, item.W, item.H)
			}
		}
		fmt.Fprintln(out, line)

		children := append([]string(nil), c.Children...)
		if len(children) == 0 {
			return
		}
		// Children are listed in layout order when positions exist.
		sort.SliceStable(children, func(i, j int) bool {
			a, b := c.Layout[children[i]], c.Layout[children[j]]
			if a.Y != b.Y {
				return a.Y < b.Y
			}
			return a.X < b.X
		})
		for _, child := range children {
			walk(child, depth+1)
		}
	}
	walk(snap.Root, 0)
}
