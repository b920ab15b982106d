package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var lsCmd = &cobra.Command{
	Use:   "ls [path]",
	Short: "List one level of the screenshot bucket",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		path := ""
		if len(args) == 1 {
			path = args[0]
		}
		l, err := c.list(cmd.Context(), path)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		for _, d := range l.Directories {
			fmt.Fprintf(w, "%s/\t-\t-\n", d.Name)
		}
		for _, f := range l.Files {
			fmt.Fprintf(w, "%s\t%s\t%s\n", f.Name, f.SizeHuman, f.LastModified.Local().Format(time.DateTime))
		}
		if err := w.Flush(); err != nil {
			return err
		}
		fmt.Printf("%d directories, %d files\n", l.TotalDirectories, l.TotalFiles)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(lsCmd)
}
