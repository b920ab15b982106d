package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var (
	submitPrompt string
	submitForce  bool
	submitWait   bool
	waitInterval time.Duration
	listStatus   string
	listLimit    int
	exportOutput string
)

var submitCmd = &cobra.Command{
	Use:   "submit [source-path]",
	Short: "Submit a folder of screenshots for analysis",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		id, err := c.submit(cmd.Context(), args[0], submitPrompt, submitForce)
		if err != nil {
			return err
		}
		fmt.Printf("Task submitted successfully!\nTask ID: %s\n", id)
		if !submitWait {
			fmt.Printf("To follow it, run: analysis-cli wait %s\n", id)
			return nil
		}
		return waitAndReport(cmd, c, id)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status [task-id]",
	Short: "Show the current state of a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		t, err := c.task(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		printTask(t)
		return nil
	},
}

var waitCmd = &cobra.Command{
	Use:   "wait [task-id]",
	Short: "Poll a task until it completes or fails",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		return waitAndReport(cmd, c, args[0])
	},
}

var resultCmd = &cobra.Command{
	Use:   "result [task-id]",
	Short: "Print the report of a completed task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		r, err := c.result(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Print(r.Content)
		return nil
	},
}

var exportCmd = &cobra.Command{
	Use:   "export [task-id]",
	Short: "Download the score sheet of a completed task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		data, err := c.export(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		out := exportOutput
		if out == "" {
			out = args[0] + ".xlsx"
		}
		if err := os.WriteFile(out, data, 0o644); err != nil {
			return err
		}
		fmt.Printf("Saved %s (%d bytes)\n", out, len(data))
		return nil
	},
}

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "List tasks in creation order",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		tasks, err := c.tasks(cmd.Context(), listStatus, listLimit)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TASK ID\tSTATUS\tPROGRESS\tSOURCE\tCREATED")
		for _, t := range tasks {
			fmt.Fprintf(w, "%s\t%s\t%d%%\t%s\t%s\n", t.TaskID, t.Status, t.Progress, t.SourcePath, t.CreatedAt.Local().Format(time.DateTime))
		}
		return w.Flush()
	},
}

func init() {
	submitCmd.Flags().StringVarP(&submitPrompt, "prompt", "p", "分析这些麻将对局截图，统计每位玩家的番型和得分。", "analysis prompt")
	submitCmd.Flags().BoolVarP(&submitForce, "force", "f", false, "re-analyze images that already have results")
	submitCmd.Flags().BoolVarP(&submitWait, "wait", "w", false, "wait for the task and print the report")
	for _, c := range []*cobra.Command{submitCmd, waitCmd} {
		c.Flags().DurationVar(&waitInterval, "interval", 2*time.Second, "polling interval")
	}
	tasksCmd.Flags().StringVar(&listStatus, "status", "", "only show tasks in this status")
	tasksCmd.Flags().IntVar(&listLimit, "limit", 20, "maximum number of tasks")
	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "output file (default <task-id>.xlsx)")

	rootCmd.AddCommand(submitCmd, statusCmd, waitCmd, resultCmd, exportCmd, tasksCmd)
}

func waitAndReport(cmd *cobra.Command, c *apiClient, id string) error {
	t, err := c.wait(cmd.Context(), id, waitInterval, func(t *task) {
		fmt.Printf("[%3d%%] %-11s %s\n", t.Progress, t.Status, t.Message)
	})
	if err != nil {
		return err
	}
	if t.Status == "failed" {
		msg := "unknown error"
		if t.Error != nil {
			msg = *t.Error
		}
		return fmt.Errorf("task %s failed: %s", id, msg)
	}
	r, err := c.result(cmd.Context(), id)
	if err != nil {
		return err
	}
	fmt.Println()
	fmt.Print(r.Content)
	return nil
}

func printTask(t *task) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "Task ID:\t%s\n", t.TaskID)
	fmt.Fprintf(w, "Source:\t%s\n", t.SourcePath)
	fmt.Fprintf(w, "Status:\t%s (%d%%)\n", t.Status, t.Progress)
	fmt.Fprintf(w, "Message:\t%s\n", t.Message)
	fmt.Fprintf(w, "Images:\t%d found, %d analyzed, cache used: %v\n", t.ImageCount, t.AnalyzedCount, t.CacheUsed)
	if t.ResultPath != nil {
		fmt.Fprintf(w, "Result:\t%s\n", *t.ResultPath)
	}
	if t.Error != nil {
		fmt.Fprintf(w, "Error:\t%s\n", *t.Error)
	}
	fmt.Fprintf(w, "Updated:\t%s\n", t.UpdatedAt.Local().Format(time.DateTime))
	w.Flush()
}
