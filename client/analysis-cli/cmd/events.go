package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/segmentio/kafka-go"
	"github.com/spf13/cobra"
)

var (
	eventBrokers []string
	eventTopic   string
	eventTask    string
)

type taskEvent struct {
	TaskID     string `json:"task_id"`
	SourcePath string `json:"source_path"`
	Status     string `json:"status"`
	Progress   int    `json:"progress"`
	Message    string `json:"message"`
	Error      string `json:"error"`
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Tail task progress events from Kafka",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		reader := kafka.NewReader(kafka.ReaderConfig{
			Brokers:     eventBrokers,
			Topic:       eventTopic,
			StartOffset: kafka.LastOffset,
			MinBytes:    1,
			MaxBytes:    10e6,
		})
		defer reader.Close()

		fmt.Printf("Listening on %s (%s)...\n", eventTopic, strings.Join(eventBrokers, ","))
		for {
			msg, err := reader.ReadMessage(cmd.Context())
			if err != nil {
				if errors.Is(err, cmd.Context().Err()) {
					return nil
				}
				return err
			}
			var ev taskEvent
			if err := json.Unmarshal(msg.Value, &ev); err != nil {
				fmt.Printf("skipping malformed event at offset %d: %v\n", msg.Offset, err)
				continue
			}
			if eventTask != "" && ev.TaskID != eventTask {
				continue
			}
			line := fmt.Sprintf("%s [%3d%%] %-11s %s", ev.TaskID, ev.Progress, ev.Status, ev.Message)
			if ev.Error != "" {
				line += " (" + ev.Error + ")"
			}
			fmt.Println(line)
		}
	},
}

func init() {
	eventsCmd.Flags().StringSliceVar(&eventBrokers, "brokers", []string{"localhost:9092"}, "Kafka brokers")
	eventsCmd.Flags().StringVar(&eventTopic, "topic", "analysis_task_events", "progress event topic")
	eventsCmd.Flags().StringVar(&eventTask, "task", "", "only show events of this task")
	rootCmd.AddCommand(eventsCmd)
}
