package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wardend/warden/queue"
)

var queueDeadLimit int

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect the work queue",
}

var queueDeadCmd = &cobra.Command{
	Use:   "dead",
	Short: "List dead-lettered work items",
	RunE:  runQueueDead,
}

func init() {
	queueDeadCmd.Flags().IntVarP(&queueDeadLimit, "limit", "n", 50, "Maximum items to show")

	queueCmd.AddCommand(queueDeadCmd)
}

func runQueueDead(cmd *cobra.Command, args []string) error {
	var resp struct {
		Items []*queue.Item `json:"items"`
	}
	if err := newClient().get(fmt.Sprintf("/api/queue/dead?limit=%d", queueDeadLimit), &resp); err != nil {
		return err
	}
	if len(resp.Items) == 0 {
		fmt.Println("No dead items.")
		return nil
	}
	for _, item := range resp.Items {
		fmt.Printf("%s  %s queue=%s attempts=%d\n    %s\n",
			item.ID, item.Kind, item.Queue, item.Attempts, item.LastError)
	}
	return nil
}
