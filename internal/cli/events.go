package cli

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/spf13/cobra"
)

var (
	eventsStream string
	eventsFollow bool
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Read or follow the event log",
	RunE:  runEvents,
}

func init() {
	eventsCmd.Flags().StringVar(&eventsStream, "stream", "all", "Stream to read: all, task:<id>, activity:<id>, project:<id>")
	eventsCmd.Flags().BoolVarP(&eventsFollow, "follow", "f", false, "Follow live events over SSE")
}

func runEvents(cmd *cobra.Command, args []string) error {
	if eventsFollow {
		return followEvents()
	}

	path := "/api/events"
	if eventsStream != "" && eventsStream != "all" {
		path += "?stream=" + url.QueryEscape(eventsStream)
	}
	var resp struct {
		Events []map[string]any `json:"events"`
	}
	if err := newClient().get(path, &resp); err != nil {
		return err
	}
	if len(resp.Events) == 0 {
		fmt.Println("No events.")
		return nil
	}
	for _, e := range resp.Events {
		printEvent(e)
	}
	return nil
}

// followEvents streams the daemon's SSE firehose to stdout until
// interrupted.
func followEvents() error {
	resp, err := http.Get(serverAddr + "/events")
	if err != nil {
		return fmt.Errorf("is wardend running at %s? %w", serverAddr, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned %s", resp.Status)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var msg struct {
			Type    string         `json:"type"`
			Payload map[string]any `json:"payload"`
		}
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &msg); err != nil {
			continue
		}
		if msg.Type == "connected" {
			fmt.Println("Connected, waiting for events...")
			continue
		}
		printEvent(msg.Payload)
	}
	return scanner.Err()
}

func printEvent(e map[string]any) {
	meta, _ := e["metadata"].(map[string]any)
	subject := ""
	if meta != nil {
		if id, _ := meta["task_id"].(string); id != "" {
			subject = " task=" + id
		}
		if id, _ := meta["activity_id"].(string); id != "" {
			subject += " activity=" + id
		}
	}
	fmt.Printf("%v  %v%s\n", e["occurred_at"], e["event_type"], subject)
}
