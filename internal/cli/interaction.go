package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/wardend/warden/human"
)

var interactionTask string

var interactionCmd = &cobra.Command{
	Use:     "interaction",
	Aliases: []string{"ask"},
	Short:   "List and resolve human interactions",
}

var interactionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending interactions",
	RunE:  runInteractionList,
}

var interactionAnswerCmd = &cobra.Command{
	Use:   "answer [id] [response...]",
	Short: "Answer an interaction and unblock its task",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runInteractionAnswer,
}

var interactionIgnoreCmd = &cobra.Command{
	Use:   "ignore [id]",
	Short: "Dismiss an interaction without a response",
	Args:  cobra.ExactArgs(1),
	RunE:  runInteractionIgnore,
}

func init() {
	interactionListCmd.Flags().StringVar(&interactionTask, "task", "", "Show all interactions for one task")

	interactionCmd.AddCommand(interactionListCmd)
	interactionCmd.AddCommand(interactionAnswerCmd)
	interactionCmd.AddCommand(interactionIgnoreCmd)
}

func runInteractionList(cmd *cobra.Command, args []string) error {
	path := "/api/interactions"
	if interactionTask != "" {
		path += "?task_id=" + interactionTask
	}
	var resp struct {
		Interactions []*human.Interaction `json:"interactions"`
	}
	if err := newClient().get(path, &resp); err != nil {
		return err
	}
	if len(resp.Interactions) == 0 {
		fmt.Println("No interactions.")
		return nil
	}
	for _, in := range resp.Interactions {
		req := ""
		if in.Required {
			req = " REQUIRED"
		}
		fmt.Printf("%s  %-8s task=%s%s\n    %s\n", in.ID, in.Status, in.TaskID, req, in.Question)
		if in.Response != "" {
			fmt.Printf("    -> %s\n", in.Response)
		}
	}
	return nil
}

func runInteractionAnswer(cmd *cobra.Command, args []string) error {
	body := map[string]string{"response": strings.Join(args[1:], " ")}
	if err := newClient().post("/api/interactions/"+args[0]+"/answer", body, nil); err != nil {
		return err
	}
	fmt.Printf("Answered interaction %s\n", args[0])
	return nil
}

func runInteractionIgnore(cmd *cobra.Command, args []string) error {
	if err := newClient().post("/api/interactions/"+args[0]+"/ignore", nil, nil); err != nil {
		return err
	}
	fmt.Printf("Ignored interaction %s\n", args[0])
	return nil
}
