package cli

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/cobra"

	"github.com/wardend/warden/task"
)

var (
	taskDescription string
	taskQueue       string
	taskProject     string
	taskParent      string
	taskPriority    int
	taskRequired    bool
	taskNoEnqueue   bool
	taskListState   string
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Create and manage tasks",
}

var taskCreateCmd = &cobra.Command{
	Use:   "create [title]",
	Short: "Create a new task and queue it for execution",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runTaskCreate,
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks, optionally filtered by state or queue",
	RunE:  runTaskList,
}

var taskShowCmd = &cobra.Command{
	Use:   "show [id]",
	Short: "Show task details, activities, and events",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskShow,
}

var taskPauseCmd = &cobra.Command{
	Use:   "pause [id]",
	Short: "Pause an active task and its activity tree",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskPause,
}

var taskResumeCmd = &cobra.Command{
	Use:   "resume [id]",
	Short: "Resume a paused task",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskResume,
}

func init() {
	taskCreateCmd.Flags().StringVarP(&taskDescription, "desc", "d", "", "Task description")
	taskCreateCmd.Flags().StringVarP(&taskQueue, "queue", "q", "default", "Execution queue")
	taskCreateCmd.Flags().StringVar(&taskProject, "project", "", "Project ID")
	taskCreateCmd.Flags().StringVar(&taskParent, "parent", "", "Parent task ID")
	taskCreateCmd.Flags().IntVarP(&taskPriority, "priority", "p", 0, "Priority (higher runs first)")
	taskCreateCmd.Flags().BoolVar(&taskRequired, "required", false, "Failure fails the parent task")
	taskCreateCmd.Flags().BoolVar(&taskNoEnqueue, "no-enqueue", false, "Create without queueing a run")

	taskListCmd.Flags().StringVarP(&taskListState, "state", "s", "", "Filter by state")
	taskListCmd.Flags().StringVarP(&taskQueue, "queue", "q", "", "Filter by queue")
	taskListCmd.Flags().StringVar(&taskProject, "project", "", "Filter by project")

	taskCmd.AddCommand(taskCreateCmd)
	taskCmd.AddCommand(taskListCmd)
	taskCmd.AddCommand(taskShowCmd)
	taskCmd.AddCommand(taskPauseCmd)
	taskCmd.AddCommand(taskResumeCmd)
}

func runTaskCreate(cmd *cobra.Command, args []string) error {
	body := map[string]any{
		"title":       strings.Join(args, " "),
		"description": taskDescription,
		"queue":       taskQueue,
		"project_id":  taskProject,
		"parent_id":   taskParent,
		"priority":    taskPriority,
		"required":    taskRequired,
		"enqueue":     !taskNoEnqueue,
	}
	var created task.Task
	if err := newClient().post("/api/tasks", body, &created); err != nil {
		return err
	}
	fmt.Printf("Created task %s: %s [%s]\n", created.ID, created.Title, created.State)
	return nil
}

func runTaskList(cmd *cobra.Command, args []string) error {
	q := url.Values{}
	if taskListState != "" {
		q.Set("state", taskListState)
	}
	if taskQueue != "" {
		q.Set("queue", taskQueue)
	}
	if taskProject != "" {
		q.Set("project_id", taskProject)
	}
	path := "/api/tasks"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var resp struct {
		Tasks []*task.Task `json:"tasks"`
	}
	if err := newClient().get(path, &resp); err != nil {
		return err
	}
	if len(resp.Tasks) == 0 {
		fmt.Println("No tasks found.")
		return nil
	}
	for _, t := range resp.Tasks {
		fmt.Printf("%s  %-16s %-10s p%-3d %s\n", t.ID, t.State, t.Queue, t.Priority, t.Title)
	}
	return nil
}

func runTaskShow(cmd *cobra.Command, args []string) error {
	c := newClient()
	id := args[0]

	var t task.Task
	if err := c.get("/api/tasks/"+id, &t); err != nil {
		return err
	}
	fmt.Printf("Task %s\n", t.ID)
	fmt.Printf("  Title:    %s\n", t.Title)
	fmt.Printf("  State:    %s\n", t.State)
	fmt.Printf("  Queue:    %s\n", t.Queue)
	fmt.Printf("  Priority: %d\n", t.Priority)
	if t.Description != "" {
		fmt.Printf("  Desc:     %s\n", t.Description)
	}
	if t.ProjectID != "" {
		fmt.Printf("  Project:  %s\n", t.ProjectID)
	}
	if t.ParentID != "" {
		fmt.Printf("  Parent:   %s\n", t.ParentID)
	}
	if t.Error != "" {
		fmt.Printf("  Error:    %s\n", t.Error)
	}
	if t.Result != "" {
		fmt.Printf("  Result:   %s\n", t.Result)
	}
	fmt.Printf("  Created:  %s\n", t.CreatedAt.Format("2006-01-02 15:04:05"))

	var acts struct {
		Activities []map[string]any `json:"activities"`
	}
	if err := c.get("/api/tasks/"+id+"/activities", &acts); err == nil && len(acts.Activities) > 0 {
		fmt.Println("\n  Activities:")
		for _, a := range acts.Activities {
			fmt.Printf("    %v  %v\n", a["id"], a["status"])
		}
	}

	var events struct {
		Events []map[string]any `json:"events"`
	}
	if err := c.get("/api/tasks/"+id+"/events", &events); err == nil && len(events.Events) > 0 {
		fmt.Println("\n  Events:")
		for _, e := range events.Events {
			fmt.Printf("    %v %v\n", e["occurred_at"], e["event_type"])
		}
	}
	return nil
}

func runTaskPause(cmd *cobra.Command, args []string) error {
	if err := newClient().post("/api/tasks/"+args[0]+"/pause", nil, nil); err != nil {
		return err
	}
	fmt.Printf("Paused task %s\n", args[0])
	return nil
}

func runTaskResume(cmd *cobra.Command, args []string) error {
	if err := newClient().post("/api/tasks/"+args[0]+"/resume", nil, nil); err != nil {
		return err
	}
	fmt.Printf("Resumed task %s\n", args[0])
	return nil
}
