package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/fentz26/fleetd/internal/models"
	"github.com/spf13/cobra"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage tasks on the configured kanban backend",
}

var taskAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a new task",
	RunE:  runTaskAdd,
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	RunE:  runTaskList,
}

var taskShowCmd = &cobra.Command{
	Use:   "show [task-id]",
	Short: "Show task details",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskShow,
}

var taskUpdateCmd = &cobra.Command{
	Use:   "update [task-id]",
	Short: "Update task status, title, description or priority",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskUpdate,
}

var taskStartCmd = &cobra.Command{
	Use:   "start [task-id]",
	Short: "Dispatch a task to a free executor slot",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskStart,
}

var taskCommentCmd = &cobra.Command{
	Use:   "comment [task-id] [body]",
	Short: "Add a comment to a task",
	Args:  cobra.ExactArgs(2),
	RunE:  runTaskComment,
}

var taskDeleteCmd = &cobra.Command{
	Use:   "delete [task-id]",
	Short: "Delete a task from the backend",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskDelete,
}

var (
	taskTitle    string
	taskDesc     string
	taskStatus   string
	taskPriority string
	taskProject  string
	taskPage     int
	taskPageSize int
)

func init() {
	taskCmd.AddCommand(taskAddCmd, taskListCmd, taskShowCmd, taskUpdateCmd, taskStartCmd, taskCommentCmd, taskDeleteCmd)

	taskAddCmd.Flags().StringVar(&taskTitle, "title", "", "Task title (required)")
	taskAddCmd.Flags().StringVar(&taskDesc, "desc", "", "Task description")
	taskAddCmd.Flags().StringVar(&taskPriority, "priority", "", "Priority (low, medium, high, critical)")
	taskAddCmd.Flags().StringVar(&taskProject, "project", "", "Project id")
	taskAddCmd.MarkFlagRequired("title")

	taskListCmd.Flags().StringVar(&taskStatus, "status", "", "Filter by status (todo, inprogress, inreview, done, cancelled)")
	taskListCmd.Flags().StringVar(&taskProject, "project", "", "Project id (default: first project)")
	taskListCmd.Flags().IntVar(&taskPage, "page", 0, "Page number, zero based")
	taskListCmd.Flags().IntVar(&taskPageSize, "page-size", 0, "Page size (5-50)")

	taskUpdateCmd.Flags().StringVar(&taskStatus, "status", "", "New status")
	taskUpdateCmd.Flags().StringVar(&taskTitle, "title", "", "New title")
	taskUpdateCmd.Flags().StringVar(&taskDesc, "desc", "", "New description")
	taskUpdateCmd.Flags().StringVar(&taskPriority, "priority", "", "New priority")
}

func runTaskAdd(cmd *cobra.Command, args []string) error {
	body := map[string]string{
		"title":       taskTitle,
		"description": taskDesc,
		"priority":    taskPriority,
		"project":     taskProject,
	}

	resp, err := apiPost("/api/tasks/create", body)
	if err != nil {
		return err
	}

	var task models.Task
	if err := resp.decodeData(&task); err != nil {
		return err
	}

	fmt.Printf("Created task: %s\n", task.ID)
	return nil
}

func runTaskList(cmd *cobra.Command, args []string) error {
	q := url.Values{}
	if taskStatus != "" {
		q.Set("status", taskStatus)
	}
	if taskProject != "" {
		q.Set("project", taskProject)
	}
	if taskPage > 0 {
		q.Set("page", strconv.Itoa(taskPage))
	}
	if taskPageSize > 0 {
		q.Set("pageSize", strconv.Itoa(taskPageSize))
	}
	path := "/api/tasks"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	resp, err := apiGet(path)
	if err != nil {
		return err
	}

	var tasks []models.Task
	if err := resp.decodeData(&tasks); err != nil {
		return err
	}
	var meta struct {
		Page     int `json:"page"`
		PageSize int `json:"pageSize"`
		Total    int `json:"total"`
	}
	if err := json.Unmarshal(resp.Raw, &meta); err != nil {
		return err
	}

	if len(tasks) == 0 {
		fmt.Println("No tasks found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tPRIORITY\tTITLE")
	for _, t := range tasks {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", truncateID(t.ID), t.Status, t.Priority, truncate(t.Title, 50))
	}
	w.Flush()
	fmt.Printf("\npage %d (%d per page), %d total\n", meta.Page, meta.PageSize, meta.Total)
	return nil
}

func runTaskShow(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/api/tasks/detail?taskId=" + url.QueryEscape(args[0]))
	if err != nil {
		return err
	}

	var task *models.Task
	if err := resp.decodeData(&task); err != nil {
		return err
	}
	if task == nil {
		return fmt.Errorf("task %s not found", args[0])
	}

	fmt.Printf("ID:          %s\n", task.ID)
	fmt.Printf("Title:       %s\n", task.Title)
	fmt.Printf("Status:      %s\n", task.Status)
	if task.Priority != "" {
		fmt.Printf("Priority:    %s\n", task.Priority)
	}
	fmt.Printf("Backend:     %s\n", task.Backend)
	if task.URL != "" {
		fmt.Printf("URL:         %s\n", task.URL)
	}
	if task.Branch != "" {
		fmt.Printf("Branch:      %s\n", task.Branch)
	}
	if task.Description != "" {
		fmt.Printf("Description: %s\n", task.Description)
	}
	if !task.UpdatedAt.IsZero() {
		fmt.Printf("Updated:     %s\n", task.UpdatedAt.Format("2006-01-02 15:04:05"))
	}
	for _, c := range task.Comments {
		fmt.Printf("\n[%s] %s\n%s\n", c.CreatedAt.Format("2006-01-02 15:04"), c.Author, c.Body)
	}
	return nil
}

func runTaskUpdate(cmd *cobra.Command, args []string) error {
	body := map[string]string{"taskId": args[0]}
	if taskStatus != "" {
		body["status"] = taskStatus
	}
	if taskTitle != "" {
		body["title"] = taskTitle
	}
	if taskDesc != "" {
		body["description"] = taskDesc
	}
	if taskPriority != "" {
		body["priority"] = taskPriority
	}

	resp, err := apiPost("/api/tasks/update", body)
	if err != nil {
		return err
	}

	var task models.Task
	if err := resp.decodeData(&task); err != nil {
		return err
	}
	fmt.Printf("Updated task %s (%s)\n", task.ID, task.Status)
	return nil
}

func runTaskStart(cmd *cobra.Command, args []string) error {
	resp, err := apiPost("/api/tasks/start", map[string]string{"taskId": args[0]})
	if err != nil {
		return err
	}

	var result struct {
		TaskID string `json:"taskId"`
		Slot   int    `json:"slot"`
	}
	if err := json.Unmarshal(resp.Raw, &result); err != nil {
		return err
	}
	fmt.Printf("Started task %s in slot %d\n", result.TaskID, result.Slot)
	return nil
}

func runTaskComment(cmd *cobra.Command, args []string) error {
	if _, err := apiPost("/api/tasks/comment", map[string]string{"taskId": args[0], "body": args[1]}); err != nil {
		return err
	}
	fmt.Printf("Commented on task %s\n", args[0])
	return nil
}

func runTaskDelete(cmd *cobra.Command, args []string) error {
	resp, err := apiPost("/api/tasks/delete", map[string]string{"taskId": args[0]})
	if err != nil {
		return err
	}
	var deleted bool
	if err := resp.decodeData(&deleted); err != nil {
		return err
	}
	if !deleted {
		fmt.Printf("Task %s not found\n", args[0])
		return nil
	}
	fmt.Printf("Deleted task %s\n", args[0])
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func truncateID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
