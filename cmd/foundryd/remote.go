package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	for _, c := range []*cobra.Command{statusCmd, checkpointsCmd, escalationsCmd} {
		c.Flags().StringVar(&serverURL, "server", "http://localhost:8710", "foundryd control API URL")
	}
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the run status of a running foundryd",
	RunE:  runStatus,
}

var checkpointsCmd = &cobra.Command{
	Use:   "checkpoints",
	Short: "List checkpoints of a running foundryd",
	RunE:  runCheckpoints,
}

var escalationsCmd = &cobra.Command{
	Use:   "escalations",
	Short: "List escalations of a running foundryd",
	RunE:  runEscalations,
}

func getJSON(path string, out any) error {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(serverURL + path)
	if err != nil {
		return fmt.Errorf("failed to reach foundryd at %s: %w", serverURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("foundryd returned %s for %s", resp.Status, path)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	var status struct {
		Phase       string            `json:"phase"`
		PhaseStatus map[string]string `json:"phase_status"`
		Run         string            `json:"run"`
		Tasks       map[string]int    `json:"tasks"`
	}
	if err := getJSON("/api/v1/status", &status); err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "Run:\t%s\n", status.Run)
	fmt.Fprintf(w, "Phase:\t%s\n", status.Phase)
	for _, phase := range []string{"planning", "validation", "implementation", "verification", "completion"} {
		fmt.Fprintf(w, "  %s:\t%s\n", phase, status.PhaseStatus[phase])
	}
	fmt.Fprintln(w, "Tasks:")
	for _, st := range []string{"pending", "blocked", "in_progress", "completed", "failed"} {
		if n := status.Tasks[st]; n > 0 {
			fmt.Fprintf(w, "  %s:\t%d\n", st, n)
		}
	}
	return w.Flush()
}

func runCheckpoints(cmd *cobra.Command, args []string) error {
	var cps []struct {
		Seq       uint64    `json:"seq"`
		Timestamp time.Time `json:"timestamp"`
		Label     string    `json:"label"`
		Phase     string    `json:"phase"`
		Tasks     int       `json:"tasks"`
	}
	if err := getJSON("/api/v1/checkpoints", &cps); err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SEQ\tTIME\tLABEL\tPHASE\tTASKS")
	for _, cp := range cps {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\n",
			cp.Seq, cp.Timestamp.Format(time.RFC3339), cp.Label, cp.Phase, cp.Tasks)
	}
	return w.Flush()
}

func runEscalations(cmd *cobra.Command, args []string) error {
	var list []struct {
		ID        string    `json:"id"`
		TaskID    string    `json:"task_id"`
		Timestamp time.Time `json:"timestamp"`
		Kind      string    `json:"kind"`
		Reason    string    `json:"reason"`
		Severity  string    `json:"severity"`
	}
	if err := getJSON("/api/v1/escalations", &list); err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Println("no escalations")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tKIND\tSEVERITY\tTASK\tREASON")
	for _, e := range list {
		taskID := e.TaskID
		if taskID == "" {
			taskID = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			e.Timestamp.Format(time.RFC3339), e.Kind, e.Severity, taskID, e.Reason)
	}
	return w.Flush()
}
