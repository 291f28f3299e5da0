package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/cuemby/foreman/pkg/client"
	"github.com/cuemby/foreman/pkg/types"
)

// Job commands
var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Submit and manage jobs",
}

var jobSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a job",
	Long: `Submit a command sequence with its bundle archive.

The bundle (zip or tar.gz) is uploaded first and extracted into the job
workspace on the worker; the command runs line by line inside a sandbox
rooted there.

Examples:
  # Submit from flags
  foreman job submit --bundle ./app.zip --command "python main.py"

  # Submit from a manifest
  foreman job submit -f job.yaml

A manifest looks like:

  command: |
    pip install -r requirements.txt
    python main.py
  bundle: ./app.zip
  requiredCpu: 2
  requiredRamMb: 512
  timeoutMs: 600000`,
	RunE: runJobSubmit,
}

var jobStatusCmd = &cobra.Command{
	Use:   "status JOB_ID",
	Short: "Show the status of a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobStatus,
}

var jobLogsCmd = &cobra.Command{
	Use:   "logs JOB_ID",
	Short: "Print the captured output of a job",
	Long: `Print the job's captured stdout to stdout and its captured stderr
to stderr, so the streams can be redirected separately.`,
	Args: cobra.ExactArgs(1),
	RunE: runJobLogs,
}

var jobCancelCmd = &cobra.Command{
	Use:   "cancel JOB_ID",
	Short: "Cancel a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobCancel,
}

var jobListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs",
	RunE:  runJobList,
}

var jobResultCmd = &cobra.Command{
	Use:   "result JOB_ID",
	Short: "Download the result archive of a finished job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobResult,
}

func init() {
	jobCmd.PersistentFlags().String("server", "http://localhost:8080", "Dispatcher address")

	jobSubmitCmd.Flags().StringP("file", "f", "", "YAML job manifest")
	jobSubmitCmd.Flags().String("bundle", "", "Bundle archive (zip or tar.gz)")
	jobSubmitCmd.Flags().String("command", "", "Command sequence, one command per line")
	jobSubmitCmd.Flags().Float64("cpu", 0, "Required CPU cores (0 uses the server default)")
	jobSubmitCmd.Flags().Int64("ram", 0, "Required RAM in MB (0 uses the server default)")
	jobSubmitCmd.Flags().Int64("timeout", 0, "Execution timeout in ms (0 uses the server default)")
	jobSubmitCmd.Flags().Int("max-retries", 0, "Retry budget (0 uses the server default)")

	jobResultCmd.Flags().StringP("output", "o", "", "Output path (defaults to the archive name)")

	jobCmd.AddCommand(jobSubmitCmd)
	jobCmd.AddCommand(jobStatusCmd)
	jobCmd.AddCommand(jobLogsCmd)
	jobCmd.AddCommand(jobCancelCmd)
	jobCmd.AddCommand(jobListCmd)
	jobCmd.AddCommand(jobResultCmd)
}

// jobManifest is the YAML shape accepted by job submit -f. Field names
// match the API's camelCase keys.
type jobManifest struct {
	Command       string  `yaml:"command"`
	Bundle        string  `yaml:"bundle"`
	RequiredCPU   float64 `yaml:"requiredCpu"`
	RequiredRAMMB int64   `yaml:"requiredRamMb"`
	TimeoutMs     int64   `yaml:"timeoutMs"`
	MaxRetries    int     `yaml:"maxRetries"`
}

func runJobSubmit(cmd *cobra.Command, args []string) error {
	manifestPath, _ := cmd.Flags().GetString("file")

	var m jobManifest
	if manifestPath != "" {
		data, err := os.ReadFile(manifestPath)
		if err != nil {
			return fmt.Errorf("failed to read manifest: %v", err)
		}
		if err := yaml.Unmarshal(data, &m); err != nil {
			return fmt.Errorf("failed to parse manifest: %v", err)
		}
		// Manifest bundle paths resolve relative to the manifest file.
		if m.Bundle != "" && !filepath.IsAbs(m.Bundle) {
			m.Bundle = filepath.Join(filepath.Dir(manifestPath), m.Bundle)
		}
	}

	// Flags override the manifest.
	if v, _ := cmd.Flags().GetString("command"); v != "" {
		m.Command = v
	}
	if v, _ := cmd.Flags().GetString("bundle"); v != "" {
		m.Bundle = v
	}
	if v, _ := cmd.Flags().GetFloat64("cpu"); v > 0 {
		m.RequiredCPU = v
	}
	if v, _ := cmd.Flags().GetInt64("ram"); v > 0 {
		m.RequiredRAMMB = v
	}
	if v, _ := cmd.Flags().GetInt64("timeout"); v > 0 {
		m.TimeoutMs = v
	}
	if v, _ := cmd.Flags().GetInt("max-retries"); v > 0 {
		m.MaxRetries = v
	}

	if m.Command == "" {
		return fmt.Errorf("a command is required (--command or manifest)")
	}
	if m.Bundle == "" {
		return fmt.Errorf("a bundle archive is required (--bundle or manifest)")
	}

	c := dispatcherClient(cmd)
	ctx := cmd.Context()

	// Upload the bundle first; the job references it by ref.
	f, err := os.Open(m.Bundle)
	if err != nil {
		return fmt.Errorf("failed to open bundle: %v", err)
	}
	meta, err := c.Blobs().Put(ctx, filepath.Base(m.Bundle), bundleContentType(m.Bundle), f)
	f.Close()
	if err != nil {
		return fmt.Errorf("failed to upload bundle: %v", err)
	}
	fmt.Printf("✓ Bundle uploaded: %s (%d bytes)\n", meta.Name, meta.Size)

	jobID, err := c.CreateJob(ctx, &types.CreateJobRequest{
		Command:       m.Command,
		BundleRef:     meta.Ref,
		BundleName:    meta.Name,
		RequiredCPU:   m.RequiredCPU,
		RequiredRAMMB: m.RequiredRAMMB,
		TimeoutMs:     m.TimeoutMs,
		MaxRetries:    m.MaxRetries,
	})
	if err != nil {
		return fmt.Errorf("failed to submit job: %v", err)
	}

	fmt.Printf("✓ Job submitted: %s\n", jobID)
	return nil
}

func runJobStatus(cmd *cobra.Command, args []string) error {
	c := dispatcherClient(cmd)
	job, err := c.JobStatus(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("failed to get job: %v", err)
	}

	fmt.Printf("Job:       %s\n", job.JobID)
	fmt.Printf("Status:    %s\n", job.Status)
	fmt.Printf("Attempts:  %d/%d\n", job.Attempts, job.MaxRetries)
	if job.AssignedWorkerID != "" {
		fmt.Printf("Worker:    %s\n", job.AssignedWorkerID)
	}
	if job.ExitCode != nil {
		fmt.Printf("Exit Code: %d\n", *job.ExitCode)
	}
	if job.ErrorMessage != "" {
		fmt.Printf("Error:     %s\n", job.ErrorMessage)
	}
	if job.ResultRef != "" {
		fmt.Printf("Result:    %s (%s)\n", job.ResultName, job.ResultRef)
	}
	fmt.Printf("Created:   %s\n", formatMillis(job.CreatedAt))
	if job.StartedAt != 0 {
		fmt.Printf("Started:   %s\n", formatMillis(job.StartedAt))
	}
	if job.CompletedAt != 0 {
		fmt.Printf("Finished:  %s\n", formatMillis(job.CompletedAt))
	}
	return nil
}

func runJobLogs(cmd *cobra.Command, args []string) error {
	c := dispatcherClient(cmd)
	job, err := c.JobStatus(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("failed to get job: %v", err)
	}

	if job.Stdout != "" {
		fmt.Fprint(os.Stdout, job.Stdout)
	}
	if job.Stderr != "" {
		fmt.Fprint(os.Stderr, job.Stderr)
	}
	return nil
}

func runJobCancel(cmd *cobra.Command, args []string) error {
	c := dispatcherClient(cmd)
	resp, err := c.CancelJob(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("failed to cancel job: %v", err)
	}
	fmt.Printf("✓ %s\n", resp.Message)
	return nil
}

func runJobList(cmd *cobra.Command, args []string) error {
	c := dispatcherClient(cmd)
	resp, err := c.ListJobs(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to list jobs: %v", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "JOB ID\tSTATUS\tWORKER\tATTEMPTS\tEXIT\tAGE\tCOMMAND")
	for _, job := range resp.Jobs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			job.JobID,
			job.Status,
			orDash(job.AssignedWorkerID),
			job.Attempts,
			formatExit(job.ExitCode),
			age(job.CreatedAt),
			firstLine(job.Command, 40),
		)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Printf("\n%d jobs\n", resp.Total)
	return nil
}

func runJobResult(cmd *cobra.Command, args []string) error {
	c := dispatcherClient(cmd)
	ctx := cmd.Context()

	job, err := c.JobStatus(ctx, args[0])
	if err != nil {
		return fmt.Errorf("failed to get job: %v", err)
	}
	if job.ResultRef == "" {
		return fmt.Errorf("job %s has no result archive (status %s)", job.JobID, job.Status)
	}

	rc, meta, err := c.Blobs().Get(ctx, job.ResultRef)
	if err != nil {
		return fmt.Errorf("failed to download result: %v", err)
	}
	defer rc.Close()

	out, _ := cmd.Flags().GetString("output")
	if out == "" {
		out = meta.Name
	}
	f, err := os.Create(out)
	if err != nil {
		return fmt.Errorf("failed to create %s: %v", out, err)
	}
	n, err := io.Copy(f, rc)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("failed to write %s: %v", out, err)
	}

	fmt.Printf("✓ Result saved: %s (%d bytes)\n", out, n)
	return nil
}

// dispatcherClient builds a protocol client from the --server flag.
func dispatcherClient(cmd *cobra.Command) *client.Client {
	addr, _ := cmd.Flags().GetString("server")
	return client.NewClient(addr)
}

func bundleContentType(path string) string {
	switch {
	case strings.HasSuffix(path, ".zip"):
		return "application/zip"
	case strings.HasSuffix(path, ".tar.gz"), strings.HasSuffix(path, ".tgz"):
		return "application/gzip"
	default:
		return "application/octet-stream"
	}
}

func formatMillis(ms int64) string {
	if ms == 0 {
		return "-"
	}
	return time.UnixMilli(ms).Local().Format(time.RFC3339)
}

// age renders an epoch-millis timestamp as elapsed time.
func age(ms int64) string {
	if ms == 0 {
		return "-"
	}
	d := time.Since(time.UnixMilli(ms)).Round(time.Second)
	if d < 0 {
		d = 0
	}
	return d.String()
}

func formatExit(code *int) string {
	if code == nil {
		return "-"
	}
	return strconv.Itoa(*code)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// firstLine truncates a command sequence to its first line for tables.
func firstLine(s string, max int) string {
	line := strings.SplitN(strings.TrimSpace(s), "\n", 2)[0]
	if len(line) > max {
		return line[:max-3] + "..."
	}
	return line
}
