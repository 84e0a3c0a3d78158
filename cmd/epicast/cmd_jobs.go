package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/epicast/epicast-go/pkg/models"
)

var jobsListFlags struct {
	disease string
	status  string
}

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and manage training jobs",
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs, newest first",
	Args:  cobra.NoArgs,
	RunE:  runJobsList,
}

var jobsGetCmd = &cobra.Command{
	Use:   "get <job-id>",
	Short: "Show one job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsGet,
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Request cooperative cancellation of a running job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsCancel,
}

func init() {
	f := jobsListCmd.Flags()
	f.StringVar(&jobsListFlags.disease, "disease", "", "Filter by disease")
	f.StringVar(&jobsListFlags.status, "status", "", "Filter by status (PENDING, TRAINING, ...)")
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsGetCmd)
	jobsCmd.AddCommand(jobsCancelCmd)
}

func runJobsList(cmd *cobra.Command, args []string) error {
	s, err := openStores()
	if err != nil {
		return err
	}
	defer s.Close()

	jobs, err := s.jobs.List(cmd.Context(), jobsListFlags.disease, models.JobStatus(jobsListFlags.status))
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%-36s %-12s %-12s %-8s %s\n", "id", "disease", "status", "model", "submitted")
	for _, job := range jobs {
		model := "-"
		if job.ModelVersion != nil {
			model = fmt.Sprintf("v%d", *job.ModelVersion)
		}
		fmt.Fprintf(out, "%-36s %-12s %-12s %-8s %s\n",
			job.ID, job.Disease, job.Status, model,
			job.SubmittedAt.Format("2006-01-02 15:04:05"))
	}
	return nil
}

func runJobsGet(cmd *cobra.Command, args []string) error {
	s, err := openStores()
	if err != nil {
		return err
	}
	defer s.Close()

	job, err := s.jobs.Get(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	printJob(cmd, job)
	return nil
}

func runJobsCancel(cmd *cobra.Command, args []string) error {
	s, err := openStores()
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.jobs.RequestCancel(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Cancellation requested for %s\n", args[0])
	return nil
}
