package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"connectrpc.com/connect"
	"github.com/spf13/cobra"
	fsmv1 "github.com/superfly/fsm/gen/fsm/v1"
	"github.com/superfly/fsm/gen/fsm/v1/fsmv1connect"
	"google.golang.org/protobuf/encoding/protojson"
)

// jobsSocketName is the admin socket the job engine opens in its state directory.
const jobsSocketName = "fsm.sock"

var jobsSocket string

func newJobsClient(socket string) fsmv1connect.FSMServiceClient {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socket)
		},
	}
	return fsmv1connect.NewFSMServiceClient(&http.Client{Transport: transport}, "http://fsm")
}

// jobsClientFor resolves the job engine socket from the flags or the configuration.
func jobsClientFor() (fsmv1connect.FSMServiceClient, error) {
	if jobsSocket != "" {
		return newJobsClient(jobsSocket), nil
	}
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return newJobsClient(filepath.Join(cfg.StateDir, jobsSocketName)), nil
}

func jobsCommand(use, short string, args cobra.PositionalArgs, fn func(ctx context.Context, c fsmv1connect.FSMServiceClient, out io.Writer, args []string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  args,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := jobsClientFor()
			if err != nil {
				return err
			}
			return fn(cmd.Context(), c, cmd.OutOrStdout(), args)
		},
	}
}

func jobsCmd() *cobra.Command {
	cmd := jobsCommand("jobs", "List flash jobs that have not finished", cobra.NoArgs, runActiveJobs)
	cmd.PersistentFlags().StringVar(&jobsSocket, "jobs-socket", "", "job engine admin socket; defaults to fsm.sock in the state directory")
	cmd.AddCommand(
		jobsCommand("registered", "List the registered job types", cobra.NoArgs, runRegisteredJobs),
		jobsCommand("history <run-version>", "Show the last recorded event of a job", cobra.ExactArgs(1), runJobHistory),
	)
	return cmd
}

func runActiveJobs(ctx context.Context, c fsmv1connect.FSMServiceClient, out io.Writer, _ []string) error {
	resp, err := c.ListActive(ctx, connect.NewRequest(&fsmv1.ListActiveRequest{}))
	if err != nil {
		return fmt.Errorf("failed to list jobs: %w", err)
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN VERSION\tID\tACTION\tSTATE\tSTEP\tQUEUE\tERROR")
	for _, job := range resp.Msg.GetActive() {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			job.GetVersion(), job.GetId(), job.GetAction(), runState(job.GetRunState()),
			job.GetCurrentState(), dash(job.GetQueue()), dash(job.GetError()))
	}
	return tw.Flush()
}

func runRegisteredJobs(ctx context.Context, c fsmv1connect.FSMServiceClient, out io.Writer, _ []string) error {
	resp, err := c.ListRegistered(ctx, connect.NewRequest(&fsmv1.ListRegisteredRequest{}))
	if err != nil {
		return fmt.Errorf("failed to list job types: %w", err)
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ACTION\tTYPE\tSTEPS")
	for _, f := range resp.Msg.GetFsms() {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", f.GetAction(), f.GetAlias(), strings.Join(f.GetTransitions(), " > "))
	}
	return tw.Flush()
}

func runJobHistory(ctx context.Context, c fsmv1connect.FSMServiceClient, out io.Writer, args []string) error {
	resp, err := c.GetHistoryEvent(ctx, connect.NewRequest(&fsmv1.GetHistoryEventRequest{RunVersion: args[0]}))
	if err != nil {
		return fmt.Errorf("failed to read job %s: %w", args[0], err)
	}
	b, err := protojson.MarshalOptions{Multiline: true}.Marshal(resp.Msg)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, string(b))
	return err
}

func runState(s fsmv1.RunState) string {
	return strings.ToLower(strings.TrimPrefix(s.String(), "RUN_STATE_"))
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
