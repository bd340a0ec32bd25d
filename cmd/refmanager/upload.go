package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"refmanager/api/internal/references"
)

func newUploadCommand(c *cli) *cobra.Command {
	var (
		projectID string
		timeout   time.Duration
		parallel  int
	)
	cmd := &cobra.Command{
		Use:   "upload <file.pdf>...",
		Short: "Upload PDFs and wait until the server has turned them into citations",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.requireToken(); err != nil {
				return err
			}
			org, err := c.organization()
			if err != nil {
				return err
			}
			files, err := references.FilesFromPaths(args)
			if err != nil {
				return err
			}
			return c.upload(cmd.Context(), org, projectID, files, parallel, timeout)
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project to upload into (default: first project)")
	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "how long to wait for server events")
	cmd.Flags().IntVar(&parallel, "parallel", 4, "simultaneous uploads")
	return cmd
}

func (c *cli) upload(ctx context.Context, org, projectID string, files []references.File, parallel int, timeout time.Duration) error {
	client, err := c.client()
	if err != nil {
		return err
	}
	projects, err := client.FetchProjects(ctx, org)
	if err != nil {
		return err
	}
	if projectID == "" && len(projects) > 0 {
		projectID = projects[0].ID
	}
	active := references.ResolveActiveProject(projects, projectID)
	if active.ProjectID == "" {
		return fmt.Errorf("project %q not found in organization %s", projectID, org)
	}

	ledger := references.NewLedger()
	existing, err := client.ListCitations(ctx, org, active.ProjectID)
	if err != nil {
		return err
	}
	ledger.Seed(existing)

	tray := references.NewTray(time.Now)
	notes := references.MultiNotifier{
		tray,
		references.LogNotifier{Logger: c.logger},
		references.NotifierFunc(func(n references.Notification) { fmt.Fprintln(c.out, n.Message) }),
	}

	// Subscribe before uploading so no event for these files can be missed.
	src, err := references.DialEvents(ctx, client.BaseURL(), org, client.Token())
	if err != nil {
		return err
	}
	defer src.Close()

	streamCtx, stopStream := context.WithCancel(ctx)
	defer stopStream()
	reconciler := references.NewReconciler(ledger, notes, c.logger)
	streamDone := make(chan error, 1)
	go func() { streamDone <- reconciler.Run(streamCtx, src) }()

	settled := make(chan struct{})
	var settleOnce sync.Once
	settle := func() { settleOnce.Do(func() { close(settled) }) }
	unsubscribe := ledger.Subscribe(func(entries []references.Entry) {
		for _, e := range entries {
			if e.Loading() {
				return
			}
		}
		settle()
	})
	defer unsubscribe()

	controller := references.NewController(references.ControllerConfig{
		Ledger:        ledger,
		Issuer:        client,
		Notifier:      notes,
		Target:        references.Target{OrganizationID: org, ProjectID: active.ProjectID},
		MaxConcurrent: parallel,
		Logger:        c.logger,
	})
	defer controller.Close()

	fmt.Fprintf(c.out, "Uploading %d file(s) to %s\n", len(files), active.ProjectName)
	controller.HandleFileDrop(ctx, files)
	controller.Wait()
	if ledger.Pending() == 0 {
		settle()
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	var waitErr error
	select {
	case <-settled:
	case <-timer.C:
		waitErr = fmt.Errorf("timed out with %d upload(s) still processing", ledger.Pending())
	case err := <-streamDone:
		if err == nil {
			err = errors.New("event stream closed")
		}
		waitErr = fmt.Errorf("event stream ended with %d upload(s) pending: %w", ledger.Pending(), err)
	case <-ctx.Done():
		waitErr = ctx.Err()
	}
	stopStream()

	stats := reconciler.Stats()
	fmt.Fprintf(c.out, "Created %d, duplicates %d, library now holds %d citation(s)\n",
		stats.Finalized, stats.Removed+stats.Notified, ledger.Len()-ledger.Pending())
	return waitErr
}
