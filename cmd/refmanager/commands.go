package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"refmanager/api/internal/references"
)

func newLoginCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "login <display name>",
		Short: "Sign in and save the session token",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := c.client()
			if err != nil {
				return err
			}
			result, err := client.Login(cmd.Context(), strings.Join(args, " "))
			if err != nil {
				return err
			}
			c.v.Set(keyToken, result.Token)
			c.v.Set(keyUser, result.UserName)
			if c.v.GetString(keyOrganization) == "" && len(result.Organizations) > 0 {
				c.v.Set(keyOrganization, result.Organizations[0].ID)
			}
			path, err := c.saveConfig()
			if err != nil {
				return err
			}
			fmt.Fprintf(c.out, "Logged in as %s (organization %s). Session saved to %s\n",
				result.UserName, c.v.GetString(keyOrganization), path)
			return nil
		},
	}
}

func newProjectsCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "projects",
		Short: "Show the organization's project tree",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := c.requireToken(); err != nil {
				return err
			}
			org, err := c.organization()
			if err != nil {
				return err
			}
			client, err := c.client()
			if err != nil {
				return err
			}
			projects, err := client.FetchProjects(cmd.Context(), org)
			if err != nil {
				return err
			}
			if len(projects) == 0 {
				fmt.Fprintln(c.out, "No projects.")
				return nil
			}
			printProjects(c, projects, 0)
			return nil
		},
	}
}

func printProjects(c *cli, projects []references.Project, depth int) {
	for _, p := range projects {
		visibility := ""
		if p.IsPublic {
			visibility = " (public)"
		}
		fmt.Fprintf(c.out, "%s%s  %s%s\n", strings.Repeat("  ", depth), p.ID, p.Name, visibility)
		printProjects(c, p.Children, depth+1)
	}
}

func newListCommand(c *cli) *cobra.Command {
	var projectID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List citations in the organization or one project",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := c.requireToken(); err != nil {
				return err
			}
			org, err := c.organization()
			if err != nil {
				return err
			}
			client, err := c.client()
			if err != nil {
				return err
			}
			citations, err := client.ListCitations(cmd.Context(), org, projectID)
			if err != nil {
				return err
			}
			for _, citation := range citations {
				fmt.Fprintf(c.out, "%s  %s\n", citation.ID, citation.Fields.Title)
			}
			fmt.Fprintf(c.out, "%d citation(s)\n", len(citations))
			return nil
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "only citations in this project")
	return cmd
}

func newRemoveCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <citation id>...",
		Short: "Delete citations",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.requireToken(); err != nil {
				return err
			}
			client, err := c.client()
			if err != nil {
				return err
			}
			removed, err := client.RemoveCitations(cmd.Context(), args)
			if err != nil {
				return err
			}
			fmt.Fprintf(c.out, "Removed %d citation(s)\n", removed)
			return nil
		},
	}
}
