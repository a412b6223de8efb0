package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/pslog"
	"pkt.systems/termwire/internal/appconfig"
	"pkt.systems/termwire/internal/directory"
	"pkt.systems/termwire/schema"
)

func newSessionsCmd() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "sessions [project]",
		Short: "List projects and sessions known to the gateway",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := pslog.Ctx(cmd.Context())
			cfg, err := appconfig.Load(cfgPath)
			if err != nil {
				return err
			}
			token, err := storedToken(cfg, logger)
			if err != nil {
				return err
			}

			dir := directory.NewClient(cfg.Gateway.BaseURL,
				directory.WithToken(token),
				directory.WithLogger(logger))
			if err := dir.Refresh(cmd.Context()); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(args) > 0 {
				project, err := dir.Project(args[0])
				if err != nil {
					return err
				}
				printProject(out, project)
				return nil
			}

			projects := dir.Projects()
			if len(projects) == 0 {
				_, _ = fmt.Fprintln(out, "no projects")
				return nil
			}
			for _, project := range projects {
				printProject(out, project)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	return cmd
}

func printProject(w io.Writer, project schema.Project) {
	_, _ = fmt.Fprintf(w, "%s  %s\n", project.Name, project.Path)
	for _, session := range project.Sessions {
		_, _ = fmt.Fprintf(w, "  %s  %s  %s\n", session.ID, sessionAge(session, time.Now()), session.Summary)
	}
}

// sessionAge renders the time since last activity, coarsely.
func sessionAge(session schema.Session, now time.Time) string {
	if session.LastActivity.IsZero() {
		return "-"
	}
	age := now.Sub(session.LastActivity)
	switch {
	case age < time.Minute:
		return "now"
	case age < time.Hour:
		return fmt.Sprintf("%dm", int(age.Minutes()))
	case age < 24*time.Hour:
		return fmt.Sprintf("%dh", int(age.Hours()))
	default:
		return fmt.Sprintf("%dd", int(age.Hours()/24))
	}
}
