// Command agenda is the control-plane and operator CLI for the job
// scheduler: "agenda serve" starts a REST control-plane node (spec §6.5)
// against a configured repository with no job definitions of its own, and
// the "job"/"template" subcommands drive that control plane over HTTP
// (pkg/client), the same root-command-plus-Flags-struct shape as the
// teacher's cmd/provisr.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/loykin/agenda/pkg/agenda"
)

func runServe(f RunFlags) error {
	cfg, err := agenda.LoadConfig(f.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	a, err := agenda.New(cfg)
	if err != nil {
		return fmt.Errorf("construct agenda: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.Start(ctx); err != nil {
		return fmt.Errorf("start: %w", err)
	}

	var srv interface{ Close() error }
	switch {
	case cfg.Server == nil:
		return fmt.Errorf("config: no [server] section configured")
	case cfg.Server.TLS != nil && cfg.Server.TLS.Enabled:
		s, err := a.NewTLSServer(cfg)
		if err != nil {
			return fmt.Errorf("start TLS server: %w", err)
		}
		srv = s
	default:
		s, err := a.NewServer(cfg.Server.Listen, cfg.Server.BasePath)
		if err != nil {
			return fmt.Errorf("start server: %w", err)
		}
		srv = s
	}

	fmt.Printf("agenda control plane listening on %s\n", cfg.Server.Listen)
	<-ctx.Done()
	fmt.Println("shutting down")
	_ = srv.Close()
	return a.Stop(context.Background(), false)
}

func main() {
	c := &command{}
	var configPath string

	root := &cobra.Command{Use: "agenda", Short: "Operate the agenda job scheduler"}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start a control-plane node against the configured repository",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(RunFlags{ConfigPath: configPath})
		},
	}
	serveCmd.Flags().StringVar(&configPath, "config", "agenda.toml", "path to worker configuration file")
	root.AddCommand(serveCmd)

	root.AddCommand(jobCommand(c), templateCommand(c))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func jobCommand(c *command) *cobra.Command {
	var server, authToken string
	job := &cobra.Command{Use: "job", Short: "Manage job records on a running control plane"}
	job.PersistentFlags().StringVar(&server, "server", "http://localhost:8080", "control plane base URL")
	job.PersistentFlags().StringVar(&authToken, "token", "", "bearer token, if the server requires authentication")

	var file, name string
	save := &cobra.Command{
		Use:   "save",
		Short: "Create or update a job from a JSON file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.JobSave(JobSaveFlags{Server: server, AuthToken: authToken, File: file, Name: name})
		},
	}
	save.Flags().StringVar(&file, "file", "", "path to a job record JSON file")
	save.Flags().StringVar(&name, "name", "", "override the record's name")
	_ = save.MarkFlagRequired("file")

	var queryName string
	var tags []string
	var disabled bool
	var limit, skip int
	list := &cobra.Command{
		Use:   "list",
		Short: "List jobs matching a filter",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.JobList(JobQueryFlags{Server: server, AuthToken: authToken, Name: queryName, Tag: tags, Disabled: disabled, Limit: limit, Skip: skip})
		},
	}
	list.Flags().StringVar(&queryName, "name", "", "filter by name")
	list.Flags().StringSliceVar(&tags, "tag", nil, "filter by tag (repeatable)")
	list.Flags().BoolVar(&disabled, "disabled", false, "only disabled jobs")
	list.Flags().IntVar(&limit, "limit", 0, "maximum records to return")
	list.Flags().IntVar(&skip, "skip", 0, "records to skip")

	var id string
	get := &cobra.Command{
		Use:   "get",
		Short: "Fetch a single job by id",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.JobGet(JobIDFlags{Server: server, AuthToken: authToken, ID: id})
		},
	}
	get.Flags().StringVar(&id, "id", "", "job id")
	_ = get.MarkFlagRequired("id")

	now := &cobra.Command{
		Use:   "now",
		Short: "Run a job immediately, bypassing its schedule",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.JobNow(JobIDFlags{Server: server, AuthToken: authToken, ID: id})
		},
	}
	now.Flags().StringVar(&id, "id", "", "job id")
	_ = now.MarkFlagRequired("id")

	disable := &cobra.Command{
		Use:   "disable",
		Short: "Disable jobs matching a filter",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.JobDisable(JobQueryFlags{Server: server, AuthToken: authToken, Name: queryName, Tag: tags})
		},
	}
	disable.Flags().StringVar(&queryName, "name", "", "filter by name")
	disable.Flags().StringSliceVar(&tags, "tag", nil, "filter by tag (repeatable)")

	enable := &cobra.Command{
		Use:   "enable",
		Short: "Enable jobs matching a filter",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.JobEnable(JobQueryFlags{Server: server, AuthToken: authToken, Name: queryName, Tag: tags})
		},
	}
	enable.Flags().StringVar(&queryName, "name", "", "filter by name")
	enable.Flags().StringSliceVar(&tags, "tag", nil, "filter by tag (repeatable)")

	purge := &cobra.Command{
		Use:   "purge",
		Short: "Delete jobs matching a filter",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.JobPurge(JobQueryFlags{Server: server, AuthToken: authToken, Name: queryName, Tag: tags})
		},
	}
	purge.Flags().StringVar(&queryName, "name", "", "filter by name")
	purge.Flags().StringSliceVar(&tags, "tag", nil, "filter by tag (repeatable)")

	queue := &cobra.Command{
		Use:   "queue",
		Short: "Report the leased, not-yet-dispatched queue depth for a definition",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.QueueDepth(JobIDFlags{Server: server, AuthToken: authToken, ID: name})
		},
	}
	queue.Flags().StringVar(&name, "name", "", "definition name")
	_ = queue.MarkFlagRequired("name")

	job.AddCommand(save, list, get, now, disable, enable, purge, queue)
	return job
}

func templateCommand(c *command) *cobra.Command {
	var f TemplateCreateFlags
	tmpl := &cobra.Command{Use: "template", Short: "Generate job definition templates"}
	create := &cobra.Command{
		Use:   "create",
		Short: "Write a sample job record for one of the built-in template types",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.TemplateCreate(f)
		},
	}
	create.Flags().StringVar(&f.Type, "type", "once", "template type: once, interval, daily, singleton, high-priority")
	create.Flags().StringVar(&f.Name, "name", "", "job name (defaults to <type>-sample)")
	create.Flags().StringVar(&f.Output, "output", "", "output file path (defaults to templates/<name>.json)")
	create.Flags().BoolVar(&f.Force, "force", false, "overwrite an existing file")
	tmpl.AddCommand(create)
	return tmpl
}
