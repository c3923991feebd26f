package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"tasktally/internal/app"
	"tasktally/internal/codec"
	"tasktally/internal/config"
	"tasktally/internal/domain"
	"tasktally/internal/server"
	"tasktally/internal/store"
)

var rootCmd = &cobra.Command{
	Use:   "tt",
	Short: "tasktally CLI",
	Long: `tasktally keeps a personal task list: add tasks, tick them off, filter the list
and clear what is done. State lives in the workspace (.tasktally/) and is
configured by tasktally.yml; run 'tt config init' to write the defaults.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("TASKTALLY")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("backend", "", "storage backend override (sqlite, file, memory)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("backend", rootCmd.PersistentFlags().Lookup("backend"))
}

func registerCommands() {
	rootCmd.AddCommand(addCmd())
	rootCmd.AddCommand(listCmd())
	rootCmd.AddCommand(showCmd())
	rootCmd.AddCommand(toggleCmd())
	rootCmd.AddCommand(editCmd())
	rootCmd.AddCommand(rmCmd())
	rootCmd.AddCommand(clearCompletedCmd())
	rootCmd.AddCommand(filterCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(exportCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(tokenCmd())
}

func addCmd() *cobra.Command {
	var tag string
	cmd := &cobra.Command{
		Use:   "add <title>...",
		Short: "Add a task to the top of the list",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				t, ok := ws.Store.AddTask(strings.Join(args, " "), strings.TrimSpace(tag))
				if !ok {
					return fmt.Errorf("title is required")
				}
				if viper.GetBool("json") {
					return printJSON(t)
				}
				fmt.Printf("added %s %s\n", shortID(t.ID), t.Title)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&tag, "tag", "t", "", "tag (any text; see tags in tasktally.yml for suggestions)")
	return cmd
}

func listCmd() *cobra.Command {
	var filter string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks under the current filter",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				f := ws.Store.Filter()
				if filter != "" {
					f = domain.ParseFilter(filter)
				}
				tasks := store.FilterTasks(ws.Store.Tasks(), f)
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				printTaskTable(tasks)
				st := ws.Store.Stats()
				fmt.Printf("%d of %d shown (filter: %s, %d active)\n", len(tasks), st.Total, f, st.Active)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&filter, "filter", "f", "", "all, active or completed (defaults to the stored filter)")
	return cmd
}

func showCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				id, err := resolveTaskID(ws.Store.Tasks(), args[0])
				if err != nil {
					return err
				}
				t, _ := ws.Store.Task(id)
				return printJSONOrTable(t)
			})
		},
	}
}

func toggleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "toggle <id>",
		Short: "Mark a task done or not done",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				id, err := resolveTaskID(ws.Store.Tasks(), args[0])
				if err != nil {
					return err
				}
				t, ok := ws.Store.ToggleTask(id)
				if !ok {
					return fmt.Errorf("task %s not found", args[0])
				}
				if viper.GetBool("json") {
					return printJSON(t)
				}
				fmt.Printf("%s %s\n", checkbox(t.Completed), t.Title)
				return nil
			})
		},
	}
}

func editCmd() *cobra.Command {
	var title, notes, tag string
	cmd := &cobra.Command{
		Use:   "edit <id>",
		Short: "Edit title, notes or tag",
		Long:  "Only flags given on the command line are changed. --tag \"\" clears the tag.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var e app.Edit
			if cmd.Flags().Changed("title") {
				e.Title = &title
			}
			if cmd.Flags().Changed("notes") {
				e.Notes = &notes
			}
			if cmd.Flags().Changed("tag") {
				e.Tag = &tag
			}
			if e.Title == nil && e.Notes == nil && e.Tag == nil {
				return fmt.Errorf("nothing to change: pass --title, --notes or --tag")
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				id, err := resolveTaskID(ws.Store.Tasks(), args[0])
				if err != nil {
					return err
				}
				edited, ok, err := ws.Store.EditTask(id, func(current domain.Task) (domain.Task, error) {
					return app.ApplyEdit(current, e)
				})
				if !ok {
					return fmt.Errorf("task %s not found", args[0])
				}
				if err != nil {
					return err
				}
				return printJSONOrTable(edited)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "new title")
	cmd.Flags().StringVar(&notes, "notes", "", "new notes")
	cmd.Flags().StringVar(&tag, "tag", "", "new tag")
	return cmd
}

func rmCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "rm <id>",
		Aliases: []string{"delete"},
		Short:   "Delete a task",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				id, err := resolveTaskID(ws.Store.Tasks(), args[0])
				if err != nil {
					return err
				}
				ws.Store.DeleteTask(id)
				if viper.GetBool("json") {
					return printJSON(map[string]any{"deleted": id})
				}
				fmt.Printf("deleted %s\n", shortID(id))
				return nil
			})
		},
	}
}

func clearCompletedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear-completed",
		Short: "Remove every completed task",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				n := ws.Store.ClearCompletedTasks()
				if viper.GetBool("json") {
					return printJSON(map[string]any{"removed": n})
				}
				fmt.Printf("removed %d completed %s\n", n, plural(n, "task", "tasks"))
				return nil
			})
		},
	}
}

func filterCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "filter [all|active|completed]",
		Short:     "Show or set the list filter",
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{string(domain.FilterAll), string(domain.FilterActive), string(domain.FilterCompleted)},
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				if len(args) == 1 {
					f := domain.Filter(strings.ToLower(args[0]))
					if !f.Valid() {
						return fmt.Errorf("invalid filter %q: use all, active or completed", args[0])
					}
					ws.Store.SetFilter(f)
				}
				f := ws.Store.Filter()
				if viper.GetBool("json") {
					return printJSON(map[string]any{"filter": f})
				}
				fmt.Println(f)
				return nil
			})
		},
	}
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show task counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				st := ws.Store.Stats()
				if viper.GetBool("json") {
					return printJSON(st)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Metric", "Value"})
				tw.AppendRow(table.Row{"Total", humanize.Comma(int64(st.Total))})
				tw.AppendRow(table.Row{"Active", humanize.Comma(int64(st.Active))})
				tw.AppendRow(table.Row{"Completed", humanize.Comma(int64(st.Completed))})
				tw.AppendRow(table.Row{"Times completed", humanize.Comma(int64(st.TotalCompletions))})
				tw.AppendSeparator()
				for _, tag := range sortedTags(st.ByTag, ws.Config.Tags) {
					tw.AppendRow(table.Row{"#" + tag, humanize.Comma(int64(st.ByTag[tag]))})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func exportCmd() *cobra.Command {
	var format, out string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the task document",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				st := domain.State{Tasks: ws.Store.Tasks(), Filter: ws.Store.Filter()}
				var data []byte
				var err error
				switch format {
				case "json":
					data, err = codec.Encode(st)
				case "yaml":
					data, err = codec.EncodeYAML(st)
				default:
					return fmt.Errorf("unknown format %q: use json or yaml", format)
				}
				if err != nil {
					return err
				}
				if out == "" || out == "-" {
					_, err = os.Stdout.Write(append(data, '\n'))
					return err
				}
				if err := os.WriteFile(out, data, 0o644); err != nil {
					return err
				}
				fmt.Fprintf(os.Stderr, "wrote %s to %s\n", humanize.Bytes(uint64(len(data))), out)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&format, "format", "json", "json or yaml")
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file (default stdout)")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long:  "tasktally.yml picks the storage backend and key, filter persistence, event logging, the tag palette and the API listener.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	cfg.AddCommand(configInitCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate tasktally.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default tasktally.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Every change to the list, recorded when the sqlite backend runs with events enabled.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				if ws.Events == nil {
					return fmt.Errorf("event log is off (needs storage.backend sqlite and events.enabled)")
				}
				items, err := ws.Events.Latest(ctx, n, evtType, entityID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"#", "When", "Type", "Task", "Payload"})
				for _, e := range items {
					when := e.TS
					if ts, err := time.Parse(time.RFC3339Nano, e.TS); err == nil {
						when = humanize.Time(ts)
					}
					tw.AppendRow(table.Row{e.ID, when, e.Type, shortID(e.EntityID), e.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "task id filter")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				if addr == "" {
					addr = ws.Config.Server.Addr
				}
				if basePath == "" {
					basePath = ws.Config.Server.BasePath
				}
				authCfg := server.AuthConfig{JWTSecret: viper.GetString("jwt-secret")}
				if authCfg.JWTSecret == "" {
					fmt.Fprintln(os.Stderr, "warning: TASKTALLY_JWT_SECRET not set; the API accepts unauthenticated requests")
				}
				handler, err := server.New(server.Config{
					Store:    ws.Store,
					Events:   ws.Events,
					Tags:     ws.Config.Tags,
					BasePath: basePath,
					Auth:     authCfg,
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(sctx)
				}()
				fmt.Printf("Serving tasktally API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default server.addr from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default server.base_path from config)")
	return cmd
}

func tokenCmd() *cobra.Command {
	var subject string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the API",
		Long:  "Signs an HS256 token with TASKTALLY_JWT_SECRET, the same secret 'tt serve' verifies with.",
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := server.SignToken(viper.GetString("jwt-secret"), subject, ttl)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"token": token})
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "local-user", "token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime (0 for none)")
	return cmd
}

// --- helpers ---

func withWorkspace(ctx context.Context, fn func(context.Context, *app.Workspace) error) error {
	ws, err := app.OpenWorkspace(ctx, app.OpenOptions{
		Workspace: viper.GetString("workspace"),
		Backend:   viper.GetString("backend"),
	})
	if err != nil {
		return err
	}
	if lerr := ws.Store.LoadErr(); lerr != nil {
		fmt.Fprintln(os.Stderr, "warning:", lerr)
	}
	err = fn(ctx, ws)
	timeout := ws.Config.WriteTimeout()
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	cctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if cerr := ws.Close(cctx); cerr != nil {
		err = errors.Join(err, fmt.Errorf("save tasks: %w", cerr))
	}
	return err
}

func printTaskTable(tasks []domain.Task) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "", "Title", "Tag", "Done", "Created"})
	for _, t := range tasks {
		tw.AppendRow(table.Row{
			shortID(t.ID),
			checkbox(t.Completed),
			t.Title,
			t.Tag,
			t.CompletionCount,
			humanize.Time(time.UnixMilli(t.CreatedAt)),
		})
	}
	tw.Render()
}

// resolveTaskID accepts a full id or an unambiguous prefix of one.
func resolveTaskID(tasks []domain.Task, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", fmt.Errorf("task id required")
	}
	var matches []string
	for _, t := range tasks {
		if t.ID == ref {
			return t.ID, nil
		}
		if strings.HasPrefix(t.ID, ref) {
			matches = append(matches, t.ID)
		}
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("task %s not found", ref)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("task id %s is ambiguous (%d matches)", ref, len(matches))
	}
}

// sortedTags lists palette tags first, in palette order, then any others
// alphabetically.
func sortedTags(counts map[string]int, palette []string) []string {
	out := make([]string, 0, len(counts))
	seen := map[string]bool{}
	for _, tag := range palette {
		if _, ok := counts[tag]; ok {
			out = append(out, tag)
			seen[tag] = true
		}
	}
	var rest []string
	for tag := range counts {
		if !seen[tag] {
			rest = append(rest, tag)
		}
	}
	sort.Strings(rest)
	return append(out, rest...)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func checkbox(done bool) string {
	if done {
		return "[x]"
	}
	return "[ ]"
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
