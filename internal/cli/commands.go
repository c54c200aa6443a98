package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/dshills/tagindex/internal/indexer"
	"github.com/dshills/tagindex/internal/searcher"
	"github.com/dshills/tagindex/internal/storage"
	"github.com/dshills/tagindex/pkg/types"
)

func newServeCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the MCP tools on stdio",
		Long: `Serve the MCP tools on stdio. Logs go to stderr; stdout is reserved for the
protocol. With a schedule configured, every known scope is refreshed on it.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, app *App) error {
				if spec := app.Config.Schedule; spec != "" {
					sched, err := app.Engine.Schedule(spec)
					if err != nil {
						return err
					}
					defer sched.Stop()
				}
				srv, err := app.MCPServer()
				if err != nil {
					return err
				}
				return srv.Serve(ctx)
			})
		},
	}
}

// scopeArg resolves the directory argument and the --branch flag
func scopeArg(args []string, branch string) (types.Scope, error) {
	dir := "."
	if len(args) > 0 {
		dir = args[0]
	}
	return indexer.ScopeFor(dir, branch)
}

func newRefreshCmd(opts *options) *cobra.Command {
	var (
		branch string
		file   string
		quiet  bool
	)
	cmd := &cobra.Command{
		Use:   "refresh [dir]",
		Short: "Bring every index up to date with a directory",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			scope, err := scopeArg(args, branch)
			if err != nil {
				return err
			}
			return opts.withApp(cmd, func(ctx context.Context, app *App) error {
				var stream *indexer.RefreshStream
				if file != "" {
					stream, err = app.Engine.RefreshFile(ctx, scope, file)
				} else {
					stream, err = app.Engine.Refresh(ctx, scope)
				}
				if err != nil {
					return err
				}
				for {
					ev, ok := stream.Next(ctx)
					if !ok {
						break
					}
					if !quiet {
						printProgress(cmd.ErrOrStderr(), ev)
					}
				}
				summary, err := stream.Wait()
				printSummary(cmd.OutOrStdout(), summary)
				if err != nil {
					return err
				}
				if summary.Status == types.StatusCancelled {
					return context.Canceled
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&branch, "branch", "", "branch tag (default is the checked out branch)")
	cmd.Flags().StringVar(&file, "file", "", "refresh only this file")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "do not print progress events")
	return cmd
}

func printProgress(w io.Writer, ev types.Progress) {
	name := ev.Backend
	if name == "" {
		name = "engine"
	}
	line := fmt.Sprintf("%-10s %-9s %3.0f%%", name, ev.Status, ev.FractionDone*100)
	if ev.Description != "" {
		line += " " + ev.Description
	}
	for _, warn := range ev.Warnings {
		line += fmt.Sprintf("\n           warning: %s: %s", warn.Path, warn.Message)
	}
	_, _ = fmt.Fprintln(w, line)
}

func printSummary(w io.Writer, s *types.Summary) {
	_, _ = fmt.Fprintf(w, "Scope: %s\n", s.Scope.Key())
	_, _ = fmt.Fprintf(w, "Status: %s\n", s.Status)
	_, _ = fmt.Fprintf(w, "Files: %d", s.Files)
	if s.Truncated {
		_, _ = fmt.Fprint(w, " (truncated)")
	}
	_, _ = fmt.Fprintf(w, "\nDuration: %s\n", s.Duration.Round(time.Millisecond))
	for _, b := range s.Backends {
		_, _ = fmt.Fprintf(w, "  %-10s %-9s computed=%d added=%d removed=%d deleted=%d unchanged=%d",
			b.Backend, b.Status, b.Computed, b.Added, b.Removed, b.Deleted, b.Unchanged)
		if b.Rebuilt {
			_, _ = fmt.Fprint(w, " rebuilt")
		}
		_, _ = fmt.Fprintln(w)
	}
	if failed := s.FailedPaths(); len(failed) > 0 {
		_, _ = fmt.Fprintf(w, "Failed paths: %s\n", strings.Join(failed, ", "))
	}
	if len(s.SkippedPaths) > 0 {
		_, _ = fmt.Fprintf(w, "Skipped paths: %s\n", strings.Join(s.SkippedPaths, ", "))
	}
}

func newWatchCmd(opts *options) *cobra.Command {
	var (
		branch   string
		debounce time.Duration
	)
	cmd := &cobra.Command{
		Use:   "watch [dir]",
		Short: "Refresh a directory whenever its files change",
		Long: `Refresh a directory whenever its files change. When the branch is taken from
the checked out one, switching branches moves the watch to the new branch.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			scope, err := scopeArg(args, branch)
			if err != nil {
				return err
			}
			return opts.withApp(cmd, func(ctx context.Context, app *App) error {
				if debounce <= 0 {
					debounce = app.Config.WatchDebounce
				}
				w, err := app.Engine.Watch(scope, debounce)
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "Watching %s (ctrl-c to stop)\n", scope.Key())
				<-ctx.Done()
				return w.Close()
			})
		},
	}
	cmd.Flags().StringVar(&branch, "branch", "", "branch tag (default is the checked out branch)")
	cmd.Flags().DurationVar(&debounce, "debounce", 0, "quiet period before a changed file is refreshed")
	return cmd
}

func newStatusCmd(opts *options) *cobra.Command {
	var branch string
	cmd := &cobra.Command{
		Use:   "status [dir]",
		Short: "Show the indexing status of a scope, or of every scope",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, app *App) error {
				var scopes []types.Scope
				if len(args) == 0 {
					all, err := app.Engine.Scopes(ctx)
					if err != nil {
						return err
					}
					if len(all) == 0 {
						_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No scopes indexed")
						return nil
					}
					scopes = all
				} else {
					scope, err := scopeArg(args, branch)
					if err != nil {
						return err
					}
					scopes = append(scopes, scope)
				}

				for _, scope := range scopes {
					status, err := app.Engine.Status(ctx, scope)
					if errors.Is(err, storage.ErrNotFound) {
						_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Scope: %s\nStatus: not indexed\n", scope.Key())
						continue
					}
					if err != nil {
						return err
					}
					printStatus(cmd.OutOrStdout(), status)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&branch, "branch", "", "branch tag (default is the checked out branch)")
	return cmd
}

func printStatus(w io.Writer, s *storage.ScopeStatus) {
	_, _ = fmt.Fprintf(w, "Scope: %s\n", s.Scope.Key())
	_, _ = fmt.Fprintf(w, "Status: %s\n", s.LastStatus)
	if !s.LastRefreshedAt.IsZero() {
		_, _ = fmt.Fprintf(w, "Last refresh: %s\n", s.LastRefreshedAt.Format(time.RFC3339))
	}
	names := make([]string, 0, len(s.Backends))
	for name := range s.Backends {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		b := s.Backends[name]
		_, _ = fmt.Fprintf(w, "  %-10s entries=%d artifacts=%d\n", name, b.Entries, b.Artifacts)
	}
}

func newPathsCmd(opts *options) *cobra.Command {
	var branch string
	cmd := &cobra.Command{
		Use:   "paths [dir]",
		Short: "List indexed paths of a scope, or of every scope",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var scopes []types.Scope
			if len(args) > 0 {
				scope, err := scopeArg(args, branch)
				if err != nil {
					return err
				}
				scopes = append(scopes, scope)
			}
			return opts.withApp(cmd, func(ctx context.Context, app *App) error {
				paths, err := app.Engine.GetIndexedPaths(ctx, scopes)
				if err != nil {
					return err
				}
				for _, p := range paths {
					_, _ = fmt.Fprintln(cmd.OutOrStdout(), p)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&branch, "branch", "", "branch tag (default is the checked out branch)")
	return cmd
}

func newSearchCmd(opts *options) *cobra.Command {
	var (
		branch string
		mode   string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search the current directory's scope",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			scope, err := scopeArg(nil, branch)
			if err != nil {
				return err
			}
			return opts.withApp(cmd, func(ctx context.Context, app *App) error {
				resp, err := app.Searcher.Search(ctx, searcher.SearchRequest{
					Query: strings.Join(args, " "),
					Scope: scope,
					Limit: limit,
					Mode:  searcher.SearchMode(mode),
				})
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				for _, r := range resp.Results {
					loc := ""
					if r.File != nil {
						loc = fmt.Sprintf("%s:%d-%d", r.File.Path, r.File.StartLine, r.File.EndLine)
					}
					_, _ = fmt.Fprintf(out, "%2d. %s (%.4f)\n", r.Rank, loc, r.RelevanceScore)
				}
				_, _ = fmt.Fprintf(out, "%d results in %s (%s)\n", resp.TotalResults, resp.Duration.Round(time.Millisecond), resp.SearchMode)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&branch, "branch", "", "branch tag (default is the checked out branch)")
	cmd.Flags().StringVar(&mode, "mode", string(searcher.SearchModeHybrid), "search mode: hybrid, vector or keyword")
	cmd.Flags().IntVar(&limit, "limit", searcher.DefaultLimit, "maximum number of results")
	return cmd
}

func newClearCmd(opts *options) *cobra.Command {
	var branch string
	cmd := &cobra.Command{
		Use:   "clear [dir]",
		Short: "Remove a scope from every index",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			scope, err := scopeArg(args, branch)
			if err != nil {
				return err
			}
			return opts.withApp(cmd, func(ctx context.Context, app *App) error {
				if err := app.Engine.Clear(ctx, scope); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Cleared %s\n", scope.Key())
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&branch, "branch", "", "branch tag (default is the checked out branch)")
	return cmd
}

func newVacuumCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "vacuum",
		Short: "Delete payloads no scope references",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, app *App) error {
				removed, err := app.Engine.Vacuum(ctx)
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Removed %d orphaned payloads\n", removed)
				return nil
			})
		},
	}
}
