package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v3"

	"github.com/DeusData/codebase-search-mcp/internal/config"
	"github.com/DeusData/codebase-search-mcp/internal/embedding"
	"github.com/DeusData/codebase-search-mcp/internal/generation"
	"github.com/DeusData/codebase-search-mcp/internal/query"
	"github.com/DeusData/codebase-search-mcp/internal/store"
	"github.com/DeusData/codebase-search-mcp/internal/tools"
)

// app is the wired runtime shared by every command.
type app struct {
	cfg    *config.Config
	router *store.Router
	ctrl   *generation.Controller
}

func loadConfig(cmd *cli.Command) (*config.Config, error) {
	path := cmd.String("config")
	if path == "" {
		path = config.DefaultPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	level, err := cfg.EffectiveLogLevel()
	if err != nil {
		return nil, err
	}
	// stdout carries the MCP transport.
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	return cfg, nil
}

// newApp wires the controller. Watching follows the config only when serving.
func newApp(cmd *cli.Command, serve bool) (*app, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	router, err := store.NewRouter(cfg.CacheDir)
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}

	opts := generation.Options{
		Open: func(repo string) (generation.Persister, error) {
			st, err := router.ForRepository(repo)
			if err != nil {
				return nil, err
			}
			return st, nil
		},
		Parallelism: cfg.Index.Parallelism,
		Watch:       serve && cfg.EffectiveWatch(),
		Tracker:     cfg.TrackerOptions(),
		Discover:    cfg.DiscoverOptions(),
	}
	if backend := cfg.Backend(); backend != nil {
		iopts := cfg.IndexerOptions()
		opts.NewIndexer = func(cache embedding.Cache) *embedding.Indexer {
			return embedding.NewIndexer(backend, cache, iopts)
		}
		slog.Info("embedding.backend", "provider", cfg.Embedding.Provider, "model", backend.Model())
	}
	return &app{cfg: cfg, router: router, ctrl: generation.New(opts)}, nil
}

func (a *app) Close() {
	a.ctrl.Close()
	a.router.CloseAll()
}

// restore registers every repository with a database in the cache directory
// and every repository named in the config. Each is restored from its last
// generation and rescanned.
func (a *app) restore(ctx context.Context) {
	names, err := a.router.Names()
	if err != nil {
		slog.Warn("restore.list", "err", err)
	}
	for _, name := range names {
		st, err := a.router.ForRepository(name)
		if err != nil {
			slog.Warn("restore.open", "repo", name, "err", err)
			continue
		}
		rec, err := st.GetRepository(ctx, name)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				slog.Warn("restore.repo", "repo", name, "err", err)
			}
			continue
		}
		if err := a.ctrl.AddRepository(ctx, rec.Name, rec.RootPath); err != nil {
			slog.Warn("restore.add", "repo", name, "err", err)
		}
	}
	for _, r := range a.cfg.Repositories {
		root, err := filepath.Abs(r.Path)
		if err != nil {
			slog.Warn("restore.path", "path", r.Path, "err", err)
			continue
		}
		name := r.Name
		if name == "" {
			name = generation.RepoNameFromPath(root)
		}
		if err := a.ctrl.AddRepository(ctx, name, root); err != nil {
			slog.Warn("restore.add", "repo", name, "err", err)
		}
	}
}

func serveAction(ctx context.Context, cmd *cli.Command) error {
	a, err := newApp(cmd, true)
	if err != nil {
		return err
	}
	defer a.Close()
	a.restore(ctx)

	srv := tools.NewServer(a.ctrl, a.cfg.QueryOptions(), version)
	slog.Info("server.start", "version", version, "repos", len(a.ctrl.Repositories()))
	if err := srv.MCPServer().Run(ctx, &mcp.StdioTransport{}); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}

func indexAction(ctx context.Context, cmd *cli.Command) error {
	if cmd.Args().Len() != 1 {
		return errors.New("usage: index <path>")
	}
	root, err := filepath.Abs(cmd.Args().First())
	if err != nil {
		return err
	}
	if info, err := os.Stat(root); err != nil || !info.IsDir() {
		return fmt.Errorf("not a directory: %s", root)
	}
	name := cmd.String("name")
	if name == "" {
		name = generation.RepoNameFromPath(root)
	}

	a, err := newApp(cmd, false)
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.ctrl.AddRepository(ctx, name, root); err != nil {
		return err
	}
	if err := a.ctrl.WaitIdle(ctx, name); err != nil {
		return err
	}
	st, err := a.ctrl.Status(name)
	if err != nil {
		return err
	}
	if st.LastError != "" {
		return fmt.Errorf("index %s: %s", name, st.LastError)
	}
	return printJSON(cmd, st)
}

func queryAction(ctx context.Context, cmd *cli.Command) error {
	if cmd.Args().Len() == 0 {
		return errors.New("usage: query <expression>")
	}
	expr, err := query.Parse(strings.Join(cmd.Args().Slice(), " "))
	if err != nil {
		return err
	}

	a, err := newApp(cmd, false)
	if err != nil {
		return err
	}
	defer a.Close()
	a.restore(ctx)
	for _, name := range a.ctrl.Repositories() {
		if err := a.ctrl.WaitIdle(ctx, name); err != nil {
			return err
		}
	}

	engine := query.New(a.ctrl, a.cfg.QueryOptions())
	resp, err := engine.Search(ctx, expr, query.Scope{
		Repos:        cmd.StringSlice("repo"),
		PreviewCount: int(cmd.Int("preview")),
	})
	if err != nil {
		return err
	}
	return printJSON(cmd, resp)
}

func statusAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	router, err := store.NewRouter(cfg.CacheDir)
	if err != nil {
		return err
	}
	defer router.CloseAll()

	names, err := router.Names()
	if err != nil {
		return err
	}
	table := tablewriter.NewWriter(cmd.Root().Writer)
	table.Header("Repository", "Root", "Generation", "Commit", "Embeddings", "Updated")
	for _, name := range names {
		st, err := router.ForRepository(name)
		if err != nil {
			return err
		}
		rec, err := st.GetRepository(ctx, name)
		if err != nil {
			slog.Warn("status.repo", "repo", name, "err", err)
			continue
		}
		vectors, err := st.CountEmbeddings(ctx, cfg.Embedding.Model)
		if err != nil {
			return err
		}
		if err := table.Append(rec.Name, rec.RootPath, fmt.Sprint(rec.CurrentGeneration),
			shortCommit(rec.LastCommit), fmt.Sprint(vectors), rec.UpdatedAt); err != nil {
			return err
		}
	}
	return table.Render()
}

func removeAction(ctx context.Context, cmd *cli.Command) error {
	if cmd.Args().Len() != 1 {
		return errors.New("usage: remove <name>")
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	router, err := store.NewRouter(cfg.CacheDir)
	if err != nil {
		return err
	}
	defer router.CloseAll()
	return router.DeleteRepository(cmd.Args().First())
}

func printJSON(cmd *cli.Command, v any) error {
	enc := json.NewEncoder(cmd.Root().Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func shortCommit(c string) string {
	if len(c) > 12 {
		return c[:12]
	}
	return c
}
