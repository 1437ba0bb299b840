// memoryd is the semantic memory daemon entrypoint: it wires the
// configuration, logger, embedding service, vector store (with the
// read-only decorator under the flag), and the memory services, and
// exposes the run-once background passes as subcommands.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/emmilco/claude-memory-server-sub004/internal/config"
	"github.com/emmilco/claude-memory-server-sub004/internal/consolidation"
	"github.com/emmilco/claude-memory-server-sub004/internal/embeddings"
	"github.com/emmilco/claude-memory-server-sub004/internal/githistory"
	"github.com/emmilco/claude-memory-server-sub004/internal/indexer"
	"github.com/emmilco/claude-memory-server-sub004/internal/lifecycle"
	"github.com/emmilco/claude-memory-server-sub004/internal/logging"
	"github.com/emmilco/claude-memory-server-sub004/internal/memservice"
	"github.com/emmilco/claude-memory-server-sub004/internal/parser"
	"github.com/emmilco/claude-memory-server-sub004/internal/registry"
	"github.com/emmilco/claude-memory-server-sub004/internal/vectorstore"
	"github.com/emmilco/claude-memory-server-sub004/internal/workspace"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// app holds the wired components for one command invocation.
type app struct {
	cfg        *config.Config
	logger     *zap.Logger
	store      vectorstore.Store
	embedder   embeddings.Generator
	registry   *registry.Registry
	workspaces *workspace.Manager
	lifecycle  *lifecycle.Manager
	memories   *memservice.Service
	multi      *indexer.Multi
}

func newApp(ctx context.Context, configPath string, readOnly, offline bool) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if readOnly {
		cfg.Store.ReadOnly = true
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, err
	}

	var embedder embeddings.Generator
	if offline {
		embedder, err = embeddings.NewOfflineService(cfg.Embeddings, logger)
	} else {
		embedder, err = embeddings.NewService(cfg.Embeddings, logger)
	}
	if err != nil {
		return nil, err
	}

	var store vectorstore.Store
	switch cfg.Store.Provider {
	case "chromem":
		store, err = vectorstore.NewChromemStore(cfg.Store.ChromemPath, cfg.Qdrant.CollectionName, embedder.Dim(), logger)
	default:
		store, err = vectorstore.NewQdrantStore(ctx, cfg.Qdrant, embedder.Model(), logger)
	}
	if err != nil {
		return nil, err
	}
	if cfg.Store.ReadOnly {
		store = vectorstore.NewReadOnlyStore(store, logger)
	}

	reg, err := registry.New(cfg.Registry.Path, logger)
	if err != nil {
		return nil, err
	}
	workspaces, err := workspace.New(cfg.Registry.WorkspacePath, reg, logger)
	if err != nil {
		return nil, err
	}

	lm := lifecycle.NewManager(cfg.Lifecycle)
	return &app{
		cfg:        cfg,
		logger:     logger,
		store:      store,
		embedder:   embedder,
		registry:   reg,
		workspaces: workspaces,
		lifecycle:  lm,
		memories:   memservice.New(store, embedder, lm, logger),
		multi:      indexer.NewMulti(reg, workspaces, store, embedder, parser.NewTreeSitter(), cfg.Indexing, logger),
	}, nil
}

func (a *app) close() {
	a.memories.Close()
	if err := a.store.Close(); err != nil {
		a.logger.Warn("error closing store", zap.Error(err))
	}
	if err := a.embedder.Close(); err != nil {
		a.logger.Warn("error closing embedder", zap.Error(err))
	}
	_ = logging.Sync(a.logger)
}

func newRootCmd() *cobra.Command {
	var configPath string
	var readOnly bool
	var offline bool

	root := &cobra.Command{
		Use:   "memoryd",
		Short: "Semantic code-memory indexing and retrieval daemon",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config.yaml")
	root.PersistentFlags().BoolVar(&readOnly, "read-only", false, "reject all write operations")
	root.PersistentFlags().BoolVar(&offline, "offline-embeddings", false, "use the deterministic offline embedder (development only)")

	withApp := func(run func(ctx context.Context, a *app, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			a, err := newApp(ctx, configPath, readOnly, offline)
			if err != nil {
				return err
			}
			defer a.close()
			return run(ctx, a, args)
		}
	}

	indexCmd := &cobra.Command{
		Use:   "index [path]",
		Short: "Register (if needed) and index a repository",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, a *app, args []string) error {
			repo := a.registry.GetByPath(args[0])
			if repo == nil {
				id, err := a.registry.Register(args[0], "", "", "", nil)
				if err != nil {
					return err
				}
				repo, err = a.registry.Get(id)
				if err != nil {
					return err
				}
			}
			result := a.multi.IndexRepository(ctx, repo.ID, true, nil)
			if result.Err != nil {
				return result.Err
			}
			fmt.Printf("indexed %s: %d files, %d units (%s)\n",
				repo.Name, result.FilesIndexed, result.UnitsIndexed, result.Duration.Round(time.Millisecond))
			return nil
		}),
	}

	watchCmd := &cobra.Command{
		Use:   "watch [path]",
		Short: "Index a repository, then re-index reactively on file changes",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, a *app, args []string) error {
			repo := a.registry.GetByPath(args[0])
			if repo == nil {
				id, err := a.registry.Register(args[0], "", "", "", nil)
				if err != nil {
					return err
				}
				repo, err = a.registry.Get(id)
				if err != nil {
					return err
				}
			}
			if result := a.multi.IndexRepository(ctx, repo.ID, true, nil); result.Err != nil {
				return result.Err
			}
			ix := indexer.NewIncremental(a.store, a.embedder, parser.NewTreeSitter(), a.cfg.Indexing, repo.ID, repo.Name, a.logger)
			return indexer.NewWatcher(ix, repo.Path, a.cfg.Indexing.DebounceInterval).Run(ctx)
		}),
	}

	reindexCmd := &cobra.Command{
		Use:   "reindex-stale",
		Short: "Re-index repositories flagged stale or failed",
		RunE: withApp(func(ctx context.Context, a *app, _ []string) error {
			result, err := a.multi.ReindexStale(ctx, 7*24*time.Hour, true)
			if err != nil {
				return err
			}
			fmt.Printf("re-indexed %d/%d repositories\n", result.Successful, result.TotalRepositories)
			return nil
		}),
	}

	consolidateCmd := &cobra.Command{
		Use:   "consolidate [daily|weekly|monthly]",
		Short: "Run one consolidation pass",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, a *app, args []string) error {
			detector := consolidation.NewDetector(a.store, a.embedder, a.cfg.Consolidation, a.logger)
			engine := consolidation.NewEngine(a.store, a.embedder,
				filepath.Join(a.cfg.Consolidation.ReportDir, "merge_history.jsonl"), a.logger)
			jobs := consolidation.NewJobs(detector, engine, a.cfg.Consolidation, a.logger)
			switch args[0] {
			case "daily":
				return jobs.RunDaily(ctx)
			case "weekly":
				return jobs.RunWeekly(ctx)
			case "monthly":
				return jobs.RunMonthly(ctx)
			default:
				return fmt.Errorf("unknown pass %q (expected daily, weekly, or monthly)", args[0])
			}
		}),
	}

	optimizeCmd := &cobra.Command{
		Use:   "optimize",
		Short: "Analyze storage and apply safe optimizations (dry run unless MEMORYD_OPTIMIZE_APPLY is set)",
		RunE: withApp(func(ctx context.Context, a *app, _ []string) error {
			dryRun, _ := os.LookupEnv("MEMORYD_OPTIMIZE_APPLY")
			optimizer := lifecycle.NewOptimizer(a.store, a.lifecycle, a.cfg.Optimizer, a.embedder.Dim(), a.logger)
			result, err := optimizer.AutoOptimize(ctx, dryRun == "")
			if err != nil {
				return err
			}
			fmt.Printf("opportunities: %d, safe: %d, applied: %d, savings: %.2f MB (dry_run=%v)\n",
				result.OpportunitiesFound, result.SafeOpportunities, result.Applied, result.SavingsMB, result.DryRun)
			return nil
		}),
	}

	gitIndexCmd := &cobra.Command{
		Use:   "git-index [path]",
		Short: "Index a repository's git history",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, a *app, args []string) error {
			gx := githistory.New(a.store, a.embedder, a.cfg.Git, a.logger)
			stats, err := gx.IndexRepository(ctx, args[0], filepath.Base(args[0]), 0, nil)
			if err != nil {
				return err
			}
			fmt.Printf("commits: %d, file changes: %d, diffs embedded: %d, errors: %d\n",
				stats.CommitsIndexed, stats.FileChangesIndexed, stats.DiffsEmbedded, stats.Errors)
			return nil
		}),
	}

	root.AddCommand(indexCmd, watchCmd, reindexCmd, consolidateCmd, optimizeCmd, gitIndexCmd)
	return root
}
