package consolidation

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/emmilco/claude-memory-server-sub004/internal/backup"
	"github.com/emmilco/claude-memory-server-sub004/internal/config"
	"github.com/emmilco/claude-memory-server-sub004/internal/memory"
)

// Jobs are the explicit run-once consolidation passes. Time-based
// scheduling belongs to an external collaborator; each pass takes its
// own file lock so overlapping invocations of that pass exclude each
// other.
type Jobs struct {
	detector *Detector
	engine   *Engine
	cfg      config.ConsolidationConfig
	logger   *zap.Logger
}

// NewJobs wires the consolidation job runner.
func NewJobs(detector *Detector, engine *Engine, cfg config.ConsolidationConfig, logger *zap.Logger) *Jobs {
	return &Jobs{
		detector: detector,
		engine:   engine,
		cfg:      cfg,
		logger:   logger.Named("jobs"),
	}
}

// jobCategories are the memory categories duplicate passes cover. Code
// units dedupe through the indexer's content hashes instead.
var jobCategories = []memory.Category{
	memory.CategoryPreference,
	memory.CategoryFact,
	memory.CategoryContext,
	memory.CategoryWorkflow,
	memory.CategoryEvent,
}

func (j *Jobs) withLock(ctx context.Context, name string, fn func(context.Context) error) error {
	lock := backup.NewFileLock(filepath.Join(j.cfg.ReportDir, name+".lock"), j.cfg.LockTimeout, j.logger)
	if err := os.MkdirAll(j.cfg.ReportDir, 0o700); err != nil {
		return fmt.Errorf("creating report directory: %w", err)
	}
	acquired, err := lock.Acquire(ctx)
	if err != nil {
		return err
	}
	if !acquired {
		j.logger.Warn("job already running elsewhere, skipping", zap.String("job", name))
		return nil
	}
	defer lock.Release()
	return fn(ctx)
}

// RunDaily auto-merges all clusters at or above the auto-merge
// similarity threshold.
func (j *Jobs) RunDaily(ctx context.Context) error {
	return j.withLock(ctx, "consolidation_daily", func(ctx context.Context) error {
		merged := 0
		for _, category := range jobCategories {
			clusters, _, err := j.detector.AutoMergeCandidates(ctx, category)
			if err != nil {
				j.logger.Error("auto-merge scan failed", zap.String("category", string(category)), zap.Error(err))
				continue
			}
			for _, cluster := range clusters {
				select {
				case <-ctx.Done():
					return ctx.Err()
				default:
				}
				duplicates := withoutID(cluster.Members, cluster.Canonical)
				if _, err := j.engine.MergeMemories(ctx, cluster.Canonical, duplicates, KeepMostRecent, false); err != nil {
					j.logger.Error("auto-merge failed", zap.String("canonical", cluster.Canonical), zap.Error(err))
					continue
				}
				merged += len(duplicates)
			}
		}
		j.logger.Info("daily auto-merge complete", zap.Int("merged", merged))
		return nil
	})
}

// RunWeekly enumerates review candidates and persists a report file
// with pointers to the review commands.
func (j *Jobs) RunWeekly(ctx context.Context) error {
	return j.withLock(ctx, "consolidation_weekly", func(ctx context.Context) error {
		var b strings.Builder
		fmt.Fprintf(&b, "Weekly duplicate review report - %s\n", time.Now().UTC().Format(time.RFC3339))
		fmt.Fprintf(&b, "Similarity band: [%.2f, %.2f)\n\n", j.cfg.ReviewThreshold, j.cfg.AutoMergeThreshold)

		total := 0
		for _, category := range jobCategories {
			clusters, _, err := j.detector.ReviewCandidates(ctx, category)
			if err != nil {
				j.logger.Error("review scan failed", zap.String("category", string(category)), zap.Error(err))
				continue
			}
			if len(clusters) == 0 {
				continue
			}
			fmt.Fprintf(&b, "Category %s: %d clusters\n", category, len(clusters))
			for _, cluster := range clusters {
				total++
				fmt.Fprintf(&b, "  canonical %s (max similarity %.3f)\n", cluster.Canonical, cluster.MaxSimilarity)
				for _, id := range withoutID(cluster.Members, cluster.Canonical) {
					fmt.Fprintf(&b, "     - %s\n", id)
				}
			}
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "Total clusters needing review: %d\n", total)
		b.WriteString("Review with: memoryd consolidate review <canonical-id>\n")

		path := filepath.Join(j.cfg.ReportDir, "weekly_review_report.txt")
		if err := os.WriteFile(path, []byte(b.String()), 0o600); err != nil {
			return fmt.Errorf("writing weekly report: %w", err)
		}
		j.logger.Info("weekly review report written", zap.String("path", path), zap.Int("clusters", total))
		return nil
	})
}

// RunMonthly scans preferences and facts for contradictions and
// persists a report.
func (j *Jobs) RunMonthly(ctx context.Context) error {
	return j.withLock(ctx, "consolidation_monthly", func(ctx context.Context) error {
		var b strings.Builder
		fmt.Fprintf(&b, "Monthly contradiction report - %s\n\n", time.Now().UTC().Format(time.RFC3339))

		total := 0
		for _, category := range []memory.Category{memory.CategoryPreference, memory.CategoryFact} {
			contradictions, err := j.detector.DetectContradictions(ctx, category)
			if err != nil {
				j.logger.Error("contradiction scan failed", zap.String("category", string(category)), zap.Error(err))
				continue
			}
			if len(contradictions) == 0 {
				continue
			}
			fmt.Fprintf(&b, "Category %s: %d candidate pairs\n", category, len(contradictions))
			for _, c := range contradictions {
				total++
				fmt.Fprintf(&b, "  %s <-> %s (similarity %.3f)\n", c.A.ID, c.B.ID, c.Similarity)
				fmt.Fprintf(&b, "     a: %s\n", firstLine(c.A.Content))
				fmt.Fprintf(&b, "     b: %s\n", firstLine(c.B.Content))
			}
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "Total contradiction candidates: %d\n", total)
		b.WriteString("Resolve with: memoryd memory verify <id> or memoryd memory delete <id>\n")

		path := filepath.Join(j.cfg.ReportDir, "monthly_contradiction_report.txt")
		if err := os.WriteFile(path, []byte(b.String()), 0o600); err != nil {
			return fmt.Errorf("writing monthly report: %w", err)
		}
		j.logger.Info("monthly contradiction report written", zap.String("path", path), zap.Int("pairs", total))
		return nil
	})
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 120 {
		s = s[:120] + "..."
	}
	return s
}
