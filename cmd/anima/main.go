package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Chuanyin1202/anima/internal/brain"
	"github.com/Chuanyin1202/anima/internal/memory"
	"github.com/Chuanyin1202/anima/internal/platform"
	"github.com/Chuanyin1202/anima/internal/schedule"
)

var rootCmd = &cobra.Command{
	Use:   "anima",
	Short: "anima - a persona-driven social agent",
}

var cycleCmd = &cobra.Command{
	Use:   "cycle",
	Short: "Run one interaction cycle and exit",
	RunE:  runCycle,
}

var postCmd = &cobra.Command{
	Use:   "post",
	Short: "Draft and publish one original post",
	RunE:  runPost,
}

var reflectCmd = &cobra.Command{
	Use:   "reflect",
	Short: "Run the daily reflection sweep",
	RunE:  runReflect,
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show memory and budget usage",
	RunE:  runStats,
}

var harvestCmd = &cobra.Command{
	Use:   "harvest",
	Short: "Pull idea material from the configured feeds",
	RunE:  runHarvest,
}

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run on the schedule (plus the webhook receiver when enabled) until interrupted",
	RunE:  runDaemon,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run only the webhook receiver",
	RunE:  runServe,
}

var (
	dryRunFlag bool
	topicFlag  string
	limitFlag  int
)

func init() {
	cycleCmd.Flags().BoolVar(&dryRunFlag, "dry-run", false, "draft and validate without publishing")
	postCmd.Flags().BoolVar(&dryRunFlag, "dry-run", false, "draft and validate without publishing")
	postCmd.Flags().StringVar(&topicFlag, "topic", "", "topic to post about (defaults to pending idea material)")
	harvestCmd.Flags().IntVar(&limitFlag, "limit", 0, "most ideas to add this run")
	rootCmd.AddCommand(cycleCmd, postCmd, reflectCmd, statsCmd, harvestCmd, daemonCmd, serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func runCycle(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	a, err := buildApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	report := a.brain.RunCycle(ctx, brain.CycleOptions{DryRun: dryRunFlag})
	fmt.Println(report.Summary())
	for _, failure := range report.Failures {
		fmt.Println("  failure:", failure)
	}
	return nil
}

func runPost(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	a, err := buildApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	text, err := a.brain.CreatePost(ctx, topicFlag, dryRunFlag)
	if err != nil {
		return fmt.Errorf("create post: %w", err)
	}
	fmt.Println(text)
	return nil
}

func runReflect(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	a, err := buildApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.reflector.ReflectDaily(ctx); err != nil {
		return fmt.Errorf("reflection sweep: %w", err)
	}
	fmt.Println("reflection sweep complete")
	return nil
}

func runStats(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	a, err := buildApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	stats, err := a.brain.Stats(ctx)
	if err != nil {
		return fmt.Errorf("collect stats: %w", err)
	}
	printStats(os.Stdout, stats)

	// Threads keeps its own publishing quota; show both views when we
	// can so drift between them is visible.
	if t, ok := a.adapter.(*platform.Threads); ok {
		quota, qErr := t.PublishingQuota(ctx)
		if qErr != nil {
			return fmt.Errorf("read platform quota: %w", qErr)
		}
		fmt.Fprintf(os.Stdout, "Platform: posts %d/%d, replies %d/%d\n",
			quota.PostsUsed, quota.PostsTotal, quota.RepliesUsed, quota.RepliesTotal)
	}
	return nil
}

func printStats(w io.Writer, s *brain.AgentStats) {
	fmt.Fprintf(w, "Agent: %s\n", s.Agent)
	fmt.Fprintf(w, "Memory: %d records (episodic %d, semantic %d, reflective %d)\n",
		s.Memory.Total,
		s.Memory.ByTier[memory.TierEpisodic],
		s.Memory.ByTier[memory.TierSemantic],
		s.Memory.ByTier[memory.TierReflective])
	fmt.Fprintf(w, "Today (%s): posts %d/%d, replies %d/%d\n",
		s.Usage.Day, s.Usage.Posts, s.Usage.PostLimit, s.Usage.Replies, s.Usage.ReplyLimit)
}

func runHarvest(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	a, err := buildApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	added, err := a.harvester.Harvest(ctx, limitFlag)
	if err != nil {
		return fmt.Errorf("harvest: %w", err)
	}
	fmt.Printf("added %d ideas\n", added)
	return nil
}

func runDaemon(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	a, err := buildApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	sched := schedule.New(schedule.Config{
		CycleInterval:  a.cfg.CycleInterval,
		CycleJitterMax: a.cfg.CycleJitterMax,
		ReflectionCron: a.cfg.ReflectionCron,
		HarvestCron:    a.cfg.HarvestCron,
		RetentionCron:  a.cfg.RetentionCron,
		RunOnStart:     true,
	}, schedule.Tasks{
		Cycle: func(ctx context.Context) {
			a.brain.RunCycle(ctx, brain.CycleOptions{})
		},
		Reflect: a.reflector.ReflectDaily,
		Harvest: func(ctx context.Context) error {
			_, err := a.harvester.Harvest(ctx, 0)
			return err
		},
		Retain: a.retain,
	}, a.logger.Named("schedule"))

	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	if a.cfg.WebhookEnabled {
		srv := buildWebhookServer(a)
		go func() {
			if err := srv.Start(ctx); err != nil {
				a.logger.Error("webhook server stopped", zap.Error(err))
				a.notifier.Alert(context.WithoutCancel(ctx),
					fmt.Sprintf("webhook server stopped: %v", err))
			}
		}()
	}

	a.logger.Info("anima running",
		zap.String("agent", a.persona.Identity.Name),
		zap.String("platform", a.adapter.Name()),
		zap.Bool("webhook", a.cfg.WebhookEnabled))
	<-ctx.Done()

	a.logger.Info("shutting down")
	sched.Stop()
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	a, err := buildApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	return buildWebhookServer(a).Start(ctx)
}
