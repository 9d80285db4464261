// orchestratord is the control-plane daemon: it wires the event bus,
// pool manager, graph executors, dispatcher, monitor, project context
// cache, websocket fan-out, and REST surface together explicitly —
// every stateful component is constructed here and passed down, never
// reached through package-level singletons.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/vibesdlc/orchestrator/internal/apperr"
	"github.com/vibesdlc/orchestrator/internal/artifacts"
	"github.com/vibesdlc/orchestrator/internal/config"
	"github.com/vibesdlc/orchestrator/internal/dispatcher"
	"github.com/vibesdlc/orchestrator/internal/domain"
	"github.com/vibesdlc/orchestrator/internal/eventbus"
	"github.com/vibesdlc/orchestrator/internal/fanout"
	"github.com/vibesdlc/orchestrator/internal/graph"
	"github.com/vibesdlc/orchestrator/internal/httpapi"
	"github.com/vibesdlc/orchestrator/internal/kanban"
	"github.com/vibesdlc/orchestrator/internal/lifecycle"
	"github.com/vibesdlc/orchestrator/internal/logging"
	"github.com/vibesdlc/orchestrator/internal/monitor"
	"github.com/vibesdlc/orchestrator/internal/pool"
	"github.com/vibesdlc/orchestrator/internal/projectctx"
	"github.com/vibesdlc/orchestrator/internal/store"
	tnats "github.com/vibesdlc/orchestrator/internal/transport/nats"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:          "orchestratord",
	Short:        "Agent orchestration control plane",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		return runDaemon(cfg)
	},
}

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "orchestratord: %v\n", err)
		if apperr.Is(err, apperr.KindTransient) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func runDaemon(cfg config.Config) error {
	log, err := logging.New(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer log.Sync()
	sugar := log.Sugar()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Broker: embedded for single-node deployments, external otherwise.
	natsURL := cfg.NATS.URL
	if cfg.NATS.EmbedServer {
		embedded, err := tnats.StartEmbedded(cfg.NATS.ClusterName,
			filepath.Join(filepath.Dir(cfg.Store.DSN), "jetstream"), logging.Component(log, "nats-server"))
		if err != nil {
			return apperr.Transient("main.nats", err)
		}
		defer embedded.Shutdown()
		natsURL = embedded.ClientURL()
	}

	client, err := tnats.Connect(natsURL, logging.Component(log, "nats"))
	if err != nil {
		return apperr.Transient("main.nats", err)
	}
	defer client.Close()

	if err := tnats.NewStreamManager(client.JetStream(), logging.Component(log, "streams")).SetupStreams(); err != nil {
		return apperr.Transient("main.streams", err)
	}

	db, err := store.Open(cfg.Store.DSN, logging.Component(log, "store"))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	projects := store.NewProjects(db)
	stories := store.NewStories(db)
	personas := store.NewPersonas(db)
	credits := store.NewCreditActivities(db)
	poolStore := store.NewPools(db)
	checkpoints := store.NewCheckpointStore(db)

	bus := eventbus.New(client, store.NewEventDedup(db), eventbus.Config{
		MaxDeliveries: cfg.EventBus.MaxDeliveries,
		BackoffCap:    cfg.EventBus.BackoffCap,
		DrainTimeout:  cfg.EventBus.DrainTimeout,
	}, logging.Component(log, "eventbus"))
	defer bus.Stop()

	artifactStore := artifacts.New(db, cfg.Workspace.Root, logging.Component(log, "artifacts"))
	artifactStore.SetPublisher(bus)
	board := kanban.New(stories, projects)

	contexts := projectctx.New(store.NewProjectContext(db), cfg.ProjectCtx.LRUCeiling)
	if cfg.ProjectCtx.RedisAddr != "" {
		remote := projectctx.NewRedisRemote(cfg.ProjectCtx.RedisAddr, 0)
		defer remote.Close()
		contexts.SetRemote(remote)
	}

	// Pool manager. Worker spawn/health/teardown cross the external
	// agent-runtime boundary; the in-process defaults below keep a
	// single-binary deployment functional.
	pools := pool.NewManager(poolStore, sugar.Named("pool"), nil, nil, nil)
	for _, pc := range cfg.Pools {
		err := pools.Start(ctx, domain.AgentPool{
			Name:                pc.Name,
			Role:                pc.Role,
			MaxAgents:           pc.MaxAgents,
			HealthCheckInterval: pc.HealthCheckInterval,
			AllowedPersonas:     pc.AllowedPersonas,
			LLMConfig:           pc.LLMConfig,
		})
		if err != nil {
			return fmt.Errorf("start pool %s: %w", pc.Name, err)
		}
		defer pools.Stop(context.Background(), pc.Name)
	}

	// Monitor + Prometheus.
	registry := prometheus.NewRegistry()
	alertRouter := monitor.NewRouter(sugar.Named("alerts"))
	if cfg.Monitor.SlackWebhookURL != "" {
		alertRouter.AddChannel(monitor.NewSlackChannel(cfg.Monitor.SlackWebhookURL))
	}
	mon := monitor.New(pools, poolStore, alertRouter, sugar.Named("monitor"), cfg.Monitor.SampleInterval, registry)
	for _, pc := range cfg.Pools {
		mon.Watch(pc.Name)
	}
	mon.Start(ctx)
	defer mon.Stop()

	metricsSrv := &http.Server{
		Addr:    cfg.Monitor.MetricsAddr,
		Handler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			sugar.Warnw("metrics server stopped", "error", err)
		}
	}()
	defer metricsSrv.Shutdown(context.Background())

	// Fan-out: emptied rooms clear the project's active-agent marker.
	hub := fanout.NewHub(sugar.Named("fanout"), func(projectID string) {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := projects.SetActiveAgent(cleanupCtx, projectID, ""); err != nil {
			sugar.Warnw("clear active agent failed", "project", projectID, "error", err)
		}
	})

	// Graph tool surface shared by the role graphs.
	tools := &localTools{
		workspaceRoot:   cfg.Workspace.Root,
		validateCommand: cfg.Graph.ValidateCommand,
		stories:         stories,
		artifacts:       artifactStore,
		log:             sugar.Named("tools"),
	}

	summarizeWIP := func(ctx context.Context, projectID string) (string, error) {
		wip, err := board.WIPStatus(ctx, projectID)
		if err != nil {
			return "", err
		}
		out := "current WIP:"
		for _, col := range domain.StoryColumns {
			c := wip[col]
			if c.Limit > 0 {
				out += fmt.Sprintf(" %s %d/%d,", col, c.Current, c.Limit)
			} else {
				out += fmt.Sprintf(" %s %d,", col, c.Current)
			}
		}
		return out[:len(out)-1], nil
	}

	disp := dispatcher.New(bus, contexts, hub, graph.NewTeamLeaderGraph(board, summarizeWIP),
		checkpoints, sugar.Named("dispatcher"))
	if err := disp.Start(); err != nil {
		return apperr.Transient("main.dispatcher", err)
	}

	lc := lifecycle.New(bus)
	roleGraphs := map[domain.Role]*graph.Graph{
		domain.RoleBusinessAnalyst: graph.NewBusinessAnalystGraph(tools),
		domain.RoleDeveloper:       graph.NewDeveloperGraph(tools, cfg.Graph.MaxDebugCount),
		domain.RoleTester:          graph.NewTesterGraph(tools, cfg.Graph.MaxDebugCount),
	}
	for _, pc := range cfg.Pools {
		roleGraph, ok := roleGraphs[pc.Role]
		if !ok {
			continue
		}
		consumer := dispatcher.NewRoleConsumer(pc.Role, pc.Name, bus, pools, lc, roleGraph,
			checkpoints, hub, cfg.Graph.AcquireTimeout, sugar.Named("consumer."+string(pc.Role)))
		if err := consumer.Start(); err != nil {
			return apperr.Transient("main.consumer", err)
		}
	}

	// REST surface.
	api := httpapi.New(stories, personas, credits, board, hub, sugar.Named("http")).
		WithPoolAdmin(pools, poolStore).
		WithPublisher(bus)
	httpSrv := &http.Server{Addr: cfg.HTTP.Addr, Handler: api.Handler()}
	go func() {
		sugar.Infow("http api listening", "addr", cfg.HTTP.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			sugar.Errorw("http server stopped", "error", err)
		}
	}()

	// Retention: prune append-only tables daily (30-day default).
	go func() {
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := db.PruneMetrics(ctx, cfg.Retention.MetricsDays); err != nil {
					sugar.Warnw("metrics prune failed", "error", err)
				} else if n > 0 {
					sugar.Infow("metrics pruned", "rows", n)
				}
				if _, err := db.PruneEventDedup(ctx, cfg.Retention.DLQDays); err != nil {
					sugar.Warnw("dedup prune failed", "error", err)
				}
			}
		}
	}()

	log.Info("orchestratord running", zap.String("nats", natsURL), zap.String("http", cfg.HTTP.Addr))
	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	httpSrv.Shutdown(shutdownCtx)
	return nil
}
