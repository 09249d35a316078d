// Command controlplane is the forgeplane control plane — the single binary
// that owns identity, pipelines, deployments, previews, agent sessions,
// telemetry ingest, and alerting for a self-hosted developer platform.
//
// Architecture: Postgres is the source of truth. Every background subsystem
// is a goroutine polling for desired state and converging the cluster toward
// it; optimistic row claims let replicas coexist without coordination.
package main

import (
	"context"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"

	"k8s.io/client-go/discovery"
	"k8s.io/client-go/discovery/cached/memory"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/restmapper"
	"k8s.io/client-go/tools/clientcmd"

	"forgeplane/control/internal/agent"
	"forgeplane/control/internal/alert"
	"forgeplane/control/internal/authz"
	"forgeplane/control/internal/cache"
	"forgeplane/control/internal/config"
	"forgeplane/control/internal/deploy"
	"forgeplane/control/internal/gitrepo"
	"forgeplane/control/internal/identity"
	"forgeplane/control/internal/notify"
	"forgeplane/control/internal/objstore"
	"forgeplane/control/internal/observe"
	"forgeplane/control/internal/pipeline"
	"forgeplane/control/internal/preview"
	"forgeplane/control/internal/secretbox"
	"forgeplane/control/internal/secrets"
	"forgeplane/control/internal/store"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	cfg := config.Parse()
	logger := setupLogger(cfg.LogLevel)
	logger.Info("starting forgeplane control plane",
		"version", version, "commit", commit,
		"pipeline_namespace", cfg.PipelineNamespace,
		"agent_namespace", cfg.AgentNamespace)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	st, err := store.Open(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}
	if err := st.EnsureAdmin(ctx, cfg.AdminPassword); err != nil {
		logger.Error("failed to ensure admin user", "error", err)
		os.Exit(1)
	}

	rdb, err := cache.New(ctx, cfg.CacheURL, logger)
	if err != nil {
		logger.Error("failed to connect to cache", "error", err)
		os.Exit(1)
	}
	defer rdb.Close()

	objects, err := objstore.New(ctx, objstore.Config{
		Endpoint:  cfg.ObjectStoreEndpoint,
		AccessKey: cfg.ObjectStoreAccessKey,
		SecretKey: cfg.ObjectStoreSecretKey,
		Bucket:    cfg.ObjectStoreBucket,
		UseSSL:    cfg.ObjectStoreUseSSL,
	}, logger)
	if err != nil {
		logger.Error("failed to connect to object store", "error", err)
		os.Exit(1)
	}

	k8sCfg, err := buildK8sConfig(cfg.KubeConfig)
	if err != nil {
		logger.Error("failed to build K8s config", "error", err)
		os.Exit(1)
	}
	k8sClient, err := kubernetes.NewForConfig(k8sCfg)
	if err != nil {
		logger.Error("failed to create K8s client", "error", err)
		os.Exit(1)
	}
	dynClient, err := dynamic.NewForConfig(k8sCfg)
	if err != nil {
		logger.Error("failed to create dynamic K8s client", "error", err)
		os.Exit(1)
	}
	disco, err := discovery.NewDiscoveryClientForConfig(k8sCfg)
	if err != nil {
		logger.Error("failed to create discovery client", "error", err)
		os.Exit(1)
	}
	mapper := restmapper.NewDeferredDiscoveryRESTMapper(memory.NewMemCacheClient(disco))

	box, err := secretbox.New(cfg.MasterKey)
	if err != nil {
		logger.Error("invalid master key", "error", err)
		os.Exit(1)
	}
	injector := secrets.NewInjector(st, box)

	// Identity and authorization.
	resolver := authz.NewResolver(st, rdb, logger)
	delegations := authz.NewDelegationManager(st, resolver, logger)
	provisioner := identity.NewAgentProvisioner(st, delegations, resolver, logger)

	// Notifications. No SMTP host means no email channel.
	var dispatcher *notify.Dispatcher
	if cfg.SMTPHost != "" {
		mail := notify.NewSMTPMailer(notify.SMTPConfig{
			Addr:     net.JoinHostPort(cfg.SMTPHost, strconv.Itoa(cfg.SMTPPort)),
			From:     cfg.SMTPFrom,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
		})
		dispatcher = notify.NewDispatcher(st, rdb, mail, nil, logger)
	} else {
		dispatcher = notify.NewDispatcher(st, rdb, nil, nil, logger)
	}

	// Pipelines.
	repos := gitrepo.NewReader(cfg.GitReposPath)
	wakeup := make(chan struct{}, 1)
	triggers := pipeline.NewTriggerService(st, repos, rdb, wakeup, logger)
	runner := pipeline.NewPodRunner(k8sClient, logger)
	executor := pipeline.NewExecutor(st, runner, objects, dispatcher, injector, pipeline.ExecutorConfig{
		Interval:        cfg.ExecutorInterval,
		Namespace:       cfg.PipelineNamespace,
		RegistryURL:     cfg.RegistryURL,
		PlatformURL:     cfg.PlatformURL,
		PreviewTTLHours: 24,
	}, wakeup, logger)

	// Deployments.
	syncer := gitrepo.NewSyncer(cfg.OpsReposPath)
	manifests := deploy.NewManifestSource(st, syncer, rdb, logger)
	applier := deploy.NewApplier(dynClient, mapper, k8sClient)
	deployer := deploy.NewReconciler(st, manifests, applier, dispatcher, deploy.ReconcilerConfig{
		Interval: cfg.DeployInterval,
	}, logger)

	// Previews.
	previews := preview.NewReconciler(st, k8sClient, cfg.PreviewInterval, logger)

	// Agent sessions.
	podIO := agent.NewK8sPodIO(k8sClient, k8sCfg)
	sessions := agent.NewManager(st, provisioner, k8sClient, podIO, objects, injector, dispatcher, agent.ManagerConfig{
		Namespace:   cfg.AgentNamespace,
		PlatformURL: cfg.PlatformURL,
	}, logger)
	reaper := agent.NewReaper(st, sessions, cfg.ReaperInterval, logger)

	// Telemetry.
	ingestor := observe.NewIngestor(st, rdb, logger)
	rotator := observe.NewRotator(st, objects, cfg.RotationInterval, logger)

	// Alerting.
	evaluator := alert.NewEvaluator(st, dispatcher, cfg.AlertInterval, logger)

	var wg sync.WaitGroup
	spawn := func(name string, run func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					logger.Error("subsystem panicked", "subsystem", name, "panic", r)
				}
			}()
			logger.Info("subsystem started", "subsystem", name)
			run(ctx)
			logger.Info("subsystem stopped", "subsystem", name)
		}()
	}

	// Hook events drive triggers; wakeups from peer replicas poke the local
	// executor.
	hookMsgs, closeHooks := rdb.Subscribe(ctx, pipeline.HookChannel)
	defer closeHooks()
	wakeMsgs, closeWake := rdb.Subscribe(ctx, pipeline.WakeupChannel)
	defer closeWake()
	hooks := pipeline.NewHookListener(triggers, previews, logger)

	spawn("git-hooks", func(ctx context.Context) { hooks.Run(ctx, hookMsgs) })
	spawn("pipeline-wakeup", func(ctx context.Context) {
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-wakeMsgs:
				if !ok {
					return
				}
				select {
				case wakeup <- struct{}{}:
				default:
				}
			}
		}
	})
	spawn("pipeline-executor", executor.Run)
	spawn("deploy-reconciler", deployer.Run)
	spawn("preview-reconciler", previews.Run)
	spawn("session-reaper", reaper.Run)
	spawn("telemetry-ingest", ingestor.Run)
	spawn("telemetry-rotation", rotator.Run)
	spawn("alert-evaluator", evaluator.Run)

	logger.Info("control plane ready")
	<-ctx.Done()
	logger.Info("shutting down control plane")
	wg.Wait()
}

func buildK8sConfig(kubeconfig string) (*rest.Config, error) {
	if kubeconfig != "" {
		return clientcmd.BuildConfigFromFlags("", kubeconfig)
	}
	return rest.InClusterConfig()
}

func setupLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
}
