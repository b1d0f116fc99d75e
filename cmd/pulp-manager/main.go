package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	utilerrors "k8s.io/apimachinery/pkg/util/errors"

	"github.com/pulp-ops/pulp-manager/pkg/auth"
	"github.com/pulp-ops/pulp-manager/pkg/config"
	"github.com/pulp-ops/pulp-manager/pkg/jobstore"
	"github.com/pulp-ops/pulp-manager/pkg/metrics"
	"github.com/pulp-ops/pulp-manager/pkg/queue"
	"github.com/pulp-ops/pulp-manager/pkg/reconciler"
	"github.com/pulp-ops/pulp-manager/pkg/repoconfig"
	"github.com/pulp-ops/pulp-manager/pkg/scheduler"
	"github.com/pulp-ops/pulp-manager/pkg/secrets"
	"github.com/pulp-ops/pulp-manager/pkg/snapshotter"
	"github.com/pulp-ops/pulp-manager/pkg/syncher"
	"github.com/pulp-ops/pulp-manager/pkg/vaultclient"
	"github.com/pulp-ops/pulp-manager/pkg/worker"
)

type options struct {
	appConfigPath   string
	fleetConfigPath string
	listenAddr      string
	metricsPort     int
	databaseURL     string
	redisURL        string
	vaultAddr       string
	vaultToken      string
	vaultUser       string
	workerCount     int
	store           string
	logLevel        string
	dryRun          bool
}

func gatherOptions(fs *flag.FlagSet, args ...string) (*options, error) {
	o := &options{}
	fs.StringVar(&o.appConfigPath, "app-config", "", "Path to the INI application config. Defaults to $"+config.AppConfigEnvVar+".")
	fs.StringVar(&o.fleetConfigPath, "fleet-config", "", "Path to the YAML fleet config. Defaults to $"+config.FleetConfigEnvVar+".")
	fs.StringVar(&o.listenAddr, "listen-addr", "127.0.0.1:8080", "The address the API listens on")
	fs.IntVar(&o.metricsPort, "metrics-port", 9090, "The port /metrics is served on")
	fs.StringVar(&o.databaseURL, "database-url", "", "Postgres connection string for the job store. Defaults to $DATABASE_URL.")
	fs.StringVar(&o.redisURL, "redis-url", "", "Redis URL for the job queue. Defaults to the redis section of the application config.")
	fs.StringVar(&o.vaultAddr, "vault-addr", "", "The address under which vault should be reached. Defaults to the vault section of the application config.")
	fs.StringVar(&o.vaultToken, "vault-token", "", "The token to use when communicating with vault. Defaults to $VAULT_TOKEN.")
	fs.StringVar(&o.vaultUser, "vault-user", "", "Authenticate against vault with this userpass user instead of a token, reading the password from $VAULT_PASSWORD.")
	fs.IntVar(&o.workerCount, "worker-count", 2, "Concurrent job executors in this process")
	fs.StringVar(&o.store, "store", "postgres", "Job store backend, one of postgres or memory")
	fs.StringVar(&o.logLevel, "log-level", "info", "Log level, one of the logrus levels")
	fs.BoolVar(&o.dryRun, "dry-run", false, "Force reconcile jobs to report the pulp calls they would make instead of issuing them")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return o, o.validate()
}

func (o *options) validate() error {
	var errs []error
	if o.workerCount < 1 {
		errs = append(errs, fmt.Errorf("--worker-count must be at least 1, got %d", o.workerCount))
	}
	if o.store != "postgres" && o.store != "memory" {
		errs = append(errs, fmt.Errorf("--store must be postgres or memory, got %q", o.store))
	}
	if _, err := logrus.ParseLevel(o.logLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid --log-level: %w", err))
	}
	return utilerrors.NewAggregate(errs)
}

func main() {
	o, err := gatherOptions(flag.NewFlagSet(os.Args[0], flag.ExitOnError), os.Args[1:]...)
	if err != nil {
		logrus.WithError(err).Fatal("failed to get options")
	}
	level, _ := logrus.ParseLevel(o.logLevel)
	logrus.SetLevel(level)

	censor := secrets.NewDynamicCensor()
	logrus.SetFormatter(censor.Formatter(&logrus.JSONFormatter{}))

	appCfg, err := config.LoadApp(o.appConfigPath)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load the application config.")
	}
	catalog, err := config.LoadFleet(o.fleetConfigPath)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load the fleet config.")
	}
	fleet := config.NewHolder(catalog)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := buildStore(ctx, o)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to set up the job store.")
	}
	q, err := buildQueue(ctx, o, appCfg)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to set up the job queue.")
	}

	vaultAddr := o.vaultAddr
	if vaultAddr == "" {
		vaultAddr = appCfg.Vault.VaultAddr
	}
	if vaultAddr == "" {
		logrus.Fatal("No vault address configured, pass --vault-addr or set vault_addr in the application config.")
	}
	var vault *vaultclient.VaultClient
	if o.vaultUser != "" {
		vault, err = vaultclient.NewFromUserPass(vaultAddr, o.vaultUser, os.Getenv("VAULT_PASSWORD"))
	} else {
		token := o.vaultToken
		if token == "" {
			token = os.Getenv("VAULT_TOKEN")
		}
		vault, err = vaultclient.New(vaultAddr, token)
	}
	if err != nil {
		logrus.WithError(err).Fatal("Failed to construct vault client")
	}
	resolver := secrets.NewResolver(vault, appCfg.Vault.RepoSecretNamespace, &censor)

	var rootCA string
	if appCfg.CA.RootCAFilePath != "" {
		raw, err := os.ReadFile(appCfg.CA.RootCAFilePath)
		if err != nil {
			logrus.WithError(err).Fatal("Failed to read the root CA bundle.")
		}
		rootCA = string(raw)
	}

	sync, err := syncher.New(store, syncher.Settings{
		BannedPackageRegex: appCfg.Pulp.BannedPackageRegex,
		InternalDomains:    appCfg.Pulp.InternalDomainList(),
	})
	if err != nil {
		logrus.WithError(err).Fatal("Failed to construct the syncher.")
	}
	rec := reconciler.New(store, vault, &censor, reconciler.Settings{
		DebSigningService:   appCfg.Pulp.DebSigningService,
		InternalDomains:     appCfg.Pulp.InternalDomainList(),
		RemoteTLSValidation: appCfg.Pulp.RemoteTLSValidation,
		UseHTTPSForSync:     appCfg.Pulp.UseHTTPSForSync,
		RootCA:              rootCA,
		ConnectTimeout:      appCfg.Remotes.ConnectTimeout(),
		ReadTimeout:         appCfg.Remotes.ReadTimeout(),
	})
	snap := snapshotter.New(store, snapshotter.Settings{DebSigningService: appCfg.Pulp.DebSigningService})

	var checkout worker.CatalogSource
	if appCfg.Pulp.GitRepoConfig != "" {
		c, err := repoconfig.NewCheckout(appCfg.Pulp.GitRepoConfig, "", filepath.Join(os.TempDir(), "pulp-manager", "repo-config"))
		if err != nil {
			logrus.WithError(err).Fatal("Failed to prepare the repo config checkout.")
		}
		checkout = c
	}
	var rewriter *repoconfig.NameRewriter
	if appCfg.Pulp.NameReplacementPattern != "" {
		rewriter, err = repoconfig.NewNameRewriter(appCfg.Pulp.NameReplacementPattern, appCfg.Pulp.NameReplacementRule)
		if err != nil {
			logrus.WithError(err).Fatal("Failed to compile the package name replacement.")
		}
	}

	executor, err := worker.New(worker.Deps{
		Store:         store,
		Queue:         q,
		Fleet:         fleet,
		Credentials:   resolver,
		Syncher:       sync,
		Reconciler:    rec,
		Snapshotter:   snap,
		RepoConfig:    checkout,
		RepoConfigDir: appCfg.Pulp.GitRepoConfigDir,
		LoadOptions: repoconfig.LoadOptions{
			InternalPrefix: appCfg.Pulp.InternalPackagePrefix,
			Rewriter:       rewriter,
		},
	}, worker.Settings{
		ConnectTimeout: appCfg.Remotes.ConnectTimeout(),
		ReadTimeout:    appCfg.Remotes.ReadTimeout(),
		RootCAFile:     appCfg.CA.RootCAFilePath,
		PageSize:       appCfg.Paging.MaxPageSize,
	})
	if err != nil {
		logrus.WithError(err).Fatal("Failed to construct the worker.")
	}
	if err := executor.Recover(ctx); err != nil {
		logrus.WithError(err).Fatal("Failed to recover abandoned jobs.")
	}

	sched := scheduler.New(store, q)
	if err := syncCatalog(ctx, store, catalog); err != nil {
		logrus.WithError(err).Fatal("Failed to sync the fleet catalog into the store.")
	}
	if err := sched.Apply(catalog); err != nil {
		logrus.WithError(err).Fatal("Failed to register the fleet schedules.")
	}
	sched.Start()

	for i := 0; i < o.workerCount; i++ {
		go func() {
			if err := executor.Run(ctx); err != nil && ctx.Err() == nil {
				logrus.WithError(err).Error("Worker loop ended unexpectedly.")
			}
		}()
	}

	reload := make(chan os.Signal, 1)
	signal.Notify(reload, syscall.SIGHUP)
	go func() {
		for range reload {
			refreshed, err := config.LoadFleet(o.fleetConfigPath)
			if err != nil {
				logrus.WithError(err).Error("Failed to reload the fleet config, keeping the previous one.")
				continue
			}
			fleet.Swap(refreshed)
			if err := syncCatalog(ctx, store, refreshed); err != nil {
				logrus.WithError(err).Error("Failed to sync the reloaded catalog into the store.")
			}
			if err := sched.Apply(refreshed); err != nil {
				logrus.WithError(err).Error("Failed to apply the reloaded schedules.")
			}
			logrus.Info("Fleet config reloaded.")
		}
	}()

	metrics.Expose(o.metricsPort)

	secret := os.Getenv(auth.SecretEnvVar)
	if secret == "" {
		secret = appCfg.Pulp.Password
	}
	authenticator, err := auth.New(appCfg.Auth, []byte(secret))
	if err != nil {
		logrus.WithError(err).Fatal("Failed to construct the authenticator.")
	}

	m := &manager{
		app:            appCfg,
		fleet:          fleet,
		store:          store,
		scheduler:      sched,
		worker:         executor,
		auth:           authenticator,
		credentials:    resolver,
		connectTimeout: appCfg.Remotes.ConnectTimeout(),
		readTimeout:    appCfg.Remotes.ReadTimeout(),
		rootCAFile:     appCfg.CA.RootCAFilePath,
		pageSize:       appCfg.Paging.MaxPageSize,
		forceDryRun:    o.dryRun,
	}
	server := &http.Server{Addr: o.listenAddr, Handler: m.mux()}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logrus.WithError(err).Error("Failed to shut the API server down cleanly.")
		}
	}()

	logrus.WithField("addr", o.listenAddr).Info("Pulp manager is serving.")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logrus.WithError(err).Fatal("API server failed.")
	}
	<-sched.Stop().Done()
	logrus.Info("Pulp manager shut down.")
}

func buildStore(ctx context.Context, o *options) (jobstore.Store, error) {
	if o.store == "memory" {
		logrus.Warn("Using the in-memory job store, jobs will not survive restarts.")
		return jobstore.NewInMemory(), nil
	}
	dsn := o.databaseURL
	if dsn == "" {
		dsn = os.Getenv("DATABASE_URL")
	}
	if dsn == "" {
		return nil, fmt.Errorf("a postgres job store needs --database-url or $DATABASE_URL")
	}
	pool, err := jobstore.Connect(ctx, dsn, 0)
	if err != nil {
		return nil, err
	}
	if err := jobstore.Migrate(ctx, pool); err != nil {
		return nil, err
	}
	return jobstore.NewPostgres(pool), nil
}

func buildQueue(ctx context.Context, o *options, appCfg *config.App) (queue.Queue, error) {
	if o.store == "memory" {
		return queue.NewInMemory(), nil
	}
	url := o.redisURL
	if url == "" {
		url = appCfg.Redis.URL()
	}
	client, err := queue.ConnectRedis(ctx, url)
	if err != nil {
		return nil, err
	}
	return queue.NewRedis(client, ""), nil
}

// syncCatalog mirrors the fleet catalog into the store so jobs and the API
// can attribute work to servers even after they leave the config.
func syncCatalog(ctx context.Context, store jobstore.Store, catalog *config.Catalog) error {
	var servers, groups []string
	var bindings [][2]string
	for _, server := range catalog.Servers {
		if err := store.UpsertServer(ctx, server); err != nil {
			return err
		}
		servers = append(servers, server.Name)
	}
	for _, group := range catalog.Groups {
		if err := store.UpsertRepoGroup(ctx, group); err != nil {
			return err
		}
		groups = append(groups, group.Name)
	}
	for _, binding := range catalog.Bindings {
		if err := store.UpsertBinding(ctx, binding); err != nil {
			return err
		}
		bindings = append(bindings, [2]string{binding.Server, binding.Group})
	}
	return store.DeactivateMissing(ctx, servers, groups, bindings)
}
