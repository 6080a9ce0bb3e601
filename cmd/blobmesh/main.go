// Command blobmesh runs a storage node or the load-balancing proxy of a
// blobmesh cluster.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/tunnelmesh/blobmesh/internal/balancer"
	"github.com/tunnelmesh/blobmesh/internal/blob"
	"github.com/tunnelmesh/blobmesh/internal/config"
	"github.com/tunnelmesh/blobmesh/internal/metrics"
	"github.com/tunnelmesh/blobmesh/internal/promsd"
	"github.com/tunnelmesh/blobmesh/internal/svc"
	"github.com/tunnelmesh/blobmesh/internal/tracing"
	"github.com/tunnelmesh/blobmesh/pkg/bytesize"
	"golang.org/x/sync/errgroup"
)

// Version information (set at build time)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

const (
	shutdownTimeout = 10 * time.Second
	collectInterval = 15 * time.Second
)

var (
	cfgFile     string
	logLevel    string
	serviceRun  bool
	enableTrace bool

	// Node flags
	nodeListen    string
	nodeDataDir   string
	nodeQuota     bytesize.Size
	nodeMaxObject bytesize.Size
	nodeBalancer  string
	nodeHost      string
	nodePort      int
	nodeName      string

	// Balancer flags
	lbListen          string
	lbWindow          string
	lbUpstreamTimeout string

	// Nodes command flags
	nodesBalancer string

	// SD generator flags
	sdBalancer      string
	sdOutput        string
	sdInterval      time.Duration
	sdIncludeBurned bool
	sdOnce          bool

	// Service command flags
	svcName  string
	svcUser  string
	svcForce bool
)

func main() {
	rootCmd := newRootCmd()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "blobmesh",
		Short: "blobmesh - distributed blob storage",
		Long: `blobmesh stores opaque blobs on a set of storage nodes behind a
load-balancing proxy.

Examples:
  # Start the balancer; nodes may register during the first 20 seconds
  blobmesh balancer --listen :8000

  # Start a storage node that registers with the balancer
  blobmesh node --listen :8080 --data-dir /var/lib/blobmesh --balancer localhost:8000

  # Inspect registered nodes
  blobmesh nodes --balancer localhost:8000`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "log level")
	rootCmd.PersistentFlags().BoolVar(&serviceRun, "service-run", false, "run under the system service manager")
	_ = rootCmd.PersistentFlags().MarkHidden("service-run")
	rootCmd.PersistentFlags().BoolVar(&enableTrace, "enable-tracing", false, "keep a runtime trace in memory (exposes /debug/trace)")

	nodeCmd := &cobra.Command{
		Use:   "node",
		Short: "Run a storage node",
		RunE:  runNode,
	}
	nodeCmd.Flags().StringVar(&nodeListen, "listen", "", "listen address (default :8080)")
	nodeCmd.Flags().StringVar(&nodeDataDir, "data-dir", "", "data directory")
	nodeCmd.Flags().Var(&nodeQuota, "disk-quota", "disk quota, e.g. 1GB (0 = unlimited)")
	nodeCmd.Flags().Var(&nodeMaxObject, "max-object-size", "max payload plus stored headers, e.g. 10MB")
	nodeCmd.Flags().StringVar(&nodeBalancer, "balancer", "", "balancer address to register with")
	nodeCmd.Flags().StringVar(&nodeHost, "advertise-host", "", "host the balancer should dial (default: hostname)")
	nodeCmd.Flags().IntVar(&nodePort, "advertise-port", 0, "port the balancer should dial (default: listen port)")
	nodeCmd.Flags().StringVar(&nodeName, "name", "", "node name (default: auto-<hostname>)")
	rootCmd.AddCommand(nodeCmd)

	balancerCmd := &cobra.Command{
		Use:   "balancer",
		Short: "Run the load-balancing proxy",
		RunE:  runBalancer,
	}
	balancerCmd.Flags().StringVar(&lbListen, "listen", "", "listen address (default :8000)")
	balancerCmd.Flags().StringVar(&lbWindow, "registration-window", "", "how long nodes may register, e.g. 20s")
	balancerCmd.Flags().StringVar(&lbUpstreamTimeout, "upstream-timeout", "", "dial and response header timeout, e.g. 5s")
	rootCmd.AddCommand(balancerCmd)

	nodesCmd := &cobra.Command{
		Use:   "nodes",
		Short: "List storage nodes registered with a balancer",
		RunE:  runNodes,
	}
	nodesCmd.Flags().StringVar(&nodesBalancer, "balancer", "localhost:8000", "balancer address")
	rootCmd.AddCommand(nodesCmd)

	sdDefaults := promsd.DefaultConfig()
	sdCmd := &cobra.Command{
		Use:   "sd",
		Short: "Write Prometheus file_sd targets for registered storage nodes",
		RunE:  runSD,
	}
	sdCmd.Flags().StringVar(&sdBalancer, "balancer", "localhost:8000", "balancer address")
	sdCmd.Flags().StringVarP(&sdOutput, "output", "o", sdDefaults.OutputFile, "targets file to write")
	sdCmd.Flags().DurationVar(&sdInterval, "interval", sdDefaults.PollInterval, "poll interval")
	sdCmd.Flags().BoolVar(&sdIncludeBurned, "include-burned", false, "keep burned nodes in the targets file")
	sdCmd.Flags().BoolVar(&sdOnce, "once", false, "write the targets file once and exit")
	rootCmd.AddCommand(sdCmd)

	rootCmd.AddCommand(newServiceCmd())

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("blobmesh %s\n", Version)
			fmt.Printf("  Commit:     %s\n", Commit)
			fmt.Printf("  Build Time: %s\n", BuildTime)
		},
	}
	rootCmd.AddCommand(versionCmd)

	return rootCmd
}

func setupLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

// loadNodeConfig reads the config file and applies explicitly set flags.
func loadNodeConfig(cmd *cobra.Command) (*config.NodeConfig, error) {
	cfg, err := config.LoadNodeConfig(cfgFile)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("listen") {
		cfg.Listen = nodeListen
	}
	if flags.Changed("data-dir") {
		cfg.DataDir = nodeDataDir
	}
	if flags.Changed("disk-quota") {
		cfg.DiskQuota = nodeQuota
	}
	if flags.Changed("max-object-size") {
		cfg.MaxObjectSize = nodeMaxObject
	}
	if flags.Changed("balancer") {
		cfg.Registration.Balancer = nodeBalancer
	}
	if flags.Changed("advertise-host") {
		cfg.Registration.AdvertiseHost = nodeHost
	}
	if flags.Changed("advertise-port") {
		cfg.Registration.AdvertisePort = nodePort
	}
	if flags.Changed("name") {
		cfg.Registration.Name = nodeName
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func storeOptions(cfg *config.NodeConfig) blob.Options {
	return blob.Options{
		MaxObjectSize:   cfg.MaxObjectSize.Bytes(),
		DiskQuota:       cfg.DiskQuota.Bytes(),
		MaxHeaderCount:  cfg.MaxHeaderCount,
		MaxHeaderLength: cfg.MaxHeaderLength,
		MaxIDLength:     cfg.MaxIDLength,
		IDCharset:       cfg.IDCharset,
		MetadataPrefix:  cfg.MetadataPrefix,
		ChunkSize:       int(cfg.ChunkSize.Bytes()),
	}
}

func runNode(cmd *cobra.Command, args []string) error {
	setupLogging()

	cfg, err := loadNodeConfig(cmd)
	if err != nil {
		return err
	}

	store, err := blob.NewStore(cfg.DataDir, storeOptions(cfg))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	reg := metrics.NewRegistry("node", Version)
	m := blob.NewMetrics(reg)
	handler := blob.NewServer(store, m, reg)

	rec := startTracing()
	if rec != nil {
		defer rec.Stop()
	}

	// Listen before registering so the balancer never learns an address
	// that is not accepting connections yet.
	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Listen, err)
	}

	log.Info().
		Str("listen", ln.Addr().String()).
		Str("data_dir", cfg.DataDir).
		Str("quota", quotaString(cfg.DiskQuota)).
		Str("max_object_size", cfg.MaxObjectSize.String()).
		Str("version", Version).
		Msg("storage node starting")

	return runRole(svc.RoleNode, func(ctx context.Context) error {
		g, gctx := errgroup.WithContext(ctx)
		serve(gctx, g, &http.Server{Handler: rec.Wrap(handler), ReadHeaderTimeout: 10 * time.Second}, ln)

		g.Go(func() error {
			metrics.NewCollector(store.CollectMetrics).Run(gctx, collectInterval)
			return nil
		})

		if cfg.Registration.Balancer != "" {
			g.Go(func() error {
				registerNode(gctx, cfg, ln.Addr())
				return nil
			})
		}

		return g.Wait()
	})
}

// runRole runs fn until SIGINT or SIGTERM, or under the service manager
// when the process was started with --service-run.
func runRole(role svc.Role, fn svc.RunFunc) error {
	if serviceRun {
		cfg := svc.DefaultConfig(role)
		if cfgFile != "" {
			cfg.ConfigPath = cfgFile
		}
		return svc.Run(&svc.Program{Run: fn}, cfg)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return fn(ctx)
}

// startTracing starts the flight recorder when --enable-tracing is set.
// It returns nil when tracing is off or could not start.
func startTracing() *tracing.Recorder {
	if !enableTrace {
		return nil
	}
	rec, err := tracing.Start(tracing.DefaultBufferSize, tracing.DefaultMinAge)
	if err != nil {
		log.Warn().Err(err).Msg("failed to start runtime tracing")
		return nil
	}
	log.Info().Msg("runtime tracing enabled on /debug/trace")
	return rec
}

func quotaString(q bytesize.Size) string {
	if q == 0 {
		return "unlimited"
	}
	return q.String()
}

// serve runs srv on ln inside g and shuts it down gracefully once ctx is done.
func serve(ctx context.Context, g *errgroup.Group, srv *http.Server, ln net.Listener) {
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	})
}

var invalidNameChars = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// advertisedIdentity fills in host, port and name the node announces.
func advertisedIdentity(cfg *config.NodeConfig, addr net.Addr) (string, int, string) {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}

	host := cfg.Registration.AdvertiseHost
	if host == "" {
		host = hostname
	}

	port := cfg.Registration.AdvertisePort
	if port == 0 {
		if tcp, ok := addr.(*net.TCPAddr); ok {
			port = tcp.Port
		} else if _, p, err := net.SplitHostPort(addr.String()); err == nil {
			port, _ = strconv.Atoi(p)
		}
	}

	name := cfg.Registration.Name
	if name == "" {
		name = "auto-" + invalidNameChars.ReplaceAllString(strings.Split(hostname, ".")[0], "-")
		if len(name) > 50 {
			name = name[:50]
		}
	}
	return host, port, name
}

// registerNode performs the startup handshake with the balancer. Failure
// is logged; the node keeps serving direct traffic either way.
func registerNode(ctx context.Context, cfg *config.NodeConfig, addr net.Addr) {
	host, port, name := advertisedIdentity(cfg, addr)

	client := balancer.NewClient(cfg.Registration.Balancer, cfg.RegistrationAttemptTimeout())
	defer client.CloseIdleConnections()

	resp, err := client.RegisterWithRetry(ctx, host, port, name, balancer.RetryConfig{
		Interval: cfg.RegistrationInterval(),
		Timeout:  cfg.RegistrationTimeout(),
	})
	switch {
	case err == nil:
		log.Info().
			Str("node", resp.ID).
			Str("name", name).
			Str("balancer", client.BaseURL()).
			Msg("registered with balancer")
	case errors.Is(err, balancer.ErrRegistrationClosed):
		log.Warn().Err(err).Str("balancer", client.BaseURL()).Msg("balancer refused registration")
	case ctx.Err() != nil:
		// Shutting down
	default:
		log.Error().Err(err).Str("balancer", client.BaseURL()).Msg("could not register with balancer")
	}
}

func loadBalancerConfig(cmd *cobra.Command) (*config.BalancerConfig, error) {
	cfg, err := config.LoadBalancerConfig(cfgFile)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("listen") {
		cfg.Listen = lbListen
	}
	if flags.Changed("registration-window") {
		cfg.RegistrationWindow = lbWindow
	}
	if flags.Changed("upstream-timeout") {
		cfg.UpstreamTimeout = lbUpstreamTimeout
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func runBalancer(cmd *cobra.Command, args []string) error {
	setupLogging()

	cfg, err := loadBalancerConfig(cmd)
	if err != nil {
		return err
	}

	registry := balancer.NewRegistry(balancer.Options{
		RegistrationWindow: cfg.Window(),
		FailureThreshold:   cfg.FailureThreshold,
		BurnCooldown:       cfg.Cooldown(),
	})
	for _, seed := range cfg.Nodes {
		if _, err := registry.Add(seed.Host, seed.Port, seed.Name); err != nil {
			return fmt.Errorf("seed node %s:%d: %w", seed.Host, seed.Port, err)
		}
	}

	reg := metrics.NewRegistry("balancer", Version)
	m := balancer.NewMetrics(reg)
	srv := balancer.NewServer(registry, balancer.ServerOptions{
		UpstreamTimeout: cfg.Upstream(),
		ChunkSize:       int(cfg.ChunkSize.Bytes()),
	}, m, reg)
	defer srv.Close()

	rec := startTracing()
	if rec != nil {
		defer rec.Stop()
	}

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Listen, err)
	}

	log.Info().
		Str("listen", ln.Addr().String()).
		Time("registration_deadline", registry.RegistrationDeadline()).
		Int("seed_nodes", len(cfg.Nodes)).
		Int("failure_threshold", cfg.FailureThreshold).
		Dur("burn_cooldown", cfg.Cooldown()).
		Str("version", Version).
		Msg("balancer starting")

	return runRole(svc.RoleBalancer, func(ctx context.Context) error {
		g, gctx := errgroup.WithContext(ctx)
		serve(gctx, g, &http.Server{Handler: rec.Wrap(srv), ReadHeaderTimeout: 10 * time.Second}, ln)

		g.Go(func() error {
			metrics.NewCollector(srv.CollectMetrics).Run(gctx, collectInterval)
			return nil
		})

		g.Go(func() error {
			// Announce the end of the registration window once.
			timer := time.NewTimer(time.Until(registry.RegistrationDeadline()))
			defer timer.Stop()
			select {
			case <-gctx.Done():
			case <-timer.C:
				log.Info().
					Int("nodes", registry.Len()).
					Int("live", registry.LiveCount()).
					Msg("registration window closed, proxying blob requests")
			}
			return nil
		})

		return g.Wait()
	})
}

func runNodes(cmd *cobra.Command, args []string) error {
	setupLogging()

	client := balancer.NewClient(nodesBalancer, 10*time.Second)
	defer client.CloseIdleConnections()

	nodes, err := client.ListNodes(cmd.Context())
	if err != nil {
		return fmt.Errorf("list nodes: %w", err)
	}

	if len(nodes) == 0 {
		fmt.Println("No storage nodes registered")
		return nil
	}

	fmt.Printf("%-40s %-20s %-25s %-8s %s\n", "ID", "NAME", "ADDRESS", "STATE", "FAILURES")
	fmt.Println("---------------------------------------- -------------------- ------------------------- -------- --------")

	for _, n := range nodes {
		name := n.Name
		if name == "" {
			name = "-"
		}
		addr := net.JoinHostPort(n.Destination.Host, strconv.Itoa(n.Destination.Port))
		fmt.Printf("%-40s %-20s %-25s %-8s %d\n", n.ID, name, addr, n.State, n.Failures)
	}

	return nil
}

func runSD(cmd *cobra.Command, args []string) error {
	setupLogging()

	cfg := promsd.DefaultConfig()
	cfg.BalancerURL = sdBalancer
	cfg.OutputFile = sdOutput
	cfg.PollInterval = sdInterval
	cfg.IncludeBurned = sdIncludeBurned
	gen := promsd.NewGenerator(cfg)

	if sdOnce {
		n, err := gen.Generate(cmd.Context())
		if err != nil {
			return err
		}
		log.Info().Int("targets", n).Str("file", cfg.OutputFile).Msg("wrote targets")
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().
		Str("balancer", cfg.BalancerURL).
		Str("output", cfg.OutputFile).
		Dur("interval", cfg.PollInterval).
		Msg("starting service discovery")
	gen.Run(ctx)
	return nil
}

func newServiceCmd() *cobra.Command {
	serviceCmd := &cobra.Command{
		Use:   "service",
		Short: "Manage blobmesh as a system service",
		Long: `Install and control a storage node or balancer as a system service
(systemd, launchd or Windows services).

Examples:
  sudo blobmesh service install node --config /etc/blobmesh/node.yaml
  sudo blobmesh service start node
  blobmesh service status balancer`,
	}
	serviceCmd.PersistentFlags().StringVar(&svcName, "name", "", "service name (default blobmesh-<role>)")

	roleArgs := cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs)
	validRoles := []string{string(svc.RoleNode), string(svc.RoleBalancer)}

	installCmd := &cobra.Command{
		Use:       "install <node|balancer>",
		Short:     "Install the service",
		Args:      roleArgs,
		ValidArgs: validRoles,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := serviceConfig(args[0])
			if err != nil {
				return err
			}
			if err := svc.CheckPrivileges(); err != nil {
				return err
			}
			if _, err := os.Stat(cfg.ConfigPath); err != nil {
				return fmt.Errorf("config file: %w", err)
			}
			cfg.UserName = svcUser
			if err := svc.Install(cfg, svcForce); err != nil {
				return err
			}
			fmt.Printf("Installed service %s (config %s)\n", cfg.Name, cfg.ConfigPath)
			return nil
		},
	}
	installCmd.Flags().StringVar(&svcUser, "user", "", "user to run the service as (Linux and macOS)")
	installCmd.Flags().BoolVar(&svcForce, "force", false, "replace an existing installation")
	serviceCmd.AddCommand(installCmd)

	uninstallCmd := &cobra.Command{
		Use:       "uninstall <node|balancer>",
		Short:     "Stop and remove the service",
		Args:      roleArgs,
		ValidArgs: validRoles,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := serviceConfig(args[0])
			if err != nil {
				return err
			}
			if err := svc.CheckPrivileges(); err != nil {
				return err
			}
			if err := svc.Uninstall(cfg); err != nil {
				return err
			}
			fmt.Printf("Removed service %s\n", cfg.Name)
			return nil
		},
	}
	serviceCmd.AddCommand(uninstallCmd)

	for _, action := range []string{"start", "stop", "restart"} {
		serviceCmd.AddCommand(&cobra.Command{
			Use:       action + " <node|balancer>",
			Short:     strings.ToUpper(action[:1]) + action[1:] + " the service",
			Args:      roleArgs,
			ValidArgs: validRoles,
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := serviceConfig(args[0])
				if err != nil {
					return err
				}
				return svc.Control(cfg, action)
			},
		})
	}

	statusCmd := &cobra.Command{
		Use:       "status <node|balancer>",
		Short:     "Show service status",
		Args:      roleArgs,
		ValidArgs: validRoles,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := serviceConfig(args[0])
			if err != nil {
				return err
			}
			status, err := svc.Status(cfg)
			if err != nil {
				return fmt.Errorf("service %s: %w", cfg.Name, err)
			}
			fmt.Printf("%s: %s\n", cfg.Name, svc.StatusString(status))
			return nil
		},
	}
	serviceCmd.AddCommand(statusCmd)

	return serviceCmd
}

// serviceConfig builds the service definition for role from the flags.
func serviceConfig(role string) (svc.Config, error) {
	r, err := svc.ParseRole(role)
	if err != nil {
		return svc.Config{}, err
	}
	cfg := svc.DefaultConfig(r)
	if svcName != "" {
		cfg.Name = svcName
	}
	if cfgFile != "" {
		abs, err := filepath.Abs(cfgFile)
		if err != nil {
			return svc.Config{}, fmt.Errorf("config path: %w", err)
		}
		cfg.ConfigPath = abs
	}
	return cfg, nil
}
