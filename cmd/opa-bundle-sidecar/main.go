package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/open-policy-agent/opa-bundle-sidecar/internal/config"
	"github.com/open-policy-agent/opa-bundle-sidecar/internal/logging"
	"github.com/open-policy-agent/opa-bundle-sidecar/internal/server"
	"github.com/open-policy-agent/opa-bundle-sidecar/internal/service"
	"github.com/open-policy-agent/opa-bundle-sidecar/internal/sources"
	"github.com/open-policy-agent/opa-bundle-sidecar/internal/store"
	"github.com/open-policy-agent/opa-bundle-sidecar/internal/watch"
)

const watchNamespaceEnv = "WATCH_NAMESPACE"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configFile string
		namespace  string
		addr       string
		selector   string
		logLevel   string
		logFormat  string
	)

	cmd := &cobra.Command{
		Use:           "opa-bundle-sidecar",
		Short:         "Assemble policy-source ConfigMaps into an OPA bundle and serve it over HTTP",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			root := config.New()
			if configFile != "" {
				parsed, err := config.Parse(configFile)
				if err != nil {
					return fmt.Errorf("load config %q: %w", configFile, err)
				}
				root = parsed
			}

			// Flags and environment override the file.
			if namespace != "" {
				root.Namespace = namespace
			}
			if root.Namespace == "" {
				root.Namespace = os.Getenv(watchNamespaceEnv)
			}
			if cmd.Flags().Changed("addr") {
				root.Addr = addr
			}
			if cmd.Flags().Changed("label-selector") {
				root.LabelSelector = selector
			}
			if logLevel != "" {
				root.Logging.Level = logLevel
			}
			if logFormat != "" {
				root.Logging.Format = logFormat
			}

			if err := root.Validate(); err != nil {
				return err
			}

			return run(cmd.Context(), root)
		},
	}

	cmd.Flags().StringVarP(&configFile, "config", "c", "", "path to a YAML configuration file")
	cmd.Flags().StringVarP(&namespace, "namespace", "n", "", "namespace holding the policy-source configmaps")
	cmd.Flags().StringVar(&addr, "addr", config.DefaultAddr, "HTTP listen address")
	cmd.Flags().StringVar(&selector, "label-selector", config.DefaultLabelSelector, "label selector for policy-source configmaps")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	cmd.Flags().StringVar(&logFormat, "log-format", "", "log format (json or text)")

	return cmd
}

func run(ctx context.Context, root *config.Root) error {
	level, err := logging.ParseLevel(root.Logging.Level)
	if err != nil {
		return err
	}
	log := logging.NewLogger(logging.Config{Level: level, Format: root.Logging.Format})

	client, err := newClientset()
	if err != nil {
		return fmt.Errorf("connect to cluster: %w", err)
	}

	excluded, err := root.CompileExcluded()
	if err != nil {
		return err
	}

	cache := sources.NewCache(sources.Admission{
		MaxEntryBytes: root.MaxEntryBytes,
		Excluded:      excluded,
	}, log.WithField("component", "sources"))

	st := store.New()
	coordinator := service.NewCoordinator(cache, st, log.WithField("component", "builder")).
		WithDebounce(time.Duration(root.Debounce)).
		WithRetry(time.Duration(root.Retry))
	feed := watch.New(client, root.Namespace, root.LabelSelector, cache, coordinator.Trigger,
		log.WithField("component", "watch"))
	// Hold the first build until the informer has delivered the initial LIST,
	// so the first published bundle is the complete snapshot.
	coordinator.WithReady(feed.Synced())
	srv := server.New(st, log.WithField("component", "server")).WithAddress(root.Addr)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Infof("starting opa-bundle-sidecar: namespace=%q selector=%q addr=%s debounce=%s retry=%s",
		root.Namespace, root.LabelSelector, root.Addr, root.Debounce, root.Retry)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return feed.Run(ctx) })
	g.Go(func() error { return coordinator.Run(ctx) })
	g.Go(func() error { return srv.Run(ctx) })

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		log.Infof("shut down")
		return nil
	}
	return err
}

// newClientset prefers the in-cluster service account and falls back to the
// local kubeconfig so the sidecar can be run against a cluster from a dev
// machine.
func newClientset() (kubernetes.Interface, error) {
	cfg, err := rest.InClusterConfig()
	if err != nil {
		loadingRules := clientcmd.NewDefaultClientConfigLoadingRules()
		cfg, err = clientcmd.NewNonInteractiveDeferredLoadingClientConfig(loadingRules, nil).ClientConfig()
		if err != nil {
			return nil, err
		}
	}
	return kubernetes.NewForConfig(cfg)
}
