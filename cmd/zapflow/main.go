package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"zapflow/pkg/config"
	"zapflow/pkg/dispatch"
	"zapflow/pkg/escalation"
	"zapflow/pkg/eventlog"
	"zapflow/pkg/limiter"
	"zapflow/pkg/logx"
	"zapflow/pkg/metrics"
	"zapflow/pkg/proto"
	"zapflow/pkg/queue"
	"zapflow/pkg/resilience"
	"zapflow/pkg/scoring"
	"zapflow/pkg/store"
	"zapflow/pkg/transport"
	"zapflow/pkg/transport/meow"
	"zapflow/pkg/webapi"
)

// Version information - set by goreleaser via ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const inboundQueue = "inbound"

func main() {
	var (
		configPath  = flag.String("config", "zapflow.yaml", "Path to configuration file")
		dryRun      = flag.Bool("dry-run", false, "Use the in-memory fake transport instead of WhatsApp")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("zapflow %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
		os.Exit(0)
	}

	os.Exit(run(*configPath, *dryRun))
}

// run contains the main application logic and returns an exit code, so
// defers execute before the process exits.
func run(configPath string, dryRun bool) int {
	logger := logx.NewLogger("main")

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration failed: %v\n", err)
		return 1
	}

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Store failed: %v\n", err)
		return 1
	}
	defer func() { _ = st.Close() }()

	events, err := eventlog.NewWriter(cfg.EventLog.Dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Event log failed: %v\n", err)
		return 1
	}
	defer func() { _ = events.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	q := queue.New(st, inboundQueue, cfg.Dispatcher.RetryAttempts)
	m := metrics.New()

	// Transport: real WhatsApp gateway, or the recording fake for local
	// runs without a paired device.
	var sender transport.Sender
	var dialer transport.Dialer
	if dryRun {
		logger.Warn("Dry-run mode: outbound messages are recorded, not delivered")
		sender = transport.NewFakeSender()
		dialer = transport.NewFakeDialer()
	} else {
		gateway, err := meow.NewGateway(ctx, cfg.Store.Path+".sessions", q)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Transport failed: %v\n", err)
			return 1
		}
		sender = gateway
		dialer = gateway
	}

	manager := resilience.NewManager(cfg.Resilience, dialer)
	defer manager.Close()
	if gateway, ok := dialer.(*meow.Gateway); ok {
		gateway.SetLifecycleSink(manager)
	}

	protocol := escalation.NewProtocol(st, sender, cfg, m)
	scorer := scoring.NewKeywordScorer()
	dispatcher := dispatch.New(dispatch.Deps{
		Queue:    q,
		Store:    st,
		Gen:      dispatch.NewKnowledgeGenerator(st),
		Sender:   sender,
		Protocol: protocol,
		Limiter:  limiter.New(cfg.Dispatcher.RatePerSecond),
		Scorer:   scorer,
		Events:   events,
		Metrics:  m,
		Config:   cfg,
	})

	api := webapi.New(cfg.HTTP.Addr, st, q, protocol, dispatcher, scorer, m)

	// Mirror transport lifecycle into the event log and connected gauge.
	go func() {
		for ev := range manager.Events() {
			key := ev.Key.String()
			if ev.Phase == proto.PhaseConnected {
				m.Connected.WithLabelValues(key).Set(1)
			} else {
				m.Connected.WithLabelValues(key).Set(0)
			}
			if ev.Phase == proto.PhaseReconnecting {
				m.ReconnectAttempts.WithLabelValues(key).Inc()
			}
			_ = events.Write(eventlog.Event{
				Kind:      "transport_" + string(ev.Phase),
				TenantID:  ev.Key.TenantID,
				Key:       key,
				Detail:    string(ev.Cause),
				Timestamp: ev.Timestamp,
			})
		}
	}()

	for _, tenant := range cfg.Tenants {
		for _, instanceID := range tenant.Instances {
			manager.Connect(proto.InstanceKey{TenantID: tenant.ID, InstanceID: instanceID})
		}
	}

	errCh := make(chan error, 2)
	go func() { errCh <- api.Start() }()
	go func() { errCh <- dispatcher.Start(ctx) }()

	logger.Info("zapflow %s started, %d tenant(s) configured", version, len(cfg.Tenants))

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Component failed: %v", err)
			stop()
			shutdown(api, manager, cfg)
			return 1
		}
	}

	shutdown(api, manager, cfg)
	logger.Info("Shutdown complete")
	return 0
}

// shutdown drains the HTTP server and disconnects every instance.
func shutdown(api *webapi.Server, manager *resilience.Manager, cfg *config.Config) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Dispatcher.SendTimeout.Std())
	defer cancel()
	_ = api.Shutdown(shutdownCtx)

	for _, tenant := range cfg.Tenants {
		for _, instanceID := range tenant.Instances {
			manager.Disconnect(proto.InstanceKey{TenantID: tenant.ID, InstanceID: instanceID})
		}
	}
}
