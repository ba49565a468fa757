package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/firezone/firezone-sub012/internal/buildinfo"
	"github.com/firezone/firezone-sub012/internal/changelog"
	"github.com/firezone/firezone-sub012/internal/clientsession"
	"github.com/firezone/firezone-sub012/internal/config"
	"github.com/firezone/firezone-sub012/internal/gatewaysession"
	"github.com/firezone/firezone-sub012/internal/geoip"
	"github.com/firezone/firezone-sub012/internal/hooks"
	"github.com/firezone/firezone-sub012/internal/metrics"
	"github.com/firezone/firezone-sub012/internal/presence"
	"github.com/firezone/firezone-sub012/internal/pubsub"
	"github.com/firezone/firezone-sub012/internal/refsign"
	"github.com/firezone/firezone-sub012/internal/store"
	"github.com/firezone/firezone-sub012/internal/transport"
	"github.com/firezone/firezone-sub012/internal/wal"
)

func main() {
	// 1. Load and validate environment config
	envCfg, err := config.LoadEnvConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
	log.Printf("control plane %s (%s, built %s) starting",
		buildinfo.Version, buildinfo.GitCommit, buildinfo.BuildTime)

	// 2. Connect to the database and apply the audit-log migration
	bootCtx, cancelBoot := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelBoot()

	st, err := store.New(bootCtx, envCfg.DatabaseURL)
	if err != nil {
		log.Fatalf("store: %v", err)
	}
	defer st.Close()
	if err := changelog.Migrate(envCfg.DatabaseURL); err != nil {
		log.Fatalf("migrate: %v", err)
	}

	// 3. Wire the in-process fabric: broker, presence, geoip, signing, compat
	broker := pubsub.NewBroker()
	registry := presence.NewRegistry(broker)
	signer := refsign.NewSigner(envCfg.SecretKeyBase)
	compat := transport.NewVersionCompat(
		envCfg.MinClientVersionInPlaceUpdates, envCfg.MinGatewayVersionFlowMessages)
	mets := metrics.New()

	geo, err := geoip.NewService(envCfg.GeoIPDBPath, envCfg.GeoIPReloadSchedule)
	if err != nil {
		log.Fatalf("geoip: %v", err)
	}
	if err := geo.Start(); err != nil {
		log.Fatalf("geoip: %v", err)
	}
	defer geo.Stop()

	// 4. Replication pipeline: sink + dispatcher behind one WAL handler
	dispatcher := hooks.NewDispatcher(broker, st)
	var consumer *wal.Consumer
	sink := changelog.NewSink(st.Pool(), envCfg.AuditFlushBatchSize, envCfg.AuditFlushInterval,
		func(lsn uint64) {
			mets.AuditFlushes.Inc()
			consumer.SetFlushedLSN(lsn)
		})

	consumer, err = wal.NewConsumer(wal.Config{
		ConnString:     envCfg.DatabaseURL,
		Slot:           envCfg.ReplicationSlot,
		Publication:    envCfg.Publication,
		StatusInterval: envCfg.WALStatusInterval,
		Handler: func(ev wal.Event) {
			mets.WALEvents.WithLabelValues(string(ev.Op), ev.Table).Inc()
			sink.Record(ev)
			dispatcher.HandleEvent(ev)
		},
	})
	if err != nil {
		log.Fatalf("wal: %v", err)
	}

	recovered, err := sink.RecoverLSN(bootCtx)
	if err != nil {
		log.Fatalf("changelog: %v", err)
	}
	consumer.SetFlushedLSN(recovered)
	sink.Start()
	consumer.Start()

	// 5. Socket server
	srv := transport.NewServer(transport.Config{
		ListenAddress: net.JoinHostPort(envCfg.ListenAddress, strconv.Itoa(envCfg.Port)),
		Store:         st,
		Auth:          transport.NewTokenAuthenticator(st, envCfg.SecretKeyBase),
		Compat:        compat,
		Metrics:       mets,
		ClientDeps: clientsession.Deps{
			Store:    st,
			Broker:   broker,
			Presence: registry,
			Regions:  geo,
			Compat:   compat,
		},
		GatewayDeps: gatewaysession.Deps{
			Store:    st,
			Broker:   broker,
			Presence: registry,
			Regions:  geo,
			Compat:   compat,
			Signer:   signer,
		},
	})
	go func() {
		if err := srv.Start(); err != nil {
			log.Fatalf("server: %v", err)
		}
	}()

	// 6. Graceful shutdown: stop ingest first so the sink drains, then the
	// sockets
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Printf("received signal %s, shutting down...", sig)

	consumer.Stop()
	sink.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("server shutdown error: %v", err)
	}
	log.Println("control plane stopped")
}
