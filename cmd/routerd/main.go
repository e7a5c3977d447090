// Command routerd wires the packet-batching pipeline together: the
// Batcher at its head, the LPM and (optionally) GeoIP compute stages in
// the middle, the device-to-host copy-back stage, and the transmit stage
// at its tail — then serves the control-plane API alongside it.
//
// Packet ingestion itself (the concrete NIC/netmap RX loop) is out of
// scope here, the same way the accelerator and TX ring are reached only
// through pkg/accel.Provider and pkg/txring.Device: whatever feeds packets
// in calls Batcher.Push per packet; this command wires everything
// downstream of that call.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"routerd/internal/api"
	"routerd/internal/config"
	"routerd/internal/diagnostics"
	"routerd/internal/diagnostics/selfcheck"
	"routerd/internal/metrics"
	"routerd/internal/platform/logger"
	"routerd/internal/routesource"
	"routerd/internal/routesource/azureblob"
	"routerd/internal/routesource/static"
	"routerd/internal/secrets"
	"routerd/internal/secrets/vault"
	"routerd/internal/telemetry"
	"routerd/internal/version"
	"routerd/pkg/accel/simaccel"
	"routerd/pkg/batcher"
	"routerd/pkg/d2h"
	"routerd/pkg/geoip"
	"routerd/pkg/lpm"
	"routerd/pkg/pbatch"
	routerdtls "routerd/pkg/tls"
	"routerd/pkg/transmit"
	"routerd/pkg/txring/simring"
)

func main() {
	showVersion := flag.Bool("version", false, "Print version and exit")
	healthCheck := flag.Bool("health", false, "Perform health check against a running instance and exit")
	diagMode := flag.Bool("diagnostics", false, "Print diagnostic information and exit")
	diagFormat := flag.String("diag-format", "text", "Diagnostics output format (text|json)")
	diagEnv := flag.Bool("diag-env", false, "Include environment variables in diagnostics")
	flag.Parse()

	cfg := config.Load()

	if *showVersion {
		fmt.Printf("routerd %s (commit %s, date %s)\n", version.Version, version.Commit, version.Date)
		return
	}
	if *diagMode {
		info := diagnostics.Collect(cfg, *diagEnv)
		if err := diagnostics.Print(info, *diagFormat); err != nil {
			fmt.Fprintf(os.Stderr, "error printing diagnostics: %v\n", err)
			os.Exit(1)
		}
		return
	}
	if *healthCheck {
		os.Exit(performHealthCheck(cfg))
	}

	if errs, warns := cfg.Validate(); len(errs) > 0 {
		for _, e := range errs {
			fmt.Fprintf(os.Stderr, "config error: %s\n", e)
		}
		os.Exit(2)
	} else if len(warns) > 0 {
		for _, w := range warns {
			fmt.Fprintf(os.Stderr, "config warning: %s\n", w)
		}
	}

	if cfg.API.TLS.AutoCert.Enabled && !cfg.TLSConfigured() {
		outDir := cfg.API.TLS.AutoCert.OutputDir
		certPath, keyPath, rotated, err := routerdtls.EnsurePairFresh(
			"", "",
			append(cfg.API.TLS.AutoCert.Hosts, cfg.API.Host, "localhost", "127.0.0.1"),
			time.Duration(cfg.API.TLS.AutoCert.ValidDays)*24*time.Hour,
			time.Duration(cfg.API.TLS.AutoCert.RenewBeforeDays)*24*time.Hour,
			cfg.API.TLS.AutoCert.CommonName,
		)
		if err != nil {
			log.Printf("api tls autocert failed: %v", err)
		} else {
			cfg.API.TLS.CertFile = certPath
			cfg.API.TLS.KeyFile = keyPath
			if rotated {
				log.Printf("api tls autocert generated: cert=%s key=%s dir=%s", certPath, keyPath, outDir)
			}
		}
	}

	logger.Init(logger.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	log := logger.Zap()
	log.Info("starting routerd", zap.String("version", version.Version), zap.String("commit", version.Commit))

	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		log.Fatal("telemetry init failed", zap.Error(err))
	}
	defer func() {
		sdCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sdCtx); err != nil {
			log.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()

	provider := simaccel.New()

	b := batcher.New(batcher.Config{
		Capacity:      cfg.Batcher.Capacity,
		Timeout:       cfg.Batcher.Timeout,
		NThreads:      cfg.Batcher.NThreads,
		MTPushers:     cfg.Batcher.MTPushers,
		BatchPrealloc: cfg.Batcher.BatchPrealloc,
		ForcePktLens:  cfg.Batcher.ForcePktLens,
		Test:          cfg.Batcher.Test,
		SliceBegin:    cfg.Batcher.SliceBegin,
		SliceEnd:      cfg.Batcher.SliceEnd,
		AnnBegin:      cfg.Batcher.AnnBegin,
		AnnEnd:        cfg.Batcher.AnnEnd,
	}, provider, log)

	lpmStage, err := lpm.New(b, provider, log)
	if err != nil {
		log.Fatal("lpm stage init failed", zap.Error(err))
	}
	lpmStage.SetProducer(b)

	var geoipStage *geoip.Stage
	if cfg.GeoIP.Enabled {
		geoipStage, err = geoip.New(cfg.GeoIP.DBPath, b, log)
		if err != nil {
			log.Fatal("geoip stage init failed", zap.Error(err))
		}
		geoipStage.SetProducer(b)
	}

	if err := b.Initialize(); err != nil {
		log.Fatal("batcher init failed", zap.Error(err))
	}

	txDevice := simring.NewDevice(cfg.Transmit.NRings, cfg.Transmit.SlotsPerRing, cfg.Transmit.BufSize)
	transmitStage := transmit.New(txDevice, transmit.Config{
		Port:     cfg.Transmit.Port,
		Burst:    cfg.Transmit.Burst,
		PollMode: cfg.Transmit.PollMode,
	}, lpmStage.AnnoHandle(), log)

	d2hStage := d2h.New(provider)

	var stats pipelineStats

	onError := func(stage string, pb *pbatch.PBatch, err error) {
		log.Error("pipeline stage failed, dropping batch", zap.String("stage", stage), zap.Error(err))
		b.KillBatch(pb)
	}

	// geoip runs after d2h: it writes its country-code annotation straight
	// into host memory and never touches the device, so it must run after
	// the device-to-host copy-back — otherwise d2h's copy of lpm's
	// device-mirrored annotation region would stomp geoip's host-only write.
	transmitStage.SetSink(func(pb *pbatch.PBatch) {
		stats.packetsSent.Add(uint64(pb.NPkts))
		b.KillBatch(pb)
	})
	if geoipStage != nil {
		geoipStage.SetSink(func(pb *pbatch.PBatch) {
			if err := transmitStage.Push(context.Background(), pb); err != nil {
				onError("transmit", pb, err)
			}
		})
		d2hStage.SetSink(func(pb *pbatch.PBatch) {
			if err := geoipStage.Push(context.Background(), pb); err != nil {
				onError("geoip", pb, err)
			}
		})
	} else {
		d2hStage.SetSink(func(pb *pbatch.PBatch) {
			if err := transmitStage.Push(context.Background(), pb); err != nil {
				onError("transmit", pb, err)
			}
		})
	}
	lpmStage.SetSink(func(pb *pbatch.PBatch) {
		if err := d2hStage.Push(context.Background(), pb); err != nil {
			onError("d2h", pb, err)
		}
	})
	b.SetSink(func(pb *pbatch.PBatch) {
		stats.batchesEmitted.Add(1)
		stats.packetsBatched.Add(uint64(pb.NPkts))
		if err := lpmStage.Push(context.Background(), pb); err != nil {
			onError("lpm", pb, err)
		}
	})

	var vaultClient *vault.Client
	if cfg.Secrets.Vault.Enabled {
		vaultClient, err = vault.NewClient(cfg)
		if err != nil {
			log.Fatal("vault client init failed", zap.Error(err))
		}
		if err := secrets.ReplacePlaceholders(ctx, cfg, vaultClient); err != nil {
			log.Fatal("resolving vault:// placeholders in config failed", zap.Error(err))
		}
	}

	var secretsResolver azureblob.SecretResolver
	if vaultClient != nil {
		secretsResolver = vaultClient // avoid wrapping a nil *vault.Client in a non-nil interface
	}

	var routeSource routesource.Source
	switch cfg.RouteSource.Kind {
	case "azureblob":
		routeSource, err = azureblob.New(cfg, secretsResolver)
		if err != nil {
			log.Fatal("azureblob routesource init failed", zap.Error(err))
		}
	default:
		routeSource = static.New(cfg.RouteSource.StaticRoutesFile)
	}
	routeCtrl := routesource.New(routeSource, lpmStage, cfg.RouteSource.AzureBlob.PollInterval, log)
	if err := routeCtrl.Run(ctx); err != nil {
		log.Fatal("initial route table load failed", zap.Error(err))
	}

	healthDeps := selfcheck.Dependencies{RouteSource: routeCtrl}
	if vaultClient != nil {
		healthDeps.Vault = vaultClient
	}

	apiApp := api.New(cfg, log, api.Deps{
		HealthCheck: func(ctx context.Context) error {
			return selfcheck.Run(ctx, cfg, healthDeps)
		},
		Stats: func() api.Stats {
			return api.Stats{
				BatchesEmitted: stats.batchesEmitted.Load(),
				PacketsBatched: stats.packetsBatched.Load(),
				PacketsSent:    stats.packetsSent.Load(),
			}
		},
		Routes: routeCtrl,
	})

	go func() {
		addr := cfg.APIAddr()
		var err error
		if cfg.TLSConfigured() {
			err = apiApp.ListenTLS(addr, cfg.API.TLS.CertFile, cfg.API.TLS.KeyFile)
		} else {
			err = apiApp.Listen(addr)
		}
		if err != nil {
			log.Error("api server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutdown signal received")
	sdCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := apiApp.ShutdownWithContext(sdCtx); err != nil {
		log.Error("graceful api shutdown failed", zap.Error(err))
	}
	log.Info("shutdown complete")
}

type pipelineStats struct {
	batchesEmitted atomic.Uint64
	packetsBatched atomic.Uint64
	packetsSent    atomic.Uint64
}

func performHealthCheck(cfg *config.Config) int {
	scheme := "http"
	if cfg.TLSConfigured() {
		scheme = "https"
	}
	url := fmt.Sprintf("%s://%s/healthz", scheme, cfg.APIAddr())

	client := &http.Client{
		Timeout: 5 * time.Second,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
	}
	resp, err := client.Get(url)
	if err != nil {
		log.Printf("health check %s failed: %v", url, err)
		return 1
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		log.Printf("health check %s failed: HTTP %d", url, resp.StatusCode)
		return 1
	}
	log.Printf("health check %s passed", url)
	return 0
}
