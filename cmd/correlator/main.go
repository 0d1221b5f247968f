// Wing correlation engine service entry point.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/forensiclab/wingcorrelate/pkg/driver"
	"github.com/forensiclab/wingcorrelate/pkg/engineconfig"
	"github.com/forensiclab/wingcorrelate/pkg/persist"
	"github.com/forensiclab/wingcorrelate/pkg/scoring"
	"github.com/forensiclab/wingcorrelate/pkg/wing"
)

func main() {
	wingPath := flag.String("wing", "", "path to the Wing correlation recipe (YAML)")
	configPath := flag.String("config", "", "path to the TimeWindowScanningConfig (YAML); defaults applied when omitted")
	outPath := flag.String("out", "", "path to write the CorrelationResult JSON to; stdout when omitted")
	rescore := flag.Bool("rescore", false, "recompute scores for the wing's already-persisted matches against its current scoring config, instead of running a new scan")
	metricsAddr := flag.String("metrics-addr", "", "address the Prometheus /metrics endpoint listens on; defaults to the config's metrics_addr, then :8080")
	healthAddr := flag.String("health-addr", ":8081", "address the /health and /ready endpoints listen on")
	flag.Parse()

	if *wingPath == "" {
		log.Fatal("-wing is required")
	}

	if *metricsAddr == "" {
		cfg, err := engineconfig.Load(*configPath)
		if err != nil {
			log.Fatalf("invalid config: %v", err)
		}
		if cfg.MetricsAddr != "" {
			*metricsAddr = cfg.MetricsAddr
		} else {
			*metricsAddr = ":8080"
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *rescore {
		if err := runRescore(ctx, *wingPath, *configPath, *outPath); err != nil {
			log.Fatalf("rescore failed: %v", err)
		}
		return
	}

	log.Println("Starting wing correlation engine...")

	d, err := driver.Open(ctx, *wingPath, *configPath)
	if err != nil {
		log.Fatalf("failed to open run: %v", err)
	}
	defer d.Close()

	ready := make(chan struct{})
	go startMetricsServer(*metricsAddr)
	go startHealthServer(*healthAddr, ready)

	go func() {
		<-ctx.Done()
		log.Println("shutdown signal received, cancelling run...")
		d.Cancel()
	}()

	result, err := d.Run(ctx)
	close(ready)
	if err != nil {
		log.Fatalf("run failed: %v", err)
	}

	log.Printf("run complete: %d matches, %d errors, %d warnings, %.2fs",
		len(result.Matches), len(result.Errors), len(result.Warnings), result.ExecutionDurationSeconds)

	if err := writeResult(*outPath, result); err != nil {
		log.Fatalf("failed to write result: %v", err)
	}
}

// runRescore re-scores a wing's persisted matches in place, without
// opening any source database, and writes the pass summary out.
func runRescore(ctx context.Context, wingPath, configPath, outPath string) error {
	w, err := wing.Load(wingPath)
	if err != nil {
		return err
	}
	cfg, err := engineconfig.Load(configPath)
	if err != nil {
		return err
	}
	store, err := persist.OpenSQLiteStore(ctx, cfg.CorrelationDBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	result, err := scoring.Rescore(ctx, store, w, w.WingID)
	if err != nil {
		return err
	}
	log.Printf("rescore complete: %d matches rescored, %d labels changed, %.2fs",
		result.MatchesRescored, result.LabelsChanged, result.Duration.Seconds())
	return writeResult(outPath, result)
}

// writeResult serializes the CorrelationResult to outPath, or stdout
// when outPath is empty.
func writeResult(outPath string, result any) error {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	if outPath == "" {
		_, err := os.Stdout.Write(append(data, '\n'))
		return err
	}
	return os.WriteFile(outPath, data, 0o644)
}

// startMetricsServer exposes Prometheus metrics for the duration of the run.
func startMetricsServer(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	log.Printf("metrics server listening on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
		log.Printf("metrics server stopped: %v", err)
	}
}

// startHealthServer exposes liveness (always OK once the process is up)
// and readiness (closed once the run has finished, so an orchestrator
// can tell a long scan apart from a crashed one) endpoints.
func startHealthServer(addr string, ready <-chan struct{}) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "OK")
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ready:
			w.WriteHeader(http.StatusOK)
			fmt.Fprint(w, "run complete")
		default:
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprint(w, "run in progress")
		}
	})
	log.Printf("health server listening on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
		log.Printf("health server stopped: %v", err)
	}
}
