// Package cmd implements the tapguard subcommands.
package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"grimm.is/tapguard/internal/config"
	"grimm.is/tapguard/internal/firewall"
	"grimm.is/tapguard/internal/logging"
	"grimm.is/tapguard/internal/metrics"
)

// setup loads the configuration, configures logging, probes the host
// tools and returns a ready driver.
func setup(configFile string) (*config.Config, *firewall.Driver, error) {
	cfg := config.DefaultConfig()
	if configFile != "" {
		loaded, err := config.LoadFile(configFile)
		if err != nil {
			return nil, nil, err
		}
		cfg = loaded
	}

	logCfg := logging.DefaultConfig()
	switch cfg.LogLevel {
	case "debug":
		logCfg.Level = logging.LevelDebug
	case "warn":
		logCfg.Level = logging.LevelWarn
	case "error":
		logCfg.Level = logging.LevelError
	}
	if cfg.Syslog {
		if w, err := logging.NewSyslogWriter(logging.DefaultSyslogConfig()); err == nil {
			logCfg.Output = logging.MultiWriter(os.Stderr, w)
		}
	}
	logging.SetDefault(logging.New(logCfg))

	runner := firewall.DefaultCommandRunner
	caps := firewall.Probe(runner, firewall.ProbeOptions{
		EbtablesPath:     cfg.EbtablesPath,
		IptablesPath:     cfg.IptablesPath,
		Ip6tablesPath:    cfg.Ip6tablesPath,
		DisableFirewalld: cfg.DisableFirewalld,
	})

	if cfg.MetricsListen != "" {
		go serveMetrics(cfg.MetricsListen)
	}

	return cfg, firewall.NewDriver(runner, caps), nil
}

func serveMetrics(addr string) {
	start := time.Now()
	go func() {
		for range time.Tick(15 * time.Second) {
			metrics.Get().Uptime.Set(time.Since(start).Seconds())
		}
	}()
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/logs", serveRecentLogs)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logging.Error("metrics endpoint failed", "addr", addr, "error", err)
	}
}

// serveRecentLogs dumps the in-memory log tail as JSON so a failed
// deployment can be inspected without shell access to the journal.
func serveRecentLogs(w http.ResponseWriter, r *http.Request) {
	n := 200
	if s := r.URL.Query().Get("n"); s != "" {
		if v, err := strconv.Atoi(s); err == nil && v > 0 {
			n = v
		}
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(logging.Recent(n)); err != nil {
		logging.Error("log endpoint failed", "error", err)
	}
}

func loadRuleSet(path string) (*config.RuleSet, error) {
	rs, err := config.LoadRuleSetFile(path)
	if err != nil {
		return nil, err
	}
	if len(rs.Filters) == 0 {
		return nil, fmt.Errorf("no filter blocks in %s", path)
	}
	return rs, nil
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
