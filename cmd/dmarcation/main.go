// Command dmarcation is a milter that makes outbound messages DMARC-safe:
// it reversibly rewrites the From address into an encoded alias under a
// configured domain and stashes the original in X-Original-From, so a later
// stage can restore it.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dmarcation/dmarcation/filter"
	"github.com/dmarcation/dmarcation/internal/config"
	"github.com/dmarcation/dmarcation/milter"
	"github.com/dmarcation/dmarcation/rewrite"
)

// set by the linker
var version = "devel"

func main() {
	configPath := flag.String("config", "/etc/dmarcation.toml", "path to the configuration file")
	listen := flag.String("listen", "", "override the milter listener, e.g. tcp://127.0.0.1:1999 or unix:///run/dmarcation.sock")
	showVersion := flag.Bool("version", false, "print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("dmarcation %s\n", version)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dmarcation: %v\n", err)
		os.Exit(1)
	}
	if *listen != "" {
		cfg.Network, cfg.Address, err = config.ParseListen(*listen, config.DefaultPort)
		if err != nil {
			fmt.Fprintf(os.Stderr, "dmarcation: %v\n", err)
			os.Exit(1)
		}
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	rewriter := &rewrite.Rewriter{
		Domain:    cfg.Domain,
		QuoteChar: cfg.QuoteChar,
		Rules:     cfg.Rules,
		Forward:   cfg.Forward,
		Reverse:   cfg.Reverse,
	}

	if cfg.Network == "unix" {
		// a stale socket from a previous run would make Listen fail
		_ = os.Remove(cfg.Address)
	}
	ln, err := net.Listen(cfg.Network, cfg.Address)
	if err != nil {
		logger.Error("cannot listen", "network", cfg.Network, "address", cfg.Address, "error", err)
		os.Exit(1)
	}
	if cfg.Network == "unix" {
		if err := os.Chmod(cfg.Address, 0660); err != nil {
			logger.Error("cannot chmod socket", "path", cfg.Address, "error", err)
			os.Exit(1)
		}
		defer os.Remove(cfg.Address)
	}

	server := milter.NewServer(
		milter.WithMilter(filter.New(rewriter, logger)),
		milter.WithActions(milter.OptAddHeader|milter.OptChangeHeader),
		milter.WithProtocol(milter.OptNoBody),
		milter.WithLogger(logger),
	)

	if cfg.MetricsAddress != "" {
		r := mux.NewRouter()
		r.Handle("/metrics", promhttp.Handler())
		r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok\n"))
		})
		httpSrv := &http.Server{
			Addr:         cfg.MetricsAddress,
			Handler:      r,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
		go func() {
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics listener failed", "address", cfg.MetricsAddress, "error", err)
			}
		}()
		logger.Info("metrics listening", "address", cfg.MetricsAddress)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sig
		logger.Info("shutting down", "signal", s.String())
		_ = server.Close()
	}()

	logger.Info("dmarcation started", "version", version, "network", cfg.Network, "address", ln.Addr().String(),
		"forward", cfg.Forward, "reverse", cfg.Reverse, "domain", cfg.Domain)
	if err := server.Serve(ln); err != nil && !errors.Is(err, milter.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}
