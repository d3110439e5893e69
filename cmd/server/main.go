package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"voxelstruct.ai/internal/persistence/indexdb"
	"voxelstruct.ai/internal/transport/ws"
)

func main() {
	var (
		addr        = flag.String("addr", ":8080", "http listen address")
		dataDir     = flag.String("data", "./data", "runtime data directory")
		keepExports = flag.Bool("keep_exports", true, "keep a copy of every built document under <data>/exports")
		maxVolume   = flag.Int("max_volume", 1<<22, "max plan volume (x*y*z) accepted per BUILD")
		maxWork     = flag.Int64("max_work", 0, "max cell writes (grid + fills + blocks) per BUILD; 0 means 16*max_volume")
		maxBuilds   = flag.Int("max_builds", 4, "max concurrent builds across all sessions")
		disableDB   = flag.Bool("disable_db", false, "disable the export index")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	if err := os.MkdirAll(*dataDir, 0o755); err != nil {
		logger.Fatalf("data dir: %v", err)
	}

	idx, err := openRuntimeIndex(*dataDir, *disableDB, logger)
	if err != nil {
		logger.Fatalf("open index backend: %v", err)
	}
	sinks, err := openExportSinks(*dataDir, envBool("VS_EXPORT_LOG", !*disableDB), logger)
	if err != nil {
		logger.Fatalf("open export sinks: %v", err)
	}
	recorder := exportRecorder(idx, sinks...)
	if recorder != nil {
		defer recorder.Close()
	}

	cache, closeCache, err := openBuildCache(logger)
	if err != nil {
		logger.Fatalf("open build cache: %v", err)
	}
	defer closeCache()

	exportDir := ""
	if *keepExports {
		exportDir = filepath.Join(*dataDir, "exports")
	}
	mirror, err := buildR2Mirror(exportDir, logger)
	if err != nil {
		logger.Fatalf("init r2 mirror: %v", err)
	}
	// Drain uploads before the index closes.
	defer mirror.Close()

	buildSrv := ws.NewServer(ws.Config{
		MaxVolume:           *maxVolume,
		MaxWork:             *maxWork,
		MaxConcurrentBuilds: *maxBuilds,
		OutDir:              exportDir,
		Index:               recorder,
		Mirror:              mirror,
		Cache:               cache,
	}, logger)

	reg := newMetricsRegistry(buildSrv, idx, sinks, mirror)
	mux := newMux(buildSrv, idx, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), logger)

	ctx, cancel := signalContext()
	defer cancel()

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("listening on %s", *addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}
}

// exportRecorder fans records out to the query index and the sinks.
func exportRecorder(idx indexdb.Index, sinks ...indexdb.Index) indexdb.Index {
	var all indexdb.Multi
	if idx != nil {
		all = append(all, idx)
	}
	all = append(all, sinks...)
	switch len(all) {
	case 0:
		return nil
	case 1:
		return all[0]
	}
	return all
}

func newMux(buildSrv *ws.Server, idx indexdb.Index, metrics http.Handler, logger *log.Logger) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.Handle("/metrics", metrics)
	mux.HandleFunc("/v1/build", buildSrv.Handler())

	if sq, ok := idx.(*indexdb.SQLiteIndex); ok && envBool("VS_ENABLE_ADMIN_HTTP", defaultEnableAdminHTTP()) {
		// Local-only read endpoints over the sqlite index.
		mux.HandleFunc("GET /admin/v1/exports", func(rw http.ResponseWriter, r *http.Request) {
			if !isLoopbackRemote(r.RemoteAddr) {
				http.Error(rw, "forbidden", http.StatusForbidden)
				return
			}
			limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
			rows, err := sq.List(r.Context(), limit)
			if err != nil {
				http.Error(rw, err.Error(), http.StatusInternalServerError)
				return
			}
			rw.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(rw).Encode(map[string]any{"exports": rows})
		})
		mux.HandleFunc("GET /admin/v1/exports/{id}", func(rw http.ResponseWriter, r *http.Request) {
			if !isLoopbackRemote(r.RemoteAddr) {
				http.Error(rw, "forbidden", http.StatusForbidden)
				return
			}
			e, err := sq.Get(r.Context(), r.PathValue("id"))
			if errors.Is(err, indexdb.ErrNotFound) {
				http.Error(rw, "not found", http.StatusNotFound)
				return
			}
			if err != nil {
				http.Error(rw, err.Error(), http.StatusInternalServerError)
				return
			}
			rw.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(rw).Encode(e)
		})
	} else {
		logger.Printf("admin endpoints disabled (sqlite index off or VS_ENABLE_ADMIN_HTTP=false)")
	}

	if envBool("VS_ENABLE_PPROF_HTTP", false) {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
	return mux
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func defaultEnableAdminHTTP() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("DEPLOY_ENV"))) {
	case "staging", "production":
		return false
	default:
		return true
	}
}
