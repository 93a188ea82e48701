package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-resty/resty/v2"
	log "github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"

	"github.com/Brownie44l1/image-tagger/internal/config"
	"github.com/Brownie44l1/image-tagger/internal/handlers"
	"github.com/Brownie44l1/image-tagger/internal/labels"
	"github.com/Brownie44l1/image-tagger/internal/metrics"
	"github.com/Brownie44l1/image-tagger/internal/model"
)

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	config.LoadDotenv()
	cfg, err := config.Parse(os.Args[1:], os.Getenv)
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		log.Fatalf("[Main] Invalid configuration: %v", err)
	}
	log.SetLevel(cfg.LogLevel)

	root := projectRoot()
	cfg.ModelPath = resolve(root, cfg.ModelPath)
	cfg.LabelsPath = resolve(root, cfg.LabelsPath)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	loader := &labels.Loader{
		Path:       cfg.LabelsPath,
		URL:        cfg.LabelsURL,
		Client:     resty.New().SetTimeout(cfg.FetchTimeout),
		MaxElapsed: cfg.FetchTimeout,
	}
	catalog, err := loader.Load(ctx)
	if err != nil {
		log.Fatalf("[Main] Failed to load label catalog: %v", err)
	}

	log.Infof("[Main] Loading model from: %s", cfg.ModelPath)
	modelServer, err := model.NewServer(cfg.ModelPath, model.Options{
		SharedLibraryPath: cfg.OnnxRuntimeLib,
		IntraOpThreads:    cfg.IntraOpThreads,
		Serialize:         cfg.SerializeInference,
	})
	if err != nil {
		log.Fatalf("[Main] Failed to initialize model server: %v", err)
	}
	defer modelServer.Close()

	if width := modelServer.Metadata.OutputWidth(); width != catalog.Len() {
		modelServer.Close()
		log.Fatalf("[Main] Model produces %d scores but the label catalog has %d classes", width, catalog.Len())
	}

	handler := handlers.NewHandler(modelServer, catalog, metrics.New(), handlers.Options{
		TopK:           cfg.TopK,
		MaxUploadBytes: cfg.MaxUploadBytes,
		ModelName:      filepath.Base(cfg.ModelPath),
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Infof("[Main] Server starting on %s", cfg.Addr)
	log.Infof("[Main] Classes: %d, top-k: %d", catalog.Len(), cfg.TopK)
	log.Info("[Main] Endpoints:")
	log.Info("  GET  /health  - Health check")
	log.Info("  POST /analyze - Feature vector and tags for an uploaded image")
	log.Info("  GET  /metrics - Prometheus metrics")

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		modelServer.Close()
		log.Fatalf("[Main] Failed to listen on %s: %v", cfg.Addr, err)
	}
	if err := serve(ctx, srv, ln, 30*time.Second); err != nil {
		log.Errorf("[Main] Server failed: %v", err)
		stop()
		modelServer.Close()
		os.Exit(1)
	}
	log.Info("[Main] Server stopped")
}

// serve runs srv on ln until ctx is cancelled. It returns only after
// in-flight requests have drained or grace has run out, so the caller can
// release what the handlers use.
func serve(ctx context.Context, srv *http.Server, ln net.Listener, grace time.Duration) error {
	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()
		log.Info("[Main] Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Error("[Main] Error shutting down server")
		}
	}()

	if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	<-done
	return nil
}

// projectRoot is the working directory, or the repository root when started
// from cmd/server.
func projectRoot() string {
	wd, err := os.Getwd()
	if err != nil {
		log.Fatalf("[Main] Failed to get working directory: %v", err)
	}
	if filepath.Base(wd) == "server" && filepath.Base(filepath.Dir(wd)) == "cmd" {
		return filepath.Join(wd, "../..")
	}
	return wd
}

func resolve(root, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(root, path)
}
