// Storage gateway server.
//
// Wires the tenant pool registry, the blob-store adapter and the upload
// orchestrator together, exposes Prometheus metrics, and shuts down by
// draining every live tenant pool.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/SEESAI/supabase-storage/internal/backend"
	"github.com/SEESAI/supabase-storage/internal/backend/local"
	s3backend "github.com/SEESAI/supabase-storage/internal/backend/s3"
	"github.com/SEESAI/supabase-storage/internal/backend/signedurl"
	"github.com/SEESAI/supabase-storage/internal/config"
	"github.com/SEESAI/supabase-storage/internal/errs"
	"github.com/SEESAI/supabase-storage/internal/events"
	"github.com/SEESAI/supabase-storage/internal/logging"
	"github.com/SEESAI/supabase-storage/internal/metadata"
	"github.com/SEESAI/supabase-storage/internal/metrics"
	"github.com/SEESAI/supabase-storage/internal/signer"
	"github.com/SEESAI/supabase-storage/internal/tenant"
	"github.com/SEESAI/supabase-storage/internal/uploader"
)

const (
	janitorInterval = 1 * time.Minute
	shutdownGrace   = 10 * time.Second
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Can't use structured logging yet
		panic("configuration error: " + err.Error())
	}

	// Initialize structured logging
	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	}); err != nil {
		panic("logging init error: " + err.Error())
	}
	defer logging.Sync()

	logging.Info("storage gateway starting...",
		zap.String("listen", cfg.ListenAddr),
		zap.String("metrics", cfg.MetricsAddr),
		zap.String("backend", cfg.StorageBackend))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Tenant pool registry with TTL janitor
	registry := tenant.NewRegistry(tenant.PoolConfig{
		MaxConns:       cfg.DatabaseMaxConns,
		AcquireTimeout: cfg.DatabaseAcquireWait,
		Profile:        tenant.Profile(cfg.DatabasePoolProfile),
		SearchPath:     cfg.DatabaseSearchPath,
	}, cfg.DatabasePoolTTL)
	registry.StartJanitor(ctx, janitorInterval)

	// Blob-store adapter
	adapter, err := newAdapter(ctx, cfg)
	if err != nil {
		logging.Fatal("storage backend init failed", zap.Error(err))
	}
	defer adapter.Close()
	logging.Info("storage backend initialized", zap.String("type", cfg.StorageBackend))

	// Metadata broker over the tenant database
	db := tenant.NewDB(registry, cfg.DatabaseURL, cfg.DatabaseSuperUserURL)
	broker := metadata.NewBroker(db, metadata.NewStore())

	// Object-change event emitter
	emitter := events.NewEmitter()

	up := uploader.New(adapter, broker, emitter, uploader.Config{
		TenantID:        cfg.TenantID,
		StoreBucket:     cfg.DefaultBucket,
		GlobalSizeLimit: cfg.GlobalUploadLimit,
	})

	// Start metrics server
	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: metrics.Handler(),
	}
	go func() {
		logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			logging.Error("metrics server error", zap.Error(err))
		}
	}()

	// Health listener
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "pools=%d subscribers=%d\n", registry.Len(), emitter.Count())
	})
	// Administrative object removal. The public object API fronts this
	// service; only cleanup tooling talks to this endpoint.
	mux.HandleFunc("DELETE /admin/objects/{bucket}/{name...}", func(w http.ResponseWriter, r *http.Request) {
		bucketID := r.PathValue("bucket")
		name := r.PathValue("name")
		if bucketID == "" || name == "" {
			http.Error(w, "bucket and object name required", http.StatusBadRequest)
			return
		}
		if err := up.DeleteObject(r.Context(), bucketID, name, r.Header.Get("X-Request-Id")); err != nil {
			if errors.Is(err, errs.ErrNotFound) {
				http.Error(w, "object not found", http.StatusNotFound)
				return
			}
			logging.Error("admin delete failed",
				zap.String("bucket", bucketID),
				zap.String("name", name),
				zap.Error(err))
			http.Error(w, "delete failed", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}

	// Periodic pool gauge refresh
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				metrics.SetPoolsActive(registry.Len())
			}
		}
	}()

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logging.Info("shutting down...")
		cancel()

		shutdownCtx, done := context.WithTimeout(context.Background(), shutdownGrace)
		defer done()
		httpServer.Shutdown(shutdownCtx)
		metricsServer.Shutdown(shutdownCtx)

		if err := registry.Shutdown(); err != nil {
			logging.Error("tenant pool shutdown reported errors", zap.Error(err))
		}
	}()

	logging.Info("server listening", zap.String("addr", cfg.ListenAddr))
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		logging.Fatal("server error", zap.Error(err))
	}
	logging.Info("shutdown complete")
}

// newAdapter builds the blob-store adapter named by STORAGE_BACKEND. The
// dispatch lives here rather than in the backend package so the parent
// package never imports its own children.
func newAdapter(ctx context.Context, cfg *config.Config) (backend.Adapter, error) {
	switch cfg.StorageBackend {
	case "s3":
		return s3backend.New(ctx, s3backend.Config{
			Endpoint:       cfg.S3Endpoint,
			Region:         cfg.S3Region,
			AccessKey:      cfg.S3AccessKey,
			SecretKey:      cfg.S3SecretKey,
			ForcePathStyle: cfg.S3ForcePathStyle,
			URLExpiry:      cfg.URLExpiry,
		})
	case "signedurl":
		pemData, err := os.ReadFile(cfg.SignerKeyFile)
		if err != nil {
			return nil, fmt.Errorf("read signer key: %w", err)
		}
		key, err := signer.ParseRSAPrivateKey(pemData)
		if err != nil {
			return nil, fmt.Errorf("parse signer key: %w", err)
		}
		return signedurl.New(signedurl.Config{
			Endpoint:  cfg.SignedURLEndpoint,
			URLExpiry: cfg.URLExpiry,
			Signer: &signer.Signer{
				Identity:    cfg.SignerIdentity,
				Region:      cfg.SignerRegion,
				Service:     "storage",
				RequestType: "sig4_request",
				SignBlob:    signer.RSASignBlob(key),
			},
		})
	case "local":
		return local.New(local.Config{RootPath: cfg.LocalStoragePath})
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
	}
}
