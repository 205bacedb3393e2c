package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/EL-HOUSS-BRAHIM/quick-chat-sub001/internal/device"
	"github.com/EL-HOUSS-BRAHIM/quick-chat-sub001/internal/domain"
	callService "github.com/EL-HOUSS-BRAHIM/quick-chat-sub001/internal/service/call"
	consentService "github.com/EL-HOUSS-BRAHIM/quick-chat-sub001/internal/service/consent"
	"github.com/EL-HOUSS-BRAHIM/quick-chat-sub001/internal/signaling"
	"github.com/EL-HOUSS-BRAHIM/quick-chat-sub001/pkg/audit"
	"github.com/EL-HOUSS-BRAHIM/quick-chat-sub001/pkg/config"
	"github.com/EL-HOUSS-BRAHIM/quick-chat-sub001/pkg/constants"
	"github.com/EL-HOUSS-BRAHIM/quick-chat-sub001/pkg/env"
	"github.com/EL-HOUSS-BRAHIM/quick-chat-sub001/pkg/logger"
	"github.com/EL-HOUSS-BRAHIM/quick-chat-sub001/pkg/metrics"
	"github.com/EL-HOUSS-BRAHIM/quick-chat-sub001/pkg/relay"
	"github.com/EL-HOUSS-BRAHIM/quick-chat-sub001/pkg/session"
)

func main() {
	ctx := context.Background()

	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// 2. Initialize logger
	if err := logger.Init(&logger.Config{
		Level:    cfg.Log.Level,
		Format:   cfg.Log.Format,
		Output:   cfg.Log.Output,
		FilePath: cfg.Log.FilePath,
	}); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()
	log.Println("✅ Logger initialized")

	// 3. Resolve the local user identity from the session token
	localUserID := env.GetString("LOCAL_USER_ID", "")
	if cfg.Agent.SessionToken != "" {
		userID, err := session.ExtractUserID(cfg.Agent.SessionToken)
		if err != nil {
			log.Fatalf("Failed to read user id from session token: %v", err)
		}
		localUserID = userID
	}
	if localUserID == "" {
		if cfg.Agent.Environment == "production" {
			log.Fatal("❌ Fatal: no local user identity (set SESSION_TOKEN)")
		}
		localUserID = domain.NewCallID()
		log.Printf("ℹ️  No session token, using generated user id %s (development mode)", localUserID)
	}
	log.Printf("✅ Local user: %s", localUserID)

	// 4. Initialize metrics
	appMetrics := metrics.NewMetrics(cfg.Agent.ServiceName)
	log.Println("✅ Metrics registered")

	// 5. Initialize audit logger
	auditLog := audit.NewAuditLogger(cfg.Audit.Endpoint, cfg.Agent.SessionToken, cfg.Audit.Timeout)
	if cfg.Audit.Endpoint == "" {
		log.Println("ℹ️  AUDIT_ENDPOINT not set, audit events are local-only")
	} else {
		log.Printf("✅ Audit endpoint: %s", cfg.Audit.Endpoint)
	}

	// 6. Initialize relay credential client
	relayClient := relay.NewClient(cfg.Relay.CredentialsURL, cfg.Agent.SessionToken,
		cfg.Relay.STUNURLs, cfg.Relay.FetchTimeout)
	if cfg.Relay.CredentialsURL == "" {
		log.Printf("ℹ️  RELAY_CREDENTIALS_URL not set, STUN only (%d servers)", len(cfg.Relay.STUNURLs))
	}

	// Warm the credential cache so the first call does not pay the fetch
	warmCtx, cancel := context.WithTimeout(ctx, cfg.Relay.FetchTimeout)
	if _, err := relayClient.ICEServers(warmCtx); err != nil {
		log.Printf("Warning: relay credential warm-up failed: %v", err)
	} else {
		log.Println("✅ ICE server set resolved")
	}
	cancel()

	// 7. Initialize device registry
	registry := device.NewRegistry(device.NewStaticProvider())
	if _, err := registry.Refresh(ctx); err != nil {
		log.Printf("Warning: device enumeration failed: %v", err)
	} else {
		log.Println("✅ Device registry ready")
	}

	// 8. Initialize signaling channel
	channel := signaling.NewClient(signaling.ClientConfig{
		URL:            cfg.Signaling.URL,
		Token:          cfg.Agent.SessionToken,
		ConnectTimeout: cfg.Signaling.ConnectTimeout,
		PingInterval:   cfg.Signaling.PingInterval,
		WriteTimeout:   cfg.Signaling.WriteTimeout,
		SendBuffer:     constants.SignalingSendBuffer,
	})

	// 9. Initialize consent gate
	autoGrant := env.GetBool("CONSENT_AUTO_GRANT", false)
	if autoGrant && cfg.Agent.Environment == "production" {
		log.Fatal("❌ Fatal: CONSENT_AUTO_GRANT is not allowed in production")
	}
	prompter := consentService.StaticPrompter{Granted: autoGrant}
	consentSvc := consentService.NewService(localUserID, prompter, channel, auditLog,
		appMetrics, cfg.Consent.PromptTimeout)

	// 10. Initialize call engine
	engine := callService.NewService(localUserID, channel, registry, relayClient,
		consentSvc, nil, auditLog, appMetrics, callService.Config{
			RingingTimeout:          cfg.Call.RingingTimeout,
			QualitySampleInterval:   cfg.Call.QualitySampleInterval,
			MaxReconnectAttempts:    cfg.Call.MaxReconnectAttempts,
			ReconnectInitialBackoff: cfg.Call.ReconnectInitialBackoff,
			ReconnectMaxBackoff:     cfg.Call.ReconnectMaxBackoff,
			ReconnectAttemptTimeout: cfg.Call.ReconnectAttemptTimeout,
		})
	log.Println("✅ Call engine ready")

	// 11. Connect the signaling channel
	connectCtx, cancelConnect := context.WithTimeout(ctx, cfg.Signaling.ConnectTimeout)
	err = channel.Connect(connectCtx)
	cancelConnect()
	if err != nil {
		log.Fatalf("Failed to connect signaling channel: %v", err)
	}
	log.Printf("📡 Signaling connected: %s", cfg.Signaling.URL)

	// 12. Start diagnostics server
	if cfg.Agent.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": cfg.Agent.ServiceName,
			"user_id": localUserID,
			"time":    time.Now().UTC(),
		})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/v1/calls", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"calls": engine.ActiveCalls()})
	})
	router.GET("/v1/devices", func(c *gin.Context) {
		devices, err := registry.Devices(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, devices)
	})

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Agent.DiagnosticsPort),
		Handler: router,
	}
	go func() {
		log.Printf("🚀 Diagnostics server on port %d", cfg.Agent.DiagnosticsPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Diagnostics server failed: %v", err)
		}
	}()

	// 13. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("🛑 Shutting down...")

	shutdownCtx, cancelShutdown := context.WithTimeout(ctx, constants.GracefulShutdownTimeout)
	defer cancelShutdown()

	if err := engine.Close(shutdownCtx); err != nil {
		log.Printf("Warning: engine shutdown: %v", err)
	}
	if err := channel.Close(); err != nil {
		log.Printf("Warning: signaling close: %v", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Warning: diagnostics shutdown: %v", err)
	}

	log.Println("👋 Call agent stopped")
}
