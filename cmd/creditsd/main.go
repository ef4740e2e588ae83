package main

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/openmarketlabs/credits-engine/internal/api"
	"github.com/openmarketlabs/credits-engine/internal/audit"
	"github.com/openmarketlabs/credits-engine/internal/auth"
	"github.com/openmarketlabs/credits-engine/internal/chain"
	"github.com/openmarketlabs/credits-engine/internal/config"
	"github.com/openmarketlabs/credits-engine/internal/engine"
	"github.com/openmarketlabs/credits-engine/internal/ledger"
	"github.com/openmarketlabs/credits-engine/internal/market"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync() //nolint:errcheck

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("config load failed", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Redis ─────────────────────────────────────────────────────────────────
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal("redis ping failed", zap.Error(err))
	}

	// ── Chain client (vault key + contract bindings) ──────────────────────────
	onchain, err := chain.NewClient(cfg)
	if err != nil {
		log.Fatal("chain client init failed", zap.Error(err))
	}
	log.Info("vault ready",
		zap.String("address", onchain.VaultAddress().Hex()),
		zap.String("chain_id", onchain.ChainID().String()),
	)

	// ── Roles ─────────────────────────────────────────────────────────────────
	roles := auth.SeedRoles(map[auth.Role][]string{
		auth.RoleAdmin:              config.SplitAddressList(cfg.Roles.Admins),
		auth.RoleSigner:             config.SplitAddressList(cfg.Roles.Signers),
		auth.RoleExternalCallSigner: config.SplitAddressList(cfg.Roles.ExternalCallSigners),
		auth.RolePauser:             config.SplitAddressList(cfg.Roles.Pausers),
		auth.RoleDenier:             config.SplitAddressList(cfg.Roles.Deniers),
		auth.RoleRevoker:            config.SplitAddressList(cfg.Roles.Revokers),
	})

	// ── Ledger & rate limiter ─────────────────────────────────────────────────
	maxPerHour, ok := new(big.Int).SetString(cfg.Limits.MaxCreditedPerHour, 10)
	if !ok {
		log.Fatal("invalid MAX_CREDITED_PER_HOUR")
	}
	store := ledger.New(rdb)
	limiter := ledger.NewRateLimiter(rdb, maxPerHour)

	// ── Redemption engine ─────────────────────────────────────────────────────
	eng := engine.New(engine.Params{
		Store:             store,
		Limiter:           limiter,
		Backend:           onchain,
		Roles:             roles,
		Marketplace:       common.HexToAddress(cfg.Chain.Marketplace),
		LegacyMarketplace: common.HexToAddress(cfg.Chain.LegacyMarketplace),
		CollectionStore:   common.HexToAddress(cfg.Chain.CollectionStore),
		Flags: market.SalesFlags{
			PrimarySalesAllowed:   cfg.Flags.PrimarySalesAllowed,
			SecondarySalesAllowed: cfg.Flags.SecondarySalesAllowed,
			BidsAllowed:           cfg.Flags.BidsAllowed,
		},
		Log: log,
	})

	// ── Audit worker ──────────────────────────────────────────────────────────
	go audit.Run(ctx, rdb, log)

	// ── HTTP server ───────────────────────────────────────────────────────────
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	handler := api.NewHandler(eng, store, roles, log)
	apiGroup := r.Group("/api", auth.Middleware(rdb))
	handler.Register(apiGroup)
	adminGroup := r.Group("/admin", auth.Middleware(rdb))
	handler.RegisterAdmin(adminGroup)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Info("HTTP server starting", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	<-quit

	log.Info("shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	log.Info("shutdown complete")
}
