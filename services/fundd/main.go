package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/romain-mg/unknownfinance/fund"
	"github.com/romain-mg/unknownfinance/observability/logging"
	"github.com/romain-mg/unknownfinance/services/fundd/chain"
	"github.com/romain-mg/unknownfinance/services/fundd/config"
	"github.com/romain-mg/unknownfinance/services/fundd/oracle"
	"github.com/romain-mg/unknownfinance/services/fundd/server"
	auditstore "github.com/romain-mg/unknownfinance/services/fundd/storage"
	"github.com/romain-mg/unknownfinance/storage"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/fundd/config.yaml", "path to fundd configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("FUND_ENV"))

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("fundd: load config: %v", err)
	}
	if env == "" {
		env = cfg.Environment
	}
	logger := logging.Setup("fundd", env, cfg.LogLevel)

	store, err := storage.Open(cfg.StatePath, nil)
	if err != nil {
		log.Fatalf("fundd: open state store: %v", err)
	}
	defer store.Close()

	dsn, err := auditstore.FileDSN(cfg.AuditPath)
	if err != nil {
		log.Fatalf("fundd: resolve audit DSN: %v", err)
	}
	audit, err := auditstore.Open(dsn)
	if err != nil {
		log.Fatalf("fundd: open audit storage: %v", err)
	}
	defer audit.Close()

	fundAddress, err := cfg.FundAddress()
	if err != nil {
		log.Fatalf("fundd: fund address: %v", err)
	}
	authority, err := cfg.OracleAuthority()
	if err != nil {
		log.Fatalf("fundd: oracle authority: %v", err)
	}

	if _, err := store.Fund(); err != nil {
		if !errors.Is(err, storage.ErrFundNotInitialised) {
			log.Fatalf("fundd: load fund state: %v", err)
		}
		params, err := cfg.Fund.Params()
		if err != nil {
			log.Fatalf("fundd: fund params: %v", err)
		}
		state, err := fund.NewFundState(params, time.Now().Unix())
		if err != nil {
			log.Fatalf("fundd: init fund state: %v", err)
		}
		if err := store.PutFund(state); err != nil {
			log.Fatalf("fundd: seed fund state: %v", err)
		}
		logger.Info("fund state initialised", "component", "main", "token", state.ShareSymbol)
	}

	oracleClient, err := oracle.NewClient(cfg.Oracle.Endpoint, cfg.Oracle.BearerToken, cfg.Oracle.Timeout.Duration)
	if err != nil {
		log.Fatalf("fundd: oracle client: %v", err)
	}
	chainClient, err := chain.NewClient(cfg.Chain.Endpoint, cfg.Chain.BearerToken, cfg.Chain.Timeout.Duration)
	if err != nil {
		log.Fatalf("fundd: chain client: %v", err)
	}

	engine := fund.NewEngine(fundAddress)
	engine.SetState(store)
	engine.SetStablecoin(chainClient.Token(cfg.Fund.Stablecoin))
	engine.SetShareToken(chainClient.Token(cfg.Fund.ShareSymbol))
	engine.SetOracle(oracleClient, authority)
	engine.SetSwapVenue(chainClient)
	engine.SetMarketData(chainClient)
	engine.SetEmitter(newEventEmitter(logger))
	if ttl := cfg.Oracle.RequestTTL.Duration; ttl > 0 {
		engine.SetRequestTTL(int64(ttl / time.Second))
	}

	adminAuth, err := server.NewAuthenticator("admin", cfg.Admin.BearerToken)
	if err != nil {
		log.Fatalf("fundd: admin auth: %v", err)
	}
	oracleAuth, err := server.NewAuthenticator("oracle", cfg.Oracle.BearerToken)
	if err != nil {
		log.Fatalf("fundd: oracle auth: %v", err)
	}
	limiter := server.NewRateLimiter(cfg.RateLimit.RequestsPerMinute, cfg.RateLimit.Burst)

	srv, err := server.New(server.Config{
		ListenAddress:   cfg.ListenAddress,
		OracleAuthority: authority,
	}, engine, audit, logger, adminAuth, oracleAuth, limiter)
	if err != nil {
		log.Fatalf("fundd: server: %v", err)
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("http server error", "component", "main", "error", err)
		os.Exit(1)
	}
}
