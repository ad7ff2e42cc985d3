package main

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/whalepulse/whalepulse/internal/analysis"
	"github.com/whalepulse/whalepulse/internal/cache"
	"github.com/whalepulse/whalepulse/internal/chain/multicall"
	"github.com/whalepulse/whalepulse/internal/config"
	"github.com/whalepulse/whalepulse/internal/persistence"
	"github.com/whalepulse/whalepulse/internal/persistence/postgres"
	"github.com/whalepulse/whalepulse/internal/prices"
	"github.com/whalepulse/whalepulse/internal/quality"
	"github.com/whalepulse/whalepulse/internal/snapshot"
	"github.com/whalepulse/whalepulse/internal/whales"
)

// app holds the wired pipeline components shared by every subcommand.
type app struct {
	cfg       *config.Config
	repos     persistence.Repository
	whales    *whales.Provider
	prices    *prices.Provider
	snapJob   *snapshot.Job
	validator *quality.Validator
	calc      *analysis.Calculator

	db  *sqlx.DB
	eth *ethclient.Client
}

func (a *app) Close() {
	if a.db != nil {
		a.db.Close()
	}
	if a.eth != nil {
		a.eth.Close()
	}
}

func buildApp(ctx context.Context, cfgPath string) (*app, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}

	eth, err := ethclient.DialContext(ctx, cfg.Chain.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial rpc endpoint: %w", err)
	}

	db, err := sqlx.Connect("postgres", cfg.Database.DSN)
	if err != nil {
		eth.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)

	batcher, err := multicall.NewBatcher(eth, multicall.Config{
		MulticallAddress: cfg.Chain.MulticallAddress,
		ChunkSize:        cfg.Chain.ChunkSize,
		RequestTimeout:   cfg.ChainTimeout(),
	})
	if err != nil {
		db.Close()
		eth.Close()
		return nil, err
	}

	minBalance, ok := new(big.Int).SetString(cfg.Whales.MinBalanceWei, 10)
	if !ok {
		db.Close()
		eth.Close()
		return nil, fmt.Errorf("invalid whales min_balance_wei: %q", cfg.Whales.MinBalanceWei)
	}
	whaleProvider := whales.NewProvider(
		&whales.FileSource{Path: cfg.Whales.CandidatesFile},
		batcher,
		whales.NewDenylist(cfg.Whales.ExtraDenylisted),
		minBalance,
	)

	var priceCache cache.Cache
	if cfg.Redis.Enabled {
		priceCache = cache.NewRedis(redis.NewClient(&redis.Options{
			Addr: cfg.Redis.Addr,
			DB:   cfg.Redis.DB,
		}), "whalepulse:")
		log.Info().Str("addr", cfg.Redis.Addr).Msg("using redis price cache")
	}
	priceProvider := prices.NewProvider(prices.Config{
		BaseURL:        cfg.Prices.BaseURL,
		APIKey:         cfg.Prices.APIKey,
		RequestTimeout: cfg.PricesTimeout(),
		RateLimitRPS:   cfg.Prices.RateLimitRPS,
		RateTTL:        cfg.PricesRateTTL(),
		HistoricalTTL:  cfg.PricesHistoricalTTL(),
		DepegWarnLow:   cfg.Prices.DepegWarnLow,
		DepegWarnHigh:  cfg.Prices.DepegWarnHigh,
	}, priceCache)

	repos := persistence.Repository{
		Snapshots: postgres.NewSnapshotRepo(db, cfg.DBTimeout()),
		Metrics:   postgres.NewMetricsRepo(db, cfg.DBTimeout()),
	}

	weth := common.HexToAddress(cfg.Chain.WETHAddress)
	steth := common.HexToAddress(cfg.Chain.StETHAddress)

	calc, err := analysis.NewCalculator(
		whaleProvider, batcher, priceProvider,
		repos.Snapshots, repos.Metrics,
		cfg.Analysis, cfg.Network, cfg.Whales.TopN, weth, steth,
	)
	if err != nil {
		db.Close()
		eth.Close()
		return nil, err
	}

	return &app{
		cfg:       cfg,
		repos:     repos,
		whales:    whaleProvider,
		prices:    priceProvider,
		snapJob:   snapshot.NewJob(whaleProvider, batcher, repos.Snapshots, cfg.Network, cfg.Whales.TopN, weth, steth),
		validator: quality.NewValidator(cfg.Quality, repos.Snapshots, repos.Metrics, cfg.Network),
		calc:      calc,
		db:        db,
		eth:       eth,
	}, nil
}
