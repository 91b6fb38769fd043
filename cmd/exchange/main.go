package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/KomotsKE/stockMarketProject/pkg/config"
	"github.com/KomotsKE/stockMarketProject/pkg/engine"
	"github.com/KomotsKE/stockMarketProject/pkg/server"
	"github.com/KomotsKE/stockMarketProject/pkg/store"
	"github.com/KomotsKE/stockMarketProject/pkg/store/memstore"
	"github.com/KomotsKE/stockMarketProject/pkg/store/pgstore"
)

func main() {
	var cfgFile string

	rootCmd := &cobra.Command{
		Use:   "exchange",
		Short: "a stock exchange back end with a transactional matching engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			log, err := zap.NewProduction()
			if err != nil {
				return err
			}
			defer log.Sync() //nolint:errcheck

			ctx := context.Background()
			st, err := openStore(ctx, cfg, log)
			if err != nil {
				return err
			}

			eng := engine.New(st, log)
			srv := server.New(eng, st, server.NewMinter(cfg.SecretJWTKey), log)
			return srv.Run(cfg.ListenAddr)
		},
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (environment is used when unset)")

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func openStore(ctx context.Context, cfg *config.Config, log *zap.Logger) (store.Store, error) {
	switch cfg.Store {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL())
		if err != nil {
			return nil, err
		}
		st := pgstore.New(pool)
		if err := st.Migrate(ctx); err != nil {
			return nil, err
		}
		log.Info("using postgres store", zap.String("host", cfg.PostgresHost))
		return st, nil
	default:
		log.Warn("using in-memory store; state is lost on restart")
		return memstore.New(), nil
	}
}
