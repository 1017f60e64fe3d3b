package main

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/MrEthical07/hybridauth"
	"github.com/MrEthical07/hybridauth/featureflag"
	"github.com/MrEthical07/hybridauth/logging"
	"github.com/MrEthical07/hybridauth/pqcclient/grpcclient"
	"github.com/MrEthical07/hybridauth/pqcclient/httpclient"
	"github.com/MrEthical07/hybridauth/secrets"
	"github.com/MrEthical07/hybridauth/secrets/s3secrets"
	"github.com/MrEthical07/hybridauth/store"
	"github.com/MrEthical07/hybridauth/store/memstore"
	"github.com/MrEthical07/hybridauth/store/pgstore"
	"github.com/MrEthical07/hybridauth/store/redisstore"
)

// deps are the collaborators built from config. closers run in reverse.
type deps struct {
	store   store.CredentialStore
	redis   redis.UniversalClient
	secrets secrets.Store
	pqc     hybridauth.PQCClient
	flags   hybridauth.FlagEvaluator
	closers []func() error
}

func (d *deps) close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		_ = d.closers[i]()
	}
}

func buildDeps(ctx context.Context, cfg fileConfig, log logging.Logger) (*deps, error) {
	d := &deps{}
	if err := d.buildStore(ctx, cfg.Store); err != nil {
		d.close()
		return nil, err
	}
	if err := d.buildSecrets(ctx, cfg.Secrets); err != nil {
		d.close()
		return nil, err
	}
	if err := d.buildPQC(cfg.PQC); err != nil {
		d.close()
		return nil, err
	}
	d.buildFlags(cfg.Flags, log)
	return d, nil
}

func (d *deps) buildStore(ctx context.Context, cfg storeConfig) error {
	switch cfg.Driver {
	case "memory":
		d.store = memstore.New()
	case "redis":
		client := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    []string{cfg.RedisAddr},
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		d.closers = append(d.closers, client.Close)
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("ping redis %s: %w", cfg.RedisAddr, err)
		}
		d.redis = client
		d.store = redisstore.New(client, cfg.Prefix)
	case "postgres":
		db, err := pgstore.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			return err
		}
		d.closers = append(d.closers, db.Close)
		if cfg.Migrate {
			if err := pgstore.Migrate(ctx, db); err != nil {
				return err
			}
		}
		d.store = pgstore.New(db)
	default:
		return fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
	return nil
}

func (d *deps) buildSecrets(ctx context.Context, cfg secretsConfig) error {
	if cfg.Backend != "s3" {
		d.secrets = secrets.NewMemory()
		return nil
	}
	s, err := s3secrets.Open(ctx, s3secrets.Config{
		Region:       cfg.S3Region,
		Endpoint:     cfg.S3Endpoint,
		AccessKey:    cfg.S3AccessKey,
		SecretKey:    cfg.S3SecretKey,
		Bucket:       cfg.S3Bucket,
		Prefix:       cfg.S3Prefix,
		UsePathStyle: cfg.S3PathStyle,
	})
	if err != nil {
		return err
	}
	d.secrets = s
	return nil
}

func (d *deps) buildPQC(cfg pqcConfig) error {
	switch cfg.Transport {
	case "http":
		c, err := httpclient.New(cfg.URL, httpclient.WithAPIKey(cfg.APIKey))
		if err != nil {
			return err
		}
		d.pqc = c
	case "grpc":
		c, err := grpcclient.New(grpcclient.Config{Target: cfg.GRPCTarget, APIKey: cfg.APIKey})
		if err != nil {
			return err
		}
		d.closers = append(d.closers, c.Close)
		d.pqc = c
	}
	return nil
}

func (d *deps) buildFlags(cfg flagsConfig, log logging.Logger) {
	if cfg.Source == "redis" && d.redis != nil {
		d.flags = featureflag.NewRedis(d.redis, cfg.RedisPrefix, log)
		return
	}
	d.flags = featureflag.NewStatic(cfg.Static)
}
