package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/chatsaas/backend/internal/infrastructure/auth"
	"github.com/chatsaas/backend/internal/infrastructure/cache"
	"github.com/chatsaas/backend/internal/infrastructure/config"
	"github.com/chatsaas/backend/internal/infrastructure/logger"
	"go.uber.org/zap"
)

func main() {
	var (
		service string
		scopes  string
		ttl     time.Duration
	)
	flag.StringVar(&service, "service", "", "Calling service name (token subject)")
	flag.StringVar(&scopes, "scopes", auth.ScopeAdmission, "Comma-separated scopes (admission, admin)")
	flag.DurationVar(&ttl, "ttl", 0, "Token lifetime (default: jwt.token_expiration)")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	log, err := logger.New(&logger.Config{
		Level:      "info",
		Format:     "console",
		Output:     "stderr",
		TimeFormat: "2006-01-02 15:04:05",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load configuration", zap.Error(err))
	}
	if cfg.JWT.Secret == "" {
		log.Fatal("jwt.secret is required")
	}
	if ttl > 0 {
		cfg.JWT.TokenExpiration = ttl
	}
	jwtService := auth.NewJWTService(cfg.JWT)

	switch args[0] {
	case "issue":
		if service == "" {
			log.Fatal("-service is required")
		}
		issued, err := jwtService.Issue(service, splitScopes(scopes)...)
		if err != nil {
			log.Fatal("Failed to issue token", zap.Error(err))
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(issued); err != nil {
			log.Fatal("Failed to write token", zap.Error(err))
		}

	case "revoke":
		if len(args) < 2 {
			log.Fatal("Token required. Usage: token revoke <token>")
		}
		claims, err := jwtService.Validate(args[1])
		if err != nil {
			log.Fatal("Token is not valid; nothing to revoke", zap.Error(err))
		}
		client, err := cache.NewRedisClient(cache.RedisConfig{
			Host:     cfg.Redis.Host,
			Port:     cfg.Redis.Port,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: 1,
		})
		if err != nil {
			log.Fatal("Revocation needs Redis", zap.Error(err))
		}
		defer func() { _ = client.Close() }()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		blacklist := auth.NewRedisTokenBlacklist(client, cfg.Admission.KeyPrefix)
		if err := blacklist.AddToBlacklist(ctx, claims.ID, time.Until(claims.ExpiresAt.Time)); err != nil {
			log.Fatal("Failed to revoke token", zap.Error(err))
		}
		log.Info("Token revoked",
			zap.String("service", claims.Subject),
			zap.String("jti", claims.ID),
		)

	default:
		printUsage()
		os.Exit(1)
	}
}

func splitScopes(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func printUsage() {
	fmt.Println(`Usage: token [options] <command> [args]

Commands:
  issue            Issue a bearer token for a calling service
  revoke <token>   Revoke a token until it expires

Options:`)
	flag.PrintDefaults()
}
