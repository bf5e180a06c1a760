package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/storage/redis/v3"
	"github.com/openquant/brokerlink/internal/audit"
	"github.com/openquant/brokerlink/internal/broker"
	"github.com/openquant/brokerlink/internal/config"
	"github.com/openquant/brokerlink/internal/handlers/api"
	"github.com/openquant/brokerlink/internal/mail"
	"github.com/openquant/brokerlink/internal/middlewares"
	"github.com/openquant/brokerlink/internal/render"
	"github.com/openquant/brokerlink/internal/store"
	"github.com/openquant/brokerlink/internal/vault"
	"github.com/openquant/brokerlink/model"
	"github.com/openquant/brokerlink/params"
	goredis "github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v2"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"
	"gorm.io/plugin/dbresolver"
)

var (
	app       *cli.App
	gitCommit string
	gitDate   string
)

var (
	configFileFlag = &cli.StringFlag{
		Name:  "config",
		Usage: "YAML config file",
		Value: "config.yaml",
	}
	debugFlag = &cli.BoolFlag{
		Name:  "debug",
		Usage: "Enable debug logging",
	}
)

func init() {
	app = cli.NewApp()
	app.EnableBashCompletion = true
	app.Usage = "brokerlink - brokerage account linking and credential custody service"
	app.Flags = []cli.Flag{
		configFileFlag,
		debugFlag,
	}
	app.Commands = []*cli.Command{
		{
			Name: "version",
			Action: func(ctx *cli.Context) error {
				fmt.Println(params.VersionWithCommit(gitCommit, gitDate))
				return nil
			},
		},
	}
	app.Action = run
}

func mustInitLogger(debug bool) {
	logLevel := slog.LevelInfo
	if debug {
		logLevel = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	slog.SetDefault(slog.New(handler))
}

func mustInitDatabase(dbConfig config.MySQLConfig) *gorm.DB {
	db, err := gorm.Open(mysql.Open(dbConfig.Dsn), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{
			TablePrefix:   dbConfig.TablePrefix,
			SingularTable: true,
		},
	})
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}

	if len(dbConfig.ReplicaDsns) > 0 {
		var replicas []gorm.Dialector
		for _, dsn := range dbConfig.ReplicaDsns {
			replicas = append(replicas, mysql.Open(dsn))
		}
		err = db.Use(dbresolver.Register(dbresolver.Config{
			Replicas: replicas,
			Policy:   dbresolver.RandomPolicy{},
		}))
		if err != nil {
			slog.Error("Failed to register database replicas", "error", err)
			os.Exit(1)
		}
	}

	sqlDB, err := db.DB()
	if err == nil {
		if dbConfig.MaxIdleConns > 0 {
			sqlDB.SetMaxIdleConns(dbConfig.MaxIdleConns)
		}
		if dbConfig.MaxOpenConns > 0 {
			sqlDB.SetMaxOpenConns(dbConfig.MaxOpenConns)
		}
		if dbConfig.ConnMaxIdleTime > 0 {
			sqlDB.SetConnMaxIdleTime(time.Duration(dbConfig.ConnMaxIdleTime) * time.Second)
		}
		if dbConfig.ConnMaxLifetime > 0 {
			sqlDB.SetConnMaxLifetime(time.Duration(dbConfig.ConnMaxLifetime) * time.Second)
		}
	}

	if err := model.AutoMigrate(db); err != nil {
		slog.Error("Database migration failed", "error", err)
		os.Exit(1)
	}

	return db
}

func mustInitRedisStorage(redisCfg config.RedisConfig) *redis.Storage {
	return redis.New(redis.Config{
		URL:           redisCfg.URL,
		PoolSize:      redisCfg.PoolSize,
		IsClusterMode: redisCfg.ClusterMode,
	})
}

func mustInitVault(cfg *config.Config) *vault.Vault {
	v, err := vault.New(cfg.MasterKey, cfg.DevMode)
	if err != nil {
		slog.Error("Failed to initialize secret vault", "error", err)
		os.Exit(1)
	}
	return v
}

func mustInitMailSender(mailCfg config.MailConfig) mail.MailSender {
	if mailCfg.Backend == "" {
		return mail.NullSender{}
	}
	if mailCfg.Backend == "smtp" {
		sender, err := mail.NewSMTPMailSender(mail.SMTPConfig{
			Host:     mailCfg.SMTP.Host,
			Port:     mailCfg.SMTP.Port,
			Username: mailCfg.SMTP.Username,
			Password: mailCfg.SMTP.Password,
			TLS:      mailCfg.SMTP.TLS,
			CertFile: mailCfg.SMTP.CertFile,
			KeyFile:  mailCfg.SMTP.KeyFile,
			CAFile:   mailCfg.SMTP.CAFile,
		}, mailCfg.From)
		if err != nil {
			slog.Error("Failed to initialize SMTP mail sender", "error", err)
			os.Exit(1)
		}
		return sender
	}
	slog.Error("Unsupported mail sender backend", "backend", mailCfg.Backend)
	os.Exit(1)
	return nil
}

func setupBrokerRoutes(router fiber.Router, handler *api.BrokerHandler, serviceTokenSecret string) {
	// The GET callback serves the brokerage's browser redirect, so it
	// stays outside service authentication.
	router.Get("/broker/callback", handler.GetCallback)

	group := router.Group("/broker", middlewares.ServiceAuth(serviceTokenSecret))
	group.Post("/setup-oauth", handler.PostSetupOAuth)
	group.Post("/callback", handler.PostCallback)
	group.Post("/refresh-token", handler.PostRefreshToken)
	group.Post("/disconnect", handler.PostDisconnect)
	group.Get("/status", handler.GetStatus)
}

func run(ctx *cli.Context) error {
	cfg, err := config.LoadConfig(ctx.String(configFileFlag.Name))
	if err != nil {
		slog.Error("Could not load config file.", "error", err)
		return err
	}

	mustInitLogger(cfg.Debug || ctx.IsSet(debugFlag.Name))

	globalVars := map[string]interface{}{
		"siteName": cfg.SiteName,
		"baseURL":  cfg.BaseURL,
	}
	if err := render.Initialize(globalVars); err != nil {
		slog.Error("Failed to initialize templates", "error", err)
		return err
	}

	db := mustInitDatabase(cfg.MySQL)
	audit.Initialize(audit.NewAuditEventRepository(db))

	var cacheStorage store.Storage
	var redisStorage *redis.Storage
	if cfg.Redis.URL != "" {
		redisStorage = mustInitRedisStorage(cfg.Redis)
		cacheStorage = store.NewRedisStorage(redisStorage.Conn())
	} else if cfg.DevMode {
		slog.Warn("Redis is not configured, using in-process storage")
		cacheStorage = store.NewMemoryStorage()
	} else {
		slog.Error("redis.url is required unless devMode is enabled")
		os.Exit(1)
	}

	callTimeout := cfg.Broker.CallTimeout
	if callTimeout <= 0 {
		callTimeout = params.BrokerRequestTimeout
	}

	secretVault := mustInitVault(cfg)
	mailSender := mustInitMailSender(cfg.Mail)
	brokerageClient := broker.NewHTTPBrokerageClient(cfg.Broker.TokenURL, cfg.Broker.RevokeURL, callTimeout)
	brokerService := broker.NewService(broker.ServiceConfig{
		BrokerName: cfg.Broker.Name,
		ConnectURL: cfg.Broker.ConnectURL,
	}, broker.NewGormStore(db), secretVault, brokerageClient, cacheStorage, mailSender)

	brokerHandler := api.NewBrokerHandler(brokerService, cfg.SiteName, cfg.Broker.Name)

	router := fiber.New(fiber.Config{
		Prefork:       false,
		CaseSensitive: true,
		BodyLimit:     params.ServerBodyLimit,
		IdleTimeout:   params.ServerIdleTimeout,
		ReadTimeout:   params.ServerReadTimeout,
		WriteTimeout:  params.ServerWriteTimeout,
		ErrorHandler:  middlewares.ErrorHandler,
	})

	router.Use(recover.New())
	router.Use(logger.New())
	router.Use(cors.New(cors.Config{
		AllowOrigins: strings.Join(cfg.AllowOrigins, ", "),
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
	}))
	router.Use(middlewares.SecurityHeaders())

	setupBrokerRoutes(router, brokerHandler, cfg.ServiceTokenSecret)

	var rdb goredis.UniversalClient
	if redisStorage != nil {
		rdb = redisStorage.Conn()
	}
	go startHealthCheckServer(params.HealthCheckServerAddr, rdb, db)

	return router.Listen(cfg.ListenAddr)
}

func main() {
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
