package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/IBM/sarama"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	_ "github.com/go-sql-driver/mysql"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"

	"anniversary-collab/backend/internal/cache"
	"anniversary-collab/backend/internal/collab"
	"anniversary-collab/backend/internal/httpapi/handlers"
	"anniversary-collab/backend/internal/httpapi/middleware"
	"anniversary-collab/backend/internal/store"
	"anniversary-collab/backend/internal/ws"
)

type ServerConfig struct {
	Running struct {
		Port int `mapstructure:"port"`
	} `mapstructure:"running"`
	Redis struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
	} `mapstructure:"redis"`
	Mysql struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"mysql"`
	Kafka struct {
		Brokers []string `mapstructure:"brokers"`
		Topic   string   `mapstructure:"topic"`
	} `mapstructure:"kafka"`
	Collaboration collab.Settings `mapstructure:"collaboration"`
}

func initConfig() (*ServerConfig, error) {
	cfg := &ServerConfig{}
	v := viper.New()
	v.SetConfigName("collabConfig")
	v.SetConfigType("yaml")
	// 兼容从项目根目录或 backend 目录启动
	v.AddConfigPath("./backend/config")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")

	// 可见性开关默认全开，未配置时不能落成 false 零值
	v.SetDefault("collaboration.showOtherUsers", true)
	v.SetDefault("collaboration.showCursors", true)
	v.SetDefault("collaboration.showEditing", true)
	v.SetDefault("collaboration.showUserNames", true)
	v.SetDefault("collaboration.enableRealtimeSync", true)
	v.SetDefault("collaboration.conflictResolution", string(collab.PolicyLastWriterWins))
	v.SetDefault("collaboration.presenceTimeout", collab.DefaultPresenceTimeout)

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func main() {
	cfg, err := initConfig()
	if err != nil {
		log.Fatalf("init config failed: %v", err)
	}

	settings := cfg.Collaboration
	settings.Normalize()
	if err := settings.Validate(); err != nil {
		log.Fatalf("invalid collaboration settings: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("Failed to connect to redis: %v", err)
	}
	defer rdb.Close()

	db, err := sql.Open("mysql", cfg.Mysql.DSN)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	gormDB, err := store.InitMySQL(cfg.Mysql.DSN)
	if err != nil {
		log.Fatalf("Failed to init gorm: %v", err)
	}

	anniversaryStore := store.NewAnniversaryStore(gormDB)
	if err := anniversaryStore.Migrate(); err != nil {
		log.Fatalf("Failed to migrate: %v", err)
	}
	editStore := store.NewEditStore(db)

	// Kafka 可选：没配 broker 就只做进程内广播
	var relay collab.EventRelay
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaCfg := sarama.NewConfig()
		// SyncProducer 必须开启 Return.Successes
		kafkaCfg.Producer.Return.Successes = true
		kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
		producer, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, kafkaCfg)
		if err != nil {
			log.Fatalf("Failed to connect kafka: %v", err)
		}
		defer producer.Close()

		relay = collab.NewKafkaDispatcher(
			producer,
			cfg.Kafka.Topic,
			collab.NewSemaphoreControl(),
			collab.KafkaDispatcherOptions{
				QueueSize:   10_000,
				Workers:     4,
				MaxRetry:    3,
				BaseBackoff: 50 * time.Millisecond,
				MaxBackoff:  1 * time.Second,
			},
		)
	}

	engine, err := collab.NewEngine(settings, editStore, relay)
	if err != nil {
		log.Fatalf("Failed to build collab engine: %v", err)
	}

	presenceCache := cache.NewRedisPresence(rdb)
	hub := ws.NewHub(presenceCache)
	wsSem := collab.NewSemaphoreControl()
	manager := ws.NewManager(hub, engine, wsSem)

	// 空闲会话/离线用户的周期回收，回收后把镜像里的存活成员推回各房间
	go func() {
		ticker := time.NewTicker(settings.PresenceTimeout / 2)
		defer ticker.Stop()
		for now := range ticker.C {
			engine.Sweep(now)

			ctx := context.Background()
			entities, err := presenceCache.GetEntities(ctx)
			if err != nil {
				log.Printf("presence mirror scan failed: %v", err)
				continue
			}
			for _, entityID := range entities {
				members, err := presenceCache.GetAliveMembers(ctx, entityID)
				if err != nil {
					log.Printf("presence mirror read failed entity=%s: %v", entityID, err)
					continue
				}
				hub.BroadcastPresence(entityID, members)
			}
		}
	}()

	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())
	r.Use(cors.New(cors.Config{
		AllowOriginFunc:  func(origin string) bool { return true },
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "X-User-Id", "X-Username", "X-User-Color"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	collabGroup := r.Group("/collab")
	collabGroup.Use(middleware.IdentityMiddleware())
	collabGroup.GET("/ws", manager.WebSocketConnect)

	anniversaryHandler := handlers.NewAnniversaryHandler(anniversaryStore)
	api := r.Group("/v1/anniversaries")
	api.Use(middleware.IdentityMiddleware())
	api.GET("", anniversaryHandler.List)
	api.POST("", anniversaryHandler.Create)
	api.GET("/:id", anniversaryHandler.Get)
	api.PUT("/:id", anniversaryHandler.Update)
	api.DELETE("/:id", anniversaryHandler.Delete)

	checkpointHandler := handlers.NewCheckpointHandler(anniversaryStore, editStore, engine)
	api.POST("/:id/checkpoint/:field", checkpointHandler.Checkpoint)

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"ok": true})
	})

	_ = r.Run(fmt.Sprintf(":%d", cfg.Running.Port))
}
