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

	redisDriver "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"talkie-go/internal/auth"
	"talkie-go/internal/config"
	"talkie-go/internal/handlers/streamserver"
	appKafka "talkie-go/internal/kafka"
	kafkahandlers "talkie-go/internal/kafka/handlers"
	"talkie-go/internal/logger"
	appRedis "talkie-go/internal/redis"
	"talkie-go/internal/services"
	"talkie-go/internal/storage"
	"talkie-go/internal/websocket"
)

func main() {
	// 1. 加载配置并初始化日志
	cfg, err := config.LoadConfig("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "无法加载配置: %v\n", err)
		os.Exit(1)
	}
	logger.Init(cfg.Log)
	log.Info().Str("app", cfg.AppName).Str("version", cfg.AppVersion).Msg("流服务器配置加载成功")

	// 2. 初始化文档存储 (MongoDB，实时视图依赖变更流)
	initCtx, cancelInit := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelInit()
	store, err := storage.NewMongoStore(initCtx, cfg.Mongo)
	if err != nil {
		log.Fatal().Err(err).Msg("无法初始化 MongoDB 文档存储")
	}
	log.Info().Msg("流服务器文档存储连接成功")

	// 3. 初始化 Redis（令牌黑名单校验）
	redisClient := redisDriver.NewClient(&redisDriver.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if _, err := redisClient.Ping(initCtx).Result(); err != nil {
		log.Fatal().Err(err).Msg("无法连接到 Redis")
	}
	tokenBlacklist := appRedis.NewRedisTokenBlacklist(redisClient)

	// 4. 初始化 Services（流服务器只读，不需要 Notifier）
	userService := services.NewUserService(store)
	relationshipService := services.NewRelationshipService(store, userService, auth.ContextIdentityProvider{}, nil)

	// 5. 初始化 WebSocket Hub
	hub := websocket.NewHub()
	go hub.Run()
	log.Info().Msg("WebSocket Hub 已启动")

	// 6. 初始化 WebSocket Handler
	wsHandler := streamserver.NewWebSocketHandler(hub, relationshipService, tokenBlacklist, cfg)

	// 7. 启动通知消费者：Kafka 通知事件 → Hub → 在线连接
	notificationConsumer, err := appKafka.NewConfluentKafkaConsumer(cfg.Kafka)
	if err != nil {
		log.Fatal().Err(err).Msg("无法创建通知 Kafka 消费者")
	}
	defer notificationConsumer.Close()

	consumerCtx, cancelConsumers := context.WithCancel(context.Background())
	defer cancelConsumers()

	consumerLogic := kafkahandlers.NewNotificationConsumerLogic(hub)
	go func() {
		topics := []string{cfg.Kafka.NotificationsTopic}
		log.Info().Str("topic", cfg.Kafka.NotificationsTopic).Str("group", cfg.Kafka.ConsumerGroup).Msg("Kafka 通知消费者启动")
		if err := notificationConsumer.Consume(consumerCtx, topics, cfg.Kafka.ConsumerGroup, consumerLogic.HandleNotification); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("Kafka 通知消费者错误")
		}
		log.Info().Msg("Kafka 通知消费者已停止")
	}()

	// 8. 配置 HTTP 路由并启动服务器
	httpMux := http.NewServeMux()
	httpMux.HandleFunc(cfg.Server.WebSocketPath, wsHandler.ServeWS)

	serverAddr := fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:           serverAddr,
		Handler:        httpMux,
		ReadTimeout:    cfg.Server.ReadTimeout,
		MaxHeaderBytes: cfg.Server.MaxHeaderBytes,
	}

	go func() {
		log.Info().Str("addr", serverAddr).Str("path", cfg.Server.WebSocketPath).Msg("流服务器启动")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("流服务器启动失败")
		}
	}()

	// 9. 优雅关闭
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("收到关闭信号，流服务器准备关闭...")

	cancelConsumers()

	ctxShutdown, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := httpServer.Shutdown(ctxShutdown); err != nil {
		log.Fatal().Err(err).Msg("流服务器关闭失败")
	}
	log.Info().Msg("流服务器已优雅关闭")
}
