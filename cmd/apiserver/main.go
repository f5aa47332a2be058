package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	redisDriver "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"talkie-go/internal/apptypes"
	"talkie-go/internal/auth"
	"talkie-go/internal/config"
	"talkie-go/internal/handlers/apiserver"
	appKafka "talkie-go/internal/kafka"
	"talkie-go/internal/logger"
	"talkie-go/internal/middleware"
	"talkie-go/internal/notify"
	appRedis "talkie-go/internal/redis"
	"talkie-go/internal/services"
	"talkie-go/internal/storage"
)

func main() {
	// 1. 加载配置并初始化日志
	cfg, err := config.LoadConfig("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "无法加载配置: %v\n", err)
		os.Exit(1)
	}
	logger.Init(cfg.Log)
	log.Info().Str("app", cfg.AppName).Str("version", cfg.AppVersion).Msg("API 服务器配置加载成功")

	// 2. 初始化文档存储 (MongoDB)
	initCtx, cancelInit := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelInit()
	store, err := storage.NewMongoStore(initCtx, cfg.Mongo)
	if err != nil {
		log.Fatal().Err(err).Msg("无法初始化 MongoDB 文档存储")
	}
	log.Info().Msg("API 服务器文档存储连接成功")

	// 3. 初始化 Redis Client 与 TokenBlacklist
	redisClient := redisDriver.NewClient(&redisDriver.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if _, err := redisClient.Ping(initCtx).Result(); err != nil {
		log.Fatal().Err(err).Msg("无法连接到 Redis")
	}
	log.Info().Msg("成功连接到 Redis")
	tokenBlacklist := appRedis.NewRedisTokenBlacklist(redisClient)

	// 4. 初始化 Kafka Producer（通知事件的出口）
	kfkProducer, err := appKafka.NewConfluentKafkaProducer(cfg.Kafka)
	if err != nil {
		log.Fatal().Err(err).Msg("无法创建 Kafka 生产者")
	}
	defer kfkProducer.Close()
	log.Info().Msg("Kafka 生产者初始化成功 (API Server)")

	// 5. 初始化 Services
	notifier := notify.NewKafkaNotifier(kfkProducer, cfg.Kafka.NotificationsTopic)
	userService := services.NewUserService(store)
	authService := services.NewAuthService(userService, cfg)
	relationshipService := services.NewRelationshipService(store, userService, auth.ContextIdentityProvider{}, notifier)

	// 5.1 初始化存储服务（头像上传）
	var storageService apptypes.StorageService
	storageBaseURL := "/uploads"
	switch cfg.Storage.Type {
	case "local":
		storageService, err = storage.NewLocalStorageService(cfg.Storage, storageBaseURL)
		if err != nil {
			log.Fatal().Err(err).Msg("无法初始化本地存储服务")
		}
		log.Info().Msg("本地存储服务初始化成功")
	default:
		log.Fatal().Str("type", cfg.Storage.Type).Msg("不支持的存储类型")
	}

	// 6. 初始化 Handlers
	authHandler := apiserver.NewAuthHandler(authService, tokenBlacklist)
	userHandler := apiserver.NewUserHandler(userService, storageService, cfg.Storage.MaxFileSizeMB)
	relationshipHandler := apiserver.NewRelationshipHandler(relationshipService)

	// 7. 设置 HTTP 路由
	r := mux.NewRouter()

	// 7.1 认证路由（公开）
	authRouter := r.PathPrefix("/auth").Subrouter()
	authRouter.HandleFunc("/register", authHandler.Register).Methods(http.MethodPost)
	authRouter.HandleFunc("/login", authHandler.Login).Methods(http.MethodPost)

	// 7.2 API 子路由（需要认证）
	apiRouter := r.PathPrefix("/api/v1").Subrouter()
	apiRouter.Use(func(next http.Handler) http.Handler {
		return middleware.AuthMiddleware(next, cfg.Auth, tokenBlacklist)
	})

	apiRouter.HandleFunc("/auth/logout", authHandler.Logout).Methods(http.MethodPost)

	// 用户资料路由
	apiRouter.HandleFunc("/users/me", userHandler.GetMe).Methods(http.MethodGet)
	apiRouter.HandleFunc("/users/me", userHandler.UpdateMe).Methods(http.MethodPut)
	apiRouter.HandleFunc("/users/me/avatar", userHandler.UploadAvatar).Methods(http.MethodPost)
	apiRouter.HandleFunc("/users/{uid}", relationshipHandler.SearchUser).Methods(http.MethodGet)

	// 好友关系路由
	apiRouter.HandleFunc("/friends", relationshipHandler.ListFriends).Methods(http.MethodGet)
	apiRouter.HandleFunc("/friends/{uid}", relationshipHandler.RemoveFriend).Methods(http.MethodDelete)

	requestRouter := apiRouter.PathPrefix("/relationships/requests").Subrouter()
	requestRouter.HandleFunc("", relationshipHandler.SendFriendRequest).Methods(http.MethodPost)
	requestRouter.HandleFunc("/pending", relationshipHandler.ListPendingRequests).Methods(http.MethodGet)
	requestRouter.HandleFunc("/{relationshipID}/accept", relationshipHandler.AcceptFriendRequest).Methods(http.MethodPost)
	requestRouter.HandleFunc("/{relationshipID}/decline", relationshipHandler.DeclineFriendRequest).Methods(http.MethodPost)
	requestRouter.HandleFunc("/{relationshipID}", relationshipHandler.CancelFriendRequest).Methods(http.MethodDelete)

	// 拉黑路由
	apiRouter.HandleFunc("/blocks", relationshipHandler.BlockUser).Methods(http.MethodPost)
	apiRouter.HandleFunc("/blocks", relationshipHandler.ListBlockedUsers).Methods(http.MethodGet)
	apiRouter.HandleFunc("/blocks/{uid}", relationshipHandler.UnblockUser).Methods(http.MethodDelete)

	// 7.3 静态文件服务（头像文件）
	if cfg.Storage.Type == "local" {
		staticPath := strings.TrimSuffix(storageBaseURL, "/") + "/"
		localDir := http.Dir(cfg.Storage.LocalPath)
		r.PathPrefix(staticPath).Handler(http.StripPrefix(staticPath, http.FileServer(localDir)))
		log.Info().Str("path", staticPath).Str("dir", cfg.Storage.LocalPath).Msg("提供静态文件服务")
	}

	// 8. CORS 包装
	corsOptions := []handlers.CORSOption{
		handlers.AllowedOrigins(cfg.APIServer.CORS.AllowedOrigins),
		handlers.AllowedMethods(cfg.APIServer.CORS.AllowedMethods),
		handlers.AllowedHeaders(cfg.APIServer.CORS.AllowedHeaders),
		handlers.ExposedHeaders(cfg.APIServer.CORS.ExposedHeaders),
		handlers.MaxAge(cfg.APIServer.CORS.MaxAge),
	}
	if cfg.APIServer.CORS.AllowCredentials {
		corsOptions = append(corsOptions, handlers.AllowCredentials())
	}
	corsHandler := handlers.CORS(corsOptions...)(r)

	// 9. 启动 HTTP 服务器并实现优雅关闭
	serverAddr := fmt.Sprintf("%s:%s", cfg.APIServer.Host, cfg.APIServer.Port)
	srv := &http.Server{
		Addr:         serverAddr,
		Handler:      corsHandler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", serverAddr).Msg("API 服务器启动")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("API 服务器启动失败")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("收到关闭信号，正在关闭 API 服务器...")

	ctxShutdown, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	if err := srv.Shutdown(ctxShutdown); err != nil {
		log.Fatal().Err(err).Msg("API 服务器强制关闭")
	}
	log.Info().Msg("API 服务器已成功关闭")
}
