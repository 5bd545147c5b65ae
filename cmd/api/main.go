package main

import (
	"errors"
	"flag"
	"net/http"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/ManadaHerath/token-placement-server/internal/api"
	"github.com/ManadaHerath/token-placement-server/internal/config"
	"github.com/ManadaHerath/token-placement-server/internal/logger"
	"github.com/ManadaHerath/token-placement-server/internal/occupancy"
	"github.com/ManadaHerath/token-placement-server/internal/permissions"
	"github.com/ManadaHerath/token-placement-server/internal/scene"
	"github.com/ManadaHerath/token-placement-server/internal/settings"
	"github.com/ManadaHerath/token-placement-server/internal/socket"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Log.WithError(err).Fatal("load config")
	}
	logger.Init(cfg.LogLevel, cfg.LogFormat)

	var (
		store        occupancy.Store
		settingStore settings.Store
		bus          socket.Bus
		catalog      scene.Catalog
		locks        scene.Locker
	)
	switch cfg.Store {
	case config.StoreRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()

		store = occupancy.NewRedisStore(rdb)
		settingStore = settings.NewRedisStore(rdb, cfg.Redis.Namespace)
		bus = socket.NewRedisBus(rdb)
		catalog = scene.NewRedisCatalog(rdb)
		locks = scene.NewRedisLocker(rdb)
		logger.Log.WithField("addr", cfg.Redis.Addr).Info("using redis")
	default:
		store = occupancy.NewMemStore(occupancy.DefaultBucketSize)
		settingStore = settings.NewMemStore()
		bus = socket.NewMemBus()
		catalog = scene.NewMemCatalog()
		locks = scene.NewMemLocker()
	}

	reg := settings.NewRegistry(settingStore)
	if err := settings.RegisterBuiltin(reg, cfg.Settings); err != nil {
		logger.Log.WithError(err).Fatal("register settings")
	}
	if err := reg.Load(); err != nil {
		logger.Log.WithError(err).Fatal("load settings")
	}

	scenes := scene.NewRegistry(store, catalog)
	for _, s := range cfg.Scenes {
		sc, err := scenes.Create(s.ID, s.Name, s.Grid, s.GridSize)
		if errors.Is(err, scene.ErrSceneExists) {
			logger.Log.WithField("scene", s.ID).Info("scene already stored")
			continue
		}
		if err != nil {
			logger.Log.WithError(err).WithField("scene", s.ID).Fatal("create scene")
		}
		logger.Log.WithFields(logrus.Fields{"scene": sc.ID, "grid": sc.GridKind}).Info("scene loaded")
	}

	svc := scene.NewService(scenes, reg, permissions.NewDirectory(cfg.Users), bus, locks)
	apiHandler := api.NewAPI(svc)

	mux := http.NewServeMux()
	apiHandler.RegisterRoutes(mux)

	logger.Log.WithField("addr", cfg.Addr).Info("server listening")
	if err := http.ListenAndServe(cfg.Addr, corsMiddleware(mux)); err != nil {
		logger.Log.WithError(err).Fatal("server stopped")
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+api.UserHeader)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
