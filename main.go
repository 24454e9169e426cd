package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/doc-validation/internal/auth"
	"github.com/example/doc-validation/internal/config"
	"github.com/example/doc-validation/internal/document"
	"github.com/example/doc-validation/internal/grpcclient"
	"github.com/example/doc-validation/internal/handlers"
	"github.com/example/doc-validation/internal/imageprocessor"
	"github.com/example/doc-validation/internal/logging"
	"github.com/example/doc-validation/internal/notify"
	"github.com/example/doc-validation/internal/repository"
	"github.com/example/doc-validation/internal/service"
	"github.com/example/doc-validation/internal/usecase"
)

const captureDeviceName = "http-capture"

func main() {
	settings, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		panic(err)
	}

	logger, err := logging.NewLogger(settings.LoggingDirectoryPath)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	db := initDatabase(ctx, settings.DatabaseDSN, logger)
	repo := repository.NewValidationRepository(db, logger)
	if err := repo.AutoMigrate(ctx); err != nil {
		logger.Fatal("auto migrate failed", zap.Error(err))
	}

	redisCtx, redisCancel := context.WithTimeout(ctx, 5*time.Second)
	defer redisCancel()
	redisClient := initRedis(redisCtx, settings.RedisAddr, logger)
	defer redisClient.Close()

	var opts []service.Option
	if settings.LocalHost() {
		analyzer := imageprocessor.NewLocalAnalyzer(settings.HostDirectoryPath, logger)
		opts = append(opts, service.WithAnalyzer(analyzer))
		if settings.AnalyzerListenAddr != "" {
			stop := serveAnalyzer(settings.AnalyzerListenAddr, analyzer, logger)
			defer stop()
		}
	} else {
		analyzer, conn, err := grpcclient.Dial(ctx, settings.Host, logger)
		if err != nil {
			logger.Fatal("failed to connect to analysis host", zap.Error(err))
		}
		defer conn.Close()
		opts = append(opts, service.WithAnalyzer(analyzer))
	}

	var captures *service.ChannelDevice
	if settings.UseLocalDevices {
		captures = service.NewChannelDevice(captureDeviceName, 16)
		opts = append(opts, service.WithDevices(captures))
	}

	svc := service.New(settings, logger, opts...)
	defer svc.Close() //nolint:errcheck

	cache := usecase.NewRedisCache(redisClient)
	uc := usecase.NewValidationUseCase(repo, cache, svc, logger)

	if captures != nil {
		svc.OnDeviceProcessingCompleted(func(resp *document.ValidationResponse) {
			if err := uc.RecordDeviceResult(context.Background(), captures.Name(), resp); err != nil {
				logger.Warn("failed to record device result", zap.Error(err))
			}
		})
	}

	if settings.NATSURL != "" {
		nc, err := notify.Connect(settings.NATSURL, logger)
		if err != nil {
			logger.Fatal("failed to connect to nats", zap.Error(err))
		}
		defer nc.Drain() //nolint:errcheck
		detach := notify.NewForwarder(nc, logger).Attach(svc)
		defer detach()
	}

	go func() {
		if err := <-svc.InitializeAsync(context.Background()); err != nil {
			logger.Error("validation service failed to initialize", zap.Error(err))
			return
		}
		logger.Info("validation service ready")
	}()

	routeOpts := handlers.Options{}
	if captures != nil {
		routeOpts.Captures = captures
	}
	server := &http.Server{
		Addr:              settings.HTTPAddr,
		Handler:           newRouter(settings, uc, svc, routeOpts),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("validation API listening", zap.String("addr", settings.HTTPAddr))
	// Device captures stop first so nothing new starts while requests drain.
	err = serveHTTP(server, 15*time.Second, logger, serveOptions{
		onDrain: func() {
			if err := svc.Close(); err != nil {
				logger.Warn("failed to close capture device", zap.Error(err))
			}
		},
	})
	if err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

// newRouter builds the HTTP API over api, reporting svc's lifecycle on /health.
func newRouter(settings config.Settings, api handlers.API, svc *service.Service, opts handlers.Options) *gin.Engine {
	r := gin.Default()
	r.MaxMultipartMemory = handlers.MaxUploadSize

	opts.State = func() string { return svc.State().String() }
	if settings.RequestsPerSec > 0 {
		opts.Limiter = rate.NewLimiter(rate.Limit(settings.RequestsPerSec), max(settings.RequestBurst, 1))
	}
	handlers.RegisterRoutes(r, api, auth.JWTMiddleware(settings.JWTSecret, settings.JWTAudience), opts)
	return r
}

func initDatabase(ctx context.Context, dsn string, zapLogger *zap.Logger) *gorm.DB {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		zapLogger.Fatal("failed to connect to database", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		zapLogger.Fatal("failed to access db handle", zap.Error(err))
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		zapLogger.Fatal("database ping failed", zap.Error(err))
	}

	return db
}

func initRedis(ctx context.Context, addr string, zapLogger *zap.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		zapLogger.Fatal("redis connection failed", zap.Error(err))
	}
	return client
}

// serveAnalyzer exposes analyzer over gRPC and returns a function stopping it.
func serveAnalyzer(addr string, analyzer imageprocessor.Analyzer, logger *zap.Logger) func() {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Fatal("failed to listen for analyzer clients", zap.Error(err), zap.String("addr", addr))
	}
	srv := grpc.NewServer()
	grpcclient.RegisterAnalyzerService(srv, analyzer)
	hs := health.NewServer()
	hs.SetServingStatus(grpcclient.ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(srv, hs)

	go func() {
		if err := srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			logger.Error("analyzer server stopped", zap.Error(err))
		}
	}()
	logger.Info("analyzer gRPC listening", zap.String("addr", addr))
	return func() {
		hs.Shutdown()
		srv.GracefulStop()
	}
}

// serveOptions overrides how serveHTTP listens and learns about shutdown.
type serveOptions struct {
	// listener replaces server.Addr when set.
	listener net.Listener
	// signals replaces SIGINT/SIGTERM delivery when set.
	signals <-chan os.Signal
	// onDrain runs once a shutdown signal arrives, before in-flight
	// requests are drained.
	onDrain func()
}

// serveHTTP runs server until it fails or a shutdown signal arrives, then
// waits up to shutdownTimeout for in-flight validations to finish.
func serveHTTP(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, opts serveOptions) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if opts.listener != nil {
			err = server.Serve(opts.listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	sigCh := opts.signals
	if sigCh == nil {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(ch)
		sigCh = ch
	}

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("draining validation API", zap.String("signal", sig.String()))
		if opts.onDrain != nil {
			opts.onDrain()
		}
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}
