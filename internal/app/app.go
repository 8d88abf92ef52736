package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/slotbook/internal/availability"
	"github.com/hitoshi/slotbook/internal/booking"
	"github.com/hitoshi/slotbook/internal/busy"
	"github.com/hitoshi/slotbook/internal/calendar"
	"github.com/hitoshi/slotbook/internal/config"
	"github.com/hitoshi/slotbook/internal/database"
	"github.com/hitoshi/slotbook/internal/handler"
	"github.com/hitoshi/slotbook/internal/idempotency"
	"github.com/hitoshi/slotbook/internal/logger"
	"github.com/hitoshi/slotbook/internal/metrics"
	"github.com/hitoshi/slotbook/internal/middleware"
	"github.com/hitoshi/slotbook/internal/repository"
	"github.com/hitoshi/slotbook/internal/security"
	"github.com/hitoshi/slotbook/internal/slot"
	"github.com/hitoshi/slotbook/internal/worker/reconcile"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, slog.LevelInfo)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定されたログレベルで再構成する
	logger.SetupDefault(w, logger.ParseLevel(cfg.LogLevel))

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("timezone", cfg.OperatingTimezone),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case CommandWorker:
		return runWorker(ctx, cfg)
	case CommandReconcile:
		return runReconcileOnce(ctx, cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(ctx, cfg)
	}
}

// openDatabase はDB接続を開いて疎通を確認する。
// AUTO_MIGRATEが有効な場合はマイグレーションも適用する。
func openDatabase(ctx context.Context, cfg *config.Config) (*sql.DB, database.Dialect, error) {
	db, dialect, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, "", fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, "", fmt.Errorf("failed to connect to database: %w", err)
	}

	if cfg.AutoMigrate {
		if err := database.MigrateDB(db, dialect); err != nil {
			db.Close()
			return nil, "", err
		}
		slog.Info("database migrations applied", slog.String("dialect", string(dialect)))
	}

	slog.Info("database connection established", slog.String("dialect", string(dialect)))
	return db, dialect, nil
}

// newBookingRepo はダイアレクトに応じた予約リポジトリを返す。
func newBookingRepo(db *sql.DB, dialect database.Dialect) repository.BookingRepository {
	if dialect == database.DialectSQLite {
		return repository.NewSQLiteBookingRepo(db)
	}
	return repository.NewPostgresBookingRepo(db)
}

// newCalendarClient は設定からGoogle Calendarクライアントを構築する。
func newCalendarClient(ctx context.Context, cfg *config.Config, m metrics.MetricsCollector) (*calendar.GoogleClient, error) {
	failures := cfg.CalendarBreakerFailures
	if failures < 1 {
		failures = 1
	}
	client, err := calendar.NewGoogleClient(ctx, calendar.Options{
		CalendarID:      cfg.GoogleCalendarID,
		Timezone:        cfg.OperatingTimezone,
		CredentialsFile: cfg.GoogleCredentialsFile,
		AccessToken:     cfg.GoogleCalendarAccessToken,
		Endpoint:        cfg.GoogleCalendarEndpoint,
		Timeout:         cfg.CalendarTimeout,
		BreakerFailures: uint32(failures),
		BreakerCooldown: cfg.CalendarBreakerCooldown,
		Logger:          slog.Default(),
		Metrics:         m,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar client: %w", err)
	}
	return client, nil
}

// newIdempotencyStore はREDIS_URLが設定されていればRedis、なければプロセス内のストアを返す。
// 返されるcloseは終了時に呼び出す。
func newIdempotencyStore(ctx context.Context, cfg *config.Config) (idempotency.Store, func(), error) {
	if cfg.RedisURL == "" {
		slog.Info("REDIS_URL is not set; idempotency keys are kept in process memory")
		return idempotency.NewMemoryStore(cfg.IdempotencyTTL), func() {}, nil
	}

	rdb, err := idempotency.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	slog.Info("idempotency store connected to redis")
	return idempotency.NewRedisStore(rdb, cfg.IdempotencyTTL), func() { rdb.Close() }, nil
}

// newMetrics はプロセスメトリクスを含むレジストリとコレクターを生成する。
func newMetrics() (*prometheus.Registry, *metrics.Collector) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg, metrics.NewCollector(reg)
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config) error {
	// 1. DB接続
	db, dialect, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	// 2. メトリクス
	reg, collector := newMetrics()

	// 3. 外部依存の初期化
	slots, err := slot.NewModel(cfg.OperatingTimezone)
	if err != nil {
		return err
	}
	calClient, err := newCalendarClient(ctx, cfg, collector)
	if err != nil {
		return err
	}
	idemStore, closeIdem, err := newIdempotencyStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeIdem()

	// 4. ドメインサービスの初期化
	repo := newBookingRepo(db, dialect)
	aggregator := busy.NewAggregator(calClient, repo)
	engine := availability.NewEngine(slots, aggregator, cfg.MaxAvailabilityDays)
	bookingService := booking.NewService(
		repo, calClient, engine, slots, security.NewTextSanitizer(0), slog.Default(),
	).WithIdempotency(idemStore).WithMetrics(collector)

	// 5. ルーターの構築
	rateLimiter := middleware.NewRateLimiter(
		middleware.PerMinuteRateLimiterConfig(cfg.RateLimitGeneral, cfg.RateLimitBooking),
		slog.Default(),
	)
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:              slog.Default(),
		CORSAllowedOrigin:   cfg.CORSAllowedOrigin,
		RateLimiter:         rateLimiter,
		Metrics:             collector,
		MetricsHandler:      metrics.Handler(reg),
		BusyService:         aggregator,
		AvailabilityService: engine,
		BookingService:      bookingService,
		DB:                  db,
	})

	// 6. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second + 2*cfg.CalendarTimeout,
		IdleTimeout:  60 * time.Second,
	}

	return serveUntilDone(ctx, server, "API server")
}

// serveUntilDone はctxが終了するまでサーバーを動かし、終了後にグレースフルシャットダウンする。
func serveUntilDone(ctx context.Context, server *http.Server, name string) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info(name+" starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server listen error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down " + name + "...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info(name + " stopped gracefully")
	return nil
}

// newReconcileJob はDBと外部カレンダーに接続した照合ジョブを構築する。
func newReconcileJob(ctx context.Context, cfg *config.Config, db *sql.DB, dialect database.Dialect, m metrics.MetricsCollector) (*reconcile.ReconcileJob, error) {
	calClient, err := newCalendarClient(ctx, cfg, m)
	if err != nil {
		return nil, err
	}
	job := reconcile.NewReconcileJob(newBookingRepo(db, dialect), calClient, slog.Default(), m)
	job.Grace = cfg.ReconcileGrace
	return job, nil
}

// runWorker はワーカーモードで起動する。
// 未紐付け予約の照合ジョブを定期実行し、/metrics と /health を公開する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(ctx context.Context, cfg *config.Config) error {
	db, dialect, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	reg, collector := newMetrics()

	job, err := newReconcileJob(ctx, cfg, db, dialect, collector)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", metrics.Handler(reg))
	mux.HandleFunc("GET /health", handler.NewHealthHandler(db, slog.Default()).Health)
	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	slog.Info("worker starting",
		slog.Duration("reconcile_interval", cfg.ReconcileInterval),
		slog.Duration("reconcile_grace", cfg.ReconcileGrace),
	)

	go runReconcileLoop(ctx, job, cfg.ReconcileInterval)

	return serveUntilDone(ctx, server, "worker")
}

// runReconcileLoop は起動直後に1回、その後intervalごとに照合ジョブを実行する。
func runReconcileLoop(ctx context.Context, job *reconcile.ReconcileJob, interval time.Duration) {
	run := func() {
		if _, err := job.Run(ctx, time.Now()); err != nil && ctx.Err() == nil {
			slog.Error("reconcile job failed", slog.String("error", err.Error()))
		}
	}

	run()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			run()
		}
	}
}

// runReconcileOnce は照合ジョブを1回だけ実行する。
// 手動照合の前に自動で紐付けられるものを片付けるために使う。
func runReconcileOnce(ctx context.Context, cfg *config.Config) error {
	db, dialect, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	job, err := newReconcileJob(ctx, cfg, db, dialect, metrics.Noop{})
	if err != nil {
		return err
	}

	result, err := job.Run(ctx, time.Now())
	if err != nil {
		return fmt.Errorf("reconcile failed: %w", err)
	}
	slog.Info("reconcile finished",
		slog.Int("linked", result.Linked),
		slog.Int("unresolved", result.Unresolved),
	)
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
// 認証情報を含まないSQLiteのURLはそのまま返す。
func maskDatabaseURL(url string) string {
	if dialect, err := database.DetectDialect(url); err == nil && dialect == database.DialectSQLite {
		return url
	}
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
