package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/joho/godotenv"
	"github.com/oklog/run"
	"github.com/sirupsen/logrus"

	"github.com/ahrdadan/quizpilot/internal/api"
	"github.com/ahrdadan/quizpilot/internal/browser"
	"github.com/ahrdadan/quizpilot/internal/config"
	"github.com/ahrdadan/quizpilot/internal/control"
	"github.com/ahrdadan/quizpilot/internal/credential"
	"github.com/ahrdadan/quizpilot/internal/events"
	"github.com/ahrdadan/quizpilot/internal/log"
	loglogrus "github.com/ahrdadan/quizpilot/internal/log/logrus"
	"github.com/ahrdadan/quizpilot/internal/page"
	"github.com/ahrdadan/quizpilot/internal/policy"
	"github.com/ahrdadan/quizpilot/internal/quiz"
	"github.com/ahrdadan/quizpilot/internal/storage/sqlite"
)

const shutdownTimeout = 15 * time.Second

// Run runs the server until a termination signal arrives or a component fails.
func Run(ctx context.Context, args []string, stderr io.Writer) error {
	// A missing .env is fine, the environment is used as is.
	_ = godotenv.Load()

	cfg, err := config.Load(args[1:])
	if err != nil {
		return err
	}

	logger := getLogger(cfg, stderr)
	logger.Infof("Starting %s v%s", config.AppName, config.Version)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	store, err := credential.NewStore(credential.StoreConfig{
		Dir:    cfg.CredentialDir,
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("could not create credential store: %w", err)
	}

	binPath, err := browser.ResolveBinary(ctx, cfg.ChromeBin, cfg.ChromeDownload, cfg.ChromeRevision)
	if err != nil {
		logger.Warningf("Chrome binary not resolved, the launcher will try on first run: %v", err)
	}

	browserMgr := browser.NewManager(browser.ManagerConfig{
		BinPath:           binPath,
		Display:           cfg.Display,
		Headless:          cfg.Headless,
		UserDataDir:       cfg.UserDataDir,
		StartTimeout:      cfg.Tuning.StartTimeout,
		NavigationTimeout: cfg.Tuning.NavigationTimeout,
		Logger:            logger,
	})

	layer := page.NewLayer(browserMgr, page.Config{
		Selectors:     cfg.Selectors,
		DetectTimeout: cfg.Tuning.DetectTimeout,
		Logger:        logger,
	})

	answerPolicy, err := newPolicy(cfg, logger)
	if err != nil {
		return err
	}

	engine, err := quiz.NewEngine(quiz.EngineConfig{
		Browser:            browserMgr,
		Page:               layer,
		Store:              store,
		Policy:             answerPolicy,
		Username:           cfg.Username,
		Password:           cfg.Password,
		RetryBudget:        cfg.Tuning.RetryBudget,
		RetryDelay:         cfg.Tuning.RetryDelay,
		LoginChecks:        cfg.Tuning.LoginChecks,
		LoginCheckInterval: cfg.Tuning.LoginCheckInterval,
		ManualPollInterval: cfg.Tuning.ManualPollInterval,
		AutoResumeManual:   cfg.Tuning.AutoResume,
		ManualTimeout:      cfg.Tuning.ManualTimeout,
		ReviewBeforeSubmit: !cfg.Tuning.AutoSubmit,
		Logger:             logger,
	})
	if err != nil {
		return fmt.Errorf("could not create quiz engine: %w", err)
	}

	repo, err := sqlite.NewRepository(ctx, sqlite.RepositoryConfig{
		DBPath: cfg.DBPath,
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("could not open run history: %w", err)
	}
	defer repo.Close()

	// Closed by the controller.
	hub := events.NewHub(0)

	ctrlCfg := control.Config{
		Engine:      engine,
		Browser:     browserMgr,
		Credentials: store,
		History:     repo,
		Hub:         hub,
		Logger:      logger,
	}
	if cfg.NatsURL != "" {
		publisher, err := events.NewNATSPublisher(ctx, events.PublisherConfig{
			URL:    cfg.NatsURL,
			Logger: logger,
		})
		if err != nil {
			return fmt.Errorf("could not create event publisher: %w", err)
		}
		defer publisher.Close()
		ctrlCfg.Publisher = publisher
	}

	ctrl, err := control.NewController(ctrlCfg)
	if err != nil {
		return fmt.Errorf("could not create controller: %w", err)
	}

	app := fiber.New(fiber.Config{
		AppName:      config.AppName,
		ErrorHandler: api.ErrorHandler,
	})
	app.Use(recover.New())
	app.Use(fiberlogger.New())
	app.Use(cors.New())

	routeCfg := api.DefaultRouteConfig()
	routeCfg.RateLimitRequests = cfg.RateLimitRequests
	routeCfg.RateLimitBurst = cfg.RateLimitBurst
	routeCfg.IdempotencyTTL = cfg.IdempotencyTTL
	api.SetupRoutes(ctx, app, ctrl, routeCfg)

	var g run.Group

	// OS signals.
	{
		signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
		defer signalCancel()

		g.Add(
			func() error {
				<-signalCtx.Done()
				logger.Infof("Termination signal received")
				return nil
			},
			func(_ error) {
				signalCancel()
			},
		)
	}

	// HTTP server.
	{
		g.Add(
			func() error {
				logger.Infof("HTTP server listening on %s", cfg.Addr())
				return app.Listen(cfg.Addr())
			},
			func(_ error) {
				if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil {
					logger.Errorf("Error shutting down HTTP server: %v", err)
				}
			},
		)
	}

	// Automation worker. It has nothing to run on its own, the actor only
	// ties the active run and the browser to the group lifetime.
	{
		done := make(chan struct{})
		g.Add(
			func() error {
				<-done
				return nil
			},
			func(_ error) {
				defer close(done)
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				if err := ctrl.Close(shutdownCtx); err != nil {
					logger.Errorf("Error stopping controller: %v", err)
				}
				if err := browserMgr.Stop(); err != nil {
					logger.Errorf("Error stopping browser: %v", err)
				}
			},
		)
	}

	return g.Run()
}

func newPolicy(cfg *config.Config, logger log.Logger) (quiz.Policy, error) {
	first := &policy.First{Text: cfg.AnswerText}
	if cfg.Policy != config.PolicyLLM {
		return first, nil
	}

	llm, err := policy.NewLLM(policy.LLMConfig{
		APIKey:   cfg.LLMAPIKey,
		BaseURL:  cfg.LLMBaseURL,
		Model:    cfg.LLMModel,
		Fallback: first,
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create llm policy: %w", err)
	}
	return llm, nil
}

// getLogger returns the application logger.
func getLogger(cfg *config.Config, out io.Writer) log.Logger {
	logrusLog := logrus.New()
	logrusLog.Out = out
	logrusLogEntry := logrus.NewEntry(logrusLog)

	if cfg.Debug {
		logrusLogEntry.Logger.SetLevel(logrus.DebugLevel)
	}

	switch cfg.LoggerType {
	case config.LoggerTypeJSON:
		logrusLogEntry.Logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		logrusLogEntry.Logger.SetFormatter(&logrus.TextFormatter{
			ForceColors:   !cfg.NoColor,
			DisableColors: cfg.NoColor,
		})
	}

	l := loglogrus.NewLogrus(logrusLogEntry).WithValues(log.Kv{
		"version": config.Version,
	})
	l.Debugf("Debug level is enabled")

	return l
}

func main() {
	ctx := context.Background()
	if err := Run(ctx, os.Args, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
