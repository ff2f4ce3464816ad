package main

import (
	"context"
	"database/sql"
	"os"
	"os/signal"
	"syscall"
	"time"

	"growchamber/internal/handlers"
	"growchamber/internal/identity"
	"growchamber/internal/logger"
	"growchamber/internal/repository"
	"growchamber/internal/repository/db"
	"growchamber/internal/server"
	"growchamber/internal/service"

	"github.com/spf13/viper"
)

const (
	defaultSchedulerTick  = 30 * time.Second
	defaultMappingFile    = "chambers.map"
	defaultShutdownWindow = 10 * time.Second
)

func main() {
	// load config.yml first so the log level comes from it
	if err := loadConfig(); err != nil {
		logger.Get(logger.InfoLevel).Fatalw("error reading config", "err", err)
	}
	log := logger.Get(viper.GetString("log_level"))

	// open DB
	sqlDB, err := openDB(log)
	if err != nil {
		log.Fatalw("failed to init sqlite", "err", err)
	}
	defer func() {
		if cerr := sqlDB.Close(); cerr != nil {
			log.Errorw("failed to close sqlite", "err", cerr)
		}
	}()

	// chamber/hardware mapping file; missing file means an empty map
	mappingPath := viper.GetString("identity.mapping_file")
	if mappingPath == "" {
		mappingPath = defaultMappingFile
	}
	ids, err := identity.LoadFile(mappingPath)
	if err != nil {
		log.Fatalw("failed to load chamber mapping", "path", mappingPath, "err", err)
	}

	// wire dependencies
	repos := repository.NewRepository(sqlDB)
	services := service.NewService(repos, ids, service.Config{
		Log:             log,
		MappingPath:     mappingPath,
		SerialTimeout:   viper.GetDuration("serial.timeout"),
		FaultThreshold:  viper.GetInt("fleet.fault_threshold"),
		DefaultFanSpeed: viper.GetInt("fleet.default_fan_speed"),
		ScanWorkers:     viper.GetInt("serial.scan_workers"),
		AuthSigningKey:  viper.GetString("auth.signing_key"),
	})
	apiHandler := handlers.NewHandler(services, log)

	// context for background goroutines
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// restore durable chamber settings before the scheduler starts
	if err := services.Fleet.Restore(ctx); err != nil {
		log.Fatalw("failed to restore chamber settings", "err", err)
	}

	// discover controllers once at startup; the API can rescan later
	if found, err := services.Fleet.Scan(ctx); err != nil {
		log.Errorw("initial scan failed", "err", err)
	} else {
		log.Infow("initial scan complete", "chambers", len(found))
	}

	// start scheduler loop
	tick := viper.GetDuration("scheduler.tick")
	if tick <= 0 {
		tick = defaultSchedulerTick
	}
	go services.Scheduler.Run(ctx, tick)

	// start HTTP server
	srv := &server.Server{}
	runHTTPServer(srv, viper.GetString("port"), apiHandler, log)

	// graceful shutdown
	waitForShutdown(cancel, srv, services, log)
}

func loadConfig() error {
	viper.AddConfigPath("configs") // configs/config.yml
	viper.SetConfigName("config")
	return viper.ReadInConfig()
}

// openDB initializes the SQLite database using configuration.
func openDB(log *logger.Logger) (*sql.DB, error) {
	dbPath := viper.GetString("db.path")
	if dbPath == "" {
		log.Infow("db.path not set in config; using default file", "default", "growchamber.db")
		dbPath = "growchamber.db"
	}
	return db.InitDB(dbPath)
}

// runHTTPServer runs the HTTP server in a separate goroutine.
func runHTTPServer(srv *server.Server, port string, handler *handlers.Handler, log *logger.Logger) {
	go func() {
		if port == "" {
			port = "8080"
		}
		if err := srv.Run(port, handler.InitRoutes()); err != nil {
			log.Fatalw("error starting server", "err", err)
		}
	}()
}

// waitForShutdown listens for termination signals and performs graceful shutdown.
func waitForShutdown(cancel context.CancelFunc, srv *server.Server, services *service.Service, log *logger.Logger) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Infow("shutting down...")

	// stop the scheduler loop
	cancel()

	// allow in-flight requests to complete
	ctx, shutdownCancel := context.WithTimeout(context.Background(), defaultShutdownWindow)
	defer shutdownCancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Errorw("server forced to shutdown", "err", err)
	}

	// release serial ports last
	if err := services.Fleet.Close(); err != nil {
		log.Errorw("failed to close chamber sessions", "err", err)
	}
}
