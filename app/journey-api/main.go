package main

import (
	"context"
	"fmt"
	"github.com/OpenTransitTools/transitroute/app/journey-api/journeyapi"
	"github.com/OpenTransitTools/transitroute/business/data/gtfs"
	"github.com/OpenTransitTools/transitroute/business/data/livefeed"
	"github.com/OpenTransitTools/transitroute/business/data/transitgraph"
	"github.com/OpenTransitTools/transitroute/business/planner"
	"github.com/OpenTransitTools/transitroute/business/routing"
	"github.com/OpenTransitTools/transitroute/foundation/database"
	"github.com/ardanlabs/conf"
	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
	logger "log"
	"os"
	"os/signal"
	"syscall"
	"time"
)

var build = "develop"

func main() {
	_ = godotenv.Load()
	log := logger.New(os.Stdout, "JOURNEY_API : ", logger.LstdFlags|logger.Lmicroseconds|logger.Lshortfile)
	if err := run(log); err != nil {
		log.Printf("main: error: %v", err)
		os.Exit(1)
	}
}

func run(log *logger.Logger) error {
	var cfg struct {
		conf.Version
		Web struct {
			APIHost      string        `conf:"default:0.0.0.0:8000"`
			ReadTimeout  time.Duration `conf:"default:5s"`
			WriteTimeout time.Duration `conf:"default:10s"`
			IdleTimeout  time.Duration `conf:"default:120s"`
		}
		DB struct {
			User         string `conf:"default:postgres"`
			Password     string `conf:"default:postgres,noprint"`
			Host         string `conf:"default:0.0.0.0"`
			Name         string `conf:"default:postgres"`
			DisableTLS   bool   `conf:"default:true"`
			SpatialIndex bool   `conf:"default:false"`
		}
		GTFS struct {
			StaticURL    string
			TempDir      string `conf:"default:gtfs_tmp"`
			RefreshHours int    `conf:"default:24"`
		}
		RT struct {
			TripUpdatesURL      string
			VehiclePositionsURL string
			AlertsURL           string
			APIKey              string `conf:"noprint"`
			PollSeconds         int    `conf:"default:30"`
		}
		NATS struct {
			URL string
		}
		Ingest struct {
			APIKey string `conf:"noprint"`
		}
		Routing struct {
			MaxRoutes          int     `conf:"default:5"`
			MaxTransfers       int     `conf:"default:2"`
			MinTransferMinutes int     `conf:"default:10"`
			MaxWalkMetres      float64 `conf:"default:500"`
			WalkSpeedKPH       float64 `conf:"default:4.5"`
		}
	}
	cfg.Version.SVN = build
	cfg.Version.Desc = "Journey planning api over gtfs schedules and live feeds"
	const prefix = "JOURNEY_API"
	if err := conf.Parse(os.Args[1:], prefix, &cfg); err != nil {
		switch err {
		case conf.ErrHelpWanted:
			usage, err := conf.Usage(prefix, &cfg)
			if err != nil {
				return fmt.Errorf("generating config usage: %w", err)
			}
			fmt.Println(usage)
			return nil
		case conf.ErrVersionWanted:
			version, err := conf.VersionString(prefix, &cfg)
			if err != nil {
				return fmt.Errorf("generating config version: %w", err)
			}
			fmt.Println(version)
			return nil
		}
		return fmt.Errorf("parsing config: %w", err)
	}

	// =========================================================================
	// App Starting

	log.Printf("main : Started : Application initializing : version %s", build)
	defer log.Println("main: Completed")

	out, err := conf.String(&cfg)
	if err != nil {
		return fmt.Errorf("generating config for output: %w", err)
	}
	log.Printf("main: Config :\n%v\n", out)

	// =========================================================================
	// Start Database

	log.Println("main: Initializing database support")

	db, err := database.Open(database.Config{
		User:       cfg.DB.User,
		Password:   cfg.DB.Password,
		Host:       cfg.DB.Host,
		Name:       cfg.DB.Name,
		DisableTLS: cfg.DB.DisableTLS,
	})
	if err != nil {
		return fmt.Errorf("connecting to db: %w", err)
	}
	defer func() {
		log.Printf("main: Database Stopping : %s", cfg.DB.Host)
		err = db.Close()
		if err != nil {
			log.Printf("main: error closing database: %v", err)
		}
	}()

	store := gtfs.NewDBStore(log, db, cfg.DB.SpatialIndex)
	graphCache := transitgraph.NewCache()
	liveState := livefeed.NewState()

	journeyPlanner := planner.New(log, store, graphCache, liveState, planner.Config{
		GTFSStaticURL: cfg.GTFS.StaticURL,
		GTFSTempDir:   cfg.GTFS.TempDir,
		Graph: transitgraph.Config{
			MaxWalkMetres: cfg.Routing.MaxWalkMetres,
			WalkSpeedKPH:  cfg.Routing.WalkSpeedKPH,
		},
		Routing: routing.Options{
			MaxRoutes:          cfg.Routing.MaxRoutes,
			MaxTransfers:       cfg.Routing.MaxTransfers,
			MinTransferMinutes: cfg.Routing.MinTransferMinutes,
		},
		RTPollingActive:    cfg.RT.APIKey != "",
		RTStartupFetchOnly: cfg.RT.APIKey != "" && cfg.RT.PollSeconds == 0,
	})

	// =========================================================================
	// Build Transit Graph

	log.Println("main: Building transit graph from stored schedule")
	if err := journeyPlanner.RebuildGraph(context.Background()); err != nil {
		return fmt.Errorf("building transit graph: %w", err)
	}

	// =========================================================================
	// Connect NATS

	var natsConn *nats.Conn
	if cfg.NATS.URL != "" {
		log.Printf("main: Connecting to nats server at %s", cfg.NATS.URL)
		natsConn, err = nats.Connect(cfg.NATS.URL)
		if err != nil {
			return fmt.Errorf("connecting to nats server: %w", err)
		}
		defer natsConn.Close()
	}

	refreshHours := cfg.GTFS.RefreshHours
	if refreshHours <= 0 {
		refreshHours = 24
	}
	serviceCfg := journeyapi.Config{
		WebAPIHost:            cfg.Web.APIHost,
		WebReadTimeout:        cfg.Web.ReadTimeout,
		WebWriteTimeout:       cfg.Web.WriteTimeout,
		WebIdleTimeout:        cfg.Web.IdleTimeout,
		IngestAPIKey:          cfg.Ingest.APIKey,
		StaticRefreshInterval: time.Duration(refreshHours) * time.Hour,
		TripUpdatesURL:        cfg.RT.TripUpdatesURL,
		VehiclePositionsURL:   cfg.RT.VehiclePositionsURL,
		AlertsURL:             cfg.RT.AlertsURL,
		RTAPIKey:              cfg.RT.APIKey,
		PollInterval:          time.Duration(cfg.RT.PollSeconds) * time.Second,
	}

	// Make a channel to listen for an interrupt or terminate signal from the OS.
	// Use a buffered channel because the signal package requires it.
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	journeyapi.StartServices(log, serviceCfg, journeyPlanner, liveState, store, natsConn, shutdown)
	return nil
}
