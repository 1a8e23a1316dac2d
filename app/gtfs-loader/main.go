package main

import (
	"context"
	"fmt"
	"github.com/OpenTransitTools/transitroute/business/data/gtfs"
	"github.com/OpenTransitTools/transitroute/business/reliability"
	"github.com/OpenTransitTools/transitroute/foundation/database"
	"github.com/ardanlabs/conf"
	"github.com/joho/godotenv"
	logger "log"
	"os"
)

var build = "develop"

func main() {
	_ = godotenv.Load()
	log := logger.New(os.Stdout, "GTFS_LOADER : ", logger.LstdFlags|logger.Lmicroseconds|logger.Lshortfile)
	if err := run(log); err != nil {
		log.Printf("main: error: %v", err)
		os.Exit(1)
	}
}

func run(log *logger.Logger) error {
	var cfg struct {
		conf.Version
		Args conf.Args
		DB   struct {
			User       string `conf:"default:postgres"`
			Password   string `conf:"default:postgres,noprint"`
			Host       string `conf:"default:0.0.0.0"`
			Name       string `conf:"default:postgres"`
			DisableTLS bool   `conf:"default:true"`
		}
		GTFS struct {
			StaticURL string
			TempDir   string `conf:"default:gtfs_tmp"`
		}
		Reliability struct {
			SeedWindowDays int `conf:"default:30"`
		}
	}
	cfg.Version.SVN = build
	cfg.Version.Desc = "Maintain the gtfs timetable and reliability records in database"
	if err := conf.Parse(os.Args[1:], "GTFS_LOADER", &cfg); err != nil {
		switch err {
		case conf.ErrHelpWanted:
			usage, err := conf.Usage("GTFS_LOADER", &cfg)
			if err != nil {
				return fmt.Errorf("generating config usage: %w", err)
			}
			fmt.Println(usage)
			return nil
		case conf.ErrVersionWanted:
			version, err := conf.VersionString("GTFS_LOADER", &cfg)
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

	store := gtfs.NewDBStore(log, db, false)
	ctx := context.Background()

	switch cfg.Args.Num(0) {
	case "load":
		result, err := gtfs.LoadStaticFeed(ctx, log, store, cfg.GTFS.StaticURL, cfg.GTFS.TempDir)
		if err != nil {
			return err
		}
		log.Printf("loaded %d stops, %d routes, %d trips, %d stop times, %d calendars",
			result.Stops, result.Routes, result.Trips, result.StopTimes, result.Calendars)
		return printStatus(ctx, log, store)
	case "seed":
		mode := reliability.SeedOverwrite
		if cfg.Args.Num(1) == "fill-gaps" {
			mode = reliability.SeedFillGapsOnly
		}
		written, err := reliability.SeedFromStatic(ctx, log, store, cfg.Reliability.SeedWindowDays, mode)
		if err != nil {
			return err
		}
		log.Printf("seeded %d reliability records over a %d day window",
			written, cfg.Reliability.SeedWindowDays)
		return nil
	case "status":
		return printStatus(ctx, log, store)
	default:
		fmt.Println("load: download the static gtfs feed and replace the stored timetable")
		fmt.Println("seed [fill-gaps]: synthesize reliability records from the stored timetable")
		fmt.Println("status: report stored timetable and reliability record counts")
		usage, err := conf.Usage("GTFS_LOADER", &cfg)
		if err != nil {
			return fmt.Errorf("generating config usage: %w", err)
		}
		fmt.Println(usage)
	}
	return nil
}

//printStatus reports what the database currently holds
func printStatus(ctx context.Context, log *logger.Logger, store gtfs.Store) error {
	stops, err := store.CountStops(ctx)
	if err != nil {
		return fmt.Errorf("counting stops: %w", err)
	}
	trips, err := store.CountTrips(ctx)
	if err != nil {
		return fmt.Errorf("counting trips: %w", err)
	}
	minDate, maxDate, err := store.ServiceIDRange(ctx)
	if err != nil {
		return fmt.Errorf("reading service date range: %w", err)
	}
	records, err := store.CountReliabilityRecords(ctx)
	if err != nil {
		return fmt.Errorf("counting reliability records: %w", err)
	}
	log.Printf("timetable: %d stops, %d trips, service dates %s through %s",
		stops, trips, minDate, maxDate)
	log.Printf("reliability: %d records", records)
	return nil
}
