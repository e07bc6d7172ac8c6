package main

import (
	"database/sql"
	"io/ioutil"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/truckstream/amqp-telemetry-aggregator/aggregator"
	"go.uber.org/zap"
	"gopkg.in/yaml.v2"
)

func main() {
	if len(os.Args) < 2 {
		log.Fatalf("error: config file location not specified")
	}

	f, err := ioutil.ReadFile(os.Args[1])
	if err != nil {
		log.Fatalf("error: %v", err)
	}

	c := aggregator.Config{}
	err = yaml.Unmarshal(f, &c)
	if err != nil {
		log.Fatalf("error: %v", err)
	}

	err = c.Validate()
	if err != nil {
		log.Fatalf("error: %v", err)
	}

	// Set up logger
	var logger *zap.Logger
	if c.Env == "dev" {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		log.Fatalf("error: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	// Set up the optional joined-record archive
	var archive *aggregator.Archive
	if c.MySQL.DSN != "" {
		var db *sql.DB
		db, err = aggregator.NewDbConnection(c.MySQL)
		if err != nil {
			log.Fatalf("error: %v", err)
		}
		defer db.Close()

		archive = aggregator.NewArchive(db, sugar)
	}

	// Set up the pipeline
	metrics := aggregator.NewMetrics()
	subscriber := aggregator.NewSubscriber(c.AMQP, c.Channels, c.Pipeline.BufferSize, sugar)
	publisher := aggregator.NewPublisher(c.AMQP, sugar)
	pipeline := aggregator.NewPipeline(c, subscriber, publisher, archive, metrics, sugar)

	reporter := aggregator.NewReporter(metrics, time.Minute, sugar)
	go reporter.Run()

	go func() {
		exit := make(chan os.Signal, 1)
		signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)

		<-exit

		sugar.Info("aggregator: shutting down")
		if err := pipeline.Shutdown(); err != nil {
			sugar.Errorf("aggregator: %s", err)
		}
	}()

	if err := pipeline.Run(); err != nil {
		sugar.Errorf("aggregator: %s", err)
	}

	reporter.Stop()
	sugar.Info("aggregator: shutdown OK")
}
