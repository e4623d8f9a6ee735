package main

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/sirupsen/logrus"

	"github.com/pileplan/pileplan/internal/auth"
	"github.com/pileplan/pileplan/internal/handlers"
	"github.com/pileplan/pileplan/internal/history"
	"github.com/pileplan/pileplan/internal/middleware"
	"github.com/pileplan/pileplan/internal/room"
	"github.com/pileplan/pileplan/internal/service"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	// init auth keys
	auth.Init()

	// optional room-event telemetry feed
	publisher, err := history.NewPublisherFromEnv(logger)
	if err != nil {
		logger.Fatalf("failed to connect room-event feed: %v", err)
	}
	if publisher != nil {
		defer publisher.Close()
		logger.Info("room-event feed enabled")
	}

	opts := []service.Option{
		service.WithHostDisconnectPolicy(room.ParsePolicy(os.Getenv("ROOM_HOST_DISCONNECT_POLICY"))),
	}
	if publisher != nil {
		opts = append(opts, service.WithHistory(publisher))
	}
	coord := service.New(logger, auth.Validator{}, opts...)
	defer coord.Shutdown()

	logMW := middleware.LogMiddleware(logger)
	mux := http.NewServeMux()
	mux.Handle("/health", logMW(handlers.HealthHandler(coord)))
	mux.Handle("/room/ws", handlers.RoomWSHandler(logger, coord))

	server := &http.Server{
		Handler:      mux,
		ReadTimeout:  time.Second * 10,
		WriteTimeout: time.Second * 10,
	}

	port := os.Getenv("PILEPLAN_SERVICE_PORT")
	if port == "" {
		port = "8080"
	}
	l, err := net.Listen("tcp", fmt.Sprintf(":%s", port))
	if err != nil {
		logger.Fatalf("failed to listen: %v", err)
	}

	logger.Infof("listening on %s", l.Addr())

	errc := make(chan error, 1)
	go func() {
		errc <- server.Serve(l)
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt)
	select {
	case err := <-errc:
		logger.Errorf("failed to serve: %v", err)
	case sig := <-sigs:
		logger.Infof("terminating: %v", sig)
	}
}
