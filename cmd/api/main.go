package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/smartpcapp/smartpc-control-plane/internal/api"
	"github.com/smartpcapp/smartpc-control-plane/internal/config"
	"github.com/smartpcapp/smartpc-control-plane/internal/desktop"
	"github.com/smartpcapp/smartpc-control-plane/internal/display"
	"github.com/smartpcapp/smartpc-control-plane/internal/display/gateway"
	"github.com/smartpcapp/smartpc-control-plane/internal/model"
	"github.com/smartpcapp/smartpc-control-plane/internal/store"
	"github.com/smartpcapp/smartpc-control-plane/internal/viewer"
)

func main() {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("connect db: %v", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		log.Fatalf("ping db: %v", err)
	}

	st := store.New(pool)
	if err := st.UpsertDesktopImages(ctx, buildDesktopImages(cfg)); err != nil {
		log.Fatalf("sync desktop images: %v", err)
	}

	prov, err := newProvisioner(cfg)
	if err != nil {
		log.Fatalf("init provisioner: %v", err)
	}
	viewers := viewer.NewRegistry(newDisplayClient(cfg), viewerOptions(cfg, st))
	defer viewers.CloseAll()

	handler := api.NewRouter(cfg, st, prov, viewers)

	srv := &http.Server{
		Addr:        cfg.ListenAddr,
		Handler:     handler,
		ReadTimeout: 30 * time.Second,
		// Desktop launch waits for the EC2 host to reach running before it
		// writes a response.
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Printf("smartpc-control-plane listening on %s provider=%s display=%s", cfg.ListenAddr, cfg.DesktopProvider, cfg.DisplayClient)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("http server: %v", err)
	}
}

func newProvisioner(cfg config.Config) (desktop.Provisioner, error) {
	if cfg.DesktopProvider != "aws" {
		return desktop.NewFakeProvisioner(cfg.DisplayPort), nil
	}
	awsProv, err := desktop.NewAWSProvisioner(desktop.AWSProvisionerOptions{
		AMIByRegion:   cfg.AWSAMIMap,
		InstanceType:  cfg.AWSInstanceType,
		SubnetID:      cfg.AWSSubnetID,
		SecurityGroup: cfg.AWSSecurityIDs,
		KeyName:       cfg.AWSKeyName,
		DisplayPort:   cfg.DisplayPort,
	})
	if err != nil {
		return nil, err
	}
	return awsProv, nil
}

func newDisplayClient(cfg config.Config) display.Client {
	if cfg.DisplayClient == "gateway" {
		return gateway.NewClient(gateway.Options{})
	}
	return display.NewFakeClient()
}

func viewerOptions(cfg config.Config, sink viewer.EventSink) viewer.Options {
	v := cfg.Viewer
	return viewer.Options{
		StatsInterval:  v.StatsInterval,
		FrameInterval:  v.FrameInterval,
		SettleDelay:    v.SettleDelay,
		ConnectTimeout: v.ConnectTimeout,
		CallTimeout:    v.CallTimeout,
		HistorySize:    v.HistorySize,
		ShortcutRate:   v.ShortcutRate,
		ShortcutBurst:  v.ShortcutBurst,
		UseGateway:     v.UseGateway,
		Codec:          v.Codec,
		Sink:           sink,
	}
}

func buildDesktopImages(cfg config.Config) []model.DesktopImage {
	images := make([]model.DesktopImage, 0, len(cfg.SupportedRegions))
	for _, region := range cfg.SupportedRegions {
		ami := cfg.AWSAMIMap[region]
		if ami == "" && cfg.DesktopProvider == "fake" {
			ami = "ami-fake-" + region
		}
		if ami == "" {
			continue
		}
		images = append(images, model.DesktopImage{
			Region:              region,
			AMIID:               ami,
			DefaultInstanceType: cfg.AWSInstanceType,
		})
	}
	return images
}
