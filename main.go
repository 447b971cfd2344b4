package main

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	ini "gopkg.in/ini.v1"

	"gsm2sip/sip"
)

var sipClient *sip.Client

func startSIP(cfg *Settings) error {
	coreLog.Info("starting SIP client")

	host := cfg.PublicAddress()
	if host == "" {
		detected, err := detectHostIP()
		if err != nil {
			return fmt.Errorf("public address autodetect: %w", err)
		}
		host = detected
		coreLog.Infof("using %s as the public address", host)
	}

	sip.SetUserAgent(cfg.UserAgent())
	sipClient = sip.NewClient(sip.Config{
		User:            cfg.SIPUser(),
		Domain:          cfg.SIPDomain(),
		Password:        cfg.SIPPassword(),
		Registrar:       cfg.Registrar(),
		AdvertisedHost:  host,
		Port:            cfg.SIPPort(),
		PortRange:       cfg.SIPPortRange(),
		Register:        cfg.Register(),
		RegisterExpires: cfg.RegisterExpires(),
		RegisterRefresh: cfg.RegisterRefresh(),
		Log:             sipLog,
	})
	if err := sipClient.Start(); err != nil {
		return fmt.Errorf("sip listen: %w", err)
	}
	registerSIPMetrics(sipClient)
	coreLog.Infof("SIP client listening on %s/udp", sipClient.LocalAddr())
	return nil
}

var lineBus *LineBus

func startLines(cfg *Settings) error {
	coreLog.Info("starting line bus")

	lineBus = NewLineBus(cfg.AgentListen(), cfg.LineCount())
	if err := lineBus.Start(); err != nil {
		return fmt.Errorf("line agent listen: %w", err)
	}
	return nil
}

func main() {
	_ = godotenv.Load()

	cfg, err := ini.Load("settings.ini")
	if err != nil {
		fmt.Printf("failed to load settings: %v\n", err)
		return
	}

	settings, err := LoadSettings(cfg)
	if err != nil {
		fmt.Printf("failed to parse settings: %v\n", err)
		return
	}

	if err := initLogging(cfg); err != nil {
		fmt.Printf("failed to init logging: %v\n", err)
		return
	}
	coreLog.Info("settings loaded", cfg.Section("").KeysHash())

	if err := startSIP(settings); err != nil {
		coreLog.Fatalf("failed to start SIP client: %v", err)
	}
	if err := startLines(settings); err != nil {
		coreLog.Fatalf("failed to start line bus: %v", err)
	}
	if settings.MetricsEnabled() {
		startMetrics(settings.MetricsListen())
	}
	if err := startGateway(settings, sipClient, lineBus); err != nil {
		coreLog.Fatalf("failed to start gateway: %v", err)
	}

	coreLog.Info("performing a graceful shutdown...")
	lineBus.Stop()
	sipClient.Stop()
	time.Sleep(time.Second)
	closeLogging()
}
