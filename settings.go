package main

import (
	"fmt"
	"net"
	"os"
	"time"

	ini "gopkg.in/ini.v1"
)

// Settings holds application configuration loaded from settings.ini.
type Settings struct {
	sipPort         int
	sipPortRange    int
	sipUser         string
	sipDomain       string
	sipPassword     string
	registrar       string
	register        bool
	registerExpires int
	trunkMode       bool
	publicAddress   string
	userAgent       string

	lineCount        int
	inboundExtension string
	agentListen      string
	dialPlan         string

	rtpPortBase    int
	rtpPortStep    int
	rtpPortRetries int

	audioDevice string

	metricsEnabled bool
	metricsListen  string

	setupTimeout    int
	registerRefresh int
}

// LoadSettings reads configuration from ini file and validates required fields.
func LoadSettings(cfg *ini.File) (*Settings, error) {
	s := &Settings{}

	sec := cfg.Section("sip")
	s.sipPort = sec.Key("port").MustInt(5080)
	s.sipPortRange = sec.Key("port_range").MustInt(3)
	s.sipUser = sec.Key("user").String()
	s.sipDomain = sec.Key("domain").String()
	s.sipPassword = sec.Key("password").String()
	s.registrar = sec.Key("registrar").String()
	s.register = sec.Key("register").MustBool(true)
	s.registerExpires = sec.Key("register_expires").MustInt(60)
	s.trunkMode = sec.Key("trunk_mode").MustBool(false)
	s.publicAddress = sec.Key("public_address").String()
	s.userAgent = sec.Key("user_agent").MustString("gsm2sip/1.0")

	// secrets can come from the environment instead of the ini file
	if pw := os.Getenv("SIP_PASSWORD"); pw != "" {
		s.sipPassword = pw
	}

	sec = cfg.Section("lines")
	s.lineCount = sec.Key("count").MustInt(2)
	s.inboundExtension = sec.Key("inbound_extension").MustString("100")
	s.agentListen = sec.Key("agent_listen").MustString(":5998")
	s.dialPlan = sec.Key("dial_plan").String()

	sec = cfg.Section("rtp")
	s.rtpPortBase = sec.Key("port_base").MustInt(5004)
	s.rtpPortStep = sec.Key("port_step").MustInt(2)
	s.rtpPortRetries = sec.Key("port_retries").MustInt(5)

	sec = cfg.Section("audio")
	s.audioDevice = sec.Key("device").MustString("null")

	sec = cfg.Section("metrics")
	s.metricsEnabled = sec.Key("enabled").MustBool(false)
	s.metricsListen = sec.Key("listen").MustString(":9108")

	sec = cfg.Section("other")
	s.setupTimeout = sec.Key("setup_timeout").MustInt(60)
	s.registerRefresh = sec.Key("register_refresh").MustInt(50)

	if !s.trunkMode && s.sipDomain == "" {
		return nil, fmt.Errorf("sip domain must be set unless trunk_mode is enabled")
	}
	if s.lineCount < 1 {
		return nil, fmt.Errorf("line count must be positive")
	}

	return s, nil
}

func (s *Settings) SIPPort() int          { return s.sipPort }
func (s *Settings) SIPPortRange() int     { return s.sipPortRange }
func (s *Settings) SIPUser() string       { return s.sipUser }
func (s *Settings) SIPDomain() string     { return s.sipDomain }
func (s *Settings) SIPPassword() string   { return s.sipPassword }
func (s *Settings) RegisterExpires() int  { return s.registerExpires }
func (s *Settings) TrunkMode() bool       { return s.trunkMode }
func (s *Settings) PublicAddress() string { return s.publicAddress }
func (s *Settings) UserAgent() string     { return s.userAgent }

// Registrar is the PBX address signaling goes to. Empty in trunk mode,
// where the peer is learned from its first request instead.
func (s *Settings) Registrar() string {
	if s.trunkMode {
		return ""
	}
	if s.registrar != "" {
		return s.registrar
	}
	return net.JoinHostPort(s.sipDomain, "5060")
}

// Register reports whether the client should keep a PBX registration.
// Trunk mode never registers.
func (s *Settings) Register() bool { return s.register && !s.trunkMode }

func (s *Settings) LineCount() int           { return s.lineCount }
func (s *Settings) InboundExtension() string { return s.inboundExtension }
func (s *Settings) AgentListen() string      { return s.agentListen }
func (s *Settings) DialPlan() string         { return s.dialPlan }

func (s *Settings) RTPPortBase() int    { return s.rtpPortBase }
func (s *Settings) RTPPortStep() int    { return s.rtpPortStep }
func (s *Settings) RTPPortRetries() int { return s.rtpPortRetries }

func (s *Settings) AudioDevice() string { return s.audioDevice }

func (s *Settings) MetricsEnabled() bool  { return s.metricsEnabled }
func (s *Settings) MetricsListen() string { return s.metricsListen }

func (s *Settings) SetupTimeout() time.Duration {
	return time.Duration(s.setupTimeout) * time.Second
}

func (s *Settings) RegisterRefresh() time.Duration {
	return time.Duration(s.registerRefresh) * time.Second
}
