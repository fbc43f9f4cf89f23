package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

type Config struct {
	Port           string
	Environment    string
	AllowedOrigins []string
	JWTSecret      string
	SelfID         string
	Signaling      SignalingConfig
	Redis          RedisConfig
	ICE            ICEConfig
	Call           CallConfig
}

type SignalingConfig struct {
	Backend           string // "websocket" or "redis"
	URL               string
	ReconnectInterval time.Duration
	MaxReconnects     int
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

type ICEConfig struct {
	URLs           []string
	TURNUsername   string
	TURNCredential string
}

type CallConfig struct {
	OfferTimeout             time.Duration
	StatsInterval            time.Duration
	ReconnectMaxAttempts     int
	ReconnectInitialInterval time.Duration
	ReconnectMultiplier      float64
}

// Default STUN pool, same as the web client uses.
const defaultICEServers = "stun:stun.l.google.com:19302,stun:stun1.l.google.com:19302," +
	"stun:stun2.l.google.com:19302,stun:stun3.l.google.com:19302,stun:stun4.l.google.com:19302"

func Load() *Config {
	// Parse allowed origins (comma-separated)
	originsStr := getEnv("ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:5173")
	origins := splitList(originsStr)

	return &Config{
		Port:           getEnv("PORT", "8090"),
		Environment:    getEnv("ENVIRONMENT", "development"),
		AllowedOrigins: origins,
		JWTSecret:      getEnv("JWT_SECRET", "change-me-in-production"),
		SelfID:         getEnv("SELF_ID", ""),
		Signaling: SignalingConfig{
			Backend:           getEnv("SIGNALING_BACKEND", "websocket"),
			URL:               getEnv("SIGNALING_URL", "ws://localhost:8000/ws/chat/"),
			ReconnectInterval: getDuration("BUS_RECONNECT_INTERVAL", 3*time.Second),
			MaxReconnects:     getInt("BUS_MAX_RECONNECTS", 5),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getInt("REDIS_DB", 0),
		},
		ICE: ICEConfig{
			URLs:           splitList(getEnv("ICE_SERVERS", defaultICEServers)),
			TURNUsername:   getEnv("TURN_USERNAME", ""),
			TURNCredential: getEnv("TURN_CREDENTIAL", ""),
		},
		Call: CallConfig{
			OfferTimeout:             getDuration("OFFER_TIMEOUT", 30*time.Second),
			StatsInterval:            getDuration("STATS_INTERVAL", 2*time.Second),
			ReconnectMaxAttempts:     getInt("RECONNECT_MAX_ATTEMPTS", 3),
			ReconnectInitialInterval: getDuration("RECONNECT_INITIAL_INTERVAL", time.Second),
			ReconnectMultiplier:      getFloat("RECONNECT_MULTIPLIER", 1.5),
		},
	}
}

// Servers converts the configured URLs into pion ICE servers. TURN URLs carry
// the configured credentials; STUN URLs share one entry.
func (c ICEConfig) Servers() []webrtc.ICEServer {
	var stun, turn []string
	for _, u := range c.URLs {
		if strings.HasPrefix(u, "turn:") || strings.HasPrefix(u, "turns:") {
			turn = append(turn, u)
		} else {
			stun = append(stun, u)
		}
	}

	var servers []webrtc.ICEServer
	if len(stun) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: stun})
	}
	if len(turn) > 0 {
		servers = append(servers, webrtc.ICEServer{
			URLs:       turn,
			Username:   c.TURNUsername,
			Credential: c.TURNCredential,
		})
	}
	return servers
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return n
	}
	return defaultValue
}

func getFloat(key string, defaultValue float64) float64 {
	if f, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil {
		return f
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil && d > 0 {
		return d
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
