// Package config resolves the bridge configuration from environment
// variables. Every key has a default so a bare environment starts a local
// development bridge.
package config

import (
	"crypto/rand"
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

// RandomChannel is the CHANNEL_NAME value that asks for a generated name.
const RandomChannel = "random"

// Config is the resolved bridge configuration.
type Config struct {
	// Presenter server.
	ListenAddr     string
	WorkerPoolSize int
	MaxConnections int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration

	// Infrastructure.
	NATSURL     string
	RedisAddr   string
	DatabaseURL string // empty disables the archive
	ServerName  string

	// Conversation identity and mode.
	Channel      string
	LocalUID     string
	AgentUID     string
	PureChat     bool
	AgentConnect bool

	// Agent profile passed on start.
	AgentPrompt   string
	AgentGreeting string
	AgentVoiceID  string
	AgentProfile  string

	// Keep-alive.
	PingEndpoint string
	PingInterval time.Duration

	// Reconciliation tuning.
	NearDuplicateWindow   time.Duration
	IngestDuplicateWindow time.Duration
	TypedDuplicateWindow  time.Duration
	TypingTimeout         time.Duration
	HistoryTTL            time.Duration
}

// Load reads the environment.
func Load() Config {
	serverName, _ := os.Hostname()
	if serverName == "" {
		serverName = "bridge-1"
	}

	cfg := Config{
		ListenAddr:     getEnv("LISTEN_ADDR", ":8080"),
		WorkerPoolSize: getIntEnv("WORKER_POOL_SIZE", 64),
		MaxConnections: getIntEnv("MAX_CONNECTIONS", 10000),
		ReadTimeout:    getDurationEnv("READ_TIMEOUT", 60*time.Second),
		WriteTimeout:   getDurationEnv("WRITE_TIMEOUT", 10*time.Second),

		NATSURL:     getEnv("NATS_URL", "nats://localhost:4222"),
		RedisAddr:   getEnv("REDIS_ADDR", "localhost:6379"),
		DatabaseURL: getEnv("DATABASE_URL", ""),
		ServerName:  getEnv("SERVER_NAME", serverName),

		Channel:      ResolveChannel(getEnv("CHANNEL_NAME", "avatar-demo")),
		LocalUID:     getEnv("LOCAL_UID", "101"),
		AgentUID:     getEnv("AGENT_UID", ""),
		PureChat:     getBoolEnv("PURE_CHAT", false),
		AgentConnect: getBoolEnv("AGENT_CONNECT", true),

		AgentPrompt:   getEnv("AGENT_PROMPT", ""),
		AgentGreeting: getEnv("AGENT_GREETING", ""),
		AgentVoiceID:  getEnv("AGENT_VOICE_ID", ""),
		AgentProfile:  getEnv("AGENT_PROFILE", ""),

		PingEndpoint: getEnv("PING_ENDPOINT", ""),
		PingInterval: getDurationEnv("PING_INTERVAL", 30*time.Second),

		NearDuplicateWindow:   getDurationEnv("NEAR_DUPLICATE_WINDOW", 2000*time.Millisecond),
		IngestDuplicateWindow: getDurationEnv("INGEST_DUPLICATE_WINDOW", 2000*time.Millisecond),
		TypedDuplicateWindow:  getDurationEnv("TYPED_DUPLICATE_WINDOW", 1000*time.Millisecond),
		TypingTimeout:         getDurationEnv("TYPING_TIMEOUT", 15*time.Second),
		HistoryTTL:            getDurationEnv("HISTORY_TTL", 24*time.Hour),
	}
	return cfg
}

// ResolveChannel returns name, or a fresh 8-character name when name is
// RandomChannel.
func ResolveChannel(name string) string {
	if strings.EqualFold(name, RandomChannel) {
		return randomName(8)
	}
	return name
}

const alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

func randomName(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		log.Fatalf("config: crypto/rand: %v", err)
	}
	for i, b := range buf {
		buf[i] = alphabet[int(b)%len(alphabet)]
	}
	return string(buf)
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getIntEnv(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
		log.Printf("[config] ignoring invalid %s=%q", key, v)
	}
	return def
}

func getBoolEnv(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
		log.Printf("[config] ignoring invalid %s=%q", key, v)
	}
	return def
}

func getDurationEnv(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			return time.Duration(ms) * time.Millisecond
		}
		log.Printf("[config] ignoring invalid %s=%q", key, v)
	}
	return def
}
