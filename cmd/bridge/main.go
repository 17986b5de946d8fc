package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"math"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/whisper/avatar-chat/internal/archive"
	"github.com/whisper/avatar-chat/internal/config"
	"github.com/whisper/avatar-chat/internal/conversation"
	"github.com/whisper/avatar-chat/internal/keepalive"
	"github.com/whisper/avatar-chat/internal/media"
	"github.com/whisper/avatar-chat/internal/messaging"
	"github.com/whisper/avatar-chat/internal/metrics"
	"github.com/whisper/avatar-chat/internal/protocol"
	"github.com/whisper/avatar-chat/internal/ratelimit"
	"github.com/whisper/avatar-chat/internal/session"
	"github.com/whisper/avatar-chat/internal/ws"
)

func main() {
	cfg := config.Load()

	serverConfig := ws.DefaultServerConfig()
	serverConfig.ListenAddr = cfg.ListenAddr
	serverConfig.WorkerPoolSize = cfg.WorkerPoolSize
	serverConfig.MaxConnections = cfg.MaxConnections
	serverConfig.ReadTimeout = cfg.ReadTimeout
	serverConfig.WriteTimeout = cfg.WriteTimeout

	// --- NATS ---
	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = cfg.NATSURL
	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	// --- Redis ---
	sessionStore, err := session.NewStore(cfg.RedisAddr, cfg.ServerName)
	if err != nil {
		log.Fatalf("failed to connect to Redis: %v", err)
	}
	sessionStore.SetHistoryTTL(cfg.HistoryTTL)
	limiter := ratelimit.NewLimiter(sessionStore.Client())

	// --- PostgreSQL (optional) ---
	var (
		db           *sql.DB
		archiveStore *archive.Store
	)
	if cfg.DatabaseURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		db, err = archive.Open(ctx, cfg.DatabaseURL)
		cancel()
		if err != nil {
			log.Fatalf("failed to connect to PostgreSQL: %v", err)
		}
		if err := archive.Migrate(db); err != nil {
			log.Fatalf("failed to migrate archive: %v", err)
		}
		archiveStore = archive.NewStore(db)
	}

	log.Printf("Avatar chat bridge starting")
	log.Printf("  listen_addr:     %s", serverConfig.ListenAddr)
	log.Printf("  worker_pool:     %d", serverConfig.WorkerPoolSize)
	log.Printf("  max_connections: %d", serverConfig.MaxConnections)
	log.Printf("  nats_url:        %s", natsConfig.URL)
	log.Printf("  redis_addr:      %s", cfg.RedisAddr)
	log.Printf("  archive:         %v", archiveStore != nil)
	log.Printf("  server_name:     %s", cfg.ServerName)
	log.Printf("  channel:         %s", cfg.Channel)
	log.Printf("  pure_chat:       %v", cfg.PureChat)
	log.Printf("  agent_connect:   %v", cfg.AgentConnect)

	// Each conversation gets its own messaging view, media transport and
	// pinger; the NATS connection and the stores are shared.
	hub := conversation.NewHub(func(channel string) (*conversation.Session, error) {
		sc := conversation.DefaultConfig(channel)
		sc.LocalUID = cfg.LocalUID
		sc.AgentUID = cfg.AgentUID
		sc.PureChat = cfg.PureChat
		sc.AgentConnect = cfg.AgentConnect
		sc.AgentPrompt = cfg.AgentPrompt
		sc.AgentGreeting = cfg.AgentGreeting
		sc.AgentVoiceID = cfg.AgentVoiceID
		sc.AgentProfile = cfg.AgentProfile
		sc.NearDuplicateWindow = cfg.NearDuplicateWindow
		sc.IngestDuplicateWindow = cfg.IngestDuplicateWindow
		sc.TypedDuplicateWindow = cfg.TypedDuplicateWindow
		sc.TypingTimeout = cfg.TypingTimeout

		deps := conversation.Deps{
			Messaging: messaging.NewChannel(natsClient, cfg.LocalUID),
			Subtitles: natsClient,
			Media:     media.NewNATSTransport(natsClient),
			Agents:    natsClient,
			Commands:  natsClient,
			Limiter:   limiter,
			History:   sessionStore,
		}
		if archiveStore != nil {
			deps.Archive = archiveStore
		}
		if cfg.PingEndpoint != "" {
			deps.Keepalive = keepalive.New(keepalive.Config{
				Endpoint: cfg.PingEndpoint,
				Interval: cfg.PingInterval,
			})
		}
		return conversation.New(sc, deps)
	})

	// Warm the default conversation so history is restored before the first
	// presenter arrives.
	if _, err := hub.Get(context.Background(), cfg.Channel); err != nil {
		log.Fatalf("failed to open conversation %s: %v", cfg.Channel, err)
	}

	// attached returns the session conn is subscribed to, or reports an
	// error to the presenter.
	attached := func(conn *ws.Connection) *conversation.Session {
		sess, ok := hub.Lookup(conn.Channel())
		if !ok {
			ws.SendError(conn, "not_subscribed", "subscribe to a channel first")
			return nil
		}
		return sess
	}

	dispatcher := ws.NewMessageDispatcher()

	// -----------------------------------------------------------------------
	// subscribe: attach the presenter to a conversation
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeSubscribe, func(conn *ws.Connection, msg interface{}) {
		subMsg, ok := msg.(protocol.SubscribeMsg)
		if !ok {
			return
		}
		channel := subMsg.Channel
		if channel == "" {
			channel = cfg.Channel
		}
		ctx := context.Background()

		sess, err := hub.Get(ctx, channel)
		if err != nil {
			ws.SendError(conn, "subscribe_failed", err.Error())
			return
		}
		pureChat := sess.Config().PureChat
		cancel := sess.Subscribe(func(u conversation.Update) {
			data, err := protocol.NewServerMessage(protocol.TypeTimeline, timelineMessage(u, pureChat))
			if err != nil {
				log.Printf("[subscribe] encode timeline %s: %v", channel, err)
				return
			}
			conn.Push(data)
		})
		conn.Attach(channel, cancel)

		if err := sessionStore.SetChannel(ctx, conn.ID, channel); err != nil {
			log.Printf("[subscribe] presenter=%s set channel: %v", conn.ID, err)
		}
		log.Printf("subscribe presenter=%s channel=%s", conn.ID, channel)
	})

	// -----------------------------------------------------------------------
	// send_message: publish a user message to the agent
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeSendMessage, func(conn *ws.Connection, msg interface{}) {
		sendMsg, ok := msg.(protocol.SendMessageMsg)
		if !ok {
			return
		}
		sess := attached(conn)
		if sess == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		outcome, err := sess.TrySend(ctx, sendMsg.Text, conversation.SendOptions{SkipHistory: sendMsg.SkipHistory})
		switch outcome {
		case conversation.SendOK:
			ws.Send(conn, protocol.TypeSendResult, protocol.SendResultMsg{OK: true})
		case conversation.SendRateLimited:
			retry := limiter.RetryAfter(ctx, sess.Config().Channel, ratelimit.RuleSend)
			ws.Send(conn, protocol.TypeRateLimited, protocol.RateLimitedMsg{
				RetryAfter: int(math.Ceil(retry.Seconds())),
			})
		case conversation.SendInvalid:
			ws.SendError(conn, "invalid_message", err.Error())
		default:
			ws.Send(conn, protocol.TypeSendResult, protocol.SendResultMsg{OK: false})
		}
	})

	// -----------------------------------------------------------------------
	// connect, disconnect, reset: drive the agent session
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeConnect, func(conn *ws.Connection, msg interface{}) {
		sess := attached(conn)
		if sess == nil {
			return
		}
		// Connecting waits on the agent and media backends; keep the worker free.
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := sess.Connect(ctx); err != nil {
				log.Printf("connect presenter=%s channel=%s: %v", conn.ID, conn.Channel(), err)
				ws.SendError(conn, "connect_failed", err.Error())
			}
		}()
	})

	dispatcher.Register(protocol.TypeDisconnect, func(conn *ws.Connection, msg interface{}) {
		sess := attached(conn)
		if sess == nil {
			return
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := sess.Disconnect(ctx); err != nil {
				log.Printf("disconnect presenter=%s channel=%s: %v", conn.ID, conn.Channel(), err)
				ws.SendError(conn, "disconnect_failed", err.Error())
			}
		}()
	})

	dispatcher.Register(protocol.TypeReset, func(conn *ws.Connection, msg interface{}) {
		sess := attached(conn)
		if sess == nil {
			return
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := sess.Reset(ctx); err != nil {
				log.Printf("reset presenter=%s channel=%s: %v", conn.ID, conn.Channel(), err)
			}
		}()
	})

	server := ws.NewServer(serverConfig, sessionStore, dispatcher.Dispatch)
	server.SetLimiter(limiter)
	server.Handle("/metrics", metrics.Handler())
	if archiveStore != nil {
		server.Handle("/archive", archiveHandler(archiveStore, cfg.Channel))
	}

	server.SetOnDisconnect(func(conn *ws.Connection) {
		log.Printf("[disconnect] presenter=%s channel=%s", conn.ID, conn.Channel())
	})

	ws.StartHeartbeat(server, ws.DefaultHeartbeatConfig())

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)
		if err := server.Shutdown(); err != nil {
			log.Printf("shutdown error: %v", err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		hub.Close(ctx)
		cancel()

		natsClient.Close()
		if err := sessionStore.Close(); err != nil {
			log.Printf("session store close error: %v", err)
		}
		if db != nil {
			if err := db.Close(); err != nil {
				log.Printf("archive close error: %v", err)
			}
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

// timelineMessage converts a published update into the presenter message.
func timelineMessage(u conversation.Update, pureChat bool) protocol.TimelineMsg {
	typing := u.Typing
	if typing == nil {
		typing = []string{}
	}
	return protocol.TimelineMsg{
		Type:     protocol.TypeTimeline,
		Channel:  u.Channel,
		Messages: u.Messages,
		Typing:   typing,
		Status: protocol.Status{
			State:          u.State,
			FullyConnected: u.FullyConnected(),
			ChatEnabled:    u.ChatEnabled,
			PureChat:       pureChat,
			Mode:           u.Mode,
		},
	}
}

// archiveHandler serves GET /archive?channel=&limit= with archived messages
// as JSON.
func archiveHandler(store *archive.Store, defaultChannel string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		channel := r.URL.Query().Get("channel")
		if channel == "" {
			channel = defaultChannel
		}
		limit := 100
		if v := r.URL.Query().Get("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
				limit = n
			}
		}

		msgs, err := store.Recent(r.Context(), channel, limit)
		if err != nil {
			log.Printf("[archive] recent %s: %v", channel, err)
			http.Error(w, "archive unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(msgs)
	})
}
