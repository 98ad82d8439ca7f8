package liveserver

import (
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"gridbot/internal/core"
)

var (
	activeConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gridbot_websocket_active_connections",
		Help: "Current number of active WebSocket connections",
	})

	rejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gridbot_websocket_rejected_total",
		Help: "Total number of rejected WebSocket connections",
	}, []string{"reason"})
)

func init() {
	prometheus.MustRegister(activeConnections)
	prometheus.MustRegister(rejectedTotal)
}

// Handler upgrades HTTP requests to WebSocket subscriptions on a Hub.
// It enforces an origin whitelist, a global connection cap and a per-IP
// connection rate before spending upgrade resources.
type Handler struct {
	hub            *Hub
	logger         core.ILogger
	upgrader       websocket.Upgrader
	allowedOrigins []string

	maxConnections int
	connSemaphore  chan struct{}

	ipLimiters sync.Map // map[string]*rate.Limiter
	rateLimit  rate.Limit
	rateBurst  int
}

// NewHandler creates a WebSocket handler bound to hub. An allowedOrigins
// entry of "*" admits any origin.
func NewHandler(hub *Hub, logger core.ILogger, allowedOrigins []string) *Handler {
	h := &Handler{
		hub:            hub,
		logger:         logger.WithField("component", "live_handler"),
		allowedOrigins: allowedOrigins,
		maxConnections: 1000,
		connSemaphore:  make(chan struct{}, 1000),
		rateLimit:      10,
		rateBurst:      20,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		rejectedTotal.WithLabelValues("missing_origin").Inc()
		return false
	}
	parsed, err := url.Parse(origin)
	if err != nil {
		rejectedTotal.WithLabelValues("invalid_origin").Inc()
		return false
	}
	originStr := parsed.Scheme + "://" + parsed.Host

	for _, allowed := range h.allowedOrigins {
		if allowed == "*" || originStr == allowed {
			return true
		}
	}
	h.logger.Warn("rejected connection from unauthorized origin",
		"origin", origin, "remote", r.RemoteAddr)
	rejectedTotal.WithLabelValues("invalid_origin").Inc()
	return false
}

func (h *Handler) ipLimiter(ip string) *rate.Limiter {
	if l, ok := h.ipLimiters.Load(ip); ok {
		return l.(*rate.Limiter)
	}
	l, _ := h.ipLimiters.LoadOrStore(ip, rate.NewLimiter(h.rateLimit, h.rateBurst))
	return l.(*rate.Limiter)
}

func remoteIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	return r.RemoteAddr
}

// ServeHTTP upgrades the connection and pumps hub messages until either
// side goes away.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.ipLimiter(remoteIP(r)).Allow() {
		rejectedTotal.WithLabelValues("rate_limit").Inc()
		http.Error(w, "Too many requests", http.StatusTooManyRequests)
		return
	}

	select {
	case h.connSemaphore <- struct{}{}:
		activeConnections.Inc()
		defer func() {
			<-h.connSemaphore
			activeConnections.Dec()
		}()
	default:
		rejectedTotal.WithLabelValues("connection_limit").Inc()
		http.Error(w, "Server busy", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", "error", err.Error())
		return
	}

	client := NewClient(uuid.NewString())
	h.hub.Register(client)
	h.logger.Debug("client connected", "client", client.id, "remote", r.RemoteAddr)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		h.writePump(conn, client)
	}()
	go func() {
		defer wg.Done()
		h.readPump(conn, client)
	}()
	wg.Wait()

	h.hub.Unregister(client)
	conn.Close()
	h.logger.Debug("client disconnected", "client", client.id)
}

func (h *Handler) writePump(conn *websocket.Conn, client *Client) {
	ticker := time.NewTicker(54 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-client.Messages():
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteJSON(msg); err != nil {
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump discards inbound frames; the stream is one-way. It keeps the
// read deadline fresh through pongs so dead peers are detected.
func (h *Handler) readPump(conn *websocket.Conn, client *Client) {
	defer h.hub.Unregister(client)

	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
