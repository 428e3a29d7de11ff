package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"microchat/internal/auth"
	"microchat/internal/metrics"
	"microchat/internal/relay"
	"microchat/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxFrameSize   = 64 << 10
	sendBufferSize = 256
	inboundSize    = 32
	seenWindow     = 256

	// tokenProtocol 允许浏览器通过 Sec-WebSocket-Protocol: access_token, <token> 传递 token。
	tokenProtocol = "access_token"
)

// State 是连接的生命周期状态。
type State int32

const (
	StatePending State = iota
	StateAuthenticated
	StateClosed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateAuthenticated:
		return "authenticated"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Frame 是 websocket 上传输的 JSON 帧。
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type errorPayload struct {
	Message string `json:"message"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin:  func(r *http.Request) bool { return true },
	Subprotocols: []string{tokenProtocol},
}

type Conn struct {
	id       uuid.UUID
	gw       *Gateway
	ws       *websocket.Conn
	identity auth.Identity
	state    atomic.Int32
	limiter  *rate.Limiter
	logger   zerolog.Logger

	send    chan []byte
	inbound chan []byte
	done    chan struct{}
	once    sync.Once

	seenMu   sync.Mutex
	seen     map[uuid.UUID]struct{}
	seenRing []uuid.UUID
	seenPos  int
}

func (g *Gateway) newConn() *Conn {
	c := &Conn{
		id:       uuid.New(),
		gw:       g,
		limiter:  rate.NewLimiter(g.opts.SendRate, g.opts.SendBurst),
		send:     make(chan []byte, sendBufferSize),
		inbound:  make(chan []byte, inboundSize),
		done:     make(chan struct{}),
		seen:     make(map[uuid.UUID]struct{}, seenWindow),
		seenRing: make([]uuid.UUID, seenWindow),
	}
	c.state.Store(int32(StatePending))
	c.logger = log.With().Str("conn_id", c.id.String()).Logger()
	return c
}

func (c *Conn) State() State { return State(c.state.Load()) }

// Serve 在升级前完成 token 校验：失败时直接返回 401，不会加入任何频道。
func (g *Gateway) Serve(ctx *gin.Context) {
	c := g.newConn()
	token := extractToken(ctx.Request)
	if token == "" {
		c.state.Store(int32(StateClosed))
		metrics.WsRejectedTotal.WithLabelValues("missing_token").Inc()
		ctx.JSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
		return
	}
	identity, err := g.verifier.VerifyToken(ctx.Request.Context(), token)
	if err != nil {
		c.state.Store(int32(StateClosed))
		reason, msg := "invalid_token", "invalid token"
		if errors.Is(err, auth.ErrExpiredToken) {
			reason, msg = "expired_token", "token expired"
		} else if !errors.Is(err, auth.ErrInvalidToken) {
			c.logger.Error().Err(err).Msg("verify token")
			reason = "verify_error"
		}
		metrics.WsRejectedTotal.WithLabelValues(reason).Inc()
		ctx.JSON(http.StatusUnauthorized, gin.H{"error": msg})
		return
	}

	wsConn, err := upgrader.Upgrade(ctx.Writer, ctx.Request, nil)
	if err != nil {
		c.state.Store(int32(StateClosed))
		c.logger.Warn().Err(err).Msg("websocket upgrade")
		return
	}
	c.ws = wsConn
	c.identity = identity
	c.logger = c.logger.With().Uint("user_id", identity.UserID).Logger()

	c.state.Store(int32(StateAuthenticated))
	if err := g.join(c); err != nil {
		c.logger.Error().Err(err).Msg("join channel")
		c.state.Store(int32(StateClosed))
		_ = wsConn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "unavailable"),
			time.Now().Add(writeWait))
		_ = wsConn.Close()
		return
	}
	metrics.WsConnections.Inc()
	c.logger.Info().Str("username", identity.Username).Msg("client connected")

	go c.writePump()
	go c.processInbound()
	c.readPump()
}

func extractToken(r *http.Request) string {
	if t := strings.TrimSpace(r.URL.Query().Get("token")); t != "" {
		return t
	}
	if authz := r.Header.Get("Authorization"); len(authz) > 7 && strings.EqualFold(authz[:7], "bearer ") {
		return strings.TrimSpace(authz[7:])
	}
	protocols := websocket.Subprotocols(r)
	for i, p := range protocols {
		if p == tokenProtocol && i+1 < len(protocols) {
			return protocols[i+1]
		}
	}
	return ""
}

// Close 幂等；关闭后不再向该连接投递任何消息。
func (c *Conn) Close() {
	c.once.Do(func() {
		wasAuthenticated := c.State() == StateAuthenticated
		c.state.Store(int32(StateClosed))
		close(c.done)
		c.gw.leave(c)
		if c.ws != nil {
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			_ = c.ws.Close()
		}
		if wasAuthenticated {
			metrics.WsConnections.Dec()
			c.logger.Info().Msg("client disconnected")
		}
	})
}

// markSeen 记录信封 ID，重复出现时返回 false。
func (c *Conn) markSeen(id uuid.UUID) bool {
	c.seenMu.Lock()
	defer c.seenMu.Unlock()
	if _, ok := c.seen[id]; ok {
		return false
	}
	if old := c.seenRing[c.seenPos]; old != uuid.Nil {
		delete(c.seen, old)
	}
	c.seenRing[c.seenPos] = id
	c.seenPos = (c.seenPos + 1) % len(c.seenRing)
	c.seen[id] = struct{}{}
	return true
}

// enqueue 非阻塞写入发送队列；队列满说明客户端过慢，直接断开。
func (c *Conn) enqueue(b []byte) bool {
	if c.State() != StateAuthenticated {
		return false
	}
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- b:
		return true
	case <-c.done:
		return false
	default:
		c.logger.Warn().Msg("send buffer full, dropping client")
		go c.Close()
		return false
	}
}

func (c *Conn) emit(event string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		return
	}
	b, err := json.Marshal(Frame{Event: event, Data: payload})
	if err != nil {
		return
	}
	c.enqueue(b)
}

func (c *Conn) readPump() {
	defer c.Close()
	c.ws.SetReadLimit(maxFrameSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug().Err(err).Msg("read")
			}
			return
		}
		select {
		case c.inbound <- data:
		case <-c.done:
			return
		}
	}
}

// processInbound 是该连接唯一处理入站事件的 goroutine，保证按接收顺序处理。
// 连接关闭后，已收到的事件仍会处理完，只是回执无处投递。
func (c *Conn) processInbound() {
	for {
		select {
		case data := <-c.inbound:
			c.handleFrame(data)
		case <-c.done:
			for {
				select {
				case data := <-c.inbound:
					c.handleFrame(data)
				default:
					return
				}
			}
		}
	}
}

func (c *Conn) handleFrame(data []byte) {
	var in Frame
	if err := json.Unmarshal(data, &in); err != nil {
		c.emit(relay.EventError, errorPayload{Message: "malformed event"})
		return
	}
	if in.Event != relay.EventSendMessage {
		c.emit(relay.EventError, errorPayload{Message: "unknown event"})
		return
	}
	if !c.limiter.Allow() {
		c.emit(relay.EventError, errorPayload{Message: "rate limit exceeded"})
		return
	}
	var req relay.SendRequest
	if len(in.Data) == 0 || json.Unmarshal(in.Data, &req) != nil {
		c.emit(relay.EventError, errorPayload{Message: service.ErrIncompleteMessage.Error()})
		return
	}

	// 连接断开不会取消进行中的持久化。
	ctx, cancel := context.WithTimeout(context.Background(), c.gw.opts.RelayTimeout)
	defer cancel()
	_, err := c.gw.relay.HandleSend(ctx, c.identity, req)
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, service.ErrIncompleteMessage), errors.Is(err, relay.ErrMessageTooLong):
		c.emit(relay.EventError, errorPayload{Message: err.Error()})
	case errors.Is(err, relay.ErrBrokerUnavailable):
		c.emit(relay.EventError, errorPayload{Message: "message stored but delivery failed"})
	default:
		c.logger.Error().Err(err).Msg("relay send")
		c.emit(relay.EventError, errorPayload{Message: "failed to send message"})
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()
	for {
		select {
		case <-c.done:
			return
		case message := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
