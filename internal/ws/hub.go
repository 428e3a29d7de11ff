package ws

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"microchat/internal/auth"
	"microchat/internal/broker"
	"microchat/internal/metrics"
	"microchat/internal/relay"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// Verifier 在握手阶段校验 token。
type Verifier interface {
	VerifyToken(ctx context.Context, token string) (auth.Identity, error)
}

// Sender 处理已认证连接发出的 send_message。
type Sender interface {
	HandleSend(ctx context.Context, sender auth.Identity, req relay.SendRequest) (relay.OutboundMessage, error)
}

type Options struct {
	// SendRate/SendBurst 限制单连接的 send_message 频率。
	SendRate     rate.Limit
	SendBurst    int
	RelayTimeout time.Duration
	DispatchSize int
}

func (o Options) withDefaults() Options {
	if o.SendRate <= 0 {
		o.SendRate = rate.Every(time.Second / 10)
	}
	if o.SendBurst <= 0 {
		o.SendBurst = 20
	}
	if o.RelayTimeout <= 0 {
		o.RelayTimeout = 10 * time.Second
	}
	if o.DispatchSize <= 0 {
		o.DispatchSize = 1024
	}
	return o
}

// channel 是某个用户在本实例上的全部连接，以及对应的 broker 订阅。
type channel struct {
	conns map[*Conn]struct{}
	sub   broker.Subscription
}

// Gateway 持有本实例的所有连接：按用户频道分组，
// 第一个连接加入时订阅 broker，最后一个离开时退订。
type Gateway struct {
	broker   broker.Broker
	verifier Verifier
	relay    Sender
	opts     Options

	mu       sync.Mutex
	channels map[uint]*channel

	dispatch chan broker.Envelope
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
}

func NewGateway(b broker.Broker, v Verifier, s Sender, opts Options) *Gateway {
	ctx, cancel := context.WithCancel(context.Background())
	opts = opts.withDefaults()
	g := &Gateway{
		broker:   b,
		verifier: v,
		relay:    s,
		opts:     opts,
		channels: make(map[uint]*channel),
		dispatch: make(chan broker.Envelope, opts.DispatchSize),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go g.run()
	return g
}

// Online 返回某用户在本实例上的连接数。
func (g *Gateway) Online(userID uint) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if ch := g.channels[userID]; ch != nil {
		return len(ch.conns)
	}
	return 0
}

func (g *Gateway) join(c *Conn) error {
	uid := c.identity.UserID
	g.mu.Lock()
	defer g.mu.Unlock()
	ch := g.channels[uid]
	if ch == nil {
		sub, err := g.broker.Subscribe(broker.ChannelFor(uid), g.enqueue)
		if err != nil {
			return err
		}
		ch = &channel{conns: make(map[*Conn]struct{}), sub: sub}
		g.channels[uid] = ch
	}
	ch.conns[c] = struct{}{}
	return nil
}

func (g *Gateway) leave(c *Conn) {
	uid := c.identity.UserID
	g.mu.Lock()
	defer g.mu.Unlock()
	ch := g.channels[uid]
	if ch == nil {
		return
	}
	if _, ok := ch.conns[c]; !ok {
		return
	}
	delete(ch.conns, c)
	if len(ch.conns) == 0 {
		if err := ch.sub.Unsubscribe(); err != nil {
			log.Warn().Err(err).Uint("user_id", uid).Msg("unsubscribe channel")
		}
		delete(g.channels, uid)
	}
}

// enqueue 由 broker 的投递 goroutine 调用，只负责转交给 dispatch。
func (g *Gateway) enqueue(env broker.Envelope) {
	select {
	case g.dispatch <- env:
	case <-g.ctx.Done():
	}
}

func (g *Gateway) run() {
	defer close(g.done)
	for {
		select {
		case <-g.ctx.Done():
			return
		case env := <-g.dispatch:
			g.deliver(env)
		}
	}
}

func (g *Gateway) deliver(env broker.Envelope) {
	uid, err := strconv.ParseUint(env.Channel, 10, 64)
	if err != nil {
		log.Warn().Str("channel", env.Channel).Msg("drop envelope for unknown channel")
		return
	}
	frame, err := json.Marshal(Frame{Event: env.Event, Data: env.Data})
	if err != nil {
		log.Error().Err(err).Str("envelope_id", env.ID.String()).Msg("encode frame")
		return
	}

	g.mu.Lock()
	ch := g.channels[uint(uid)]
	var targets []*Conn
	if ch != nil {
		targets = make([]*Conn, 0, len(ch.conns))
		for c := range ch.conns {
			targets = append(targets, c)
		}
	}
	g.mu.Unlock()

	for _, c := range targets {
		if !c.markSeen(env.ID) {
			continue
		}
		if c.enqueue(frame) {
			metrics.BrokerDeliveries.Inc()
		}
	}
}

// Shutdown 关闭全部连接并停止 dispatch。
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	var all []*Conn
	for _, ch := range g.channels {
		for c := range ch.conns {
			all = append(all, c)
		}
	}
	g.mu.Unlock()

	for _, c := range all {
		c.Close()
	}
	g.cancel()

	select {
	case <-g.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
