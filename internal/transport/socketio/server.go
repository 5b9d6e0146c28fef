// Package socketio serves screens over socket.io and implements the hub's
// Transport on top of it.
package socketio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zishang520/engine.io/v2/types"
	"github.com/zishang520/socket.io/v2/socket"
	"golang.org/x/time/rate"

	"dashwall/internal/hub"
	"dashwall/internal/transport"
	logx "dashwall/pkg/logx"
)

var ErrNoConnection = errors.New("no live connection for subscription")

type Config struct {
	Path         string
	PingInterval time.Duration
	PingTimeout  time.Duration
	// CorsOrigin enables CORS for browser screens served elsewhere.
	CorsOrigin string
	// SubscribeRate limits subscribe/unsubscribe requests per connection.
	SubscribeRate  float64
	SubscribeBurst int
	// RequestTimeout bounds controller calls made on behalf of a screen.
	RequestTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Path == "" {
		c.Path = "/socket.io"
	}
	if c.SubscribeRate <= 0 {
		c.SubscribeRate = 2
	}
	if c.SubscribeBurst <= 0 {
		c.SubscribeBurst = 8
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 5 * time.Second
	}
	return c
}

// peer is the part of *socket.Socket the server uses.
type peer interface {
	Id() socket.SocketId
	Emit(ev string, args ...any) error
	Disconnect(status bool) *socket.Socket
}

type conn struct {
	peer    peer
	limiter *rate.Limiter

	mu   sync.Mutex
	keys map[string]string // session/screen key -> subscription id
}

type Server struct {
	cfg  Config
	io   *socket.Server
	log  logx.Logger
	warn *logx.Throttle

	ctrl transport.Controller
	rot  transport.Rotations

	mu    sync.RWMutex
	byKey map[string]*conn
	byID  map[string]*conn

	conns      atomic.Int64
	sent       atomic.Uint64
	sendErrors atomic.Uint64
	rejected   atomic.Uint64
}

func New(cfg Config, log logx.Logger) *Server {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	opts := socket.DefaultServerOptions()
	opts.SetPath(cfg.Path)
	if cfg.PingInterval > 0 {
		opts.SetPingInterval(cfg.PingInterval)
	}
	if cfg.PingTimeout > 0 {
		opts.SetPingTimeout(cfg.PingTimeout)
	}
	if cfg.CorsOrigin != "" {
		opts.SetCors(&types.Cors{Origin: cfg.CorsOrigin})
	}

	s := &Server{
		cfg:   cfg,
		io:    socket.NewServer(nil, opts),
		log:   log.With(logx.String("comp", "socketio")),
		warn:  logx.NewThrottle(5*time.Second, 64),
		byKey: map[string]*conn{},
		byID:  map[string]*conn{},
	}
	_ = s.io.On("connection", func(args ...any) {
		if len(args) == 0 {
			return
		}
		sock, ok := args[0].(*socket.Socket)
		if !ok {
			return
		}
		s.accept(sock)
	})
	return s
}

// Bind connects the server to the hub and, optionally, the rotation
// manager. It must be called before Handler serves traffic.
func (s *Server) Bind(ctrl transport.Controller, rot transport.Rotations) {
	s.ctrl = ctrl
	s.rot = rot
}

func (s *Server) Handler() http.Handler { return s.io.ServeHandler(nil) }

func (s *Server) Path() string { return s.cfg.Path }

func (s *Server) Close() {
	done := make(chan struct{})
	s.io.Close(func(error) { close(done) })
	select {
	case <-done:
	case <-time.After(5 * time.Second):
	}
}

func (s *Server) accept(sock *socket.Socket) {
	c := s.newConn(sock)
	_ = sock.On(transport.EventSubscribe, func(args ...any) { s.guard("subscribe", func() { s.handleSubscribe(c, args) }) })
	_ = sock.On(transport.EventUnsubscribe, func(args ...any) { s.guard("unsubscribe", func() { s.handleUnsubscribe(c, args) }) })
	_ = sock.On("disconnect", func(args ...any) { s.guard("disconnect", func() { s.handleDisconnect(c, args) }) })
}

func (s *Server) newConn(p peer) *conn {
	s.conns.Add(1)
	s.log.Debug("screen connected", logx.String("sid", string(p.Id())))
	return &conn{
		peer:    p,
		limiter: rate.NewLimiter(rate.Limit(s.cfg.SubscribeRate), s.cfg.SubscribeBurst),
		keys:    map[string]string{},
	}
}

func (s *Server) guard(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("socket handler panicked", logx.String("handler", what), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	fn()
}

func sessionKey(session, screen string) string {
	return strings.TrimSpace(session) + "\x00" + strings.TrimSpace(screen)
}

func (s *Server) handleSubscribe(c *conn, args []any) {
	data, ack := splitArgs(args)
	reply := s.subscribe(c, data)
	if ack != nil {
		ack([]any{toMap(reply)}, nil)
	}
}

func (s *Server) subscribe(c *conn, data any) transport.SubscribeReply {
	if !c.limiter.Allow() {
		s.rejected.Add(1)
		return transport.SubscribeReply{Error: "rate limited"}
	}
	var req transport.SubscribeRequest
	if err := decode(data, &req); err != nil {
		return transport.SubscribeReply{Error: "bad request: " + err.Error()}
	}
	if s.ctrl == nil {
		return transport.SubscribeReply{Error: "not ready"}
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RequestTimeout)
	defer cancel()

	if req.RotationID != "" && s.rot != nil {
		cur, ok := s.rot.Current(req.ScreenCode)
		if !ok || cur.RotationID != req.RotationID {
			if _, err := s.rot.Start(ctx, req.ScreenCode, req.RotationID); err != nil {
				return transport.SubscribeReply{Error: err.Error()}
			}
		}
	}

	key := sessionKey(req.SessionID, req.ScreenCode)
	s.mu.Lock()
	s.byKey[key] = c
	s.mu.Unlock()

	id, err := s.ctrl.Subscribe(ctx, hub.Subscription{
		SessionID:    req.SessionID,
		ScreenCode:   req.ScreenCode,
		ProjectToken: req.ProjectToken,
	})
	if err != nil {
		s.mu.Lock()
		if s.byKey[key] == c {
			delete(s.byKey, key)
		}
		s.mu.Unlock()
		return transport.SubscribeReply{Error: err.Error()}
	}

	s.mu.Lock()
	s.byID[id] = c
	s.mu.Unlock()
	c.mu.Lock()
	c.keys[key] = id
	c.mu.Unlock()
	return transport.SubscribeReply{SubscriptionID: id}
}

func (s *Server) handleUnsubscribe(c *conn, args []any) {
	data, ack := splitArgs(args)
	reply := transport.SubscribeReply{}
	var req transport.UnsubscribeRequest
	switch {
	case !c.limiter.Allow():
		s.rejected.Add(1)
		reply.Error = "rate limited"
	case decode(data, &req) != nil || req.SubscriptionID == "":
		reply.Error = "bad request"
	case !s.release(c, req.SubscriptionID):
		reply.Error = hub.ErrUnknownSubscription.Error()
	default:
		reply.SubscriptionID = req.SubscriptionID
	}
	if ack != nil {
		ack([]any{toMap(reply)}, nil)
	}
}

// release drops subscription id owned by c and unsubscribes it from the hub.
func (s *Server) release(c *conn, id string) bool {
	c.mu.Lock()
	var key string
	for k, v := range c.keys {
		if v == id {
			key = k
			break
		}
	}
	if key != "" {
		delete(c.keys, key)
	}
	c.mu.Unlock()
	if key == "" {
		return false
	}

	s.mu.Lock()
	owned := s.byKey[key] == c
	if owned {
		delete(s.byKey, key)
	}
	if s.byID[id] == c {
		delete(s.byID, id)
	}
	s.mu.Unlock()

	if owned && s.ctrl != nil {
		if err := s.ctrl.Unsubscribe(id); err != nil && !errors.Is(err, hub.ErrUnknownSubscription) {
			s.log.Warn("unsubscribe failed", logx.String("sub", id), logx.Err(err))
		}
	}
	return true
}

func (s *Server) handleDisconnect(c *conn, args []any) {
	reason := ""
	if len(args) > 0 {
		reason = fmt.Sprint(args[0])
	}
	c.mu.Lock()
	ids := make([]string, 0, len(c.keys))
	for _, id := range c.keys {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	for _, id := range ids {
		s.release(c, id)
	}
	s.conns.Add(-1)
	s.log.Debug("screen disconnected", logx.String("sid", string(c.peer.Id())), logx.String("reason", reason), logx.Int("subs", len(ids)))
}

// Send implements hub.Transport.
func (s *Server) Send(ctx context.Context, id string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c := s.route(id)
	if c == nil {
		return ErrNoConnection
	}
	var body map[string]any
	if err := json.Unmarshal(payload, &body); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	if err := c.peer.Emit(transport.EventPush, body); err != nil {
		s.sendErrors.Add(1)
		return err
	}
	s.sent.Add(1)
	return nil
}

// route finds the connection currently bound to subscription id. The
// session/screen key wins over the id so a reconnecting screen receives
// events on its new socket even before its subscribe call returns.
func (s *Server) route(id string) *conn {
	if s.ctrl != nil {
		if sub, ok := s.ctrl.Lookup(id); ok {
			s.mu.RLock()
			c := s.byKey[sessionKey(sub.SessionID, sub.ScreenCode)]
			s.mu.RUnlock()
			if c != nil {
				return c
			}
		}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byID[id]
}

// Disconnect implements hub.Transport. The screen is told why and its
// socket is closed so the client reconnects and resyncs.
func (s *Server) Disconnect(id, reason string) {
	s.mu.Lock()
	c := s.byID[id]
	delete(s.byID, id)
	s.mu.Unlock()
	if c == nil {
		return
	}
	_ = c.peer.Emit(transport.EventDropped, toMap(transport.DroppedNotice{SubscriptionID: id, Reason: reason}))
	c.peer.Disconnect(true)
	s.warn.Warn(s.log, "dropped", "screen dropped", logx.String("sub", id), logx.String("reason", reason))
}

type Stats struct {
	Connections   int64  `json:"connections"`
	Subscriptions int    `json:"subscriptions"`
	Sent          uint64 `json:"sent"`
	SendErrors    uint64 `json:"send_errors"`
	Rejected      uint64 `json:"rejected"`
}

func (s *Server) Stats() Stats {
	s.mu.RLock()
	n := len(s.byID)
	s.mu.RUnlock()
	return Stats{
		Connections:   s.conns.Load(),
		Subscriptions: n,
		Sent:          s.sent.Load(),
		SendErrors:    s.sendErrors.Load(),
		Rejected:      s.rejected.Load(),
	}
}

// splitArgs separates the request body from a trailing ack callback.
func splitArgs(args []any) (any, socket.Ack) {
	var ack socket.Ack
	if n := len(args); n > 0 {
		if fn, ok := args[n-1].(socket.Ack); ok {
			ack = fn
			args = args[:n-1]
		}
	}
	if len(args) == 0 {
		return nil, ack
	}
	return args[0], ack
}

func decode(data any, dst any) error {
	if data == nil {
		return errors.New("empty body")
	}
	var b []byte
	switch v := data.(type) {
	case string:
		b = []byte(v)
	case []byte:
		b = v
	default:
		var err error
		if b, err = json.Marshal(v); err != nil {
			return err
		}
	}
	return json.Unmarshal(b, dst)
}

func toMap(v any) map[string]any {
	b, err := json.Marshal(v)
	if err != nil {
		return map[string]any{}
	}
	var m map[string]any
	_ = json.Unmarshal(b, &m)
	return m
}
