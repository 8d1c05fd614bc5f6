package loadgen

import (
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/adred-codev/chatflow/internal/logging"
)

const (
	poolSizePerRoom   = 10
	handshakeTimeout  = 5 * time.Second
	heartbeatInterval = 30 * time.Second
	responseQueueCap  = 256
)

// PooledConn is one persistent socket to a room endpoint. A read pump feeds
// every inbound frame into the response queue; senders correlate acks by
// draining it.
type PooledConn struct {
	conn      *websocket.Conn
	roomID    int
	healthy   atomic.Bool
	responses chan []byte
	closeOnce sync.Once
}

// Responses exposes the inbound frame queue.
func (c *PooledConn) Responses() <-chan []byte {
	return c.responses
}

// Healthy reports whether the connection is still usable.
func (c *PooledConn) Healthy() bool {
	return c.healthy.Load()
}

// Send writes one text frame.
func (c *PooledConn) Send(payload []byte) error {
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

// Ping sends a WebSocket ping control frame. A failure marks the connection
// unhealthy so the pool retires it.
func (c *PooledConn) Ping() error {
	err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second))
	if err != nil {
		c.healthy.Store(false)
	}
	return err
}

// Close shuts the socket. Idempotent.
func (c *PooledConn) Close() {
	c.closeOnce.Do(func() {
		c.healthy.Store(false)
		c.conn.Close()
	})
}

func (c *PooledConn) readPump() {
	defer c.Close()
	for {
		msgType, payload, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		select {
		case c.responses <- payload:
		default:
			// Queue full means the sender stopped draining; drop the frame
			// rather than stall the pump on broadcast traffic.
		}
	}
}

// ConnPool keeps up to 10 persistent connections per room. Get polls the
// room's pool and dials on miss; Put returns a connection iff it is healthy
// and the pool has space. A heartbeat pings every idle connection on a 30
// second cycle and retires the ones that fail.
type ConnPool struct {
	serverURL string
	logger    zerolog.Logger

	mu    sync.Mutex
	rooms map[int]chan *PooledConn

	closed atomic.Bool
	stop   chan struct{}
	wg     sync.WaitGroup
}

// NewConnPool builds the pool for the given ws:// base URL.
func NewConnPool(serverURL string, logger zerolog.Logger) *ConnPool {
	p := &ConnPool{
		serverURL: serverURL,
		logger:    logger,
		rooms:     make(map[int]chan *PooledConn),
		stop:      make(chan struct{}),
	}
	p.wg.Add(1)
	go p.heartbeat()
	return p
}

func (p *ConnPool) room(roomID int) chan *PooledConn {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch, ok := p.rooms[roomID]
	if !ok {
		ch = make(chan *PooledConn, poolSizePerRoom)
		p.rooms[roomID] = ch
	}
	return ch
}

// Get returns a healthy connection for the room, dialing a new one when the
// pool is empty or the polled connection has gone bad.
func (p *ConnPool) Get(roomID int) (*PooledConn, error) {
	select {
	case c := <-p.room(roomID):
		if c.Healthy() {
			return c, nil
		}
		c.Close()
	default:
	}
	return p.dial(roomID)
}

// Put offers the connection back. Unhealthy connections and overflow are
// closed instead.
func (p *ConnPool) Put(c *PooledConn) {
	if p.closed.Load() || !c.Healthy() {
		c.Close()
		return
	}
	select {
	case p.room(c.roomID) <- c:
	default:
		c.Close()
	}
}

func (p *ConnPool) dial(roomID int) (*PooledConn, error) {
	u, err := url.JoinPath(p.serverURL, "chat", fmt.Sprint(roomID))
	if err != nil {
		return nil, fmt.Errorf("build url: %w", err)
	}

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.Dial(u, nil)
	if err != nil {
		return nil, fmt.Errorf("dial room %d: %w", roomID, err)
	}

	pc := &PooledConn{
		conn:      conn,
		roomID:    roomID,
		responses: make(chan []byte, responseQueueCap),
	}
	pc.healthy.Store(true)
	go pc.readPump()
	return pc, nil
}

// heartbeat pings every pooled (idle) connection on a fixed cycle. Failed
// pings retire the connection; leased connections are the borrower's
// responsibility.
func (p *ConnPool) heartbeat() {
	defer p.wg.Done()
	defer logging.RecoverPanic(p.logger, "pool-heartbeat")

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.pingIdle()
		}
	}
}

func (p *ConnPool) pingIdle() {
	p.mu.Lock()
	rooms := make([]chan *PooledConn, 0, len(p.rooms))
	for _, ch := range p.rooms {
		rooms = append(rooms, ch)
	}
	p.mu.Unlock()

	for _, ch := range rooms {
		n := len(ch)
		for i := 0; i < n; i++ {
			select {
			case c := <-ch:
				if err := c.Ping(); err != nil {
					p.logger.Debug().Err(err).Int("room", c.roomID).Msg("Heartbeat failed, retiring connection")
					c.Close()
					continue
				}
				p.Put(c)
			default:
			}
		}
	}
}

// Close stops the heartbeat and closes every pooled connection.
func (p *ConnPool) Close() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}
	close(p.stop)
	p.wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ch := range p.rooms {
		for len(ch) > 0 {
			c := <-ch
			c.Close()
		}
	}
}
