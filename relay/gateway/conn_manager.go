package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/imtaco/peer-connect/internal/jsonrpc"
	"github.com/imtaco/peer-connect/internal/log"
	"github.com/imtaco/peer-connect/relay"
)

// ConnManager tracks live websocket connections per user and keeps their
// presence fresh while connected.
type ConnManager struct {
	user2conns map[string]map[string]jsonrpc.Conn[connContext] // userId -> connId -> conn
	conn2user  map[string]string                               // connId -> userId
	mux        sync.RWMutex

	presence relay.Presence
	interval time.Duration
	clock    clockwork.Clock
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	logger   *log.Logger
}

func NewConnManager(presence relay.Presence, interval time.Duration, logger *log.Logger) *ConnManager {
	return newConnManagerWithClock(presence, interval, clockwork.NewRealClock(), logger)
}

func newConnManagerWithClock(
	presence relay.Presence,
	interval time.Duration,
	clock clockwork.Clock,
	logger *log.Logger,
) *ConnManager {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &ConnManager{
		user2conns: make(map[string]map[string]jsonrpc.Conn[connContext]),
		conn2user:  make(map[string]string),
		presence:   presence,
		interval:   interval,
		clock:      clock,
		logger:     logger,
	}
}

func (m *ConnManager) Start(ctx context.Context) error {
	m.logger.Info("Starting connection manager", log.Duration("heartbeat", m.interval))
	ctx, m.cancel = context.WithCancel(ctx)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.heartbeatLoop(ctx)
	}()
	return nil
}

func (m *ConnManager) Stop() {
	m.logger.Info("Stopping connection manager")
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

func (m *ConnManager) heartbeatLoop(ctx context.Context) {
	ticker := m.clock.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			m.heartbeat(ctx)
		}
	}
}

func (m *ConnManager) heartbeat(ctx context.Context) {
	users := m.Users()
	for _, userID := range users {
		if err := m.presence.Touch(ctx, userID); err != nil {
			m.logger.Warn("Heartbeat touch failed",
				log.UserID(userID),
				log.Error(err))
			continue
		}
	}
	if err := m.presence.Prune(ctx); err != nil {
		m.logger.Warn("Presence prune failed", log.Error(err))
	}
	m.logger.Debug("Heartbeat done", log.Int("users", len(users)))
}

func (m *ConnManager) AddClient(connID, userID string, peer jsonrpc.Conn[connContext]) {
	m.mux.Lock()
	defer m.mux.Unlock()

	m.conn2user[connID] = userID
	conns, ok := m.user2conns[userID]
	if !ok {
		conns = make(map[string]jsonrpc.Conn[connContext])
		m.user2conns[userID] = conns
	}
	conns[connID] = peer

	m.logger.Debug("Client added",
		log.String("connId", connID),
		log.UserID(userID))
}

// RemoveClient returns how many connections the user still holds.
func (m *ConnManager) RemoveClient(connID string) int {
	m.mux.Lock()
	defer m.mux.Unlock()

	userID, ok := m.conn2user[connID]
	if !ok {
		return 0
	}
	delete(m.conn2user, connID)

	conns := m.user2conns[userID]
	delete(conns, connID)
	if len(conns) == 0 {
		delete(m.user2conns, userID)
	}

	m.logger.Debug("Client removed",
		log.String("connId", connID),
		log.UserID(userID))
	return len(conns)
}

func (m *ConnManager) Users() []string {
	m.mux.RLock()
	defer m.mux.RUnlock()

	users := make([]string, 0, len(m.user2conns))
	for userID := range m.user2conns {
		users = append(users, userID)
	}
	return users
}

func (m *ConnManager) ConnCount(userID string) int {
	m.mux.RLock()
	defer m.mux.RUnlock()
	return len(m.user2conns[userID])
}
