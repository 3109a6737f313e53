package chat

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

var (
	ErrConnNotFound = errors.New("conn not found")
	ErrConnClosed   = errors.New("conn closed")
)

// ===== 配置 =====

type ManagerConf struct {
	IdleTimeout time.Duration    // 无读/pong 超过该时长由 sweeper 关闭
	SweepEvery  time.Duration    // 清理周期
	WriteWait   time.Duration    // 单次写超时
	MaxPerUser  int              // 每用户最大连接数（<=0 不限制），超限淘汰最老
	Clock       func() time.Time // 可注入时钟（单测用）；nil => time.Now
}

func (c *ManagerConf) norm() {
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 90 * time.Second
	}
	if c.SweepEvery <= 0 {
		c.SweepEvery = 30 * time.Second
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
}

// socket 是 *websocket.Conn 中写路径用到的部分
type socket interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// ===== 数据结构 =====

type WsConn struct {
	ID        int64
	UserID    string
	Handle    string // presence handle "<node>:<id>"
	CreatedAt time.Time

	sock      socket
	wmu       sync.Mutex // gorilla 只允许一个并发写者
	lastSeen  time.Time  // 受 ConnManager.mu 保护
	closeOnce sync.Once
	closed    chan struct{}
}

// Write sends one text frame; a failed write closes the connection.
func (w *WsConn) Write(data []byte, wait time.Duration) error {
	return w.write(websocket.TextMessage, data, wait)
}

func (w *WsConn) write(mt int, data []byte, wait time.Duration) error {
	select {
	case <-w.closed:
		return ErrConnClosed
	default:
	}
	w.wmu.Lock()
	defer w.wmu.Unlock()
	if err := w.sock.SetWriteDeadline(time.Now().Add(wait)); err != nil {
		w.Close()
		return errors.Wrap(err, "set write deadline")
	}
	if err := w.sock.WriteMessage(mt, data); err != nil {
		w.Close()
		return errors.Wrap(err, "write frame")
	}
	return nil
}

// Close 关闭底层连接，可重复调用
func (w *WsConn) Close() {
	w.closeOnce.Do(func() {
		close(w.closed)
		if w.sock != nil {
			_ = w.sock.Close()
		}
	})
}

func (w *WsConn) Done() <-chan struct{} { return w.closed }

// ConnManager 本节点连接表：id -> conn，user -> (id -> conn)
type ConnManager struct {
	mu     sync.RWMutex
	byID   map[int64]*WsConn
	byUser map[string]map[int64]*WsConn

	conf     ManagerConf
	stopOnce sync.Once
	stopCh   chan struct{}
}

func NewConnManager(conf ManagerConf) *ConnManager {
	conf.norm()
	m := &ConnManager{
		byID:   make(map[int64]*WsConn),
		byUser: make(map[string]map[int64]*WsConn),
		conf:   conf,
		stopCh: make(chan struct{}),
	}
	go m.sweeper()
	return m
}

// Close 停止 sweeper 并关闭全部连接
func (m *ConnManager) Close() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.mu.Lock()
	all := make([]*WsConn, 0, len(m.byID))
	for _, w := range m.byID {
		all = append(all, w)
	}
	m.byID = map[int64]*WsConn{}
	m.byUser = map[string]map[int64]*WsConn{}
	m.mu.Unlock()

	for _, w := range all {
		w.Close()
	}
}

// Add 登记已认证连接
func (m *ConnManager) Add(id int64, user, handle string, sock socket) *WsConn {
	now := m.conf.Clock()
	w := &WsConn{
		ID:        id,
		UserID:    user,
		Handle:    handle,
		CreatedAt: now,
		sock:      sock,
		lastSeen:  now,
		closed:    make(chan struct{}),
	}

	m.mu.Lock()
	evicted := m.ensureRoomForUserLocked(user)
	m.byID[id] = w
	mm := m.byUser[user]
	if mm == nil {
		mm = make(map[int64]*WsConn)
		m.byUser[user] = mm
	}
	mm[id] = w
	m.mu.Unlock()

	if evicted != nil {
		evicted.Close()
	}
	return w
}

func (m *ConnManager) Get(id int64) (*WsConn, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.byID[id]
	return w, ok
}

// Remove 从索引中删除；返回是否存在。不关闭连接。
func (m *ConnManager) Remove(id int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.removeLocked(id) != nil
}

func (m *ConnManager) removeLocked(id int64) *WsConn {
	w, ok := m.byID[id]
	if !ok {
		return nil
	}
	delete(m.byID, id)
	if mm := m.byUser[w.UserID]; mm != nil {
		delete(mm, id)
		if len(mm) == 0 {
			delete(m.byUser, w.UserID)
		}
	}
	return w
}

// Touch 记录一次活跃（读到帧或收到 pong）
func (m *ConnManager) Touch(id int64) error {
	now := m.conf.Clock()
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.byID[id]
	if !ok {
		return ErrConnNotFound
	}
	w.lastSeen = now
	return nil
}

// AttachPongHandler 收到 pong 即视为心跳
func (m *ConnManager) AttachPongHandler(conn *websocket.Conn, id int64) {
	conn.SetPongHandler(func(string) error {
		_ = m.Touch(id) // 连接可能刚好被清理
		return nil
	})
}

// SendOne writes to a single connection on this node.
func (m *ConnManager) SendOne(id int64, data []byte) error {
	w, ok := m.Get(id)
	if !ok {
		return ErrConnNotFound
	}
	return w.Write(data, m.conf.WriteWait)
}

// Ping 发送 websocket ping 控制帧
func (m *ConnManager) Ping(w *WsConn) error {
	return w.write(websocket.PingMessage, nil, m.conf.WriteWait)
}

func (m *ConnManager) UserConns(user string) []*WsConn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*WsConn, 0, len(m.byUser[user]))
	for _, w := range m.byUser[user] {
		out = append(out, w)
	}
	return out
}

func (m *ConnManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID)
}

func (m *ConnManager) sweeper() {
	t := time.NewTicker(m.conf.SweepEvery)
	defer t.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-t.C:
			m.sweepOnce(m.conf.Clock())
		}
	}
}

// sweepOnce 关闭空闲连接；索引由读循环退出时清理
func (m *ConnManager) sweepOnce(now time.Time) int {
	var expired []*WsConn
	m.mu.RLock()
	for _, w := range m.byID {
		if now.Sub(w.lastSeen) > m.conf.IdleTimeout {
			expired = append(expired, w)
		}
	}
	m.mu.RUnlock()

	// 持锁期间不关 socket
	for _, w := range expired {
		w.Close()
	}
	return len(expired)
}

// ensureRoomForUserLocked 超限时摘掉最老的一条，返回给调用方在解锁后关闭
func (m *ConnManager) ensureRoomForUserLocked(user string) *WsConn {
	if m.conf.MaxPerUser <= 0 {
		return nil
	}
	mm := m.byUser[user]
	if len(mm) < m.conf.MaxPerUser {
		return nil
	}
	var oldest *WsConn
	for _, w := range mm {
		if oldest == nil || w.CreatedAt.Before(oldest.CreatedAt) {
			oldest = w
		}
	}
	if oldest == nil {
		return nil
	}
	return m.removeLocked(oldest.ID)
}
