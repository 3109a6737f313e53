package chat

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"PPChat/logger"
	"PPChat/module/conversation"
	"PPChat/module/message/model"
	"PPChat/module/message/publish"
	"PPChat/module/presence"
	"PPChat/tools/decode"
	"PPChat/tools/errs"
	"PPChat/tools/ids"
	"PPChat/tools/safe"
	"PPChat/tools/security"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// 客户端帧类型
const (
	FrameMessageAck  = "messageAck"
	FrameTyping      = "typing"
	FrameMarkRead    = "markRead"
	FrameSendMessage = "sendMessage"
	FramePing        = "ping"
)

const maxFrameSize = 64 << 10

type Presence interface {
	Connect(ctx context.Context, user, handle string) (int, error)
	Disconnect(ctx context.Context, user, handle string) error
	Refresh(ctx context.Context, user, handle string) (bool, error)
}

type Publisher interface {
	Submit(ctx context.Context, req publish.SubmitRequest) (publish.SubmitResult, error)
	SubmitTyping(ctx context.Context, conv conversation.ID, user string, isTyping bool) error
	SubmitReadReceipt(ctx context.Context, conv conversation.ID, user string, lastReadSequenceID int64) error
}

type Acker interface {
	MarkDelivered(ctx context.Context, messageID, receiverID string) error
}

type frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type ackData struct {
	MessageID string `json:"messageId"`
}

type typingData struct {
	ConversationID string `json:"conversationId"`
	IsTyping       bool   `json:"isTyping"`
}

type markReadData struct {
	ConversationID     string `json:"conversationId"`
	LastReadSequenceID int64  `json:"lastReadSequenceId"`
}

type sendData struct {
	ReceiverID  string         `json:"receiverId"`
	Message     string         `json:"message"`
	MessageType string         `json:"messageType"`
	Metadata    map[string]any `json:"metadata"`
}

// Server websocket 网关
type Server struct {
	node     int64
	conns    *ConnManager
	presence Presence
	pub      Publisher
	acker    Acker
	auth     security.Options
	idle     time.Duration
	upgrader websocket.Upgrader
	log      *zap.Logger
}

func NewServer(node int64, conns *ConnManager, p Presence, pub Publisher, acker Acker, auth security.Options) *Server {
	return &Server{
		node:     node,
		conns:    conns,
		presence: p,
		pub:      pub,
		acker:    acker,
		auth:     auth,
		idle:     conns.conf.IdleTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		log: logger.With(zap.String("service", "gateway")),
	}
}

// HandleWS GET /ws?token=...
func (s *Server) HandleWS(c *gin.Context) {
	user, err := security.Verify(s.auth, security.ExtractToken(c.Request))
	if err != nil {
		ce := errs.Code(err)
		if ce == nil {
			ce = errs.ErrUnauthorized
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, ce)
		return
	}

	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// 常见：非 WebSocket 请求/握手失败
		s.log.Info("upgrade websocket failed", zap.String("userId", user), zap.Error(err))
		return
	}

	id := ids.Generate()
	handle := presence.Handle(s.node, id)
	w := s.conns.Add(id, user, handle, ws)
	log := s.log.With(zap.String("userId", user), zap.String("handle", handle))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer s.cleanup(w, log)

	ws.SetReadLimit(maxFrameSize)
	_ = ws.SetReadDeadline(time.Now().Add(s.idle))
	ws.SetPongHandler(func(string) error {
		_ = s.conns.Touch(id)
		return ws.SetReadDeadline(time.Now().Add(s.idle))
	})

	queued, cErr := s.presence.Connect(ctx, user, handle)
	if cErr != nil {
		log.Error("presence connect failed", zap.Error(cErr))
	}
	s.send(w, model.EventChatRegistered, model.Registered{Success: cErr == nil, QueuedMessages: queued})
	log.Info("ws connected", zap.Int("queued", queued))

	safe.Go("ws-ping", func() { s.pingLoop(w) })
	s.readLoop(ctx, w, ws, log)
}

func (s *Server) cleanup(w *WsConn, log *zap.Logger) {
	s.conns.Remove(w.ID)
	w.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.presence.Disconnect(ctx, w.UserID, w.Handle); err != nil {
		log.Warn("presence disconnect failed", zap.Error(err))
	}
	log.Info("ws closed")
}

// readLoop 只读；写走 WsConn.Write（带锁）
func (s *Server) readLoop(ctx context.Context, w *WsConn, ws *websocket.Conn, log *zap.Logger) {
	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				log.Debug("peer closed", zap.Error(err))
			} else if ne, ok := err.(net.Error); ok && ne.Timeout() {
				log.Info("read timeout", zap.Error(err))
			} else {
				log.Debug("read err", zap.Error(err))
			}
			return
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		_ = s.conns.Touch(w.ID)
		_ = ws.SetReadDeadline(time.Now().Add(s.idle))

		if err := s.dispatch(ctx, w, data); err != nil {
			sample := data
			if len(sample) > 256 {
				sample = sample[:256]
			}
			log.Info("frame rejected", zap.ByteString("sample", sample), zap.Error(err))
			s.send(w, model.EventError, map[string]any{"message": errMessage(err)})
		}
	}
}

func (s *Server) dispatch(ctx context.Context, w *WsConn, raw []byte) error {
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return errs.ErrArgs.WrapMsg("bad frame")
	}
	switch f.Type {
	case FrameMessageAck:
		d, err := decode.JSON[ackData](f.Data)
		if err != nil || d.MessageID == "" {
			return errs.ErrArgs.WrapMsg("messageAck needs messageId")
		}
		return s.acker.MarkDelivered(ctx, d.MessageID, w.UserID)

	case FrameTyping:
		d, err := decode.JSON[typingData](f.Data)
		if err != nil {
			return errs.ErrArgs.WrapMsg(err.Error())
		}
		conv, err := s.participantConv(d.ConversationID, w.UserID)
		if err != nil {
			return err
		}
		return s.pub.SubmitTyping(ctx, conv, w.UserID, d.IsTyping)

	case FrameMarkRead:
		d, err := decode.JSON[markReadData](f.Data)
		if err != nil {
			return errs.ErrArgs.WrapMsg(err.Error())
		}
		conv, err := s.participantConv(d.ConversationID, w.UserID)
		if err != nil {
			return err
		}
		if d.LastReadSequenceID <= 0 {
			return errs.ErrArgs.WrapMsg("lastReadSequenceId must be positive")
		}
		return s.pub.SubmitReadReceipt(ctx, conv, w.UserID, d.LastReadSequenceID)

	case FrameSendMessage:
		d, err := decode.JSON[sendData](f.Data)
		if err != nil {
			return errs.ErrArgs.WrapMsg(err.Error())
		}
		res, err := s.pub.Submit(ctx, publish.SubmitRequest{
			SenderID:    w.UserID,
			ReceiverID:  d.ReceiverID,
			Body:        d.Message,
			MessageType: d.MessageType,
			Metadata:    d.Metadata,
		})
		if err != nil {
			return err
		}
		s.send(w, model.EventMessageQueued, res)
		return nil

	case FramePing:
		if _, err := s.presence.Refresh(ctx, w.UserID, w.Handle); err != nil {
			s.log.Warn("presence refresh failed", zap.String("userId", w.UserID), zap.Error(err))
		}
		s.send(w, model.EventPong, map[string]any{"timestamp": time.Now().UTC()})
		return nil

	default:
		return errs.ErrArgs.WrapMsg("unknown frame type", "type", f.Type)
	}
}

func (s *Server) participantConv(raw, user string) (conversation.ID, error) {
	conv, err := conversation.Parse(raw)
	if err != nil {
		return conversation.ID{}, errs.ErrArgs.WrapMsg(err.Error())
	}
	if !conv.Has(user) {
		return conversation.ID{}, errs.ErrUnauthorized.WrapMsg("not a participant", "conversationId", raw)
	}
	return conv, nil
}

func (s *Server) send(w *WsConn, typ string, data any) {
	b, err := json.Marshal(model.Event{Type: typ, Data: data})
	if err != nil {
		s.log.Error("encode event", zap.String("type", typ), zap.Error(err))
		return
	}
	if err := w.Write(b, s.conns.conf.WriteWait); err != nil {
		s.log.Debug("write event failed", zap.String("type", typ), zap.Int64("conn", w.ID), zap.Error(err))
	}
}

func (s *Server) pingLoop(w *WsConn) {
	t := time.NewTicker(s.idle / 3)
	defer t.Stop()
	for {
		select {
		case <-w.Done():
			return
		case <-t.C:
			if err := s.conns.Ping(w); err != nil {
				return
			}
		}
	}
}

func errMessage(err error) string {
	if ce := errs.Code(err); ce != nil {
		return ce.Error()
	}
	return errors.Cause(err).Error()
}
