package api

import (
	"net/http"

	"PPChat/middleware/security"
	"PPChat/module/conversation"
	"PPChat/module/message/publish"
	"PPChat/module/message/store"
	"PPChat/tools/errs"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type sendReq struct {
	ReceiverID  string         `json:"receiverId" validate:"required"`
	Message     string         `json:"message" validate:"required"`
	MessageType string         `json:"messageType"`
	Metadata    map[string]any `json:"metadata"`
}

type markReadReq struct {
	OtherUserID        string `json:"otherUserId" validate:"required"`
	LastReadSequenceID int64  `json:"lastReadSequenceId" validate:"gt=0"`
}

type ackReq struct {
	MessageID string `json:"messageId" validate:"required"`
}

// convWith 当前用户与 otherUserId 的会话
func convWith(c *gin.Context) (conversation.ID, string, error) {
	user := security.UserID(c)
	conv, err := conversation.New(user, c.Param("otherUserId"))
	if err != nil {
		return conversation.ID{}, user, errs.ErrArgs.WrapMsg(err.Error())
	}
	return conv, user, nil
}

// Send POST /api/messages/send
func (a *API) Send(c *gin.Context) error {
	var req sendReq
	if err := a.bind(c, &req); err != nil {
		return err
	}
	res, err := a.d.Publisher.Submit(c.Request.Context(), publish.SubmitRequest{
		SenderID:    security.UserID(c),
		ReceiverID:  req.ReceiverID,
		Body:        req.Message,
		MessageType: req.MessageType,
		Metadata:    req.Metadata,
	})
	if err != nil {
		return err
	}
	c.JSON(http.StatusAccepted, res)
	return nil
}

// History GET /api/messages/history/:otherUserId?beforeSequence=&limit=
func (a *API) History(c *gin.Context) error {
	conv, _, err := convWith(c)
	if err != nil {
		return err
	}
	before, err := queryInt64(c, "beforeSequence", 0)
	if err != nil {
		return err
	}
	limit, err := queryInt64(c, "limit", store.DefaultHistoryLimit)
	if err != nil {
		return err
	}
	page, err := a.d.Store.History(c.Request.Context(), store.HistoryQuery{
		Conversation:   conv,
		BeforeSequence: before,
		Limit:          store.NormLimit(int(limit)),
	})
	if err != nil {
		return err
	}
	c.JSON(http.StatusOK, page)
	return nil
}

// MarkRead POST /api/messages/mark-read
func (a *API) MarkRead(c *gin.Context) error {
	var req markReadReq
	if err := a.bind(c, &req); err != nil {
		return err
	}
	user := security.UserID(c)
	conv, err := conversation.New(user, req.OtherUserID)
	if err != nil {
		return errs.ErrArgs.WrapMsg(err.Error())
	}
	if err := a.d.Publisher.SubmitReadReceipt(c.Request.Context(), conv, user, req.LastReadSequenceID); err != nil {
		return err
	}
	c.JSON(http.StatusAccepted, gin.H{"success": true})
	return nil
}

// UnreadCount GET /api/messages/unread-count，缓存 60s
func (a *API) UnreadCount(c *gin.Context) error {
	ctx := c.Request.Context()
	user := security.UserID(c)
	if n, ok, err := a.d.Cache.Unread(ctx, user); err == nil && ok {
		c.JSON(http.StatusOK, gin.H{"unreadCount": n, "cached": true})
		return nil
	} else if err != nil {
		a.log.Warn("unread cache read", zap.Error(err))
	}
	n, err := a.d.Store.UnreadCount(ctx, user)
	if err != nil {
		return err
	}
	if err := a.d.Cache.SetUnread(ctx, user, n); err != nil {
		a.log.Warn("unread cache write", zap.Error(err))
	}
	c.JSON(http.StatusOK, gin.H{"unreadCount": n, "cached": false})
	return nil
}

// Conversations GET /api/messages/conversations，缓存 30s
func (a *API) Conversations(c *gin.Context) error {
	ctx := c.Request.Context()
	user := security.UserID(c)
	if convs, ok, err := a.d.Cache.Conversations(ctx, user); err == nil && ok {
		c.JSON(http.StatusOK, gin.H{"conversations": convs, "cached": true})
		return nil
	} else if err != nil {
		a.log.Warn("conversations cache read", zap.Error(err))
	}
	convs, err := a.d.Store.Conversations(ctx, user)
	if err != nil {
		return err
	}
	if err := a.d.Cache.SetConversations(ctx, user, convs); err != nil {
		a.log.Warn("conversations cache write", zap.Error(err))
	}
	c.JSON(http.StatusOK, gin.H{"conversations": convs, "cached": false})
	return nil
}

// ClearConversation DELETE /api/messages/conversation/:otherUserId
func (a *API) ClearConversation(c *gin.Context) error {
	conv, user, err := convWith(c)
	if err != nil {
		return err
	}
	res, err := a.d.Publisher.ClearConversation(c.Request.Context(), conv, user)
	if err != nil {
		return err
	}
	c.JSON(http.StatusOK, res)
	return nil
}

// Ack POST /api/messages/ack
func (a *API) Ack(c *gin.Context) error {
	var req ackReq
	if err := a.bind(c, &req); err != nil {
		return err
	}
	if err := a.d.Reliability.MarkDelivered(c.Request.Context(), req.MessageID, security.UserID(c)); err != nil {
		return err
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
	return nil
}

// Status GET /api/messages/status/:messageId
func (a *API) Status(c *gin.Context) error {
	rec, err := a.d.Reliability.GetDeliveryStatus(c.Request.Context(), c.Param("messageId"))
	if err != nil {
		return err
	}
	if rec == nil {
		return errs.ErrRecordNotFound.WrapMsg("message", "messageId", c.Param("messageId"))
	}
	c.JSON(http.StatusOK, rec)
	return nil
}
