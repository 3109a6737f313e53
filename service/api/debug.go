package api

import (
	"context"
	"net/http"
	"time"

	"PPChat/module/conversation"
	"PPChat/module/message/store"
	"PPChat/tools/errs"

	"github.com/gin-gonic/gin"
)

const debugHistoryLimit = 20

// Health GET /debug/health：redis、postgres 任一失败返回 503
func (a *API) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	checks := gin.H{}
	healthy := true
	check := func(name string, p Pinger) {
		if p == nil {
			return
		}
		if err := p.Ping(ctx); err != nil {
			checks[name] = err.Error()
			healthy = false
			return
		}
		checks[name] = "ok"
	}
	check("redis", a.d.Redis)
	check("postgres", a.d.Store)

	body := gin.H{"checks": checks, "timestamp": time.Now().UTC()}
	if m, err := a.d.Reliability.GetMetrics(ctx); err == nil {
		body["metrics"] = m
	}
	if healthy {
		body["status"] = "healthy"
		c.JSON(http.StatusOK, body)
		return
	}
	body["status"] = "unhealthy"
	c.JSON(http.StatusServiceUnavailable, body)
}

// Metrics GET /debug/metrics?hours=
func (a *API) Metrics(c *gin.Context) error {
	ctx := c.Request.Context()
	hours, err := queryInt64(c, "hours", 24)
	if err != nil {
		return err
	}
	m, err := a.d.Reliability.GetMetrics(ctx)
	if err != nil {
		return err
	}
	counters, err := a.d.Dashboard.Counters(ctx, int(hours))
	if err != nil {
		return err
	}
	c.JSON(http.StatusOK, gin.H{"delivery": m, "counters": counters})
	return nil
}

// DeadLetters GET /debug/dlq?limit=
func (a *API) DeadLetters(c *gin.Context) error {
	limit, err := queryInt64(c, "limit", 100)
	if err != nil {
		return err
	}
	out, err := a.d.Reliability.ListDeadLetters(c.Request.Context(), limit)
	if err != nil {
		return err
	}
	c.JSON(http.StatusOK, gin.H{"count": len(out), "entries": out})
	return nil
}

// ProcessDeadLetters POST /debug/dlq/process?limit=
func (a *API) ProcessDeadLetters(c *gin.Context) error {
	limit, err := queryInt64(c, "limit", 100)
	if err != nil {
		return err
	}
	out, err := a.d.Reliability.ProcessDeadLetters(c.Request.Context(), limit)
	if err != nil {
		return err
	}
	c.JSON(http.StatusOK, gin.H{"processed": len(out), "entries": out})
	return nil
}

// ArchivedDeadLetters GET /debug/dlq/archive?limit=
func (a *API) ArchivedDeadLetters(c *gin.Context) error {
	if a.d.Archive == nil {
		return errs.ErrUnavailable.WrapMsg("dead letter archive not configured")
	}
	limit, err := queryInt64(c, "limit", 100)
	if err != nil {
		return err
	}
	out, err := a.d.Archive.Recent(c.Request.Context(), limit)
	if err != nil {
		return err
	}
	c.JSON(http.StatusOK, gin.H{"count": len(out), "entries": out})
	return nil
}

// Requeue POST /debug/dlq/requeue/:messageId
func (a *API) Requeue(c *gin.Context) error {
	id := c.Param("messageId")
	ok, err := a.d.Reliability.Requeue(c.Request.Context(), id)
	if err != nil {
		return err
	}
	if !ok {
		return errs.ErrRecordNotFound.WrapMsg("dead letter", "messageId", id)
	}
	c.JSON(http.StatusOK, gin.H{"requeued": id})
	return nil
}

// Errors GET /debug/errors?limit=
func (a *API) Errors(c *gin.Context) error {
	limit, err := queryInt64(c, "limit", 50)
	if err != nil {
		return err
	}
	out, err := a.d.Dashboard.RecentErrors(c.Request.Context(), limit)
	if err != nil {
		return err
	}
	c.JSON(http.StatusOK, gin.H{"count": len(out), "errors": out})
	return nil
}

// ErrorStats GET /debug/errors/stats
func (a *API) ErrorStats(c *gin.Context) error {
	st, err := a.d.Dashboard.ErrorStats(c.Request.Context())
	if err != nil {
		return err
	}
	c.JSON(http.StatusOK, st)
	return nil
}

// Conversation GET /debug/conversation/:conversationId：最近消息 + 计数器
func (a *API) Conversation(c *gin.Context) error {
	ctx := c.Request.Context()
	conv, err := conversation.Parse(c.Param("conversationId"))
	if err != nil {
		return errs.ErrArgs.WrapMsg(err.Error())
	}
	page, err := a.d.Store.History(ctx, store.HistoryQuery{Conversation: conv, Limit: debugHistoryLimit})
	if err != nil {
		return err
	}
	counter, err := a.d.Sequencer.Current(ctx, conv)
	if err != nil {
		return err
	}
	maxSeq, err := a.d.Store.MaxSequence(ctx, conv)
	if err != nil {
		return err
	}
	c.JSON(http.StatusOK, gin.H{
		"conversationId":  conv,
		"counter":         counter,
		"maxStoredSeq":    maxSeq,
		"recentMessages":  page.Messages,
		"hasMoreMessages": page.HasMore,
	})
	return nil
}
