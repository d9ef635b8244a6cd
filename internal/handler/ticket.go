// Package handler HTTP 处理器
package handler

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/pu-ac-cn/uac-ticket/internal/catalog"
	"github.com/pu-ac-cn/uac-ticket/internal/cleaner"
	"github.com/pu-ac-cn/uac-ticket/internal/compactor"
	"github.com/pu-ac-cn/uac-ticket/internal/logger"
	"github.com/pu-ac-cn/uac-ticket/internal/model"
	"github.com/pu-ac-cn/uac-ticket/internal/registry"
	"github.com/pu-ac-cn/uac-ticket/pkg/response"
)

const maxPageSize = 500

// Sweeper 手动触发过期票据清理
type Sweeper interface {
	Sweep(ctx context.Context) (cleaner.Stats, error)
}

// TicketHandler 票据管理处理器
type TicketHandler struct {
	registry registry.Registry
	catalog  *catalog.Catalog
	sweeper  Sweeper
	log      *zap.Logger
	now      func() time.Time
}

// NewTicketHandler 创建票据管理处理器
func NewTicketHandler(reg registry.Registry, cat *catalog.Catalog, sweeper Sweeper, log *zap.Logger) *TicketHandler {
	return &TicketHandler{
		registry: reg,
		catalog:  cat,
		sweeper:  sweeper,
		log:      logger.OrNop(log),
		now:      time.Now,
	}
}

// RegisterRoutes 注册票据管理路由
func (h *TicketHandler) RegisterRoutes(r gin.IRoutes) {
	r.GET("/registry/stats", h.Stats)
	r.POST("/registry/clean", h.Clean)
	r.GET("/tickets", h.ListTickets)
	r.GET("/tickets/:id", h.GetTicket)
	r.DELETE("/tickets/:id", h.DeleteTicket)
	r.GET("/sessions/:principal/count", h.CountSessions)
}

// Stats 注册表统计
// GET /api/v1/registry/stats
func (h *TicketHandler) Stats(c *gin.Context) {
	ctx := c.Request.Context()
	sessions, err := registry.OrUnknown(h.registry.SessionCount(ctx))
	if err != nil {
		h.writeError(c, err)
		return
	}
	serviceTickets, err := registry.OrUnknown(h.registry.ServiceTicketCount(ctx))
	if err != nil {
		h.writeError(c, err)
		return
	}

	defs := h.catalog.Definitions()
	kinds := make([]gin.H, 0, len(defs))
	for _, def := range defs {
		kinds = append(kinds, gin.H{
			"kind":               def.Kind,
			"prefix":             def.Prefix,
			"namespace":          def.Storage.Name,
			"policy":             def.Policy.Name,
			"storage_timeout_ms": def.Storage.Timeout.Milliseconds(),
		})
	}

	response.Success(c, gin.H{
		"sessions":        countValue(sessions),
		"service_tickets": countValue(serviceTickets),
		"definitions":     kinds,
	})
}

// Clean 立即执行一次过期票据清理
// POST /api/v1/registry/clean
func (h *TicketHandler) Clean(c *gin.Context) {
	if h.sweeper == nil {
		response.ErrorWithMsg(c, response.CodeUnavailable, "清理任务未启用")
		return
	}
	stats, err := h.sweeper.Sweep(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}

	response.Success(c, gin.H{
		"scanned":     stats.Scanned,
		"removed":     stats.Removed,
		"failed":      stats.Failed,
		"skipped":     stats.Skipped,
		"duration_ms": stats.Duration.Milliseconds(),
	})
}

// ListTickets 获取票据列表
// GET /api/v1/tickets?kind=TGT&principal=alice&valid=true&from=0&count=20
func (h *TicketHandler) ListTickets(c *gin.Context) {
	from, err := strconv.ParseInt(c.DefaultQuery("from", "0"), 10, 64)
	if err != nil || from < 0 {
		response.ErrorWithMsg(c, response.CodeInvalidFormat, "from 参数格式错误")
		return
	}
	count, err := strconv.ParseInt(c.DefaultQuery("count", "20"), 10, 64)
	if err != nil || count <= 0 {
		response.ErrorWithMsg(c, response.CodeInvalidFormat, "count 参数格式错误")
		return
	}
	if count > maxPageSize {
		count = maxPageSize
	}

	criteria := registry.Criteria{
		Decode:      true,
		From:        from,
		Count:       count,
		PrincipalID: c.Query("principal"),
		ValidOnly:   c.Query("valid") == "true",
	}
	if kind := c.Query("kind"); kind != "" {
		def, err := h.catalog.Find(model.Kind(kind))
		if err != nil {
			h.writeError(c, err)
			return
		}
		criteria.Kind = def.Kind
	}

	tickets, err := h.registry.Query(c.Request.Context(), criteria)
	if err != nil {
		h.writeError(c, err)
		return
	}

	now := h.now()
	list := make([]gin.H, len(tickets))
	for i, t := range tickets {
		list[i] = ticketToResponse(t, now)
	}
	response.Success(c, gin.H{
		"list":  list,
		"from":  from,
		"count": count,
	})
}

// GetTicket 获取有效票据详情
// GET /api/v1/tickets/:id
func (h *TicketHandler) GetTicket(c *gin.Context) {
	id := c.Param("id")
	if _, err := h.catalog.FindByTicketID(id); err != nil {
		response.Error(c, response.CodeMalformedTicketID)
		return
	}
	t, err := h.registry.GetTicket(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	response.Success(c, ticketToResponse(t, h.now()))
}

// DeleteTicket 删除票据及其全部后代
// DELETE /api/v1/tickets/:id
func (h *TicketHandler) DeleteTicket(c *gin.Context) {
	id := c.Param("id")
	removed, err := h.registry.DeleteTicket(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if removed == 0 {
		response.Error(c, response.CodeTicketNotFound)
		return
	}
	h.log.Info("管理员删除票据", zap.String("ticket_id", id), zap.Int("removed", removed))
	response.SuccessWithMsg(c, "删除成功", gin.H{"removed": removed})
}

// CountSessions 指定主体的会话数
// GET /api/v1/sessions/:principal/count
func (h *TicketHandler) CountSessions(c *gin.Context) {
	principal := c.Param("principal")
	n, err := registry.OrUnknown(h.registry.CountSessionsFor(c.Request.Context(), principal))
	if err != nil {
		h.writeError(c, err)
		return
	}
	response.Success(c, gin.H{
		"principal": principal,
		"sessions":  countValue(n),
	})
}

// writeError 注册表错误转业务错误码
func (h *TicketHandler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, model.ErrInvalidTicket):
		response.Error(c, response.CodeTicketNotFound)
	case errors.Is(err, model.ErrTicketTypeMismatch):
		response.Error(c, response.CodeTicketTypeMismatch)
	case errors.Is(err, catalog.ErrInvalidTicketType):
		response.Error(c, response.CodeInvalidTicketType)
	case errors.Is(err, compactor.ErrMalformedTicketID):
		response.Error(c, response.CodeMalformedTicketID)
	case errors.Is(err, registry.ErrTicketAlreadyExists):
		response.Error(c, response.CodeTicketExists)
	case errors.Is(err, registry.ErrConcurrentUpdate):
		response.Error(c, response.CodeConcurrentUpdate)
	default:
		h.log.Error("票据管理接口出错", zap.String("path", c.FullPath()), zap.Error(err))
		response.Error(c, response.CodeServerError)
	}
}

// countValue 后端无法计数时返回 nil
func countValue(n int64) interface{} {
	if n == registry.CountUnknown {
		return nil
	}
	return n
}

// ticketToResponse 票据转响应，不输出认证属性与安全令牌
func ticketToResponse(t *model.Ticket, now time.Time) gin.H {
	resp := gin.H{
		"id":             t.ID,
		"kind":           t.Kind,
		"creation_time":  t.CreationTime,
		"last_time_used": t.LastTimeUsed,
		"usage_count":    t.UsageCount,
		"expired":        t.IsExpired(now),
	}
	if t.ParentID != "" {
		resp["parent_id"] = t.ParentID
	}
	if t.RootID != "" && t.RootID != t.ID {
		resp["root_id"] = t.RootID
	}
	if t.Service != "" {
		resp["service"] = t.Service
	}
	if principal := t.PrincipalID(); principal != "" {
		resp["principal_id"] = principal
	}
	if len(t.Services) > 0 {
		resp["services"] = len(t.Services)
	}
	if len(t.ProxiedBy) > 0 {
		resp["proxied_by"] = t.ProxiedBy
	}
	if t.Policy != nil {
		resp["policy"] = t.Policy.Name
		if exp := t.MaximumExpirationTime(); !exp.IsZero() {
			resp["expires_at"] = exp
		}
	}
	return resp
}
