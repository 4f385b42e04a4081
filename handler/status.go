package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/afalchetti/slidesync/model"
	"github.com/afalchetti/slidesync/service"
)

// StatusHandler 跟踪进度与同步结果查询
type StatusHandler struct {
	loop *service.SyncLoop
}

func NewStatusHandler(loop *service.SyncLoop) *StatusHandler {
	return &StatusHandler{loop: loop}
}

// Progress 查询当前跟踪进度
func (h *StatusHandler) Progress(c *gin.Context) {
	progress := h.loop.Progress()

	c.JSON(http.StatusOK, model.ProgressResponse{
		Success: true,
		Message: "查询成功",
		Data:    &progress,
	})
}

// Sync 查询当前的同步指令序列
//
// format=text 返回原始文本格式，默认返回 JSON。
func (h *StatusHandler) Sync(c *gin.Context) {
	if c.DefaultQuery("format", "json") == "text" {
		c.String(http.StatusOK, h.loop.SyncText())
		return
	}

	instructions := h.loop.InstructionsSnapshot()

	c.JSON(http.StatusOK, model.SyncResponse{
		Success: true,
		Message: "查询成功",
		Slides:  h.loop.Instructions().Slides(),
		Data:    instructions,
	})
}
