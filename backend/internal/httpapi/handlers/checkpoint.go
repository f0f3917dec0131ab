package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"anniversary-collab/backend/internal/collab"
	"anniversary-collab/backend/internal/store"
)

// 可协作编辑的字段 -> 数据库列
var editableFields = map[string]string{
	"title":    "title",
	"person":   "person",
	"note":     "note",
	"imageUrl": "image_url",
}

// CheckpointHandler 把协作编辑后的字段内容固化回纪念日记录，
// 并留一份 (entity, field, seq) 快照。客户端在编辑告一段落时调用。
type CheckpointHandler struct {
	store  *store.AnniversaryStore
	edits  *store.EditStore
	engine *collab.Engine
}

func NewCheckpointHandler(s *store.AnniversaryStore, e *store.EditStore, engine *collab.Engine) *CheckpointHandler {
	return &CheckpointHandler{store: s, edits: e, engine: engine}
}

func (h *CheckpointHandler) Checkpoint(c *gin.Context) {
	ownerID, ok := ownerFrom(c)
	if !ok {
		return
	}
	id, ok := idParam(c)
	if !ok {
		return
	}
	field := c.Param("field")
	column, ok := editableFields[field]
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "field not editable"})
		return
	}

	cur, err := h.store.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if cur.OwnerID != ownerID {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}

	// 协作实体 ID 就是记录 ID 的十进制字符串
	entityID := c.Param("id")
	seq := h.engine.LatestSeq(entityID, field)
	if seq == 0 {
		c.JSON(http.StatusConflict, gin.H{"error": "no collaborative edits to checkpoint"})
		return
	}
	content := h.engine.FieldContent(entityID, field)

	if err := h.store.UpdateField(c.Request.Context(), id, column, content); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if h.edits != nil {
		if err := h.edits.SaveFieldSnapshot(c.Request.Context(), entityID, field, seq, content); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"entityId": entityID, "field": field, "seq": seq, "content": content})
}
