package hub

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/tablehall/Tabletop-Arena/backend/go/internal/v1/logging"
	"github.com/tablehall/Tabletop-Arena/backend/go/internal/v1/module"
	"github.com/tablehall/Tabletop-Arena/backend/go/internal/v1/types"
	"github.com/tablehall/Tabletop-Arena/backend/go/internal/v1/validate"

	"go.uber.org/zap"
)

const maxLobbyPage = 100

// ListRooms is the lobby view: a page of room states for one game type.
func (h *Hub) ListRooms(c *gin.Context) {
	gt := c.Param("gameType")
	if err := validate.GameType(gt); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	offset, _ := strconv.ParseInt(c.DefaultQuery("offset", "0"), 10, 64)
	count, _ := strconv.ParseInt(c.DefaultQuery("count", "50"), 10, 64)
	if offset < 0 {
		offset = 0
	}
	if count <= 0 || count > maxLobbyPage {
		count = maxLobbyPage
	}

	engine, ok := h.Engines(types.GameType(gt))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown game type"})
		return
	}

	ctx := c.Request.Context()
	roomIDs, err := h.reg.RoomIDsByGameType(ctx, types.GameType(gt), offset, count)
	if err != nil {
		logging.Error(ctx, "lobby room scan failed",
			zap.String("game_type", gt), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not list rooms"})
		return
	}

	states := []*module.StateResponse{}
	if len(roomIDs) > 0 {
		states, err = engine.States(ctx, roomIDs)
		if err != nil {
			logging.Error(ctx, "lobby state load failed",
				zap.String("game_type", gt), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "could not load rooms"})
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"gameType": gt,
		"offset":   offset,
		"count":    len(states),
		"rooms":    states,
	})
}
