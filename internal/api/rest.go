package api

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/statebridge/statebridge/internal/protocol"
	"github.com/statebridge/statebridge/internal/statesync"
)

// The REST fallback addresses partitions of the default "shared" state
// type, mirroring WebSocket clients that connect without naming one.

// handleStateGet returns the current snapshot for one partition, or 404
// when the runtime holds nothing for it.
func (s *Server) handleStateGet(c echo.Context) error {
	stateID := c.Param("id")

	snapshot, res := s.bridge.GetState(c.Request().Context(), statesync.DefaultStateType, stateID)
	if !res.Success {
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"status":  "error",
			"message": res.Message,
		})
	}
	if snapshot == nil {
		return c.JSON(http.StatusNotFound, map[string]string{
			"status":  "error",
			"message": "no state for " + stateID,
		})
	}
	return c.JSON(http.StatusOK, snapshot)
}

// handleStateSet writes a partition snapshot through the bridge and, on
// success, fans the accepted value out to any live connections on that
// partition, keeping REST writers and WebSocket observers converged.
func (s *Server) handleStateSet(c echo.Context) error {
	stateID := c.Param("id")

	var body map[string]any
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"status":  "error",
			"message": "invalid JSON body",
		})
	}

	state := protocol.Stringify(body)
	res := s.bridge.SetState(c.Request().Context(), statesync.DefaultStateType, stateID, state)
	if !res.Success {
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"status":  "error",
			"message": res.Message,
		})
	}

	group := statesync.DefaultStateType + ":" + stateID
	if frame, err := protocol.StateUpdate(statesync.DefaultStateType, stateID, state).Encode(); err == nil {
		s.registry.SendToGroup(group, frame)
	}

	return c.JSON(http.StatusOK, map[string]string{"status": "success"})
}

// handleStateList returns the identifiers of shared-type partitions
// with live observers. The runtime owns the authoritative partition
// set; this process only knows the ones currently being watched.
func (s *Server) handleStateList(c echo.Context) error {
	prefix := statesync.DefaultStateType + ":"

	ids := make([]string, 0)
	for _, group := range s.registry.GroupNames() {
		if strings.HasPrefix(group, prefix) {
			ids = append(ids, strings.TrimPrefix(group, prefix))
		}
	}
	return c.JSON(http.StatusOK, ids)
}
