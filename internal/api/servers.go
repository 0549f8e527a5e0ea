package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/craftplane/craftplane/internal/engine"
	"github.com/craftplane/craftplane/internal/registry"
)

func (s *Store) listServers(c *gin.Context) {
	servers, err := s.engine.Registry.ListServers(c.Request.Context())
	if err != nil {
		s.sendError(c, err)

		return
	}

	c.JSON(http.StatusOK, servers)
}

func (s *Store) createServer(c *gin.Context) {
	var req engine.CreateRequest
	if !s.bindJSON(c, &req) {
		return
	}

	server, err := s.engine.CreateServer(c.Request.Context(), req)
	if err != nil {
		s.sendError(c, err)

		return
	}

	c.JSON(http.StatusCreated, server)
}

func (s *Store) getServer(c *gin.Context) {
	server, err := s.engine.Registry.GetServer(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.sendError(c, err)

		return
	}

	c.JSON(http.StatusOK, server)
}

func (s *Store) updateServer(c *gin.Context) {
	var req engine.UpdateRequest
	if !s.bindJSON(c, &req) {
		return
	}

	server, err := s.engine.UpdateServer(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		s.sendError(c, err)

		return
	}

	c.JSON(http.StatusOK, server)
}

func (s *Store) deleteServer(c *gin.Context) {
	if err := s.engine.DeleteServer(c.Request.Context(), c.Param("id")); err != nil {
		s.sendError(c, err)

		return
	}

	c.Status(http.StatusNoContent)
}

// startServer answers 202: the boot pipeline (artifact download, installer,
// config render, spawn) continues in the background and progress is
// observable on the console stream.
func (s *Store) startServer(c *gin.Context) {
	id := c.Param("id")
	if err := s.engine.StartServer(c.Request.Context(), id); err != nil {
		s.sendError(c, err)

		return
	}

	server, err := s.engine.Registry.GetServer(c.Request.Context(), id)
	if err != nil {
		s.sendError(c, err)

		return
	}

	c.JSON(http.StatusAccepted, server)
}

func (s *Store) stopServer(c *gin.Context) {
	force := c.Query("force") == "true"

	if err := s.engine.StopServer(c.Request.Context(), c.Param("id"), force); err != nil {
		s.sendError(c, err)

		return
	}

	c.Status(http.StatusNoContent)
}

func (s *Store) restartServer(c *gin.Context) {
	id := c.Param("id")
	if err := s.engine.RestartServer(c.Request.Context(), id); err != nil {
		s.sendError(c, err)

		return
	}

	server, err := s.engine.Registry.GetServer(c.Request.Context(), id)
	if err != nil {
		s.sendError(c, err)

		return
	}

	c.JSON(http.StatusAccepted, server)
}

func (s *Store) serverLogs(c *gin.Context) {
	lines, err := s.engine.Logs(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.sendError(c, err)

		return
	}

	c.JSON(http.StatusOK, gin.H{"logs": lines})
}

func (s *Store) sendCommand(c *gin.Context) {
	var req struct {
		Text string `json:"text"`
	}
	if !s.bindJSON(c, &req) {
		return
	}

	if err := s.engine.SendCommand(c.Request.Context(), c.Param("id"), req.Text); err != nil {
		s.sendError(c, err)

		return
	}

	c.Status(http.StatusNoContent)
}

func (s *Store) serverStats(c *gin.Context) {
	stats, err := s.engine.Stats(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.sendError(c, err)

		return
	}

	c.JSON(http.StatusOK, stats)
}

func (s *Store) engineVersions(c *gin.Context) {
	engineName := registry.Engine(c.Param("engine"))

	infos, err := s.engine.Versions(c.Request.Context(), engineName)
	if err != nil {
		s.sendError(c, err)

		return
	}

	c.JSON(http.StatusOK, gin.H{
		"engine":   engineName,
		"versions": infos,
	})
}
