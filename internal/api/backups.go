package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/craftplane/craftplane/internal/registry"
)

func (s *Store) listBackups(c *gin.Context) {
	backups, err := s.engine.Backups.List(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.sendError(c, err)

		return
	}

	c.JSON(http.StatusOK, backups)
}

func (s *Store) createBackup(c *gin.Context) {
	var req struct {
		Name string `json:"name"`
	}
	// The body is optional; an empty one means an auto-generated name.
	if c.Request.ContentLength > 0 && !s.bindJSON(c, &req) {
		return
	}

	backup, err := s.engine.Backups.Create(c.Request.Context(), c.Param("id"), req.Name, registry.BackupManual)
	if err != nil {
		s.sendError(c, err)

		return
	}

	c.JSON(http.StatusCreated, backup)
}

func (s *Store) getBackup(c *gin.Context) {
	backup, err := s.engine.Backups.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.sendError(c, err)

		return
	}

	c.JSON(http.StatusOK, backup)
}

func (s *Store) deleteBackup(c *gin.Context) {
	if err := s.engine.Backups.Delete(c.Request.Context(), c.Param("id")); err != nil {
		s.sendError(c, err)

		return
	}

	c.Status(http.StatusNoContent)
}

func (s *Store) restoreBackup(c *gin.Context) {
	if err := s.engine.Backups.Restore(c.Request.Context(), c.Param("id")); err != nil {
		s.sendError(c, err)

		return
	}

	c.Status(http.StatusNoContent)
}
