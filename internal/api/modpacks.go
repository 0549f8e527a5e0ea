package api

import (
	"net/http"
	"slices"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/craftplane/craftplane/internal/catalog"
	"github.com/craftplane/craftplane/internal/provision"
)

const searchPageSize = 20

func (s *Store) searchModpacks(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "0"))
	if page < 0 {
		page = 0
	}

	result, err := s.engine.Catalog.SearchModpacks(c.Request.Context(), catalog.SearchQuery{
		Text:        c.Query("query"),
		GameVersion: c.Query("gameVersion"),
		Index:       page * searchPageSize,
		PageSize:    searchPageSize,
	})
	if err != nil {
		s.sendError(c, err)

		return
	}

	c.JSON(http.StatusOK, result)
}

func (s *Store) getModpack(c *gin.Context) {
	id, ok := s.intParam(c, "id")
	if !ok {
		return
	}

	meta, err := s.engine.Catalog.Modpack(c.Request.Context(), id)
	if err != nil {
		s.sendError(c, err)

		return
	}

	c.JSON(http.StatusOK, meta)
}

func (s *Store) modpackDescription(c *gin.Context) {
	id, ok := s.intParam(c, "id")
	if !ok {
		return
	}

	description, err := s.engine.Catalog.Description(c.Request.Context(), id)
	if err != nil {
		s.sendError(c, err)

		return
	}

	c.JSON(http.StatusOK, gin.H{"description": description})
}

func (s *Store) modpackFiles(c *gin.Context) {
	id, ok := s.intParam(c, "id")
	if !ok {
		return
	}

	index, _ := strconv.Atoi(c.DefaultQuery("index", "0"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("pageSize", "50"))

	details, pagination, err := s.engine.Catalog.ModpackFiles(c.Request.Context(), id, index, pageSize)
	if err != nil {
		s.sendError(c, err)

		return
	}

	// The upstream endpoint has no game-version filter; apply it here so
	// the UI can narrow a pack's long file history.
	if gameVersion := c.Query("gameVersion"); gameVersion != "" {
		filtered := details[:0]
		for _, detail := range details {
			if slices.Contains(detail.GameVersions, gameVersion) {
				filtered = append(filtered, detail)
			}
		}
		details = filtered
	}

	c.JSON(http.StatusOK, gin.H{
		"data":       details,
		"pagination": pagination,
	})
}

func (s *Store) modpackChangelog(c *gin.Context) {
	id, ok := s.intParam(c, "id")
	if !ok {
		return
	}
	fileID, ok := s.intParam(c, "fileId")
	if !ok {
		return
	}

	changelog, err := s.engine.Catalog.Changelog(c.Request.Context(), id, fileID)
	if err != nil {
		s.sendError(c, err)

		return
	}

	c.JSON(http.StatusOK, gin.H{"changelog": changelog})
}

// modpackFileMods expands one pack file's manifest into the mods it ships.
func (s *Store) modpackFileMods(c *gin.Context) {
	id, ok := s.intParam(c, "id")
	if !ok {
		return
	}
	fileID, ok := s.intParam(c, "fileId")
	if !ok {
		return
	}

	mods, err := s.engine.Provisioner.ModList(c.Request.Context(), id, fileID)
	if err != nil {
		s.sendError(c, err)

		return
	}

	c.JSON(http.StatusOK, gin.H{"mods": mods})
}

func (s *Store) modpackLatestMods(c *gin.Context) {
	id, ok := s.intParam(c, "id")
	if !ok {
		return
	}

	mods, err := s.engine.Provisioner.LatestModList(c.Request.Context(), id)
	if err != nil {
		s.sendError(c, err)

		return
	}

	c.JSON(http.StatusOK, gin.H{"mods": mods})
}

// createServerFromModpack kicks off a provisioning session and answers 202
// with the session id; progress streams on /api/provision/:sessionId.
func (s *Store) createServerFromModpack(c *gin.Context) {
	var req provision.Request
	if !s.bindJSON(c, &req) {
		return
	}

	sessionID, err := s.engine.Provisioner.CreateServer(c.Request.Context(), req)
	if err != nil {
		s.sendError(c, err)

		return
	}

	c.JSON(http.StatusAccepted, gin.H{"sessionId": sessionID})
}

// listCachedModpacks serves the locally recorded packs servers were
// provisioned from; it works with the catalog disabled.
func (s *Store) listCachedModpacks(c *gin.Context) {
	packs, err := s.engine.Registry.ListModpacks(c.Request.Context())
	if err != nil {
		s.sendError(c, err)

		return
	}

	c.JSON(http.StatusOK, packs)
}
