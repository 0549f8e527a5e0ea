package api

import (
	"fmt"
	"net/http"
	"path"

	"github.com/gin-gonic/gin"

	"github.com/craftplane/craftplane/internal/apierr"
	"github.com/craftplane/craftplane/internal/files"
)

// scopedFiles resolves the server's storage view. Every file operation
// goes through it, so traversal is rejected before any disk access.
func (s *Store) scopedFiles(c *gin.Context) (files.Scoped, bool) {
	scoped, err := s.engine.Files(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.sendError(c, err)

		return files.Scoped{}, false
	}

	return scoped, true
}

func (s *Store) requirePath(c *gin.Context) (string, bool) {
	requested := c.Query("path")
	if requested == "" {
		s.sendError(c, apierr.New(apierr.InvalidRequest, "path query parameter is required"))

		return "", false
	}

	return requested, true
}

func (s *Store) listFiles(c *gin.Context) {
	scoped, ok := s.scopedFiles(c)
	if !ok {
		return
	}

	requested := c.DefaultQuery("path", ".")
	entries, err := scoped.List(requested)
	if err != nil {
		s.sendError(c, err)

		return
	}

	c.JSON(http.StatusOK, gin.H{
		"path":    requested,
		"entries": entries,
	})
}

func (s *Store) readFile(c *gin.Context) {
	scoped, ok := s.scopedFiles(c)
	if !ok {
		return
	}
	requested, ok := s.requirePath(c)
	if !ok {
		return
	}

	content, err := scoped.Read(requested)
	if err != nil {
		s.sendError(c, err)

		return
	}

	c.JSON(http.StatusOK, gin.H{
		"path":    requested,
		"content": string(content),
	})
}

func (s *Store) downloadFile(c *gin.Context) {
	scoped, ok := s.scopedFiles(c)
	if !ok {
		return
	}
	requested, ok := s.requirePath(c)
	if !ok {
		return
	}

	reader, size, err := scoped.Open(requested)
	if err != nil {
		s.sendError(c, err)

		return
	}
	defer reader.Close()

	headers := map[string]string{
		"Content-Disposition": fmt.Sprintf("attachment; filename=%q", path.Base(requested)),
	}
	c.DataFromReader(http.StatusOK, size, "application/octet-stream", reader, headers)
}

func (s *Store) writeFile(c *gin.Context) {
	scoped, ok := s.scopedFiles(c)
	if !ok {
		return
	}

	var req struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if !s.bindJSON(c, &req) {
		return
	}
	if req.Path == "" {
		s.sendError(c, apierr.New(apierr.InvalidRequest, "path is required"))

		return
	}

	if err := scoped.Write(req.Path, []byte(req.Content)); err != nil {
		s.sendError(c, err)

		return
	}

	c.Status(http.StatusNoContent)
}

// uploadFile stores one multipart file under the path query parameter,
// treated as the destination directory.
func (s *Store) uploadFile(c *gin.Context) {
	scoped, ok := s.scopedFiles(c)
	if !ok {
		return
	}

	header, err := c.FormFile("file")
	if err != nil {
		s.sendError(c, apierr.Wrap(apierr.InvalidRequest, err, "multipart upload needs a \"file\" part"))

		return
	}

	src, err := header.Open()
	if err != nil {
		s.sendError(c, apierr.Wrap(apierr.InvalidRequest, err, "reading uploaded file"))

		return
	}
	defer src.Close()

	destination := path.Join(c.Query("path"), path.Base(header.Filename))
	written, err := scoped.WriteFrom(destination, src)
	if err != nil {
		s.sendError(c, err)

		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"path":       destination,
		"size_bytes": written,
	})
}

func (s *Store) makeDirectory(c *gin.Context) {
	scoped, ok := s.scopedFiles(c)
	if !ok {
		return
	}

	var req struct {
		Path string `json:"path"`
	}
	if !s.bindJSON(c, &req) {
		return
	}
	if req.Path == "" {
		s.sendError(c, apierr.New(apierr.InvalidRequest, "path is required"))

		return
	}

	if err := scoped.Mkdir(req.Path); err != nil {
		s.sendError(c, err)

		return
	}

	c.Status(http.StatusCreated)
}

func (s *Store) deleteFile(c *gin.Context) {
	scoped, ok := s.scopedFiles(c)
	if !ok {
		return
	}
	requested, ok := s.requirePath(c)
	if !ok {
		return
	}

	if err := scoped.Delete(requested); err != nil {
		s.sendError(c, err)

		return
	}

	c.Status(http.StatusNoContent)
}
