// Package api is the HTTP surface of the control plane: JSON REST under
// /api plus two websocket streams, the live server console and
// provisioning progress. Handlers stay thin and defer to the engine.
package api

import (
	"net/http"
	"slices"
	"time"

	"github.com/gin-contrib/cors"
	limits "github.com/gin-contrib/size"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/craftplane/craftplane/internal/engine"
)

const (
	serviceName = "craftplane"

	maxMultipartMemory = 1 << 23 // 8 MiB
	maxUploadLimit     = 1 << 28 // 256 MiB
)

type Store struct {
	engine *engine.Engine
	logger *zap.Logger
}

func NewStore(eng *engine.Engine, logger *zap.Logger) *Store {
	return &Store{
		engine: eng,
		logger: logger.Named("api"),
	}
}

// NewRouter wires middleware and every route. CORS is wide open: the
// panel UI may be served from anywhere on the operator's network.
func NewRouter(store *Store, logger *zap.Logger) *gin.Engine {
	r := gin.New()
	r.MaxMultipartMemory = maxMultipartMemory

	r.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowHeaders = []string{
		"Origin",
		"Content-Length",
		"Content-Type",
		"User-Agent",
		"Authorization",
	}
	r.Use(cors.New(corsConfig))

	r.Use(
		limits.RequestSizeLimiter(maxUploadLimit),
		func(c *gin.Context) {
			// Probes would drown the request log.
			if slices.Contains([]string{"/health", "/api/health"}, c.Request.URL.Path) {
				c.Next()

				return
			}

			ginzap.Ginzap(logger, time.RFC3339Nano, true)(c)
		},
	)

	r.GET("/health", store.health)

	api := r.Group("/api")
	api.GET("/health", store.health)
	api.GET("/versions/:engine", store.engineVersions)
	api.GET("/provision/:sessionId", store.provisionSocket)

	servers := api.Group("/servers")
	{
		servers.GET("", store.listServers)
		servers.POST("", store.createServer)
		servers.GET("/:id", store.getServer)
		servers.PATCH("/:id", store.updateServer)
		servers.DELETE("/:id", store.deleteServer)

		servers.POST("/:id/start", store.startServer)
		servers.POST("/:id/stop", store.stopServer)
		servers.POST("/:id/restart", store.restartServer)
		servers.GET("/:id/logs", store.serverLogs)
		servers.POST("/:id/command", store.sendCommand)
		servers.GET("/:id/stats", store.serverStats)
		servers.GET("/:id/console", store.consoleSocket)

		servers.GET("/:id/files", store.listFiles)
		servers.GET("/:id/files/read", store.readFile)
		servers.GET("/:id/files/download", store.downloadFile)
		servers.PUT("/:id/files", store.writeFile)
		servers.POST("/:id/files/upload", store.uploadFile)
		servers.POST("/:id/files/mkdir", store.makeDirectory)
		servers.DELETE("/:id/files", store.deleteFile)

		servers.GET("/:id/backups", store.listBackups)
		servers.POST("/:id/backups", store.createBackup)
	}

	modpacks := api.Group("/modpacks")
	{
		modpacks.GET("", store.listCachedModpacks)
		modpacks.GET("/search", store.searchModpacks)
		modpacks.POST("/create-server", store.createServerFromModpack)
		modpacks.GET("/:id", store.getModpack)
		modpacks.GET("/:id/description", store.modpackDescription)
		modpacks.GET("/:id/files", store.modpackFiles)
		modpacks.GET("/:id/files/:fileId/changelog", store.modpackChangelog)
		modpacks.GET("/:id/files/:fileId/mods", store.modpackFileMods)
		modpacks.GET("/:id/mods", store.modpackLatestMods)
	}

	backups := api.Group("/backups")
	{
		backups.GET("/:id", store.getBackup)
		backups.DELETE("/:id", store.deleteBackup)
		backups.POST("/:id/restore", store.restoreBackup)
	}

	return r
}

func (s *Store) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"service":   serviceName,
	})
}
