package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/craftplane/craftplane/internal/artifact"
	"github.com/craftplane/craftplane/internal/backup"
	"github.com/craftplane/craftplane/internal/catalog"
	"github.com/craftplane/craftplane/internal/engine"
	"github.com/craftplane/craftplane/internal/files"
	"github.com/craftplane/craftplane/internal/hostexec"
	"github.com/craftplane/craftplane/internal/hub"
	"github.com/craftplane/craftplane/internal/install"
	"github.com/craftplane/craftplane/internal/process"
	"github.com/craftplane/craftplane/internal/progress"
	"github.com/craftplane/craftplane/internal/provision"
	"github.com/craftplane/craftplane/internal/registry"
	"github.com/craftplane/craftplane/internal/versions"
)

var testPort atomic.Int32

func init() {
	gin.SetMode(gin.TestMode)
	testPort.Store(42000)
}

func nextPort() int {
	return int(testPort.Add(1))
}

type testAPI struct {
	ts      *httptest.Server
	eng     *engine.Engine
	baseDir string
}

// newTestAPI stands up the full stack behind a real listener. catalogURL
// may point at a fake upstream; an empty apiKey leaves the catalog
// disabled.
func newTestAPI(t *testing.T, catalogURL, apiKey string) *testAPI {
	t.Helper()

	logger := zap.NewNop()

	reg, err := registry.Open(filepath.Join(t.TempDir(), "test.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })

	h := hub.New(logger)
	channel := progress.New(logger)
	t.Cleanup(channel.Close)

	cache, err := artifact.New(t.TempDir(), logger)
	require.NoError(t, err)

	client := catalog.NewClient(catalogURL, apiKey, logger)
	resolver := versions.NewResolver(logger)
	installer := install.New(cache, client, resolver, hostexec.Direct{}, logger)
	supervisor := process.New(logger, hostexec.Direct{}, h, reg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = supervisor.Shutdown(ctx)
	})

	baseDir := t.TempDir()
	orch := provision.New(reg, client, cache, channel, baseDir, logger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = orch.Shutdown(ctx)
	})
	backups := backup.New(reg, baseDir, t.TempDir(), 14, logger)

	eng := engine.New(engine.Config{
		Registry:    reg,
		Supervisor:  supervisor,
		Installer:   installer,
		Resolver:    resolver,
		Provisioner: orch,
		Backups:     backups,
		Hub:         h,
		Progress:    channel,
		Catalog:     client,
		BaseDir:     baseDir,
	}, logger)

	router := NewRouter(NewStore(eng, logger), logger)
	ts := httptest.NewServer(router)
	t.Cleanup(ts.Close)

	return &testAPI{ts: ts, eng: eng, baseDir: baseDir}
}

func (a *testAPI) request(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequest(method, a.ts.URL+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp, payload
}

func decode[T any](t *testing.T, payload []byte) T {
	t.Helper()

	var out T
	require.NoError(t, json.Unmarshal(payload, &out), "payload: %s", payload)

	return out
}

func (a *testAPI) createServer(t *testing.T, name string) registry.Server {
	t.Helper()

	resp, body := a.request(t, http.MethodPost, "/api/servers", map[string]any{
		"name":    name,
		"engine":  "vanilla",
		"version": "1.20.4",
		"port":    nextPort(),
		"memory":  512,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, "body: %s", body)

	return decode[registry.Server](t, body)
}

const interactiveScript = `#!/bin/sh
echo "Starting minecraft server version 1.20.4"
echo 'Done (1.234s)! For help, type "help"'
while read line; do
  if [ "$line" = "stop" ]; then
    echo "Stopping server"
    exit 0
  fi
  echo "[cmd] $line"
done
`

func (a *testAPI) seedRunnable(t *testing.T, server registry.Server) {
	t.Helper()

	dir := filepath.Join(a.baseDir, server.StoragePath)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "run.sh"), []byte(interactiveScript), 0o755))
}

func (a *testAPI) awaitState(t *testing.T, id string, want registry.State) {
	t.Helper()

	require.Eventually(t, func() bool {
		resp, body := a.request(t, http.MethodGet, "/api/servers/"+id, nil)
		if resp.StatusCode != http.StatusOK {
			return false
		}

		return decode[registry.Server](t, body).State == want
	}, 15*time.Second, 25*time.Millisecond, "server never reached %s", want)
}

type errorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func TestHealth(t *testing.T) {
	t.Parallel()

	a := newTestAPI(t, "http://catalog.invalid", "")

	for _, path := range []string{"/health", "/api/health"} {
		resp, body := a.request(t, http.MethodGet, path, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		payload := decode[map[string]string](t, body)
		assert.Equal(t, "ok", payload["status"])
		assert.Equal(t, "craftplane", payload["service"])
		assert.NotEmpty(t, payload["timestamp"])
	}
}

func TestServerLifecycle(t *testing.T) {
	t.Parallel()

	a := newTestAPI(t, "http://catalog.invalid", "")

	created := a.createServer(t, "lifecycle")
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, registry.StateStopped, created.State)

	resp, body := a.request(t, http.MethodGet, "/api/servers/"+created.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "lifecycle", decode[registry.Server](t, body).Name)

	resp, body = a.request(t, http.MethodGet, "/api/servers", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[[]registry.Server](t, body), 1)

	resp, body = a.request(t, http.MethodPatch, "/api/servers/"+created.ID, map[string]any{
		"name":   "renamed",
		"memory": 2048,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, "body: %s", body)
	updated := decode[registry.Server](t, body)
	assert.Equal(t, "renamed", updated.Name)
	assert.Equal(t, 2048, updated.Memory)

	resp, _ = a.request(t, http.MethodDelete, "/api/servers/"+created.ID, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, body = a.request(t, http.MethodGet, "/api/servers/"+created.ID, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NotFound", decode[errorBody](t, body).Kind)
}

func TestCreateServerConflictStatus(t *testing.T) {
	t.Parallel()

	a := newTestAPI(t, "http://catalog.invalid", "")
	a.createServer(t, "taken")

	resp, body := a.request(t, http.MethodPost, "/api/servers", map[string]any{
		"name":    "taken",
		"engine":  "vanilla",
		"version": "1.20.4",
		"port":    nextPort(),
	})
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	failure := decode[errorBody](t, body)
	assert.Equal(t, "ConflictName", failure.Kind)
	assert.Contains(t, failure.Message, "taken")
}

func TestCreateServerRejectsBadBody(t *testing.T) {
	t.Parallel()

	a := newTestAPI(t, "http://catalog.invalid", "")

	req, err := http.NewRequest(http.MethodPost, a.ts.URL+"/api/servers", bytes.NewBufferString("{not json"))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	payload, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "InvalidRequest", decode[errorBody](t, payload).Kind)
}

func TestStartStopOverHTTP(t *testing.T) {
	t.Parallel()

	a := newTestAPI(t, "http://catalog.invalid", "")
	server := a.createServer(t, "runner")
	a.seedRunnable(t, server)

	resp, body := a.request(t, http.MethodPost, "/api/servers/"+server.ID+"/start", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode, "body: %s", body)
	assert.Equal(t, registry.StateStarting, decode[registry.Server](t, body).State)

	a.awaitState(t, server.ID, registry.StateRunning)

	// Starting twice is a conflict, not a second child.
	resp, body = a.request(t, http.MethodPost, "/api/servers/"+server.ID+"/start", nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "AlreadyRunning", decode[errorBody](t, body).Kind)

	resp, body = a.request(t, http.MethodGet, "/api/servers/"+server.ID+"/stats", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	stats := decode[map[string]any](t, body)
	assert.Greater(t, stats["pid"].(float64), float64(0))

	resp, _ = a.request(t, http.MethodPost, "/api/servers/"+server.ID+"/command", map[string]any{"text": "hello"})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	require.Eventually(t, func() bool {
		_, body := a.request(t, http.MethodGet, "/api/servers/"+server.ID+"/logs", nil)

		return bytes.Contains(body, []byte("[cmd] hello"))
	}, 10*time.Second, 25*time.Millisecond)

	resp, _ = a.request(t, http.MethodPost, "/api/servers/"+server.ID+"/stop", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	a.awaitState(t, server.ID, registry.StateStopped)

	resp, body = a.request(t, http.MethodPost, "/api/servers/"+server.ID+"/stop", nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "AlreadyStopped", decode[errorBody](t, body).Kind)

	resp, body = a.request(t, http.MethodGet, "/api/servers/"+server.ID+"/stats", nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "NotRunning", decode[errorBody](t, body).Kind)
}

func TestStopForce(t *testing.T) {
	t.Parallel()

	a := newTestAPI(t, "http://catalog.invalid", "")
	server := a.createServer(t, "forced")
	a.seedRunnable(t, server)

	resp, _ := a.request(t, http.MethodPost, "/api/servers/"+server.ID+"/start", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	a.awaitState(t, server.ID, registry.StateRunning)

	resp, _ = a.request(t, http.MethodPost, "/api/servers/"+server.ID+"/stop?force=true", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	require.Eventually(t, func() bool {
		_, body := a.request(t, http.MethodGet, "/api/servers/"+server.ID, nil)

		return !decode[registry.Server](t, body).State.Live()
	}, 15*time.Second, 25*time.Millisecond)
}

func TestCommandValidation(t *testing.T) {
	t.Parallel()

	a := newTestAPI(t, "http://catalog.invalid", "")
	server := a.createServer(t, "quiet")

	resp, body := a.request(t, http.MethodPost, "/api/servers/"+server.ID+"/command", map[string]any{"text": ""})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "InvalidRequest", decode[errorBody](t, body).Kind)

	resp, body = a.request(t, http.MethodPost, "/api/servers/"+server.ID+"/command", map[string]any{"text": "say hi"})
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "NotRunning", decode[errorBody](t, body).Kind)

	resp, body = a.request(t, http.MethodPost, "/api/servers/missing/command", map[string]any{"text": "say hi"})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NotFound", decode[errorBody](t, body).Kind)
}

func TestVersionsRejectsUnknownEngine(t *testing.T) {
	t.Parallel()

	a := newTestAPI(t, "http://catalog.invalid", "")

	resp, body := a.request(t, http.MethodGet, "/api/versions/doom", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "InvalidRequest", decode[errorBody](t, body).Kind)
}

func TestFilesEndpoints(t *testing.T) {
	t.Parallel()

	a := newTestAPI(t, "http://catalog.invalid", "")
	server := a.createServer(t, "filer")
	base := "/api/servers/" + server.ID + "/files"

	resp, _ := a.request(t, http.MethodPut, base, map[string]any{
		"path":    "config/server.toml",
		"content": "level=hard\n",
	})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, body := a.request(t, http.MethodGet, base+"?path=config", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	listing := decode[struct {
		Path    string        `json:"path"`
		Entries []files.Entry `json:"entries"`
	}](t, body)
	require.Len(t, listing.Entries, 1)
	assert.Equal(t, "server.toml", listing.Entries[0].Name)
	assert.False(t, listing.Entries[0].IsDir)

	resp, body = a.request(t, http.MethodGet, base+"/read?path=config%2Fserver.toml", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	read := decode[struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}](t, body)
	assert.Equal(t, "level=hard\n", read.Content)

	resp, body = a.request(t, http.MethodGet, base+"/download?path=config%2Fserver.toml", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "level=hard\n", string(body))
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "server.toml")

	resp, _ = a.request(t, http.MethodPost, base+"/mkdir", map[string]any{"path": "world/region"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	info, err := os.Stat(filepath.Join(a.baseDir, server.StoragePath, "world", "region"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	resp, _ = a.request(t, http.MethodDelete, base+"?path=config%2Fserver.toml", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, body = a.request(t, http.MethodGet, base+"/read?path=config%2Fserver.toml", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NotFound", decode[errorBody](t, body).Kind)
}

func TestFilesRejectTraversal(t *testing.T) {
	t.Parallel()

	a := newTestAPI(t, "http://catalog.invalid", "")
	server := a.createServer(t, "guarded")
	base := "/api/servers/" + server.ID + "/files"

	escape := url.QueryEscape("../../etc/passwd")

	resp, body := a.request(t, http.MethodGet, base+"/read?path="+escape, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "InvalidPath", decode[errorBody](t, body).Kind)

	resp, body = a.request(t, http.MethodPut, base, map[string]any{
		"path":    "../outside.txt",
		"content": "nope",
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "InvalidPath", decode[errorBody](t, body).Kind)
}

func TestUploadFile(t *testing.T) {
	t.Parallel()

	a := newTestAPI(t, "http://catalog.invalid", "")
	server := a.createServer(t, "uploader")

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "custom.jar")
	require.NoError(t, err)
	_, err = part.Write([]byte("jar-bytes"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	target := a.ts.URL + "/api/servers/" + server.ID + "/files/upload?path=mods"
	req, err := http.NewRequest(http.MethodPost, target, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := a.ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	require.Equal(t, http.StatusCreated, resp.StatusCode, "body: %s", payload)
	uploaded := decode[struct {
		Path      string `json:"path"`
		SizeBytes int64  `json:"size_bytes"`
	}](t, payload)
	assert.Equal(t, "mods/custom.jar", uploaded.Path)
	assert.Equal(t, int64(len("jar-bytes")), uploaded.SizeBytes)

	content, err := os.ReadFile(filepath.Join(a.baseDir, server.StoragePath, "mods", "custom.jar"))
	require.NoError(t, err)
	assert.Equal(t, "jar-bytes", string(content))
}

func TestBackupFlowOverHTTP(t *testing.T) {
	t.Parallel()

	a := newTestAPI(t, "http://catalog.invalid", "")
	server := a.createServer(t, "vaulted")
	filesBase := "/api/servers/" + server.ID + "/files"

	resp, _ := a.request(t, http.MethodPut, filesBase, map[string]any{
		"path":    "server.properties",
		"content": "motd=original\n",
	})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, body := a.request(t, http.MethodPost, "/api/servers/"+server.ID+"/backups", map[string]any{"name": "before-edit"})
	require.Equal(t, http.StatusCreated, resp.StatusCode, "body: %s", body)
	created := decode[registry.Backup](t, body)
	assert.Equal(t, "before-edit", created.Name)
	assert.Equal(t, registry.BackupCompleted, created.Status)

	resp, body = a.request(t, http.MethodGet, "/api/servers/"+server.ID+"/backups", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[[]registry.Backup](t, body), 1)

	resp, body = a.request(t, http.MethodGet, "/api/backups/"+created.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, created.ID, decode[registry.Backup](t, body).ID)

	// Damage the live tree, then roll it back.
	resp, _ = a.request(t, http.MethodPut, filesBase, map[string]any{
		"path":    "server.properties",
		"content": "motd=broken\n",
	})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = a.request(t, http.MethodPost, "/api/backups/"+created.ID+"/restore", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, body = a.request(t, http.MethodGet, filesBase+"/read?path=server.properties", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	restored := decode[struct {
		Content string `json:"content"`
	}](t, body)
	assert.Equal(t, "motd=original\n", restored.Content)

	resp, _ = a.request(t, http.MethodDelete, "/api/backups/"+created.ID, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, body = a.request(t, http.MethodGet, "/api/backups/"+created.ID, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NotFound", decode[errorBody](t, body).Kind)
}

func TestCatalogDisabledStatus(t *testing.T) {
	t.Parallel()

	a := newTestAPI(t, "http://catalog.invalid", "")

	resp, body := a.request(t, http.MethodGet, "/api/modpacks/search?query=skyblock", nil)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "CatalogDisabled", decode[errorBody](t, body).Kind)

	resp, body = a.request(t, http.MethodPost, "/api/modpacks/create-server", map[string]any{
		"name":      "pack",
		"modpackId": 1,
		"fileId":    2,
	})
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "CatalogDisabled", decode[errorBody](t, body).Kind)
}

func TestModpackEndpoints(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(newFakeCatalog(t))
	t.Cleanup(upstream.Close)

	a := newTestAPI(t, upstream.URL, "test-key")

	resp, body := a.request(t, http.MethodGet, "/api/modpacks/search?query=test", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, "body: %s", body)
	page := decode[struct {
		Data []catalog.ModpackMeta `json:"data"`
	}](t, body)
	require.Len(t, page.Data, 1)
	assert.Equal(t, "Test Pack", page.Data[0].Name)

	resp, body = a.request(t, http.MethodGet, fmt.Sprintf("/api/modpacks/%d", testModpackID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Test Pack", decode[catalog.ModpackMeta](t, body).Name)

	resp, body = a.request(t, http.MethodGet, fmt.Sprintf("/api/modpacks/%d/description", testModpackID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, decode[map[string]string](t, body)["description"], "finest pack")

	resp, body = a.request(t, http.MethodGet, fmt.Sprintf("/api/modpacks/%d/files", testModpackID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	all := decode[struct {
		Data []catalog.FileDetail `json:"data"`
	}](t, body)
	assert.Len(t, all.Data, 2)

	resp, body = a.request(t, http.MethodGet, fmt.Sprintf("/api/modpacks/%d/files?gameVersion=1.20.1", testModpackID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	filtered := decode[struct {
		Data []catalog.FileDetail `json:"data"`
	}](t, body)
	require.Len(t, filtered.Data, 1)
	assert.Equal(t, testFileID, filtered.Data[0].ID)

	resp, body = a.request(t, http.MethodGet, fmt.Sprintf("/api/modpacks/%d/files/%d/changelog", testModpackID, testFileID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, decode[map[string]string](t, body)["changelog"], "fixed")

	resp, body = a.request(t, http.MethodGet, fmt.Sprintf("/api/modpacks/%d/files/%d/mods", testModpackID, testFileID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	mods := decode[struct {
		Mods []catalog.ModEntry `json:"mods"`
	}](t, body)
	require.Len(t, mods.Mods, 3)
	assert.Equal(t, "Mod 11", mods.Mods[0].Name)

	resp, body = a.request(t, http.MethodGet, fmt.Sprintf("/api/modpacks/%d/mods", testModpackID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	latest := decode[struct {
		Mods []catalog.ModEntry `json:"mods"`
	}](t, body)
	assert.Len(t, latest.Mods, 3)

	resp, body = a.request(t, http.MethodGet, "/api/modpacks/not-a-number", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "InvalidRequest", decode[errorBody](t, body).Kind)
}
