package api

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const (
	testModpackID = 77
	testFileID    = 101
	olderFileID   = 99
)

var testManifest = []byte(`{
	"name": "Test Pack",
	"version": "1.0.0",
	"author": "alice",
	"overrides": "overrides",
	"minecraft": {
		"version": "1.20.1",
		"modLoaders": [{"id": "forge-47.2.0", "primary": true}]
	},
	"files": [
		{"projectID": 11, "fileID": 201, "required": true},
		{"projectID": 12, "fileID": 202, "required": true},
		{"projectID": 13, "fileID": 203, "required": false}
	]
}`)

func buildArchive(t *testing.T, entries map[string][]byte) []byte {
	t.Helper()

	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, content := range entries {
		f, err := w.Create(name)
		require.NoError(t, err)
		_, err = f.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	return buf.Bytes()
}

// newFakeCatalog serves the upstream metadata endpoints, one downloadable
// pack archive, and per-mod jars. File 101 targets 1.20.1, file 99 is an
// older 1.19.2 build so version filtering has something to drop.
func newFakeCatalog(t *testing.T) http.Handler {
	t.Helper()

	archive := buildArchive(t, map[string][]byte{
		"manifest.json":              testManifest,
		"overrides/config/pack.toml": []byte("tuned = true\n"),
	})

	packMeta := map[string]any{
		"id":         testModpackID,
		"name":       "Test Pack",
		"slug":       "test-pack",
		"summary":    "three mods and a config",
		"mainFileId": testFileID,
		"authors":    []map[string]any{{"id": 1, "name": "alice"}},
		"logo":       map[string]any{"thumbnailUrl": "https://icons.example/77.png"},
	}

	fileDetail := func(id int, gameVersion, host string) map[string]any {
		return map[string]any{
			"id":           id,
			"modId":        testModpackID,
			"displayName":  fmt.Sprintf("Test Pack build %d", id),
			"fileName":     "pack.zip",
			"releaseType":  1,
			"downloadUrl":  fmt.Sprintf("http://%s/archives/pack.zip", host),
			"gameVersions": []string{gameVersion},
		}
	}

	writeJSON := func(w http.ResponseWriter, payload any) {
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(payload))
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/mods/search", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"data":       []map[string]any{packMeta},
			"pagination": map[string]any{"index": 0, "pageSize": 20, "resultCount": 1, "totalCount": 1},
		})
	})

	mux.HandleFunc(fmt.Sprintf("GET /v1/mods/%d", testModpackID), func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"data": packMeta})
	})

	mux.HandleFunc(fmt.Sprintf("GET /v1/mods/%d/description", testModpackID), func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"data": "<p>the finest pack ever assembled</p>"})
	})

	mux.HandleFunc(fmt.Sprintf("GET /v1/mods/%d/files", testModpackID), func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"data": []map[string]any{
				fileDetail(testFileID, "1.20.1", r.Host),
				fileDetail(olderFileID, "1.19.2", r.Host),
			},
			"pagination": map[string]any{"index": 0, "pageSize": 50, "resultCount": 2, "totalCount": 2},
		})
	})

	mux.HandleFunc(fmt.Sprintf("GET /v1/mods/%d/files/%d", testModpackID, testFileID), func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"data": fileDetail(testFileID, "1.20.1", r.Host)})
	})

	mux.HandleFunc(fmt.Sprintf("GET /v1/mods/%d/files/%d/changelog", testModpackID, testFileID), func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"data": "<p>fixed the sky rendering upside down</p>"})
	})

	mux.HandleFunc("GET /archives/pack.zip", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(archive)
	})

	mux.HandleFunc("POST /v1/mods/files", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			FileIDs []int `json:"fileIds"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))

		details := make([]map[string]any, 0, len(body.FileIDs))
		for _, id := range body.FileIDs {
			details = append(details, map[string]any{
				"id":          id,
				"fileName":    fmt.Sprintf("mod-%d.jar", id),
				"downloadUrl": fmt.Sprintf("http://%s/files/%d.jar", r.Host, id),
			})
		}
		writeJSON(w, map[string]any{"data": details})
	})

	mux.HandleFunc("POST /v1/mods", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			ModIDs []int `json:"modIds"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))

		mods := make([]map[string]any, 0, len(body.ModIDs))
		for _, id := range body.ModIDs {
			mods = append(mods, map[string]any{
				"id":      id,
				"name":    fmt.Sprintf("Mod %d", id),
				"slug":    fmt.Sprintf("mod-%d", id),
				"summary": "a mod",
				"links":   map[string]any{"websiteUrl": fmt.Sprintf("https://mods.example/%d", id)},
			})
		}
		writeJSON(w, map[string]any{"data": mods})
	})

	mux.HandleFunc("GET /files/{id}", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "jar-bytes-%s", strings.TrimSuffix(r.PathValue("id"), ".jar"))
	})

	return mux
}
