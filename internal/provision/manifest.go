package provision

import (
	"encoding/json"
	"strings"

	"github.com/craftplane/craftplane/internal/apierr"
	"github.com/craftplane/craftplane/internal/registry"
)

// fabricLoaderFallback is used when a pack manifest names the fabric
// loader without a version.
const fabricLoaderFallback = "0.15.11"

// Manifest is the pack descriptor found at the root of a modpack archive.
type Manifest struct {
	Name      string         `json:"name"`
	Version   string         `json:"version"`
	Author    string         `json:"author"`
	Overrides string         `json:"overrides"`
	Minecraft ManifestGame   `json:"minecraft"`
	Files     []ManifestFile `json:"files"`
}

type ManifestGame struct {
	Version    string           `json:"version"`
	ModLoaders []ManifestLoader `json:"modLoaders"`
}

type ManifestLoader struct {
	ID      string `json:"id"`
	Primary bool   `json:"primary"`
}

// ManifestFile references one mod binary in the upstream catalog.
type ManifestFile struct {
	ProjectID int  `json:"projectID"`
	FileID    int  `json:"fileID"`
	Required  bool `json:"required"`
}

// ParseManifest decodes and validates a manifest.json payload.
func ParseManifest(data []byte) (*Manifest, error) {
	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, apierr.Wrap(apierr.ManifestInvalid, err, "manifest.json does not decode")
	}

	if manifest.Minecraft.Version == "" {
		return nil, apierr.New(apierr.ManifestInvalid, "manifest.json names no game version")
	}

	return &manifest, nil
}

// primaryLoader returns the id of the loader marked primary, falling back
// to the first listed one. Empty when the pack declares none.
func (m *Manifest) primaryLoader() string {
	for _, loader := range m.Minecraft.ModLoaders {
		if loader.Primary {
			return loader.ID
		}
	}

	if len(m.Minecraft.ModLoaders) > 0 {
		return m.Minecraft.ModLoaders[0].ID
	}

	return ""
}

// EngineAndVersion classifies the pack's modloader and derives the engine
// version string the resolver understands. Loader ids look like
// "forge-47.2.0"; unrecognized prefixes fall back to a vanilla server on
// the pack's game version.
func (m *Manifest) EngineAndVersion() (registry.Engine, string) {
	loader := m.primaryLoader()
	game := m.Minecraft.Version

	switch {
	case strings.HasPrefix(loader, "forge-"):
		return registry.EngineForge, game + "-" + strings.TrimPrefix(loader, "forge-")

	case strings.HasPrefix(loader, "fabric-"):
		version := strings.TrimPrefix(loader, "fabric-")
		if version == "" {
			version = fabricLoaderFallback
		}

		return registry.EngineFabric, version

	case strings.HasPrefix(loader, "neoforge-"):
		return registry.EngineNeoForge, strings.TrimPrefix(loader, "neoforge-")

	default:
		return registry.EngineVanilla, game
	}
}

// OverridesDir names the archive folder whose contents overlay the server
// directory. Packs almost always call it "overrides"; an empty field means
// exactly that default.
func (m *Manifest) OverridesDir() string {
	if m.Overrides == "" {
		return "overrides"
	}

	return m.Overrides
}
