// Package versions turns (engine, version) pairs into concrete fetch
// plans and lists the versions each engine family publishes. Each family
// has its own upstream: the Mojang launcher manifest, the PaperMC and
// Purpur build APIs, the Fabric and Quilt meta services, maven for the
// installer-based loaders, and a flat jar mirror for Spigot/Bukkit.
package versions

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/craftplane/craftplane/internal/apierr"
	"github.com/craftplane/craftplane/internal/registry"
)

type PlanKind string

const (
	// PlanDirectJar downloads one jar and drops it in the server directory.
	PlanDirectJar PlanKind = "direct_jar"
	// PlanInstallerRun downloads an installer and executes it in the
	// server directory; the installer lays out the runnable files itself.
	PlanInstallerRun PlanKind = "installer_run"
)

type FetchPlan struct {
	Kind PlanKind
	URL  string
	// FileName to store the download as; set for installer plans, the
	// installer decides direct jar names.
	FileName string
	// Argv runs from the server directory for installer plans.
	Argv []string
}

type Info struct {
	Version     string `json:"version"`
	Channel     string `json:"channel"`
	GameVersion string `json:"game_version"`
}

type Endpoints struct {
	MojangManifest  string
	Paper           string
	Purpur          string
	FabricMeta      string
	QuiltMeta       string
	JarMirror       string
	ForgeMaven      string
	ForgePromotions string
	NeoForgeMaven   string
}

func DefaultEndpoints() Endpoints {
	return Endpoints{
		MojangManifest:  "https://launchermeta.mojang.com/mc/game/version_manifest.json",
		Paper:           "https://api.papermc.io",
		Purpur:          "https://api.purpurmc.org",
		FabricMeta:      "https://meta.fabricmc.net",
		QuiltMeta:       "https://meta.quiltmc.org",
		JarMirror:       "https://download.getbukkit.org",
		ForgeMaven:      "https://maven.minecraftforge.net",
		ForgePromotions: "https://files.minecraftforge.net/net/minecraftforge/forge/promotions_slim.json",
		NeoForgeMaven:   "https://maven.neoforged.net",
	}
}

const (
	metadataTimeout = 30 * time.Second

	retryMax     = 3
	retryWaitMin = 500 * time.Millisecond
	retryWaitMax = 5 * time.Second
)

type Resolver struct {
	http      *retryablehttp.Client
	endpoints Endpoints
	logger    *zap.Logger
}

func NewResolver(logger *zap.Logger) *Resolver {
	return NewResolverWithEndpoints(DefaultEndpoints(), logger)
}

func NewResolverWithEndpoints(endpoints Endpoints, logger *zap.Logger) *Resolver {
	client := retryablehttp.NewClient()
	client.RetryMax = retryMax
	client.RetryWaitMin = retryWaitMin
	client.RetryWaitMax = retryWaitMax
	client.HTTPClient.Timeout = metadataTimeout
	client.Logger = nil
	client.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		if err != nil {
			return true, nil
		}

		return resp.StatusCode >= http.StatusInternalServerError, nil
	}

	return &Resolver{
		http:      client,
		endpoints: endpoints,
		logger:    logger,
	}
}

// Resolve produces the fetch plan for one engine version.
func (r *Resolver) Resolve(ctx context.Context, engine registry.Engine, version string) (*FetchPlan, error) {
	switch engine {
	case registry.EngineVanilla:
		return r.resolveVanilla(ctx, version)
	case registry.EnginePaper:
		return r.resolvePaperProject(ctx, "paper", version)
	case registry.EngineFolia:
		return r.resolvePaperProject(ctx, "folia", version)
	case registry.EnginePurpur:
		return r.resolvePurpur(ctx, version)
	case registry.EngineFabric:
		return r.resolveFabric(version)
	case registry.EngineQuilt:
		return r.resolveQuilt(version)
	case registry.EngineSpigot:
		return r.mirrorPlan("spigot", version), nil
	case registry.EngineBukkit:
		return r.mirrorPlan("craftbukkit", version), nil
	case registry.EngineForge:
		return r.resolveForge(version)
	case registry.EngineNeoForge:
		return r.resolveNeoForge(version), nil
	default:
		return nil, apierr.New(apierr.InvalidRequest, "unsupported engine %q", engine)
	}
}

func (r *Resolver) resolveVanilla(ctx context.Context, version string) (*FetchPlan, error) {
	manifest, err := r.fetch(ctx, r.endpoints.MojangManifest)
	if err != nil {
		return nil, err
	}

	detailURL := gjson.GetBytes(manifest, fmt.Sprintf(`versions.#(id=="%s").url`, version)).String()
	if detailURL == "" {
		return nil, apierr.New(apierr.ManifestMissing, "version %q is not in the launcher manifest", version)
	}

	detail, err := r.fetch(ctx, detailURL)
	if err != nil {
		return nil, err
	}

	serverURL := gjson.GetBytes(detail, "downloads.server.url").String()
	if serverURL == "" {
		return nil, apierr.New(apierr.ManifestMissing, "version %q publishes no server jar", version)
	}

	return &FetchPlan{Kind: PlanDirectJar, URL: serverURL}, nil
}

func (r *Resolver) resolvePaperProject(ctx context.Context, project, version string) (*FetchPlan, error) {
	base := fmt.Sprintf("%s/v2/projects/%s/versions/%s/builds", r.endpoints.Paper, project, version)
	body, err := r.fetch(ctx, base)
	if err != nil {
		return nil, err
	}

	builds := gjson.GetBytes(body, "builds").Array()
	if len(builds) == 0 {
		return nil, apierr.New(apierr.ManifestMissing, "%s has no builds for version %q", project, version)
	}

	latest := builds[len(builds)-1]
	build := latest.Get("build").Int()
	jar := latest.Get("downloads.application.name").String()
	if build == 0 || jar == "" {
		return nil, apierr.New(apierr.ManifestMissing, "%s build metadata for %q is incomplete", project, version)
	}

	url := fmt.Sprintf("%s/v2/projects/%s/versions/%s/builds/%d/downloads/%s",
		r.endpoints.Paper, project, version, build, jar)

	return &FetchPlan{Kind: PlanDirectJar, URL: url}, nil
}

func (r *Resolver) resolvePurpur(ctx context.Context, version string) (*FetchPlan, error) {
	body, err := r.fetch(ctx, fmt.Sprintf("%s/v2/purpur/%s", r.endpoints.Purpur, version))
	if err != nil {
		return nil, err
	}

	build := gjson.GetBytes(body, "builds.latest").String()
	if build == "" {
		return nil, apierr.New(apierr.ManifestMissing, "purpur has no builds for version %q", version)
	}

	url := fmt.Sprintf("%s/v2/purpur/%s/%s/download", r.endpoints.Purpur, version, build)

	return &FetchPlan{Kind: PlanDirectJar, URL: url}, nil
}

// loaderSuffixRe matches the dotted loader version that may trail the game
// version, e.g. the 0.15.11 in 1.20.4-0.15.11. Release candidates such as
// 1.21-rc1 must not split.
var loaderSuffixRe = regexp.MustCompile(`^\d+\.\d+(\.\d+)?$`)

func splitLoaderVersion(version string) (game, loader string) {
	idx := strings.LastIndex(version, "-")
	if idx > 0 && loaderSuffixRe.MatchString(version[idx+1:]) {
		return version[:idx], version[idx+1:]
	}

	return version, "latest"
}

func (r *Resolver) resolveFabric(version string) (*FetchPlan, error) {
	game, loader := splitLoaderVersion(version)
	url := fmt.Sprintf("%s/v2/versions/loader/%s/%s/latest/server/jar", r.endpoints.FabricMeta, game, loader)

	return &FetchPlan{Kind: PlanDirectJar, URL: url}, nil
}

func (r *Resolver) resolveQuilt(version string) (*FetchPlan, error) {
	game, loader := splitLoaderVersion(version)
	url := fmt.Sprintf("%s/v3/versions/loader/%s/%s/latest/server/jar", r.endpoints.QuiltMeta, game, loader)

	return &FetchPlan{Kind: PlanDirectJar, URL: url}, nil
}

func (r *Resolver) mirrorPlan(flavor, version string) *FetchPlan {
	url := fmt.Sprintf("%s/%s/%s-%s.jar", r.endpoints.JarMirror, flavor, flavor, version)

	return &FetchPlan{Kind: PlanDirectJar, URL: url}
}

func (r *Resolver) resolveForge(version string) (*FetchPlan, error) {
	if !strings.Contains(version, "-") {
		return nil, apierr.New(apierr.InvalidRequest,
			"forge versions combine game and loader as {game}-{forge}, e.g. 1.20.1-47.2.0; got %q", version)
	}

	name := fmt.Sprintf("forge-%s-installer.jar", version)
	url := fmt.Sprintf("%s/net/minecraftforge/forge/%s/%s", r.endpoints.ForgeMaven, version, name)

	return &FetchPlan{
		Kind:     PlanInstallerRun,
		URL:      url,
		FileName: name,
		Argv:     []string{"java", "-jar", name, "--installServer"},
	}, nil
}

func (r *Resolver) resolveNeoForge(version string) *FetchPlan {
	name := fmt.Sprintf("neoforge-%s-installer.jar", version)
	url := fmt.Sprintf("%s/releases/net/neoforged/neoforge/%s/%s", r.endpoints.NeoForgeMaven, version, name)

	return &FetchPlan{
		Kind:     PlanInstallerRun,
		URL:      url,
		FileName: name,
		Argv:     []string{"java", "-jar", name, "--installServer"},
	}
}

// Versions lists what the engine's upstream publishes, newest first.
func (r *Resolver) Versions(ctx context.Context, engine registry.Engine) ([]Info, error) {
	var (
		infos []Info
		err   error
	)

	switch engine {
	case registry.EngineVanilla:
		infos, err = r.vanillaVersions(ctx, false)
	case registry.EngineSpigot, registry.EngineBukkit:
		// The mirror has no index; game releases are what it keys on.
		infos, err = r.vanillaVersions(ctx, true)
	case registry.EnginePaper:
		infos, err = r.paperProjectVersions(ctx, "paper")
	case registry.EngineFolia:
		infos, err = r.paperProjectVersions(ctx, "folia")
	case registry.EnginePurpur:
		infos, err = r.purpurVersions(ctx)
	case registry.EngineFabric:
		infos, err = r.loaderGameVersions(ctx, r.endpoints.FabricMeta+"/v2/versions/game")
	case registry.EngineQuilt:
		infos, err = r.loaderGameVersions(ctx, r.endpoints.QuiltMeta+"/v3/versions/game")
	case registry.EngineForge:
		infos, err = r.forgeVersions(ctx)
	case registry.EngineNeoForge:
		infos, err = r.neoForgeVersions(ctx)
	default:
		return nil, apierr.New(apierr.InvalidRequest, "unsupported engine %q", engine)
	}
	if err != nil {
		return nil, err
	}

	sortNewestFirst(infos)

	return infos, nil
}

func (r *Resolver) vanillaVersions(ctx context.Context, releasesOnly bool) ([]Info, error) {
	manifest, err := r.fetch(ctx, r.endpoints.MojangManifest)
	if err != nil {
		return nil, err
	}

	var infos []Info
	gjson.GetBytes(manifest, "versions").ForEach(func(_, value gjson.Result) bool {
		id := value.Get("id").String()
		channel := mojangChannel(value.Get("type").String())
		if releasesOnly && channel != "release" {
			return true
		}
		infos = append(infos, Info{Version: id, Channel: channel, GameVersion: id})

		return true
	})

	return infos, nil
}

func mojangChannel(typ string) string {
	switch typ {
	case "release":
		return "release"
	case "snapshot":
		return "beta"
	default:
		return "alpha"
	}
}

func (r *Resolver) paperProjectVersions(ctx context.Context, project string) ([]Info, error) {
	body, err := r.fetch(ctx, fmt.Sprintf("%s/v2/projects/%s", r.endpoints.Paper, project))
	if err != nil {
		return nil, err
	}

	var infos []Info
	gjson.GetBytes(body, "versions").ForEach(func(_, value gjson.Result) bool {
		v := value.String()
		infos = append(infos, Info{Version: v, Channel: "release", GameVersion: v})

		return true
	})

	return infos, nil
}

func (r *Resolver) purpurVersions(ctx context.Context) ([]Info, error) {
	body, err := r.fetch(ctx, r.endpoints.Purpur+"/v2/purpur")
	if err != nil {
		return nil, err
	}

	var infos []Info
	gjson.GetBytes(body, "versions").ForEach(func(_, value gjson.Result) bool {
		v := value.String()
		infos = append(infos, Info{Version: v, Channel: "release", GameVersion: v})

		return true
	})

	return infos, nil
}

func (r *Resolver) loaderGameVersions(ctx context.Context, url string) ([]Info, error) {
	body, err := r.fetch(ctx, url)
	if err != nil {
		return nil, err
	}

	var infos []Info
	gjson.ParseBytes(body).ForEach(func(_, value gjson.Result) bool {
		v := value.Get("version").String()
		channel := "beta"
		if value.Get("stable").Bool() {
			channel = "release"
		}
		infos = append(infos, Info{Version: v, Channel: channel, GameVersion: v})

		return true
	})

	return infos, nil
}

func (r *Resolver) forgeVersions(ctx context.Context) ([]Info, error) {
	body, err := r.fetch(ctx, r.endpoints.ForgePromotions)
	if err != nil {
		return nil, err
	}

	var infos []Info
	gjson.GetBytes(body, "promos").ForEach(func(key, value gjson.Result) bool {
		game, tag, ok := strings.Cut(key.String(), "-")
		if !ok {
			return true
		}

		channel := "beta"
		if tag == "recommended" {
			channel = "release"
		}

		infos = append(infos, Info{
			Version:     game + "-" + value.String(),
			Channel:     channel,
			GameVersion: game,
		})

		return true
	})

	return infos, nil
}

func (r *Resolver) neoForgeVersions(ctx context.Context) ([]Info, error) {
	url := r.endpoints.NeoForgeMaven + "/api/maven/versions/releases/net/neoforged/neoforge"
	body, err := r.fetch(ctx, url)
	if err != nil {
		return nil, err
	}

	var infos []Info
	gjson.GetBytes(body, "versions").ForEach(func(_, value gjson.Result) bool {
		v := value.String()
		channel := "release"
		if strings.Contains(v, "beta") {
			channel = "beta"
		}

		infos = append(infos, Info{
			Version:     v,
			Channel:     channel,
			GameVersion: NeoForgeGameVersion(v),
		})

		return true
	})

	return infos, nil
}

// NeoForgeGameVersion derives the game version a NeoForge release targets
// from its own version number: 20.4.237 targets 1.20.4, 21.0.30 targets
// 1.21. From 1.21 on, Mojang writes x.0 releases without the trailing zero.
func NeoForgeGameVersion(version string) string {
	base, _, _ := strings.Cut(version, "-")
	parts := strings.Split(base, ".")
	if len(parts) < 2 {
		return ""
	}

	major, err1 := strconv.Atoi(parts[0])
	minor, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil {
		return ""
	}

	if major >= 21 && minor == 0 {
		return fmt.Sprintf("1.%d", major)
	}

	return fmt.Sprintf("1.%d.%d", major, minor)
}

// sortNewestFirst orders by semver descending where both sides parse and
// keeps the upstream order otherwise.
func sortNewestFirst(infos []Info) {
	parsed := make([]*semver.Version, len(infos))
	for i := range infos {
		if v, err := semver.NewVersion(infos[i].Version); err == nil {
			parsed[i] = v
		}
	}

	sort.SliceStable(infos, func(i, j int) bool {
		if parsed[i] == nil || parsed[j] == nil {
			return false
		}

		return parsed[i].GreaterThan(parsed[j])
	})
}

func (r *Resolver) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building request for %q: %w", url, err)
	}

	resp, err := r.http.Do(req)
	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			return nil, apierr.Wrap(apierr.Timeout, err, "request to %s timed out", url)
		case errors.Is(err, context.Canceled):
			return nil, apierr.Wrap(apierr.CancelledByCaller, err, "request to %s was cancelled", url)
		default:
			return nil, apierr.Wrap(apierr.UpstreamUnavailable, err, "request to %s failed", url)
		}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound:
		return nil, apierr.New(apierr.ManifestMissing, "upstream has no entry at %s", url)
	default:
		return nil, apierr.New(apierr.UpstreamUnavailable, "upstream returned status %d for %s", resp.StatusCode, url)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apierr.Wrap(apierr.UpstreamUnavailable, err, "reading response from %s", url)
	}

	return body, nil
}
