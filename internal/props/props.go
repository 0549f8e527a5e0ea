// Package props renders the on-disk configuration a server reads at boot:
// server.properties, the EULA acceptance file, and the JVM argument file
// loader-generated launch scripts source.
package props

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	shellparse "github.com/arkady-emelyanov/go-shellparse"

	"github.com/craftplane/craftplane/internal/apierr"
	"github.com/craftplane/craftplane/internal/install"
	"github.com/craftplane/craftplane/internal/registry"
)

const (
	PropertiesFileName = "server.properties"
	EULAFileName       = "eula.txt"
	JVMArgsFileName    = "user_jvm_args.txt"

	// The remote console listens beside the game port so one record pins
	// both. The password is fixed: the console is only reachable from the
	// panel's network and the panel itself is the only intended client.
	RconPortOffset = 10000
	rconPassword   = "craftplane"

	// Initial heap never exceeds this, however large the max heap is.
	initialHeapCapMB = 1024
)

// WriteAll renders every config file the server needs before launch.
// Output is deterministic for a given record so repeated starts do not
// churn the directory.
func WriteAll(dir string, server *registry.Server, overrides map[string]string, runnable *install.Runnable, defaultJavaOpts string) error {
	if err := writeAtomic(filepath.Join(dir, PropertiesFileName), renderProperties(server, overrides)); err != nil {
		return fmt.Errorf("writing %s: %w", PropertiesFileName, err)
	}

	if err := writeAtomic(filepath.Join(dir, EULAFileName), []byte("eula=true\n")); err != nil {
		return fmt.Errorf("writing %s: %w", EULAFileName, err)
	}

	if needsJVMArgsFile(server.Engine, runnable) {
		content, err := renderJVMArgs(server, defaultJavaOpts)
		if err != nil {
			return err
		}
		if err := writeAtomic(filepath.Join(dir, JVMArgsFileName), content); err != nil {
			return fmt.Errorf("writing %s: %w", JVMArgsFileName, err)
		}
	}

	return nil
}

// needsJVMArgsFile reports whether the launcher reads its JVM flags from
// user_jvm_args.txt instead of the command line. Forge and NeoForge run
// scripts do.
func needsJVMArgsFile(engine registry.Engine, runnable *install.Runnable) bool {
	if runnable == nil || runnable.Kind != install.KindScript {
		return false
	}

	return engine == registry.EngineForge || engine == registry.EngineNeoForge
}

func renderProperties(server *registry.Server, overrides map[string]string) []byte {
	props := map[string]string{
		"max-players": strconv.Itoa(server.Options.MaxPlayers),
		"difficulty":  server.Options.Difficulty,
		"gamemode":    server.Options.Gamemode,
		"pvp":         strconv.FormatBool(server.Options.PVP),
		"white-list":  strconv.FormatBool(server.Options.Whitelist),
		"online-mode": strconv.FormatBool(server.Options.OnlineMode),
	}

	motd := server.Options.MOTD
	if motd == "" {
		motd = server.Name
	}
	props["motd"] = motd

	if server.Options.Seed != "" {
		props["level-seed"] = server.Options.Seed
	}

	// Stored per-server properties override the option-derived ones.
	for key, value := range overrides {
		props[key] = value
	}

	// Managed keys always reflect the record, after overrides, so a user
	// edit cannot detach the supervisor from its server.
	props["server-port"] = strconv.Itoa(server.Port)
	props["enable-rcon"] = "true"
	props["rcon.port"] = strconv.Itoa(server.Port + RconPortOffset)
	props["rcon.password"] = rconPassword

	keys := make([]string, 0, len(props))
	for key := range props {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString("#Minecraft server properties\n")
	for _, key := range keys {
		sb.WriteString(key)
		sb.WriteByte('=')
		sb.WriteString(props[key])
		sb.WriteByte('\n')
	}

	return []byte(sb.String())
}

// JavaArgs builds the JVM flags for a direct jar launch: heap sizing from
// the record plus the user's extra options.
func JavaArgs(server *registry.Server, defaultJavaOpts string) ([]string, error) {
	args := []string{
		fmt.Sprintf("-Xmx%dM", server.Memory),
		fmt.Sprintf("-Xms%dM", initialHeapMB(server.Memory)),
	}

	extra, err := userJavaOpts(server, defaultJavaOpts)
	if err != nil {
		return nil, err
	}

	return append(args, extra...), nil
}

func renderJVMArgs(server *registry.Server, defaultJavaOpts string) ([]byte, error) {
	args, err := JavaArgs(server, defaultJavaOpts)
	if err != nil {
		return nil, err
	}

	var sb strings.Builder
	sb.WriteString("# JVM arguments managed by craftplane; edit memory via the panel.\n")
	for _, arg := range args {
		sb.WriteString(arg)
		sb.WriteByte('\n')
	}

	return []byte(sb.String()), nil
}

func userJavaOpts(server *registry.Server, defaultJavaOpts string) ([]string, error) {
	opts := server.JavaOpts
	if opts == "" {
		opts = defaultJavaOpts
	}
	if opts == "" {
		return nil, nil
	}

	parsed, err := shellparse.StringToSlice(opts)
	if err != nil {
		return nil, apierr.Wrap(apierr.InvalidRequest, err, "java options for %q do not tokenize", server.Name)
	}

	return parsed, nil
}

func initialHeapMB(memoryMB int) int {
	if memoryMB < initialHeapCapMB {
		return memoryMB
	}

	return initialHeapCapMB
}

func writeAtomic(path string, content []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+"-*")
	if err != nil {
		return err
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	if _, err := tmp.Write(content); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	return os.Rename(tmp.Name(), path)
}
