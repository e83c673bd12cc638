// Package device collects the descriptor passed to the session authority
// on register. The descriptor is opaque to the coordinator.
package device

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/host"

	"github.com/breeze-rmm/sessionguard/internal/logging"
	"github.com/breeze-rmm/sessionguard/pkg/api"
)

var log = logging.L("device")

const installIDFile = "install-id"

// Descriptor is an immutable snapshot of the device.
type Descriptor struct {
	Platform     string
	OS           string
	OSVersion    string
	Architecture string
	Hostname     string
	Language     string
	Timezone     string
	ScreenWidth  int
	ScreenHeight int
	TouchCapable bool
	InstallID    string
}

// Info converts the descriptor to its wire form.
func (d Descriptor) Info() api.DeviceInfo {
	return api.DeviceInfo{
		Platform:     d.Platform,
		OS:           d.OS,
		OSVersion:    d.OSVersion,
		Architecture: d.Architecture,
		Hostname:     d.Hostname,
		Language:     d.Language,
		Timezone:     d.Timezone,
		ScreenWidth:  d.ScreenWidth,
		ScreenHeight: d.ScreenHeight,
		TouchCapable: d.TouchCapable,
		InstallID:    d.InstallID,
	}
}

// Display holds screen properties a background process cannot observe.
type Display struct {
	Width  int
	Height int
	Touch  bool
}

// Collector gathers the descriptor exactly once.
type Collector struct {
	stateDir string
	display  Display
	hostInfo func(ctx context.Context) (*host.InfoStat, error)

	once sync.Once
	desc Descriptor
}

func NewCollector(stateDir string, display Display) *Collector {
	return &Collector{
		stateDir: stateDir,
		display:  display,
		hostInfo: host.InfoWithContext,
	}
}

// Descriptor returns the cached snapshot, collecting it on first use.
// Host lookup failures degrade to runtime values, never an error.
func (c *Collector) Descriptor(ctx context.Context) Descriptor {
	c.once.Do(func() {
		c.desc = c.collect(ctx)
	})
	return c.desc
}

func (c *Collector) collect(ctx context.Context) Descriptor {
	d := Descriptor{
		Platform:     runtime.GOOS,
		OS:           normalizeOSType(runtime.GOOS),
		Architecture: runtime.GOARCH,
		Language:     locale(),
		Timezone:     timezone(),
		ScreenWidth:  c.display.Width,
		ScreenHeight: c.display.Height,
		TouchCapable: c.display.Touch,
	}

	if info, err := c.hostInfo(ctx); err == nil && info != nil {
		d.Hostname = info.Hostname
		d.OS = normalizeOSType(info.OS)
		d.OSVersion = strings.TrimSpace(info.Platform + " " + info.PlatformVersion)
	} else if err != nil {
		log.Debug("host info unavailable", logging.KeyError, err)
	}

	id, err := LoadOrCreateInstallID(c.stateDir)
	if err != nil {
		log.Warn("install id not persisted, using ephemeral id", logging.KeyError, err)
		id = uuid.NewString()
	}
	d.InstallID = id
	return d
}

// LoadOrCreateInstallID returns the stable per-install identifier stored
// under stateDir, generating it on first call.
func LoadOrCreateInstallID(stateDir string) (string, error) {
	path := filepath.Join(stateDir, installIDFile)
	data, err := os.ReadFile(path)
	if err == nil {
		if id, perr := uuid.ParseBytes([]byte(strings.TrimSpace(string(data)))); perr == nil {
			return id.String(), nil
		}
		log.Warn("install id file corrupt, regenerating", "path", path)
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("read install id: %w", err)
	}

	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return "", fmt.Errorf("create state dir: %w", err)
	}
	id := uuid.NewString()
	if err := os.WriteFile(path, []byte(id+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("write install id: %w", err)
	}
	return id, nil
}

func normalizeOSType(os string) string {
	if os == "darwin" {
		return "macos"
	}
	return os
}

// locale reads the POSIX locale variables in precedence order and strips
// the encoding suffix: "en_US.UTF-8" becomes "en-US".
func locale() string {
	for _, key := range []string{"LC_ALL", "LC_MESSAGES", "LANG"} {
		v := os.Getenv(key)
		if v == "" || v == "C" || v == "POSIX" {
			continue
		}
		if i := strings.IndexAny(v, ".@"); i >= 0 {
			v = v[:i]
		}
		return strings.ReplaceAll(v, "_", "-")
	}
	return ""
}

func timezone() string {
	if tz := os.Getenv("TZ"); tz != "" {
		return strings.TrimPrefix(tz, ":")
	}
	name := time.Now().Location().String()
	if name == "Local" {
		name, _ = time.Now().Zone()
	}
	return name
}
