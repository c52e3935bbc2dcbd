// Package app wires process-level context: where the workspace is, where
// global state lives, and who is acting.
package app

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gaffer/internal/config"
	"gaffer/internal/db"
)

// Environment variables honored everywhere. Flags win over all of them.
const (
	EnvWorkspace = "GAFFER_WORKSPACE"
	EnvActor     = "GAFFER_ACTOR"
	EnvSession   = "GAFFER_SESSION"
	EnvHome      = "GAFFER_HOME"
)

// ErrNoWorkspace means no ancestor directory carries a .gaffer marker.
var ErrNoWorkspace = errors.New("no workspace found; run gf init")

// FindWorkspace locates the workspace root. An override must already be a
// workspace; otherwise the search walks from dir toward the filesystem root.
func FindWorkspace(dir, override string) (string, error) {
	if override != "" {
		abs, err := filepath.Abs(override)
		if err != nil {
			return "", err
		}
		if !hasMarker(abs) {
			return "", fmt.Errorf("no workspace at %s; run gf init there first", abs)
		}
		return abs, nil
	}
	cur, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	for {
		if hasMarker(cur) {
			return cur, nil
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return "", ErrNoWorkspace
		}
		cur = parent
	}
}

func hasMarker(dir string) bool {
	info, err := os.Stat(filepath.Join(dir, db.WorkspaceDir))
	return err == nil && info.IsDir()
}

// IsWorkspace reports whether dir is a workspace root.
func IsWorkspace(dir string) bool {
	return hasMarker(dir)
}

// Home returns the global state directory, ~/.gaffer by default; GAFFER_HOME
// overrides it, which tests rely on.
func Home() (string, error) {
	if v := os.Getenv(EnvHome); v != "" {
		return v, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".gaffer"), nil
}

// GlobalPaths names everything under the global home.
type GlobalPaths struct {
	Root string
}

func NewGlobalPaths(root string) GlobalPaths {
	return GlobalPaths{Root: root}
}

func (g GlobalPaths) RegistryDB() string {
	return filepath.Join(g.Root, "workers.db")
}

func (g GlobalPaths) ConfigTOML() string {
	return filepath.Join(g.Root, config.GlobalFileName)
}

func (g GlobalPaths) LogsDir() string {
	return filepath.Join(g.Root, "logs")
}

func (g GlobalPaths) WorkerLogDir(workerID string) string {
	return filepath.Join(g.LogsDir(), workerID)
}

func (g GlobalPaths) RunLog(workerID, runID string) string {
	return filepath.Join(g.WorkerLogDir(workerID), runID+".log")
}

func (g GlobalPaths) DaemonDir() string {
	return filepath.Join(g.Root, "daemon")
}

func (g GlobalPaths) Socket() string {
	return filepath.Join(g.DaemonDir(), "gafferd.sock")
}

func (g GlobalPaths) PIDFile() string {
	return filepath.Join(g.DaemonDir(), "gafferd.pid")
}

func (g GlobalPaths) DaemonLog() string {
	return filepath.Join(g.DaemonDir(), "daemon.log")
}

// Ensure creates the global directory tree. The daemon directory is 0700;
// socket access is the auth boundary.
func (g GlobalPaths) Ensure() error {
	if err := os.MkdirAll(g.Root, 0o755); err != nil {
		return err
	}
	if err := os.MkdirAll(g.LogsDir(), 0o755); err != nil {
		return err
	}
	return os.MkdirAll(g.DaemonDir(), 0o700)
}

// Actor resolves the acting identity: explicit value (flag or env via the
// CLI), workspace config default, $USER, then "local".
func Actor(explicit string, cfg *config.Config) string {
	if explicit != "" {
		return explicit
	}
	if cfg != nil && cfg.DefaultActor != "" {
		return cfg.DefaultActor
	}
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "local"
}

// Session returns the ambient session id, if any.
func Session(explicit string) string {
	if explicit != "" {
		return explicit
	}
	return os.Getenv(EnvSession)
}
