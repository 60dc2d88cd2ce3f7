package config

import (
	"os"
	"os/exec"
	"strings"
)

// RuntimeMode represents the execution environment
type RuntimeMode string

const (
	// DockerMode indicates running inside a container (dev containers, codespaces)
	DockerMode RuntimeMode = "docker"
	// NativeMode indicates running on the host system
	NativeMode RuntimeMode = "native"
)

// RuntimeInfo describes where the dev server runs and which defaults fit there.
type RuntimeInfo struct {
	Mode    RuntimeMode
	HomeDir string
	WorkDir string
	Shell   string
}

// DetectRuntime determines the current runtime environment.
func DetectRuntime() RuntimeInfo {
	info := RuntimeInfo{Mode: detectMode()}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = os.Getenv("HOME")
		if homeDir == "" {
			homeDir = "."
		}
	}
	info.HomeDir = homeDir

	if wd, err := os.Getwd(); err == nil {
		info.WorkDir = wd
	} else {
		info.WorkDir = "."
	}

	info.Shell = detectShell(info.Mode)
	return info
}

// IsDocker returns true if running in Docker mode
func (ri RuntimeInfo) IsDocker() bool {
	return ri.Mode == DockerMode
}

func detectMode() RuntimeMode {
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return DockerMode
	}

	if data, err := os.ReadFile("/proc/1/cgroup"); err == nil {
		if strings.Contains(string(data), "docker") || strings.Contains(string(data), "containerd") {
			return DockerMode
		}
	}

	if os.Getenv("BANANA_CONTAINER") == "true" {
		return DockerMode
	}

	return NativeMode
}

// detectShell prefers $SHELL on the host. Containers often set SHELL to a
// login shell that is not installed, so there we probe bash first.
func detectShell(mode RuntimeMode) string {
	candidates := []string{"bash", "sh"}
	if s := os.Getenv("SHELL"); s != "" {
		if mode == NativeMode {
			candidates = append([]string{s}, candidates...)
		} else {
			candidates = append(candidates, s)
		}
	}

	for _, c := range candidates {
		if p, err := exec.LookPath(c); err == nil {
			return p
		}
	}
	return "/bin/sh"
}
