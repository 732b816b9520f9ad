package sandbox

import (
	"fmt"
	"sort"
	"strconv"
)

// ContainerLimits are the resource and isolation settings applied to every container run.
type ContainerLimits struct {
	Network   string `yaml:"network"`
	Memory    string `yaml:"memory"`
	CPUs      string `yaml:"cpus"`
	PidsLimit int    `yaml:"pids_limit"`
	TmpfsSize string `yaml:"tmpfs_size"`
}

// DefaultContainerLimits returns no network, 512m memory, one CPU, 256 processes
// and a 100m scratch area.
func DefaultContainerLimits() ContainerLimits {
	return ContainerLimits{
		Network:   "none",
		Memory:    "512m",
		CPUs:      "1",
		PidsLimit: 256,
		TmpfsSize: "100m",
	}
}

func (l ContainerLimits) withDefaults() ContainerLimits {
	d := DefaultContainerLimits()
	if l.Network == "" {
		l.Network = d.Network
	}
	if l.Memory == "" {
		l.Memory = d.Memory
	}
	if l.CPUs == "" {
		l.CPUs = d.CPUs
	}
	if l.PidsLimit <= 0 {
		l.PidsLimit = d.PidsLimit
	}
	if l.TmpfsSize == "" {
		l.TmpfsSize = d.TmpfsSize
	}
	return l
}

// containerWorkdir is where the repository is mounted inside the container.
const containerWorkdir = "/workspace"

// containerSpec is a single container invocation.
type containerSpec struct {
	Name     string
	Image    string
	RepoPath string
	Command  string
	Env      map[string]string
	Limits   ContainerLimits
}

// buildContainerArgs constructs the runtime arguments with isolation constraints.
// The repository is mounted read-only so concurrent runs cannot mutate it.
func buildContainerArgs(spec containerSpec) []string {
	limits := spec.Limits.withDefaults()

	args := []string{
		"run",
		"--rm", // Remove container after exit
	}
	if spec.Name != "" {
		args = append(args, "--name", spec.Name)
	}

	args = append(args,
		"--network="+limits.Network,
		"--memory="+limits.Memory,
		"--cpus="+limits.CPUs,
		"--read-only",
		fmt.Sprintf("--tmpfs=/tmp:rw,noexec,nosuid,size=%s", limits.TmpfsSize),
		"--cap-drop", "ALL",
		"--pids-limit", strconv.Itoa(limits.PidsLimit),
		"--security-opt", "no-new-privileges",
	)

	if spec.RepoPath != "" {
		args = append(args,
			"-v", fmt.Sprintf("%s:%s:ro", spec.RepoPath, containerWorkdir),
			"-w", containerWorkdir,
		)
	}

	keys := make([]string, 0, len(spec.Env))
	for k := range spec.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "-e", fmt.Sprintf("%s=%s", k, spec.Env[k]))
	}

	args = append(args, spec.Image, "/bin/sh", "-c", spec.Command)
	return args
}
