package container

import (
	"os"
	"strings"
)

// IsContainerised returns true if the current process is likely running inside
// a container. It checks for /.dockerenv, container-related cgroup entries and
// Kubernetes environment variables.
func IsContainerised() bool {
	return hasDockerEnvFile() || isInContainerCGroup() || isInKubernetesPod()
}

// hasDockerEnvFile checks for the /.dockerenv file, present in most Docker containers.
func hasDockerEnvFile() bool {
	_, err := os.Stat("/.dockerenv")
	return err == nil
}

// isInContainerCGroup checks for container runtimes in /proc/1/cgroup (docker, containerd, kubepods).
func isInContainerCGroup() bool {
	data, err := os.ReadFile("/proc/1/cgroup")
	if err != nil {
		return false
	}
	content := string(data)
	return strings.Contains(content, "docker") ||
		strings.Contains(content, "containerd") ||
		strings.Contains(content, "kubepods")
}

func isInKubernetesPod() bool {
	return os.Getenv("KUBERNETES_SERVICE_HOST") != ""
}
