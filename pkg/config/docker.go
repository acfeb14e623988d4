package config

import (
	"os"
	"sync"
)

var (
	dockerenvPath  = "/.dockerenv"
	isDockerOnce   sync.Once
	isDockerResult bool
)

// IsRunningInDocker reports whether /.dockerenv exists. The result is cached.
func IsRunningInDocker() bool {
	isDockerOnce.Do(func() {
		_, err := os.Stat(dockerenvPath)
		isDockerResult = err == nil
	})
	return isDockerResult
}

// ResolveHostForDocker maps loopback warehouse hosts to host.docker.internal
// when running in a container, so a warehouse on the host machine stays
// reachable. Other hosts are returned unchanged.
func ResolveHostForDocker(host string) string {
	if !IsRunningInDocker() {
		return host
	}
	switch host {
	case "localhost", "127.0.0.1", "::1":
		return "host.docker.internal"
	}
	return host
}
