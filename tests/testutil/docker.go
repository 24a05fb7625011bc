package testutil

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// DockerTestEnv manages Docker Compose lifecycle for integration tests
type DockerTestEnv struct {
	t           *testing.T
	composePath string
	services    []string
	started     bool
	projectName string
	ports       map[string]map[int]int // service -> containerPort -> hostPort
}

// servicePorts lists the container ports of every compose service.
var servicePorts = map[string][]int{
	"redis":      {6379},
	"postgres":   {5432},
	"mysql":      {3306},
	"localstack": {4566},
}

// StartDockerEnv starts Docker Compose services for integration testing
func StartDockerEnv(t *testing.T, services []string) *DockerTestEnv {
	t.Helper()

	SkipIfDockerUnavailable(t)
	clearBackendEnvVars(t)

	composePath := findDockerComposePath(t)
	if composePath == "" {
		t.Fatal("docker-compose.yml not found in tests/integration/")
	}

	env := &DockerTestEnv{
		t:           t,
		composePath: composePath,
		services:    services,
		projectName: fmt.Sprintf("camcreds-test-%d", time.Now().UnixNano()),
	}
	env.start()
	t.Cleanup(env.Stop)

	if err := env.WaitForHealthy(90 * time.Second); err != nil {
		t.Fatalf("Docker services failed to become healthy: %v", err)
	}
	if err := env.discoverPorts(); err != nil {
		t.Fatalf("Failed to discover ports: %v", err)
	}
	return env
}

// clearBackendEnvVars clears variables that SDKs read ahead of the test
// configuration.
func clearBackendEnvVars(t *testing.T) {
	t.Helper()

	for _, name := range []string{
		"AWS_ENDPOINT_URL",
		"AWS_ENDPOINT_URL_SECRETSMANAGER",
		"AWS_PROFILE",
		"PGHOST",
		"PGPORT",
	} {
		if _, ok := os.LookupEnv(name); ok {
			t.Setenv(name, "")
			_ = os.Unsetenv(name)
		}
	}
}

// SkipIfDockerUnavailable skips the test if Docker is not available
func SkipIfDockerUnavailable(t *testing.T) {
	t.Helper()

	if !IsDockerAvailable() {
		t.Skip("Docker not available, skipping integration test")
	}
}

// IsDockerAvailable checks if Docker and Compose v2 are available
func IsDockerAvailable() bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	if err := exec.Command("docker", "ps").Run(); err != nil {
		return false
	}
	return exec.Command("docker", "compose", "version").Run() == nil
}

func (e *DockerTestEnv) compose(args ...string) *exec.Cmd {
	full := append([]string{"compose", "-f", e.composePath, "-p", e.projectName}, args...)
	cmd := exec.Command("docker", full...)
	cmd.Dir = filepath.Dir(e.composePath)
	return cmd
}

func (e *DockerTestEnv) start() {
	e.t.Helper()

	cmd := e.compose(append([]string{"up", "-d"}, e.services...)...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	e.t.Logf("Starting Docker services: %v", e.services)
	if err := cmd.Run(); err != nil {
		e.t.Fatalf("Failed to start Docker services: %v", err)
	}
	e.started = true
}

// Stop stops and removes Docker Compose services
func (e *DockerTestEnv) Stop() {
	if !e.started {
		return
	}
	cmd := e.compose("down", "-v")
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		e.t.Logf("Warning: Failed to stop Docker services: %v", err)
	}
	e.started = false
}

// WaitForHealthy waits for all services to be healthy
func (e *DockerTestEnv) WaitForHealthy(timeout time.Duration) error {
	e.t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for services to be healthy")
		case <-ticker.C:
			if e.checkHealth() {
				e.t.Logf("All services are healthy")
				return nil
			}
		}
	}
}

func (e *DockerTestEnv) checkHealth() bool {
	for _, service := range e.services {
		containerName := fmt.Sprintf("%s-%s-1", e.projectName, service)

		output, err := exec.Command("docker", "inspect",
			"--format", "{{if .State.Health}}{{.State.Health.Status}}{{else}}{{.State.Status}}{{end}}",
			containerName).Output()
		if err != nil {
			return false
		}
		switch strings.TrimSpace(string(output)) {
		case "healthy", "running":
		default:
			return false
		}
	}
	return true
}

func (e *DockerTestEnv) discoverPorts() error {
	e.ports = make(map[string]map[int]int)

	for _, service := range e.services {
		ports, ok := servicePorts[service]
		if !ok {
			continue
		}
		e.ports[service] = make(map[int]int)

		for _, containerPort := range ports {
			output, err := e.compose("port", service, fmt.Sprintf("%d", containerPort)).Output()
			if err != nil {
				return fmt.Errorf("failed to get port for %s:%d: %w", service, containerPort, err)
			}

			// "0.0.0.0:32768" -> 32768
			portStr := strings.TrimSpace(string(output))
			idx := strings.LastIndex(portStr, ":")
			if idx < 0 {
				return fmt.Errorf("unexpected port output format: %s", portStr)
			}
			hostPort := 0
			if _, err := fmt.Sscanf(portStr[idx+1:], "%d", &hostPort); err != nil {
				return fmt.Errorf("failed to parse host port from %s: %w", portStr, err)
			}
			e.ports[service][containerPort] = hostPort
			e.t.Logf("Discovered port mapping: %s:%d -> localhost:%d", service, containerPort, hostPort)
		}
	}
	return nil
}

// GetPort returns the host port for a service's container port
func (e *DockerTestEnv) GetPort(service string, containerPort int) int {
	if ports, ok := e.ports[service]; ok {
		if hostPort, ok := ports[containerPort]; ok {
			return hostPort
		}
	}
	return containerPort
}

// RedisAddr returns the Redis address with dynamic port
func (e *DockerTestEnv) RedisAddr() string {
	return fmt.Sprintf("127.0.0.1:%d", e.GetPort("redis", 6379))
}

// PostgresDSN returns the PostgreSQL connection string with dynamic port
func (e *DockerTestEnv) PostgresDSN() string {
	return fmt.Sprintf("host=127.0.0.1 port=%d user=test password=test-password dbname=testdb sslmode=disable",
		e.GetPort("postgres", 5432))
}

// MySQLDSN returns the MySQL connection string with dynamic port
func (e *DockerTestEnv) MySQLDSN() string {
	return fmt.Sprintf("test:test-password@tcp(127.0.0.1:%d)/testdb?parseTime=true", e.GetPort("mysql", 3306))
}

// LocalStackEndpoint returns the LocalStack endpoint with dynamic port
func (e *DockerTestEnv) LocalStackEndpoint() string {
	return fmt.Sprintf("http://127.0.0.1:%d", e.GetPort("localstack", 4566))
}

// StoreConfig returns the settings store type and configuration for a
// compose service.
func (e *DockerTestEnv) StoreConfig(service string) (string, map[string]any) {
	switch service {
	case "redis":
		return "redis", map[string]any{"addr": e.RedisAddr(), "prefix": e.projectName}
	case "postgres":
		return "sql", map[string]any{"driver": "postgresql", "dsn": e.PostgresDSN()}
	case "mysql":
		return "sql", map[string]any{"driver": "mysql", "dsn": e.MySQLDSN()}
	}
	e.t.Fatalf("no store for service %s", service)
	return "", nil
}

// LocalStackVaultConfig returns an aws vault configuration pointing at
// LocalStack, with the dummy credentials it accepts.
func (e *DockerTestEnv) LocalStackVaultConfig() map[string]any {
	return map[string]any{
		"region":            "us-east-1",
		"endpoint":          e.LocalStackEndpoint(),
		"access_key_id":     "test",
		"secret_access_key": "test",
		"prefix":            e.projectName + "/",
	}
}

// findDockerComposePath finds tests/integration/docker-compose.yml from
// the module root.
func findDockerComposePath(t *testing.T) string {
	t.Helper()

	wd, err := os.Getwd()
	if err != nil {
		return ""
	}
	for dir := wd; ; dir = filepath.Dir(dir) {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			path := filepath.Join(dir, "tests", "integration", "docker-compose.yml")
			if _, err := os.Stat(path); err == nil {
				return path
			}
			return ""
		}
		if filepath.Dir(dir) == dir {
			return ""
		}
	}
}
