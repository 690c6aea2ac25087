package runtime

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Karnemorkon/matrix-dendrite-setup/internal/process"
)

const defaultLogTail = 100

// DockerCLI drives containers through the docker binary and the compose
// plugin. Short calls go through Runner; pull and recreate go through
// UpdateRunner, which usually carries a much longer timeout.
type DockerCLI struct {
	Binary       string
	ComposeFile  string
	Runner       process.Runner
	UpdateRunner process.Runner
}

func NewDockerCLI(binary, composeFile string, runner, updateRunner process.Runner) *DockerCLI {
	if binary == "" {
		binary = "docker"
	}
	if updateRunner == nil {
		updateRunner = runner
	}
	return &DockerCLI{Binary: binary, ComposeFile: composeFile, Runner: runner, UpdateRunner: updateRunner}
}

type psLine struct {
	ID        string `json:"ID"`
	Names     string `json:"Names"`
	Image     string `json:"Image"`
	State     string `json:"State"`
	Ports     string `json:"Ports"`
	CreatedAt string `json:"CreatedAt"`
}

func (d *DockerCLI) List(ctx context.Context) ([]Container, error) {
	res, err := d.Runner.Run(ctx, d.Binary, "ps", "-a", "--no-trunc", "--format", "{{json .}}")
	if err != nil {
		return nil, newError("list", "", res.Combined(), err)
	}
	return parsePS(res.Stdout)
}

func parsePS(out []byte) ([]Container, error) {
	containers := make([]Container, 0)
	sc := bufio.NewScanner(strings.NewReader(string(out)))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var p psLine
		if err := json.Unmarshal([]byte(line), &p); err != nil {
			return nil, newError("list", "", line, fmt.Errorf("decode ps output: %w", err))
		}
		name, _, _ := strings.Cut(p.Names, ",")
		c := Container{
			ID:     p.ID,
			Name:   strings.TrimPrefix(name, "/"),
			Status: StatusFromState(p.State),
			State:  p.State,
			Image:  p.Image,
			Ports:  splitPorts(p.Ports),
		}
		if t, err := time.Parse("2006-01-02 15:04:05 -0700 MST", p.CreatedAt); err == nil {
			c.CreatedAt = t.UTC()
		}
		containers = append(containers, c)
	}
	if err := sc.Err(); err != nil {
		return nil, newError("list", "", "", fmt.Errorf("read ps output: %w", err))
	}
	return containers, nil
}

func splitPorts(raw string) []string {
	ports := make([]string, 0)
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			ports = append(ports, p)
		}
	}
	return ports
}

func (d *DockerCLI) Start(ctx context.Context, name string) error {
	return d.lifecycle(ctx, "start", name)
}

func (d *DockerCLI) Stop(ctx context.Context, name string) error {
	return d.lifecycle(ctx, "stop", name)
}

func (d *DockerCLI) Restart(ctx context.Context, name string) error {
	return d.lifecycle(ctx, "restart", name)
}

func (d *DockerCLI) lifecycle(ctx context.Context, op, name string) error {
	if strings.TrimSpace(name) == "" || strings.HasPrefix(name, "-") {
		return notFound(op, name)
	}
	res, err := d.Runner.Run(ctx, d.Binary, op, name)
	if err != nil {
		return d.classify(op, name, res, err)
	}
	return nil
}

func (d *DockerCLI) Logs(ctx context.Context, name string, tail int) (string, error) {
	if strings.TrimSpace(name) == "" || strings.HasPrefix(name, "-") {
		return "", notFound("logs", name)
	}
	if tail <= 0 {
		tail = defaultLogTail
	}
	res, err := d.Runner.Run(ctx, d.Binary, "logs", "--tail", strconv.Itoa(tail), name)
	if err != nil {
		return "", d.classify("logs", name, res, err)
	}
	return res.Combined(), nil
}

type statsLine struct {
	Name     string `json:"Name"`
	CPUPerc  string `json:"CPUPerc"`
	MemUsage string `json:"MemUsage"`
	MemPerc  string `json:"MemPerc"`
}

func (d *DockerCLI) Stats(ctx context.Context, name string) (Stats, error) {
	if strings.TrimSpace(name) == "" || strings.HasPrefix(name, "-") {
		return Stats{}, notFound("stats", name)
	}
	res, err := d.Runner.Run(ctx, d.Binary, "stats", "--no-stream", "--format", "{{json .}}", name)
	if err != nil {
		return Stats{}, d.classify("stats", name, res, err)
	}
	var s statsLine
	if err := json.Unmarshal([]byte(strings.TrimSpace(string(res.Stdout))), &s); err != nil {
		return Stats{}, newError("stats", name, string(res.Stdout), fmt.Errorf("decode stats output: %w", err))
	}
	out := Stats{Name: s.Name, MemoryUsage: s.MemUsage}
	if out.Name == "" {
		out.Name = name
	}
	out.CPUPercent = parsePercent(s.CPUPerc)
	out.MemoryPercent = parsePercent(s.MemPerc)
	return out, nil
}

func parsePercent(raw string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSuffix(strings.TrimSpace(raw), "%"), 64)
	if err != nil {
		return 0
	}
	return v
}

func (d *DockerCLI) composeArgs(args ...string) []string {
	out := []string{"compose"}
	if d.ComposeFile != "" {
		out = append(out, "-f", d.ComposeFile)
	}
	return append(out, args...)
}

func (d *DockerCLI) PullImages(ctx context.Context) (int, error) {
	res, err := d.UpdateRunner.Run(ctx, d.Binary, d.composeArgs("pull")...)
	if err != nil {
		return 0, newError("pull", "", res.Combined(), err)
	}
	return countTransitions(res.Combined(), "Pulled"), nil
}

func (d *DockerCLI) Recreate(ctx context.Context) (int, error) {
	res, err := d.UpdateRunner.Run(ctx, d.Binary, d.composeArgs("up", "-d", "--remove-orphans")...)
	if err != nil {
		return 0, newError("recreate", "", res.Combined(), err)
	}
	return countTransitions(res.Combined(), "Recreated", "Created", "Started"), nil
}

// countTransitions counts distinct targets in compose progress output whose
// final word is one of the given states. Compose prints lines such as
// "Container dendrite  Recreated" or " ✔ postgres Pulled".
func countTransitions(out string, states ...string) int {
	want := make(map[string]bool, len(states))
	for _, s := range states {
		want[s] = true
	}
	seen := make(map[string]bool)
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		if !want[fields[len(fields)-1]] {
			continue
		}
		seen[fields[len(fields)-2]] = true
	}
	return len(seen)
}

func (d *DockerCLI) classify(op, name string, res process.Result, err error) error {
	output := res.Combined()
	if strings.Contains(output, "No such container") || strings.Contains(output, "no such container") {
		return newError(op, name, output, fmt.Errorf("%s: %w", name, ErrNotFound))
	}
	return newError(op, name, output, err)
}
