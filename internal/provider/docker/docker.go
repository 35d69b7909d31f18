package docker

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/google/uuid"

	"github.com/HueCodes/zeno/internal/config"
	"github.com/HueCodes/zeno/internal/models"
	"github.com/HueCodes/zeno/internal/provider"
)

const (
	stopTimeoutSeconds = 30

	// assignmentFile is written to the container root when a warm container
	// is handed to a repository.
	assignmentFile = ".zeno-assignment.json"
)

// assignment records which repository a warm container was handed to.
// Container labels are immutable, so ListInstances overlays it. The marker
// file inside the container carries it across controller restarts.
type assignment struct {
	ID         string             `json:"id"`
	Name       string             `json:"name"`
	Repository string             `json:"repository"`
	Class      models.RunnerClass `json:"class"`
}

type DockerProvider struct {
	client *client.Client
	config config.DockerConfig
	logger *slog.Logger

	mu       sync.RWMutex
	assigned map[string]assignment
}

// New creates a new Docker provider
func New(cfg config.DockerConfig, logger *slog.Logger) (*DockerProvider, error) {
	cli, err := client.NewClientWithOpts(
		client.WithHost(cfg.Host),
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	return &DockerProvider{
		client:   cli,
		config:   cfg,
		logger:   logger.With("provider", "docker"),
		assigned: make(map[string]assignment),
	}, nil
}

func (p *DockerProvider) Name() string {
	return "docker"
}

func (p *DockerProvider) CreateInstance(ctx context.Context, spec *provider.InstanceSpec) (*provider.Instance, error) {
	id := spec.ID
	if id == "" {
		id = uuid.New().String()
	}
	name := spec.Name
	if name == "" {
		name = fmt.Sprintf("zeno-runner-%s", id[:8])
	}
	image := p.imageFor(spec)

	p.logger.Info("creating container",
		"id", id,
		"name", name,
		"repository", spec.Repository,
		"warm", spec.Warm,
	)

	if err := p.ensureImage(ctx, image); err != nil {
		return nil, fmt.Errorf("failed to pull image: %w", err)
	}

	containerConfig := &container.Config{
		Image:  image,
		Env:    p.buildEnv(name, spec),
		Labels: p.buildLabels(id, spec),
	}
	if spec.Warm && len(p.config.WarmCommand) > 0 {
		containerConfig.Entrypoint = p.config.WarmCommand[:1]
		containerConfig.Cmd = p.config.WarmCommand[1:]
	}

	hostConfig := &container.HostConfig{
		NetworkMode: container.NetworkMode(p.config.Network),
		Resources: container.Resources{
			NanoCPUs: int64(p.config.CPULimit * 1e9),
			Memory:   p.config.MemoryLimit,
		},
	}
	if len(p.config.Volumes) > 0 {
		hostConfig.Binds = p.config.Volumes
	}

	resp, err := p.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, name)
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}

	if err := p.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		// the caller only learns about a handle it got back, so clean up here
		_ = p.client.ContainerRemove(context.WithoutCancel(ctx), resp.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	p.logger.Info("container started", "id", id, "container_id", resp.ID)

	return &provider.Instance{
		Handle:     resp.ID,
		ID:         id,
		Name:       name,
		Repository: spec.Repository,
		Class:      spec.Class,
		Template:   spec.Template,
		Warm:       spec.Warm,
		State:      "running",
		CreatedAt:  time.Now(),
	}, nil
}

// Assign starts the runner inside a warm container with exec.
func (p *DockerProvider) Assign(ctx context.Context, handle string, spec *provider.InstanceSpec) error {
	if len(p.config.StartCommand) == 0 {
		return provider.ErrAssignUnsupported
	}

	a := assignment{
		ID:         spec.ID,
		Name:       spec.Name,
		Repository: spec.Repository,
		Class:      spec.Class,
	}
	if err := p.writeAssignment(ctx, handle, a); err != nil {
		if client.IsErrNotFound(err) {
			return provider.ErrNotFound
		}
		return fmt.Errorf("failed to record assignment: %w", err)
	}

	exec, err := p.client.ContainerExecCreate(ctx, handle, types.ExecConfig{
		Cmd:    p.config.StartCommand,
		Env:    p.buildEnv(spec.Name, spec),
		Detach: true,
	})
	if err != nil {
		if client.IsErrNotFound(err) {
			return provider.ErrNotFound
		}
		return fmt.Errorf("failed to create exec: %w", err)
	}
	if err := p.client.ContainerExecStart(ctx, exec.ID, types.ExecStartCheck{Detach: true}); err != nil {
		return fmt.Errorf("failed to start runner in warm container: %w", err)
	}

	p.mu.Lock()
	p.assigned[handle] = a
	p.mu.Unlock()

	p.logger.Info("warm container assigned",
		"container_id", handle,
		"repository", spec.Repository,
		"name", spec.Name,
	)
	return nil
}

func (p *DockerProvider) RemoveInstance(ctx context.Context, handle string) error {
	p.logger.Info("removing container", "container_id", handle)

	timeout := stopTimeoutSeconds
	removeOpts := container.RemoveOptions{RemoveVolumes: true}

	if err := p.client.ContainerStop(ctx, handle, container.StopOptions{Timeout: &timeout}); err != nil {
		if client.IsErrNotFound(err) {
			p.forget(handle)
			return nil
		}
		p.logger.Warn("graceful stop failed, forcing removal", "container_id", handle, "error", err)
		removeOpts.Force = true
	}

	if err := p.client.ContainerRemove(ctx, handle, removeOpts); err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("failed to remove container: %w", err)
	}

	p.forget(handle)
	return nil
}

func (p *DockerProvider) ListInstances(ctx context.Context, f provider.Filter) ([]*provider.Instance, error) {
	args := filters.NewArgs(filters.Arg("label", provider.LabelManagedBy+"="+provider.ManagedByValue))
	if f.Template != "" {
		args.Add("label", provider.LabelTemplate+"="+f.Template)
	}

	containers, err := p.client.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	var out []*provider.Instance
	for _, c := range containers {
		inst := &provider.Instance{
			Handle:     c.ID,
			ID:         c.Labels[provider.LabelInstanceID],
			Repository: c.Labels[provider.LabelRepository],
			Class:      models.RunnerClass(c.Labels[provider.LabelClass]),
			Template:   c.Labels[provider.LabelTemplate],
			Warm:       c.Labels[provider.LabelWarm] == "true",
			State:      c.State,
			CreatedAt:  time.Unix(c.Created, 0),
		}
		if len(c.Names) > 0 {
			inst.Name = strings.TrimPrefix(c.Names[0], "/")
		}
		if inst.Warm {
			a, ok, err := p.lookupAssignment(ctx, c.ID)
			if err != nil {
				return nil, err
			}
			if ok {
				inst.ID = a.ID
				inst.Name = a.Name
				inst.Repository = a.Repository
				inst.Class = a.Class
				inst.Warm = false
			}
		}
		if f.Matches(inst) {
			out = append(out, inst)
		}
	}

	return out, nil
}

// lookupAssignment returns the assignment of a warm container, reading the
// marker file when this process has not seen it yet.
func (p *DockerProvider) lookupAssignment(ctx context.Context, handle string) (assignment, bool, error) {
	p.mu.RLock()
	a, ok := p.assigned[handle]
	p.mu.RUnlock()
	if ok {
		return a, true, nil
	}

	a, ok, err := p.readAssignment(ctx, handle)
	if err != nil {
		return assignment{}, false, fmt.Errorf("failed to read assignment of %s: %w", handle, err)
	}
	if ok {
		p.mu.Lock()
		p.assigned[handle] = a
		p.mu.Unlock()
	}
	return a, ok, nil
}

func (p *DockerProvider) writeAssignment(ctx context.Context, handle string, a assignment) error {
	archive, err := encodeAssignment(a)
	if err != nil {
		return err
	}
	return p.client.CopyToContainer(ctx, handle, "/", archive, types.CopyToContainerOptions{})
}

// encodeAssignment packs the marker file into the tar stream the copy API
// expects.
func encodeAssignment(a assignment) (*bytes.Buffer, error) {
	data, err := json.Marshal(a)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	if err := tw.WriteHeader(&tar.Header{
		Name:    assignmentFile,
		Mode:    0o644,
		Size:    int64(len(data)),
		ModTime: time.Now(),
	}); err != nil {
		return nil, err
	}
	if _, err := tw.Write(data); err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return &buf, nil
}

func (p *DockerProvider) readAssignment(ctx context.Context, handle string) (assignment, bool, error) {
	rc, _, err := p.client.CopyFromContainer(ctx, handle, "/"+assignmentFile)
	if err != nil {
		if client.IsErrNotFound(err) {
			return assignment{}, false, nil
		}
		return assignment{}, false, err
	}
	defer rc.Close()
	return decodeAssignment(rc)
}

// decodeAssignment reads the marker file out of a tar stream.
func decodeAssignment(r io.Reader) (assignment, bool, error) {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return assignment{}, false, nil
		}
		if err != nil {
			return assignment{}, false, err
		}
		if !strings.HasSuffix(hdr.Name, assignmentFile) {
			continue
		}
		var a assignment
		if err := json.NewDecoder(tr).Decode(&a); err != nil {
			return assignment{}, false, fmt.Errorf("invalid assignment marker: %w", err)
		}
		return a, a.Repository != "", nil
	}
}

func (p *DockerProvider) Probe(ctx context.Context, handle string) (provider.Health, error) {
	info, err := p.client.ContainerInspect(ctx, handle)
	if err != nil {
		if client.IsErrNotFound(err) {
			return provider.Unhealthy, provider.ErrNotFound
		}
		return provider.Unhealthy, fmt.Errorf("failed to inspect container: %w", err)
	}

	state := info.State
	if state == nil || !state.Running || state.Restarting || state.OOMKilled {
		return provider.Unhealthy, nil
	}
	if state.Health != nil && state.Health.Status == types.Unhealthy {
		return provider.Unhealthy, nil
	}
	return provider.Healthy, nil
}

func (p *DockerProvider) HealthCheck(ctx context.Context) error {
	_, err := p.client.Ping(ctx)
	if err != nil {
		return fmt.Errorf("docker health check failed: %w", err)
	}
	return nil
}

func (p *DockerProvider) Close() error {
	if p.client != nil {
		return p.client.Close()
	}
	return nil
}

func (p *DockerProvider) forget(handle string) {
	p.mu.Lock()
	delete(p.assigned, handle)
	p.mu.Unlock()
}

func (p *DockerProvider) imageFor(spec *provider.InstanceSpec) string {
	if spec.Image != "" {
		return spec.Image
	}
	return p.config.Image
}

func (p *DockerProvider) ensureImage(ctx context.Context, image string) error {
	switch p.config.PullPolicy {
	case "never":
		return nil
	case "if-not-present":
		if _, _, err := p.client.ImageInspectWithRaw(ctx, image); err == nil {
			return nil
		}
	}

	p.logger.Info("pulling image", "image", image)

	reader, err := p.client.ImagePull(ctx, image, types.ImagePullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()

	// Consume the output to ensure pull completes
	_, err = io.Copy(io.Discard, reader)
	return err
}

func (p *DockerProvider) buildEnv(name string, spec *provider.InstanceSpec) []string {
	env := []string{
		fmt.Sprintf("RUNNER_NAME=%s", name),
		fmt.Sprintf("RUNNER_WORKDIR=%s", p.config.RunnerWorkDir),
		"EPHEMERAL=false",
	}

	if spec.RegistrationToken != "" {
		env = append(env, fmt.Sprintf("RUNNER_TOKEN=%s", spec.RegistrationToken))
	}
	if spec.Repository != "" {
		env = append(env, "RUNNER_SCOPE=repo")
		env = append(env, fmt.Sprintf("REPO_URL=%s", spec.RegistrationURL))
	}
	if len(spec.Labels) > 0 {
		env = append(env, fmt.Sprintf("LABELS=%s", strings.Join(spec.Labels, ",")))
	}

	return env
}

func (p *DockerProvider) buildLabels(id string, spec *provider.InstanceSpec) map[string]string {
	labels := map[string]string{
		provider.LabelManagedBy:  provider.ManagedByValue,
		provider.LabelInstanceID: id,
		provider.LabelRepository: spec.Repository,
		provider.LabelClass:      string(spec.Class),
		provider.LabelTemplate:   spec.Template,
		provider.LabelWarm:       fmt.Sprintf("%t", spec.Warm),
	}

	// Merge custom labels from config
	for k, v := range p.config.Labels {
		if _, reserved := labels[k]; !reserved {
			labels[k] = v
		}
	}

	return labels
}
