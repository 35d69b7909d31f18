package kubernetes

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/HueCodes/zeno/internal/config"
	"github.com/HueCodes/zeno/internal/models"
	"github.com/HueCodes/zeno/internal/provider"
)

func newTestProvider(t *testing.T) (*KubernetesProvider, *fake.Clientset) {
	t.Helper()
	client := fake.NewSimpleClientset()
	cfg := config.KubernetesConfig{
		Namespace:     "ci",
		Image:         "ghcr.io/actions/runner:latest",
		CPURequest:    "500m",
		MemoryRequest: "1Gi",
		Labels:        map[string]string{"team": "infra"},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewWithClient(client, cfg, logger), client
}

func TestCreateInstance(t *testing.T) {
	p, client := newTestProvider(t)
	ctx := context.Background()

	inst, err := p.CreateInstance(ctx, &provider.InstanceSpec{
		ID:                "0b7c1e9a-1111-2222-3333-444455556666",
		Name:              "zeno-acme-api-Dynamic-1",
		Repository:        "acme/api",
		Class:             models.ClassDynamic,
		Labels:            []string{"self-hosted", "linux"},
		RegistrationToken: "reg-token",
		RegistrationURL:   "https://github.com/acme/api",
	})
	require.NoError(t, err)

	assert.Equal(t, "zeno-acme-api-dynamic-1", inst.Handle)
	assert.Equal(t, "acme/api", inst.Repository)
	assert.Equal(t, models.ClassDynamic, inst.Class)

	pod, err := client.CoreV1().Pods("ci").Get(ctx, inst.Handle, metav1.GetOptions{})
	require.NoError(t, err)

	assert.Equal(t, provider.ManagedByValue, pod.Labels[provider.LabelManagedBy])
	assert.Equal(t, "acme__api", pod.Labels[provider.LabelRepository])
	assert.Equal(t, "infra", pod.Labels["team"])
	assert.Equal(t, "acme/api", pod.Annotations[annotationRepository])
	assert.Equal(t, corev1.RestartPolicyNever, pod.Spec.RestartPolicy)

	require.Len(t, pod.Spec.Containers, 1)
	c := pod.Spec.Containers[0]
	assert.Equal(t, "ghcr.io/actions/runner:latest", c.Image)
	assert.Equal(t, "500m", c.Resources.Requests.Cpu().String())
	assert.Contains(t, c.Env, corev1.EnvVar{Name: "RUNNER_TOKEN", Value: "reg-token"})
	assert.Contains(t, c.Env, corev1.EnvVar{Name: "LABELS", Value: "self-hosted,linux"})
}

func TestCreateInstanceWarmUnsupported(t *testing.T) {
	p, _ := newTestProvider(t)

	_, err := p.CreateInstance(context.Background(), &provider.InstanceSpec{Warm: true, Template: "default"})
	assert.True(t, errors.Is(err, provider.ErrAssignUnsupported))
}

func TestCreateInstanceBadQuantity(t *testing.T) {
	p, _ := newTestProvider(t)
	p.config.CPURequest = "lots"

	_, err := p.CreateInstance(context.Background(), &provider.InstanceSpec{Repository: "acme/api"})
	assert.Error(t, err)
}

func TestListInstances(t *testing.T) {
	p, client := newTestProvider(t)
	ctx := context.Background()

	for _, repo := range []string{"acme/api", "acme/api", "acme/web"} {
		_, err := p.CreateInstance(ctx, &provider.InstanceSpec{Repository: repo, Class: models.ClassDynamic})
		require.NoError(t, err)
	}

	// a pod zeno does not own
	_, err := client.CoreV1().Pods("ci").Create(ctx, &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: "other", Namespace: "ci"},
	}, metav1.CreateOptions{})
	require.NoError(t, err)

	tests := []struct {
		name   string
		filter provider.Filter
		want   int
	}{
		{name: "all managed", filter: provider.Filter{}, want: 3},
		{name: "by repository", filter: provider.Filter{Repository: "acme/api"}, want: 2},
		{name: "unknown repository", filter: provider.Filter{Repository: "acme/docs"}, want: 0},
		{name: "warm only", filter: provider.Filter{WarmOnly: true}, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := p.ListInstances(ctx, tt.filter)
			require.NoError(t, err)
			if len(got) != tt.want {
				t.Errorf("ListInstances() returned %d instances, want %d", len(got), tt.want)
			}
		})
	}
}

func TestRemoveInstance(t *testing.T) {
	p, client := newTestProvider(t)
	ctx := context.Background()

	inst, err := p.CreateInstance(ctx, &provider.InstanceSpec{Repository: "acme/api"})
	require.NoError(t, err)

	require.NoError(t, p.RemoveInstance(ctx, inst.Handle))

	pods, err := client.CoreV1().Pods("ci").List(ctx, metav1.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, pods.Items)

	// already gone
	assert.NoError(t, p.RemoveInstance(ctx, inst.Handle))
}

func TestProbe(t *testing.T) {
	tests := []struct {
		name   string
		status corev1.PodStatus
		want   provider.Health
	}{
		{
			name:   "running",
			status: corev1.PodStatus{Phase: corev1.PodRunning},
			want:   provider.Healthy,
		},
		{
			name:   "pending",
			status: corev1.PodStatus{Phase: corev1.PodPending},
			want:   provider.Healthy,
		},
		{
			name:   "failed",
			status: corev1.PodStatus{Phase: corev1.PodFailed},
			want:   provider.Unhealthy,
		},
		{
			name: "crash looping",
			status: corev1.PodStatus{
				Phase: corev1.PodRunning,
				ContainerStatuses: []corev1.ContainerStatus{{
					Name:  runnerContainer,
					State: corev1.ContainerState{Waiting: &corev1.ContainerStateWaiting{Reason: "CrashLoopBackOff"}},
				}},
			},
			want: provider.Unhealthy,
		},
		{
			name: "container exited",
			status: corev1.PodStatus{
				Phase: corev1.PodRunning,
				ContainerStatuses: []corev1.ContainerStatus{{
					Name:  runnerContainer,
					State: corev1.ContainerState{Terminated: &corev1.ContainerStateTerminated{ExitCode: 1}},
				}},
			},
			want: provider.Unhealthy,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, client := newTestProvider(t)
			ctx := context.Background()

			_, err := client.CoreV1().Pods("ci").Create(ctx, &corev1.Pod{
				ObjectMeta: metav1.ObjectMeta{Name: "runner-1", Namespace: "ci"},
				Status:     tt.status,
			}, metav1.CreateOptions{})
			require.NoError(t, err)

			got, err := p.Probe(ctx, "runner-1")
			require.NoError(t, err)
			if got != tt.want {
				t.Errorf("Probe() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestProbeMissing(t *testing.T) {
	p, _ := newTestProvider(t)

	health, err := p.Probe(context.Background(), "nope")
	assert.True(t, errors.Is(err, provider.ErrNotFound))
	assert.Equal(t, provider.Unhealthy, health)
}

func TestHealthCheck(t *testing.T) {
	p, _ := newTestProvider(t)
	assert.NoError(t, p.HealthCheck(context.Background()))
	assert.Equal(t, "kubernetes", p.Name())
	assert.NoError(t, p.Close())
}

func TestPodName(t *testing.T) {
	tests := []struct {
		name string
		in   string
		id   string
		want string
	}{
		{name: "lowercased", in: "Zeno-Runner", id: "abcdefgh-1", want: "zeno-runner"},
		{name: "slashes replaced", in: "acme/api_1", id: "abcdefgh-1", want: "acme-api-1"},
		{name: "generated", in: "", id: "abcdefgh-1", want: "zeno-runner-abcdefgh"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := podName(tt.in, tt.id); got != tt.want {
				t.Errorf("podName(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
