package kubernetes

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/google/uuid"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/HueCodes/zeno/internal/config"
	"github.com/HueCodes/zeno/internal/models"
	"github.com/HueCodes/zeno/internal/provider"
)

// Label values cannot hold "/", so the repository is stored twice: a
// sanitized label to select on and the exact name as an annotation.
const annotationRepository = "zeno.io/repository"

const runnerContainer = "runner"

var invalidNameChars = regexp.MustCompile(`[^a-z0-9-]+`)

// KubernetesProvider runs one runner per pod.
type KubernetesProvider struct {
	client kubernetes.Interface
	config config.KubernetesConfig
	logger *slog.Logger
}

// New creates a provider from the in-cluster config, falling back to the
// configured kubeconfig.
func New(cfg config.KubernetesConfig, logger *slog.Logger) (*KubernetesProvider, error) {
	restConfig, err := rest.InClusterConfig()
	if err != nil {
		loadingRules := clientcmd.NewDefaultClientConfigLoadingRules()
		if cfg.Kubeconfig != "" {
			loadingRules.ExplicitPath = cfg.Kubeconfig
		}
		kubeConfig := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(loadingRules, &clientcmd.ConfigOverrides{})
		restConfig, err = kubeConfig.ClientConfig()
		if err != nil {
			return nil, fmt.Errorf("failed to get kubernetes config: %w", err)
		}
	}

	client, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes client: %w", err)
	}
	return NewWithClient(client, cfg, logger), nil
}

// NewWithClient wraps an existing clientset.
func NewWithClient(client kubernetes.Interface, cfg config.KubernetesConfig, logger *slog.Logger) *KubernetesProvider {
	return &KubernetesProvider{
		client: client,
		config: cfg,
		logger: logger.With("provider", "kubernetes"),
	}
}

func (p *KubernetesProvider) Name() string {
	return "kubernetes"
}

func (p *KubernetesProvider) CreateInstance(ctx context.Context, spec *provider.InstanceSpec) (*provider.Instance, error) {
	if spec.Warm {
		return nil, provider.ErrAssignUnsupported
	}

	id := spec.ID
	if id == "" {
		id = uuid.New().String()
	}
	name := podName(spec.Name, id)

	pod, err := p.buildPod(id, name, spec)
	if err != nil {
		return nil, err
	}

	p.logger.Info("creating runner pod",
		"id", id,
		"pod", name,
		"namespace", p.config.Namespace,
		"repository", spec.Repository,
	)

	created, err := p.client.CoreV1().Pods(p.config.Namespace).Create(ctx, pod, metav1.CreateOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to create pod: %w", err)
	}
	return toInstance(created), nil
}

func (p *KubernetesProvider) RemoveInstance(ctx context.Context, handle string) error {
	p.logger.Info("deleting runner pod", "pod", handle)

	err := p.client.CoreV1().Pods(p.config.Namespace).Delete(ctx, handle, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("failed to delete pod: %w", err)
	}
	return nil
}

func (p *KubernetesProvider) ListInstances(ctx context.Context, f provider.Filter) ([]*provider.Instance, error) {
	if f.WarmOnly {
		return nil, nil
	}

	selector := labels.Set{provider.LabelManagedBy: provider.ManagedByValue}
	if f.Repository != "" {
		selector[provider.LabelRepository] = labelValue(f.Repository)
	}
	if f.Template != "" {
		selector[provider.LabelTemplate] = labelValue(f.Template)
	}

	pods, err := p.client.CoreV1().Pods(p.config.Namespace).List(ctx, metav1.ListOptions{
		LabelSelector: selector.String(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list pods: %w", err)
	}

	out := make([]*provider.Instance, 0, len(pods.Items))
	for i := range pods.Items {
		inst := toInstance(&pods.Items[i])
		if f.Matches(inst) {
			out = append(out, inst)
		}
	}
	return out, nil
}

func (p *KubernetesProvider) Probe(ctx context.Context, handle string) (provider.Health, error) {
	pod, err := p.client.CoreV1().Pods(p.config.Namespace).Get(ctx, handle, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return provider.Unhealthy, provider.ErrNotFound
		}
		return provider.Unhealthy, fmt.Errorf("failed to get pod: %w", err)
	}

	if pod.DeletionTimestamp != nil {
		return provider.Unhealthy, nil
	}
	switch pod.Status.Phase {
	case corev1.PodPending, corev1.PodRunning:
	default:
		return provider.Unhealthy, nil
	}
	for _, cs := range pod.Status.ContainerStatuses {
		if cs.State.Terminated != nil {
			return provider.Unhealthy, nil
		}
		if w := cs.State.Waiting; w != nil && (w.Reason == "CrashLoopBackOff" || w.Reason == "ImagePullBackOff" || w.Reason == "ErrImagePull") {
			return provider.Unhealthy, nil
		}
	}
	return provider.Healthy, nil
}

func (p *KubernetesProvider) HealthCheck(ctx context.Context) error {
	_, err := p.client.CoreV1().Pods(p.config.Namespace).List(ctx, metav1.ListOptions{Limit: 1})
	if err != nil {
		return fmt.Errorf("kubernetes health check failed: %w", err)
	}
	return nil
}

func (p *KubernetesProvider) Close() error {
	return nil
}

func (p *KubernetesProvider) buildPod(id, name string, spec *provider.InstanceSpec) (*corev1.Pod, error) {
	image := p.config.Image
	if spec.Image != "" {
		image = spec.Image
	}

	requests := corev1.ResourceList{}
	if p.config.CPURequest != "" {
		q, err := resource.ParseQuantity(p.config.CPURequest)
		if err != nil {
			return nil, fmt.Errorf("invalid cpu_request %q: %w", p.config.CPURequest, err)
		}
		requests[corev1.ResourceCPU] = q
	}
	if p.config.MemoryRequest != "" {
		q, err := resource.ParseQuantity(p.config.MemoryRequest)
		if err != nil {
			return nil, fmt.Errorf("invalid memory_request %q: %w", p.config.MemoryRequest, err)
		}
		requests[corev1.ResourceMemory] = q
	}

	podLabels := map[string]string{}
	for k, v := range p.config.Labels {
		podLabels[k] = v
	}
	podLabels[provider.LabelManagedBy] = provider.ManagedByValue
	podLabels[provider.LabelInstanceID] = id
	podLabels[provider.LabelRepository] = labelValue(spec.Repository)
	podLabels[provider.LabelClass] = string(spec.Class)
	podLabels[provider.LabelTemplate] = labelValue(spec.Template)

	env := []corev1.EnvVar{
		{Name: "RUNNER_NAME", Value: name},
		{Name: "RUNNER_TOKEN", Value: spec.RegistrationToken},
		{Name: "REPO_URL", Value: spec.RegistrationURL},
		{Name: "RUNNER_SCOPE", Value: "repo"},
		{Name: "LABELS", Value: strings.Join(spec.Labels, ",")},
	}

	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: p.config.Namespace,
			Labels:    podLabels,
			Annotations: map[string]string{
				annotationRepository: spec.Repository,
			},
		},
		Spec: corev1.PodSpec{
			RestartPolicy:      corev1.RestartPolicyNever,
			ServiceAccountName: p.config.ServiceAccount,
			NodeSelector:       p.config.NodeSelector,
			Containers: []corev1.Container{
				{
					Name:  runnerContainer,
					Image: image,
					Env:   env,
					Resources: corev1.ResourceRequirements{
						Requests: requests,
					},
				},
			},
		},
	}, nil
}

func toInstance(pod *corev1.Pod) *provider.Instance {
	state := string(pod.Status.Phase)
	if pod.DeletionTimestamp != nil {
		state = "Terminating"
	}
	repo := pod.Annotations[annotationRepository]
	if repo == "" {
		repo = pod.Labels[provider.LabelRepository]
	}
	return &provider.Instance{
		Handle:     pod.Name,
		ID:         pod.Labels[provider.LabelInstanceID],
		Name:       pod.Name,
		Repository: repo,
		Class:      models.RunnerClass(pod.Labels[provider.LabelClass]),
		Template:   pod.Labels[provider.LabelTemplate],
		State:      state,
		CreatedAt:  pod.CreationTimestamp.Time,
	}
}

// podName turns a runner name into a DNS-1123 label.
func podName(name, id string) string {
	if name == "" {
		name = "zeno-runner-" + id[:8]
	}
	n := invalidNameChars.ReplaceAllString(strings.ToLower(name), "-")
	if len(n) > 63 {
		n = n[:63]
	}
	return strings.Trim(n, "-")
}

func labelValue(s string) string {
	v := strings.ReplaceAll(s, "/", "__")
	if len(v) > 63 {
		v = v[:63]
	}
	return v
}
