package provider

import (
	"context"
	"errors"
	"time"

	"github.com/HueCodes/zeno/internal/models"
)

var (
	// ErrNotFound is returned for a handle the substrate does not know.
	ErrNotFound = errors.New("instance not found")
	// ErrAssignUnsupported is returned by substrates that cannot hand a warm
	// environment to a repository after creation.
	ErrAssignUnsupported = errors.New("substrate cannot assign warm instances")
)

// Ownership labels, shared by every substrate. Docker and Kubernetes use
// them as labels, EC2 as tags.
const (
	LabelManagedBy  = "zeno.managed-by"
	LabelInstanceID = "zeno.instance-id"
	LabelRepository = "zeno.repository"
	LabelClass      = "zeno.class"
	LabelTemplate   = "zeno.template"
	LabelWarm       = "zeno.warm"
	ManagedByValue  = "zeno"
)

// Health is the result of a liveness probe.
type Health string

const (
	Healthy   Health = "healthy"
	Unhealthy Health = "unhealthy"
)

// InstanceSpec describes an execution environment to create. A spec with
// Warm set and no Repository creates an unassigned warm slot.
type InstanceSpec struct {
	ID         string
	Name       string
	Repository string
	Class      models.RunnerClass
	Template   string
	// Image overrides the substrate's default image or AMI.
	Image  string
	Labels []string
	Warm   bool

	// RegistrationToken and RegistrationURL let the runner register itself
	// with the work queue on boot.
	RegistrationToken string
	RegistrationURL   string
}

// Instance is an execution environment as reported by the substrate.
type Instance struct {
	Handle     string
	ID         string
	Name       string
	Repository string
	Class      models.RunnerClass
	Template   string
	Warm       bool
	State      string
	CreatedAt  time.Time
}

// Filter narrows ListInstances. Zero fields match everything managed by zeno.
type Filter struct {
	Repository string
	Template   string
	// WarmOnly limits the result to unassigned warm slots.
	WarmOnly bool
}

// Matches reports whether inst passes the filter.
func (f Filter) Matches(inst *Instance) bool {
	if f.Repository != "" && inst.Repository != f.Repository {
		return false
	}
	if f.Template != "" && inst.Template != f.Template {
		return false
	}
	if f.WarmOnly && !inst.Warm {
		return false
	}
	return true
}

// Provider is the execution substrate runners run on.
type Provider interface {
	// Name returns the provider name
	Name() string

	// CreateInstance provisions and starts an environment.
	CreateInstance(ctx context.Context, spec *InstanceSpec) (*Instance, error)

	// RemoveInstance stops and deletes an environment. Removing a handle that
	// is already gone is not an error.
	RemoveInstance(ctx context.Context, handle string) error

	// ListInstances returns the managed environments matching f.
	ListInstances(ctx context.Context, f Filter) ([]*Instance, error)

	// Probe checks that one environment is alive.
	Probe(ctx context.Context, handle string) (Health, error)

	// HealthCheck performs a health check on the provider
	HealthCheck(ctx context.Context) error

	// Close releases any resources held by the provider
	Close() error
}

// Assigner is implemented by substrates that can start a runner inside a
// warm environment created earlier without a repository.
type Assigner interface {
	Assign(ctx context.Context, handle string, spec *InstanceSpec) error
}
