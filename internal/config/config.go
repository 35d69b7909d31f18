package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"

	"github.com/HueCodes/zeno/internal/policy"
	"github.com/HueCodes/zeno/internal/predictor"
)

type Config struct {
	Server         ServerConfig         `mapstructure:"server"`
	GitHub         GitHubConfig         `mapstructure:"github"`
	Repositories   []RepositoryConfig   `mapstructure:"repositories" validate:"dive"`
	PolicyDir      string               `mapstructure:"policy_dir"`
	Scaling        policy.Policy        `mapstructure:"scaling" validate:"-"`
	Orchestrator   OrchestratorConfig   `mapstructure:"orchestrator"`
	Lifecycle      LifecycleConfig      `mapstructure:"lifecycle"`
	Predictor      PredictorConfig      `mapstructure:"predictor"`
	WarmPool       WarmPoolConfig       `mapstructure:"warm_pool"`
	Provider       ProviderConfig       `mapstructure:"provider"`
	Observability  ObservabilityConfig  `mapstructure:"observability"`
	LeaderElection LeaderElectionConfig `mapstructure:"leader_election"`
	Store          StoreConfig          `mapstructure:"store"`
	Events         EventsConfig         `mapstructure:"events"`
	DryRun         bool                 `mapstructure:"dry_run"`
	LogLevel       string               `mapstructure:"log_level" validate:"oneof=debug info warn error"`
}

type ServerConfig struct {
	Address      string        `mapstructure:"address"`
	Port         int           `mapstructure:"port" validate:"min=1,max=65535"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	APIKey       string        `mapstructure:"api_key"`
	EnableAuth   bool          `mapstructure:"enable_auth"`
}

type GitHubConfig struct {
	Token            string        `mapstructure:"token"`
	APIURL           string        `mapstructure:"api_url" validate:"omitempty,url"`
	ServerURL        string        `mapstructure:"server_url" validate:"omitempty,url"`
	RunnerLabels     []string      `mapstructure:"runner_labels"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
	MaxRetries       int           `mapstructure:"max_retries" validate:"gte=0"`
	RetryBackoffBase time.Duration `mapstructure:"retry_backoff_base"`
	RetryBackoffMax  time.Duration `mapstructure:"retry_backoff_max"`
}

// RepositoryConfig names one scaling domain and its inline policy override.
type RepositoryConfig struct {
	Name   string          `mapstructure:"name" validate:"required,contains=/"`
	Policy policy.Override `mapstructure:"policy"`
}

type OrchestratorConfig struct {
	TickInterval time.Duration `mapstructure:"tick_interval"`
	// Concurrency bounds how many repositories are processed at once.
	Concurrency        int           `mapstructure:"concurrency" validate:"min=1"`
	FailureThreshold   int           `mapstructure:"failure_threshold" validate:"min=1"`
	DegradedBackoff    time.Duration `mapstructure:"degraded_backoff"`
	DegradedBackoffMax time.Duration `mapstructure:"degraded_backoff_max"`
	CallTimeout        time.Duration `mapstructure:"call_timeout"`
}

type LifecycleConfig struct {
	MaxAttempts              int           `mapstructure:"max_attempts" validate:"min=1"`
	BackoffBase              time.Duration `mapstructure:"backoff_base"`
	BackoffMax               time.Duration `mapstructure:"backoff_max"`
	DrainTimeout             time.Duration `mapstructure:"drain_timeout"`
	DrainPollInterval        time.Duration `mapstructure:"drain_poll_interval"`
	RegistrationTimeout      time.Duration `mapstructure:"registration_timeout"`
	RegistrationPollInterval time.Duration `mapstructure:"registration_poll_interval"`
	ProvisionTimeout         time.Duration `mapstructure:"provision_timeout"`
	// MissingGrace is how long a registered runner may be absent from the
	// work queue before it is replaced.
	MissingGrace time.Duration `mapstructure:"missing_grace"`
}

type PredictorConfig struct {
	predictor.Config `mapstructure:",squash"`

	MinConfidence float64 `mapstructure:"min_confidence" validate:"gte=0,lte=1"`
}

type WarmPoolConfig struct {
	Enabled       bool             `mapstructure:"enabled"`
	MaxAge        time.Duration    `mapstructure:"max_age"`
	SweepSchedule string           `mapstructure:"sweep_schedule"`
	Templates     []TemplateConfig `mapstructure:"templates" validate:"dive"`
}

type TemplateConfig struct {
	Name   string   `mapstructure:"name" validate:"required"`
	Size   int      `mapstructure:"size" validate:"gte=0"`
	Image  string   `mapstructure:"image"`
	Labels []string `mapstructure:"labels"`
}

type ProviderConfig struct {
	Type       string           `mapstructure:"type"`
	Docker     DockerConfig     `mapstructure:"docker"`
	AWS        AWSConfig        `mapstructure:"aws"`
	Kubernetes KubernetesConfig `mapstructure:"kubernetes"`
}

type DockerConfig struct {
	Host          string            `mapstructure:"host"`
	Image         string            `mapstructure:"image"`
	RunnerWorkDir string            `mapstructure:"runner_work_dir"`
	Network       string            `mapstructure:"network"`
	CPULimit      float64           `mapstructure:"cpu_limit"`
	MemoryLimit   int64             `mapstructure:"memory_limit"`
	Labels        map[string]string `mapstructure:"labels"`
	Volumes       []string          `mapstructure:"volumes"`
	PullPolicy    string            `mapstructure:"pull_policy"`
	// WarmCommand keeps a warm container alive until a runner is started in
	// it with exec.
	WarmCommand []string `mapstructure:"warm_command"`
	// StartCommand configures and starts the runner inside a warm container.
	StartCommand []string `mapstructure:"start_command"`
}

type AWSConfig struct {
	Region             string            `mapstructure:"region"`
	InstanceType       string            `mapstructure:"instance_type"`
	AMI                string            `mapstructure:"ami"`
	SubnetID           string            `mapstructure:"subnet_id"`
	SecurityGroupIDs   []string          `mapstructure:"security_group_ids"`
	KeyName            string            `mapstructure:"key_name"`
	IAMInstanceProfile string            `mapstructure:"iam_instance_profile"`
	UseSpot            bool              `mapstructure:"use_spot"`
	SpotMaxPrice       string            `mapstructure:"spot_max_price"`
	Tags               map[string]string `mapstructure:"tags"`
	UserDataScript     string            `mapstructure:"user_data_script"`
	VolumeSize         int32             `mapstructure:"volume_size"`
	VolumeType         string            `mapstructure:"volume_type"`
	RunnerVersion      string            `mapstructure:"runner_version"`
}

type KubernetesConfig struct {
	Kubeconfig     string            `mapstructure:"kubeconfig"`
	Namespace      string            `mapstructure:"namespace"`
	Image          string            `mapstructure:"image"`
	ServiceAccount string            `mapstructure:"service_account"`
	CPURequest     string            `mapstructure:"cpu_request"`
	MemoryRequest  string            `mapstructure:"memory_request"`
	NodeSelector   map[string]string `mapstructure:"node_selector"`
	Labels         map[string]string `mapstructure:"labels"`
}

type ObservabilityConfig struct {
	EnableMetrics   bool   `mapstructure:"enable_metrics"`
	MetricsPath     string `mapstructure:"metrics_path"`
	HealthCheckPath string `mapstructure:"health_check_path"`
	ReadinessPath   string `mapstructure:"readiness_path"`
}

type LeaderElectionConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Backend is "file" for a local flock or "redis" for a shared lease.
	Backend       string        `mapstructure:"backend" validate:"oneof=file redis"`
	LockFilePath  string        `mapstructure:"lock_file_path"`
	RedisKey      string        `mapstructure:"redis_key"`
	LeaseDuration time.Duration `mapstructure:"lease_duration"`
	RenewDeadline time.Duration `mapstructure:"renew_deadline"`
	RetryPeriod   time.Duration `mapstructure:"retry_period"`
}

type StoreConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Path      string `mapstructure:"path"`
	MaxEvents int    `mapstructure:"max_events"`
}

type EventsConfig struct {
	History int         `mapstructure:"history"`
	Redis   RedisConfig `mapstructure:"redis"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	// Key is the list events are pushed to; Channel, when set, also
	// publishes each event.
	Key     string `mapstructure:"key"`
	Channel string `mapstructure:"channel"`
	MaxLen  int64  `mapstructure:"max_len"`
}

var validate = validator.New()

// Load reads configuration from environment variables and optional config file
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Environment variables
	v.SetEnvPrefix("ZENO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Config file (optional)
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.address", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.enable_auth", false)

	// GitHub defaults
	v.SetDefault("github.token", "")
	v.SetDefault("github.api_url", "")
	v.SetDefault("github.server_url", "https://github.com")
	v.SetDefault("github.request_timeout", 30*time.Second)
	v.SetDefault("github.max_retries", 3)
	v.SetDefault("github.retry_backoff_base", 1*time.Second)
	v.SetDefault("github.retry_backoff_max", 30*time.Second)
	v.SetDefault("github.runner_labels", []string{"self-hosted", "zeno"})

	// Global scaling policy; thresholds and cooldown come from the mode
	v.SetDefault("scaling.dedicated_count", 1)
	v.SetDefault("scaling.max_dynamic", 3)
	v.SetDefault("scaling.idle_timeout", 5*time.Minute)
	v.SetDefault("scaling.check_interval", 30*time.Second)
	v.SetDefault("scaling.mode", string(policy.ModeBalanced))
	v.SetDefault("scaling.template", policy.DefaultTemplate)

	// Orchestrator defaults
	v.SetDefault("orchestrator.tick_interval", 10*time.Second)
	v.SetDefault("orchestrator.concurrency", 8)
	v.SetDefault("orchestrator.failure_threshold", 3)
	v.SetDefault("orchestrator.degraded_backoff", time.Minute)
	v.SetDefault("orchestrator.degraded_backoff_max", 10*time.Minute)
	v.SetDefault("orchestrator.call_timeout", 2*time.Minute)

	// Lifecycle defaults
	v.SetDefault("lifecycle.max_attempts", 3)
	v.SetDefault("lifecycle.backoff_base", 2*time.Second)
	v.SetDefault("lifecycle.backoff_max", 30*time.Second)
	v.SetDefault("lifecycle.drain_timeout", 10*time.Minute)
	v.SetDefault("lifecycle.drain_poll_interval", 10*time.Second)
	v.SetDefault("lifecycle.registration_timeout", 3*time.Minute)
	v.SetDefault("lifecycle.registration_poll_interval", 5*time.Second)
	v.SetDefault("lifecycle.provision_timeout", 10*time.Minute)
	v.SetDefault("lifecycle.missing_grace", 2*time.Minute)

	// Predictor defaults
	pd := predictor.DefaultConfig()
	v.SetDefault("predictor.window_size", pd.WindowSize)
	v.SetDefault("predictor.alpha", pd.Alpha)
	v.SetDefault("predictor.beta", pd.Beta)
	v.SetDefault("predictor.sample_interval", pd.SampleInterval)
	v.SetDefault("predictor.season_period", pd.SeasonPeriod)
	v.SetDefault("predictor.season_buckets", pd.SeasonBuckets)
	v.SetDefault("predictor.trend_window", pd.TrendWindow)
	v.SetDefault("predictor.short_steps", pd.ShortSteps)
	v.SetDefault("predictor.medium_steps", pd.MediumSteps)
	v.SetDefault("predictor.long_steps", pd.LongSteps)
	v.SetDefault("predictor.min_samples", pd.MinSamples)
	v.SetDefault("predictor.anomaly_threshold", pd.AnomalyThreshold)
	v.SetDefault("predictor.min_confidence", 0.5)

	// Warm pool defaults
	v.SetDefault("warm_pool.enabled", false)
	v.SetDefault("warm_pool.max_age", time.Hour)
	v.SetDefault("warm_pool.sweep_schedule", "@every 1m")

	// Provider defaults
	v.SetDefault("provider.type", "docker")
	v.SetDefault("provider.docker.host", "unix:///var/run/docker.sock")
	v.SetDefault("provider.docker.image", "myoung34/github-runner:latest")
	v.SetDefault("provider.docker.runner_work_dir", "/runner/_work")
	v.SetDefault("provider.docker.network", "bridge")
	v.SetDefault("provider.docker.cpu_limit", 1.0)
	v.SetDefault("provider.docker.memory_limit", 2147483648) // 2GB
	v.SetDefault("provider.docker.pull_policy", "if-not-present")
	v.SetDefault("provider.docker.warm_command", []string{"sleep", "infinity"})
	v.SetDefault("provider.docker.start_command", []string{"/entrypoint.sh", "./bin/Runner.Listener", "run", "--startuptype", "service"})
	v.SetDefault("provider.aws.region", "us-east-1")
	v.SetDefault("provider.aws.instance_type", "t3.medium")
	v.SetDefault("provider.aws.use_spot", true)
	v.SetDefault("provider.aws.volume_size", 30)
	v.SetDefault("provider.aws.volume_type", "gp3")
	v.SetDefault("provider.aws.runner_version", "2.311.0")
	v.SetDefault("provider.kubernetes.namespace", "zeno-runners")
	v.SetDefault("provider.kubernetes.image", "ghcr.io/actions/actions-runner:latest")
	v.SetDefault("provider.kubernetes.cpu_request", "1")
	v.SetDefault("provider.kubernetes.memory_request", "2Gi")

	// Observability defaults
	v.SetDefault("observability.enable_metrics", true)
	v.SetDefault("observability.metrics_path", "/metrics")
	v.SetDefault("observability.health_check_path", "/health")
	v.SetDefault("observability.readiness_path", "/ready")

	// Leader election defaults
	v.SetDefault("leader_election.enabled", false)
	v.SetDefault("leader_election.backend", "file")
	v.SetDefault("leader_election.lock_file_path", "/tmp/zeno-leader.lock")
	v.SetDefault("leader_election.redis_key", "zeno:leader")
	v.SetDefault("leader_election.lease_duration", 15*time.Second)
	v.SetDefault("leader_election.renew_deadline", 10*time.Second)
	v.SetDefault("leader_election.retry_period", 2*time.Second)

	// Store defaults
	v.SetDefault("store.enabled", false)
	v.SetDefault("store.path", "/tmp/zeno-events.json")
	v.SetDefault("store.max_events", 1000)

	// Event stream defaults
	v.SetDefault("events.history", 500)
	v.SetDefault("events.redis.enabled", false)
	v.SetDefault("events.redis.addr", "localhost:6379")
	v.SetDefault("events.redis.key", "zeno:events")
	v.SetDefault("events.redis.max_len", 10000)

	// General defaults
	v.SetDefault("policy_dir", "")
	v.SetDefault("dry_run", false)
	v.SetDefault("log_level", "info")
}

func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}

	// GitHub validation
	if c.GitHub.Token == "" {
		return fmt.Errorf("github.token is required")
	}
	if len(c.Repositories) == 0 && c.PolicyDir == "" {
		return fmt.Errorf("at least one repository or a policy_dir must be configured")
	}
	seen := make(map[string]bool, len(c.Repositories))
	for _, r := range c.Repositories {
		if seen[r.Name] {
			return fmt.Errorf("repository %s is configured twice", r.Name)
		}
		seen[r.Name] = true
	}

	// The global policy must be usable on its own; per-repository policies
	// are checked in Policies and only exclude their repository.
	if err := c.Scaling.Resolve().Validate(); err != nil {
		return fmt.Errorf("scaling: %w", err)
	}

	// Orchestrator validation
	if c.Orchestrator.TickInterval <= 0 {
		return fmt.Errorf("orchestrator.tick_interval must be > 0")
	}
	if c.Orchestrator.DegradedBackoffMax < c.Orchestrator.DegradedBackoff {
		return fmt.Errorf("orchestrator.degraded_backoff_max must be >= orchestrator.degraded_backoff")
	}

	// Lifecycle validation
	if c.Lifecycle.BackoffMax < c.Lifecycle.BackoffBase {
		return fmt.Errorf("lifecycle.backoff_max must be >= lifecycle.backoff_base")
	}
	if c.Lifecycle.DrainTimeout <= 0 {
		return fmt.Errorf("lifecycle.drain_timeout must be > 0")
	}
	if c.Lifecycle.RegistrationTimeout <= 0 {
		return fmt.Errorf("lifecycle.registration_timeout must be > 0")
	}

	// Warm pool validation
	if c.WarmPool.Enabled {
		if c.WarmPool.MaxAge <= 0 {
			return fmt.Errorf("warm_pool.max_age must be > 0")
		}
		if c.WarmPool.SweepSchedule == "" {
			return fmt.Errorf("warm_pool.sweep_schedule is required when warm_pool is enabled")
		}
		if _, err := cron.ParseStandard(c.WarmPool.SweepSchedule); err != nil {
			return fmt.Errorf("invalid warm_pool.sweep_schedule: %w", err)
		}
	}

	// Provider validation
	switch c.Provider.Type {
	case "docker":
		if c.Provider.Docker.Image == "" {
			return fmt.Errorf("provider.docker.image is required when using docker provider")
		}
	case "ec2":
		if c.Provider.AWS.Region == "" {
			return fmt.Errorf("provider.aws.region is required when using ec2 provider")
		}
		if c.Provider.AWS.AMI == "" {
			return fmt.Errorf("provider.aws.ami is required when using ec2 provider")
		}
		if c.Provider.AWS.SubnetID == "" {
			return fmt.Errorf("provider.aws.subnet_id is required when using ec2 provider")
		}
		if len(c.Provider.AWS.SecurityGroupIDs) == 0 {
			return fmt.Errorf("provider.aws.security_group_ids is required when using ec2 provider")
		}
	case "kubernetes":
		if c.Provider.Kubernetes.Namespace == "" {
			return fmt.Errorf("provider.kubernetes.namespace is required when using kubernetes provider")
		}
		if c.Provider.Kubernetes.Image == "" {
			return fmt.Errorf("provider.kubernetes.image is required when using kubernetes provider")
		}
	default:
		return fmt.Errorf("provider.type must be one of 'docker', 'ec2' or 'kubernetes'")
	}

	// Server validation
	if c.Server.EnableAuth && c.Server.APIKey == "" {
		return fmt.Errorf("server.api_key is required when server.enable_auth is true")
	}

	// Leader election validation
	if c.LeaderElection.Enabled {
		if c.LeaderElection.Backend == "file" && c.LeaderElection.LockFilePath == "" {
			return fmt.Errorf("leader_election.lock_file_path is required when enabled")
		}
		if c.LeaderElection.Backend == "redis" && !c.Events.Redis.Enabled {
			return fmt.Errorf("leader_election.backend=redis requires events.redis")
		}
		if c.LeaderElection.LeaseDuration <= 0 {
			return fmt.Errorf("leader_election.lease_duration must be > 0")
		}
		if c.LeaderElection.RenewDeadline <= 0 {
			return fmt.Errorf("leader_election.renew_deadline must be > 0")
		}
		if c.LeaderElection.RenewDeadline >= c.LeaderElection.LeaseDuration {
			return fmt.Errorf("leader_election.renew_deadline must be < lease_duration")
		}
	}

	return nil
}

// Policies resolves the effective policy of every configured repository.
// Inline overrides apply first, then the repository's document in
// policy_dir. A repository whose document does not parse or whose
// resulting policy is invalid comes back with Err set; only a policy_dir
// that cannot be read at all fails the call.
func (c *Config) Policies() ([]policy.Resolution, error) {
	inline := make(map[string]policy.Override, len(c.Repositories))
	for _, r := range c.Repositories {
		inline[r.Name] = r.Policy
	}

	var docs map[string]policy.Override
	var docErrs map[string]error
	if c.PolicyDir != "" {
		var err error
		docs, docErrs, err = policy.LoadDir(c.PolicyDir)
		if err != nil {
			return nil, err
		}
	}

	names := make(map[string]bool)
	for name := range inline {
		names[name] = true
	}
	for name := range docs {
		names[name] = true
	}
	for name := range docErrs {
		names[name] = true
	}

	sorted := make([]string, 0, len(names))
	for name := range names {
		sorted = append(sorted, name)
	}
	sort.Strings(sorted)

	out := make([]policy.Resolution, 0, len(sorted))
	for _, name := range sorted {
		if err, bad := docErrs[name]; bad {
			out = append(out, policy.Resolution{
				Repository: name,
				Policy:     c.Scaling.Resolve(),
				Err:        fmt.Errorf("repository %s: %w", name, err),
			})
			continue
		}
		var overrides []policy.Override
		if o, ok := inline[name]; ok {
			overrides = append(overrides, o)
		}
		if o, ok := docs[name]; ok {
			overrides = append(overrides, o)
		}
		out = append(out, policy.Resolve(name, c.Scaling, overrides...))
	}
	return out, nil
}
