package ec2

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"

	"github.com/HueCodes/zeno/internal/config"
	"github.com/HueCodes/zeno/internal/models"
	"github.com/HueCodes/zeno/internal/provider"
)

const (
	tagCreatedAt = "zeno.created-at"
	tagName      = "Name"

	spotFulfilmentTimeout = 5 * time.Minute
)

// EC2Provider runs one runner per VM. Warm slots are not supported: user
// data only runs at boot, so a VM cannot be handed a repository later.
type EC2Provider struct {
	client *ec2.Client
	config config.AWSConfig
	logger *slog.Logger
}

// New creates a new EC2 provider
func New(ctx context.Context, cfg config.AWSConfig, logger *slog.Logger) (*EC2Provider, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &EC2Provider{
		client: ec2.NewFromConfig(awsCfg),
		config: cfg,
		logger: logger.With("provider", "ec2"),
	}, nil
}

func (p *EC2Provider) Name() string {
	return "ec2"
}

func (p *EC2Provider) CreateInstance(ctx context.Context, spec *provider.InstanceSpec) (*provider.Instance, error) {
	if spec.Warm {
		return nil, provider.ErrAssignUnsupported
	}

	id := spec.ID
	if id == "" {
		id = uuid.New().String()
	}
	name := spec.Name
	if name == "" {
		name = fmt.Sprintf("zeno-runner-%s", id[:8])
	}
	now := time.Now()

	p.logger.Info("creating EC2 instance",
		"id", id,
		"name", name,
		"repository", spec.Repository,
		"instance_type", p.config.InstanceType,
		"use_spot", p.config.UseSpot,
	)

	userData := base64.StdEncoding.EncodeToString([]byte(p.buildUserData(name, spec)))

	tags := p.buildTags(id, name, spec, now)
	tagSpecs := []types.TagSpecification{
		{
			ResourceType: types.ResourceTypeInstance,
			Tags:         tags,
		},
		{
			ResourceType: types.ResourceTypeVolume,
			Tags:         tags,
		},
	}

	blockDeviceMappings := []types.BlockDeviceMapping{
		{
			DeviceName: aws.String("/dev/sda1"),
			Ebs: &types.EbsBlockDevice{
				VolumeSize:          aws.Int32(p.config.VolumeSize),
				VolumeType:          types.VolumeType(p.config.VolumeType),
				DeleteOnTermination: aws.Bool(true),
			},
		},
	}

	ami := p.config.AMI
	if spec.Image != "" {
		ami = spec.Image
	}

	var instanceID string
	var err error
	if p.config.UseSpot {
		instanceID, err = p.createSpotInstance(ctx, ami, userData, tagSpecs, blockDeviceMappings)
	} else {
		instanceID, err = p.createOnDemandInstance(ctx, ami, userData, tagSpecs, blockDeviceMappings)
	}
	if err != nil {
		return nil, err
	}

	p.logger.Info("EC2 instance created", "id", id, "instance_id", instanceID)

	return &provider.Instance{
		Handle:     instanceID,
		ID:         id,
		Name:       name,
		Repository: spec.Repository,
		Class:      spec.Class,
		Template:   spec.Template,
		State:      string(types.InstanceStateNamePending),
		CreatedAt:  now,
	}, nil
}

func (p *EC2Provider) RemoveInstance(ctx context.Context, handle string) error {
	p.logger.Info("terminating EC2 instance", "instance_id", handle)

	_, err := p.client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
		InstanceIds: []string{handle},
	})
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to terminate instance: %w", err)
	}
	return nil
}

func (p *EC2Provider) ListInstances(ctx context.Context, f provider.Filter) ([]*provider.Instance, error) {
	if f.WarmOnly {
		return nil, nil
	}

	filters := []types.Filter{
		{
			Name:   aws.String("tag:" + provider.LabelManagedBy),
			Values: []string{provider.ManagedByValue},
		},
		{
			Name:   aws.String("instance-state-name"),
			Values: []string{"pending", "running", "stopping", "stopped"},
		},
	}
	if f.Repository != "" {
		filters = append(filters, types.Filter{
			Name:   aws.String("tag:" + provider.LabelRepository),
			Values: []string{f.Repository},
		})
	}

	var out []*provider.Instance
	paginator := ec2.NewDescribeInstancesPaginator(p.client, &ec2.DescribeInstancesInput{Filters: filters})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to describe instances: %w", err)
		}
		for _, reservation := range page.Reservations {
			for i := range reservation.Instances {
				inst := toInstance(&reservation.Instances[i])
				if f.Matches(inst) {
					out = append(out, inst)
				}
			}
		}
	}
	return out, nil
}

// Probe treats a running VM whose status checks have not failed as healthy.
func (p *EC2Provider) Probe(ctx context.Context, handle string) (provider.Health, error) {
	result, err := p.client.DescribeInstanceStatus(ctx, &ec2.DescribeInstanceStatusInput{
		InstanceIds:         []string{handle},
		IncludeAllInstances: aws.Bool(true),
	})
	if err != nil {
		if isNotFound(err) {
			return provider.Unhealthy, provider.ErrNotFound
		}
		return provider.Unhealthy, fmt.Errorf("failed to describe instance status: %w", err)
	}
	if len(result.InstanceStatuses) == 0 {
		return provider.Unhealthy, provider.ErrNotFound
	}

	status := result.InstanceStatuses[0]
	if status.InstanceState == nil || status.InstanceState.Name != types.InstanceStateNameRunning {
		return provider.Unhealthy, nil
	}
	if status.InstanceStatus != nil && status.InstanceStatus.Status == types.SummaryStatusImpaired {
		return provider.Unhealthy, nil
	}
	if status.SystemStatus != nil && status.SystemStatus.Status == types.SummaryStatusImpaired {
		return provider.Unhealthy, nil
	}
	return provider.Healthy, nil
}

func (p *EC2Provider) HealthCheck(ctx context.Context) error {
	// Simple check: describe regions to verify API access
	_, err := p.client.DescribeRegions(ctx, &ec2.DescribeRegionsInput{})
	if err != nil {
		return fmt.Errorf("EC2 health check failed: %w", err)
	}
	return nil
}

func (p *EC2Provider) Close() error {
	return nil
}

func (p *EC2Provider) createOnDemandInstance(
	ctx context.Context,
	ami string,
	userData string,
	tagSpecs []types.TagSpecification,
	blockDeviceMappings []types.BlockDeviceMapping,
) (string, error) {
	input := &ec2.RunInstancesInput{
		ImageId:             aws.String(ami),
		InstanceType:        types.InstanceType(p.config.InstanceType),
		MinCount:            aws.Int32(1),
		MaxCount:            aws.Int32(1),
		UserData:            aws.String(userData),
		SubnetId:            aws.String(p.config.SubnetID),
		SecurityGroupIds:    p.config.SecurityGroupIDs,
		TagSpecifications:   tagSpecs,
		BlockDeviceMappings: blockDeviceMappings,
	}

	if p.config.KeyName != "" {
		input.KeyName = aws.String(p.config.KeyName)
	}

	if p.config.IAMInstanceProfile != "" {
		input.IamInstanceProfile = &types.IamInstanceProfileSpecification{
			Name: aws.String(p.config.IAMInstanceProfile),
		}
	}

	result, err := p.client.RunInstances(ctx, input)
	if err != nil {
		return "", fmt.Errorf("failed to run on-demand instance: %w", err)
	}

	if len(result.Instances) == 0 {
		return "", fmt.Errorf("no instances created")
	}

	return *result.Instances[0].InstanceId, nil
}

func (p *EC2Provider) createSpotInstance(
	ctx context.Context,
	ami string,
	userData string,
	tagSpecs []types.TagSpecification,
	blockDeviceMappings []types.BlockDeviceMapping,
) (string, error) {
	launchSpec := &types.RequestSpotLaunchSpecification{
		ImageId:             aws.String(ami),
		InstanceType:        types.InstanceType(p.config.InstanceType),
		UserData:            aws.String(userData),
		SubnetId:            aws.String(p.config.SubnetID),
		SecurityGroupIds:    p.config.SecurityGroupIDs,
		BlockDeviceMappings: blockDeviceMappings,
	}

	if p.config.KeyName != "" {
		launchSpec.KeyName = aws.String(p.config.KeyName)
	}

	if p.config.IAMInstanceProfile != "" {
		launchSpec.IamInstanceProfile = &types.IamInstanceProfileSpecification{
			Name: aws.String(p.config.IAMInstanceProfile),
		}
	}

	input := &ec2.RequestSpotInstancesInput{
		InstanceCount:       aws.Int32(1),
		Type:                types.SpotInstanceTypeOneTime,
		LaunchSpecification: launchSpec,
		TagSpecifications: []types.TagSpecification{
			{ResourceType: types.ResourceTypeSpotInstancesRequest, Tags: tagSpecs[0].Tags},
		},
	}
	if p.config.SpotMaxPrice != "" {
		input.SpotPrice = aws.String(p.config.SpotMaxPrice)
	}

	result, err := p.client.RequestSpotInstances(ctx, input)
	if err != nil {
		return "", fmt.Errorf("failed to request spot instance: %w", err)
	}

	if len(result.SpotInstanceRequests) == 0 {
		return "", fmt.Errorf("no spot requests created")
	}

	requestID := *result.SpotInstanceRequests[0].SpotInstanceRequestId

	// Wait for spot request to be fulfilled
	waiter := ec2.NewSpotInstanceRequestFulfilledWaiter(p.client)
	waitInput := &ec2.DescribeSpotInstanceRequestsInput{
		SpotInstanceRequestIds: []string{requestID},
	}

	if err := waiter.Wait(ctx, waitInput, spotFulfilmentTimeout); err != nil {
		p.cancelSpotRequest(ctx, requestID)
		return "", fmt.Errorf("spot request not fulfilled: %w", err)
	}

	descResult, err := p.client.DescribeSpotInstanceRequests(ctx, waitInput)
	if err != nil {
		return "", fmt.Errorf("failed to describe spot request: %w", err)
	}

	if len(descResult.SpotInstanceRequests) == 0 || descResult.SpotInstanceRequests[0].InstanceId == nil {
		return "", fmt.Errorf("spot request has no instance ID")
	}

	instanceID := *descResult.SpotInstanceRequests[0].InstanceId

	// Spot instances don't inherit tags from the request, and ownership is
	// tracked through tags.
	_, err = p.client.CreateTags(ctx, &ec2.CreateTagsInput{
		Resources: []string{instanceID},
		Tags:      tagSpecs[0].Tags,
	})
	if err != nil {
		_, _ = p.client.TerminateInstances(context.WithoutCancel(ctx), &ec2.TerminateInstancesInput{
			InstanceIds: []string{instanceID},
		})
		return "", fmt.Errorf("failed to tag spot instance: %w", err)
	}

	return instanceID, nil
}

func (p *EC2Provider) cancelSpotRequest(ctx context.Context, requestID string) {
	_, err := p.client.CancelSpotInstanceRequests(context.WithoutCancel(ctx), &ec2.CancelSpotInstanceRequestsInput{
		SpotInstanceRequestIds: []string{requestID},
	})
	if err != nil {
		p.logger.Warn("failed to cancel spot request", "request_id", requestID, "error", err)
	}
}

func (p *EC2Provider) buildUserData(name string, spec *provider.InstanceSpec) string {
	labels := strings.Join(spec.Labels, ",")

	if p.config.UserDataScript != "" {
		script := p.config.UserDataScript
		script = strings.ReplaceAll(script, "{{RUNNER_NAME}}", name)
		script = strings.ReplaceAll(script, "{{RUNNER_TOKEN}}", spec.RegistrationToken)
		script = strings.ReplaceAll(script, "{{RUNNER_URL}}", spec.RegistrationURL)
		script = strings.ReplaceAll(script, "{{REPOSITORY}}", spec.Repository)
		script = strings.ReplaceAll(script, "{{LABELS}}", labels)
		return script
	}

	version := p.config.RunnerVersion
	return fmt.Sprintf(`#!/bin/bash
set -e

cd /home/ubuntu
mkdir actions-runner && cd actions-runner
curl -o actions-runner.tar.gz -L https://github.com/actions/runner/releases/download/v%[1]s/actions-runner-linux-x64-%[1]s.tar.gz
tar xzf ./actions-runner.tar.gz
chown -R ubuntu:ubuntu .

sudo -u ubuntu ./config.sh --url %[2]s --token %[3]s --name %[4]s --labels %[5]s --unattended --replace
sudo -u ubuntu ./run.sh
`,
		version,
		spec.RegistrationURL,
		spec.RegistrationToken,
		name,
		labels,
	)
}

func (p *EC2Provider) buildTags(id, name string, spec *provider.InstanceSpec, now time.Time) []types.Tag {
	tags := []types.Tag{
		{Key: aws.String(provider.LabelManagedBy), Value: aws.String(provider.ManagedByValue)},
		{Key: aws.String(provider.LabelInstanceID), Value: aws.String(id)},
		{Key: aws.String(provider.LabelRepository), Value: aws.String(spec.Repository)},
		{Key: aws.String(provider.LabelClass), Value: aws.String(string(spec.Class))},
		{Key: aws.String(provider.LabelTemplate), Value: aws.String(spec.Template)},
		{Key: aws.String(tagCreatedAt), Value: aws.String(now.Format(time.RFC3339))},
		{Key: aws.String(tagName), Value: aws.String(name)},
	}

	// Add custom tags from config
	for k, v := range p.config.Tags {
		tags = append(tags, types.Tag{
			Key:   aws.String(k),
			Value: aws.String(v),
		})
	}

	return tags
}

func toInstance(instance *types.Instance) *provider.Instance {
	inst := &provider.Instance{
		Handle: aws.ToString(instance.InstanceId),
	}
	if instance.State != nil {
		inst.State = string(instance.State.Name)
	}
	if instance.LaunchTime != nil {
		inst.CreatedAt = *instance.LaunchTime
	}

	for _, tag := range instance.Tags {
		value := aws.ToString(tag.Value)
		switch aws.ToString(tag.Key) {
		case provider.LabelInstanceID:
			inst.ID = value
		case provider.LabelRepository:
			inst.Repository = value
		case provider.LabelClass:
			inst.Class = models.RunnerClass(value)
		case provider.LabelTemplate:
			inst.Template = value
		case tagName:
			inst.Name = value
		case tagCreatedAt:
			if t, err := time.Parse(time.RFC3339, value); err == nil {
				inst.CreatedAt = t
			}
		}
	}
	return inst
}

func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return strings.HasPrefix(apiErr.ErrorCode(), "InvalidInstanceID.NotFound")
	}
	return false
}
