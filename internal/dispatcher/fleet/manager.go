package fleet

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/cuongbtq/media-dispatch/internal/dispatcher/domain"
)

// unboundedWait stands in for "no timeout"; the SDK waiter requires a positive maximum.
const unboundedWait = 7 * 24 * time.Hour

// EC2API is the subset of the EC2 client the fleet manager needs
type EC2API interface {
	ec2.DescribeInstancesAPIClient
	StartInstances(ctx context.Context, params *ec2.StartInstancesInput, optFns ...func(*ec2.Options)) (*ec2.StartInstancesOutput, error)
	StopInstances(ctx context.Context, params *ec2.StopInstancesInput, optFns ...func(*ec2.Options)) (*ec2.StopInstancesOutput, error)
	RunInstances(ctx context.Context, params *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
}

// Config holds fleet manager configuration
type Config struct {
	// TagFilters restricts the fleet to instances carrying all of these tags
	TagFilters map[string]string
	// RunningTimeout bounds AwaitRunning; zero waits as long as the context allows
	RunningTimeout time.Duration
	// PollInterval is the minimum delay between state checks while waiting
	PollInterval time.Duration
}

// Manager starts, stops and inspects compute instances
type Manager struct {
	api    EC2API
	cfg    Config
	logger *slog.Logger
}

// NewManager creates a new fleet manager
func NewManager(api EC2API, cfg Config, logger *slog.Logger) *Manager {
	return &Manager{
		api:    api,
		cfg:    cfg,
		logger: logger,
	}
}

// ListAvailable yields the IDs of stopped instances. Pages are requested only
// as the consumer keeps iterating; a page error ends the sequence.
func (m *Manager) ListAvailable(ctx context.Context) iter.Seq[string] {
	input := &ec2.DescribeInstancesInput{
		Filters: m.filters(),
	}

	return func(yield func(string) bool) {
		paginator := ec2.NewDescribeInstancesPaginator(m.api, input)
		for paginator.HasMorePages() {
			page, err := paginator.NextPage(ctx)
			if err != nil {
				m.logger.Error("Failed to list stopped instances",
					slog.String("error", err.Error()),
				)
				return
			}

			for _, reservation := range page.Reservations {
				for _, instance := range reservation.Instances {
					if !yield(aws.ToString(instance.InstanceId)) {
						return
					}
				}
			}
		}
	}
}

func (m *Manager) filters() []types.Filter {
	filters := []types.Filter{
		{
			Name:   aws.String("instance-state-name"),
			Values: []string{string(types.InstanceStateNameStopped)},
		},
	}
	for key, value := range m.cfg.TagFilters {
		filters = append(filters, types.Filter{
			Name:   aws.String("tag:" + key),
			Values: []string{value},
		})
	}
	return filters
}

// Start requests that an instance start
func (m *Manager) Start(ctx context.Context, instanceID string) error {
	_, err := m.api.StartInstances(ctx, &ec2.StartInstancesInput{
		InstanceIds: []string{instanceID},
	})
	if err != nil {
		m.logger.Error("Failed to start instance",
			slog.String("instance_id", instanceID),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("failed to start instance %s: %w", instanceID, err)
	}

	m.logger.Info("Started instance",
		slog.String("instance_id", instanceID),
	)
	return nil
}

// Stop requests that an instance stop
func (m *Manager) Stop(ctx context.Context, instanceID string) error {
	_, err := m.api.StopInstances(ctx, &ec2.StopInstancesInput{
		InstanceIds: []string{instanceID},
	})
	if err != nil {
		m.logger.Error("Failed to stop instance",
			slog.String("instance_id", instanceID),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("failed to stop instance %s: %w", instanceID, err)
	}

	m.logger.Info("Stopped instance",
		slog.String("instance_id", instanceID),
	)
	return nil
}

// AwaitRunning blocks until the instance reports running
func (m *Manager) AwaitRunning(ctx context.Context, instanceID string) error {
	maxWait := m.cfg.RunningTimeout
	if maxWait <= 0 {
		maxWait = unboundedWait
	}

	waiter := ec2.NewInstanceRunningWaiter(m.api, func(o *ec2.InstanceRunningWaiterOptions) {
		if m.cfg.PollInterval > 0 {
			o.MinDelay = m.cfg.PollInterval
		}
	})

	m.logger.Info("Waiting for instance to come into running state",
		slog.String("instance_id", instanceID),
		slog.Duration("max_wait", maxWait),
	)

	err := waiter.Wait(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{instanceID},
	}, maxWait)
	if err != nil {
		return fmt.Errorf("failed waiting for instance %s: %w", instanceID, err)
	}

	m.logger.Info("Instance is now running",
		slog.String("instance_id", instanceID),
	)
	return nil
}

// Describe returns the current view of one instance
func (m *Manager) Describe(ctx context.Context, instanceID string) (*domain.Instance, error) {
	out, err := m.api.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{instanceID},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to describe instance %s: %w", instanceID, err)
	}

	for _, reservation := range out.Reservations {
		for _, instance := range reservation.Instances {
			if aws.ToString(instance.InstanceId) != instanceID {
				continue
			}
			result := &domain.Instance{
				ID:            instanceID,
				PublicAddress: aws.ToString(instance.PublicIpAddress),
			}
			if instance.State != nil {
				result.State = domain.InstanceState(instance.State.Name)
			}
			return result, nil
		}
	}

	return nil, fmt.Errorf("%w: %s", domain.ErrInstanceNotFound, instanceID)
}

// ResolveAddress returns the public address of a running instance
func (m *Manager) ResolveAddress(ctx context.Context, instanceID string) (string, error) {
	instance, err := m.Describe(ctx, instanceID)
	if err != nil {
		return "", err
	}

	if instance.PublicAddress == "" {
		return "", fmt.Errorf("%w: %s (state %s)", domain.ErrNoAddress, instanceID, instance.State)
	}

	return instance.PublicAddress, nil
}
