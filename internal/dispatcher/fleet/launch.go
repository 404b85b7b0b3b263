package fleet

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
)

// Tag is a key/value pair applied to a launched instance
type Tag struct {
	Key   string `json:"Key"`
	Value string `json:"Value"`
}

// LaunchSpec describes a new instance to provision
type LaunchSpec struct {
	Region           string   `json:"region"`
	ImageID          string   `json:"ami"`
	InstanceType     string   `json:"instance_type"`
	KeyName          string   `json:"ssh_key_name"`
	SecurityGroupIDs []string `json:"security_group_ids"`
	Tags             []Tag    `json:"set_new_instance_tags"`
}

// Validate checks that the spec names everything RunInstances needs
func (s *LaunchSpec) Validate() error {
	if s.ImageID == "" {
		return fmt.Errorf("launch spec: ami is required")
	}
	if s.InstanceType == "" {
		return fmt.Errorf("launch spec: instance_type is required")
	}
	if s.KeyName == "" {
		return fmt.Errorf("launch spec: ssh_key_name is required")
	}
	return nil
}

// Launch provisions one new instance and returns its ID
func (m *Manager) Launch(ctx context.Context, spec *LaunchSpec) (string, error) {
	if err := spec.Validate(); err != nil {
		return "", err
	}

	input := &ec2.RunInstancesInput{
		ImageId:          aws.String(spec.ImageID),
		InstanceType:     types.InstanceType(spec.InstanceType),
		KeyName:          aws.String(spec.KeyName),
		MinCount:         aws.Int32(1),
		MaxCount:         aws.Int32(1),
		SecurityGroupIds: spec.SecurityGroupIDs,
	}

	if len(spec.Tags) > 0 {
		tags := make([]types.Tag, 0, len(spec.Tags))
		for _, t := range spec.Tags {
			tags = append(tags, types.Tag{Key: aws.String(t.Key), Value: aws.String(t.Value)})
		}
		input.TagSpecifications = []types.TagSpecification{
			{ResourceType: types.ResourceTypeInstance, Tags: tags},
		}
	}

	m.logger.Info("Launching new instance",
		slog.String("ami", spec.ImageID),
		slog.String("instance_type", spec.InstanceType),
	)

	out, err := m.api.RunInstances(ctx, input)
	if err != nil {
		return "", fmt.Errorf("failed to launch instance: %w", err)
	}
	if len(out.Instances) == 0 {
		return "", fmt.Errorf("failed to launch instance: empty response")
	}

	instanceID := aws.ToString(out.Instances[0].InstanceId)
	m.logger.Info("Launched new instance",
		slog.String("instance_id", instanceID),
	)
	return instanceID, nil
}
