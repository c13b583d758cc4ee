package aws

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ciborg/pkg/cloud"
	"ciborg/pkg/models"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/aws/aws-sdk-go/service/ec2/ec2iface"
	"github.com/sirupsen/logrus"
)

const (
	stateRunning    = "running"
	defaultUsername = "ubuntu"
)

// RegionAMI maps regions to the Ubuntu image ciborg boots by default
var RegionAMI = map[string]string{
	"us-east-1":      "ami-a29943cb",
	"us-west-1":      "ami-87712ac2",
	"us-west-2":      "ami-20800c10",
	"eu-west-1":      "ami-e1e8d395",
	"ap-southeast-1": "ami-a4ca8df6",
	"ap-southeast-2": "ami-974ddead",
	"ap-northeast-1": "ami-60c77761",
	"sa-east-1":      "ami-8cd80691",
}

// Provider implements the cloud.Provider interface for AWS EC2
type Provider struct {
	ec2Client    ec2iface.EC2API
	region       string
	imageID      string
	pollInterval time.Duration
	logger       *logrus.Logger

	elasticIP *models.ElasticIP
}

var _ cloud.Provider = (*Provider)(nil)

// Option configures a Provider
type Option func(*Provider)

// WithLogger sets the logger used by the provider
func WithLogger(logger *logrus.Logger) Option {
	return func(p *Provider) {
		p.logger = logger
	}
}

// WithPollInterval sets how often LaunchServer checks instance readiness
func WithPollInterval(d time.Duration) Option {
	return func(p *Provider) {
		p.pollInterval = d
	}
}

// WithImageID overrides the region's default AMI
func WithImageID(imageID string) Option {
	return func(p *Provider) {
		p.imageID = imageID
	}
}

// NewProvider creates a new AWS provider backed by a real EC2 client
func NewProvider(region, accessKey, secretKey string, opts ...Option) (*Provider, error) {
	if region == "" {
		return nil, errors.New("region is required")
	}
	if accessKey == "" {
		return nil, errors.New("AWS_ACCESS_KEY_ID environment variable is required")
	}
	if secretKey == "" {
		return nil, errors.New("AWS_SECRET_ACCESS_KEY environment variable is required")
	}

	sess, err := session.NewSession(&aws.Config{
		Region:      aws.String(region),
		Credentials: credentials.NewStaticCredentials(accessKey, secretKey, ""),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	return NewProviderWithClient(ec2.New(sess), region, opts...), nil
}

// NewProviderWithClient creates a provider around an existing EC2 client
func NewProviderWithClient(client ec2iface.EC2API, region string, opts ...Option) *Provider {
	p := &Provider{
		ec2Client:    client,
		region:       region,
		pollInterval: 5 * time.Second,
		logger:       logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.imageID == "" {
		p.imageID = RegionAMI[region]
	}
	return p
}

// ValidateCredentials checks if AWS credentials are valid
func (p *Provider) ValidateCredentials() error {
	_, err := p.ec2Client.DescribeRegions(&ec2.DescribeRegionsInput{})
	if err != nil {
		return fmt.Errorf("invalid AWS credentials: %w", err)
	}
	return nil
}

// CreateSecurityGroup creates the named security group if it doesn't exist
func (p *Provider) CreateSecurityGroup(name string) error {
	group, err := p.findSecurityGroup(name)
	if err != nil {
		return err
	}
	if group != nil {
		return nil
	}

	spec := models.NewSecurityGroupSpec(name)
	_, err = p.ec2Client.CreateSecurityGroup(&ec2.CreateSecurityGroupInput{
		GroupName:   aws.String(spec.Name),
		Description: aws.String(spec.Description),
	})
	if err != nil {
		if isErrorCode(err, "InvalidGroup.Duplicate") {
			return nil
		}
		return fmt.Errorf("failed to create security group %s: %w", name, err)
	}

	p.logger.WithField("security_group", name).Info("Created security group")
	return nil
}

// OpenPort authorizes tcp ingress for every port no existing rule covers
func (p *Provider) OpenPort(name string, ports ...int) error {
	group, err := p.findSecurityGroup(name)
	if err != nil {
		return err
	}
	if group == nil {
		return fmt.Errorf("security group %s not found", name)
	}

	for _, port := range ports {
		if permissionsCover(group.IpPermissions, port) {
			continue
		}

		permission := &ec2.IpPermission{
			IpProtocol: aws.String("tcp"),
			FromPort:   aws.Int64(int64(port)),
			ToPort:     aws.Int64(int64(port)),
			IpRanges: []*ec2.IpRange{
				{
					CidrIp: aws.String("0.0.0.0/0"),
				},
			},
		}
		_, err := p.ec2Client.AuthorizeSecurityGroupIngress(&ec2.AuthorizeSecurityGroupIngressInput{
			GroupId:       group.GroupId,
			IpPermissions: []*ec2.IpPermission{permission},
		})
		if err != nil {
			return fmt.Errorf("failed to open port %d on %s: %w", port, name, err)
		}
		group.IpPermissions = append(group.IpPermissions, permission)

		p.logger.WithFields(logrus.Fields{
			"security_group": name,
			"port":           port,
		}).Info("Opened port")
	}

	return nil
}

// AddKeyPair imports publicKey under name unless a key pair with that name exists
func (p *Provider) AddKeyPair(name, publicKey string) error {
	exists, err := p.keyPairExists(name)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	spec := models.KeyPairSpec{Name: name, PublicKey: publicKey}
	_, err = p.ec2Client.ImportKeyPair(&ec2.ImportKeyPairInput{
		KeyName:           aws.String(spec.Name),
		PublicKeyMaterial: []byte(spec.PublicKey),
	})
	if err != nil {
		if isErrorCode(err, "InvalidKeyPair.Duplicate") {
			return nil
		}
		return fmt.Errorf("failed to import key pair %s: %w", name, err)
	}

	p.logger.WithField("key_pair", name).Debug("Imported key pair")
	return nil
}

// DeleteKeyPair deletes the named key pair; a missing key pair is not an error
func (p *Provider) DeleteKeyPair(name string) error {
	exists, err := p.keyPairExists(name)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}

	_, err = p.ec2Client.DeleteKeyPair(&ec2.DeleteKeyPairInput{
		KeyName: aws.String(name),
	})
	if err != nil && !isErrorCode(err, "InvalidKeyPair.NotFound") {
		return fmt.Errorf("failed to delete key pair %s: %w", name, err)
	}

	p.logger.WithField("key_pair", name).Debug("Deleted key pair")
	return nil
}

// WithKeyPair runs fn inside an ephemeral key pair scope
func (p *Provider) WithKeyPair(publicKey string, fn func(name string) error) error {
	_, err := cloud.WithKeyPair(p, publicKey, func(name string) (struct{}, error) {
		return struct{}{}, fn(name)
	})
	return err
}

// LaunchServer runs a ciborg-tagged instance and attaches an elastic IP to it
func (p *Provider) LaunchServer(ctx context.Context, keyPairName, securityGroupName, instanceType, zone string) (*models.Instance, error) {
	spec := models.InstanceSpec{
		ImageID:           p.imageID,
		InstanceType:      instanceType,
		AvailabilityZone:  zone,
		Tag:               models.Version,
		KeyPairName:       keyPairName,
		SecurityGroupName: securityGroupName,
	}
	if spec.ImageID == "" {
		return nil, fmt.Errorf("no image configured for region %s", p.region)
	}

	input := &ec2.RunInstancesInput{
		ImageId:        aws.String(spec.ImageID),
		InstanceType:   aws.String(spec.InstanceType),
		MinCount:       aws.Int64(1),
		MaxCount:       aws.Int64(1),
		KeyName:        aws.String(spec.KeyPairName),
		SecurityGroups: []*string{aws.String(spec.SecurityGroupName)},
		TagSpecifications: []*ec2.TagSpecification{
			{
				ResourceType: aws.String("instance"),
				Tags: []*ec2.Tag{
					{
						Key:   aws.String("Name"),
						Value: aws.String("Ciborg"),
					},
					{
						Key:   aws.String(models.TagKey),
						Value: aws.String(spec.Tag),
					},
				},
			},
		},
	}
	if spec.AvailabilityZone != "" {
		input.Placement = &ec2.Placement{AvailabilityZone: aws.String(spec.AvailabilityZone)}
	}

	reservation, err := p.ec2Client.RunInstancesWithContext(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to launch instance: %w", err)
	}
	if len(reservation.Instances) == 0 {
		return nil, errors.New("no instance returned from RunInstances")
	}

	instanceID := aws.StringValue(reservation.Instances[0].InstanceId)
	logger := p.logger.WithField("instance_id", instanceID)
	logger.Info("Instance launched, waiting for it to become ready")

	if err := p.waitForRunning(ctx, instanceID); err != nil {
		return nil, err
	}

	address, err := p.ElasticIPAddress()
	if err != nil {
		return nil, err
	}

	assoc := &ec2.AssociateAddressInput{
		InstanceId: aws.String(instanceID),
		PublicIp:   aws.String(address.Address),
	}
	if address.ID != "" {
		assoc.PublicIp = nil
		assoc.AllocationId = aws.String(address.ID)
	}
	if _, err := p.ec2Client.AssociateAddressWithContext(ctx, assoc); err != nil {
		return nil, fmt.Errorf("failed to associate %s with %s: %w", address.Address, instanceID, err)
	}
	logger.WithField("public_ip", address.Address).Info("Associated elastic IP")

	instance, err := p.describeInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if instance == nil {
		return nil, fmt.Errorf("instance %s not found after launch", instanceID)
	}
	return instance, nil
}

// Destroy terminates every confirmed ciborg instance the selector matches
func (p *Provider) Destroy(selector cloud.Selector, confirm cloud.ConfirmFunc, observe cloud.ObserveFunc) error {
	servers, err := p.Servers()
	if err != nil {
		return err
	}

	for _, server := range servers {
		if !selector.Matches(server.ID) {
			continue
		}
		if !confirm(server) {
			p.logger.WithField("instance_id", server.ID).Debug("Destroy not confirmed, skipping")
			continue
		}

		ip := server.PublicIP
		_, err := p.ec2Client.TerminateInstances(&ec2.TerminateInstancesInput{
			InstanceIds: []*string{aws.String(server.ID)},
		})
		if err != nil {
			return fmt.Errorf("failed to terminate instance %s: %w", server.ID, err)
		}
		p.logger.WithField("instance_id", server.ID).Info("Terminated instance")

		if ip != "" {
			if err := p.ReleaseElasticIP(ip); err != nil {
				return err
			}
		}

		if observe != nil {
			observe(server)
		}
	}

	return nil
}

// Servers lists running instances tagged with the ciborg key
func (p *Provider) Servers() ([]*models.Instance, error) {
	var instances []*models.Instance
	err := p.ec2Client.DescribeInstancesPages(&ec2.DescribeInstancesInput{
		Filters: []*ec2.Filter{
			{
				Name:   aws.String("tag-key"),
				Values: []*string{aws.String(models.TagKey)},
			},
			{
				Name:   aws.String("instance-state-name"),
				Values: []*string{aws.String(stateRunning)},
			},
		},
	}, func(page *ec2.DescribeInstancesOutput, lastPage bool) bool {
		for _, reservation := range page.Reservations {
			for _, instance := range reservation.Instances {
				inst := toInstance(instance)
				if isCiborgServer(inst) {
					instances = append(instances, inst)
				}
			}
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}

	return instances, nil
}

// ElasticIPAddress allocates an elastic IP on first call and returns the same one afterwards
func (p *Provider) ElasticIPAddress() (*models.ElasticIP, error) {
	if p.elasticIP != nil {
		return p.elasticIP, nil
	}

	result, err := p.ec2Client.AllocateAddress(&ec2.AllocateAddressInput{
		Domain: aws.String(ec2.DomainTypeVpc),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to allocate elastic IP: %w", err)
	}

	p.elasticIP = &models.ElasticIP{
		ID:      aws.StringValue(result.AllocationId),
		Address: aws.StringValue(result.PublicIp),
	}
	p.logger.WithField("public_ip", p.elasticIP.Address).Info("Allocated elastic IP")
	return p.elasticIP, nil
}

// ReleaseElasticIP releases address if it is allocated to the account
func (p *Provider) ReleaseElasticIP(address string) error {
	result, err := p.ec2Client.DescribeAddresses(&ec2.DescribeAddressesInput{
		Filters: []*ec2.Filter{
			{
				Name:   aws.String("public-ip"),
				Values: []*string{aws.String(address)},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to describe address %s: %w", address, err)
	}

	for _, addr := range result.Addresses {
		if aws.StringValue(addr.PublicIp) != address {
			continue
		}

		input := &ec2.ReleaseAddressInput{}
		if addr.AllocationId != nil {
			input.AllocationId = addr.AllocationId
		} else {
			input.PublicIp = addr.PublicIp
		}
		if _, err := p.ec2Client.ReleaseAddress(input); err != nil {
			if isErrorCode(err, "InvalidAllocationID.NotFound") || isErrorCode(err, "InvalidAddress.NotFound") {
				break
			}
			return fmt.Errorf("failed to release address %s: %w", address, err)
		}
		p.logger.WithField("public_ip", address).Info("Released elastic IP")
		break
	}

	if p.elasticIP != nil && p.elasticIP.Address == address {
		p.elasticIP = nil
	}
	return nil
}

func (p *Provider) findSecurityGroup(name string) (*ec2.SecurityGroup, error) {
	result, err := p.ec2Client.DescribeSecurityGroups(&ec2.DescribeSecurityGroupsInput{
		Filters: []*ec2.Filter{
			{
				Name:   aws.String("group-name"),
				Values: []*string{aws.String(name)},
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to describe security group %s: %w", name, err)
	}

	for _, group := range result.SecurityGroups {
		if aws.StringValue(group.GroupName) == name {
			return group, nil
		}
	}
	return nil, nil
}

func (p *Provider) keyPairExists(name string) (bool, error) {
	result, err := p.ec2Client.DescribeKeyPairs(&ec2.DescribeKeyPairsInput{
		KeyNames: []*string{aws.String(name)},
	})
	if err != nil {
		if isErrorCode(err, "InvalidKeyPair.NotFound") {
			return false, nil
		}
		return false, fmt.Errorf("failed to describe key pair %s: %w", name, err)
	}

	for _, key := range result.KeyPairs {
		if aws.StringValue(key.KeyName) == name {
			return true, nil
		}
	}
	return false, nil
}

// failedStates are states an instance never leaves for running
var failedStates = map[string]bool{
	"shutting-down": true,
	"terminated":    true,
	"stopping":      true,
	"stopped":       true,
}

// waitForRunning polls until the instance reports the running state. There
// is no upper bound other than ctx, but a state in failedStates ends the wait.
func (p *Provider) waitForRunning(ctx context.Context, instanceID string) error {
	logger := p.logger.WithField("instance_id", instanceID)
	for {
		instance, err := p.describeInstance(ctx, instanceID)
		if err != nil {
			return err
		}
		if instance != nil {
			logger.WithField("state", instance.State).Debug("Polled instance state")
			if instance.State == stateRunning {
				return nil
			}
			if failedStates[instance.State] {
				return fmt.Errorf("instance %s entered state %s before running", instanceID, instance.State)
			}
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("stopped waiting for instance %s: %w", instanceID, ctx.Err())
		case <-time.After(p.pollInterval):
		}
	}
}

// describeInstance returns nil without error while EC2 does not know the id
// yet, which happens briefly after RunInstances.
func (p *Provider) describeInstance(ctx context.Context, instanceID string) (*models.Instance, error) {
	result, err := p.ec2Client.DescribeInstancesWithContext(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []*string{aws.String(instanceID)},
	})
	if err != nil {
		if isErrorCode(err, "InvalidInstanceID.NotFound") {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to describe instance %s: %w", instanceID, err)
	}

	if len(result.Reservations) == 0 || len(result.Reservations[0].Instances) == 0 {
		return nil, nil
	}
	return toInstance(result.Reservations[0].Instances[0]), nil
}

func isCiborgServer(instance *models.Instance) bool {
	_, tagged := instance.Tags[models.TagKey]
	return tagged && instance.State == stateRunning
}

func permissionsCover(permissions []*ec2.IpPermission, port int) bool {
	for _, permission := range permissions {
		if permission.FromPort == nil || permission.ToPort == nil {
			continue
		}
		r := models.PortRange{
			From: int(aws.Int64Value(permission.FromPort)),
			To:   int(aws.Int64Value(permission.ToPort)),
		}
		if r.Contains(port) {
			return true
		}
	}
	return false
}

func toInstance(instance *ec2.Instance) *models.Instance {
	inst := &models.Instance{
		ID:           aws.StringValue(instance.InstanceId),
		InstanceType: aws.StringValue(instance.InstanceType),
		PublicIP:     aws.StringValue(instance.PublicIpAddress),
		KeyName:      aws.StringValue(instance.KeyName),
		Username:     defaultUsername,
	}
	if instance.State != nil {
		inst.State = aws.StringValue(instance.State.Name)
	}
	if instance.Placement != nil {
		inst.AvailabilityZone = aws.StringValue(instance.Placement.AvailabilityZone)
	}
	if instance.PrivateIpAddress != nil {
		inst.PrivateAddresses = append(inst.PrivateAddresses, *instance.PrivateIpAddress)
	}
	if len(instance.Tags) > 0 {
		inst.Tags = make(map[string]string, len(instance.Tags))
		for _, tag := range instance.Tags {
			inst.Tags[aws.StringValue(tag.Key)] = aws.StringValue(tag.Value)
		}
	}
	inst.Name = inst.Tags["Name"]
	return inst
}

func isErrorCode(err error, code string) bool {
	var aerr awserr.Error
	return errors.As(err, &aerr) && aerr.Code() == code
}
