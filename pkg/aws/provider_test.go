package aws

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"ciborg/pkg/cloud"
	"ciborg/pkg/models"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/aws/aws-sdk-go/service/ec2/ec2iface"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeEC2 is an in-memory EC2 account. Calls not overridden here panic via
// the embedded nil interface.
type fakeEC2 struct {
	ec2iface.EC2API

	groups    map[string]*ec2.SecurityGroup
	keyPairs  map[string][]byte
	instances map[string]*ec2.Instance
	order     []string
	addresses map[string]*ec2.Address
	pending   map[string]int

	pollsUntilRunning int
	launchFailsAs     string
	pageSize          int
	pages             int
	nextID            int

	createGroupCalls int
	authorizeCalls   int
	terminated       []string
	listErr          error
}

func newFakeEC2() *fakeEC2 {
	return &fakeEC2{
		groups:    make(map[string]*ec2.SecurityGroup),
		keyPairs:  make(map[string][]byte),
		instances: make(map[string]*ec2.Instance),
		addresses: make(map[string]*ec2.Address),
		pending:   make(map[string]int),
	}
}

func (f *fakeEC2) id(prefix string) string {
	f.nextID++
	return fmt.Sprintf("%s-%d", prefix, f.nextID)
}

func (f *fakeEC2) DescribeRegions(*ec2.DescribeRegionsInput) (*ec2.DescribeRegionsOutput, error) {
	return &ec2.DescribeRegionsOutput{}, nil
}

func (f *fakeEC2) DescribeSecurityGroups(input *ec2.DescribeSecurityGroupsInput) (*ec2.DescribeSecurityGroupsOutput, error) {
	out := &ec2.DescribeSecurityGroupsOutput{}
	for _, filter := range input.Filters {
		for _, name := range filter.Values {
			if group, ok := f.groups[aws.StringValue(name)]; ok {
				cp := *group
				cp.IpPermissions = append([]*ec2.IpPermission(nil), group.IpPermissions...)
				out.SecurityGroups = append(out.SecurityGroups, &cp)
			}
		}
	}
	return out, nil
}

func (f *fakeEC2) CreateSecurityGroup(input *ec2.CreateSecurityGroupInput) (*ec2.CreateSecurityGroupOutput, error) {
	f.createGroupCalls++
	name := aws.StringValue(input.GroupName)
	if _, ok := f.groups[name]; ok {
		return nil, awserr.New("InvalidGroup.Duplicate", "group exists", nil)
	}
	group := &ec2.SecurityGroup{
		GroupId:     aws.String(f.id("sg")),
		GroupName:   input.GroupName,
		Description: input.Description,
	}
	f.groups[name] = group
	return &ec2.CreateSecurityGroupOutput{GroupId: group.GroupId}, nil
}

func (f *fakeEC2) AuthorizeSecurityGroupIngress(input *ec2.AuthorizeSecurityGroupIngressInput) (*ec2.AuthorizeSecurityGroupIngressOutput, error) {
	f.authorizeCalls++
	for _, group := range f.groups {
		if aws.StringValue(group.GroupId) == aws.StringValue(input.GroupId) {
			group.IpPermissions = append(group.IpPermissions, input.IpPermissions...)
			return &ec2.AuthorizeSecurityGroupIngressOutput{}, nil
		}
	}
	return nil, awserr.New("InvalidGroup.NotFound", "no such group", nil)
}

func (f *fakeEC2) DescribeKeyPairs(input *ec2.DescribeKeyPairsInput) (*ec2.DescribeKeyPairsOutput, error) {
	out := &ec2.DescribeKeyPairsOutput{}
	for _, name := range input.KeyNames {
		if _, ok := f.keyPairs[aws.StringValue(name)]; !ok {
			return nil, awserr.New("InvalidKeyPair.NotFound", "no such key", nil)
		}
		out.KeyPairs = append(out.KeyPairs, &ec2.KeyPairInfo{KeyName: name})
	}
	return out, nil
}

func (f *fakeEC2) ImportKeyPair(input *ec2.ImportKeyPairInput) (*ec2.ImportKeyPairOutput, error) {
	f.keyPairs[aws.StringValue(input.KeyName)] = input.PublicKeyMaterial
	return &ec2.ImportKeyPairOutput{KeyName: input.KeyName}, nil
}

func (f *fakeEC2) DeleteKeyPair(input *ec2.DeleteKeyPairInput) (*ec2.DeleteKeyPairOutput, error) {
	delete(f.keyPairs, aws.StringValue(input.KeyName))
	return &ec2.DeleteKeyPairOutput{}, nil
}

func (f *fakeEC2) RunInstancesWithContext(_ aws.Context, input *ec2.RunInstancesInput, _ ...request.Option) (*ec2.Reservation, error) {
	instance := &ec2.Instance{
		InstanceId:       aws.String(f.id("i")),
		InstanceType:     input.InstanceType,
		KeyName:          input.KeyName,
		Placement:        input.Placement,
		PrivateIpAddress: aws.String("10.0.0.1"),
		State:            &ec2.InstanceState{Name: aws.String("pending")},
	}
	for _, spec := range input.TagSpecifications {
		instance.Tags = append(instance.Tags, spec.Tags...)
	}
	id := aws.StringValue(instance.InstanceId)
	f.instances[id] = instance
	f.order = append(f.order, id)
	if f.launchFailsAs != "" {
		instance.State.Name = aws.String(f.launchFailsAs)
	} else {
		f.pending[id] = f.pollsUntilRunning
	}
	return &ec2.Reservation{Instances: []*ec2.Instance{instance}}, nil
}

func (f *fakeEC2) DescribeInstancesWithContext(_ aws.Context, input *ec2.DescribeInstancesInput, _ ...request.Option) (*ec2.DescribeInstancesOutput, error) {
	out := &ec2.DescribeInstancesOutput{}
	for _, id := range input.InstanceIds {
		instance, ok := f.instances[aws.StringValue(id)]
		if !ok {
			return nil, awserr.New("InvalidInstanceID.NotFound", "no such instance", nil)
		}
		if remaining, ok := f.pending[*id]; ok {
			if remaining <= 0 {
				instance.State.Name = aws.String("running")
				delete(f.pending, *id)
			} else {
				f.pending[*id] = remaining - 1
			}
		}
		out.Reservations = append(out.Reservations, &ec2.Reservation{Instances: []*ec2.Instance{instance}})
	}
	return out, nil
}

// DescribeInstancesPages ignores filters so the provider's own predicate is
// exercised. With pageSize set it hands out one reservation per page.
func (f *fakeEC2) DescribeInstancesPages(_ *ec2.DescribeInstancesInput, fn func(*ec2.DescribeInstancesOutput, bool) bool) error {
	if f.listErr != nil {
		return f.listErr
	}
	size := f.pageSize
	if size <= 0 {
		size = len(f.order) + 1
	}
	for start := 0; start == 0 || start < len(f.order); start += size {
		end := start + size
		if end > len(f.order) {
			end = len(f.order)
		}
		reservation := &ec2.Reservation{}
		for _, id := range f.order[start:end] {
			reservation.Instances = append(reservation.Instances, f.instances[id])
		}
		f.pages++
		page := &ec2.DescribeInstancesOutput{Reservations: []*ec2.Reservation{reservation}}
		if !fn(page, end >= len(f.order)) {
			break
		}
	}
	return nil
}

func (f *fakeEC2) TerminateInstances(input *ec2.TerminateInstancesInput) (*ec2.TerminateInstancesOutput, error) {
	for _, id := range input.InstanceIds {
		f.instances[*id].State.Name = aws.String("terminated")
		f.terminated = append(f.terminated, *id)
	}
	return &ec2.TerminateInstancesOutput{}, nil
}

func (f *fakeEC2) AllocateAddress(*ec2.AllocateAddressInput) (*ec2.AllocateAddressOutput, error) {
	f.nextID++
	addr := &ec2.Address{
		AllocationId: aws.String(fmt.Sprintf("eipalloc-%d", f.nextID)),
		PublicIp:     aws.String(fmt.Sprintf("203.0.113.%d", f.nextID)),
	}
	f.addresses[*addr.AllocationId] = addr
	return &ec2.AllocateAddressOutput{AllocationId: addr.AllocationId, PublicIp: addr.PublicIp}, nil
}

func (f *fakeEC2) AssociateAddressWithContext(_ aws.Context, input *ec2.AssociateAddressInput, _ ...request.Option) (*ec2.AssociateAddressOutput, error) {
	addr, ok := f.addresses[aws.StringValue(input.AllocationId)]
	if !ok {
		return nil, awserr.New("InvalidAllocationID.NotFound", "no such address", nil)
	}
	addr.InstanceId = input.InstanceId
	f.instances[*input.InstanceId].PublicIpAddress = addr.PublicIp
	return &ec2.AssociateAddressOutput{}, nil
}

func (f *fakeEC2) DescribeAddresses(input *ec2.DescribeAddressesInput) (*ec2.DescribeAddressesOutput, error) {
	out := &ec2.DescribeAddressesOutput{}
	for _, addr := range f.addresses {
		for _, filter := range input.Filters {
			for _, value := range filter.Values {
				if aws.StringValue(value) == aws.StringValue(addr.PublicIp) {
					out.Addresses = append(out.Addresses, addr)
				}
			}
		}
	}
	return out, nil
}

func (f *fakeEC2) ReleaseAddress(input *ec2.ReleaseAddressInput) (*ec2.ReleaseAddressOutput, error) {
	delete(f.addresses, aws.StringValue(input.AllocationId))
	return &ec2.ReleaseAddressOutput{}, nil
}

// addRunning seeds a running instance with an associated elastic IP
func (f *fakeEC2) addRunning(id string, tags map[string]string) string {
	f.nextID++
	ip := fmt.Sprintf("198.51.100.%d", f.nextID)
	instance := &ec2.Instance{
		InstanceId:      aws.String(id),
		State:           &ec2.InstanceState{Name: aws.String("running")},
		PublicIpAddress: aws.String(ip),
	}
	for k, v := range tags {
		instance.Tags = append(instance.Tags, &ec2.Tag{Key: aws.String(k), Value: aws.String(v)})
	}
	f.instances[id] = instance
	f.order = append(f.order, id)

	allocID := fmt.Sprintf("eipalloc-%s", id)
	f.addresses[allocID] = &ec2.Address{
		AllocationId: aws.String(allocID),
		PublicIp:     aws.String(ip),
		InstanceId:   aws.String(id),
	}
	return ip
}

func newTestProvider(t *testing.T, client *fakeEC2) (*Provider, *test.Hook) {
	t.Helper()
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	return NewProviderWithClient(client, "us-east-1", WithLogger(logger), WithPollInterval(time.Millisecond)), hook
}

func TestNewProvider_Validation(t *testing.T) {
	_, err := NewProvider("", "key", "secret")
	assert.Error(t, err)
	_, err = NewProvider("us-east-1", "", "secret")
	assert.Error(t, err)
	_, err = NewProvider("us-east-1", "key", "")
	assert.Error(t, err)

	p, err := NewProvider("us-east-1", "key", "secret")
	require.NoError(t, err)
	assert.Equal(t, RegionAMI["us-east-1"], p.imageID)
}

func TestCreateSecurityGroup_Idempotent(t *testing.T) {
	client := newFakeEC2()
	p, _ := newTestProvider(t, client)

	require.NoError(t, p.CreateSecurityGroup("ciborg"))
	require.NoError(t, p.CreateSecurityGroup("ciborg"))

	assert.Len(t, client.groups, 1)
	assert.Equal(t, 1, client.createGroupCalls)
	assert.Equal(t, models.SecurityGroupDescription, aws.StringValue(client.groups["ciborg"].Description))
}

func TestOpenPort(t *testing.T) {
	client := newFakeEC2()
	p, _ := newTestProvider(t, client)
	require.NoError(t, p.CreateSecurityGroup("ciborg"))
	client.groups["ciborg"].IpPermissions = []*ec2.IpPermission{
		{IpProtocol: aws.String("tcp"), FromPort: aws.Int64(9000), ToPort: aws.Int64(9010)},
		{IpProtocol: aws.String("-1")},
	}

	require.NoError(t, p.OpenPort("ciborg", 22, 9005, 443))
	assert.Equal(t, 2, client.authorizeCalls)

	require.NoError(t, p.OpenPort("ciborg", 22, 443, 9000))
	assert.Equal(t, 2, client.authorizeCalls, "covered ports must not be authorized again")

	permissions := client.groups["ciborg"].IpPermissions
	require.Len(t, permissions, 4)
	assert.Equal(t, int64(22), aws.Int64Value(permissions[2].FromPort))
	assert.Equal(t, int64(22), aws.Int64Value(permissions[2].ToPort))
	assert.Equal(t, int64(443), aws.Int64Value(permissions[3].FromPort))
}

func TestOpenPort_MissingGroup(t *testing.T) {
	p, _ := newTestProvider(t, newFakeEC2())
	assert.Error(t, p.OpenPort("nope", 22))
}

func TestKeyPairs_Idempotent(t *testing.T) {
	client := newFakeEC2()
	p, _ := newTestProvider(t, client)

	require.NoError(t, p.AddKeyPair("k", "ssh-rsa AAAA first"))
	require.NoError(t, p.AddKeyPair("k", "ssh-rsa AAAA second"))
	assert.Equal(t, "ssh-rsa AAAA first", string(client.keyPairs["k"]))

	require.NoError(t, p.DeleteKeyPair("k"))
	require.NoError(t, p.DeleteKeyPair("k"))
	assert.Empty(t, client.keyPairs)
}

func TestWithKeyPair_RemovesKeyOnError(t *testing.T) {
	client := newFakeEC2()
	p, _ := newTestProvider(t, client)
	boom := errors.New("boom")

	var used string
	err := p.WithKeyPair("ssh-rsa AAAA", func(name string) error {
		used = name
		assert.Contains(t, client.keyPairs, name)
		return boom
	})

	assert.ErrorIs(t, err, boom)
	assert.NotEmpty(t, used)
	assert.NotContains(t, client.keyPairs, used)
}

func TestLaunchServer(t *testing.T) {
	client := newFakeEC2()
	client.pollsUntilRunning = 2
	p, _ := newTestProvider(t, client)

	address, err := p.ElasticIPAddress()
	require.NoError(t, err)

	instance, err := p.LaunchServer(context.Background(), "k", "g", "t1.micro", "z1")
	require.NoError(t, err)

	assert.Equal(t, address.Address, instance.PublicIP)
	assert.Equal(t, "running", instance.State)
	assert.Equal(t, "k", instance.KeyName)
	assert.Equal(t, "t1.micro", instance.InstanceType)
	assert.Equal(t, "z1", instance.AvailabilityZone)
	assert.Equal(t, models.Version, instance.Tags[models.TagKey])
	assert.Equal(t, "Ciborg", instance.Name)
	assert.Equal(t, aws.String(instance.ID), client.addresses[address.ID].InstanceId)
}

func TestLaunchServer_ReusesCachedAddress(t *testing.T) {
	client := newFakeEC2()
	p, _ := newTestProvider(t, client)

	first, err := p.ElasticIPAddress()
	require.NoError(t, err)
	second, err := p.ElasticIPAddress()
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Len(t, client.addresses, 1)
}

func TestLaunchServer_ContextCancelled(t *testing.T) {
	client := newFakeEC2()
	client.pollsUntilRunning = 1 << 30
	p, _ := newTestProvider(t, client)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := p.LaunchServer(ctx, "k", "g", "t1.micro", "")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, client.addresses, "no address should be allocated before the instance is ready")
}

func TestLaunchServer_InstanceTerminated(t *testing.T) {
	client := newFakeEC2()
	client.launchFailsAs = "terminated"
	p, _ := newTestProvider(t, client)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := p.LaunchServer(ctx, "k", "g", "t1.micro", "")
	require.Error(t, err)
	assert.NotErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, err.Error(), "terminated")
	assert.Empty(t, client.addresses, "no address should be allocated for a dead instance")
}

func TestServers_ReadsEveryPage(t *testing.T) {
	client := newFakeEC2()
	client.pageSize = 1
	for _, id := range []string{"i-1", "i-2", "i-3"} {
		client.addRunning(id, map[string]string{models.TagKey: models.Version})
	}
	p, _ := newTestProvider(t, client)

	servers, err := p.Servers()
	require.NoError(t, err)
	assert.Len(t, servers, 3)
	assert.Equal(t, 3, client.pages)
}

func TestDestroy_ConfirmFalse(t *testing.T) {
	client := newFakeEC2()
	client.addRunning("id-1", map[string]string{"ciborg": "0.6.0"})
	client.addRunning("id-2", map[string]string{"ciborg": "0.6.0"})
	p, _ := newTestProvider(t, client)

	observed := 0
	err := p.Destroy(cloud.AllInstances(), func(*models.Instance) bool { return false }, func(*models.Instance) { observed++ })

	require.NoError(t, err)
	assert.Zero(t, observed)
	assert.Empty(t, client.terminated)
	assert.Len(t, client.addresses, 2)
}

func TestDestroy_SelectedIDs(t *testing.T) {
	client := newFakeEC2()
	ip1 := client.addRunning("id-1", map[string]string{"ciborg": "0.6.0"})
	ip2 := client.addRunning("id-2", map[string]string{"ciborg": "0.6.0"})
	p, _ := newTestProvider(t, client)

	var observed []string
	err := p.Destroy(cloud.InstanceIDs("id-1"), cloud.AlwaysConfirm, func(i *models.Instance) {
		observed = append(observed, i.ID)
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"id-1"}, client.terminated)
	assert.Equal(t, []string{"id-1"}, observed)
	assert.Equal(t, "running", aws.StringValue(client.instances["id-2"].State.Name))

	var remaining []string
	for _, addr := range client.addresses {
		remaining = append(remaining, aws.StringValue(addr.PublicIp))
	}
	assert.NotContains(t, remaining, ip1)
	assert.Contains(t, remaining, ip2)
}

func TestDestroy_All(t *testing.T) {
	client := newFakeEC2()
	client.addRunning("id-1", map[string]string{"ciborg": "0.6.0"})
	client.addRunning("id-2", map[string]string{"ciborg": "0.6.0"})
	p, _ := newTestProvider(t, client)

	err := p.Destroy(cloud.AllInstances(), cloud.AlwaysConfirm, nil)

	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"id-1", "id-2"}, client.terminated)
	assert.Empty(t, client.addresses)
}

func TestDestroy_IgnoresUntaggedAndStopped(t *testing.T) {
	client := newFakeEC2()
	client.addRunning("untagged", nil)
	client.addRunning("other", map[string]string{"Name": "web"})
	client.addRunning("stopped", map[string]string{"ciborg": "0.6.0"})
	client.instances["stopped"].State.Name = aws.String("stopped")
	p, _ := newTestProvider(t, client)

	servers, err := p.Servers()
	require.NoError(t, err)
	assert.Empty(t, servers)

	err = p.Destroy(cloud.InstanceIDs("untagged", "other", "stopped"), cloud.AlwaysConfirm, nil)
	require.NoError(t, err)
	assert.Empty(t, client.terminated)
}

func TestDestroy_PropagatesListError(t *testing.T) {
	client := newFakeEC2()
	client.listErr = awserr.New("RequestLimitExceeded", "slow down", nil)
	p, _ := newTestProvider(t, client)

	err := p.Destroy(cloud.AllInstances(), cloud.AlwaysConfirm, nil)
	require.Error(t, err)
	assert.True(t, isErrorCode(err, "RequestLimitExceeded"))
}

func TestReleaseElasticIP(t *testing.T) {
	client := newFakeEC2()
	p, hook := newTestProvider(t, client)

	address, err := p.ElasticIPAddress()
	require.NoError(t, err)

	require.NoError(t, p.ReleaseElasticIP("192.0.2.99"))
	assert.Len(t, client.addresses, 1)

	require.NoError(t, p.ReleaseElasticIP(address.Address))
	assert.Empty(t, client.addresses)
	assert.Nil(t, p.elasticIP)
	assert.Equal(t, "Released elastic IP", hook.LastEntry().Message)
}
