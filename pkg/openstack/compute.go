package openstack

import (
	"errors"
	"fmt"

	"github.com/gophercloud/gophercloud"
	"github.com/gophercloud/gophercloud/openstack"
	"github.com/gophercloud/gophercloud/openstack/compute/v2/extensions/floatingips"
	"github.com/gophercloud/gophercloud/openstack/compute/v2/extensions/keypairs"
	"github.com/gophercloud/gophercloud/openstack/compute/v2/extensions/secgroups"
	"github.com/gophercloud/gophercloud/openstack/compute/v2/servers"
)

// Compute is the slice of the OpenStack compute API the provider uses.
// Every lookup is by id except key pairs, which nova indexes by name.
type Compute interface {
	ListSecurityGroups() ([]secgroups.SecurityGroup, error)
	GetSecurityGroup(id string) (*secgroups.SecurityGroup, error)
	CreateSecurityGroup(opts secgroups.CreateOpts) (*secgroups.SecurityGroup, error)
	CreateSecurityGroupRule(opts secgroups.CreateRuleOpts) (*secgroups.Rule, error)

	GetKeyPair(name string) (*keypairs.KeyPair, error)
	CreateKeyPair(opts keypairs.CreateOpts) (*keypairs.KeyPair, error)
	DeleteKeyPair(name string) error

	CreateServer(opts servers.CreateOptsBuilder) (*servers.Server, error)
	GetServer(id string) (*servers.Server, error)
	ListServers() ([]servers.Server, error)
	DeleteServer(id string) error

	ListFloatingIPs() ([]floatingips.FloatingIP, error)
	CreateFloatingIP(pool string) (*floatingips.FloatingIP, error)
	AssociateFloatingIP(serverID, address string) error
	DeleteFloatingIP(id string) error
}

// Credentials holds what is needed to authenticate against keystone
type Credentials struct {
	AccessKey        string
	SecretKey        string
	IdentityEndpoint string
	TenantID         string
	Zone             string
}

// Validate checks that every credential field is set
func (c Credentials) Validate() error {
	switch {
	case c.AccessKey == "":
		return errors.New("access key is required")
	case c.SecretKey == "":
		return errors.New("secret key is required")
	case c.IdentityEndpoint == "":
		return errors.New("identity endpoint is required")
	case c.TenantID == "":
		return errors.New("tenant id is required")
	}
	return nil
}

type gophercloudCompute struct {
	client *gophercloud.ServiceClient
}

// NewCompute authenticates and returns a Compute backed by gophercloud
func NewCompute(creds Credentials) (Compute, error) {
	if err := creds.Validate(); err != nil {
		return nil, err
	}

	provider, err := openstack.AuthenticatedClient(gophercloud.AuthOptions{
		IdentityEndpoint: creds.IdentityEndpoint,
		Username:         creds.AccessKey,
		Password:         creds.SecretKey,
		TenantID:         creds.TenantID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to authenticate: %w", err)
	}

	client, err := openstack.NewComputeV2(provider, gophercloud.EndpointOpts{
		Region: creds.Zone,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create compute client: %w", err)
	}

	return NewComputeWithClient(client), nil
}

// NewComputeWithClient wraps an existing compute service client
func NewComputeWithClient(client *gophercloud.ServiceClient) Compute {
	return &gophercloudCompute{client: client}
}

func (c *gophercloudCompute) ListSecurityGroups() ([]secgroups.SecurityGroup, error) {
	pages, err := secgroups.List(c.client).AllPages()
	if err != nil {
		return nil, err
	}
	return secgroups.ExtractSecurityGroups(pages)
}

func (c *gophercloudCompute) GetSecurityGroup(id string) (*secgroups.SecurityGroup, error) {
	return secgroups.Get(c.client, id).Extract()
}

func (c *gophercloudCompute) CreateSecurityGroup(opts secgroups.CreateOpts) (*secgroups.SecurityGroup, error) {
	return secgroups.Create(c.client, opts).Extract()
}

func (c *gophercloudCompute) CreateSecurityGroupRule(opts secgroups.CreateRuleOpts) (*secgroups.Rule, error) {
	return secgroups.CreateRule(c.client, opts).Extract()
}

func (c *gophercloudCompute) GetKeyPair(name string) (*keypairs.KeyPair, error) {
	return keypairs.Get(c.client, name, nil).Extract()
}

func (c *gophercloudCompute) CreateKeyPair(opts keypairs.CreateOpts) (*keypairs.KeyPair, error) {
	return keypairs.Create(c.client, opts).Extract()
}

func (c *gophercloudCompute) DeleteKeyPair(name string) error {
	return keypairs.Delete(c.client, name, nil).ExtractErr()
}

func (c *gophercloudCompute) CreateServer(opts servers.CreateOptsBuilder) (*servers.Server, error) {
	return servers.Create(c.client, opts).Extract()
}

func (c *gophercloudCompute) GetServer(id string) (*servers.Server, error) {
	return servers.Get(c.client, id).Extract()
}

func (c *gophercloudCompute) ListServers() ([]servers.Server, error) {
	pages, err := servers.List(c.client, servers.ListOpts{}).AllPages()
	if err != nil {
		return nil, err
	}
	return servers.ExtractServers(pages)
}

func (c *gophercloudCompute) DeleteServer(id string) error {
	return servers.Delete(c.client, id).ExtractErr()
}

func (c *gophercloudCompute) ListFloatingIPs() ([]floatingips.FloatingIP, error) {
	pages, err := floatingips.List(c.client).AllPages()
	if err != nil {
		return nil, err
	}
	return floatingips.ExtractFloatingIPs(pages)
}

func (c *gophercloudCompute) CreateFloatingIP(pool string) (*floatingips.FloatingIP, error) {
	return floatingips.Create(c.client, floatingips.CreateOpts{Pool: pool}).Extract()
}

func (c *gophercloudCompute) AssociateFloatingIP(serverID, address string) error {
	return floatingips.AssociateInstance(c.client, serverID, floatingips.AssociateOpts{
		FloatingIP: address,
	}).ExtractErr()
}

func (c *gophercloudCompute) DeleteFloatingIP(id string) error {
	return floatingips.Delete(c.client, id).ExtractErr()
}

func isNotFound(err error) bool {
	var notFound gophercloud.ErrDefault404
	return errors.As(err, &notFound)
}
