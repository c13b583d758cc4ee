package openstack

import (
	"context"
	"fmt"
	"strings"
	"time"

	"ciborg/pkg/cloud"
	"ciborg/pkg/models"

	"github.com/gophercloud/gophercloud/openstack/compute/v2/extensions/keypairs"
	"github.com/gophercloud/gophercloud/openstack/compute/v2/extensions/secgroups"
	"github.com/gophercloud/gophercloud/openstack/compute/v2/servers"
	"github.com/sirupsen/logrus"
)

const (
	statusActive    = "ACTIVE"
	statusError     = "ERROR"
	serverName      = "Ciborg"
	metadataTagsKey = "tags"
	defaultUsername = "ubuntu"

	// DefaultImageID is the Ubuntu image ciborg boots when none is configured
	DefaultImageID = "68425"
	// DefaultFloatingIPPool is the pool addresses are allocated from
	DefaultFloatingIPPool = "nova"
	// DefaultNetwork is the tenant network whose addresses floating IPs map to
	DefaultNetwork = "private"
)

// Provider implements the cloud.Provider interface for OpenStack compute
type Provider struct {
	compute      Compute
	imageID      string
	pool         string
	network      string
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

// WithPollInterval sets how often LaunchServer checks server status
func WithPollInterval(d time.Duration) Option {
	return func(p *Provider) {
		p.pollInterval = d
	}
}

// WithImageID overrides DefaultImageID
func WithImageID(imageID string) Option {
	return func(p *Provider) {
		if imageID != "" {
			p.imageID = imageID
		}
	}
}

// WithFloatingIPPool overrides DefaultFloatingIPPool
func WithFloatingIPPool(pool string) Option {
	return func(p *Provider) {
		if pool != "" {
			p.pool = pool
		}
	}
}

// WithNetwork overrides DefaultNetwork
func WithNetwork(network string) Option {
	return func(p *Provider) {
		if network != "" {
			p.network = network
		}
	}
}

// NewProvider authenticates with creds and creates a provider
func NewProvider(creds Credentials, opts ...Option) (*Provider, error) {
	compute, err := NewCompute(creds)
	if err != nil {
		return nil, err
	}
	return NewProviderWithCompute(compute, opts...), nil
}

// NewProviderWithCompute creates a provider around an existing Compute
func NewProviderWithCompute(compute Compute, opts ...Option) *Provider {
	p := &Provider{
		compute:      compute,
		imageID:      DefaultImageID,
		pool:         DefaultFloatingIPPool,
		network:      DefaultNetwork,
		pollInterval: 5 * time.Second,
		logger:       logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ValidateCredentials checks the credentials by listing security groups
func (p *Provider) ValidateCredentials() error {
	if _, err := p.compute.ListSecurityGroups(); err != nil {
		return fmt.Errorf("invalid OpenStack credentials: %w", err)
	}
	return nil
}

// CreateSecurityGroup creates the named security group if no group has that name
func (p *Provider) CreateSecurityGroup(name string) error {
	id, err := p.securityGroupID(name)
	if err != nil {
		return err
	}
	if id != "" {
		return nil
	}

	spec := models.NewSecurityGroupSpec(name)
	_, err = p.compute.CreateSecurityGroup(secgroups.CreateOpts{
		Name:        spec.Name,
		Description: spec.Description,
	})
	if err != nil {
		return fmt.Errorf("failed to create security group %s: %w", name, err)
	}

	p.logger.WithField("security_group", name).Info("Created security group")
	return nil
}

// OpenPort adds a tcp rule for every port none of the group's rules cover
func (p *Provider) OpenPort(name string, ports ...int) error {
	id, err := p.securityGroupID(name)
	if err != nil {
		return err
	}
	if id == "" {
		return fmt.Errorf("security group %s not found", name)
	}

	group, err := p.compute.GetSecurityGroup(id)
	if err != nil {
		return fmt.Errorf("failed to get security group %s: %w", name, err)
	}

	rules := group.Rules
	for _, port := range ports {
		if rulesCover(rules, port) {
			continue
		}

		rule, err := p.compute.CreateSecurityGroupRule(secgroups.CreateRuleOpts{
			ParentGroupID: id,
			FromPort:      port,
			ToPort:        port,
			IPProtocol:    "tcp",
			CIDR:          "0.0.0.0/0",
		})
		if err != nil {
			return fmt.Errorf("failed to open port %d on %s: %w", port, name, err)
		}
		rules = append(rules, *rule)

		p.logger.WithFields(logrus.Fields{
			"security_group": name,
			"port":           port,
		}).Info("Opened port")
	}

	return nil
}

// AddKeyPair registers publicKey under name unless that name is taken
func (p *Provider) AddKeyPair(name, publicKey string) error {
	exists, err := p.keyPairExists(name)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	spec := models.KeyPairSpec{Name: name, PublicKey: publicKey}
	_, err = p.compute.CreateKeyPair(keypairs.CreateOpts{
		Name:      spec.Name,
		PublicKey: spec.PublicKey,
	})
	if err != nil {
		return fmt.Errorf("failed to create key pair %s: %w", name, err)
	}

	p.logger.WithField("key_pair", name).Debug("Created key pair")
	return nil
}

// DeleteKeyPair removes the named key pair if it exists
func (p *Provider) DeleteKeyPair(name string) error {
	exists, err := p.keyPairExists(name)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}

	if err := p.compute.DeleteKeyPair(name); err != nil && !isNotFound(err) {
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

// LaunchServer boots a ciborg server, waits for ACTIVE and associates a floating IP
func (p *Provider) LaunchServer(ctx context.Context, keyPairName, securityGroupName, instanceType, zone string) (*models.Instance, error) {
	spec := models.InstanceSpec{
		ImageID:           p.imageID,
		InstanceType:      instanceType,
		AvailabilityZone:  zone,
		Tag:               models.TagValue(),
		KeyPairName:       keyPairName,
		SecurityGroupName: securityGroupName,
	}

	server, err := p.compute.CreateServer(keypairs.CreateOptsExt{
		CreateOptsBuilder: servers.CreateOpts{
			Name:             serverName,
			ImageRef:         spec.ImageID,
			FlavorRef:        spec.InstanceType,
			AvailabilityZone: spec.AvailabilityZone,
			SecurityGroups:   []string{spec.SecurityGroupName},
			Metadata:         map[string]string{metadataTagsKey: spec.Tag},
		},
		KeyName: spec.KeyPairName,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create server: %w", err)
	}

	logger := p.logger.WithField("instance_id", server.ID)
	logger.Info("Server created, waiting for it to become active")

	if err := p.waitForActive(ctx, server.ID); err != nil {
		return nil, err
	}

	address, err := p.ElasticIPAddress()
	if err != nil {
		return nil, err
	}
	if err := p.compute.AssociateFloatingIP(server.ID, address.Address); err != nil {
		return nil, fmt.Errorf("failed to associate %s with %s: %w", address.Address, server.ID, err)
	}
	logger.WithField("public_ip", address.Address).Info("Associated floating IP")

	server, err = p.compute.GetServer(server.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to reload server: %w", err)
	}

	instance := p.toInstance(server)
	instance.PublicIP = address.Address
	return instance, nil
}

// Destroy deletes every confirmed ciborg server the selector matches and
// releases the floating IPs correlated with it.
func (p *Provider) Destroy(selector cloud.Selector, confirm cloud.ConfirmFunc, observe cloud.ObserveFunc) error {
	candidates, err := p.ciborgServers()
	if err != nil {
		return err
	}

	for _, server := range candidates {
		if !selector.Matches(server.ID) {
			continue
		}
		floating, err := p.floatingAddresses(&server)
		if err != nil {
			return err
		}

		instance := p.toInstance(&server)
		if len(floating) > 0 {
			instance.PublicIP = floating[0]
		}
		if !confirm(instance) {
			p.logger.WithField("instance_id", server.ID).Debug("Destroy not confirmed, skipping")
			continue
		}

		if err := p.compute.DeleteServer(server.ID); err != nil {
			return fmt.Errorf("failed to delete server %s: %w", server.ID, err)
		}
		p.logger.WithField("instance_id", server.ID).Info("Deleted server")

		if len(floating) == 0 {
			p.logger.WithField("instance_id", server.ID).Warn("No floating IP found for server, nothing to release")
		}
		for _, ip := range floating {
			if err := p.ReleaseElasticIP(ip); err != nil {
				return err
			}
		}

		if observe != nil {
			observe(instance)
		}
	}

	return nil
}

// Servers lists ACTIVE servers whose metadata tags mention ciborg
func (p *Provider) Servers() ([]*models.Instance, error) {
	candidates, err := p.ciborgServers()
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	pool, err := p.allocatedAddresses()
	if err != nil {
		return nil, err
	}

	instances := make([]*models.Instance, 0, len(candidates))
	for i := range candidates {
		instance := p.toInstance(&candidates[i])
		if floating := intersect(instance.PrivateAddresses, pool); len(floating) > 0 {
			instance.PublicIP = floating[0]
		}
		instances = append(instances, instance)
	}
	return instances, nil
}

// ElasticIPAddress allocates a floating IP on first call and reuses it afterwards
func (p *Provider) ElasticIPAddress() (*models.ElasticIP, error) {
	if p.elasticIP != nil {
		return p.elasticIP, nil
	}

	ip, err := p.compute.CreateFloatingIP(p.pool)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate floating IP from %s: %w", p.pool, err)
	}

	p.elasticIP = &models.ElasticIP{ID: ip.ID, Address: ip.IP}
	p.logger.WithField("public_ip", ip.IP).Info("Allocated floating IP")
	return p.elasticIP, nil
}

// ReleaseElasticIP resolves address to its floating IP id and deletes it
func (p *Provider) ReleaseElasticIP(address string) error {
	ips, err := p.compute.ListFloatingIPs()
	if err != nil {
		return fmt.Errorf("failed to list floating IPs: %w", err)
	}

	ids := make(map[string]string, len(ips))
	for _, ip := range ips {
		ids[ip.IP] = ip.ID
	}

	if id, ok := ids[address]; ok {
		if err := p.compute.DeleteFloatingIP(id); err != nil && !isNotFound(err) {
			return fmt.Errorf("failed to release floating IP %s: %w", address, err)
		}
		p.logger.WithField("public_ip", address).Info("Released floating IP")
	}

	if p.elasticIP != nil && p.elasticIP.Address == address {
		p.elasticIP = nil
	}
	return nil
}

// securityGroupID lists every group and returns the id of the one named
// name, or "" when there is none. It is not cached so a recreated group is
// always resolved to its current id.
func (p *Provider) securityGroupID(name string) (string, error) {
	groups, err := p.compute.ListSecurityGroups()
	if err != nil {
		return "", fmt.Errorf("failed to list security groups: %w", err)
	}

	ids := make(map[string]string, len(groups))
	for _, group := range groups {
		ids[group.Name] = group.ID
	}
	return ids[name], nil
}

func (p *Provider) keyPairExists(name string) (bool, error) {
	_, err := p.compute.GetKeyPair(name)
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to get key pair %s: %w", name, err)
	}
	return true, nil
}

func (p *Provider) ciborgServers() ([]servers.Server, error) {
	all, err := p.compute.ListServers()
	if err != nil {
		return nil, fmt.Errorf("failed to list servers: %w", err)
	}

	var matched []servers.Server
	for _, server := range all {
		if isCiborgServer(server) {
			matched = append(matched, server)
		}
	}
	return matched, nil
}

// floatingAddresses works out which of the server's addresses are floating
// IPs by intersecting them with every floating IP allocated to the account.
// The two listings are not taken atomically, so a concurrent allocation or
// release by someone else can make the result wrong.
func (p *Provider) floatingAddresses(server *servers.Server) ([]string, error) {
	pool, err := p.allocatedAddresses()
	if err != nil {
		return nil, err
	}
	return intersect(privateAddresses(server, p.network), pool), nil
}

func (p *Provider) allocatedAddresses() (map[string]struct{}, error) {
	ips, err := p.compute.ListFloatingIPs()
	if err != nil {
		return nil, fmt.Errorf("failed to list floating IPs: %w", err)
	}

	pool := make(map[string]struct{}, len(ips))
	for _, ip := range ips {
		pool[ip.IP] = struct{}{}
	}
	return pool, nil
}

// waitForActive polls the server until it is ACTIVE. Only ctx bounds the wait.
func (p *Provider) waitForActive(ctx context.Context, serverID string) error {
	logger := p.logger.WithField("instance_id", serverID)
	for {
		server, err := p.compute.GetServer(serverID)
		if err != nil && !isNotFound(err) {
			return fmt.Errorf("failed to get server %s: %w", serverID, err)
		}
		if server != nil {
			logger.WithField("status", server.Status).Debug("Polled server status")
			switch server.Status {
			case statusActive:
				return nil
			case statusError:
				return fmt.Errorf("server %s entered %s state", serverID, statusError)
			}
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("stopped waiting for server %s: %w", serverID, ctx.Err())
		case <-time.After(p.pollInterval):
		}
	}
}

// isCiborgServer requires metadata to be present; a server without a tags
// entry never matches.
func isCiborgServer(server servers.Server) bool {
	tags, ok := server.Metadata[metadataTagsKey]
	if !ok {
		return false
	}
	return strings.Contains(tags, models.TagKey) && server.Status == statusActive
}

func rulesCover(rules []secgroups.Rule, port int) bool {
	for _, rule := range rules {
		if (models.PortRange{From: rule.FromPort, To: rule.ToPort}).Contains(port) {
			return true
		}
	}
	return false
}

func privateAddresses(server *servers.Server, network string) []string {
	entries, ok := server.Addresses[network].([]interface{})
	if !ok {
		return nil
	}

	var addresses []string
	for _, entry := range entries {
		fields, ok := entry.(map[string]interface{})
		if !ok {
			continue
		}
		if addr, ok := fields["addr"].(string); ok && addr != "" {
			addresses = append(addresses, addr)
		}
	}
	return addresses
}

func intersect(addresses []string, pool map[string]struct{}) []string {
	var out []string
	for _, addr := range addresses {
		if _, ok := pool[addr]; ok {
			out = append(out, addr)
		}
	}
	return out
}

func (p *Provider) toInstance(server *servers.Server) *models.Instance {
	instance := &models.Instance{
		ID:               server.ID,
		Name:             server.Name,
		State:            server.Status,
		Tags:             server.Metadata,
		PrivateAddresses: privateAddresses(server, p.network),
		KeyName:          server.KeyName,
		Username:         defaultUsername,
	}
	if id, ok := server.Flavor["id"].(string); ok {
		instance.InstanceType = id
	}
	return instance
}
