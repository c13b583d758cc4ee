package models

import (
	"fmt"
)

// TagKey marks every instance created by ciborg
const TagKey = "ciborg"

// Version is embedded in the tag of every launched instance
var Version = "0.6.0"

// TagValue returns the free-text tag stored on providers without structured tags
func TagValue() string {
	return TagKey + " " + Version
}

// SecurityGroupDescription is set on every group ciborg creates
const SecurityGroupDescription = "Ciborg-generated group"

// SecurityGroupSpec describes a security group to create
type SecurityGroupSpec struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// NewSecurityGroupSpec describes the ciborg group called name
func NewSecurityGroupSpec(name string) SecurityGroupSpec {
	return SecurityGroupSpec{Name: name, Description: SecurityGroupDescription}
}

// KeyPairSpec describes an SSH key pair registered with a provider
type KeyPairSpec struct {
	Name      string `json:"name"`
	PublicKey string `json:"public_key"`
}

// PortRange is an inclusive range of ports
type PortRange struct {
	From int `json:"from"`
	To   int `json:"to"`
}

// Contains reports whether port lies within the range
func (r PortRange) Contains(port int) bool {
	return port >= r.From && port <= r.To
}

func (r PortRange) String() string {
	if r.From == r.To {
		return fmt.Sprintf("%d", r.From)
	}
	return fmt.Sprintf("%d-%d", r.From, r.To)
}

// InstanceSpec represents the configuration used to launch an instance
type InstanceSpec struct {
	ImageID           string
	InstanceType      string
	AvailabilityZone  string
	Tag               string
	KeyPairName       string
	SecurityGroupName string
}

// Instance represents a cloud instance as reported by the provider
type Instance struct {
	ID               string            `json:"id"`
	Name             string            `json:"name"`
	State            string            `json:"state"`
	Tags             map[string]string `json:"tags,omitempty"`
	PublicIP         string            `json:"public_ip,omitempty"`
	PrivateAddresses []string          `json:"private_addresses,omitempty"`
	InstanceType     string            `json:"instance_type,omitempty"`
	AvailabilityZone string            `json:"availability_zone,omitempty"`
	KeyName          string            `json:"key_name,omitempty"`
	Username         string            `json:"username"`
}

// ElasticIP is a provider-allocated public address
type ElasticIP struct {
	ID      string `json:"id"`
	Address string `json:"address"`
}

// GetConnectionString returns the SSH connection string for the instance
func (i *Instance) GetConnectionString() string {
	if i.PublicIP != "" && i.Username != "" {
		return i.Username + "@" + i.PublicIP
	}
	return ""
}

// GetSSHCommand returns a complete SSH command for the instance
func (i *Instance) GetSSHCommand(keyPath string, port int) string {
	if i.PublicIP == "" || i.Username == "" {
		return ""
	}
	if keyPath == "" {
		keyPath = "~/.ssh/id_rsa"
	}
	if port == 0 {
		port = 22
	}
	return fmt.Sprintf("ssh -i %s %s@%s -p %d", keyPath, i.Username, i.PublicIP, port)
}

// IsReady checks if the instance is ready for connections
func (i *Instance) IsReady() bool {
	return i.PublicIP != "" && (i.State == "running" || i.State == "ACTIVE")
}
