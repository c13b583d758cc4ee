package cloud

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ciborg/pkg/models"
)

// Provider defines the lifecycle operations every cloud backend implements
type Provider interface {
	// ValidateCredentials checks if the provider credentials are valid
	ValidateCredentials() error

	// CreateSecurityGroup creates the named group unless it already exists
	CreateSecurityGroup(name string) error

	// OpenPort adds a single-port tcp rule for each port not already covered
	// by one of the group's rules
	OpenPort(name string, ports ...int) error

	// AddKeyPair registers a public key under name unless the name is taken
	AddKeyPair(name, publicKey string) error

	// DeleteKeyPair removes the named key pair if it exists
	DeleteKeyPair(name string) error

	// WithKeyPair runs fn with a freshly registered key pair and always
	// deletes it afterwards
	WithKeyPair(publicKey string, fn func(name string) error) error

	// LaunchServer creates a tagged instance, waits for it to become ready,
	// associates an elastic IP and returns the refreshed instance
	LaunchServer(ctx context.Context, keyPairName, securityGroupName, instanceType, zone string) (*models.Instance, error)

	// Destroy terminates confirmed ciborg instances matched by selector and
	// releases their elastic IPs
	Destroy(selector Selector, confirm ConfirmFunc, observe ObserveFunc) error

	// Servers returns the running instances that carry the ciborg tag
	Servers() ([]*models.Instance, error)

	// ElasticIPAddress allocates an address on first use and caches it
	ElasticIPAddress() (*models.ElasticIP, error)

	// ReleaseElasticIP releases address if it is currently allocated
	ReleaseElasticIP(address string) error
}

// ConfirmFunc decides whether a destroy candidate is actually destroyed.
// It may block on user input.
type ConfirmFunc func(instance *models.Instance) bool

// ObserveFunc is called once per destroyed instance
type ObserveFunc func(instance *models.Instance)

// Selector picks which discovered instances Destroy considers
type Selector struct {
	all bool
	ids map[string]struct{}
}

// AllInstances selects every ciborg instance
func AllInstances() Selector {
	return Selector{all: true}
}

// InstanceIDs selects only the given instance ids
func InstanceIDs(ids ...string) Selector {
	s := Selector{ids: make(map[string]struct{}, len(ids))}
	for _, id := range ids {
		if id != "" {
			s.ids[id] = struct{}{}
		}
	}
	return s
}

// Matches reports whether the selector keeps instanceID
func (s Selector) Matches(instanceID string) bool {
	if s.all {
		return true
	}
	_, ok := s.ids[instanceID]
	return ok
}

// IsAll reports whether the selector is the "all" selector
func (s Selector) IsAll() bool {
	return s.all
}

// AlwaysConfirm is a ConfirmFunc that approves every candidate
func AlwaysConfirm(*models.Instance) bool {
	return true
}

// DefaultPorts are opened on a freshly created security group
var DefaultPorts = []int{22, 443}

// KeyPairName returns the name used for an ephemeral key pair created at t
func KeyPairName(t time.Time) string {
	return fmt.Sprintf("CIBORG-%d", t.Unix())
}

// KeyPairManager is the subset of Provider needed for ephemeral key pairs
type KeyPairManager interface {
	AddKeyPair(name, publicKey string) error
	DeleteKeyPair(name string) error
}

// WithKeyPair registers an ephemeral key pair, runs fn with its name and
// deletes the key pair on every exit path, including a panic inside fn.
// A failing delete is returned together with fn's error.
func WithKeyPair[T any](m KeyPairManager, publicKey string, fn func(name string) (T, error)) (result T, err error) {
	name := KeyPairName(time.Now())
	defer func() {
		if delErr := m.DeleteKeyPair(name); delErr != nil {
			err = errors.Join(err, fmt.Errorf("failed to delete key pair %s: %w", name, delErr))
		}
	}()

	if err := m.AddKeyPair(name, publicKey); err != nil {
		return result, fmt.Errorf("failed to add key pair %s: %w", name, err)
	}
	return fn(name)
}
