package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"golang.org/x/crypto/ssh"
)

// Supported providers
const (
	ProviderAWS       = "aws"
	ProviderOpenStack = "openstack"
)

// DefaultPath is where the configuration lives relative to the project
const DefaultPath = "config/ciborg.yml"

// Config holds the application configuration
type Config struct {
	Provider  string          `mapstructure:"provider" yaml:"provider"`
	AWS       AWSConfig       `mapstructure:"aws" yaml:"aws"`
	OpenStack OpenStackConfig `mapstructure:"openstack" yaml:"openstack"`
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`

	// Master and InstanceID are written back after create and cleared after destroy
	Master     string `mapstructure:"master" yaml:"master,omitempty"`
	InstanceID string `mapstructure:"instance_id" yaml:"instance_id,omitempty"`
}

// AWSConfig holds AWS-specific configuration
type AWSConfig struct {
	AccessKey string `mapstructure:"access_key" yaml:"access_key"`
	SecretKey string `mapstructure:"secret_key" yaml:"secret_key"`
	Region    string `mapstructure:"region" yaml:"region"`
	ImageID   string `mapstructure:"image_id" yaml:"image_id,omitempty"`
}

// OpenStackConfig holds the credentials of an OpenStack tenant
type OpenStackConfig struct {
	AccessKey        string `mapstructure:"access_key" yaml:"access_key"`
	SecretKey        string `mapstructure:"secret_key" yaml:"secret_key"`
	IdentityEndpoint string `mapstructure:"identity_endpoint" yaml:"identity_endpoint"`
	TenantID         string `mapstructure:"tenant_id" yaml:"tenant_id"`
	Zone             string `mapstructure:"zone" yaml:"zone"`
	ImageID          string `mapstructure:"image_id" yaml:"image_id,omitempty"`
	FloatingIPPool   string `mapstructure:"floating_ip_pool" yaml:"floating_ip_pool,omitempty"`
	Network          string `mapstructure:"network" yaml:"network,omitempty"`
}

// ServerConfig describes the CI server to launch
type ServerConfig struct {
	SecurityGroup    string `mapstructure:"security_group" yaml:"security_group"`
	InstanceSize     string `mapstructure:"instance_size" yaml:"instance_size"`
	AvailabilityZone string `mapstructure:"availability_zone" yaml:"availability_zone"`
	SSHPort          int    `mapstructure:"ssh_port" yaml:"ssh_port"`
	SSHKeyPath       string `mapstructure:"ssh_key_path" yaml:"ssh_key_path"`
	OpenPorts        []int  `mapstructure:"open_ports" yaml:"open_ports"`
	UIPorts          string `mapstructure:"ui_ports" yaml:"ui_ports"`
}

// SSHPublicKeyPath is the public half of SSHKeyPath
func (s ServerConfig) SSHPublicKeyPath() string {
	return s.SSHKeyPath + ".pub"
}

// LoadConfig loads configuration from path (if it exists) and environment variables
func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("provider", ProviderAWS)
	v.SetDefault("aws.region", "us-east-1")
	v.SetDefault("server.security_group", "ciborg")
	v.SetDefault("server.instance_size", "m1.medium")
	v.SetDefault("server.ssh_port", 22)
	v.SetDefault("server.ssh_key_path", defaultSSHKeyPath())
	v.SetDefault("server.open_ports", []int{22, 443})
	v.SetDefault("server.ui_ports", "9000-9009")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var parseErr viper.ConfigParseError
			if errors.As(err, &parseErr) {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
			// A missing file is fine, defaults and environment still apply
			if !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	bindEnv(v, "aws.access_key", "AWS_ACCESS_KEY_ID")
	bindEnv(v, "aws.secret_key", "AWS_SECRET_ACCESS_KEY")
	bindEnv(v, "aws.region", "AWS_REGION")
	bindEnv(v, "openstack.access_key", "HPCS_ACCESS_KEY")
	bindEnv(v, "openstack.secret_key", "HPCS_SECRET_KEY")
	bindEnv(v, "openstack.identity_endpoint", "HPCS_AUTH_URI")
	bindEnv(v, "openstack.tenant_id", "HPCS_TENANT_ID")
	bindEnv(v, "openstack.zone", "HPCS_AVL_ZONE")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.Provider = strings.ToLower(cfg.Provider)

	return &cfg, nil
}

// bindEnv lets an environment variable override key
func bindEnv(v *viper.Viper, key, env string) {
	_ = v.BindEnv(key, env)
}

// Validate checks the credentials required by the selected provider
func (c *Config) Validate() error {
	switch c.Provider {
	case ProviderAWS:
		if c.AWS.AccessKey == "" {
			return errors.New("AWS_ACCESS_KEY_ID environment variable is required")
		}
		if c.AWS.SecretKey == "" {
			return errors.New("AWS_SECRET_ACCESS_KEY environment variable is required")
		}
	case ProviderOpenStack:
		if c.OpenStack.AccessKey == "" || c.OpenStack.SecretKey == "" {
			return errors.New("OpenStack access key and secret key are required")
		}
		if c.OpenStack.IdentityEndpoint == "" {
			return errors.New("OpenStack identity endpoint is required")
		}
		if c.OpenStack.TenantID == "" {
			return errors.New("OpenStack tenant id is required")
		}
	default:
		return fmt.Errorf("unsupported provider: %s", c.Provider)
	}

	if c.Server.SecurityGroup == "" {
		return errors.New("security group name is required")
	}
	return nil
}

// Display renders the configuration with secrets masked
func (c *Config) Display() string {
	var b strings.Builder
	fmt.Fprintf(&b, "provider: %s\n", c.Provider)
	switch c.Provider {
	case ProviderOpenStack:
		fmt.Fprintf(&b, "openstack:\n  access_key: %s\n  secret_key: %s\n  identity_endpoint: %s\n  tenant_id: %s\n  zone: %s\n",
			mask(c.OpenStack.AccessKey), mask(c.OpenStack.SecretKey), c.OpenStack.IdentityEndpoint, c.OpenStack.TenantID, c.OpenStack.Zone)
	default:
		fmt.Fprintf(&b, "aws:\n  access_key: %s\n  secret_key: %s\n  region: %s\n",
			mask(c.AWS.AccessKey), mask(c.AWS.SecretKey), c.AWS.Region)
	}
	fmt.Fprintf(&b, "server:\n  security_group: %s\n  instance_size: %s\n  availability_zone: %s\n  ssh_port: %d\n  ssh_key_path: %s\n  open_ports: %v\n  ui_ports: %s\n",
		c.Server.SecurityGroup, c.Server.InstanceSize, c.Server.AvailabilityZone, c.Server.SSHPort, c.Server.SSHKeyPath, c.Server.OpenPorts, c.Server.UIPorts)
	if c.Master != "" {
		fmt.Fprintf(&b, "master: %s\n", c.Master)
	}
	if c.InstanceID != "" {
		fmt.Fprintf(&b, "instance_id: %s\n", c.InstanceID)
	}
	return b.String()
}

func mask(secret string) string {
	if len(secret) <= 4 {
		return strings.Repeat("*", len(secret))
	}
	return secret[:4] + strings.Repeat("*", len(secret)-4)
}

func defaultSSHKeyPath() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".ssh", "id_rsa")
	}
	return filepath.Join(homeDir, ".ssh", "id_rsa")
}

// ValidatePublicKeyPath validates that the public key file exists and is readable
func ValidatePublicKeyPath(path string) error {
	if path == "" {
		return errors.New("public key path is required")
	}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return errors.New("public key file does not exist")
		}
		return err
	}

	if info.IsDir() {
		return errors.New("public key path is a directory, not a file")
	}

	// Check if file is readable
	file, err := os.Open(path)
	if err != nil {
		return errors.New("cannot read public key file")
	}
	file.Close()

	return nil
}

// LoadPublicKey reads an authorized_keys formatted public key and checks that it parses
func LoadPublicKey(path string) (string, error) {
	if err := ValidatePublicKeyPath(path); err != nil {
		return "", err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read public key: %w", err)
	}

	if _, _, _, _, err := ssh.ParseAuthorizedKey(data); err != nil {
		return "", fmt.Errorf("invalid public key %s: %w", path, err)
	}

	return strings.TrimSpace(string(data)), nil
}
