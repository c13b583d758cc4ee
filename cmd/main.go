package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"ciborg/internal/utils"
	"ciborg/pkg/aws"
	"ciborg/pkg/cloud"
	"ciborg/pkg/config"
	"ciborg/pkg/models"
	"ciborg/pkg/openstack"
	"ciborg/pkg/storage"

	"github.com/charmbracelet/huh"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	configPath string
	provider   string
	verbose    bool
	logLevel   string

	sshTimeout string
	destroyAll bool
	force      bool
)

func main() {
	var rootCmd = &cobra.Command{
		Use:           "ciborg",
		Short:         "Launch and tear down a CI server",
		Long:          "A tool for launching a single CI server on AWS EC2 or an OpenStack cloud and destroying it again",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath, "Path to the configuration file")
	rootCmd.PersistentFlags().StringVarP(&provider, "provider", "P", "", "Cloud provider (aws, openstack), overrides the configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	// Create command
	var createCmd = &cobra.Command{
		Use:   "create",
		Short: "Launch a new CI server",
		Long:  "Launch a CI server, attach a public address and record it in the configuration file",
		RunE:  runCreate,
	}

	createCmd.Flags().StringVar(&sshTimeout, "ssh-timeout", "180s", "How long to wait for ssh to come up (e.g., 180s, 3m)")

	// Destroy command
	var destroyCmd = &cobra.Command{
		Use:   "destroy",
		Short: "Destroy the CI server",
		Long:  "Terminate the recorded CI server, or every CI server with --all, releasing its public address",
		RunE:  runDestroy,
	}

	destroyCmd.Flags().BoolVarP(&destroyAll, "all", "a", false, "Destroy every CI server, not just the recorded one")
	destroyCmd.Flags().BoolVarP(&force, "force", "f", false, "Do not ask for confirmation")

	// List command
	var listCmd = &cobra.Command{
		Use:   "list",
		Short: "List CI servers",
		Long:  "List every running server launched by this tool",
		RunE:  runList,
	}

	// SSH command
	var sshCmd = &cobra.Command{
		Use:   "ssh",
		Short: "Print the ssh command for the CI server",
		RunE:  runSSH,
	}

	// Config command
	var configCmd = &cobra.Command{
		Use:   "config",
		Short: "Show the loaded configuration",
		RunE:  runConfig,
	}

	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(destroyCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(sshCmd)
	rootCmd.AddCommand(configCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

func runCreate(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}

	timeout, err := utils.ParseDuration(sshTimeout)
	if err != nil {
		return fmt.Errorf("invalid ssh timeout: %w", err)
	}

	if err := utils.ValidatePort(cfg.Server.SSHPort); err != nil {
		return fmt.Errorf("invalid ssh port: %w", err)
	}

	ports, err := serverPorts(cfg.Server)
	if err != nil {
		return err
	}

	publicKey, err := config.LoadPublicKey(cfg.Server.SSHPublicKeyPath())
	if err != nil {
		return fmt.Errorf("invalid public key: %w", err)
	}

	cloudProvider, err := newProvider(cfg, logger)
	if err != nil {
		return err
	}

	if err := cloudProvider.ValidateCredentials(); err != nil {
		return fmt.Errorf("failed to validate %s credentials: %w", cfg.Provider, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Printf("Launching CI server with configuration:\n")
	fmt.Printf("  Provider: %s\n", cfg.Provider)
	fmt.Printf("  Instance Size: %s\n", cfg.Server.InstanceSize)
	fmt.Printf("  Security Group: %s\n", cfg.Server.SecurityGroup)
	fmt.Printf("  Open Ports: %v\n", ports)
	if cfg.Server.AvailabilityZone != "" {
		fmt.Printf("  Availability Zone: %s\n", cfg.Server.AvailabilityZone)
	}
	fmt.Printf("\nLaunching server...\n")

	started := time.Now()
	instance, err := cloud.WithKeyPair(cloudProvider, publicKey, func(keyPairName string) (*models.Instance, error) {
		if err := cloudProvider.CreateSecurityGroup(cfg.Server.SecurityGroup); err != nil {
			return nil, err
		}
		if err := cloudProvider.OpenPort(cfg.Server.SecurityGroup, ports...); err != nil {
			return nil, err
		}
		return cloudProvider.LaunchServer(ctx, keyPairName, cfg.Server.SecurityGroup, cfg.Server.InstanceSize, cfg.Server.AvailabilityZone)
	})
	if err != nil {
		return fmt.Errorf("failed to launch server: %w", err)
	}

	if !instance.IsReady() {
		return fmt.Errorf("server %s is %s without a public address", instance.ID, instance.State)
	}

	fmt.Printf("Server %s is up at %s, waiting for ssh...\n", instance.ID, instance.PublicIP)
	if err := utils.WaitForPort(ctx, instance.PublicIP, cfg.Server.SSHPort, timeout); err != nil {
		return fmt.Errorf("server %s launched but ssh is unreachable: %w", instance.ID, err)
	}

	store := storage.NewFileStorage(configPath)
	if err := store.Update(instance.PublicIP, instance.ID); err != nil {
		logger.WithError(err).WithField("file", store.Path()).Warn("Failed to record server in configuration file")
	}

	fmt.Printf("\nServer ready in %s!\n", utils.FormatDuration(time.Since(started)))
	fmt.Printf("  Instance ID: %s\n", instance.ID)
	fmt.Printf("  Public IP: %s\n", instance.PublicIP)
	fmt.Printf("  SSH Command: %s\n", instance.GetSSHCommand(cfg.Server.SSHKeyPath, cfg.Server.SSHPort))

	return nil
}

func runDestroy(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}

	store := storage.NewFileStorage(configPath)
	state, err := store.Load()
	if err != nil {
		return fmt.Errorf("failed to read recorded server: %w", err)
	}

	selector, ok := destroySelector(state, destroyAll)
	if !ok {
		fmt.Printf("No server recorded in %s, use --all to destroy every CI server.\n", store.Path())
		return nil
	}
	if selector.IsAll() {
		logger.Info("Destroying every CI server")
	} else {
		logger.WithField("instance_id", state.InstanceID).Info("Destroying recorded server")
	}

	cloudProvider, err := newProvider(cfg, logger)
	if err != nil {
		return err
	}

	confirm := cloud.AlwaysConfirm
	if !force {
		confirm = promptConfirm(os.Stdin, os.Stdout)
	}

	destroyed := 0
	err = cloudProvider.Destroy(selector, confirm, func(instance *models.Instance) {
		destroyed++
		fmt.Printf("Destroyed %s (%s)\n", instance.ID, instance.PublicIP)
		if instance.ID == state.InstanceID || instance.PublicIP == state.Master {
			if err := store.Clear(); err != nil {
				logger.WithError(err).Warn("Failed to clear recorded server")
			}
		}
	})
	if err != nil {
		return fmt.Errorf("failed to destroy servers: %w", err)
	}

	if destroyed == 0 {
		fmt.Println("No servers destroyed.")
	}
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}

	cloudProvider, err := newProvider(cfg, logger)
	if err != nil {
		return err
	}

	instances, err := cloudProvider.Servers()
	if err != nil {
		return fmt.Errorf("failed to list servers: %w", err)
	}

	if len(instances) == 0 {
		fmt.Println("No CI servers found.")
		return nil
	}

	fmt.Printf("%-40s %-10s %-24s %-12s %s\n", "ID", "STATE", "CONNECT", "SIZE", "ZONE")
	for _, instance := range instances {
		fmt.Printf("%-40s %-10s %-24s %-12s %s\n",
			instance.ID, instance.State, instance.GetConnectionString(), instance.InstanceType, instance.AvailabilityZone)
	}

	return nil
}

func runSSH(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if cfg.Master == "" {
		return fmt.Errorf("no server recorded in %s, run create first", configPath)
	}

	instance := &models.Instance{ID: cfg.InstanceID, PublicIP: cfg.Master, Username: "ubuntu"}
	fmt.Println(instance.GetSSHCommand(cfg.Server.SSHKeyPath, cfg.Server.SSHPort))
	return nil
}

func runConfig(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	fmt.Printf("# %s\n", configPath)
	fmt.Print(cfg.Display())
	return nil
}

// loadConfig loads the configuration file and applies the --provider override
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if provider != "" {
		cfg.Provider = strings.ToLower(provider)
	}
	return cfg, nil
}

// setup loads and validates the configuration and builds the logger
func setup() (*config.Config, *logrus.Logger, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger := logrus.New()
	logger.SetLevel(getLogLevel(logLevel))
	if verbose {
		logger.SetLevel(logrus.DebugLevel)
	}
	logger.SetOutput(os.Stderr)

	return cfg, logger, nil
}

// newProvider builds the adapter selected by the configuration
func newProvider(cfg *config.Config, logger *logrus.Logger) (cloud.Provider, error) {
	switch cfg.Provider {
	case config.ProviderAWS:
		if err := utils.ValidateInstanceType(cfg.Server.InstanceSize); err != nil {
			return nil, fmt.Errorf("invalid instance size: %w", err)
		}
		if err := utils.ValidateAvailabilityZone(cfg.Server.AvailabilityZone); err != nil {
			return nil, fmt.Errorf("invalid availability zone: %w", err)
		}

		opts := []aws.Option{aws.WithLogger(logger)}
		if cfg.AWS.ImageID != "" {
			opts = append(opts, aws.WithImageID(cfg.AWS.ImageID))
		}
		p, err := aws.NewProvider(cfg.AWS.Region, cfg.AWS.AccessKey, cfg.AWS.SecretKey, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create AWS provider: %w", err)
		}
		return p, nil

	case config.ProviderOpenStack:
		creds := openstack.Credentials{
			AccessKey:        cfg.OpenStack.AccessKey,
			SecretKey:        cfg.OpenStack.SecretKey,
			IdentityEndpoint: cfg.OpenStack.IdentityEndpoint,
			TenantID:         cfg.OpenStack.TenantID,
			Zone:             cfg.OpenStack.Zone,
		}

		opts := []openstack.Option{openstack.WithLogger(logger)}
		if cfg.OpenStack.ImageID != "" {
			opts = append(opts, openstack.WithImageID(cfg.OpenStack.ImageID))
		}
		if cfg.OpenStack.FloatingIPPool != "" {
			opts = append(opts, openstack.WithFloatingIPPool(cfg.OpenStack.FloatingIPPool))
		}
		if cfg.OpenStack.Network != "" {
			opts = append(opts, openstack.WithNetwork(cfg.OpenStack.Network))
		}
		p, err := openstack.NewProvider(creds, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create OpenStack provider: %w", err)
		}
		return p, nil

	default:
		return nil, fmt.Errorf("unsupported provider: %s", cfg.Provider)
	}
}

// serverPorts combines the configured open ports with the UI port range
func serverPorts(server config.ServerConfig) ([]int, error) {
	ports := append([]int{}, server.OpenPorts...)
	if len(ports) == 0 {
		ports = append(ports, cloud.DefaultPorts...)
	}

	uiPorts, err := utils.ParsePortRange(server.UIPorts)
	if err != nil {
		return nil, fmt.Errorf("invalid ui ports: %w", err)
	}

	seen := make(map[int]bool)
	result := make([]int, 0, len(ports)+len(uiPorts))
	for _, port := range append(ports, uiPorts...) {
		if err := utils.ValidatePort(port); err != nil {
			return nil, err
		}
		if !seen[port] {
			seen[port] = true
			result = append(result, port)
		}
	}
	return result, nil
}

// destroySelector picks the servers a destroy targets: every CI server with
// all, otherwise only the recorded one. It is false when nothing is recorded.
func destroySelector(state storage.State, all bool) (cloud.Selector, bool) {
	if all {
		return cloud.AllInstances(), true
	}
	if state.InstanceID == "" {
		return cloud.Selector{}, false
	}
	return cloud.InstanceIDs(state.InstanceID), true
}

// promptConfirm asks on out and reads a yes/no answer from in for each server.
// Anything but an explicit yes, including end of input, declines.
func promptConfirm(in io.Reader, out io.Writer) cloud.ConfirmFunc {
	input := &byteReader{r: bufio.NewReader(in)}
	return func(instance *models.Instance) bool {
		var ok bool
		err := huh.NewForm(
			huh.NewGroup(
				huh.NewConfirm().
					Title(fmt.Sprintf("DESTROY %s (%s)?", instance.ID, instance.PublicIP)).
					Value(&ok),
			),
		).WithAccessible(true).WithInput(input).WithOutput(out).Run()
		if err != nil {
			return false
		}
		return ok
	}
}

// byteReader hands out one byte per Read so a prompt never consumes the
// answers meant for the following ones
type byteReader struct {
	r *bufio.Reader
}

func (b *byteReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	c, err := b.r.ReadByte()
	if err != nil {
		return 0, err
	}
	p[0] = c
	return 1, nil
}

// getLogLevel parses log level string to logrus level
func getLogLevel(level string) logrus.Level {
	switch strings.ToLower(level) {
	case "debug":
		return logrus.DebugLevel
	case "info":
		return logrus.InfoLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}
