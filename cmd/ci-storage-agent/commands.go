package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/clickup/ci-storage-cdk/internal/agentconfig"
	"github.com/clickup/ci-storage-cdk/internal/awsapi"
	"github.com/clickup/ci-storage-cdk/internal/command"
	"github.com/clickup/ci-storage-cdk/internal/converge"
	"github.com/clickup/ci-storage-cdk/internal/permit"
	"github.com/clickup/ci-storage-cdk/internal/poll"
	"github.com/clickup/ci-storage-cdk/internal/sshutil"
	"github.com/clickup/ci-storage-cdk/internal/storage"
)

func convergeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "converge",
		Short: "Bring credentials, checkout and the compose workload up to date",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			exe, err := os.Executable()
			if err != nil {
				return err
			}
			if err := permit.NewDropper(cfg.User).Drop(append([]string{exe}, os.Args[1:]...)); err != nil {
				return err
			}

			logger, err := newLogger("converge")
			if err != nil {
				return err
			}
			defer logger.Sync()

			home, err := os.UserHomeDir()
			if err != nil {
				return err
			}
			client, err := awsapi.New(cmd.Context(), cfg.Region, logger)
			if err != nil {
				return err
			}
			client.LifecycleHook = cfg.LifecycleHook

			c := &converge.Converger{
				Config:   cfg,
				Runner:   command.Exec{Logger: logger},
				Secrets:  client,
				Signaler: client,
				Logger:   logger,
				Home:     home,
			}
			if cfg.MetricsTextfile != "" {
				c.Metrics = converge.NewMetrics()
			}
			if _, _, err := c.RunExclusive(cmd.Context()); err != nil {
				logger.Error("convergence failed", zap.Error(err))
				return err
			}
			return nil
		},
	}
}

// rootSetup is shared by the hand-off commands, which run as root from
// cloud-init.
func rootSetup(ctx context.Context, name string) (*agentconfig.Config, *zap.Logger, *awsapi.Client, string, error) {
	if unix.Geteuid() != 0 {
		return nil, nil, nil, "", fmt.Errorf("%s must run as root", name)
	}
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, nil, "", err
	}
	logger, err := newLogger(name)
	if err != nil {
		return nil, nil, nil, "", err
	}
	client, err := awsapi.New(ctx, cfg.Region, logger)
	if err != nil {
		return nil, nil, nil, "", err
	}
	instanceID, err := client.InstanceID(ctx)
	if err != nil {
		return nil, nil, nil, "", err
	}
	return cfg, logger, client, instanceID, nil
}

func remote(ctx context.Context, cfg *agentconfig.Config, client *awsapi.Client, logger *zap.Logger) (*sshutil.Remote, string, error) {
	key, err := client.SecretString(ctx, cfg.Secrets.PrivateKey)
	if err != nil {
		return nil, "", err
	}
	signer, err := sshutil.Signer(key)
	if err != nil {
		return nil, "", err
	}
	return &sshutil.Remote{User: cfg.User, Signer: signer, Logger: logger}, key, nil
}

func handoffVolumeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "handoff-volume",
		Short: "Move the data volume from the previous host instance to this one",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, logger, client, instanceID, err := rootSetup(ctx, "handoff-volume")
			if err != nil {
				return err
			}
			defer logger.Sync()
			if cfg.Volume == nil {
				return fmt.Errorf("no volume configured in %s", viper.GetString("config"))
			}

			coord := &storage.Coordinator{
				EC2:      client,
				Signaler: client,
				Mounter: &storage.Mounter{
					Runner:        command.Exec{Logger: logger},
					Logger:        logger,
					Fstab:         "/etc/fstab",
					Dir:           cfg.Volume.Dir,
					Label:         cfg.Volume.Label,
					DataDir:       cfg.Volume.DataDir,
					Clock:         poll.Real(),
					MountInterval: time.Second,
					MountTimeout:  2 * time.Minute,
				},
				Clock:          poll.Real(),
				Logger:         logger,
				VolumeID:       cfg.Volume.ID,
				InstanceID:     instanceID,
				Device:         cfg.Volume.Device,
				StopInterval:   time.Second,
				DetachInterval: 200 * time.Millisecond,
				AttachInterval: 200 * time.Millisecond,
				Timeout:        viper.GetDuration("handoff-timeout"),
			}
			// Without the key the previous holder is stopped without a
			// graceful docker shutdown.
			if r, _, err := remote(ctx, cfg, client, logger); err != nil {
				logger.Warn("remote commands unavailable", zap.Error(err))
			} else {
				coord.Remote = r
			}

			if err := coord.Handoff(ctx); err != nil {
				logger.Error("volume hand-off failed", zap.Error(err))
				return err
			}
			return nil
		},
	}
	addTimeoutFlag(cmd)
	return cmd
}

func handoffTmpfsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "handoff-tmpfs",
		Short: "Mirror the tmpfs tree from the previous host instance",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, logger, client, instanceID, err := rootSetup(ctx, "handoff-tmpfs")
			if err != nil {
				return err
			}
			defer logger.Sync()
			if cfg.Tmpfs == nil {
				return fmt.Errorf("no tmpfs configured in %s", viper.GetString("config"))
			}

			r, key, err := remote(ctx, cfg, client, logger)
			if err != nil {
				return err
			}
			keyFile, err := os.CreateTemp("", "ci-storage-key-*")
			if err != nil {
				return err
			}
			defer os.Remove(keyFile.Name())
			if _, err := keyFile.WriteString(key + "\n"); err != nil {
				keyFile.Close()
				return err
			}
			if err := keyFile.Close(); err != nil {
				return err
			}

			m := &storage.Mirror{
				Peers:      client,
				Remote:     r,
				Runner:     command.Exec{Logger: logger},
				Logger:     logger,
				InstanceID: instanceID,
				PeerName:   cfg.Tmpfs.PeerName,
				PeerUser:   cfg.Tmpfs.PeerUser,
				Path:       cfg.Tmpfs.Path,
				KeyFile:    keyFile.Name(),
			}
			if _, err := m.Handoff(ctx); err != nil {
				logger.Error("tmpfs hand-off failed", zap.Error(err))
				return err
			}
			return nil
		},
	}
}

func addTimeoutFlag(cmd *cobra.Command) {
	cmd.Flags().Duration("timeout", 0, "bound on each hand-off wait (0 waits forever)")
	_ = viper.BindPFlag("handoff-timeout", cmd.Flags().Lookup("timeout"))
}

func keygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate the deployment key pair",
		Long: `Prints a new ed25519 private key to stdout and its public key to stderr.
Store the private key in the stack configuration:

  ci-storage-agent keygen | pulumi config set --secret ci-storage:sshPrivateKey`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			private, public, err := sshutil.Generate("ci-storage")
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), private)
			fmt.Fprintln(cmd.ErrOrStderr(), public)
			return nil
		},
	}
}
