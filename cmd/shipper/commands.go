package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/artpar/shipper/internal/core/artifact"
	"github.com/artpar/shipper/internal/core/crypto"
	"github.com/artpar/shipper/internal/core/domain"
	"github.com/artpar/shipper/internal/shell/pipeline"
	"github.com/artpar/shipper/internal/shell/store"
)

// rootOptions are the persistent flags shared by every command.
type rootOptions struct {
	configPath string
	output     string
	stdout     io.Writer
	stderr     io.Writer
}

func (o *rootOptions) loadConfig() (*Config, error) {
	cfg, err := LoadConfig(o.configPath)
	if err != nil {
		return nil, &CommandError{Op: "config", Err: err, ExitCode: ExitConfigError}
	}
	return cfg, nil
}

func configError(op string, err error) error {
	return &CommandError{Op: op, Err: err, ExitCode: ExitConfigError}
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	opts := &rootOptions{stdout: stdout, stderr: stderr}

	root := &cobra.Command{
		Use:           "shipper",
		Short:         "Publish a built image and replace the running service on its host",
		Long:          `shipper pushes a freshly built container image to a registry under a stable tag, then replaces the single running instance of the service on a target host over SSH.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "Path to config file")
	root.PersistentFlags().StringVarP(&opts.output, "output", "o", "json", "Output format (json or yaml)")

	root.AddCommand(
		newDeployCmd(opts),
		newResolveCmd(opts),
		newHistoryCmd(opts),
		newSealCmd(opts),
		newKeygenCmd(opts),
		newVersionCmd(opts),
	)
	return root
}

// =============================================================================
// deploy
// =============================================================================

func newDeployCmd(opts *rootOptions) *cobra.Command {
	var (
		buildID  string
		image    string
		gate     string
		progress bool
	)

	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Publish the image and reconcile the target host",
		Example: `  shipper deploy --build-id b123 --image app:dev
  shipper deploy --build-id b124 --image app:dev --gate fail   # exits without deploying`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			switch strings.ToLower(gate) {
			case "pass":
			case "fail":
				fmt.Fprintf(opts.stderr, "quality gate failed for build %s, nothing deployed\n", buildID)
				return &CommandError{Op: "deploy", ExitCode: ExitGateFailed}
			default:
				return configError("deploy", fmt.Errorf("--gate must be pass or fail, got %q", gate))
			}

			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			logger := SetupLogger(cfg, opts.stderr)
			logger.Info("starting shipper", "version", Version, "config", opts.configPath)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			target, err := cfg.LoadTarget()
			if err != nil {
				return configError("deploy", err)
			}
			creds, err := cfg.LoadCredentials(time.Now())
			if err != nil {
				target.Identity.Discard()
				return configError("deploy", err)
			}

			var progressOut io.Writer
			if progress {
				progressOut = opts.stderr
			}
			app, err := NewApp(ctx, cfg, logger, progressOut)
			if err != nil {
				creds.Discard()
				target.Identity.Discard()
				return err
			}
			defer app.Close()

			res := app.coordinator.Run(ctx, pipeline.Request{
				BuildID:     buildID,
				LocalImage:  image,
				Repository:  cfg.RepositoryConfig(),
				Target:      target,
				Credentials: creds,
			})

			if err := writeOutput(opts.stdout, opts.output, res); err != nil {
				return configError("deploy", err)
			}
			if code := exitCodeFor(res); code != ExitSuccess {
				return &CommandError{Op: "deploy", ExitCode: code}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&buildID, "build-id", "", "Build identifier of the image")
	cmd.Flags().StringVar(&image, "image", "", "Local image reference to publish")
	cmd.Flags().StringVar(&gate, "gate", "pass", "Quality gate result (pass or fail)")
	cmd.Flags().BoolVar(&progress, "progress", false, "Print push progress to stderr")
	_ = cmd.MarkFlagRequired("build-id")
	_ = cmd.MarkFlagRequired("image")
	return cmd
}

// =============================================================================
// resolve
// =============================================================================

// resolvedReference is the output of "shipper resolve".
type resolvedReference struct {
	Reference   domain.ArtifactReference `json:"reference" yaml:"reference"`
	FloatingRef string                   `json:"floating_ref" yaml:"floating_ref"`
	BuildRef    string                   `json:"build_ref,omitempty" yaml:"build_ref,omitempty"`
}

func newResolveCmd(opts *rootOptions) *cobra.Command {
	var buildID string

	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Print the registry reference a build would be published under",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			ref, err := artifact.Resolve(buildID, cfg.RepositoryConfig())
			if err != nil {
				return configError("resolve", err)
			}
			return writeOutput(opts.stdout, opts.output, resolvedReference{
				Reference:   ref,
				FloatingRef: ref.FloatingRef(),
				BuildRef:    ref.BuildRef(),
			})
		},
	}
	cmd.Flags().StringVar(&buildID, "build-id", "", "Build identifier")
	_ = cmd.MarkFlagRequired("build-id")
	return cmd
}

// =============================================================================
// history
// =============================================================================

func newHistoryCmd(opts *rootOptions) *cobra.Command {
	var (
		service string
		limit   int
		offset  int
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			runs, err := st.ListRuns(cmd.Context(), store.ListOptions{Limit: limit, Offset: offset, ServiceName: service})
			if err != nil {
				return &CommandError{Op: "history", Err: err, ExitCode: ExitDatabaseError}
			}
			return writeOutput(opts.stdout, opts.output, runs)
		},
	}
	cmd.Flags().StringVar(&service, "service", "", "Only runs of this service")
	cmd.Flags().IntVar(&limit, "limit", store.DefaultListOptions().Limit, "Maximum number of runs")
	cmd.Flags().IntVar(&offset, "offset", 0, "Number of runs to skip")

	cmd.AddCommand(&cobra.Command{
		Use:   "show <run-id>",
		Short: "Show one run with its stage records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			run, err := st.GetRun(cmd.Context(), args[0])
			if err != nil {
				code := ExitDatabaseError
				if errors.Is(err, store.ErrRunNotFound) {
					code = ExitRunFailed
				}
				return &CommandError{Op: "history show", Err: err, ExitCode: code}
			}
			return writeOutput(opts.stdout, opts.output, run)
		},
	})
	return cmd
}

// =============================================================================
// seal / keygen
// =============================================================================

func newSealCmd(opts *rootOptions) *cobra.Command {
	var (
		in             string
		passphraseFile string
	)

	cmd := &cobra.Command{
		Use:   "seal",
		Short: "Seal an SSH private key for target.sealed_identity_file",
		Long:  `Encrypts an OpenSSH private key with secrets.encryption_key (AES-256-GCM) and prints it base64 encoded.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if cfg.Secrets.EncryptionKey == "" {
				return configError("seal", errors.New("secrets.encryption_key is required"))
			}

			identity := domain.SSHIdentity{}
			defer identity.Discard()
			if identity.PrivateKey, err = os.ReadFile(in); err != nil {
				return configError("seal", err)
			}
			if passphraseFile != "" {
				data, err := os.ReadFile(passphraseFile)
				if err != nil {
					return configError("seal", err)
				}
				identity.Passphrase = []byte(strings.TrimRight(string(data), "\r\n"))
			}
			fingerprint, err := crypto.Fingerprint(identity)
			if err != nil {
				return configError("seal", err)
			}

			sealed, err := crypto.SealToBase64(identity.PrivateKey, crypto.DeriveKey(cfg.Secrets.EncryptionKey))
			if err != nil {
				return configError("seal", err)
			}
			fmt.Fprintf(opts.stderr, "sealed key %s\n", fingerprint)
			fmt.Fprintln(opts.stdout, sealed)
			return nil
		},
	}
	cmd.Flags().StringVar(&in, "in", "", "Path to the private key")
	cmd.Flags().StringVar(&passphraseFile, "passphrase-file", "", "Passphrase of the private key, if any")
	_ = cmd.MarkFlagRequired("in")
	return cmd
}

func newKeygenCmd(opts *rootOptions) *cobra.Command {
	var out string

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an Ed25519 deploy key",
		Long:  `Writes a new private key to --out and prints the public key in authorized_keys format for the target host.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(out); err == nil {
				return configError("keygen", fmt.Errorf("%s already exists", out))
			}
			privateKey, _, err := crypto.GenerateSSHKeyPair()
			if err != nil {
				return configError("keygen", err)
			}
			identity := domain.SSHIdentity{PrivateKey: privateKey}
			defer identity.Discard()

			authorized, err := crypto.AuthorizedKey(identity)
			if err != nil {
				return configError("keygen", err)
			}
			if err := os.WriteFile(out, privateKey, 0o600); err != nil {
				return configError("keygen", err)
			}
			fmt.Fprint(opts.stdout, authorized)
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "Path of the new private key")
	_ = cmd.MarkFlagRequired("out")
	return cmd
}

// =============================================================================
// version
// =============================================================================

func newVersionCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version of shipper",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(opts.stdout, "shipper %s (built %s)\n", Version, BuildTime)
		},
	}
}
