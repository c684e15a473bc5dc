package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/marionet-dev/marionet/internal/client"
	"github.com/marionet-dev/marionet/internal/controlplane"
	"github.com/marionet-dev/marionet/internal/infrastructure/config"
	"github.com/marionet-dev/marionet/internal/sandbox"
)

// newProvider builds the backend named by --provider. Docker is the
// default; sprite reads the [sprite] config section; loopback runs the
// control plane in-process and needs no daemon.
func newProvider(ctx context.Context, env *cliEnv, name, profilesPath string) (sandbox.Provider, error) {
	switch name {
	case "", "docker":
		var catalog *config.ProfileCatalog
		if profilesPath != "" {
			var err error
			catalog, err = config.LoadProfiles(profilesPath)
			if err != nil {
				return nil, err
			}
		}
		return sandbox.NewDockerProvider(ctx, sandbox.DockerOptions{
			Config:   env.cfg.Docker,
			Profiles: catalog,
			Logger:   env.logger,
		})
	case "sprite":
		return sandbox.NewSpriteProvider(sandbox.SpriteOptions{
			Config:      env.cfg.Sprite,
			PayloadPath: env.cfg.Sprite.PayloadPath,
			Logger:      env.logger,
		})
	case "loopback":
		return sandbox.NewLoopbackProvider(sandbox.LoopbackOptions{
			Logger: env.logger,
		}), nil
	default:
		return nil, fmt.Errorf("unknown provider %q (docker, sprite, loopback)", name)
	}
}

// discoverer is implemented by providers that can list sandboxes from
// earlier runs, not just ones tracked in-process.
type discoverer interface {
	Discover(ctx context.Context) ([]*sandbox.Info, error)
}

func discover(ctx context.Context, provider sandbox.Provider) ([]*sandbox.Info, error) {
	if d, ok := provider.(discoverer); ok {
		return d.Discover(ctx)
	}
	return nil, fmt.Errorf("provider %s does not support discovery", provider.Name())
}

func printJSON(v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func newCreateCommand(env *cliEnv) *cobra.Command {
	var providerName, profile, profilesPath string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Provision a sandbox and print its endpoint",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			provider, err := newProvider(ctx, env, providerName, profilesPath)
			if err != nil {
				return err
			}
			info, err := provider.Create(ctx, sandbox.CreateOptions{Profile: profile})
			if err != nil {
				return err
			}
			return printJSON(struct {
				*sandbox.Info
				AuthToken string `json:"auth_token,omitempty"`
			}{info, info.AuthToken})
		},
	}
	cmd.Flags().StringVar(&providerName, "provider", "docker", "sandbox backend (docker, sprite, loopback)")
	cmd.Flags().StringVar(&profile, "profile", "", "image profile name")
	cmd.Flags().StringVar(&profilesPath, "profiles", "", "YAML profile catalog")
	return cmd
}

func newListCommand(env *cliEnv) *cobra.Command {
	var providerName string

	cmd := &cobra.Command{
		Use:   "ls",
		Short: "List sandboxes, including ones from earlier runs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			provider, err := newProvider(ctx, env, providerName, "")
			if err != nil {
				return err
			}
			infos, err := discover(ctx, provider)
			if err != nil {
				return err
			}
			return printJSON(infos)
		},
	}
	cmd.Flags().StringVar(&providerName, "provider", "docker", "sandbox backend (docker, sprite, loopback)")
	return cmd
}

func newDestroyCommand(env *cliEnv) *cobra.Command {
	var providerName string
	var all bool

	cmd := &cobra.Command{
		Use:   "destroy [sandbox-id]",
		Short: "Tear a sandbox down",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			provider, err := newProvider(ctx, env, providerName, "")
			if err != nil {
				return err
			}
			// Discovery re-registers sandboxes from earlier runs so a
			// fresh process can still destroy them by id. Providers
			// without it only know in-process sandboxes.
			var infos []*sandbox.Info
			if d, ok := provider.(discoverer); ok {
				if infos, err = d.Discover(ctx); err != nil {
					return err
				}
			}
			if all {
				for _, info := range infos {
					if err := provider.Destroy(ctx, info.ID.String()); err != nil {
						env.logger.Warn("destroy failed",
							zap.String("sandbox_id", info.ID.String()), zap.Error(err))
					}
				}
				return nil
			}
			if len(args) == 0 {
				return fmt.Errorf("sandbox id or --all required")
			}
			return provider.Destroy(ctx, args[0])
		},
	}
	cmd.Flags().StringVar(&providerName, "provider", "docker", "sandbox backend (docker, sprite, loopback)")
	cmd.Flags().BoolVar(&all, "all", false, "destroy every discovered sandbox")
	return cmd
}

// dial builds a connected client against an explicit endpoint.
func dial(ctx context.Context, env *cliEnv, endpoint, token string) (*client.Client, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("--endpoint required")
	}
	cl := client.New(client.Options{
		ControlEndpoint: endpoint,
		AuthToken:       token,
		ConnectTimeout:  env.cfg.Client.ConnectTimeout,
		CommandTimeout:  env.cfg.Client.CommandTimeout,
		MaxPending:      env.cfg.Client.MaxPending,
		AutoReconnect:   false,
		Logger:          env.logger,
	})
	if err := cl.Connect(ctx); err != nil {
		return nil, err
	}
	return cl, nil
}

func newPingCommand(env *cliEnv) *cobra.Command {
	var endpoint, token string

	cmd := &cobra.Command{
		Use:   "ping",
		Short: "Measure round-trip latency to a sandbox",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cl, err := dial(ctx, env, endpoint, token)
			if err != nil {
				return err
			}
			defer cl.Close()

			latency, err := cl.Ping(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("%s\n", latency)
			return nil
		},
	}
	cmd.Flags().StringVar(&endpoint, "endpoint", "", "control endpoint (ws://...)")
	cmd.Flags().StringVar(&token, "token", "", "bearer token")
	return cmd
}

func newNavigateCommand(env *cliEnv) *cobra.Command {
	var endpoint, token string

	cmd := &cobra.Command{
		Use:   "navigate <url>",
		Short: "Navigate the sandbox page and print the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cl, err := dial(ctx, env, endpoint, token)
			if err != nil {
				return err
			}
			defer cl.Close()

			res, err := cl.Navigate(ctx, args[0], nil)
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
	cmd.Flags().StringVar(&endpoint, "endpoint", "", "control endpoint (ws://...)")
	cmd.Flags().StringVar(&token, "token", "", "bearer token")
	return cmd
}

func newScreenshotCommand(env *cliEnv) *cobra.Command {
	var endpoint, token, output string
	var fullPage bool

	cmd := &cobra.Command{
		Use:   "screenshot",
		Short: "Capture the sandbox page to a file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cl, err := dial(ctx, env, endpoint, token)
			if err != nil {
				return err
			}
			defer cl.Close()

			res, err := cl.Screenshot(ctx, &client.ScreenshotOptions{FullPage: fullPage})
			if err != nil {
				return err
			}
			if err := os.WriteFile(output, res.Data, 0o644); err != nil {
				return fmt.Errorf("write %s: %w", output, err)
			}
			fmt.Printf("wrote %d bytes to %s\n", len(res.Data), output)
			return nil
		},
	}
	cmd.Flags().StringVar(&endpoint, "endpoint", "", "control endpoint (ws://...)")
	cmd.Flags().StringVar(&token, "token", "", "bearer token")
	cmd.Flags().StringVarP(&output, "output", "o", "screenshot.png", "output file")
	cmd.Flags().BoolVar(&fullPage, "full-page", false, "capture the full page")
	return cmd
}

func newServeCommand(env *cliEnv) *cobra.Command {
	var addr, token string
	var maxSessions int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the control plane, as the in-sandbox agent does",
		RunE: func(cmd *cobra.Command, _ []string) error {
			srv := controlplane.NewServer(controlplane.Options{
				MaxSessions: maxSessions,
				AuthToken:   token,
				Intervener:  &controlplane.AutoIntervener{Delay: 5 * time.Second},
				Logger:      env.logger,
			})
			if err := srv.Start(addr); err != nil {
				return err
			}
			env.logger.Info("serving", zap.String("endpoint", srv.ControlEndpoint()))

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			<-ctx.Done()

			shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutCtx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8089", "listen address")
	cmd.Flags().StringVar(&token, "token", os.Getenv("MARIONET_AUTH_TOKEN"), "bearer token required from clients")
	cmd.Flags().IntVar(&maxSessions, "max-sessions", 16, "session capacity")
	return cmd
}
