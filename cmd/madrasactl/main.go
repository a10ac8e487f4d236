// madrasactl is the interactive command line client for the Madrasa platform:
// sign in and out, manage the stored session, and work with notifications.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"madrasa/pkg/api"
	"madrasa/pkg/bus"
	"madrasa/pkg/config"
	"madrasa/pkg/notify"
	"madrasa/pkg/pendingaction"
	"madrasa/pkg/session"
	"madrasa/pkg/storage"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	_ = godotenv.Load()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// env wires the shared dependencies for every subcommand.
type env struct {
	cfg     config.Config
	client  *api.Client
	store   *storage.Store
	pending *pendingaction.Store
	session *session.Manager
}

func buildEnv(ctx context.Context, configPath string) (*env, error) {
	cfg, err := config.Load(ctx, configPath)
	if err != nil {
		return nil, err
	}
	client, err := api.New(cfg.APIBaseURL)
	if err != nil {
		return nil, err
	}
	store, err := storage.New(cfg.StateDir)
	if err != nil {
		return nil, err
	}
	pending := pendingaction.NewStore(store)
	manager := session.NewManager(client, store, pending,
		session.WithRefreshInterval(cfg.RefreshInterval))
	return &env{cfg: cfg, client: client, store: store, pending: pending, session: manager}, nil
}

// restore initializes the session from storage and fails when nobody is
// signed in.
func (e *env) restore(ctx context.Context) (session.Session, error) {
	if err := e.session.Initialize(ctx); err != nil {
		return session.Session{}, err
	}
	sess, ok := e.session.Current()
	if !ok {
		return session.Session{}, fmt.Errorf("not signed in, run `madrasactl login` first")
	}
	return sess, nil
}

func newRootCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           "madrasactl",
		Short:         "Command line client for the Madrasa platform",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to the config file")

	cmd.AddCommand(newLoginCommand(&configPath))
	cmd.AddCommand(newLogoutCommand(&configPath))
	cmd.AddCommand(newRegisterCommand(&configPath))
	cmd.AddCommand(newWhoamiCommand(&configPath))
	cmd.AddCommand(newRefreshCommand(&configPath))
	cmd.AddCommand(newNotificationsCommand(&configPath))
	cmd.AddCommand(newPendingCommand(&configPath))
	cmd.AddCommand(newWatchCommand(&configPath))
	return cmd
}

func newLoginCommand(configPath *string) *cobra.Command {
	var email, password string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in and persist the session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := buildEnv(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer e.session.Close()

			dest, err := e.session.Login(cmd.Context(), email, password)
			if err != nil {
				if msg := e.session.Message(); msg != "" {
					return fmt.Errorf("%s", msg)
				}
				return err
			}
			sess, _ := e.session.Current()
			fmt.Printf("signed in as %s (%s)\n", sess.User.Email, sess.User.Role)
			fmt.Printf("destination: %s\n", dest)
			return nil
		},
	}

	cmd.Flags().StringVar(&email, "email", "", "Account email")
	cmd.Flags().StringVar(&password, "password", "", "Account password")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

func newLogoutCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Clear the persisted session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := buildEnv(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer e.session.Close()

			_ = e.session.Logout()
			fmt.Println("signed out")
			return nil
		},
	}
}

func newRegisterCommand(configPath *string) *cobra.Command {
	var req api.RegisterRequest

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Create an account (does not sign in)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := buildEnv(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer e.session.Close()

			if _, err := e.session.Register(cmd.Context(), req); err != nil {
				if msg := e.session.Message(); msg != "" {
					return fmt.Errorf("%s", msg)
				}
				return err
			}
			fmt.Println("account created, sign in with `madrasactl login`")
			return nil
		},
	}

	cmd.Flags().StringVar(&req.Email, "email", "", "Account email")
	cmd.Flags().StringVar(&req.Password, "password", "", "Account password")
	cmd.Flags().StringVar(&req.FirstName, "first-name", "", "First name")
	cmd.Flags().StringVar(&req.LastName, "last-name", "", "Last name")
	cmd.Flags().StringVar(&req.Role, "role", "student", "Requested role")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

func newWhoamiCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the current session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := buildEnv(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer e.session.Close()

			sess, err := e.restore(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("user:  %s\n", sess.User.Email)
			fmt.Printf("id:    %d\n", sess.User.ID)
			fmt.Printf("role:  %s\n", sess.User.Role)
			fmt.Printf("home:  %s\n", sess.User.Role.Destination())
			return nil
		},
	}
}

func newRefreshCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Rotate the stored token pair",
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := buildEnv(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer e.session.Close()

			if _, err := e.restore(cmd.Context()); err != nil {
				return err
			}
			performed, err := e.session.Refresh(cmd.Context())
			if err != nil {
				return err
			}
			if !performed {
				fmt.Println("refresh already in flight")
				return nil
			}
			fmt.Println("token pair rotated")
			return nil
		},
	}
}

func newNotificationsCommand(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "notifications",
		Short: "Work with notifications",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List recent notifications",
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, sess, err := restoreEnv(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer e.session.Close()

			items, err := e.client.Notifications(cmd.Context(), sess.AccessToken, limit)
			if err != nil {
				return err
			}
			unread, err := e.client.UnreadCount(cmd.Context(), sess.AccessToken)
			if err != nil {
				return err
			}
			if len(items) == 0 {
				fmt.Println("no notifications")
				return nil
			}
			for _, n := range items {
				marker := " "
				if !n.IsRead {
					marker = "*"
				}
				fmt.Printf("%s %6d  %-40s %s\n", marker, n.ID, n.Title, n.TimeAgo)
			}
			fmt.Printf("%d unread\n", unread)
			return nil
		},
	}
	list.Flags().IntVar(&limit, "limit", config.DefaultFetchLimit, "Maximum records to fetch")
	cmd.AddCommand(list)

	cmd.AddCommand(notificationByID(configPath, "read", "Mark a notification as read",
		func(ctx context.Context, e *env, token string, id int64) error {
			return e.client.MarkRead(ctx, token, id)
		}))
	cmd.AddCommand(notificationByID(configPath, "unread", "Mark a notification as unread",
		func(ctx context.Context, e *env, token string, id int64) error {
			return e.client.MarkUnread(ctx, token, id)
		}))
	cmd.AddCommand(notificationByID(configPath, "delete", "Delete a notification",
		func(ctx context.Context, e *env, token string, id int64) error {
			return e.client.DeleteNotification(ctx, token, id)
		}))

	cmd.AddCommand(&cobra.Command{
		Use:   "read-all",
		Short: "Mark every notification as read",
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, sess, err := restoreEnv(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer e.session.Close()
			return e.client.MarkAllRead(cmd.Context(), sess.AccessToken)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Delete every notification",
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, sess, err := restoreEnv(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer e.session.Close()
			return e.client.DeleteAllNotifications(cmd.Context(), sess.AccessToken)
		},
	})
	return cmd
}

func notificationByID(configPath *string, use, short string, fn func(context.Context, *env, string, int64) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid notification id %q", args[0])
			}
			e, sess, err := restoreEnv(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer e.session.Close()
			return fn(cmd.Context(), e, sess.AccessToken, id)
		},
	}
}

func restoreEnv(ctx context.Context, configPath string) (*env, session.Session, error) {
	e, err := buildEnv(ctx, configPath)
	if err != nil {
		return nil, session.Session{}, err
	}
	sess, err := e.restore(ctx)
	if err != nil {
		e.session.Close()
		return nil, session.Session{}, err
	}
	return e, sess, nil
}

func newPendingCommand(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "Inspect the stored pending action",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the pending action, if any",
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := buildEnv(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			action, ok, err := e.pending.Get()
			if err != nil {
				return err
			}
			if !ok {
				fmt.Println("no pending action")
				return nil
			}
			fmt.Printf("type:        %s\n", action.Type)
			fmt.Printf("created:     %s\n", action.Timestamp.Format("2006-01-02 15:04:05"))
			fmt.Printf("destination: %s\n", action.Destination())
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Discard the pending action",
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := buildEnv(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			return e.pending.Clear()
		},
	})
	return cmd
}

func newWatchCommand(configPath *string) *cobra.Command {
	var fromBus bool

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream notifications to the terminal until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, sess, err := restoreEnv(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer e.session.Close()

			if fromBus {
				return watchBus(cmd.Context(), e, sess)
			}

			channel, err := notify.New(e.client, e.cfg.WSURL, e.session.AccessToken,
				notify.WithReconnectDelay(e.cfg.ReconnectDelay),
				notify.WithFetchLimit(e.cfg.FetchLimit),
				notify.WithNotificationHook(func(n api.Notification) {
					fmt.Printf("* %s: %s\n", n.Title, n.Body)
				}),
			)
			if err != nil {
				return err
			}
			defer channel.Close()

			channel.FetchInitial(cmd.Context())
			channel.Connect(cmd.Context())
			fmt.Printf("watching notifications for %s (%d unread), Ctrl-C to stop\n",
				sess.User.Email, channel.UnreadCount())

			<-cmd.Context().Done()
			return nil
		},
	}

	cmd.Flags().BoolVar(&fromBus, "from-bus", false,
		"Consume events republished by the agent on the local NATS bus instead of the live channel")
	return cmd
}

// watchBus tails the agent's republished notification events. Useful when the
// agent owns the live channel and a second live socket is not wanted.
func watchBus(ctx context.Context, e *env, sess session.Session) error {
	if e.cfg.NATSURL == "" {
		return errors.New("no NATS url configured, set MADRASA_NATS_URL or nats_url")
	}

	b, err := bus.New(e.cfg.NATSURL)
	if err != nil {
		return fmt.Errorf("connect bus: %w", err)
	}
	defer b.Close()

	sub, err := b.Subscribe(ctx, bus.SubjectFor(sess.User.ID), "madrasactl-watch",
		func(_ context.Context, event bus.Event) error {
			fmt.Printf("* %s: %s\n", event.Notification.Title, event.Notification.Body)
			return nil
		})
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	defer sub.Close()

	fmt.Printf("watching bus events for %s, Ctrl-C to stop\n", sess.User.Email)
	<-ctx.Done()
	return nil
}
