package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"collaborative-workspace-sync/internal/awareness"
	"collaborative-workspace-sync/internal/config"
	"collaborative-workspace-sync/internal/discovery"
	"collaborative-workspace-sync/internal/encryption"
	"collaborative-workspace-sync/internal/logger"
	"collaborative-workspace-sync/internal/membership"
	"collaborative-workspace-sync/internal/persistence"
	"collaborative-workspace-sync/internal/registry"
	"collaborative-workspace-sync/internal/transport"
)

const contentObject = "content"

type options struct {
	workspace string
	secret    string
	owner     bool
	discover  time.Duration
}

func main() {
	if err := config.LoadConfig(); err != nil {
		log := logger.New("production", "error")
		log.Fatal().Err(err).Msg("Configuration rejected")
	}
	cfg := config.AppConfig

	var opts options
	flags := pflag.NewFlagSet("peer", pflag.ExitOnError)
	flags.StringVarP(&opts.workspace, "workspace", "w", "", "workspace id to join")
	flags.StringVar(&opts.secret, "secret", "", "room secret; enables encryption for the workspace")
	flags.BoolVar(&opts.owner, "owner", false, "claim ownership of a new workspace")
	flags.DurationVar(&opts.discover, "discover", 0, "browse the local network for relays for this long")
	flags.StringSliceVar(&cfg.RelayURLs, "relay", cfg.RelayURLs, "relay websocket URLs")
	flags.StringVar(&cfg.DataDir, "data", cfg.DataDir, "directory for local snapshots")
	flags.StringVar(&cfg.UserID, "user", cfg.UserID, "local user id")
	flags.StringVar(&cfg.DisplayName, "name", cfg.DisplayName, "display name shown to peers")
	flags.BoolVar(&cfg.DirectLinks, "direct", cfg.DirectLinks, "negotiate direct WebRTC links")
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	flags.Parse(os.Args[1:])

	log := logger.New(cfg.Environment, cfg.LogLevel)
	if opts.workspace == "" {
		log.Fatal().Msg("--workspace is required")
	}
	if cfg.UserID == "" {
		cfg.UserID = uuid.NewString()
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Configuration rejected")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, opts, log); err != nil && ctx.Err() == nil {
		log.Fatal().Err(err).Msg("Peer stopped with error")
	}
}

func run(ctx context.Context, cfg config.Config, opts options, log zerolog.Logger) error {
	if opts.discover > 0 {
		browseCtx, cancel := context.WithTimeout(ctx, opts.discover)
		found, err := discovery.Browse(browseCtx, log)
		cancel()
		if err != nil {
			log.Warn().Err(err).Msg("Relay discovery failed")
		}
		cfg.RelayURLs = append(found, cfg.RelayURLs...)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	store, err := persistence.Open(persistence.Options{
		Path:             filepath.Join(cfg.DataDir, "collab.db"),
		MaxDocumentBytes: cfg.PersistMaxBytes,
		Debounce:         cfg.PersistDebounce,
		Logger:           log,
	})
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.FlushTimeout)
		defer cancel()
		store.Close(closeCtx)
	}()

	if opts.secret != "" {
		settings := persistence.Settings{EncryptionEnabled: true, RoomSecret: opts.secret}
		if err := store.PutSettings(opts.workspace, settings); err != nil {
			return err
		}
	}

	directory, err := membership.NewDirectory(store, cfg.MaxWorkspaces, log)
	if err != nil {
		return err
	}

	reg := registry.New(registry.Options{
		Store: store,
		Keyring: encryption.NewKeyring(encryption.KeyringOptions{
			CacheSize:  cfg.KeyCacheSize,
			CacheTTL:   cfg.KeyCacheTTL,
			Iterations: cfg.KDFIterations,
			Logger:     log,
		}),
		Connector: registry.TransportConnector{Options: transport.Options{
			RelayURLs:         cfg.RelayURLs,
			ICE:               transport.ICEConfigFromURLs(cfg.ICEServers, cfg.TURNUsername, cfg.TURNCredential),
			MaxConnections:    cfg.MaxConnections,
			KeepaliveInterval: cfg.KeepaliveInterval,
			KeepaliveMisses:   cfg.KeepaliveMisses,
			ConnectTimeout:    cfg.ConnectTimeout,
			DirectLinks:       cfg.DirectLinks,
			Logger:            log,
		}},
		LocalState:   awareness.State{UserID: cfg.UserID, Name: cfg.DisplayName},
		Directory:    directory,
		FlushTimeout: cfg.FlushTimeout,
		CloseTimeout: cfg.CloseTimeout,
		Logger:       log,
	})
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.CloseTimeout)
		defer cancel()
		if err := reg.Close(closeCtx); err != nil {
			log.Warn().Err(err).Msg("Registry closed with errors")
		}
	}()

	svc := membership.NewService(reg, reg, membership.Options{
		MaxMembers: cfg.MaxMembers,
		Directory:  directory,
		Logger:     log,
	})

	handle, err := reg.Acquire(ctx, opts.workspace)
	if err != nil {
		return err
	}
	defer handle.Release()

	self := membership.Identity{UserID: cfg.UserID, DisplayName: cfg.DisplayName}
	if opts.owner {
		if err := svc.InitializeWorkspace(opts.workspace, self); err != nil {
			return err
		}
	} else if err := svc.AddMember(opts.workspace, self, membership.RoleMember); err != nil {
		log.Warn().Err(err).Msg("Could not join member list")
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := reg.RunModeration(ctx, svc)
		if ctx.Err() != nil {
			return nil
		}
		return err
	})
	g.Go(func() error {
		return watch(ctx, handle, cfg.UserID)
	})
	g.Go(func() error {
		return readInput(ctx, handle, svc, cfg.UserID)
	})
	return g.Wait()
}

// watch prints what peers do until the handle is torn down.
func watch(ctx context.Context, h *registry.Handle, self string) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-h.Events():
			if !ok {
				return nil
			}
			switch ev := ev.(type) {
			case registry.Connected:
				fmt.Printf("* connected via %s\n", ev.RelayURL)
			case registry.PeerCountChanged:
				fmt.Printf("* %d peer(s) online\n", ev.Count)
			case registry.Synced:
				fmt.Printf("* synced with %s\n", ev.SessionID)
			case registry.DocumentChanged:
				if !ev.Local {
					fmt.Printf("--- %s ---\n%s", h.WorkspaceID(), h.Document().Text(contentObject))
				}
			case registry.ModerationReceived:
				fmt.Printf("* %s: %s by %s\n", ev.Action.Type, ev.Action.TargetID, ev.Action.InitiatorID)
				if ev.Action.TargetID == self && ev.Action.Type != membership.ActionUnban {
					return fmt.Errorf("removed from workspace: %s", ev.Action.Reason)
				}
			case registry.TransportError:
				fmt.Printf("! %v\n", ev.Err)
			}
		}
	}
}

// readInput appends stdin lines to the shared text. Lines starting with a
// slash are moderation commands.
func readInput(ctx context.Context, h *registry.Handle, svc membership.Service, self string) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if strings.HasPrefix(line, "/") {
				if err := command(h.WorkspaceID(), svc, self, line); err != nil {
					fmt.Printf("! %v\n", err)
				}
				continue
			}
			doc := h.Document()
			if _, err := doc.Insert(contentObject, doc.Len(contentObject), line+"\n"); err != nil {
				return err
			}
		}
	}
}

func command(workspaceID string, svc membership.Service, self, line string) error {
	fields := strings.Fields(line)
	args := fields[1:]
	reason := ""
	if len(args) > 1 {
		reason = strings.Join(args[1:], " ")
	}

	switch fields[0] {
	case "/members":
		members, err := svc.Members(workspaceID)
		if err != nil {
			return err
		}
		for _, m := range members {
			fmt.Printf("  %-24s %-7s online=%t\n", m.UserID, m.Role, m.Online)
		}
		return nil
	case "/kick", "/ban", "/unban":
		if len(args) == 0 {
			return fmt.Errorf("usage: %s <user> [reason]", fields[0])
		}
		switch fields[0] {
		case "/kick":
			return svc.Kick(workspaceID, self, args[0], reason)
		case "/ban":
			return svc.Ban(workspaceID, self, args[0], reason)
		default:
			return svc.Unban(workspaceID, self, args[0])
		}
	case "/role":
		if len(args) != 2 {
			return fmt.Errorf("usage: /role <user> <role>")
		}
		role, err := membership.ParseRole(args[1])
		if err != nil {
			return err
		}
		return svc.UpdateRole(workspaceID, self, args[0], role)
	default:
		return fmt.Errorf("unknown command %s", fields[0])
	}
}
