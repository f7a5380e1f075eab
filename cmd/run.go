package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/adhocore/gronx"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/abdulraoufatia/atlasbridge/internal/adapter"
	"github.com/abdulraoufatia/atlasbridge/internal/audit"
	"github.com/abdulraoufatia/atlasbridge/internal/capability"
	"github.com/abdulraoufatia/atlasbridge/internal/channels"
	"github.com/abdulraoufatia/atlasbridge/internal/config"
	"github.com/abdulraoufatia/atlasbridge/internal/convo"
	"github.com/abdulraoufatia/atlasbridge/internal/dashboard"
	"github.com/abdulraoufatia/atlasbridge/internal/detector"
	"github.com/abdulraoufatia/atlasbridge/internal/policy"
	"github.com/abdulraoufatia/atlasbridge/internal/profile"
	"github.com/abdulraoufatia/atlasbridge/internal/ptysup"
	"github.com/abdulraoufatia/atlasbridge/internal/router"
	"github.com/abdulraoufatia/atlasbridge/internal/session"
	"github.com/abdulraoufatia/atlasbridge/internal/store"
	"github.com/abdulraoufatia/atlasbridge/internal/trace"
	"github.com/abdulraoufatia/atlasbridge/internal/trust"
)

// archiveSchedule is the nightly audit-archival cron expression.
const archiveSchedule = "0 3 * * *"

// archiveAfter is how old an audit event must be before the nightly sweep
// moves it to an archive file.
const archiveAfter = 30 * 24 * time.Hour

func runCmd() *cobra.Command {
	var (
		label       string
		policyPath  string
		adapterName string
		interactive bool
	)
	cmd := &cobra.Command{
		Use:   "run <tool> [args...]",
		Short: "Launch a CLI tool under supervision",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return Misconfig(err)
			}
			return runSupervised(cmd.Context(), cfg, args, runOptions{
				label:       label,
				policyPath:  policyPath,
				adapterName: adapterName,
				interactive: interactive,
			})
		},
	}
	cmd.Flags().StringVar(&label, "label", "", "human-friendly session label")
	cmd.Flags().StringVar(&policyPath, "policy", "", "policy file (overrides config and profile)")
	cmd.Flags().StringVar(&adapterName, "adapter", "", "adapter name (defaults to the tool name)")
	cmd.Flags().BoolVar(&interactive, "interactive", true, "relay local stdin to the child")
	return cmd
}

type runOptions struct {
	label       string
	policyPath  string
	adapterName string
	interactive bool
}

func runSupervised(ctx context.Context, cfg *config.Config, argv []string, opts runOptions) error {
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	// Profile defaults fill anything the flags and config left blank.
	prof, profErr := profile.NewStore(cfg.DataDir).GetDefault()
	if profErr == nil {
		if opts.policyPath == "" {
			opts.policyPath = prof.PolicyPath
		}
		if opts.adapterName == "" {
			opts.adapterName = prof.Adapter
		}
		if cfg.Prompts.TimeoutSeconds == 0 && prof.TimeoutSeconds != 0 {
			cfg.Prompts.TimeoutSeconds = prof.TimeoutSeconds
		}
	}
	if opts.policyPath == "" {
		opts.policyPath = cfg.Policy.Path
	}
	if opts.adapterName == "" {
		opts.adapterName = argv[0]
	}

	db, err := store.Open(cfg.DatabasePath())
	if err != nil {
		return err
	}
	defer db.Close()
	auditor := audit.NewWriter(db)
	tracer := trace.NewWriter(cfg.TracePath())

	pol, err := loadPolicyOrDefault(opts.policyPath)
	if err != nil {
		return Misconfig(err)
	}

	multi, err := buildChannels(cfg)
	if err != nil {
		return Misconfig(err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := multi.Start(runCtx); err != nil {
		return err
	}
	defer multi.Stop(context.Background())

	sessions := session.NewManager()
	registry := convo.New()
	rt := router.New(pol, router.Options{
		Sessions:      sessions,
		Registry:      registry,
		Channel:       multi,
		Audit:         auditor,
		Trace:         tracer,
		DB:            db,
		Environment:   os.Getenv("ATLASBRIDGE_ENV"),
		Trust:         trust.NewStore(db),
		Capabilities:  capability.Default(),
		Edition:       capability.EditionCore,
		AuthorityMode: capability.AuthorityModeReadOnly,
	})

	// Launch the child.
	adapters := adapter.NewRegistry()
	ad := adapters.Lookup(opts.adapterName)
	sess := sessions.Create(argv[0], argv, mustCwd(), opts.label)
	ttl := time.Duration(cfg.Prompts.TimeoutSeconds) * time.Second
	if ttl == 0 {
		ttl = 300 * time.Second
	}

	detOpts := append(ad.DetectorOptions(), detector.WithTTL(ttl))
	det := detector.New(sess.ID, promptSink{ctx: runCtx, router: rt}, detOpts...)

	// The PTY reader can deliver bytes before the runtime exists, so the
	// sink is attached through a relay that is wired right after Start.
	relay := &chunkRelay{}
	sup, err := ptysup.Start(runCtx, ptysup.Options{
		Argv:    argv,
		Cwd:     sess.Cwd,
		Sink:    relay,
		Silence: det,
		Marker:  det,
	})
	if err != nil {
		sess.SetStatus(session.StatusCrashed)
		db.InsertSession(runCtx, sessionRow(sess))
		db.UpdateSessionStatus(runCtx, sess.ID, string(session.StatusCrashed), true)
		return fmt.Errorf("spawn %s: %w", argv[0], err)
	}
	runtime := adapter.NewRuntime(ad, sup)
	runtime.AddSink(det.HandleChunk)
	relay.set(runtime)

	forwarder := channels.NewForwarder(multi, sess.ID)
	runtime.AddSink(forwarder.Add)
	go forwarder.Run(runCtx)

	sess.PID = sup.PID()
	sess.SetStatus(session.StatusRunning)
	if err := db.InsertSession(runCtx, sessionRow(sess)); err != nil {
		slog.Error("persist session failed", "error", err)
	}
	db.UpdateSessionPID(runCtx, sess.ID, sup.PID())
	db.UpdateSessionStatus(runCtx, sess.ID, string(session.StatusRunning), false)
	auditor.Append(runCtx, audit.EventSessionStarted, sess.ID, "", map[string]any{
		"tool": sess.Tool, "label": sess.Label, "pid": sup.PID(),
	})
	rt.RegisterSession(sess.ID, runtime)
	bindThreads(runCtx, cfg, registry, multi, sess.ID)

	// Background tasks: TTY-blocked polling, TTL sweep, nightly archival,
	// policy hot reload, optional dashboard.
	go pollTTYBlocked(runCtx, det, sup)
	go rt.RunTTLSweep(runCtx, router.DefaultSweepSchedule)
	go runArchiveSweep(runCtx, auditor)
	if opts.policyPath != "" {
		go watchPolicy(runCtx, opts.policyPath, rt)
	}
	if cfg.Dashboard.Enabled {
		go runDashboard(runCtx, cfg)
	}
	go rt.ConsumeReplies(runCtx, multi.Replies())
	if opts.interactive {
		go relayStdin(runCtx, sup)
	}

	// Wait for child exit or a signal.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	status := session.StatusCompleted
	select {
	case <-sup.Done():
		code, crashed := sup.ExitInfo()
		if crashed {
			status = session.StatusCrashed
		}
		auditor.Append(runCtx, audit.EventSessionEnded, sess.ID, "", map[string]any{
			"exit_code": code, "crashed": crashed,
		})
		multi.Notify(runCtx, fmt.Sprintf("Session '%s' ended (exit %d).", sessionName(sess), code), sess.ID)
	case sig := <-sigCh:
		slog.Info("stopping child", "signal", sig.String())
		status = session.StatusCanceled
		sup.Stop(5 * time.Second)
		code, _ := sup.ExitInfo()
		auditor.Append(runCtx, audit.EventSessionEnded, sess.ID, "", map[string]any{
			"exit_code": code, "crashed": false, "canceled": true,
		})
	}

	sess.SetStatus(status)
	db.UpdateSessionStatus(context.Background(), sess.ID, string(status), true)
	rt.UnregisterSession(sess.ID)
	cancel()
	return nil
}

func sessionName(sess *session.Session) string {
	if sess.Label != "" {
		return sess.Label
	}
	return sess.Tool
}

func mustCwd() string {
	cwd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return cwd
}

func sessionRow(sess *session.Session) store.SessionRow {
	return store.SessionRow{
		ID: sess.ID, Tool: sess.Tool, Argv: sess.Argv, Cwd: sess.Cwd,
		Label: sess.Label, PID: sess.PID, Status: string(sess.GetStatus()),
		Tag: sess.Tag, StartedAt: sess.CreatedAt, UpdatedAt: sess.UpdatedAt,
	}
}

// loadPolicyOrDefault loads the policy file or, when none is configured,
// a minimal everything-to-human policy.
func loadPolicyOrDefault(path string) (*policy.Policy, error) {
	if path == "" {
		return &policy.Policy{
			Name:    "default",
			Version: "1",
			Defaults: policy.Defaults{
				NoMatch: policy.Action{Kind: policy.ActionRequireHuman},
			},
		}, nil
	}
	return policy.LoadFile(path)
}

func buildChannels(cfg *config.Config) (*channels.MultiChannel, error) {
	lockDir := filepath.Join(cfg.DataDir, "locks")
	var backends []channels.Channel
	if cfg.Telegram != nil {
		tg, err := channels.NewTelegram(cfg.Telegram.BotToken, cfg.Telegram.AllowedUsers, lockDir)
		if err != nil {
			return nil, err
		}
		backends = append(backends, tg)
	}
	if cfg.Slack != nil {
		sl, err := channels.NewSlack(cfg.Slack.BotToken, cfg.Slack.AppToken, cfg.Slack.AllowedUsers, lockDir)
		if err != nil {
			return nil, err
		}
		backends = append(backends, sl)
	}
	return channels.NewMulti(backends...), nil
}

// bindThreads creates the conversation bindings for every allowlisted
// chat thread so inbound messages resolve to this session.
func bindThreads(ctx context.Context, cfg *config.Config, registry *convo.Registry, multi *channels.MultiChannel, sessionID string) {
	if cfg.Telegram != nil {
		for _, user := range cfg.Telegram.AllowedUsers {
			thread := strconv.FormatInt(user, 10)
			registry.Bind("telegram", thread, sessionID)
			registry.Transition("telegram", thread, convo.StateRunning)
		}
	}
	for _, ch := range multi.Channels() {
		sl, ok := ch.(*channels.Slack)
		if !ok {
			continue
		}
		for _, thread := range sl.DMThreads(ctx) {
			registry.Bind("slack", thread, sessionID)
			registry.Transition("slack", thread, convo.StateRunning)
		}
	}
}

// promptSink adapts the router to the detector's EventSink.
type promptSink struct {
	ctx    context.Context
	router *router.Router
}

func (s promptSink) PromptDetected(ev detector.PromptEvent) {
	go s.router.HandlePrompt(s.ctx, ev)
}

// chunkRelay buffers the gap between ptysup.Start and runtime wiring:
// chunks arriving before set() are dropped (the child has produced no
// meaningful output that early).
type chunkRelay struct {
	mu     sync.Mutex
	target ptysup.OutputSink
}

func (r *chunkRelay) set(target ptysup.OutputSink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.target = target
}

func (r *chunkRelay) HandleChunk(chunk []byte) {
	r.mu.Lock()
	target := r.target
	r.mu.Unlock()
	if target != nil {
		target.HandleChunk(chunk)
	}
}

// pollTTYBlocked feeds the detector's second signal twice a second.
func pollTTYBlocked(ctx context.Context, det *detector.Detector, sup *ptysup.Supervisor) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !sup.IsAlive() {
				return
			}
			det.ObserveTTYBlocked(adapter.TTYBlocked(sup.PID()))
		}
	}
}

// runArchiveSweep moves old audit events to archive files nightly.
func runArchiveSweep(ctx context.Context, auditor *audit.Writer) {
	gron := gronx.New()
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			due, err := gron.IsDue(archiveSchedule, now)
			if err != nil || !due {
				continue
			}
			res, err := auditor.Archive(ctx, now.Add(-archiveAfter), false)
			if err != nil {
				slog.Error("audit archival failed", "error", err)
				continue
			}
			if res.Moved > 0 {
				slog.Info("audit events archived", "moved", res.Moved, "file", res.ArchiveFile)
			}
		}
	}
}

// watchPolicy hot-reloads the policy file on change. A file that fails to
// parse is rejected; the daemon keeps the previous policy (§7).
func watchPolicy(ctx context.Context, path string, rt *router.Router) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Warn("policy watch unavailable", "error", err)
		return
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		slog.Warn("policy watch failed", "error", err)
		return
	}
	target := filepath.Clean(path)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target || !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			pol, err := policy.LoadFile(path)
			if err != nil {
				slog.Error("policy reload rejected, keeping previous", "error", err)
				continue
			}
			rt.SetPolicy(pol)
			slog.Info("policy reloaded", "hash", pol.Hash)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("policy watch error", "error", err)
		}
	}
}

func runDashboard(ctx context.Context, cfg *config.Config) {
	ro, err := store.OpenReadOnly(cfg.DatabasePath())
	if err != nil {
		slog.Error("dashboard database open failed", "error", err)
		return
	}
	defer ro.Close()
	srv, err := dashboard.New(ro, cfg.Dashboard.Bind, cfg.Dashboard.AllowNonLoopback)
	if err != nil {
		slog.Error("dashboard disabled", "error", err)
		return
	}
	if err := srv.ListenAndServe(ctx); err != nil {
		slog.Error("dashboard exited", "error", err)
	}
}

// relayStdin copies operator keystrokes into the PTY while foreground-
// attached.
func relayStdin(ctx context.Context, sup *ptysup.Supervisor) {
	buf := make([]byte, 1024)
	for {
		if ctx.Err() != nil {
			return
		}
		n, err := os.Stdin.Read(buf)
		if n > 0 {
			if _, werr := sup.RelayStdin(buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			if err != io.EOF {
				slog.Debug("stdin relay ended", "error", err)
			}
			return
		}
	}
}
