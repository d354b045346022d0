package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"bounceguard/internal/config"
	"bounceguard/internal/guard"
	"bounceguard/internal/hook"
	"bounceguard/internal/instance"
	"bounceguard/internal/journal"
	"bounceguard/internal/logging"
	"bounceguard/internal/metrics"
	"bounceguard/internal/notify"
	"bounceguard/internal/status"
)

const crashReportMaxAge = 30 * 24 * time.Hour

// runDaemon runs the filter until SIGINT or SIGTERM.
func runDaemon(cmd *cobra.Command, gf *globalFlags) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, loader, err := gf.loadConfig()
	if err != nil {
		// Without a configuration there is no log file either; the fatal
		// log and a notification are all the user will see.
		n := notify.New(notify.OptionsFrom(config.DefaultConfig().Notify, nil))
		return fatal(n, "bounceguard could not start", err)
	}
	defer loader.Close()

	boot := notify.New(notify.OptionsFrom(cfg.Notify, nil))
	if err := cfg.EnsureDirectories(); err != nil {
		return fatal(boot, "bounceguard could not start", err)
	}

	lc, err := logging.ConfigFrom(cfg.Logging)
	if err != nil {
		return fatal(boot, "bounceguard could not start", err)
	}
	log, err := logging.New(lc)
	if err != nil {
		return fatal(boot, "bounceguard could not start", err)
	}
	defer log.Close()
	logging.SetDefault(log)

	notifier := notify.New(notify.OptionsFrom(cfg.Notify, log))

	crash := logging.NewCrashHandler(logging.CrashOptions{
		Dir:     cfg.Logging.CrashDir,
		Version: version,
	})
	defer func() {
		if v := recover(); v != nil {
			crash.Report("daemon", v)
			os.Exit(2)
		}
	}()
	if n, err := crash.Prune(crashReportMaxAge); err == nil && n > 0 {
		log.Debug("pruned crash reports", "count", n)
	}

	lock, err := instance.AcquireFrom(cfg.Instance)
	if errors.Is(err, instance.ErrAlreadyRunning) {
		_ = notifier.Notify(ctx, notify.LevelInfo, "bounceguard is already running",
			"Another bounceguard process is filtering this keyboard.")
		return err
	}
	if err != nil {
		return fatal(notifier, "bounceguard could not start", err)
	}
	defer lock.Release()

	ec, err := cfg.EngineConfig()
	if err != nil {
		return fatal(notifier, "bounceguard could not start", err)
	}

	m := metrics.New(metrics.Options{PerKey: true, RuntimeCollectors: true})

	backend := cfg.ResolveBackend()
	crash.Tag("backend", backend)
	src, err := hook.New(backend, hook.OptionsFrom(cfg.Hook, log))
	if err != nil {
		return fatal(notifier, "bounceguard could not install the keyboard hook", err)
	}

	observers := []guard.Observer{m}

	j, rec := openJournal(cfg, backend, m, log)
	if j != nil {
		defer j.Close()
		crash.Tag("session", rec.session)
		observers = append(observers, rec.Recorder)
		defer rec.close(log)
	}

	gd, err := guard.New(ec, guard.Options{
		Logger:       log,
		Observers:    observers,
		PassInjected: cfg.Hook.PassInjected,
		OnStateChange: func(s guard.State) {
			m.SetEngineInitialized(s == guard.StateRunning)
		},
	})
	if err != nil {
		return fatal(notifier, "bounceguard could not start", err)
	}

	if cfg.Status.Enabled {
		opts := status.Options{
			Listen:  cfg.Status.Listen,
			Version: version,
			Guard:   gd,
			Metrics: m.Handler(),
			Logger:  log,
		}
		if j != nil {
			opts.Journal = j
		}
		srv := status.New(opts)
		if err := srv.Start(); err != nil {
			log.Warn("status server disabled", "listen", cfg.Status.Listen, "error", err)
		} else {
			defer func() {
				sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				_ = srv.Shutdown(sctx)
			}()
		}
	}

	watchConfig(ctx, loader, gd, m, log)

	log.Info("bounceguard starting",
		"version", version,
		"config", loader.Path(),
		"backend", backend,
	)

	if err := gd.Run(ctx, src); err != nil {
		return fatal(notifier, "bounceguard stopped unexpectedly", err)
	}

	st := gd.Stats()
	log.Info("bounceguard exiting",
		"delivered", st.Delivered.Total(),
		"suppressed", st.Suppressed.Total(),
	)
	return nil
}

// sessionRecorder ties a Recorder to the session it writes into.
type sessionRecorder struct {
	*journal.Recorder
	j       *journal.Journal
	session string
}

func (r *sessionRecorder) close(log *logging.Logger) {
	if err := r.Recorder.Close(); err != nil {
		log.Warn("journal flush failed", "error", err)
	}
	if err := r.j.EndSession(r.session); err != nil {
		log.Warn("journal session not closed", "error", err)
	}
	if n := r.Dropped(); n > 0 {
		log.Warn("journal records dropped", "count", n)
	}
}

// openJournal opens the suppression journal and starts a session. The
// filter runs without a journal when it cannot be opened.
func openJournal(cfg *config.Config, backend string, m *metrics.Metrics, log *logging.Logger) (*journal.Journal, *sessionRecorder) {
	if !cfg.Journal.Enabled {
		return nil, nil
	}

	j, err := journal.Open(cfg.Journal.Path)
	if err != nil {
		log.Warn("journal disabled", "path", cfg.Journal.Path, "error", err)
		return nil, nil
	}

	if days := cfg.Journal.RetentionDays; days > 0 {
		cutoff := time.Now().AddDate(0, 0, -days)
		if n, err := j.Prune(cutoff); err != nil {
			log.Warn("journal prune failed", "error", err)
		} else if n > 0 {
			log.Info("journal pruned", "records", n, "before", cutoff.Format(time.RFC3339))
		}
	}

	session, err := j.BeginSession(backend, cfg.Filter)
	if err != nil {
		log.Warn("journal disabled", "path", cfg.Journal.Path, "error", err)
		_ = j.Close()
		return nil, nil
	}

	rec := journal.NewRecorder(j, session, journal.RecorderOptions{
		BufferSize:    cfg.Journal.BufferSize,
		BatchSize:     cfg.Journal.BatchSize,
		FlushInterval: cfg.FlushInterval(),
		OnDrop:        m.JournalDroppedRecord,
		OnWrite:       m.JournalWroteRecords,
		Logger:        log,
	})
	return j, &sessionRecorder{Recorder: rec, j: j, session: session}
}

// watchConfig hot-reloads the filter section. Other sections take
// effect on the next start.
func watchConfig(ctx context.Context, loader *config.Loader, gd *guard.Guard, m *metrics.Metrics, log *logging.Logger) {
	loader.OnChange(func(r config.Reload) {
		if restart := r.RestartRequired(); len(restart) > 0 {
			log.Warn("config sections change on restart", "sections", restart)
		}
		if !r.FilterChanged() {
			return
		}
		ec, err := r.Config.EngineConfig()
		if err == nil {
			err = gd.Reconfigure(ec)
		}
		m.ConfigReloaded(err)
		if err != nil {
			log.Warn("config reload rejected", "error", err)
			return
		}
		log.Info("filter reloaded", "path", loader.Path(),
			"chatter_ms", r.Config.Filter.ChatterThresholdMs,
			"repeat_ms", r.Config.Filter.RepeatThresholdMs,
			"updown_ms", r.Config.Filter.UpDownThresholdMs)
	})

	if err := loader.Watch(ctx); err != nil {
		log.Warn("config hot reload disabled", "path", loader.Path(), "error", err)
		return
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case err := <-loader.Errors():
				m.ConfigReloaded(err)
				log.Warn("config reload failed", "error", err)
			}
		}
	}()
}

// fatal records err where a user without a console can find it.
func fatal(n notify.Notifier, title string, err error) error {
	_ = logging.AppendFatal(err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = n.Notify(ctx, notify.LevelError, title, fmt.Sprintf("%v\n\nDetails: %s", err, logging.FatalLogPath()))
	return err
}
