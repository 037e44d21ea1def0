package bundler

import (
	"time"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
	"github.com/getsentry/sentry-go"

	"github.com/AvaProtocol/ap-bundler/core/config"
	"github.com/AvaProtocol/ap-bundler/version"
)

// goSafe runs fn in a goroutine, reporting a panic to Sentry before re-panicking.
func goSafe(fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				sentryRecover(r)
				panic(r)
			}
		}()
		fn()
	}()
}

// sentryRecover is a no-op when Sentry is not initialized.
func sentryRecover(rec interface{}) {
	sentry.CurrentHub().Recover(rec)
	sentry.Flush(2 * time.Second)
}

func sentryFlushSafely(timeout time.Duration) {
	_ = sentry.Flush(timeout)
}

func initSentry(c *config.Config, log sdklogging.Logger) bool {
	if c.SentryDsn == "" {
		log.Info("sentry_dsn not set, Sentry integration is disabled.")
		return false
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:              c.SentryDsn,
		Release:          version.Get() + "@" + version.Commit(),
		Environment:      string(c.Environment),
		AttachStacktrace: true,
		TracesSampleRate: 1.0,
	})
	if err != nil {
		log.Errorf("Sentry initialization failed: %v", err)
		return false
	}
	log.Infof("Sentry initialized for environment: %s", c.Environment)
	return true
}
