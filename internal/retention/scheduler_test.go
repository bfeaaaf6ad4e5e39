package retention

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carepilot-io/carepilot/internal/consent"
	"github.com/carepilot-io/carepilot/internal/evidence"
	"github.com/carepilot-io/carepilot/internal/lifecycle"
)

func newTestScheduler(t *testing.T) (*Scheduler, *consent.Store) {
	t.Helper()
	dir := t.TempDir()

	actions, err := lifecycle.NewStore(filepath.Join(dir, "actions.db"), "0123456789abcdef0123456789abcdef", time.Hour)
	require.NoError(t, err)
	t.Cleanup(func() { _ = actions.Close() })

	audit, err := evidence.NewStore(filepath.Join(dir, "audit.db"), "test-signing-key-needs-32-bytes!")
	require.NoError(t, err)
	t.Cleanup(func() { _ = audit.Close() })

	consents, err := consent.NewStore(filepath.Join(dir, "consent.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = consents.Close() })

	return NewScheduler(actions, audit, consents, 365, 365), consents
}

func TestRegisterValidSpec(t *testing.T) {
	s, _ := newTestScheduler(t)
	require.NoError(t, s.Register(DefaultSchedule))
	s.Start()
	s.Stop()
}

func TestRegisterInvalidSpec(t *testing.T) {
	s, _ := newTestScheduler(t)
	assert.Error(t, s.Register("not a cron spec"))
}

func TestRunOnceEmptyStores(t *testing.T) {
	s, _ := newTestScheduler(t)
	// Nothing to purge; must not error or panic.
	s.RunOnce(context.Background())
}

func TestRunOncePurgesExpiredConsentTokens(t *testing.T) {
	s, consents := newTestScheduler(t)
	ctx := context.Background()

	_, err := consents.Issue(ctx, "user-1", "appointment_book", "hash", consent.MinTTL)
	require.NoError(t, err)

	// Not yet expired: survives the purge.
	s.RunOnce(ctx)
	n, err := consents.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
