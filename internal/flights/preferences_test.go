package flights

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/providentiaww/ptdatax-ingest/internal/errs"
	"github.com/providentiaww/ptdatax-ingest/internal/storage/storagetest"
)

func TestShouldRunAutoDiscovery(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	p := DefaultPreferences("u1")
	assert.True(t, p.ShouldRunAutoDiscovery(now))

	last := now.Add(-23 * time.Hour)
	p.LastAutoDiscovery = &last
	assert.False(t, p.ShouldRunAutoDiscovery(now))

	last = now.Add(-24 * time.Hour)
	assert.True(t, p.ShouldRunAutoDiscovery(now))

	p.DiscoveryCooldownHours = 0
	last = now
	assert.True(t, p.ShouldRunAutoDiscovery(now))

	p.AutoDiscoverOnLogin = false
	assert.False(t, p.ShouldRunAutoDiscovery(now))
}

func TestApplyValidates(t *testing.T) {
	p := DefaultPreferences("u1")
	zero, negative := 0, -1
	_, err := p.Apply(PreferencesUpdate{MaxProjectsPerDiscovery: &zero}, DefaultSystemPrefix)
	assert.True(t, errs.Is(err, errs.KindValidation))
	_, err = p.Apply(PreferencesUpdate{DiscoveryCooldownHours: &negative}, DefaultSystemPrefix)
	assert.True(t, errs.Is(err, errs.KindValidation))
	bad := []string{"ptdatax.project.a", "home.jdoe"}
	_, err = p.Apply(PreferencesUpdate{PreferredSystems: &bad}, DefaultSystemPrefix)
	assert.True(t, errs.Is(err, errs.KindValidation))

	good := []string{" ptdatax.project.a ", ""}
	out, err := p.Apply(PreferencesUpdate{PreferredSystems: &good}, DefaultSystemPrefix)
	require.NoError(t, err)
	assert.Equal(t, []string{"ptdatax.project.a"}, out.PreferredSystems)
	assert.Equal(t, DefaultMaxProjects, out.MaxProjectsPerDiscovery)
}

func TestPreferenceStore(t *testing.T) {
	ctx := context.Background()
	s := NewPreferenceStore(storagetest.New(t))

	p, err := s.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, DefaultPreferences("u1"), p)

	ten := 10
	systems := []string{"ptdatax.project.a", "ptdatax.project.b"}
	_, err = s.Update(ctx, "u1", PreferencesUpdate{MaxProjectsPerDiscovery: &ten, PreferredSystems: &systems}, DefaultSystemPrefix)
	require.NoError(t, err)

	at := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.MarkAutoDiscovery(ctx, "u1", at))

	p, err = s.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 10, p.MaxProjectsPerDiscovery)
	assert.Equal(t, systems, p.PreferredSystems)
	require.NotNil(t, p.LastAutoDiscovery)
	assert.True(t, p.LastAutoDiscovery.Equal(at))
	assert.True(t, p.AutoDiscoverOnLogin)
}
