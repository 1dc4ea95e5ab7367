package fingerprint

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStore is an in-memory RecordStore for registry tests. When failWith is
// set, every operation returns it.
type memStore struct {
	mu       sync.Mutex
	recs     map[string]*IdentityRecord
	failWith error
}

func newMemStore() *memStore {
	return &memStore{recs: make(map[string]*IdentityRecord)}
}

func (s *memStore) FindByUsername(_ context.Context, username string) (*IdentityRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return nil, s.failWith
	}
	if rec, ok := s.recs[username]; ok {
		cp := *rec
		return &cp, nil
	}
	return nil, nil
}

func (s *memStore) FindByDigest(_ context.Context, digest string) (*IdentityRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return nil, s.failWith
	}
	for _, rec := range s.recs {
		if rec.Digest == digest {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *memStore) FindByIP(_ context.Context, ip string) (*IdentityRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return nil, s.failWith
	}
	for _, rec := range s.recs {
		if rec.RegistrationIP == ip {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *memStore) All(_ context.Context) ([]IdentityRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return nil, s.failWith
	}
	out := make([]IdentityRecord, 0, len(s.recs))
	for _, rec := range s.recs {
		out = append(out, *rec)
	}
	return out, nil
}

func (s *memStore) Insert(_ context.Context, rec *IdentityRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	cp := *rec
	s.recs[rec.Username] = &cp
	return nil
}

func (s *memStore) Update(_ context.Context, username string, patch RecordPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	rec, ok := s.recs[username]
	if !ok {
		return errors.New("no record")
	}
	rec.Digest = patch.Digest
	rec.Features = patch.Features
	rec.LastUsed = patch.LastUsed
	rec.LastIP = patch.LastIP
	return nil
}

func (s *memStore) Delete(_ context.Context, username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	delete(s.recs, username)
	return nil
}

func (s *memStore) get(username string) *IdentityRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recs[username]
}

type memAudit struct {
	mu      sync.Mutex
	actions []string
}

func (a *memAudit) Record(_ context.Context, action, _, _, _, _ string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.actions = append(a.actions, action)
}

func (a *memAudit) has(action string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, got := range a.actions {
		if got == action {
			return true
		}
	}
	return false
}

func TestRegistrationNewDevice(t *testing.T) {
	store := newMemStore()
	reg := NewRegistry(store, nil, true)

	dec := reg.DecideRegistration(context.Background(), "alice", sampleBundle(), "10.0.0.1", false)

	require.True(t, dec.Allowed)
	assert.Equal(t, ReasonNewDevice, dec.Reason)

	rec := store.get("alice")
	require.NotNil(t, rec)
	assert.Equal(t, Digest(sampleBundle()), rec.Digest)
	assert.Equal(t, "10.0.0.1", rec.RegistrationIP)
	assert.Equal(t, "10.0.0.1", rec.LastIP)
	assert.False(t, rec.CreatedAt.IsZero())
}

func TestRegistrationDeviceAlreadyUsed(t *testing.T) {
	store := newMemStore()
	audit := &memAudit{}
	reg := NewRegistry(store, audit, true)

	require.True(t, reg.DecideRegistration(context.Background(), "alice", sampleBundle(), "10.0.0.1", false).Allowed)

	// Same device, different account, different network.
	dec := reg.DecideRegistration(context.Background(), "bob", sampleBundle(), "10.0.0.2", false)

	assert.False(t, dec.Allowed)
	assert.Equal(t, ReasonDeviceAlreadyUsed, dec.Reason)
	assert.True(t, audit.has("registration_denied"))
	assert.Nil(t, store.get("bob"))
}

func TestRegistrationIPAlreadyUsed(t *testing.T) {
	store := newMemStore()
	reg := NewRegistry(store, nil, true)

	require.True(t, reg.DecideRegistration(context.Background(), "alice", sampleBundle(), "10.0.0.1", false).Allowed)

	// Entirely different device but the same registration address.
	other := alteredBundle(
		KeyCanvasFingerprint, KeyAudioFingerprint, KeyWebGLRenderer,
		KeyFonts, KeyWebGLVendor, KeyPlugins, KeyUserAgent,
		KeyScreenResolution, KeyHardwareConcurrency, KeyDeviceMemory,
		KeyPlatform, KeyTimezone, KeyColorDepth, KeyLanguage,
	)
	dec := reg.DecideRegistration(context.Background(), "carol", other, "10.0.0.1", false)

	assert.False(t, dec.Allowed)
	assert.Equal(t, ReasonIPAlreadyUsed, dec.Reason)
	assert.Nil(t, store.get("carol"))
}

func TestRegistrationSimilarDeviceDenied(t *testing.T) {
	store := newMemStore()
	reg := NewRegistry(store, nil, true)

	require.True(t, reg.DecideRegistration(context.Background(), "alice", sampleBundle(), "10.0.0.1", false).Allowed)

	// One low-weight feature changed: different digest, near-identical device.
	near := alteredBundle(KeyLanguage)
	dec := reg.DecideRegistration(context.Background(), "mallory", near, "10.0.0.9", false)

	assert.False(t, dec.Allowed)
	assert.Equal(t, ReasonSimilarDeviceDetected, dec.Reason)
	require.NotNil(t, dec.Details)
	assert.Contains(t, dec.Details, "score")
	assert.Contains(t, dec.Details, "matched_features")
}

func TestRegistrationSuspiciousButAllowedCarriesWarning(t *testing.T) {
	store := newMemStore()
	reg := NewRegistry(store, nil, true)

	require.True(t, reg.DecideRegistration(context.Background(), "alice", sampleBundle(), "10.0.0.1", false).Allowed)

	// Only the high-entropy trio matches: 25/56 lands between the warning
	// and denial thresholds.
	partial := alteredBundle(
		KeyFonts, KeyWebGLVendor, KeyPlugins, KeyUserAgent,
		KeyScreenResolution, KeyHardwareConcurrency, KeyDeviceMemory,
		KeyPlatform, KeyTimezone, KeyColorDepth, KeyLanguage,
	)
	dec := reg.DecideRegistration(context.Background(), "dave", partial, "10.0.0.5", false)

	require.True(t, dec.Allowed)
	assert.Equal(t, ReasonNewDevice, dec.Reason)
	require.NotNil(t, dec.Details)
	assert.Contains(t, dec.Details, "warning")
	assert.NotNil(t, store.get("dave"))
}

func TestRegistrationPrivateModeDenied(t *testing.T) {
	store := newMemStore()
	reg := NewRegistry(store, nil, true)

	bundle := sampleBundle()
	bundle[KeyPrivateMode] = true
	dec := reg.DecideRegistration(context.Background(), "alice", bundle, "10.0.0.1", false)

	assert.False(t, dec.Allowed)
	assert.Equal(t, ReasonPrivateModeDetected, dec.Reason)
	assert.Nil(t, store.get("alice"))
}

func TestRegistrationAdminBypass(t *testing.T) {
	store := newMemStore()
	reg := NewRegistry(store, nil, true)

	bundle := sampleBundle()
	bundle[KeyPrivateMode] = true // even private mode is waived
	dec := reg.DecideRegistration(context.Background(), "root", bundle, "10.0.0.1", true)

	require.True(t, dec.Allowed)
	assert.Equal(t, ReasonAdminBypass, dec.Reason)
	assert.Nil(t, store.get("root"))
}

func TestRegistrationStorageFailureIsFailClosed(t *testing.T) {
	store := newMemStore()
	store.failWith = errors.New("storage down")
	// Fail-open applies to login only.
	reg := NewRegistry(store, nil, true)

	dec := reg.DecideRegistration(context.Background(), "alice", sampleBundle(), "10.0.0.1", false)

	assert.False(t, dec.Allowed)
	assert.Equal(t, ReasonValidationError, dec.Reason)
}

func TestLoginDeviceMatch(t *testing.T) {
	store := newMemStore()
	reg := NewRegistry(store, nil, true)

	require.True(t, reg.DecideRegistration(context.Background(), "alice", sampleBundle(), "10.0.0.1", false).Allowed)

	dec := reg.DecideLogin(context.Background(), "alice", sampleBundle(), "10.0.0.7", false)

	require.True(t, dec.Allowed)
	assert.Equal(t, ReasonDeviceMatch, dec.Reason)
	assert.Equal(t, "10.0.0.7", store.get("alice").LastIP)
}

func TestLoginRebindOnDrift(t *testing.T) {
	store := newMemStore()
	audit := &memAudit{}
	reg := NewRegistry(store, audit, true)

	require.True(t, reg.DecideRegistration(context.Background(), "alice", sampleBundle(), "10.0.0.1", false).Allowed)

	// Browser update drift: everything but the low-entropy tail still
	// matches (40/56 = 0.714).
	drifted := alteredBundle(
		KeyUserAgent, KeyScreenResolution, KeyHardwareConcurrency,
		KeyDeviceMemory, KeyPlatform, KeyTimezone, KeyColorDepth, KeyLanguage,
	)
	dec := reg.DecideLogin(context.Background(), "alice", drifted, "10.0.0.1", false)

	require.True(t, dec.Allowed)
	assert.Equal(t, ReasonSimilarDeviceAccepted, dec.Reason)
	assert.True(t, audit.has("device_rebound"))

	// The stored evidence is replaced, so the drifted bundle is now an
	// exact match.
	rec := store.get("alice")
	assert.Equal(t, Digest(drifted), rec.Digest)

	again := reg.DecideLogin(context.Background(), "alice", drifted, "10.0.0.1", false)
	assert.Equal(t, ReasonDeviceMatch, again.Reason)
}

func TestLoginPartialSimilarityDenied(t *testing.T) {
	store := newMemStore()
	reg := NewRegistry(store, nil, true)

	require.True(t, reg.DecideRegistration(context.Background(), "alice", sampleBundle(), "10.0.0.1", false).Allowed)

	partial := alteredBundle(
		KeyFonts, KeyWebGLVendor, KeyPlugins, KeyUserAgent,
		KeyScreenResolution, KeyHardwareConcurrency, KeyDeviceMemory,
		KeyPlatform, KeyTimezone, KeyColorDepth, KeyLanguage,
	)
	dec := reg.DecideLogin(context.Background(), "alice", partial, "10.0.0.2", false)

	assert.False(t, dec.Allowed)
	assert.Equal(t, ReasonDevicePartiallySimilar, dec.Reason)
	require.NotNil(t, dec.Details)
	assert.Contains(t, dec.Details, "score")
	assert.Contains(t, dec.Details, "registered_last_ip")
}

func TestLoginDeviceMismatchDenied(t *testing.T) {
	store := newMemStore()
	reg := NewRegistry(store, nil, true)

	require.True(t, reg.DecideRegistration(context.Background(), "alice", sampleBundle(), "10.0.0.1", false).Allowed)

	foreign := alteredBundle(
		KeyCanvasFingerprint, KeyAudioFingerprint, KeyWebGLRenderer,
		KeyFonts, KeyWebGLVendor, KeyPlugins, KeyUserAgent,
		KeyScreenResolution, KeyHardwareConcurrency, KeyDeviceMemory,
		KeyPlatform, KeyTimezone, KeyColorDepth, KeyLanguage,
	)
	dec := reg.DecideLogin(context.Background(), "alice", foreign, "10.0.0.2", false)

	assert.False(t, dec.Allowed)
	assert.Equal(t, ReasonDeviceMismatch, dec.Reason)
}

func TestLoginLegacyUserBindsDevice(t *testing.T) {
	store := newMemStore()
	reg := NewRegistry(store, nil, true)

	dec := reg.DecideLogin(context.Background(), "olduser", sampleBundle(), "10.0.0.1", false)

	require.True(t, dec.Allowed)
	assert.Equal(t, ReasonLegacyUser, dec.Reason)

	rec := store.get("olduser")
	require.NotNil(t, rec)
	assert.Equal(t, Digest(sampleBundle()), rec.Digest)
}

func TestLoginLegacyUserDeviceBoundElsewhere(t *testing.T) {
	store := newMemStore()
	reg := NewRegistry(store, nil, true)

	require.True(t, reg.DecideRegistration(context.Background(), "alice", sampleBundle(), "10.0.0.1", false).Allowed)

	dec := reg.DecideLogin(context.Background(), "olduser", sampleBundle(), "10.0.0.2", false)

	assert.False(t, dec.Allowed)
	assert.Equal(t, ReasonDeviceUsedByOther, dec.Reason)
	assert.Nil(t, store.get("olduser"))
}

func TestLoginPrivateModeDenied(t *testing.T) {
	reg := NewRegistry(newMemStore(), nil, true)

	bundle := sampleBundle()
	bundle[KeyPrivateMode] = true
	dec := reg.DecideLogin(context.Background(), "alice", bundle, "10.0.0.1", false)

	assert.False(t, dec.Allowed)
	assert.Equal(t, ReasonPrivateModeDetected, dec.Reason)
}

func TestLoginStorageFailurePolicy(t *testing.T) {
	store := newMemStore()
	store.failWith = errors.New("storage down")

	open := NewRegistry(store, nil, true).DecideLogin(context.Background(), "alice", sampleBundle(), "10.0.0.1", false)
	assert.True(t, open.Allowed)
	assert.Equal(t, ReasonValidationError, open.Reason)

	closed := NewRegistry(store, nil, false).DecideLogin(context.Background(), "alice", sampleBundle(), "10.0.0.1", false)
	assert.False(t, closed.Allowed)
	assert.Equal(t, ReasonValidationError, closed.Reason)
}

func TestConcurrentRegistrationSameIP(t *testing.T) {
	store := newMemStore()
	reg := NewRegistry(store, nil, true)

	const attempts = 8
	results := make([]Decision, attempts)

	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			bundle := sampleBundle()
			// Distinct devices so only the IP rule is in play.
			bundle[KeyCanvasFingerprint] = fmt.Sprintf("canvas-%d", i)
			bundle[KeyAudioFingerprint] = fmt.Sprintf("audio-%d", i)
			bundle[KeyWebGLRenderer] = fmt.Sprintf("gpu-%d", i)
			bundle[KeyFonts] = []interface{}{fmt.Sprintf("font-%d", i)}
			bundle[KeyUserAgent] = fmt.Sprintf("agent-%d", i)
			results[i] = reg.DecideRegistration(context.Background(), fmt.Sprintf("user-%d", i), bundle, "10.0.0.42", false)
		}(i)
	}
	wg.Wait()

	allowed := 0
	for _, dec := range results {
		if dec.Allowed {
			allowed++
		} else {
			assert.Equal(t, ReasonIPAlreadyUsed, dec.Reason)
		}
	}
	assert.Equal(t, 1, allowed)
}

func TestRegistrationRetrySameUsername(t *testing.T) {
	store := newMemStore()
	reg := NewRegistry(store, nil, true)

	require.True(t, reg.DecideRegistration(context.Background(), "alice", sampleBundle(), "10.0.0.1", false).Allowed)

	// Account creation after the first allow can fail, leaving the identity
	// record behind. The retry must not be rejected by the user's own
	// record.
	dec := reg.DecideRegistration(context.Background(), "alice", sampleBundle(), "10.0.0.1", false)

	require.True(t, dec.Allowed)
	assert.Equal(t, ReasonNewDevice, dec.Reason)
	assert.Nil(t, dec.Details)

	all, err := store.All(context.Background())
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestRegistrationRetryUpdatesOwnBinding(t *testing.T) {
	store := newMemStore()
	reg := NewRegistry(store, nil, true)

	require.True(t, reg.DecideRegistration(context.Background(), "alice", sampleBundle(), "10.0.0.1", false).Allowed)

	// A retry from the same browser after a minor settings change replaces
	// the stored evidence; the original registration address is kept.
	drifted := alteredBundle(KeyLanguage)
	dec := reg.DecideRegistration(context.Background(), "alice", drifted, "10.0.0.2", false)

	require.True(t, dec.Allowed)

	rec := store.get("alice")
	require.NotNil(t, rec)
	assert.Equal(t, Digest(drifted), rec.Digest)
	assert.Equal(t, "10.0.0.1", rec.RegistrationIP)
	assert.Equal(t, "10.0.0.2", rec.LastIP)
}

func TestConcurrentRegistrationIdenticalDevice(t *testing.T) {
	store := newMemStore()
	reg := NewRegistry(store, nil, true)

	const attempts = 8
	results := make([]Decision, attempts)

	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// Byte-identical bundles from distinct addresses: only the
			// digest rule decides.
			results[i] = reg.DecideRegistration(context.Background(), fmt.Sprintf("user-%d", i), sampleBundle(), fmt.Sprintf("10.0.1.%d", i), false)
		}(i)
	}
	wg.Wait()

	allowed := 0
	for _, dec := range results {
		if dec.Allowed {
			allowed++
			assert.Equal(t, ReasonNewDevice, dec.Reason)
		} else {
			assert.Equal(t, ReasonDeviceAlreadyUsed, dec.Reason)
		}
	}
	assert.Equal(t, 1, allowed)
}

func TestDeleteRecordAudited(t *testing.T) {
	store := newMemStore()
	audit := &memAudit{}
	reg := NewRegistry(store, audit, true)

	require.True(t, reg.DecideRegistration(context.Background(), "alice", sampleBundle(), "10.0.0.1", false).Allowed)
	require.NoError(t, reg.DeleteRecord(context.Background(), "alice", "root", "10.0.0.99"))

	assert.Nil(t, store.get("alice"))
	assert.True(t, audit.has("identity_record_deleted"))
}
