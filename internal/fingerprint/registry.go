package fingerprint

import (
	"context"
	"time"
)

// Reason is the enumerated outcome code of a registration or login decision.
type Reason string

const (
	ReasonAdminBypass            Reason = "admin_bypass"
	ReasonPrivateModeDetected    Reason = "private_mode_detected"
	ReasonIPAlreadyUsed          Reason = "ip_already_used"
	ReasonDeviceAlreadyUsed      Reason = "device_already_used"
	ReasonSimilarDeviceDetected  Reason = "similar_device_detected"
	ReasonNewDevice              Reason = "new_device"
	ReasonDeviceUsedByOther      Reason = "device_used_by_other"
	ReasonLegacyUser             Reason = "legacy_user"
	ReasonDeviceMatch            Reason = "device_match"
	ReasonSimilarDeviceAccepted  Reason = "similar_device_accepted"
	ReasonDevicePartiallySimilar Reason = "device_partially_similar"
	ReasonDeviceMismatch         Reason = "device_mismatch"
	ReasonValidationError        Reason = "validation_error"
)

// Decision is the outcome of a registration or login check. Denials are
// expected policy outcomes, not errors; both paths always return a Decision.
type Decision struct {
	Allowed bool                   `json:"allowed"`
	Reason  Reason                 `json:"reason"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// AuditLog receives denials and record mutations for the anti-fraud trail.
type AuditLog interface {
	Record(ctx context.Context, action, actor, target, reason, ip string)
}

// Registry implements the registration and login decision policies over a
// RecordStore. All shared-state checks run under per-key locks so concurrent
// attempts against the same username, digest or IP are serialized.
type Registry struct {
	store RecordStore
	audit AuditLog

	// loginFailOpen keeps login available when storage is unreachable.
	// Registration is always fail-closed regardless of this setting.
	loginFailOpen bool

	locks *keyedLocks
}

func NewRegistry(store RecordStore, audit AuditLog, loginFailOpen bool) *Registry {
	return &Registry{
		store:         store,
		audit:         audit,
		loginFailOpen: loginFailOpen,
		locks:         newKeyedLocks(),
	}
}

func (r *Registry) record(ctx context.Context, action, actor, reason, ip string) {
	if r.audit != nil {
		r.audit.Record(ctx, action, actor, "", reason, ip)
	}
}

// DecideRegistration gates the creation of a new account. On allow (except
// the admin bypass) the identity record is persisted before returning; a
// failed write denies registration rather than silently granting access.
func (r *Registry) DecideRegistration(ctx context.Context, username string, bundle FeatureBundle, ip string, isAdmin bool) Decision {
	if isAdmin {
		return Decision{Allowed: true, Reason: ReasonAdminBypass, Message: "Administrator accounts are not device-bound"}
	}

	if bundle.PrivateMode() {
		r.record(ctx, "registration_denied", username, string(ReasonPrivateModeDetected), ip)
		return Decision{
			Reason:  ReasonPrivateModeDetected,
			Message: "Registration from a private or incognito browsing context is not allowed",
		}
	}

	digest := Digest(bundle)
	release := r.locks.acquire("user:"+username, "digest:"+digest, "ip:"+ip)
	defer release()

	byIP, err := r.store.FindByIP(ctx, ip)
	if err != nil {
		return r.registrationFailure(ctx, username, ip)
	}
	if byIP != nil && byIP.Username != username {
		r.record(ctx, "registration_denied", username, string(ReasonIPAlreadyUsed), ip)
		return Decision{
			Reason:  ReasonIPAlreadyUsed,
			Message: "An account is already registered from this network address",
		}
	}

	byDigest, err := r.store.FindByDigest(ctx, digest)
	if err != nil {
		return r.registrationFailure(ctx, username, ip)
	}
	if byDigest != nil && byDigest.Username != username {
		r.record(ctx, "registration_denied", username, string(ReasonDeviceAlreadyUsed), ip)
		return Decision{
			Reason:  ReasonDeviceAlreadyUsed,
			Message: "This device is already bound to another account",
		}
	}

	existing, err := r.store.All(ctx)
	if err != nil {
		return r.registrationFailure(ctx, username, ip)
	}
	var best Similarity
	var own *IdentityRecord
	for i := range existing {
		// A record already bound to this username is a retried registration
		// (the account creation that followed a previous allow failed), not
		// evidence of another account on the same device.
		if existing[i].Username == username {
			own = &existing[i]
			continue
		}
		sim := Compare(bundle, existing[i].Features)
		if sim.Suspicious && sim.Score > best.Score {
			best = sim
		}
	}
	if best.HighlySuspicious {
		r.record(ctx, "registration_denied", username, string(ReasonSimilarDeviceDetected), ip)
		return Decision{
			Reason:  ReasonSimilarDeviceDetected,
			Message: "This device closely resembles one already bound to another account",
			Details: map[string]interface{}{
				"score":            best.Score,
				"matched_features": best.MatchedFeatures,
			},
		}
	}

	now := time.Now().UTC()
	if own != nil {
		// Refresh the existing binding in place; a second insert would
		// violate the unique username index.
		if err := r.store.Update(ctx, username, RecordPatch{
			Digest:   digest,
			Features: bundle,
			LastUsed: now,
			LastIP:   ip,
		}); err != nil {
			return r.registrationFailure(ctx, username, ip)
		}
	} else {
		rec := &IdentityRecord{
			Username:       username,
			Digest:         digest,
			Features:       bundle,
			RegistrationIP: ip,
			CreatedAt:      now,
			LastUsed:       now,
			LastIP:         ip,
		}
		if err := r.store.Insert(ctx, rec); err != nil {
			return r.registrationFailure(ctx, username, ip)
		}
	}

	decision := Decision{Allowed: true, Reason: ReasonNewDevice, Message: "Device registered"}
	if best.Suspicious {
		decision.Details = map[string]interface{}{
			"warning":          "device resembles an existing registration",
			"score":            best.Score,
			"matched_features": best.MatchedFeatures,
		}
	}
	return decision
}

// DecideLogin gates an existing account's login and maintains the stored
// device evidence: an exact digest match refreshes last-seen metadata, a
// similar-enough bundle (score >= RebindThreshold) rebinds the record to the
// new evidence, anything in between is denied.
func (r *Registry) DecideLogin(ctx context.Context, username string, bundle FeatureBundle, ip string, isAdmin bool) Decision {
	if isAdmin {
		return Decision{Allowed: true, Reason: ReasonAdminBypass, Message: "Administrator accounts are not device-bound"}
	}

	if bundle.PrivateMode() {
		r.record(ctx, "login_denied", username, string(ReasonPrivateModeDetected), ip)
		return Decision{
			Reason:  ReasonPrivateModeDetected,
			Message: "Login from a private or incognito browsing context is not allowed",
		}
	}

	digest := Digest(bundle)
	release := r.locks.acquire("user:"+username, "digest:"+digest)
	defer release()

	rec, err := r.store.FindByUsername(ctx, username)
	if err != nil {
		return r.loginFailure(ctx, username, ip)
	}

	if rec == nil {
		// Legacy account predating device binding.
		other, err := r.store.FindByDigest(ctx, digest)
		if err != nil {
			return r.loginFailure(ctx, username, ip)
		}
		if other != nil && other.Username != username {
			r.record(ctx, "login_denied", username, string(ReasonDeviceUsedByOther), ip)
			return Decision{
				Reason:  ReasonDeviceUsedByOther,
				Message: "This device is already bound to another account",
			}
		}
		now := time.Now().UTC()
		if err := r.store.Insert(ctx, &IdentityRecord{
			Username:       username,
			Digest:         digest,
			Features:       bundle,
			RegistrationIP: ip,
			CreatedAt:      now,
			LastUsed:       now,
			LastIP:         ip,
		}); err != nil {
			return r.loginFailure(ctx, username, ip)
		}
		return Decision{Allowed: true, Reason: ReasonLegacyUser, Message: "Device bound to existing account"}
	}

	if rec.Digest == digest {
		if err := r.store.Update(ctx, username, RecordPatch{
			Digest:   rec.Digest,
			Features: rec.Features,
			LastUsed: time.Now().UTC(),
			LastIP:   ip,
		}); err != nil {
			return r.loginFailure(ctx, username, ip)
		}
		return Decision{Allowed: true, Reason: ReasonDeviceMatch, Message: "Device recognized"}
	}

	sim := Compare(bundle, rec.Features)

	if sim.Score >= RebindThreshold {
		// Organic drift: browser or plugin updates. The stored evidence is
		// replaced by the new bundle.
		if err := r.store.Update(ctx, username, RecordPatch{
			Digest:   digest,
			Features: bundle,
			LastUsed: time.Now().UTC(),
			LastIP:   ip,
		}); err != nil {
			return r.loginFailure(ctx, username, ip)
		}
		r.record(ctx, "device_rebound", username, string(ReasonSimilarDeviceAccepted), ip)
		return Decision{
			Allowed: true,
			Reason:  ReasonSimilarDeviceAccepted,
			Message: "Device drift accepted, binding updated",
			Details: map[string]interface{}{
				"score": sim.Score,
			},
		}
	}

	if sim.Suspicious {
		r.record(ctx, "login_denied", username, string(ReasonDevicePartiallySimilar), ip)
		return Decision{
			Reason:  ReasonDevicePartiallySimilar,
			Message: "This device only partially matches the one registered for this account",
			Details: map[string]interface{}{
				"score":              sim.Score,
				"matched_features":   sim.MatchedFeatures,
				"registered_last_ip": rec.LastIP,
				"registered_at":      rec.CreatedAt,
				"last_used":          rec.LastUsed,
			},
		}
	}

	r.record(ctx, "login_denied", username, string(ReasonDeviceMismatch), ip)
	return Decision{
		Reason:  ReasonDeviceMismatch,
		Message: "This device does not match the one registered for this account",
	}
}

// registrationFailure is the fail-closed path: a storage failure must not
// silently grant access.
func (r *Registry) registrationFailure(ctx context.Context, username, ip string) Decision {
	r.record(ctx, "registration_denied", username, string(ReasonValidationError), ip)
	return Decision{
		Reason:  ReasonValidationError,
		Message: "Device validation is temporarily unavailable, please try again",
	}
}

// loginFailure applies the configured availability policy: with fail-open
// enabled (the default) a storage failure admits the login rather than
// locking every user out.
func (r *Registry) loginFailure(ctx context.Context, username, ip string) Decision {
	if r.loginFailOpen {
		return Decision{
			Allowed: true,
			Reason:  ReasonValidationError,
			Message: "Device validation unavailable, login allowed",
		}
	}
	r.record(ctx, "login_denied", username, string(ReasonValidationError), ip)
	return Decision{
		Reason:  ReasonValidationError,
		Message: "Device validation is temporarily unavailable, please try again",
	}
}

// ListRecords returns every identity record for the admin surface.
func (r *Registry) ListRecords(ctx context.Context) ([]IdentityRecord, error) {
	return r.store.All(ctx)
}

// DeleteRecord purges a username's device binding. Administrative only.
func (r *Registry) DeleteRecord(ctx context.Context, username, actor, ip string) error {
	release := r.locks.acquire("user:" + username)
	defer release()

	if err := r.store.Delete(ctx, username); err != nil {
		return err
	}
	if r.audit != nil {
		r.audit.Record(ctx, "identity_record_deleted", actor, username, "", ip)
	}
	return nil
}
