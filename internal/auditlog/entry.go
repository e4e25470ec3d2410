package auditlog

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/rcourtman/pulse-license-engine/pkg/licensing"
)

// Actions recorded in the audit log.
const (
	ActionLicenseProvisioned  = "license.provisioned"
	ActionLicenseActivated    = "license.activated"
	ActionLicenseRenewed      = "license.renewed"
	ActionLicenseBlocked      = "license.blocked"
	ActionLicenseSuspended    = "license.suspended"
	ActionLicenseExpired      = "license.expired"
	ActionLicenseBound        = "license.bound"
	ActionRenewalKeyIssued    = "license.renewal_key_issued"
	ActionKeyApproved         = "activation_key.approved"
	ActionKeyConsumed         = "activation_key.consumed"
	ActionPaymentReconciled   = "payment.reconciled"
	ActionPaymentResumed      = "payment.resumed"
	ActionLegacyTxidActivated = "subscription.legacy_txid_activated"
	ActionCheckoutCreated     = "subscription.checkout_created"
	ActionMemberAdded         = "subscription.member_added"
	ActionSubscriptionExpiry  = "subscription.expiring_soon"
	ActionSubscriptionExpired = "subscription.expired"
	ActionSubscriptionCancel  = "subscription.canceled"
)

// Entity types.
const (
	EntityLicense       = "license"
	EntitySubscription  = "subscription"
	EntityPayment       = "payment"
	EntityActivationKey = "activation_key"
)

// New builds an audit entry stamped with a ULID and the request metadata on
// ctx. actorID overrides the metadata actor when non-empty.
func New(ctx context.Context, now time.Time, actorID, action, entityType, entityID string, details map[string]string) licensing.AuditEntry {
	meta := MetaFrom(ctx)
	if actorID == "" {
		actorID = meta.ActorID
	}

	merged := make(map[string]string, len(details)+3)
	for k, v := range details {
		if v != "" {
			merged[k] = v
		}
	}
	if meta.ClientIP != "" {
		merged["client_ip"] = meta.ClientIP
	}
	if meta.Path != "" {
		merged["path"] = meta.Path
	}
	if meta.RequestID != "" {
		merged["request_id"] = meta.RequestID
	}

	return licensing.AuditEntry{
		ID:         ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String(),
		ActorID:    actorID,
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Details:    merged,
		Timestamp:  now,
	}
}
