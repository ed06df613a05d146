package external

import (
	stripe "github.com/stripe/stripe-go/v82"

	"reviewflow/internal/types"
)

// Billing provider webhook event types the service consumes. Everything
// else is acknowledged and ignored.
const (
	EventStripeCheckoutCompleted = "checkout.session.completed"
	EventStripeSubUpdated        = "customer.subscription.updated"
	EventStripeSubDeleted        = "customer.subscription.deleted"
)

// WebhookVerifier validates a billing provider webhook payload against its
// signature header.
type WebhookVerifier interface {
	Verify(payload []byte, header string, secret string) error
}

// StripeVerifier implements WebhookVerifier using stripe-go's signature
// verification, which checks both the HMAC-SHA256 signature and the
// timestamp tolerance.
type StripeVerifier struct{}

func (v *StripeVerifier) Verify(payload []byte, header string, secret string) error {
	return stripe.ValidatePayload(payload, header, secret)
}

// PriceToPlan maps the provider's price IDs to plan tiers. Metadata on the
// subscription takes precedence; this map is the fallback when a price
// carries no plan metadata.
var PriceToPlan = map[string]types.PlanTier{
	"price_reviewflow_starter_monthly":    types.PlanStarter,
	"price_reviewflow_starter_yearly":     types.PlanStarter,
	"price_reviewflow_pro_monthly":        types.PlanPro,
	"price_reviewflow_pro_yearly":         types.PlanPro,
	"price_reviewflow_business_monthly":   types.PlanBusiness,
	"price_reviewflow_business_yearly":    types.PlanBusiness,
	"price_reviewflow_enterprise_monthly": types.PlanEnterprise,
}

// MapPriceIDToPlan resolves a price ID to its plan tier, falling back to
// free for unknown prices so a misconfigured price never grants access.
func MapPriceIDToPlan(priceID string) types.PlanTier {
	if plan, ok := PriceToPlan[priceID]; ok {
		return plan
	}
	return types.PlanFree
}
