package access

import "sentra.dev/internal/consent"

type consentType = consent.Type

// consentGatedResources maps resource types to the consent category that must
// be granted by the data subject before access is allowed.
var consentGatedResources = map[string]consent.Type{
	"marketing_profile": consent.TypeMarketing,
	"analytics_profile": consent.TypeAnalytics,
	"shared_profile":    consent.TypeDataSharing,
	"behavior_profile":  consent.TypeProfiling,
}
