package model

import "github.com/vanderheijden86/camwatch/pkg/fingerprint"

// FingerprintPolicy returns the change-digest policy for a resource.
//
// Excluded fields are the ones that advance on their own while nothing the
// user cares about changed: an in-progress recording grows every second, the
// uptime counter never stops. The recordings listing is the only resource
// whose display order is itself meaningful (newest first), so it is the only
// order-sensitive digest.
func FingerprintPolicy(resource Resource) fingerprint.Policy {
	switch resource {
	case ResourceCapture:
		return fingerprint.Policy{
			ExcludeFields:  []string{"durationSec"},
			OrderSensitive: true,
		}
	case ResourceMotion:
		return fingerprint.Policy{OrderSensitive: false}
	case ResourceConfig:
		return fingerprint.Policy{OrderSensitive: true}
	case ResourceRecordings:
		return fingerprint.Policy{
			ExcludeFields:  []string{"durationSec", "sizeBytes"},
			OrderSensitive: true,
		}
	case ResourceHealth:
		return fingerprint.Policy{
			ExcludeFields:  []string{"uptimeSec", "temperatureC"},
			OrderSensitive: false,
		}
	default:
		return fingerprint.Policy{OrderSensitive: true}
	}
}
