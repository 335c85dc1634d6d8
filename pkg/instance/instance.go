package instance

import "github.com/angelmondragon/farmmarket-backend/pkg/env"

const EnvInstanceID = "FARMMARKET_INSTANCE_ID"

// GetID identifies this process in logs and lock diagnostics. Container
// hostnames are used when no explicit id is set.
func GetID() string {
	return env.First("worker-0", EnvInstanceID, "HOSTNAME")
}
