package params

import "time"

const (
	ServerBodyLimit    = 1048576 // 1 MiB
	ServerIdleTimeout  = 30 * time.Second
	ServerReadTimeout  = 10 * time.Second
	ServerWriteTimeout = 10 * time.Second

	AttemptKeyPrefix = "a:" // per-user setup attempt counters

	AuthStateLength        = 32               // length of the CSRF-binding state token
	DefaultTokenTTL        = 3600             // seconds, used when the brokerage omits expires_in
	TokenRefreshBuffer     = 5 * time.Minute  // refresh proactively this long before hard expiry
	BrokerRequestTimeout   = 15 * time.Second // bound on every outbound brokerage call
	SetupMaxAttempts       = 10               // maximum setup attempts per user within the cooldown window
	SetupAttemptCooldown   = 15 * time.Minute // window after which the setup attempt counter resets
	ServiceTokenMaxAge     = 1 * time.Hour    // maximum accepted age of a service auth token
	HealthCheckServerAddr  = ":3001"          // health check server address
	StatusMessageMaxLength = 512              // truncation bound for last status messages
)
