package worker

import (
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultHeartbeatTimeout    = 60 * time.Second
	DefaultHealthCheckInterval = 10 * time.Second
	DefaultHeartbeatInterval   = 15 * time.Second
	DefaultRegistrationTimeout = 10 * time.Second
	DefaultSendQueueSize       = 32
)

// StateSink receives coarse pool status changes: "not_ready" when no worker
// is registered, "ready" once one is, and "draining".
type StateSink interface {
	SetStatus(status string)
}

// Options configures a Pool. Zero values select the defaults.
type Options struct {
	// AuthToken is the pre-shared secret workers must present. Empty disables
	// the check. It can be rotated later with Pool.SetAuthToken.
	AuthToken           string
	HeartbeatTimeout    time.Duration
	HealthCheckInterval time.Duration
	// HeartbeatInterval is advertised to workers in the registration ack.
	HeartbeatInterval   time.Duration
	RegistrationTimeout time.Duration
	SendQueueSize       int

	// Logger overrides the shared logx logger.
	Logger *zerolog.Logger
	// Matcher decides whether a worker's capabilities satisfy a request.
	Matcher Matcher
	// Less orders eligible workers; the first one wins.
	Less  func(a, b WorkerInfo) bool
	State StateSink
	Now   func() time.Time
}

func (o Options) withDefaults() Options {
	if o.HeartbeatTimeout <= 0 {
		o.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if o.HealthCheckInterval <= 0 {
		o.HealthCheckInterval = DefaultHealthCheckInterval
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if o.RegistrationTimeout <= 0 {
		o.RegistrationTimeout = DefaultRegistrationTimeout
	}
	if o.SendQueueSize <= 0 {
		o.SendQueueSize = DefaultSendQueueSize
	}
	if o.Matcher == nil {
		o.Matcher = ModelMatcher{}
	}
	if o.Less == nil {
		o.Less = LeastLoaded
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}
