package optname

const (
	Attempts           = "attempts"
	Cache              = "cache"
	Checksum           = "checksum"
	ClientID           = "client-id"
	ConnTimeout        = "connect-timeout"
	EnvFile            = "env-file"
	Force              = "force"
	LockFile           = "lock-file"
	LoggingLevel       = "log-level"
	MaxConcurrentFiles = "max-concurrent-files"
	MetricsTextfile    = "metrics-textfile"
	Mirror             = "mirror"
	NoProgress         = "no-progress"
	ProbeRetries       = "probe-retries"
	Resolve            = "resolve"
	StallTimeout       = "stall-timeout"
	User               = "user"
	Verbose            = "verbose"
)
