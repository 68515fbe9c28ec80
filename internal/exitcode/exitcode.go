package exitcode

const (
	Success         = 0
	UsageError      = 1
	ConfigError     = 2
	DBConnError     = 3
	ServerError     = 4
	PartialSuccess  = 5
	BusinessFailure = 6
)
