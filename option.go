package someip

// options holds the configuration shared by an endpoint and its connections.
type options struct {
	logger        Logger
	socketOptions SocketOptions

	maxMessageSize int // maximum size of a single received message
	backlog        int // listen backlog of the endpoint's server
}

// Option is a function that configures endpoint options.
type Option func(*options)

// Default configuration values.
const (
	// defaultMaxMessageSize is the default maximum size of a single message (1MB).
	defaultMaxMessageSize = 1024 * 1024
	// defaultBacklog is the default listen backlog.
	defaultBacklog = 128
)

// checkOptions sets default values for options left unset.
func checkOptions(opts *options) {
	if opts.maxMessageSize <= 0 {
		opts.maxMessageSize = defaultMaxMessageSize
	}

	if opts.backlog <= 0 {
		opts.backlog = defaultBacklog
	}

	if opts.logger == nil {
		opts.logger = defaultLogger()
	}
}

// MessageMaxSize returns an Option that sets the maximum message size.
// A peer sending a larger message is disconnected.
func MessageMaxSize(size int) Option {
	return func(o *options) {
		o.maxMessageSize = size
	}
}

// SocketOptionsOption returns an Option that sets the options applied to
// every connected socket.
func SocketOptionsOption(so SocketOptions) Option {
	return func(o *options) {
		o.socketOptions = so
	}
}

// QoSPriorityOption returns an Option that enables SO_PRIORITY with the given value.
func QoSPriorityOption(priority int) Option {
	return func(o *options) {
		o.socketOptions.QoS = QoS{Enabled: true, Priority: priority}
	}
}

// KeepAliveOption returns an Option that enables TCP keepalive with the given parameters.
func KeepAliveOption(ka KeepAlive) Option {
	return func(o *options) {
		ka.Enabled = true
		o.socketOptions.KeepAlive = ka
	}
}

// ListenBacklogOption returns an Option that sets the listen backlog.
func ListenBacklogOption(backlog int) Option {
	return func(o *options) {
		o.backlog = backlog
	}
}

// LoggerOption returns an Option that sets the logger.
// If not set, the default slog logger will be used.
func LoggerOption(logger Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}
