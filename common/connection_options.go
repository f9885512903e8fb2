package common

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/mstoykov/envconfig"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"
	"gopkg.in/guregu/null.v3"

	"github.com/grafana/xk6-channel/lib/types"
	"github.com/grafana/xk6-channel/log"
	"github.com/grafana/xk6-channel/transport"
)

// ConnectionOptions holds the user-facing settings of a connection.
type ConnectionOptions struct {
	// Timeout is the default timeout of waiters on the objects of the
	// connection.
	Timeout types.NullDuration `json:"timeout" envconfig:"K6_BROWSER_TIMEOUT"`
	// SlowMo delays every call sent to the driver.
	SlowMo types.NullDuration `json:"slowMo" envconfig:"K6_BROWSER_SLOWMO"`

	LogCategoryFilter null.String `json:"logCategoryFilter" envconfig:"K6_BROWSER_LOG_CATEGORY_FILTER"`
	Debug             null.Bool   `json:"debug" envconfig:"K6_BROWSER_DEBUG"`

	// MaxFrameSize bounds inbound frames on pipe transports.
	MaxFrameSize null.Int `json:"maxFrameSize" envconfig:"K6_BROWSER_MAX_FRAME_SIZE"`
}

// NewConnectionOptions returns the default options.
func NewConnectionOptions() ConnectionOptions {
	return ConnectionOptions{
		Timeout:           types.NewNullDuration(DefaultTimeout, false),
		SlowMo:            types.NewNullDuration(0, false),
		LogCategoryFilter: null.NewString(".*", false),
		Debug:             null.NewBool(false, false),
		MaxFrameSize:      null.NewInt(transport.DefaultMaxFrameSize, false),
	}
}

// Apply saves config non-zero config values from the passed config in the receiver.
func (o ConnectionOptions) Apply(cfg ConnectionOptions) ConnectionOptions {
	if cfg.Timeout.Valid {
		o.Timeout = cfg.Timeout
	}
	if cfg.SlowMo.Valid {
		o.SlowMo = cfg.SlowMo
	}
	if cfg.LogCategoryFilter.Valid {
		o.LogCategoryFilter = cfg.LogCategoryFilter
	}
	if cfg.Debug.Valid {
		o.Debug = cfg.Debug
	}
	if cfg.MaxFrameSize.Valid {
		o.MaxFrameSize = cfg.MaxFrameSize
	}
	return o
}

// GetConsolidatedOptions combines the default options with the JSON options
// in jsonRaw, if any, and the environment, in increasing order of
// precedence.
func GetConsolidatedOptions(jsonRaw json.RawMessage, env map[string]string) (ConnectionOptions, error) {
	result := NewConnectionOptions()
	if jsonRaw != nil {
		jsonOpts := ConnectionOptions{}
		if err := json.Unmarshal(jsonRaw, &jsonOpts); err != nil {
			return result, fmt.Errorf("parsing connection options: %w", err)
		}
		result = result.Apply(jsonOpts)
	}

	envOpts := ConnectionOptions{}
	if err := envconfig.Process("", &envOpts, func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}); err != nil {
		return result, fmt.Errorf("parsing connection options from the environment: %w", err)
	}
	result = result.Apply(envOpts)

	if err := result.validate(); err != nil {
		return result, err
	}
	return result, nil
}

func (o ConnectionOptions) validate() error {
	if o.Timeout.Valid && o.Timeout.Duration < 0 {
		return fmt.Errorf("timeout must not be negative, got %s", o.Timeout.Duration)
	}
	if o.SlowMo.Valid && o.SlowMo.Duration < 0 {
		return fmt.Errorf("slowMo must not be negative, got %s", o.SlowMo.Duration)
	}
	if o.MaxFrameSize.Valid && (o.MaxFrameSize.Int64 <= 0 || o.MaxFrameSize.Int64 > 1<<32-1) {
		return fmt.Errorf("maxFrameSize must be between 1 and %d, got %d", uint32(1<<32-1), o.MaxFrameSize.Int64)
	}
	return nil
}

// Logger returns a category logger writing to base that honours the log
// options.
func (o ConnectionOptions) Logger(base *logrus.Logger) (*log.Logger, error) {
	filter := ""
	if o.LogCategoryFilter.Valid {
		filter = o.LogCategoryFilter.String
	}
	return log.NewWithFilter(base, o.Debug.Bool, filter)
}

// PipeOptions returns the options of pipe transports dialled with these
// options.
func (o ConnectionOptions) PipeOptions() []transport.PipeOption {
	if !o.MaxFrameSize.Valid {
		return nil
	}
	return []transport.PipeOption{transport.WithMaxFrameSize(uint32(o.MaxFrameSize.Int64))}
}

func (o ConnectionOptions) timeout() time.Duration {
	if o.Timeout.Valid {
		return o.Timeout.TimeDuration()
	}
	return DefaultTimeout
}

// ConnectionOption configures a Connection.
type ConnectionOption func(*Connection)

// WithOptions sets the options of the connection.
func WithOptions(opts ConnectionOptions) ConnectionOption {
	return func(c *Connection) {
		c.opts = opts
	}
}

// WithTracer sets the tracer used to trace calls.
func WithTracer(tracer trace.Tracer) ConnectionOption {
	return func(c *Connection) {
		if tracer != nil {
			c.tracer = tracer
		}
	}
}
