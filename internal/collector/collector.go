package collector

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/taniwha3/rrdpoll/internal/models"
)

// Collector executes one query and returns an integer sample
type Collector interface {
	Collect(ctx context.Context, q models.MetricQuery) (int64, error)
}

// Querier performs the raw fetch for a query and returns the decoded value.
// A nil value with a nil error means the agent answered without a usable value.
type Querier interface {
	Get(ctx context.Context, q models.MetricQuery) (any, error)
}

// ParseObserver is told about responses that were coerced to the default value
type ParseObserver interface {
	RecordParseDefaulted(label string)
}

// ErrQueryFailed is the kind carried by every QueryError
var ErrQueryFailed = errors.New("query failed")

// QueryError reports a query that did not complete (timeout, unreachable, protocol error)
type QueryError struct {
	Target   string
	MetricID string
	Err      error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("query %s on %s failed: %v", e.MetricID, e.Target, e.Err)
}

func (e *QueryError) Unwrap() []error {
	return []error{ErrQueryFailed, e.Err}
}

// DefaultValue is returned for responses that cannot be read as an integer
const DefaultValue int64 = 0

// QueryCollector turns raw query results into integer samples
type QueryCollector struct {
	querier  Querier
	observer ParseObserver
}

// NewQueryCollector creates a collector over the given querier.
// observer may be nil.
func NewQueryCollector(querier Querier, observer ParseObserver) *QueryCollector {
	return &QueryCollector{
		querier:  querier,
		observer: observer,
	}
}

// Collect fetches the value named by q.MetricID from q.Target.
// Transport failures are returned as *QueryError; unparseable values become DefaultValue.
func (c *QueryCollector) Collect(ctx context.Context, q models.MetricQuery) (int64, error) {
	raw, err := c.querier.Get(ctx, q)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
			err = fmt.Errorf("%w: %v", ctxErr, err)
		}
		return 0, &QueryError{Target: q.Target, MetricID: q.MetricID, Err: err}
	}

	value, ok := ToInt(raw)
	if !ok {
		if c.observer != nil {
			c.observer.RecordParseDefaulted(q.Label)
		}
		return DefaultValue, nil
	}
	return value, nil
}

// ToInt coerces a decoded response to an integer.
// Integer types convert directly (uint64 above MaxInt64 wraps, which counter
// arithmetic in storage undoes); strings and byte slices must hold a base-10
// integer, surrounding whitespace allowed. Everything else is not an integer.
func ToInt(v any) (int64, bool) {
	switch x := v.(type) {
	case int:
		return int64(x), true
	case int8:
		return int64(x), true
	case int16:
		return int64(x), true
	case int32:
		return int64(x), true
	case int64:
		return x, true
	case uint:
		return int64(x), true
	case uint8:
		return int64(x), true
	case uint16:
		return int64(x), true
	case uint32:
		return int64(x), true
	case uint64:
		return int64(x), true
	case string:
		return parseIntString(x)
	case []byte:
		return parseIntString(string(x))
	default:
		return 0, false
	}
}

func parseIntString(s string) (int64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
