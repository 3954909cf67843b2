package affordance

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
)

// Interpreter applies action results to client-side navigation state.
type Interpreter struct {
	logger *slog.Logger
}

// NewInterpreter creates a result interpreter.
func NewInterpreter(logger *slog.Logger) *Interpreter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Interpreter{logger: logger.With("component", "affordance_interpreter")}
}

// Apply folds a result into the caller's URL parameter state. Navigate
// results merge their query into params; created, triggered and data
// results leave params untouched. A result type outside the known
// vocabulary is logged and dropped, never an error: an older client must
// survive a newer server's vocabulary. Returns true when params changed.
func (in *Interpreter) Apply(params url.Values, result *Result) bool {
	if result == nil {
		return false
	}
	switch result.Type {
	case ResultNavigate:
		return MergeQuery(params, result.Query)
	case ResultCreated, ResultTriggered, ResultData:
		// Notifications and payloads carry no navigation state.
		return false
	default:
		in.logger.Warn("ignoring unrecognized result type",
			"result_type", result.Type,
			"message", result.Message)
		return false
	}
}

// MergeQuery writes navigate query values into a URL parameter bag.
// Scalars take their plain string form; objects and arrays are
// JSON-encoded before landing in the bag. Returns true when any parameter
// changed.
func MergeQuery(params url.Values, query map[string]any) bool {
	changed := false
	for key, value := range query {
		encoded := stringify(value)
		if existing, ok := params[key]; ok && len(existing) == 1 && existing[0] == encoded {
			continue
		}
		params.Set(key, encoded)
		changed = true
	}
	return changed
}

func stringify(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case json.Number:
		return v.String()
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(encoded)
	}
}
