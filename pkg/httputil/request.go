package httputil

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/cloudcraver/pkg/plugins"
)

// maxBodySize bounds request bodies decoded by ParseJSON
const maxBodySize = 1 << 20

// ParseJSON decodes JSON from the request body into the destination. An
// empty body leaves dest untouched.
func ParseJSON(r *http.Request, dest interface{}) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(dest)
	if err == io.EOF {
		return nil
	}
	if err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

// ParseJSONOrError decodes JSON and writes error response on failure
func ParseJSONOrError(w http.ResponseWriter, r *http.Request, dest interface{}) bool {
	if err := ParseJSON(r, dest); err != nil {
		WriteBadRequest(w, err.Error())
		return false
	}
	return true
}

// PathString extracts a string path parameter and writes an error when it is missing
func PathString(w http.ResponseWriter, r *http.Request, key string) (string, bool) {
	val := mux.Vars(r)[key]
	if val == "" {
		WriteBadRequest(w, fmt.Sprintf("missing path parameter: %s", key))
		return "", false
	}
	return val, true
}

// PluginName extracts the {name} path parameter and rejects anything that is
// not a valid plugin name
func PluginName(w http.ResponseWriter, r *http.Request) (string, bool) {
	name, ok := PathString(w, r, "name")
	if !ok {
		return "", false
	}
	if !plugins.IsValidPluginName(name) {
		WriteBadRequest(w, fmt.Sprintf("invalid plugin name: %q", name))
		return "", false
	}
	return name, true
}

// ParseForce reads the force query flag, defaulting to def
func ParseForce(r *http.Request, def bool) (bool, error) {
	return ParseQueryBool(r, "force", def)
}

// queryValue parses the query parameter key with parse, returning def when
// it is absent
func queryValue[T any](r *http.Request, key, kind string, def T, parse func(string) (T, error)) (T, error) {
	str := r.URL.Query().Get(key)
	if str == "" {
		return def, nil
	}
	val, err := parse(str)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("invalid %s for query param %s: %s", kind, key, str)
	}
	return val, nil
}

// ParseQueryInt extracts and parses an integer query parameter
func ParseQueryInt(r *http.Request, key string, defaultVal int) (int, error) {
	return queryValue(r, key, "integer", defaultVal, strconv.Atoi)
}

// ParseQueryFloat extracts and parses a float query parameter, such as a
// minimum marketplace rating
func ParseQueryFloat(r *http.Request, key string, defaultVal float64) (float64, error) {
	return queryValue(r, key, "number", defaultVal, func(s string) (float64, error) {
		return strconv.ParseFloat(s, 64)
	})
}

// ParseQueryBool extracts and parses a boolean query parameter
func ParseQueryBool(r *http.Request, key string, defaultVal bool) (bool, error) {
	return queryValue(r, key, "boolean", defaultVal, strconv.ParseBool)
}

// ParseQueryList collects a repeatable query parameter. Each occurrence may
// hold comma-separated values; blanks are dropped.
func ParseQueryList(r *http.Request, key string) []string {
	var out []string
	for _, raw := range r.URL.Query()[key] {
		for _, v := range strings.Split(raw, ",") {
			if v = strings.TrimSpace(v); v != "" {
				out = append(out, v)
			}
		}
	}
	return out
}
