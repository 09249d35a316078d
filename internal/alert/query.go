// Package alert evaluates metric threshold rules against the hot sample store
// and opens/resolves firing events.
package alert

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"forgeplane/control/internal/platerr"
)

// Defaults for omitted query clauses.
const (
	defaultAgg    = "avg"
	defaultWindow = 300 * time.Second
)

// Query is a parsed alert rule query. The form is
//
//	metric:<name> [labels:{json}] [agg:avg|sum|max|min|count] [window:<seconds>]
//
// with clauses in any order after metric.
type Query struct {
	Metric string
	Labels []byte
	Agg    string
	Window time.Duration
}

var validAggs = map[string]bool{"avg": true, "sum": true, "max": true, "min": true, "count": true}

// ParseQuery parses a rule query string.
func ParseQuery(input string) (Query, error) {
	q := Query{Agg: defaultAgg, Window: defaultWindow}
	rest := strings.TrimSpace(input)
	for rest != "" {
		key, value, tail, err := nextClause(rest)
		if err != nil {
			return Query{}, err
		}
		rest = tail
		switch key {
		case "metric":
			if value == "" {
				return Query{}, platerr.New(platerr.KindValidation, "query metric name is empty")
			}
			q.Metric = value
		case "labels":
			if !json.Valid([]byte(value)) {
				return Query{}, platerr.Newf(platerr.KindValidation, "query labels is not valid JSON: %s", value)
			}
			q.Labels = []byte(value)
		case "agg":
			if !validAggs[value] {
				return Query{}, platerr.Newf(platerr.KindValidation, "unknown aggregation %q", value)
			}
			q.Agg = value
		case "window":
			secs, err := strconv.Atoi(value)
			if err != nil || secs <= 0 {
				return Query{}, platerr.Newf(platerr.KindValidation, "bad window %q", value)
			}
			q.Window = time.Duration(secs) * time.Second
		default:
			return Query{}, platerr.Newf(platerr.KindValidation, "unknown query clause %q", key)
		}
	}
	if q.Metric == "" {
		return Query{}, platerr.New(platerr.KindValidation, "query has no metric clause")
	}
	return q, nil
}

// nextClause splits one key:value clause off the front of rest. A value
// starting with '{' runs to its matching brace so label JSON may contain
// spaces.
func nextClause(rest string) (key, value, tail string, err error) {
	rest = strings.TrimSpace(rest)
	colon := strings.IndexByte(rest, ':')
	if colon < 1 {
		return "", "", "", platerr.Newf(platerr.KindValidation, "malformed query near %q", rest)
	}
	key = rest[:colon]
	rest = rest[colon+1:]
	if strings.HasPrefix(rest, "{") {
		depth := 0
		for i, r := range rest {
			switch r {
			case '{':
				depth++
			case '}':
				depth--
				if depth == 0 {
					return key, rest[:i+1], rest[i+1:], nil
				}
			}
		}
		return "", "", "", platerr.Newf(platerr.KindValidation, "unbalanced braces in query clause %q", key)
	}
	if sp := strings.IndexByte(rest, ' '); sp >= 0 {
		return key, rest[:sp], rest[sp+1:], nil
	}
	return key, rest, "", nil
}
