package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/gin-gonic/gin"

	"github.com/pam-backend/pam-backend/internal/activitylog"
)

// ActivityRecorder is the subset of activitylog.Recorder used by
// ActivityMiddleware.
type ActivityRecorder interface {
	Record(ctx context.Context, actor activitylog.Actor, rec activitylog.Record) *activitylog.LogEntry
}

// ActivityRule maps a method and path pattern to a description. Patterns use
// doublestar syntax: * matches one path segment, ** any number.
type ActivityRule struct {
	Method      string
	Pattern     string
	Description string
}

// Action is the first word of the description ("viewed project" -> "viewed")
func (r ActivityRule) Action() string {
	action, _, _ := strings.Cut(r.Description, " ")
	return action
}

// DefaultActivityRules covers the CRUD routes of the tracked resources
func DefaultActivityRules() []ActivityRule {
	var rules []ActivityRule
	for _, r := range trackedResources {
		base := "/api/" + r.path
		rules = append(rules,
			ActivityRule{http.MethodGet, base + "/*", "viewed " + r.noun},
			ActivityRule{http.MethodPost, base, "created " + r.noun},
			ActivityRule{http.MethodPut, base + "/*", "updated " + r.noun},
			ActivityRule{http.MethodDelete, base + "/*", "deleted " + r.noun},
		)
	}
	return rules
}

var trackedResources = []struct{ path, noun string }{
	{"projects", "project"},
	{"activities", "activity"},
	{"mitras", "mitra"},
	{"barang-certificates", "barang certificate"},
	{"certificates", "certificate"},
}

// TrackedResources lists the /api/<resource> path segments covered by
// DefaultActivityRules.
func TrackedResources() []string {
	out := make([]string, len(trackedResources))
	for i, r := range trackedResources {
		out[i] = r.path
	}
	return out
}

// ActivityMiddleware records an entry for authenticated requests whose path
// matches a rule. It runs after the handler and skips responses >= 400. The
// first matching rule wins.
func ActivityMiddleware(recorder ActivityRecorder, rules []ActivityRule) gin.HandlerFunc {
	byMethod := make(map[string][]ActivityRule)
	for _, r := range rules {
		if !doublestar.ValidatePattern(r.Pattern) {
			slog.Warn("ignoring invalid activity rule pattern", "pattern", r.Pattern)
			continue
		}
		byMethod[r.Method] = append(byMethod[r.Method], r)
	}

	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Status() >= http.StatusBadRequest {
			return
		}
		actor, ok := ActorFromContext(c)
		if !ok {
			return
		}

		rule, ok := matchRule(byMethod[c.Request.Method], c.Request.URL.Path)
		if !ok {
			return
		}

		recorder.Record(c.Request.Context(), actor, activitylog.Record{
			Action:      rule.Action(),
			Description: rule.Description,
		})
	}
}

func matchRule(rules []ActivityRule, path string) (ActivityRule, bool) {
	path = strings.TrimSuffix(path, "/")
	for _, r := range rules {
		if ok, _ := doublestar.Match(r.Pattern, path); ok {
			return r, true
		}
	}
	return ActivityRule{}, false
}
