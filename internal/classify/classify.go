// Package classify turns a raw upstream error message into a taskerr.TaskError
// carrying a class from the closed taxonomy, a retry policy, and — when the
// upstream text names one — an explicit retry-after hint. The upstream
// adapter calls it on raw upstream error text, and internal/retry's
// Arbiter calls it again on the error message string it is handed.
package classify

import (
	"regexp"
	"strconv"

	"github.com/vidlesson/lessonbatch/internal/taskerr"
)

// RetryPolicy is the per-class retry schedule: up to MaxAttempts retries with
// exponential backoff from BaseDelaySeconds up to CapDelaySeconds, widened by
// a uniform jitter of JitterFraction.
type RetryPolicy struct {
	MaxAttempts      int
	BaseDelaySeconds float64
	CapDelaySeconds  float64
	ExponentialBase  float64
	JitterFraction   float64
}

// Retryable reports whether the policy permits any retry at all.
func (p RetryPolicy) Retryable() bool {
	return p.MaxAttempts > 0
}

var policies = map[taskerr.Class]RetryPolicy{
	taskerr.ClassNetwork:   {MaxAttempts: 5, BaseDelaySeconds: 2, CapDelaySeconds: 30, ExponentialBase: 1.5, JitterFraction: 0.2},
	taskerr.ClassRateLimit: {MaxAttempts: 3, BaseDelaySeconds: 10, CapDelaySeconds: 120, ExponentialBase: 2.0, JitterFraction: 0.3},
	taskerr.ClassServer:    {MaxAttempts: 4, BaseDelaySeconds: 5, CapDelaySeconds: 60, ExponentialBase: 2.0, JitterFraction: 0.1},
	taskerr.ClassUnknown:   {MaxAttempts: 2, BaseDelaySeconds: 3, CapDelaySeconds: 10, ExponentialBase: 1.8, JitterFraction: 0.1},
}

var zeroPolicy = RetryPolicy{}

// PolicyFor returns the retry policy for class. Classes with no explicit
// entry (QuotaExhausted, FileError, AuthError, ClientError,
// UpstreamDomainError, TimeoutError, StateCorruption, ConfigError) are
// terminal: a zero-value policy with MaxAttempts 0.
func PolicyFor(class taskerr.Class) RetryPolicy {
	if p, ok := policies[class]; ok {
		return p
	}
	return zeroPolicy
}

// UnknownRetryable, when false, removes Unknown from the retryable set —
// the spec's conservative default treats an unrecognized error as
// retryable exactly once, but callers that would rather fail fast on
// anything unclassified can flip this per classifier instance.
type Config struct {
	UnknownRetryable bool
}

// DefaultConfig matches the spec's conservative default: Unknown is
// retryable once.
var DefaultConfig = Config{UnknownRetryable: true}

// pattern pairs a compiled case-insensitive regex with the class it
// signals. Patterns are tried in order; the first match wins.
type pattern struct {
	class taskerr.Class
	re    *regexp.Regexp
}

func compile(class taskerr.Class, exprs ...string) []pattern {
	out := make([]pattern, 0, len(exprs))
	for _, e := range exprs {
		out = append(out, pattern{class: class, re: regexp.MustCompile("(?i)" + e)})
	}
	return out
}

// patterns is ordered so the more specific classes (auth, quota) are tried
// before the broader ones (server, client) they could otherwise be
// shadowed by — e.g. "403" would match both AuthError and nothing else,
// but "quota exceeded" must win over a generic ClientError 4xx match.
var patterns = func() []pattern {
	var all []pattern
	all = append(all, compile(taskerr.ClassNetwork,
		`connection.*error`, `timeout`, `network.*unreachable`, `dns.*resolution.*failed`,
		`socket.*error`, `connection.*reset`, `connection.*refused`, `read.*timeout`,
		`write.*timeout`, `ssl.*error`, `certificate.*error`)...)
	all = append(all, compile(taskerr.ClassRateLimit,
		`rate.*limit.*exceeded`, `too.*many.*requests`, `quota.*exceeded.*temporarily`,
		`throttled`, `\b429\b`, `rate.*limiting`)...)
	all = append(all, compile(taskerr.ClassQuotaExhausted,
		`quota.*exceeded`, `billing.*account.*suspended`, `api.*limit.*reached`,
		`usage.*limit.*exceeded`, `insufficient.*quota`, `credit.*exhausted`)...)
	all = append(all, compile(taskerr.ClassFile,
		`file.*not.*found`, `no.*such.*file`, `permission.*denied`, `file.*corrupted`,
		`invalid.*file.*format`, `unsupported.*format`, `file.*too.*large`,
		`disk.*full`, `io.*error`)...)
	all = append(all, compile(taskerr.ClassAuth,
		`authentication.*failed`, `invalid.*api.*key`, `unauthorized`, `access.*denied`,
		`forbidden`, `\b401\b`, `\b403\b`, `invalid.*credentials`, `token.*expired`,
		`signature.*invalid`)...)
	all = append(all, compile(taskerr.ClassServer,
		`internal.*server.*error`, `server.*unavailable`, `service.*unavailable`,
		`bad.*gateway`, `gateway.*timeout`, `\b500\b`, `\b502\b`, `\b503\b`, `\b504\b`,
		`upstream.*error`)...)
	all = append(all, compile(taskerr.ClassClient,
		`bad.*request`, `invalid.*request`, `malformed.*request`, `\b400\b`, `\b422\b`,
		`unprocessable.*entity`, `validation.*error`)...)
	all = append(all, compile(taskerr.ClassUpstreamDomain,
		`content.*polic(?:y|ies)`, `unsupported.*video`, `model.*(?:unavailable|not.*found)`,
		`safety.*(?:rating|block)`, `recitation`)...)
	all = append(all, compile(taskerr.ClassTimeout,
		`deadline.*exceeded`, `operation.*timed.*out`)...)
	all = append(all, compile(taskerr.ClassStateCorrupt,
		`checksum.*mismatch`, `corrupt(?:ed)?.*state`)...)
	all = append(all, compile(taskerr.ClassConfig,
		`missing.*(?:config|credential)`, `invalid.*config`)...)
	return all
}()

var retryAfterPattern = regexp.MustCompile(`(?i)retry[\s_-]?(?:after|delay)[^0-9]{0,10}(\d+(?:\.\d+)?)\s*s`)

// Classify inspects message and produces a TaskError tagged with the
// matching class, its retry policy, and an explicit retry-after hint if one
// is embedded in the text (e.g. "quota exceeded, retryDelay: 30s").
func Classify(message string, cfg Config) *taskerr.TaskError {
	class := taskerr.ClassUnknown
	for _, p := range patterns {
		if p.re.MatchString(message) {
			class = p.class
			break
		}
	}

	policy := PolicyFor(class)
	retryable := policy.Retryable()
	if class == taskerr.ClassUnknown {
		retryable = cfg.UnknownRetryable
	}

	te := &taskerr.TaskError{
		Class:     class,
		Message:   message,
		Retryable: retryable,
	}

	if m := retryAfterPattern.FindStringSubmatch(message); m != nil {
		if seconds, err := strconv.ParseFloat(m[1], 64); err == nil {
			te.WithRetryAfter(seconds)
		}
	}

	return te
}
