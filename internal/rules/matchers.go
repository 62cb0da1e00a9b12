package rules

import (
	"math"
	"regexp"

	"safeabstract/internal/types"
)

// regexMatcher adapts a compiled regexp into a Matcher: it reports the
// earliest match at or after position, offset back into the original
// string's coordinate space.
func regexMatcher(re *regexp.Regexp, confidence float64) Matcher {
	return func(input string, position int) *Match {
		if position > len(input) {
			return nil
		}
		loc := re.FindStringIndex(input[position:])
		if loc == nil {
			return nil
		}
		return &Match{
			Span:       types.Span{Start: position + loc[0], End: position + loc[1]},
			Confidence: confidence,
		}
	}
}

// regexMatcherWithEntropy behaves like regexMatcher but lowers confidence
// for low-entropy matches (e.g. repeated-character strings that merely
// look like tokens), per spec.md §4.2's "entropy for tokens" edge case.
func regexMatcherWithEntropy(re *regexp.Regexp, baseConfidence float64, minEntropyBits float64) Matcher {
	return func(input string, position int) *Match {
		if position > len(input) {
			return nil
		}
		loc := re.FindStringIndex(input[position:])
		if loc == nil {
			return nil
		}
		literal := input[position+loc[0] : position+loc[1]]
		confidence := baseConfidence
		if shannonEntropy(literal) < minEntropyBits {
			confidence *= 0.5
		}
		return &Match{
			Span:       types.Span{Start: position + loc[0], End: position + loc[1]},
			Confidence: confidence,
		}
	}
}

// notFollowedBySlash wraps regexMatcher so a candidate is discarded when the
// character immediately after it continues a deeper path (e.g. "/home/alice"
// inside "/home/alice/app/cfg.json"). RE2 has no lookahead, so the check is
// done by hand and the search resumes past the rejected match; this keeps
// user_home/temp_path scoped to bare home/temp-root references and leaves
// nested paths to the broader file_path rule.
func notFollowedBySlash(re *regexp.Regexp, confidence float64) Matcher {
	return func(input string, position int) *Match {
		for pos := position; pos <= len(input); {
			if pos > len(input) {
				return nil
			}
			loc := re.FindStringIndex(input[pos:])
			if loc == nil {
				return nil
			}
			start, end := pos+loc[0], pos+loc[1]
			if end < len(input) && input[end] == '/' {
				pos = start + 1
				continue
			}
			return &Match{
				Span:       types.Span{Start: start, End: end},
				Confidence: confidence,
			}
		}
		return nil
	}
}

// shannonEntropy returns the Shannon entropy in bits-per-character of s.
func shannonEntropy(s string) float64 {
	if len(s) == 0 {
		return 0
	}
	counts := make(map[rune]int)
	total := 0
	for _, r := range s {
		counts[r]++
		total++
	}
	var entropy float64
	for _, c := range counts {
		p := float64(c) / float64(total)
		entropy -= p * math.Log2(p)
	}
	return entropy
}

var (
	filePathPattern   = regexp.MustCompile(`(?:[A-Za-z]:\\(?:[^\\/:*?"<>|\r\n]+\\)*[^\\/:*?"<>|\r\n]*|/(?:[^/\0\s]+/)+[^/\0\s]*|\./(?:[^/\0\s]+/)*[^/\0\s]+)`)
	identifierPattern = regexp.MustCompile(`\b(?:[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}|[0-9]{5,20})\b`)
	// tokenPrefixPattern covers credentials with a recognizable issuer
	// prefix. The prefix itself is the signal, so remainders can be short
	// (a truncated or test Slack token like "xoxb-1234" is still a
	// credential) and no entropy gate applies.
	tokenPrefixPattern = regexp.MustCompile(`\b(?:sk-[A-Za-z0-9]{16,}|sk_(?:live|test)_[A-Za-z0-9]{4,}|pk_(?:live|test)_[A-Za-z0-9]{4,}|ghp_[A-Za-z0-9]{20,}|xox[bpas]-[A-Za-z0-9-]{4,}|AKIA[A-Z0-9]{16}|eyJ[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}|-----BEGIN [A-Z ]+PRIVATE KEY-----[\s\S]*?-----END [A-Z ]+PRIVATE KEY-----)\b`)
	// tokenBlobPattern covers bare base64-looking material with no prefix
	// to vouch for it; only high-entropy matches keep their confidence.
	tokenBlobPattern = regexp.MustCompile(`\b[A-Za-z0-9+/]{32,}={0,2}\b`)
	urlPattern        = regexp.MustCompile(`\b[a-zA-Z][a-zA-Z0-9+.-]*://[^\s"'<>]+`)
	ipAddressPattern  = regexp.MustCompile(`\b(?:(?:25[0-5]|2[0-4][0-9]|[01]?[0-9][0-9]?)\.){3}(?:25[0-5]|2[0-4][0-9]|[01]?[0-9][0-9]?)\b|\b(?:[A-Fa-f0-9]{1,4}:){7}[A-Fa-f0-9]{1,4}\b`)
	portPattern       = regexp.MustCompile(`(?::)(6553[0-5]|655[0-2][0-9]|65[0-4][0-9]{2}|6[0-4][0-9]{3}|[1-5][0-9]{4}|[1-9][0-9]{0,3})\b`)
	containerPattern  = regexp.MustCompile(`\b[a-z0-9]([a-z0-9_.-]{1,61})?_[a-z0-9]{6,12}\b`)
	imageTagPattern   = regexp.MustCompile(`\b(?:[a-z0-9.-]+(?::[0-9]+)?/)?[a-z0-9]+(?:[._-][a-z0-9]+)*:[a-zA-Z0-9._-]+\b`)
	envValuePattern   = regexp.MustCompile(`(?i)\b[A-Z_][A-Z0-9_]*(?:_KEY|_TOKEN|_SECRET|_PASSWORD|_PASS|_PWD)\s*=\s*\S+`)
	timestampPattern  = regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}(?:\.\d+)?(?:Z|[+-]\d{2}:?\d{2})?\b`)
	durationPattern   = regexp.MustCompile(`\b\d+(?:\.\d+)?(?:ns|us|µs|ms|s|m|h)(?:\d+(?:ns|us|µs|ms|s|m|h))*\b`)
	emailPattern      = regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)
	phonePattern      = regexp.MustCompile(`\b(?:\+?\d{1,3}[\s.-]?)?\(?\d{3}\)?[\s.-]?\d{3}[\s.-]?\d{4}\b`)
	ssnPattern        = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)
	creditCardPattern = regexp.MustCompile(`\b(?:\d[ -]?){13,16}\b`)
	userHomePattern   = regexp.MustCompile(`(?:/home/[^/\s]+|/Users/[^/\s]+|C:\\Users\\[^\\\s]+)`)
	tempPathPattern   = regexp.MustCompile(`(?:/tmp/[^\s"']+|/var/folders/[^\s"']+|C:\\Users\\[^\\]+\\AppData\\Local\\Temp\\[^\s"']+)`)
	dbConnPattern     = regexp.MustCompile(`\b(?:postgres(?:ql)?|mysql|mongodb(?:\+srv)?|redis|sqlite)://[^\s"']+`)
)

// BuiltinRules returns the default rule set the Registry loads at startup,
// one rule per ReferenceKind in the enumeration, ordered by descending
// priority. Priorities separate narrower, higher-signal patterns (tokens,
// db connection strings) from broader ones (generic identifiers) so the
// overlap-resolution step in the Reference Extractor (C2) prefers the more
// specific match.
func BuiltinRules() []Rule {
	return []Rule{
		{Kind: types.KindToken, Name: "token.prefixed", Matcher: regexMatcher(tokenPrefixPattern, 0.95), Priority: 100, MinConfidence: 0.5, ReplacementTemplate: "<token>", Enabled: true},
		{Kind: types.KindToken, Name: "token.blob", Matcher: regexMatcherWithEntropy(tokenBlobPattern, 0.9, 3.0), Priority: 99, MinConfidence: 0.5, ReplacementTemplate: "<token>", Enabled: true},
		{Kind: types.KindDBConnectionString, Name: "db_connection_string.default", Matcher: regexMatcher(dbConnPattern, 0.97), Priority: 95, MinConfidence: 0.5, ReplacementTemplate: "<db_connection_string>", Enabled: true},
		{Kind: types.KindSSNLike, Name: "ssn_like.default", Matcher: regexMatcher(ssnPattern, 0.9), Priority: 90, MinConfidence: 0.5, ReplacementTemplate: "<ssn_like>", Enabled: true},
		{Kind: types.KindCreditCardLike, Name: "credit_card_like.default", Matcher: regexMatcher(creditCardPattern, 0.7), Priority: 88, MinConfidence: 0.5, ReplacementTemplate: "<credit_card_like>", Enabled: true},
		{Kind: types.KindEnvVarValue, Name: "env_var_value.default", Matcher: regexMatcher(envValuePattern, 0.85), Priority: 85, MinConfidence: 0.5, ReplacementTemplate: "<env_var_value>", Enabled: true},
		{Kind: types.KindURL, Name: "url.default", Matcher: regexMatcher(urlPattern, 0.9), Priority: 80, MinConfidence: 0.5, ReplacementTemplate: "<url>", Enabled: true},
		{Kind: types.KindEmail, Name: "email.default", Matcher: regexMatcher(emailPattern, 0.92), Priority: 78, MinConfidence: 0.5, ReplacementTemplate: "<email>", Enabled: true},
		{Kind: types.KindUserHome, Name: "user_home.default", Matcher: notFollowedBySlash(userHomePattern, 0.9), Priority: 76, MinConfidence: 0.5, ReplacementTemplate: "<user_home>", Enabled: true},
		{Kind: types.KindTempPath, Name: "temp_path.default", Matcher: notFollowedBySlash(tempPathPattern, 0.85), Priority: 74, MinConfidence: 0.5, ReplacementTemplate: "<temp_path>", Enabled: true},
		{Kind: types.KindIPAddress, Name: "ip_address.default", Matcher: regexMatcher(ipAddressPattern, 0.9), Priority: 72, MinConfidence: 0.5, ReplacementTemplate: "<ip_address>", Enabled: true},
		{Kind: types.KindContainerName, Name: "container_name.default", Matcher: regexMatcher(containerPattern, 0.6), Priority: 40, MinConfidence: 0.4, ReplacementTemplate: "<container_name>", Enabled: true},
		{Kind: types.KindImageTag, Name: "image_tag.default", Matcher: regexMatcher(imageTagPattern, 0.55), Priority: 38, MinConfidence: 0.4, ReplacementTemplate: "<image_tag>", Enabled: true},
		{Kind: types.KindPort, Name: "port.default", Matcher: regexMatcher(portPattern, 0.75), Priority: 65, MinConfidence: 0.5, ReplacementTemplate: "<port>", Enabled: true},
		{Kind: types.KindTimestamp, Name: "timestamp.default", Matcher: regexMatcher(timestampPattern, 0.9), Priority: 60, MinConfidence: 0.5, ReplacementTemplate: "<timestamp>", Enabled: true},
		{Kind: types.KindDuration, Name: "duration.default", Matcher: regexMatcher(durationPattern, 0.7), Priority: 55, MinConfidence: 0.4, ReplacementTemplate: "<duration>", Enabled: true},
		{Kind: types.KindPhone, Name: "phone.default", Matcher: regexMatcher(phonePattern, 0.65), Priority: 50, MinConfidence: 0.4, ReplacementTemplate: "<phone>", Enabled: true},
		{Kind: types.KindFilePath, Name: "file_path.default", Matcher: regexMatcher(filePathPattern, 0.75), Priority: 45, MinConfidence: 0.4, ReplacementTemplate: "<file_path>", Enabled: true},
		{Kind: types.KindIdentifier, Name: "identifier.default", Matcher: regexMatcher(identifierPattern, 0.5), Priority: 10, MinConfidence: 0.3, ReplacementTemplate: "<identifier>", Enabled: true},
	}
}
