// Package policy decides what to do with a normalized update. Evaluation is
// pure: the same Update and Rules always produce the same Decision.
package policy

import (
	"fmt"
	"regexp"
	"strings"

	"chatguard/internal/domain"
)

// DefaultMaxTextChars bounds how much of a text or caption is scanned.
const DefaultMaxTextChars = 4096

// Rules is the process-wide moderation policy. Build it once with NewRules;
// it is read-only afterwards and safe to share between goroutines.
type Rules struct {
	deleteAll     bool
	exempt        map[int64]struct{}
	exemptOwnChat bool
	maxTextChars  int
	banned        []matcher
}

type matcher struct {
	token string
	re    *regexp.Regexp
}

// RulesConfig is the normalized operator input.
type RulesConfig struct {
	DeleteAll     bool
	Banned        []string // literal tokens, matched case-insensitively
	ExemptChatIDs []int64  // chat identities allowed to post as a channel
	ExemptOwnChat bool     // treat a group posting as itself (anonymous admin) as exempt
	MaxTextChars  int
}

func NewRules(cfg RulesConfig) (*Rules, error) {
	r := &Rules{
		deleteAll:     cfg.DeleteAll,
		exempt:        make(map[int64]struct{}, len(cfg.ExemptChatIDs)),
		exemptOwnChat: cfg.ExemptOwnChat,
		maxTextChars:  cfg.MaxTextChars,
	}
	if r.maxTextChars <= 0 {
		r.maxTextChars = DefaultMaxTextChars
	}
	for _, id := range cfg.ExemptChatIDs {
		r.exempt[id] = struct{}{}
	}

	var err error
	r.banned, err = compileTokens(cfg.Banned)
	if err != nil {
		return nil, fmt.Errorf("invalid banned token: %w", err)
	}
	return r, nil
}

// BannedCount returns the number of compiled banned tokens.
func (r *Rules) BannedCount() int { return len(r.banned) }

// Decide evaluates u in fixed priority order; the first match wins.
func Decide(u domain.Update, r *Rules) domain.Decision {
	// Fail open: blocking on a parser bug would hit legitimate traffic.
	if u.Malformed() || r == nil {
		return domain.Decision{Verdict: domain.VerdictAllow, Reason: domain.ReasonMalformed}
	}

	// Step 1: lockdown mode deletes everything.
	if r.deleteAll {
		return domain.Decision{Verdict: domain.VerdictDeleteOnly, Reason: domain.ReasonDeleteAll}
	}

	// Step 2: messages posted as a channel or group.
	if u.Sender.Kind == domain.SenderChatIdentity && !r.isExempt(u) {
		return domain.Decision{Verdict: domain.VerdictDeleteAndWarn, Reason: domain.ReasonChatIdentity}
	}

	// Step 3: banned text.
	if tok, ok := r.matchBanned(u.Text); ok {
		return domain.Decision{Verdict: domain.VerdictDeleteAndWarn, Reason: domain.ReasonBannedText, Match: tok}
	}

	return domain.Decision{Verdict: domain.VerdictAllow}
}

func (r *Rules) isExempt(u domain.Update) bool {
	if _, ok := r.exempt[u.Sender.ID]; ok {
		return true
	}
	return r.exemptOwnChat && u.Sender.ID == u.ChatID
}

func (r *Rules) matchBanned(text string) (string, bool) {
	if text == "" {
		return "", false
	}
	text = truncateRunes(text, r.maxTextChars)
	for _, m := range r.banned {
		if m.re.MatchString(text) {
			return m.token, true
		}
	}
	return "", false
}

// compileTokens turns operator tokens into case-insensitive literal matchers.
// Tokens are always quoted; operator lists are never treated as regex.
func compileTokens(tokens []string) ([]matcher, error) {
	compiled := make([]matcher, 0, len(tokens))
	for _, t := range tokens {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		re, err := regexp.Compile(`(?i)` + regexp.QuoteMeta(t))
		if err != nil {
			return nil, fmt.Errorf("token %q: %w", t, err)
		}
		compiled = append(compiled, matcher{token: t, re: re})
	}
	return compiled, nil
}

// truncateRunes returns at most n runes of s.
func truncateRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
