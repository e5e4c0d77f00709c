package domain

// Verdict is the action a Decision asks for.
type Verdict string

const (
	VerdictAllow         Verdict = "allow"
	VerdictDeleteOnly    Verdict = "delete"
	VerdictDeleteAndWarn Verdict = "delete_warn"
)

// Reason codes produced by policy evaluation.
const (
	ReasonNone         = ""
	ReasonDeleteAll    = "delete-all"
	ReasonChatIdentity = "chat-identity"
	ReasonBannedText   = "banned-text"
	ReasonMalformed    = "malformed"
)

// Decision is the outcome of evaluating one Update.
type Decision struct {
	Verdict Verdict
	Reason  string
	Match   string // the banned token that matched, if any
}

func (d Decision) Deletes() bool {
	return d.Verdict == VerdictDeleteOnly || d.Verdict == VerdictDeleteAndWarn
}

func (d Decision) Warns() bool {
	return d.Verdict == VerdictDeleteAndWarn
}
