package auth

// Phase is the state of one authentication attempt.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseSubmitting
	PhaseTwoFactorRequired
	PhaseSubmittingTwoFactor
	PhaseSuccess
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "IDLE"
	case PhaseSubmitting:
		return "SUBMITTING"
	case PhaseTwoFactorRequired:
		return "TWO_FACTOR_REQUIRED"
	case PhaseSubmittingTwoFactor:
		return "SUBMITTING_2FA"
	case PhaseSuccess:
		return "SUCCESS"
	case PhaseFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}
