package safety

import (
	"fmt"
	"strings"

	"msgrlink/errs"
)

// DangerKinds are error markers that suggest the account is being challenged.
var DangerKinds = []string{
	"checkpoint",
	"verification_required",
	"account_locked",
	"temporarily_blocked",
	"unusual_activity",
	"security_check",
	"login_approval",
	"account_suspended",
}

// Classification is the advisory result of ClassifyError.
type Classification struct {
	Dangerous      bool
	Kind           string
	Recommendation string
}

// ClassifyError matches err's text against DangerKinds.
func ClassifyError(err error) Classification {
	if err == nil {
		return Classification{}
	}
	text := strings.ToLower(err.Error())
	for _, k := range DangerKinds {
		if strings.Contains(text, k) {
			return Classification{Dangerous: true, Kind: k, Recommendation: "Stop all operations immediately"}
		}
	}
	return Classification{}
}

// AlertError wraps a dangerous error so it matches errs.ErrSafetyAlert.
type AlertError struct {
	Kind string
	Err  error
}

func (e *AlertError) Error() string {
	return fmt.Sprintf("safety alert (%s): %v", e.Kind, e.Err)
}

func (e *AlertError) Unwrap() []error { return []error{errs.ErrSafetyAlert, e.Err} }

// AsAlert returns an *AlertError when err is dangerous, or nil.
func AsAlert(err error) error {
	c := ClassifyError(err)
	if !c.Dangerous {
		return nil
	}
	return &AlertError{Kind: c.Kind, Err: err}
}
