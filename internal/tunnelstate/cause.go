package tunnelstate

import (
	"encoding/json"
	"fmt"
)

// ErrorKind classifies why the machine is in the error state.
type ErrorKind string

const (
	ErrorIsOffline              ErrorKind = "is_offline"
	ErrorAuthFailed             ErrorKind = "auth_failed"
	ErrorTunnelParameterError   ErrorKind = "tunnel_parameter_error"
	ErrorSetFirewallPolicyError ErrorKind = "set_firewall_policy_error"
	ErrorSetDnsError            ErrorKind = "set_dns_error"
	ErrorSplitTunnelError       ErrorKind = "split_tunnel_error"
	ErrorStartTunnelError       ErrorKind = "start_tunnel_error"
	ErrorOther                  ErrorKind = "other"
)

// ErrorStateCause says why traffic is being blocked. It carries the
// underlying failure, when there is one, for diagnosis.
type ErrorStateCause struct {
	Kind   ErrorKind
	Reason string
	Err    error
}

func CauseIsOffline() ErrorStateCause { return ErrorStateCause{Kind: ErrorIsOffline} }

func CauseAuthFailed(reason string) ErrorStateCause {
	return ErrorStateCause{Kind: ErrorAuthFailed, Reason: reason}
}

func CauseTunnelParameterError(err error) ErrorStateCause {
	return ErrorStateCause{Kind: ErrorTunnelParameterError, Err: err}
}

func CauseSetFirewallPolicyError(err error) ErrorStateCause {
	return ErrorStateCause{Kind: ErrorSetFirewallPolicyError, Err: err}
}

func CauseSetDnsError(err error) ErrorStateCause {
	return ErrorStateCause{Kind: ErrorSetDnsError, Err: err}
}

func CauseSplitTunnelError(err error) ErrorStateCause {
	return ErrorStateCause{Kind: ErrorSplitTunnelError, Err: err}
}

func CauseStartTunnelError(err error) ErrorStateCause {
	return ErrorStateCause{Kind: ErrorStartTunnelError, Err: err}
}

func CauseOther(err error) ErrorStateCause { return ErrorStateCause{Kind: ErrorOther, Err: err} }

func (c ErrorStateCause) Error() string {
	var msg string
	switch c.Kind {
	case ErrorIsOffline:
		msg = "This device is offline, no tunnels can be established"
	case ErrorAuthFailed:
		msg = "Authentication with remote server failed"
	case ErrorTunnelParameterError:
		msg = "Failure to generate tunnel parameters"
	case ErrorSetFirewallPolicyError:
		msg = "Failed to set firewall policy"
	case ErrorSetDnsError:
		msg = "Failed to set system DNS server"
	case ErrorSplitTunnelError:
		msg = "The split tunneling module reported an error"
	case ErrorStartTunnelError:
		msg = "Failed to start connection to remote server"
	default:
		msg = "Unexpected error"
	}
	if c.Reason != "" {
		msg = fmt.Sprintf("%s: %s", msg, c.Reason)
	}
	if c.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, c.Err)
	}
	return msg
}

func (c ErrorStateCause) Unwrap() error { return c.Err }

// Is matches causes of the same kind, so errors.Is(err, CauseIsOffline())
// works on wrapped causes.
func (c ErrorStateCause) Is(target error) bool {
	t, ok := target.(ErrorStateCause)
	return ok && t.Kind == c.Kind
}

func (c ErrorStateCause) MarshalJSON() ([]byte, error) {
	out := struct {
		Kind    ErrorKind `json:"kind"`
		Reason  string    `json:"reason,omitempty"`
		Error   string    `json:"error,omitempty"`
		Message string    `json:"message"`
	}{Kind: c.Kind, Reason: c.Reason, Message: c.Error()}
	if c.Err != nil {
		out.Error = c.Err.Error()
	}
	return json.Marshal(out)
}
