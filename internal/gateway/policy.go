package gateway

import "github.com/phoenixguard/sentinel/pkg/types"

// Decide applies the mode table. It does not know whether the operation kind can be
// redirected; Intercept downgrades impossible redirects to a block.
func Decide(mode types.Mode, trusted, suspicious bool) types.Action {
	switch mode {
	case types.ModePassive, types.ModeForensic:
		return types.ActionAllow
	case types.ModeActive:
		if suspicious && !trusted {
			return types.ActionBlock
		}
		return types.ActionAllow
	case types.ModeHoneypot:
		if suspicious && !trusted {
			return types.ActionRedirect
		}
		return types.ActionAllow
	case types.ModeAntiForage:
		if trusted {
			return types.ActionAllow
		}
		if suspicious {
			return types.ActionRedirect
		}
		return types.ActionAllow
	default:
		return types.ActionBlock
	}
}
