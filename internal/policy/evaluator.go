package policy

import "github.com/klyr/klyr/internal/config"

// DecideAction maps a score against a threshold to the configured action.
// The boolean reports whether the action stops the request.
func DecideAction(action string, score, threshold int) (string, bool) {
	if score < threshold || score == 0 {
		return config.ActionNone, false
	}

	switch action {
	case config.ActionMonitor:
		return config.ActionMonitor, false
	case config.ActionChallenge:
		return config.ActionChallenge, true
	case config.ActionBlock, "":
		return config.ActionBlock, true
	default:
		return config.ActionNone, false
	}
}

// Severity orders actions so the strongest one wins when several apply.
func Severity(action string) int {
	switch action {
	case config.ActionBlock:
		return 3
	case config.ActionChallenge:
		return 2
	case config.ActionMonitor:
		return 1
	default:
		return 0
	}
}
