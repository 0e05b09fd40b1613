package decision

import (
	"fmt"
	"net/http"
	"strconv"
)

type ActionType string

const (
	ActionPass  ActionType = "pass"
	ActionBlock ActionType = "block"
)

const (
	StatusChallengePhase01 = 247
	StatusChallengePhase02 = 248
)

// Action is the response a host should send for a request.
type Action struct {
	Type      ActionType        `json:"type"`
	BlockMode bool              `json:"block_mode"`
	Status    int               `json:"status"`
	Content   string            `json:"content"`
	Headers   map[string]string `json:"headers,omitempty"`
	ExtraTags []string          `json:"extra_tags,omitempty"`
}

type Decision struct {
	Action  Action        `json:"action"`
	Reasons []BlockReason `json:"reasons"`
}

func Pass(reasons []BlockReason) Decision {
	return Decision{
		Action:  Action{Type: ActionPass, Status: http.StatusOK},
		Reasons: reasons,
	}
}

func Block(action Action, reasons []BlockReason) Decision {
	return Decision{Action: action, Reasons: reasons}
}

func (d Decision) Blocked() bool {
	return d.Action.Type == ActionBlock && d.Action.BlockMode
}

// DefaultBlockAction is used when a policy does not configure its own block response.
func DefaultBlockAction(status int, content string) Action {
	if status <= 0 {
		status = http.StatusForbidden
	}
	if content == "" {
		content = "access denied"
	}
	return Action{Type: ActionBlock, BlockMode: true, Status: status, Content: content}
}

// BodyTooLarge builds the size gate block. max and actual are byte counts.
func BodyTooLarge(max, actual int) (Action, BlockReason) {
	action := DefaultBlockAction(http.StatusForbidden, "")
	reason := BlockReason{
		Initiator: InitiatorBodyTooLarge,
		Location:  LocationBody,
		Detail:    fmt.Sprintf("body too large: %d bytes, max allowed %d", actual, max),
		Fields: map[string]string{
			"actual":   strconv.Itoa(actual),
			"expected": strconv.Itoa(max),
		},
	}
	return action, reason
}
