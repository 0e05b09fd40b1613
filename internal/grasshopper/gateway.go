package grasshopper

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/klyr/klyr/internal/request"
)

// ErrNotImplemented is returned by Stub.
var ErrNotImplemented = errors.New("not implemented")

// Gateway answers human-verification questions.
type Gateway interface {
	IsHuman(q Query, mode Mode) (Response, error)
	VerifyChallenge(headers *request.Field) (string, error)
}

// Mode selects how much interaction a verification may demand. The values
// are part of the native ABI.
type Mode uint8

const (
	ModePassive Mode = iota
	ModeActive
	ModeInteractive
)

func (m Mode) String() string {
	switch m {
	case ModePassive:
		return "passive"
	case ModeActive:
		return "active"
	case ModeInteractive:
		return "interactive"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

type PrecisionLevel uint8

const (
	PrecisionActive PrecisionLevel = iota
	PrecisionPassive
	PrecisionInteractive
	PrecisionMobileSDK
	PrecisionInvalid
)

var precisionNames = [...]string{"Active", "Passive", "Interactive", "MobileSdk", "Invalid"}

// IsHuman reports whether the level counts as a verified human.
func (p PrecisionLevel) IsHuman() bool {
	return p != PrecisionInvalid
}

func (p PrecisionLevel) String() string {
	if int(p) < len(precisionNames) {
		return precisionNames[p]
	}
	return fmt.Sprintf("PrecisionLevel(%d)", uint8(p))
}

func (p PrecisionLevel) MarshalJSON() ([]byte, error) {
	if int(p) >= len(precisionNames) {
		return nil, fmt.Errorf("grasshopper: unknown precision level %d", uint8(p))
	}
	return json.Marshal(precisionNames[p])
}

func (p *PrecisionLevel) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return fmt.Errorf("grasshopper: precision level: %w", err)
	}
	for i, n := range precisionNames {
		if n == name {
			*p = PrecisionLevel(i)
			return nil
		}
	}
	return fmt.Errorf("grasshopper: unknown precision level %q", name)
}

// Query is the request view sent to the gateway. It borrows the fields of
// a request.Info and must not outlive the call.
type Query struct {
	Headers  *request.Field `json:"headers"`
	Cookies  *request.Field `json:"cookies"`
	IP       string         `json:"ip"`
	Protocol string         `json:"protocol"`
}

// QueryFromInfo builds a query over info.
func QueryFromInfo(info *request.Info) Query {
	return Query{
		Headers:  info.Headers,
		Cookies:  info.Cookies,
		IP:       info.IP,
		Protocol: info.Meta.Protocol,
	}
}

type Response struct {
	PrecisionLevel PrecisionLevel    `json:"precision_level"`
	Body           string            `json:"str_response"`
	Headers        map[string]string `json:"headers"`
}

// InvalidResponse is the non-human answer.
func InvalidResponse() Response {
	return Response{PrecisionLevel: PrecisionInvalid, Body: "invalid", Headers: map[string]string{}}
}

// Stub is used when no verification capability is available.
type Stub struct{}

func (Stub) IsHuman(Query, Mode) (Response, error) {
	return Response{}, ErrNotImplemented
}

func (Stub) VerifyChallenge(*request.Field) (string, error) {
	return "", ErrNotImplemented
}
