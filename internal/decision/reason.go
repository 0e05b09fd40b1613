package decision

type Initiator string

const (
	InitiatorGlobalFilter  Initiator = "global_filter"
	InitiatorContentFilter Initiator = "content_filter"
	InitiatorLimit         Initiator = "limit"
	InitiatorBodyTooLarge  Initiator = "body_too_large"
	InitiatorPhase01       Initiator = "phase01"
	InitiatorPhase02       Initiator = "phase02"
)

// BlockReason is one cause contributing to a decision. Reasons are ordered.
type BlockReason struct {
	Initiator Initiator         `json:"initiator"`
	ID        string            `json:"id,omitempty"`
	Name      string            `json:"name,omitempty"`
	Detail    string            `json:"detail"`
	Fields    map[string]string `json:"fields,omitempty"`
	Location  Location          `json:"location,omitempty"`
}

func Phase01Unknown(reason string) BlockReason {
	return BlockReason{
		Initiator: InitiatorPhase01,
		Name:      "unknown",
		Detail:    "unknown phase01 failure: " + reason,
		Location:  LocationRequest,
	}
}

func Phase02() BlockReason {
	return BlockReason{
		Initiator: InitiatorPhase02,
		Name:      "verified",
		Detail:    "challenge verified, issuing cookie",
		Location:  LocationRequest,
	}
}
