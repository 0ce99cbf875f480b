package workflow

import (
	"encoding/json"
	"fmt"
)

// JobPayload is the body of every workflow job:
//
//	{"type": "SELLER_LEAD_START", "payload": {"subjectId": "c1", "stepIndex": 1, ...}}
type JobPayload struct {
	Type    Key         `json:"type"`
	Payload StepPayload `json:"payload"`
}

// StepPayload identifies the subject and step. Extra fields ride along flat
// next to subjectId and stepIndex.
type StepPayload struct {
	SubjectID string
	StepIndex int
	Extra     map[string]any
}

// MarshalJSON flattens Extra into the object.
func (p StepPayload) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(p.Extra)+2)
	for k, v := range p.Extra {
		m[k] = v
	}
	m["subjectId"] = p.SubjectID
	m["stepIndex"] = p.StepIndex
	return json.Marshal(m)
}

// UnmarshalJSON collects unknown fields into Extra. stepIndex defaults to 0.
func (p *StepPayload) UnmarshalJSON(data []byte) error {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}

	*p = StepPayload{}
	if raw, ok := m["subjectId"]; ok {
		if err := json.Unmarshal(raw, &p.SubjectID); err != nil {
			return fmt.Errorf("subjectId: %w", err)
		}
		delete(m, "subjectId")
	}
	if raw, ok := m["stepIndex"]; ok {
		if string(raw) != "null" {
			if err := json.Unmarshal(raw, &p.StepIndex); err != nil {
				return fmt.Errorf("stepIndex: %w", err)
			}
		}
		delete(m, "stepIndex")
	}
	if len(m) > 0 {
		p.Extra = make(map[string]any, len(m))
		for k, raw := range m {
			var v any
			if err := json.Unmarshal(raw, &v); err != nil {
				return fmt.Errorf("%s: %w", k, err)
			}
			p.Extra[k] = v
		}
	}
	return nil
}

// DecodeJobPayload parses a job body and checks that it names a subject.
func DecodeJobPayload(raw []byte) (JobPayload, error) {
	var p JobPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return JobPayload{}, fmt.Errorf("decoding workflow payload: %w", err)
	}
	if p.Payload.SubjectID == "" {
		return JobPayload{}, fmt.Errorf("workflow payload for %s has no subjectId", p.Type)
	}
	if p.Payload.StepIndex < 0 {
		return JobPayload{}, fmt.Errorf("workflow payload for %s has negative stepIndex %d", p.Type, p.Payload.StepIndex)
	}
	return p, nil
}
