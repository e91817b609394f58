package tasks

import (
	"encoding/json"
	"slices"
	"time"
)

// Status is the running statistics of one task. Valid and Invalid are
// disjoint sets; a credential that changes classification moves between them.
type Status struct {
	Valid       map[string]struct{}
	Invalid     map[string]struct{}
	Sent        int64
	LastChecked time.Time
}

// NewStatus returns the default status of a task that has not processed any
// credential yet.
func NewStatus() Status {
	return Status{
		Valid:   make(map[string]struct{}),
		Invalid: make(map[string]struct{}),
	}
}

// MarkValid moves credential into the valid set.
func (s *Status) MarkValid(credential string) {
	s.ensure()
	delete(s.Invalid, credential)
	s.Valid[credential] = struct{}{}
}

// MarkInvalid moves credential into the invalid set.
func (s *Status) MarkInvalid(credential string) {
	s.ensure()
	delete(s.Valid, credential)
	s.Invalid[credential] = struct{}{}
}

// RecordSent counts one successful dispatch.
func (s *Status) RecordSent() {
	s.Sent++
}

// IsZero reports whether s is still the default status.
func (s Status) IsZero() bool {
	return len(s.Valid) == 0 && len(s.Invalid) == 0 && s.Sent == 0 && s.LastChecked.IsZero()
}

// ValidList returns the valid credentials in sorted order.
func (s Status) ValidList() []string {
	return sortedKeys(s.Valid)
}

// InvalidList returns the invalid credentials in sorted order.
func (s Status) InvalidList() []string {
	return sortedKeys(s.Invalid)
}

// Clone returns a deep copy, safe to hand to a store while the worker keeps
// mutating the original.
func (s Status) Clone() Status {
	out := Status{
		Valid:       make(map[string]struct{}, len(s.Valid)),
		Invalid:     make(map[string]struct{}, len(s.Invalid)),
		Sent:        s.Sent,
		LastChecked: s.LastChecked,
	}
	for k := range s.Valid {
		out.Valid[k] = struct{}{}
	}
	for k := range s.Invalid {
		out.Invalid[k] = struct{}{}
	}
	return out
}

func (s *Status) ensure() {
	if s.Valid == nil {
		s.Valid = make(map[string]struct{})
	}
	if s.Invalid == nil {
		s.Invalid = make(map[string]struct{})
	}
}

type statusJSON struct {
	ValidCredentials   []string   `json:"valid_credentials"`
	InvalidCredentials []string   `json:"invalid_credentials"`
	TotalSent          int64      `json:"total_messages_sent"`
	LastChecked        *time.Time `json:"last_checked,omitempty"`
}

func (s Status) MarshalJSON() ([]byte, error) {
	out := statusJSON{
		ValidCredentials:   s.ValidList(),
		InvalidCredentials: s.InvalidList(),
		TotalSent:          s.Sent,
	}
	if !s.LastChecked.IsZero() {
		t := s.LastChecked.UTC()
		out.LastChecked = &t
	}
	return json.Marshal(out)
}

func (s *Status) UnmarshalJSON(data []byte) error {
	var in statusJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*s = NewStatus()
	for _, c := range in.InvalidCredentials {
		s.Invalid[c] = struct{}{}
	}
	// A record written by hand could list a credential twice; valid wins.
	for _, c := range in.ValidCredentials {
		s.MarkValid(c)
	}
	s.Sent = in.TotalSent
	if in.LastChecked != nil {
		s.LastChecked = *in.LastChecked
	}
	return nil
}

func sortedKeys(m map[string]struct{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
