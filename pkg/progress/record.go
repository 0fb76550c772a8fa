package progress

import (
	"encoding/json"

	"github.com/m-mizutani/goerr/v2"
)

// ContentType is the media type of a progress stream
const ContentType = "application/x-ndjson"

type RecordType string

const (
	TypeStart    RecordType = "start"
	TypeProgress RecordType = "progress"
	TypeResult   RecordType = "result"
	TypeDone     RecordType = "done"
	TypeError    RecordType = "error"
)

// IsTerminal reports whether the record type ends a stream
func (t RecordType) IsTerminal() bool {
	return t == TypeDone || t == TypeError
}

// Run status carried by a done record
const (
	StatusCompleted = "COMPLETED"
	StatusAborted   = "ABORTED"
)

type Counters struct {
	Processed int `json:"processed"`
	Succeeded int `json:"succeeded"`
	Skipped   int `json:"skipped"`
	Errored   int `json:"errored"`
}

type Start struct {
	RunID string `json:"run_id"`
	Kind  string `json:"kind"`
	Total int    `json:"total"`
}

type Progress struct {
	RunID      string `json:"run_id"`
	Checkpoint int    `json:"checkpoint"`
	Total      int    `json:"total"`
	Counters
}

type Result struct {
	Index   int    `json:"index"`
	Item    string `json:"item"`
	Outcome string `json:"outcome"`
	Reason  string `json:"reason,omitempty"`
}

// ItemError is the reason one item failed, listed in the done record
type ItemError struct {
	Index  int    `json:"index"`
	Item   string `json:"item"`
	Reason string `json:"reason"`
}

type Done struct {
	RunID    string      `json:"run_id"`
	Status   string      `json:"status"`
	Cause    string      `json:"cause,omitempty"`
	Counters Counters    `json:"counters"`
	Errors   []ItemError `json:"errors"`
	Results  []Result    `json:"results,omitempty"`
}

// Error aborts the whole run. It is distinct from per-item errors.
type Error struct {
	RunID    string   `json:"run_id,omitempty"`
	Code     string   `json:"code"`
	Message  string   `json:"message"`
	Counters Counters `json:"counters"`
}

// Record is one line of a progress stream. Exactly one payload matches Type.
type Record struct {
	Type     RecordType
	Start    *Start
	Progress *Progress
	Result   *Result
	Done     *Done
	Error    *Error
}

func (r Record) MarshalJSON() ([]byte, error) {
	switch r.Type {
	case TypeStart:
		return json.Marshal(struct {
			Type RecordType `json:"type"`
			*Start
		}{r.Type, r.Start})
	case TypeProgress:
		return json.Marshal(struct {
			Type RecordType `json:"type"`
			*Progress
		}{r.Type, r.Progress})
	case TypeResult:
		return json.Marshal(struct {
			Type RecordType `json:"type"`
			*Result
		}{r.Type, r.Result})
	case TypeDone:
		return json.Marshal(struct {
			Type RecordType `json:"type"`
			*Done
		}{r.Type, r.Done})
	case TypeError:
		return json.Marshal(struct {
			Type RecordType `json:"type"`
			*Error
		}{r.Type, r.Error})
	}
	return nil, goerr.Wrap(ErrMalformedRecord, "unknown record type", goerr.V("type", r.Type))
}

func (r *Record) UnmarshalJSON(data []byte) error {
	var head struct {
		Type RecordType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return goerr.Wrap(ErrMalformedRecord, err.Error())
	}

	var payload any
	rec := Record{Type: head.Type}
	switch head.Type {
	case TypeStart:
		rec.Start = &Start{}
		payload = rec.Start
	case TypeProgress:
		rec.Progress = &Progress{}
		payload = rec.Progress
	case TypeResult:
		rec.Result = &Result{}
		payload = rec.Result
	case TypeDone:
		rec.Done = &Done{}
		payload = rec.Done
	case TypeError:
		rec.Error = &Error{}
		payload = rec.Error
	default:
		return goerr.Wrap(ErrMalformedRecord, "unknown record type", goerr.V("type", head.Type))
	}

	if err := json.Unmarshal(data, payload); err != nil {
		return goerr.Wrap(ErrMalformedRecord, err.Error(), goerr.V("type", head.Type))
	}
	*r = rec
	return nil
}

func StartRecord(s Start) Record       { return Record{Type: TypeStart, Start: &s} }
func ProgressRecord(p Progress) Record { return Record{Type: TypeProgress, Progress: &p} }
func ResultRecord(r Result) Record     { return Record{Type: TypeResult, Result: &r} }
func DoneRecord(d Done) Record         { return Record{Type: TypeDone, Done: &d} }
func ErrorRecord(e Error) Record       { return Record{Type: TypeError, Error: &e} }
