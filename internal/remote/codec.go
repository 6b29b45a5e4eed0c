package remote

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/roach88/docsync/internal/model"
	"github.com/roach88/docsync/internal/query"
)

// LookupRequest asks for documents by key.
type LookupRequest struct {
	Keys []model.DocumentKey
}

// LookupResponse answers a LookupRequest.
type LookupResponse struct {
	Documents []*model.MutableDocument
}

// Message type tags used on the wire.
const (
	msgListenRequest  = "listen_request"
	msgListenResponse = "listen_response"
	msgWriteRequest   = "write_request"
	msgWriteResponse  = "write_response"
	msgLookupRequest  = "lookup_request"
	msgLookupResponse = "lookup_response"
	msgError          = "error"
)

type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type targetRequestJSON struct {
	TargetID      model.TargetID         `json:"target_id"`
	Target        json.RawMessage        `json:"target"`
	ResumeToken   []byte                 `json:"resume_token,omitempty"`
	ReadTime      *model.SnapshotVersion `json:"read_time,omitempty"`
	ExpectedCount *int32                 `json:"expected_count,omitempty"`
}

type listenRequestJSON struct {
	AddTarget    *targetRequestJSON `json:"add_target,omitempty"`
	RemoveTarget model.TargetID     `json:"remove_target,omitempty"`
	Labels       map[string]string  `json:"labels,omitempty"`
}

type statusJSON struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type documentChangeJSON struct {
	UpdatedTargetIDs []model.TargetID `json:"updated_target_ids,omitempty"`
	RemovedTargetIDs []model.TargetID `json:"removed_target_ids,omitempty"`
	Key              string           `json:"key"`
	Document         json.RawMessage  `json:"document,omitempty"`
}

type targetChangeJSON struct {
	State       string                 `json:"state"`
	TargetIDs   []model.TargetID       `json:"target_ids,omitempty"`
	ResumeToken []byte                 `json:"resume_token,omitempty"`
	ReadTime    *model.SnapshotVersion `json:"read_time,omitempty"`
	Cause       *statusJSON            `json:"cause,omitempty"`
}

type bloomJSON struct {
	Bitmap    []byte `json:"bitmap"`
	Padding   int32  `json:"padding"`
	HashCount int32  `json:"hash_count"`
}

type filterJSON struct {
	TargetID model.TargetID `json:"target_id"`
	Count    int32          `json:"count"`
	Bloom    *bloomJSON     `json:"bloom,omitempty"`
}

type listenResponseJSON struct {
	DocumentChange *documentChangeJSON `json:"document_change,omitempty"`
	TargetChange   *targetChangeJSON   `json:"target_change,omitempty"`
	Filter         *filterJSON         `json:"filter,omitempty"`
}

type writeRequestJSON struct {
	Database    string            `json:"database,omitempty"`
	StreamToken []byte            `json:"stream_token,omitempty"`
	Writes      []json.RawMessage `json:"writes,omitempty"`
}

type mutationResultJSON struct {
	Version          model.SnapshotVersion `json:"version"`
	TransformResults []json.RawMessage     `json:"transform_results,omitempty"`
}

type writeResponseJSON struct {
	StreamToken []byte                `json:"stream_token,omitempty"`
	CommitTime  model.SnapshotVersion `json:"commit_time"`
	Results     []mutationResultJSON  `json:"results,omitempty"`
}

type lookupRequestJSON struct {
	Keys []string `json:"keys"`
}

type lookupResponseJSON struct {
	Documents []json.RawMessage `json:"documents"`
}

var targetStateNames = map[WatchTargetChangeState]string{
	TargetNoChange: "no_change",
	TargetAdded:    "add",
	TargetRemoved:  "remove",
	TargetCurrent:  "current",
	TargetReset:    "reset",
}

// EncodeMessage encodes any stream or lookup message, or a *StatusError,
// into its JSON envelope.
func EncodeMessage(msg any) ([]byte, error) {
	var (
		typ     string
		payload any
		err     error
	)
	switch m := msg.(type) {
	case *ListenRequest:
		typ = msgListenRequest
		payload, err = encodeListenRequest(m)
	case *ListenResponse:
		typ = msgListenResponse
		payload, err = encodeListenResponse(m)
	case *WriteRequest:
		typ = msgWriteRequest
		payload, err = encodeWriteRequest(m)
	case *WriteResponse:
		typ = msgWriteResponse
		payload, err = encodeWriteResponse(m)
	case *LookupRequest:
		typ = msgLookupRequest
		req := lookupRequestJSON{}
		for _, k := range m.Keys {
			req.Keys = append(req.Keys, k.String())
		}
		payload = req
	case *LookupResponse:
		typ = msgLookupResponse
		resp := lookupResponseJSON{Documents: []json.RawMessage{}}
		for _, d := range m.Documents {
			raw, derr := model.MarshalDocument(d)
			if derr != nil {
				return nil, derr
			}
			resp.Documents = append(resp.Documents, raw)
		}
		payload = resp
	case *StatusError:
		typ = msgError
		payload = statusJSON{Code: m.Code.String(), Message: m.Message}
	default:
		return nil, fmt.Errorf("encode message: unsupported type %T", msg)
	}
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", typ, err)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", typ, err)
	}
	return json.Marshal(envelope{Type: typ, Payload: raw})
}

// DecodeMessage is the inverse of EncodeMessage. An error envelope decodes
// to a *StatusError value.
func DecodeMessage(data []byte) (any, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	var (
		msg any
		err error
	)
	switch env.Type {
	case msgListenRequest:
		msg, err = decodeListenRequest(env.Payload)
	case msgListenResponse:
		msg, err = decodeListenResponse(env.Payload)
	case msgWriteRequest:
		msg, err = decodeWriteRequest(env.Payload)
	case msgWriteResponse:
		msg, err = decodeWriteResponse(env.Payload)
	case msgLookupRequest:
		var req lookupRequestJSON
		if err = json.Unmarshal(env.Payload, &req); err == nil {
			out := &LookupRequest{}
			for _, s := range req.Keys {
				k, kerr := model.ParseKey(s)
				if kerr != nil {
					return nil, kerr
				}
				out.Keys = append(out.Keys, k)
			}
			msg = out
		}
	case msgLookupResponse:
		var resp lookupResponseJSON
		if err = json.Unmarshal(env.Payload, &resp); err == nil {
			out := &LookupResponse{}
			for _, raw := range resp.Documents {
				d, derr := model.UnmarshalDocument(raw)
				if derr != nil {
					return nil, derr
				}
				out.Documents = append(out.Documents, d)
			}
			msg = out
		}
	case msgError:
		var s statusJSON
		if err = json.Unmarshal(env.Payload, &s); err == nil {
			msg = statusFromJSON(&s)
		}
	default:
		return nil, fmt.Errorf("decode message: unknown type %q", env.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", env.Type, err)
	}
	return msg, nil
}

func statusFromJSON(s *statusJSON) *StatusError {
	code, ok := ParseCode(s.Code)
	if !ok {
		code = CodeUnknown
	}
	return &StatusError{Code: code, Message: s.Message}
}

func versionPtr(v model.SnapshotVersion) *model.SnapshotVersion {
	if v.IsMin() {
		return nil
	}
	return &v
}

func versionOrMin(v *model.SnapshotVersion) model.SnapshotVersion {
	if v == nil {
		return model.MinVersion
	}
	return *v
}

func encodeListenRequest(m *ListenRequest) (listenRequestJSON, error) {
	out := listenRequestJSON{RemoveTarget: m.RemoveTarget, Labels: m.Labels}
	if t := m.AddTarget; t != nil {
		raw, err := query.MarshalTarget(t.Target)
		if err != nil {
			return out, err
		}
		out.AddTarget = &targetRequestJSON{
			TargetID:      t.TargetID,
			Target:        raw,
			ResumeToken:   t.ResumeToken,
			ReadTime:      versionPtr(t.ReadTime),
			ExpectedCount: t.ExpectedCount,
		}
	}
	return out, nil
}

func decodeListenRequest(data []byte) (*ListenRequest, error) {
	var in listenRequestJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, err
	}
	out := &ListenRequest{RemoveTarget: in.RemoveTarget, Labels: in.Labels}
	if t := in.AddTarget; t != nil {
		target, err := query.UnmarshalTarget(t.Target)
		if err != nil {
			return nil, err
		}
		out.AddTarget = &TargetRequest{
			TargetID:      t.TargetID,
			Target:        target,
			ResumeToken:   t.ResumeToken,
			ReadTime:      versionOrMin(t.ReadTime),
			ExpectedCount: t.ExpectedCount,
		}
	}
	return out, nil
}

func encodeListenResponse(m *ListenResponse) (listenResponseJSON, error) {
	var out listenResponseJSON
	switch c := m.Change.(type) {
	case DocumentWatchChange:
		dc := &documentChangeJSON{
			UpdatedTargetIDs: c.UpdatedTargetIDs,
			RemovedTargetIDs: c.RemovedTargetIDs,
			Key:              c.Key.String(),
		}
		if c.NewDoc != nil {
			raw, err := model.MarshalDocument(c.NewDoc)
			if err != nil {
				return out, err
			}
			dc.Document = raw
		}
		out.DocumentChange = dc
	case WatchTargetChange:
		tc := &targetChangeJSON{
			State:       targetStateNames[c.State],
			TargetIDs:   c.TargetIDs,
			ResumeToken: c.ResumeToken,
			ReadTime:    versionPtr(c.ReadTime),
		}
		if c.Cause != nil {
			tc.Cause = &statusJSON{Code: StatusCode(c.Cause).String(), Message: c.Cause.Error()}
			var se *StatusError
			if errors.As(c.Cause, &se) {
				tc.Cause.Message = se.Message
			}
		}
		out.TargetChange = tc
	case ExistenceFilterChange:
		f := &filterJSON{TargetID: c.TargetID, Count: c.Filter.Count}
		if b := c.Filter.UnchangedNames; b != nil {
			f.Bloom = &bloomJSON{Bitmap: b.Bitmap, Padding: b.Padding, HashCount: b.HashCount}
		}
		out.Filter = f
	default:
		return out, fmt.Errorf("unsupported watch change %T", m.Change)
	}
	return out, nil
}

func decodeListenResponse(data []byte) (*ListenResponse, error) {
	var in listenResponseJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, err
	}
	switch {
	case in.DocumentChange != nil:
		dc := in.DocumentChange
		key, err := model.ParseKey(dc.Key)
		if err != nil {
			return nil, err
		}
		c := DocumentWatchChange{UpdatedTargetIDs: dc.UpdatedTargetIDs, RemovedTargetIDs: dc.RemovedTargetIDs, Key: key}
		if len(dc.Document) > 0 && string(dc.Document) != "null" {
			doc, err := model.UnmarshalDocument(dc.Document)
			if err != nil {
				return nil, err
			}
			c.NewDoc = doc
		}
		return &ListenResponse{Change: c}, nil
	case in.TargetChange != nil:
		tc := in.TargetChange
		c := WatchTargetChange{
			State:       -1,
			TargetIDs:   tc.TargetIDs,
			ResumeToken: tc.ResumeToken,
			ReadTime:    versionOrMin(tc.ReadTime),
		}
		for s, name := range targetStateNames {
			if name == tc.State {
				c.State = s
			}
		}
		if c.State < 0 {
			return nil, fmt.Errorf("unknown target change state %q", tc.State)
		}
		if tc.Cause != nil {
			c.Cause = statusFromJSON(tc.Cause)
		}
		return &ListenResponse{Change: c}, nil
	case in.Filter != nil:
		c := ExistenceFilterChange{TargetID: in.Filter.TargetID, Filter: ExistenceFilter{Count: in.Filter.Count}}
		if b := in.Filter.Bloom; b != nil {
			c.Filter.UnchangedNames = &BloomFilterPayload{Bitmap: b.Bitmap, Padding: b.Padding, HashCount: b.HashCount}
		}
		return &ListenResponse{Change: c}, nil
	}
	return nil, fmt.Errorf("empty listen response")
}

func encodeWriteRequest(m *WriteRequest) (writeRequestJSON, error) {
	out := writeRequestJSON{Database: m.Database, StreamToken: m.StreamToken}
	for _, mut := range m.Writes {
		raw, err := model.MarshalMutation(mut)
		if err != nil {
			return out, err
		}
		out.Writes = append(out.Writes, raw)
	}
	return out, nil
}

func decodeWriteRequest(data []byte) (*WriteRequest, error) {
	var in writeRequestJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, err
	}
	out := &WriteRequest{Database: in.Database, StreamToken: in.StreamToken}
	for _, raw := range in.Writes {
		m, err := model.UnmarshalMutation(raw)
		if err != nil {
			return nil, err
		}
		out.Writes = append(out.Writes, m)
	}
	return out, nil
}

func encodeWriteResponse(m *WriteResponse) (writeResponseJSON, error) {
	out := writeResponseJSON{StreamToken: m.StreamToken, CommitTime: m.CommitTime}
	for _, r := range m.Results {
		rj := mutationResultJSON{Version: r.Version}
		for _, v := range r.TransformResults {
			raw, err := model.MarshalValue(v)
			if err != nil {
				return out, err
			}
			rj.TransformResults = append(rj.TransformResults, raw)
		}
		out.Results = append(out.Results, rj)
	}
	return out, nil
}

func decodeWriteResponse(data []byte) (*WriteResponse, error) {
	var in writeResponseJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, err
	}
	out := &WriteResponse{StreamToken: in.StreamToken, CommitTime: in.CommitTime}
	for _, rj := range in.Results {
		r := model.MutationResult{Version: rj.Version}
		for _, raw := range rj.TransformResults {
			v, err := model.UnmarshalValue(raw)
			if err != nil {
				return nil, err
			}
			r.TransformResults = append(r.TransformResults, v)
		}
		out.Results = append(out.Results, r)
	}
	return out, nil
}
