// Package events defines the citation events pushed to reference-list clients
// and the Redis-backed bus that carries them from the ingest workers to the
// websocket connections.
package events

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrMalformed is wrapped by every Decode failure.
var ErrMalformed = errors.New("malformed citation event")

type Kind string

const (
	KindCreated   Kind = "created"
	KindDuplicate Kind = "duplicate"
)

// Envelope is the JSON message pushed for every processed upload. Exactly one of
// CreatedCitation and DupeCitation is set.
type Envelope struct {
	CreatedCitation *Citation `json:"created_citation,omitempty"`
	DupeCitation    *Citation `json:"dupe_citation,omitempty"`
	CorrelationID   string    `json:"correlation_id,omitempty"`
}

// Citation is a finalized reference record as the server exposes it.
type Citation struct {
	ID             string    `json:"id"`
	CitationType   string    `json:"citation_type"`
	OrganizationID string    `json:"organization_id,omitempty"`
	ProjectID      string    `json:"project_id,omitempty"`
	Fields         Fields    `json:"fields"`
	CreatedBy      string    `json:"created_by,omitempty"`
	Created        time.Time `json:"created_date,omitempty"`

	// Raw is the record exactly as a client received it. Servers leave it nil.
	Raw json.RawMessage `json:"-"`
}

// Fields holds the citation metadata. Title is the only field clients rely on;
// everything the server does not model explicitly travels in Extra. Decode
// fills the other fields only when the record matches these types.
type Fields struct {
	Title     string         `json:"title"`
	Creators  []string       `json:"creators,omitempty"`
	Abstract  string         `json:"abstract,omitempty"`
	PageCount int            `json:"page_count,omitempty"`
	DOI       string         `json:"doi,omitempty"`
	Extra     map[string]any `json:"extra,omitempty"`
}

func Created(citation Citation, correlationID string) Envelope {
	return Envelope{CreatedCitation: &citation, CorrelationID: correlationID}
}

func Duplicate(existing Citation, correlationID string) Envelope {
	return Envelope{DupeCitation: &existing, CorrelationID: correlationID}
}

func (e Envelope) Kind() Kind {
	if e.DupeCitation != nil {
		return KindDuplicate
	}
	return KindCreated
}

// Title returns the title shown to the user, preferring the duplicate record and
// falling back to the created one.
func (e Envelope) Title() string {
	if e.DupeCitation != nil && e.DupeCitation.Fields.Title != "" {
		return e.DupeCitation.Fields.Title
	}
	if e.CreatedCitation != nil {
		return e.CreatedCitation.Fields.Title
	}
	return ""
}

func (e Envelope) Encode() ([]byte, error) {
	if err := e.validate(); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return payload, nil
}

type rawEnvelope struct {
	CreatedCitation json.RawMessage `json:"created_citation"`
	DupeCitation    json.RawMessage `json:"dupe_citation"`
	CorrelationID   *string         `json:"correlation_id"`
}

type rawCitation struct {
	ID     json.RawMessage            `json:"id"`
	Fields map[string]json.RawMessage `json:"fields"`
}

// Decode parses and validates a pushed message. Only the discriminator and the
// title are checked; the rest of the record is kept as sent in Citation.Raw
// and mapped onto the typed fields when it fits them.
func Decode(data []byte) (Envelope, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Envelope{}, fmt.Errorf("%w: not a JSON object", ErrMalformed)
	}

	var raw rawEnvelope
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	hasCreated := present(raw.CreatedCitation)
	hasDupe := present(raw.DupeCitation)
	if !hasCreated && !hasDupe {
		return Envelope{}, fmt.Errorf("%w: no created_citation or dupe_citation", ErrMalformed)
	}

	var env Envelope
	if raw.CorrelationID != nil {
		env.CorrelationID = *raw.CorrelationID
	}
	if hasDupe {
		// Any non-null dupe_citation marks a duplicate. A bare flag carries no
		// record, so the title then comes from created_citation.
		dupe := Citation{Raw: append(json.RawMessage(nil), raw.DupeCitation...)}
		if isObject(raw.DupeCitation) {
			citation, err := decodeCitation("dupe_citation", raw.DupeCitation, false)
			if err != nil {
				return Envelope{}, err
			}
			dupe = citation
		}
		env.DupeCitation = &dupe
		if hasCreated && isObject(raw.CreatedCitation) {
			if created, err := decodeCitation("created_citation", raw.CreatedCitation, true); err == nil {
				env.CreatedCitation = &created
			}
		}
		return env, nil
	}

	if !isObject(raw.CreatedCitation) {
		return Envelope{}, fmt.Errorf("%w: created_citation is not an object", ErrMalformed)
	}
	citation, err := decodeCitation("created_citation", raw.CreatedCitation, true)
	if err != nil {
		return Envelope{}, err
	}
	env.CreatedCitation = &citation
	return env, nil
}

func decodeCitation(key string, data json.RawMessage, requireFields bool) (Citation, error) {
	var probe rawCitation
	if err := json.Unmarshal(data, &probe); err != nil {
		return Citation{}, fmt.Errorf("%w: %s: %v", ErrMalformed, key, err)
	}
	if requireFields && probe.Fields == nil {
		return Citation{}, fmt.Errorf("%w: %s.fields missing", ErrMalformed, key)
	}
	var title string
	if raw, ok := probe.Fields["title"]; ok && present(raw) {
		if err := json.Unmarshal(raw, &title); err != nil {
			return Citation{}, fmt.Errorf("%w: %s.fields.title is not a string", ErrMalformed, key)
		}
	}

	type plain Citation
	var wire struct {
		plain
		ID json.RawMessage `json:"id"`
	}
	citation := Citation{Fields: Fields{Title: title}}
	if err := json.Unmarshal(data, &wire); err == nil {
		citation = Citation(wire.plain)
	}
	// A non-scalar id is treated as absent; the ledger keeps the placeholder id.
	citation.ID, _ = citationID(probe.ID)
	citation.Fields.Title = title
	citation.Raw = append(json.RawMessage(nil), data...)
	return citation, nil
}

// citationID accepts string ids and the numeric ids older servers emit.
func citationID(raw json.RawMessage) (string, error) {
	if !present(raw) {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", errors.New("must be a string or number")
	}
	return n.String(), nil
}

func (e Envelope) validate() error {
	if e.CreatedCitation == nil && e.DupeCitation == nil {
		return fmt.Errorf("%w: empty envelope", ErrMalformed)
	}
	if e.DupeCitation == nil && e.CreatedCitation.ID == "" {
		return fmt.Errorf("%w: created_citation.id missing", ErrMalformed)
	}
	return nil
}

func isObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '{'
}

func present(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}
