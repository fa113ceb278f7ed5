// Package qrcode encodes, decodes and authenticates the identity payloads
// printed on subject QR codes.
//
// Two issuers produce payloads: the admin-side generator writes the standard
// shape ({"id", ..., "hash"}) and older scanning clients write the legacy
// shape ({"studentId"|"employeeId", "type":"attendance", ...}). Both resolve
// to the same Identity. Codes without a digest are accepted as long as the
// four identity fields are present.
package qrcode

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrMalformedPayload     = errors.New("malformed qr payload")
	ErrIntegrityCheckFailed = errors.New("qr integrity check failed")
	ErrExpired              = errors.New("qr code expired")
	ErrMissingFields        = errors.New("qr payload missing identity fields")
)

// MissingFieldsError lists the identity fields that could not be resolved.
type MissingFieldsError struct {
	Fields []string
}

func (e *MissingFieldsError) Error() string {
	return fmt.Sprintf("%s: %s", ErrMissingFields, strings.Join(e.Fields, ", "))
}

func (e *MissingFieldsError) Unwrap() error { return ErrMissingFields }

// Shape identifies which issuer layout a payload used.
type Shape string

const (
	ShapeLegacy   Shape = "legacy"
	ShapeStandard Shape = "standard"
	ShapeBare     Shape = "bare"
	shapeUnknown  Shape = ""
)

const digestField = "hash"

// Identity is the canonical identity snapshot carried by a QR code.
type Identity struct {
	SubjectID string     `json:"subject_id"`
	Name      string     `json:"name"`
	Group     string     `json:"group"`
	Subgroup  string     `json:"subgroup"`
	IssuedAt  time.Time  `json:"issued_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Digest    string     `json:"-"`
	Shape     Shape      `json:"shape"`
}

// Codec signs and verifies payloads with a shared secret.
type Codec struct {
	secret []byte
	now    func() time.Time
}

// NewCodec creates a codec keyed by secret.
func NewCodec(secret string) *Codec {
	return &Codec{secret: []byte(secret), now: time.Now}
}

// WithClock overrides the clock used for expiry and default issue times.
func (c *Codec) WithClock(now func() time.Time) *Codec {
	c.now = now
	return c
}

// Decode parses raw, resolves its shape and verifies it.
func (c *Codec) Decode(raw string) (Identity, error) {
	fields, err := parsePayload(raw)
	if err != nil {
		return Identity{}, err
	}

	p := resolve(fields)

	if p.hasDigest {
		if p.digest == "" || !hmac.Equal([]byte(strings.ToLower(p.digest)), []byte(c.Sign(fields))) {
			return Identity{}, ErrIntegrityCheckFailed
		}
	}

	if p.badExpiry {
		return Identity{}, fmt.Errorf("%w: unreadable expiresAt %v", ErrMalformedPayload, fields["expiresAt"])
	}
	if p.expiresAt != nil && !c.now().Before(*p.expiresAt) {
		return Identity{}, ErrExpired
	}

	if missing := p.missing(); len(missing) > 0 {
		return Identity{}, &MissingFieldsError{Fields: missing}
	}

	return p.identity(), nil
}

// Sign returns the hex HMAC-SHA256 over every field except the digest itself.
func (c *Codec) Sign(fields map[string]any) string {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write(canonical(fields))
	return hex.EncodeToString(mac.Sum(nil))
}

func parsePayload(raw string) (map[string]any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrMalformedPayload
	}
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	var fields map[string]any
	if err := dec.Decode(&fields); err != nil || fields == nil {
		return nil, ErrMalformedPayload
	}
	if dec.More() {
		return nil, ErrMalformedPayload
	}
	return fields, nil
}

// canonical marshals fields without the digest; map keys come out sorted.
func canonical(fields map[string]any) []byte {
	rest := make(map[string]any, len(fields))
	for k, v := range fields {
		if k == digestField {
			continue
		}
		rest[k] = v
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(rest)
	return bytes.TrimRight(buf.Bytes(), "\n")
}

// payload is the shape-resolved view of a decoded field map.
type payload struct {
	shape     Shape
	subjectID string
	name      string
	group     string
	subgroup  string
	issuedAt  time.Time
	expiresAt *time.Time
	badExpiry bool
	hasDigest bool
	digest    string
}

// resolve performs shape detection once; nothing else inspects raw fields.
func resolve(fields map[string]any) payload {
	var p payload

	digest, hasDigest := fields[digestField]
	p.hasDigest = hasDigest
	p.digest = stringValue(digest)

	legacyID := firstString(fields, "studentId", "employeeId")
	switch {
	case stringValue(fields["type"]) == "attendance" && legacyID != "":
		p.shape = ShapeLegacy
		p.subjectID = legacyID
		p.name = firstString(fields, "name", "studentName", "employeeName", "fullName")
		p.issuedAt, _ = timeValue(firstValue(fields, "issuedAt", "timestamp"))
	case firstString(fields, "id") != "":
		p.shape = ShapeStandard
		if !hasDigest {
			p.shape = ShapeBare
		}
		p.subjectID = firstString(fields, "id")
		p.name = firstString(fields, "name")
		p.issuedAt, _ = timeValue(fields["issuedAt"])
	default:
		p.shape = shapeUnknown
		p.name = firstString(fields, "name")
	}

	p.group = firstString(fields, "class", "department", "group")
	p.subgroup = firstString(fields, "section", "position", "subgroup")

	if raw, present := fields["expiresAt"]; present && raw != nil && raw != "" {
		if exp, ok := timeValue(raw); ok {
			p.expiresAt = &exp
		} else {
			p.badExpiry = true
		}
	}
	return p
}

func (p payload) missing() []string {
	var out []string
	if p.subjectID == "" {
		out = append(out, "id")
	}
	if p.name == "" {
		out = append(out, "name")
	}
	if p.group == "" {
		out = append(out, "group")
	}
	if p.subgroup == "" {
		out = append(out, "subgroup")
	}
	return out
}

func (p payload) identity() Identity {
	return Identity{
		SubjectID: p.subjectID,
		Name:      p.name,
		Group:     p.group,
		Subgroup:  p.subgroup,
		IssuedAt:  p.issuedAt,
		ExpiresAt: p.expiresAt,
		Digest:    p.digest,
		Shape:     p.shape,
	}
}

func firstValue(fields map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := fields[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

func firstString(fields map[string]any, keys ...string) string {
	for _, k := range keys {
		if s := stringValue(fields[k]); s != "" {
			return s
		}
	}
	return ""
}

func stringValue(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	default:
		return ""
	}
}

// timeValue accepts RFC3339 strings or unix milliseconds.
func timeValue(v any) (time.Time, bool) {
	switch t := v.(type) {
	case string:
		if t == "" {
			return time.Time{}, false
		}
		parsed, err := time.Parse(time.RFC3339, t)
		if err != nil {
			return time.Time{}, false
		}
		return parsed, true
	case json.Number:
		ms, err := t.Int64()
		if err != nil {
			return time.Time{}, false
		}
		return time.UnixMilli(ms), true
	default:
		return time.Time{}, false
	}
}
