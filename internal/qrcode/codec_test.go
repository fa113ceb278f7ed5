package qrcode

import (
	"bytes"
	"encoding/json"
	"image/png"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2026, 10, 15, 7, 55, 0, 0, time.UTC)

func newTestCodec() *Codec {
	return NewCodec("test-secret").WithClock(func() time.Time { return fixedNow })
}

func signed(t *testing.T, c *Codec, fields map[string]any) string {
	t.Helper()
	fields["hash"] = c.Sign(fields)
	raw, err := json.Marshal(fields)
	require.NoError(t, err)
	return string(raw)
}

func TestDecodeShapesResolveToSameIdentity(t *testing.T) {
	c := newTestCodec()

	tests := []struct {
		name  string
		raw   string
		shape Shape
	}{
		{
			name:  "legacy student payload without digest",
			raw:   `{"studentId":"S-100","type":"attendance","name":"Ana Cruz","class":"Grade 5","section":"Rizal"}`,
			shape: ShapeLegacy,
		},
		{
			name: "standard payload with matching digest",
			raw: signed(t, c, map[string]any{
				"id": "S-100", "name": "Ana Cruz", "class": "Grade 5", "section": "Rizal",
				"issuedAt": "2026-09-01T00:00:00Z",
			}),
			shape: ShapeStandard,
		},
		{
			name:  "bare minimum printed code",
			raw:   `{"id":"S-100","name":"Ana Cruz","class":"Grade 5","section":"Rizal"}`,
			shape: ShapeBare,
		},
		{
			name:  "legacy employee payload uses department and position",
			raw:   `{"employeeId":"S-100","type":"attendance","name":"Ana Cruz","department":"Grade 5","position":"Rizal"}`,
			shape: ShapeLegacy,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := c.Decode(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.shape, id.Shape)
			assert.Equal(t, "S-100", id.SubjectID)
			assert.Equal(t, "Ana Cruz", id.Name)
			assert.Equal(t, "Grade 5", id.Group)
			assert.Equal(t, "Rizal", id.Subgroup)
		})
	}
}

func TestDecodeNumericLegacyID(t *testing.T) {
	id, err := newTestCodec().Decode(`{"studentId":20231,"type":"attendance","name":"Ben","class":"7","section":"B"}`)
	require.NoError(t, err)
	assert.Equal(t, "20231", id.SubjectID)
}

func TestDecodeTamperedFieldFailsIntegrity(t *testing.T) {
	c := newTestCodec()
	base := map[string]any{
		"id": "S-100", "name": "Ana Cruz", "class": "Grade 5", "section": "Rizal",
		"issuedAt": "2026-09-01T00:00:00Z",
	}

	for _, field := range []string{"id", "name", "class", "section", "issuedAt"} {
		t.Run(field, func(t *testing.T) {
			fields := map[string]any{}
			for k, v := range base {
				fields[k] = v
			}
			fields["hash"] = c.Sign(fields)
			fields[field] = "tampered"
			raw, err := json.Marshal(fields)
			require.NoError(t, err)

			_, err = c.Decode(string(raw))
			assert.ErrorIs(t, err, ErrIntegrityCheckFailed)
		})
	}
}

func TestDecodeWrongSecretFailsIntegrity(t *testing.T) {
	other := NewCodec("other-secret")
	raw := signed(t, other, map[string]any{"id": "S-1", "name": "A", "class": "1", "section": "A"})

	_, err := newTestCodec().Decode(raw)
	assert.ErrorIs(t, err, ErrIntegrityCheckFailed)
}

func TestDecodeEmptyDigestFailsIntegrity(t *testing.T) {
	_, err := newTestCodec().Decode(`{"id":"S-1","name":"A","class":"1","section":"A","hash":""}`)
	assert.ErrorIs(t, err, ErrIntegrityCheckFailed)
}

func TestDecodeMalformed(t *testing.T) {
	for _, raw := range []string{"", "not json", "[1,2]", `"string"`, `{"id":"x"} trailing`} {
		_, err := newTestCodec().Decode(raw)
		assert.ErrorIs(t, err, ErrMalformedPayload, raw)
	}
}

func TestDecodeExpired(t *testing.T) {
	c := newTestCodec()
	raw := signed(t, c, map[string]any{
		"id": "S-1", "name": "A", "class": "1", "section": "A",
		"expiresAt": fixedNow.Add(-time.Minute).Format(time.RFC3339),
	})

	_, err := c.Decode(raw)
	assert.ErrorIs(t, err, ErrExpired)

	raw = signed(t, c, map[string]any{
		"id": "S-1", "name": "A", "class": "1", "section": "A",
		"expiresAt": fixedNow.Add(time.Hour).Format(time.RFC3339),
	})
	id, err := c.Decode(raw)
	require.NoError(t, err)
	require.NotNil(t, id.ExpiresAt)
}

func TestDecodeUnreadableExpiryIsMalformed(t *testing.T) {
	c := newTestCodec()
	for _, exp := range []any{"tomorrow", true, map[string]any{"at": 1}} {
		raw := signed(t, c, map[string]any{
			"id": "S-1", "name": "A", "class": "1", "section": "A",
			"expiresAt": exp,
		})
		_, err := c.Decode(raw)
		assert.ErrorIs(t, err, ErrMalformedPayload, "%v", exp)
	}
}

func TestDecodeMissingFields(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want []string
	}{
		{"no section", `{"id":"S-1","name":"A","class":"1"}`, []string{"subgroup"}},
		{"legacy without class or section", `{"studentId":"S-1","type":"attendance","name":"A"}`, []string{"group", "subgroup"}},
		{"unknown shape", `{"foo":"bar"}`, []string{"id", "name", "group", "subgroup"}},
		{"legacy wrong type", `{"studentId":"S-1","type":"visitor","name":"A","class":"1","section":"B"}`, []string{"id"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newTestCodec().Decode(tt.raw)
			require.ErrorIs(t, err, ErrMissingFields)

			var mf *MissingFieldsError
			require.ErrorAs(t, err, &mf)
			assert.Equal(t, tt.want, mf.Fields)
		})
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	c := newTestCodec()
	id := Identity{
		SubjectID: "S-100", Name: "Ana Cruz", Group: "Grade 5", Subgroup: "Rizal",
		IssuedAt: time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC),
	}

	first, err := c.Encode(id, OptionsScreen)
	require.NoError(t, err)
	second, err := c.Encode(id, OptionsScreen)
	require.NoError(t, err)
	assert.Equal(t, first.Payload, second.Payload)

	decoded, err := c.Decode(first.Payload)
	require.NoError(t, err)
	assert.Equal(t, ShapeStandard, decoded.Shape)
	assert.Equal(t, id.SubjectID, decoded.SubjectID)
	assert.True(t, id.IssuedAt.Equal(decoded.IssuedAt))

	img, err := png.Decode(bytes.NewReader(first.PNG))
	require.NoError(t, err)
	assert.Equal(t, OptionsScreen.Size, img.Bounds().Dx())
	assert.Equal(t, OptionsScreen.Size, img.Bounds().Dy())
}

func TestEncodePrintVariant(t *testing.T) {
	enc, err := newTestCodec().Encode(Identity{SubjectID: "E-7", Name: "Cara", Group: "Ops", Subgroup: "Lead"}, OptionsPrint)
	require.NoError(t, err)

	img, err := png.Decode(bytes.NewReader(enc.PNG))
	require.NoError(t, err)
	assert.Equal(t, OptionsPrint.Size, img.Bounds().Dx())
}

func TestEncodeRejectsIncompleteIdentity(t *testing.T) {
	_, err := newTestCodec().Encode(Identity{SubjectID: "S-1"}, OptionsScreen)
	assert.Error(t, err)

	_, err = newTestCodec().Encode(Identity{SubjectID: "S-1", Name: "A", Group: "1", Subgroup: "A"}, EncodeOptions{Level: "Z"})
	assert.Error(t, err)
}
