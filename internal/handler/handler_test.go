package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"image/png"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qrattendance/internal/attendance"
	"qrattendance/internal/auth"
	"qrattendance/internal/cloudinary"
	"qrattendance/internal/directory"
	"qrattendance/internal/notify"
	"qrattendance/internal/qrcode"
	"qrattendance/internal/queue"
	"qrattendance/internal/sweep"
)

const (
	signingKey = "test-key"
	issuer     = "test"
)

type fakeImages struct{ uploaded []string }

func (f *fakeImages) UploadPNG(_ context.Context, _ []byte, publicID string) (*cloudinary.UploadResult, error) {
	f.uploaded = append(f.uploaded, publicID)
	return &cloudinary.UploadResult{PublicID: publicID, SecureURL: "https://cdn.example.com/" + publicID + ".png"}, nil
}

type server struct {
	router  *gin.Engine
	codec   *qrcode.Codec
	records *attendance.MemoryStore
	images  *fakeImages
	scanner string
	admin   string
}

func newServer(t *testing.T) *server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	loc := time.UTC
	codec := qrcode.NewCodec("qr-secret")
	dir := directory.NewMemoryDirectory(
		directory.Subject{ID: "S1", DisplayName: "Ana Cruz", Group: "Grade 5", Subgroup: "Rizal", ContactPhone: "+631", Active: true},
		directory.Subject{ID: "S2", DisplayName: "Ben Reyes", Group: "Grade 5", Subgroup: "Rizal", Active: true},
		directory.Subject{ID: "S3", DisplayName: "Old Student", Group: "Grade 6", Subgroup: "Luna", Active: false},
	)
	records := attendance.NewMemoryStore()
	scans := attendance.NewService(records, codec, dir, queue.NewInMemory(16), attendance.Options{Location: loc})
	dispatcher := notify.NewDispatcher(notify.NewMemoryStore(), &notify.ConsoleSMS{}, &notify.ConsoleEmail{}, notify.Config{})
	sweeper := sweep.NewSweeper(records, dir, notify.NewRecordNotifier(dispatcher, records, loc, "09:30"), dispatcher, loc)
	scheduler, err := sweep.NewScheduler(sweeper, sweep.SchedulerConfig{Location: loc, Weekdays: "1-5"})
	require.NoError(t, err)
	images := &fakeImages{}

	r := gin.New()
	v1 := r.Group("/v1", auth.StaffAuth(signingKey, issuer))
	New(Deps{
		Scans:      scans,
		Sweeper:    sweeper,
		Scheduler:  scheduler,
		Dispatcher: dispatcher,
		Directory:  dir,
		Codec:      codec,
		Images:     images,
	}).Register(v1)

	scanner, err := auth.Issue("guard-1", auth.RoleScanner, issuer, signingKey, time.Hour)
	require.NoError(t, err)
	admin, err := auth.Issue("head-1", auth.RoleAdmin, issuer, signingKey, time.Hour)
	require.NoError(t, err)

	return &server{router: r, codec: codec, records: records, images: images, scanner: scanner.AccessToken, admin: admin.AccessToken}
}

func (s *server) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *server) payload(t *testing.T, id string) string {
	t.Helper()
	fields := map[string]any{"id": id, "name": "x", "class": "Grade 5", "section": "Rizal"}
	fields["hash"] = s.codec.Sign(fields)
	raw, err := json.Marshal(fields)
	require.NoError(t, err)
	return string(raw)
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestScanCreatedThenDuplicate(t *testing.T) {
	s := newServer(t)
	body := gin.H{"qr_payload": s.payload(t, "S1"), "location": "Main Gate", "geo": gin.H{"lat": 14.6, "lng": 121.0}}

	w := s.do(t, http.MethodPost, "/v1/scans", s.scanner, body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	res := decode(t, w)
	record := res["record"].(map[string]any)
	assert.Equal(t, "guard-1", record["recorded_by"])
	assert.Equal(t, "Main Gate", record["location"])
	assert.Equal(t, 14.6, record["latitude"])

	w = s.do(t, http.MethodPost, "/v1/scans", s.scanner, body)
	require.Equal(t, http.StatusConflict, w.Code)
	res = decode(t, w)
	assert.Equal(t, "DuplicateScan", res["kind"])
	assert.Equal(t, record["id"], res["existing"].(map[string]any)["id"])
}

func TestScanErrorStatuses(t *testing.T) {
	s := newServer(t)

	tampered := map[string]any{"id": "S1", "name": "x", "class": "Grade 5", "section": "Rizal", "hash": "deadbeef"}
	tamperedRaw, _ := json.Marshal(tampered)

	tests := []struct {
		name    string
		payload string
		status  int
		kind    string
	}{
		{"malformed", "{{{", http.StatusBadRequest, "MalformedPayload"},
		{"missing fields", `{"id":"S1"}`, http.StatusBadRequest, "MissingFields"},
		{"tampered", string(tamperedRaw), http.StatusUnauthorized, "IntegrityCheckFailed"},
		{"unknown subject", s.payload(t, "S404"), http.StatusNotFound, "SubjectNotFound"},
		{"inactive subject", s.payload(t, "S3"), http.StatusForbidden, "SubjectInactive"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(t, http.MethodPost, "/v1/scans", s.scanner, gin.H{"qr_payload": tt.payload})
			assert.Equal(t, tt.status, w.Code, w.Body.String())
			assert.Equal(t, tt.kind, decode(t, w)["kind"])
		})
	}

	w := s.do(t, http.MethodPost, "/v1/scans", s.scanner, gin.H{"qr_payload": s.payload(t, "S1"), "scanned_at": time.Now().Add(time.Hour)})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = s.do(t, http.MethodPost, "/v1/scans", s.scanner, gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAbsenteesAndSweep(t *testing.T) {
	s := newServer(t)
	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/v1/scans", s.scanner, gin.H{"qr_payload": s.payload(t, "S1")}).Code)

	w := s.do(t, http.MethodGet, "/v1/absentees", s.scanner, nil)
	require.Equal(t, http.StatusOK, w.Code)
	res := decode(t, w)
	assert.EqualValues(t, 1, res["count"])

	assert.Equal(t, http.StatusForbidden, s.do(t, http.MethodPost, "/v1/absentees/check", s.scanner, nil).Code)

	w = s.do(t, http.MethodPost, "/v1/absentees/check", s.admin, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	sum := decode(t, w)
	assert.EqualValues(t, 1, sum["records_created"])

	w = s.do(t, http.MethodGet, "/v1/absentees?date=bogus", s.scanner, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodGet, "/v1/schedule", s.scanner, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "30 9 * * 1-5", decode(t, w)["cron_expression"])
}

func TestRecordsAndInvalidate(t *testing.T) {
	s := newServer(t)
	w := s.do(t, http.MethodPost, "/v1/scans", s.scanner, gin.H{"qr_payload": s.payload(t, "S1")})
	require.Equal(t, http.StatusCreated, w.Code)
	id := decode(t, w)["record"].(map[string]any)["id"].(string)

	w = s.do(t, http.MethodGet, "/v1/records?subject_id=S1", s.scanner, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["records"], 1)

	path := "/v1/records/" + id + "/invalidate"
	assert.Equal(t, http.StatusForbidden, s.do(t, http.MethodPost, path, s.scanner, gin.H{"reason": "x"}).Code)
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPost, path, s.admin, gin.H{}).Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodPost, "/v1/records/nope/invalidate", s.admin, gin.H{"reason": "x"}).Code)

	w = s.do(t, http.MethodPost, path, s.admin, gin.H{"reason": "wrong card"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, decode(t, w)["is_valid_scan"])
}

func TestBulkNotify(t *testing.T) {
	s := newServer(t)
	w := s.do(t, http.MethodPost, "/v1/notifications/bulk", s.admin, gin.H{
		"subject_ids": []string{"S1", "S404", "S2"},
		"subject":     "Early dismissal",
		"message":     "Classes end at noon today.",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var res struct {
		Results []notify.BulkResult `json:"results"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	require.Len(t, res.Results, 3)
	assert.Equal(t, notify.OverallSent, res.Results[0].Status)
	assert.Equal(t, "S404", res.Results[1].SubjectID)
	assert.NotEmpty(t, res.Results[1].Error)
	assert.Contains(t, res.Results[2].Error, notify.ErrNoDeliverableChannel.Error())
}

func TestQRCode(t *testing.T) {
	s := newServer(t)

	w := s.do(t, http.MethodGet, "/v1/subjects/S1/qrcode?variant=print", s.scanner, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/png", w.Header().Get("Content-Type"))
	img, err := png.Decode(bytes.NewReader(w.Body.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, 600, img.Bounds().Dx())

	w = s.do(t, http.MethodGet, "/v1/subjects/S1/qrcode?upload=true", s.scanner, nil)
	require.Equal(t, http.StatusOK, w.Code)
	res := decode(t, w)
	assert.Equal(t, "https://cdn.example.com/qr-S1-screen.png", res["url"])
	assert.Equal(t, []string{"qr-S1-screen"}, s.images.uploaded)

	id, err := s.codec.Decode(res["payload"].(string))
	require.NoError(t, err)
	assert.Equal(t, "S1", id.SubjectID)

	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodGet, "/v1/subjects/S1/qrcode?variant=poster", s.scanner, nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/v1/subjects/S404/qrcode", s.scanner, nil).Code)
}

func TestRequiresToken(t *testing.T) {
	s := newServer(t)
	w := s.do(t, http.MethodGet, "/v1/records", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
