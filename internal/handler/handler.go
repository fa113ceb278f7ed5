// Package handler exposes the attendance operations over HTTP.
package handler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"qrattendance/internal/attendance"
	"qrattendance/internal/auth"
	"qrattendance/internal/cloudinary"
	"qrattendance/internal/directory"
	"qrattendance/internal/notify"
	"qrattendance/internal/qrcode"
	"qrattendance/internal/sweep"
)

// ImageHost stores rendered QR images and returns their public location.
type ImageHost interface {
	UploadPNG(ctx context.Context, png []byte, publicID string) (*cloudinary.UploadResult, error)
}

// Deps are the services the handlers call.
type Deps struct {
	Scans      *attendance.Service
	Sweeper    *sweep.Sweeper
	Scheduler  *sweep.Scheduler
	Dispatcher *notify.Dispatcher
	Directory  directory.Directory
	Codec      *qrcode.Codec
	Images     ImageHost // optional
}

// Handler serves the /v1 API.
type Handler struct {
	Deps
}

// New creates a handler.
func New(d Deps) *Handler {
	return &Handler{Deps: d}
}

// Register mounts the routes on rg, which must already carry StaffAuth.
func (h *Handler) Register(rg gin.IRouter) {
	admin := auth.RequireRole(auth.RoleAdmin)

	rg.POST("/scans", h.scan)
	rg.GET("/records", h.listRecords)
	rg.POST("/records/:id/invalidate", admin, h.invalidate)
	rg.GET("/absentees", h.absentees)
	rg.POST("/absentees/check", admin, h.checkAbsentees)
	rg.GET("/schedule", h.schedule)
	rg.POST("/notifications/bulk", admin, h.bulkNotify)
	rg.GET("/subjects/:id/qrcode", h.qrcode)
}

type scanRequest struct {
	QRPayload string     `json:"qr_payload" binding:"required"`
	Location  string     `json:"location"`
	Notes     string     `json:"notes"`
	ScannedAt *time.Time `json:"scanned_at"`
	Geo       *struct {
		Lat float64 `json:"lat"`
		Lng float64 `json:"lng"`
	} `json:"geo"`
}

func (h *Handler) scan(c *gin.Context) {
	var req scanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "kind": "BadRequest"})
		return
	}
	claims, _ := auth.FromContext(c)

	in := attendance.ScanRequest{
		Payload:    req.QRPayload,
		Location:   req.Location,
		Notes:      req.Notes,
		RecordedBy: claims.StaffID(),
	}
	if req.ScannedAt != nil {
		in.ScannedAt = *req.ScannedAt
	}
	if req.Geo != nil {
		lat, lng := req.Geo.Lat, req.Geo.Lng
		in.Latitude, in.Longitude = &lat, &lng
	}

	res, err := h.Scans.Scan(c.Request.Context(), in)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

func (h *Handler) listRecords(c *gin.Context) {
	f := attendance.RecordFilter{
		Date:      c.Query("date"),
		SubjectID: c.Query("subject_id"),
		Limit:     queryInt(c, "limit", 50),
		Offset:    queryInt(c, "offset", 0),
	}
	records, err := h.Scans.ListRecords(c.Request.Context(), f)
	if err != nil {
		h.fail(c, err)
		return
	}
	if records == nil {
		records = []attendance.Record{}
	}
	c.JSON(http.StatusOK, gin.H{"records": records})
}

func (h *Handler) invalidate(c *gin.Context) {
	var req struct {
		Reason string `json:"reason" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "kind": "BadRequest"})
		return
	}
	rec, err := h.Scans.Invalidate(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *Handler) absentees(c *gin.Context) {
	date := c.Query("date")
	subjects, err := h.Sweeper.Absentees(c.Request.Context(), date)
	if err != nil {
		h.fail(c, err)
		return
	}
	if date == "" {
		date = attendance.DateKey(time.Now(), h.Scans.Location())
	}
	c.JSON(http.StatusOK, gin.H{"date": date, "count": len(subjects), "subjects": subjects})
}

func (h *Handler) checkAbsentees(c *gin.Context) {
	sum, err := h.Scheduler.Trigger(context.WithoutCancel(c.Request.Context()))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sum)
}

func (h *Handler) schedule(c *gin.Context) {
	c.JSON(http.StatusOK, h.Scheduler.Info())
}

func (h *Handler) bulkNotify(c *gin.Context) {
	var req struct {
		SubjectIDs []string `json:"subject_ids" binding:"required,min=1"`
		Subject    string   `json:"subject"`
		Message    string   `json:"message" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "kind": "BadRequest"})
		return
	}

	ctx := c.Request.Context()
	results := make([]notify.BulkResult, len(req.SubjectIDs))
	var (
		recipients []notify.Recipient
		positions  []int
	)
	for i, id := range req.SubjectIDs {
		subject, err := h.Directory.FindSubjectByID(ctx, id)
		if err != nil {
			results[i] = notify.BulkResult{SubjectID: id, Error: err.Error()}
			continue
		}
		recipients = append(recipients, notify.RecipientFor(subject))
		positions = append(positions, i)
	}

	msg := notify.Message{Kind: notify.KindBulk, Subject: req.Subject, Text: req.Message}
	for i, res := range h.Dispatcher.BulkSend(ctx, recipients, msg) {
		results[positions[i]] = res
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}

func (h *Handler) qrcode(c *gin.Context) {
	ctx := c.Request.Context()
	subject, err := h.Directory.FindSubjectByID(ctx, c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}

	variant := c.DefaultQuery("variant", "screen")
	opts := qrcode.OptionsScreen
	switch variant {
	case "screen":
	case "print":
		opts = qrcode.OptionsPrint
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "variant must be screen or print", "kind": "BadRequest"})
		return
	}

	enc, err := h.Codec.Encode(qrcode.Identity{
		SubjectID: subject.ID,
		Name:      subject.DisplayName,
		Group:     subject.Group,
		Subgroup:  subject.Subgroup,
	}, opts)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error(), "kind": "IncompleteIdentity"})
		return
	}

	if c.Query("upload") != "true" {
		c.Data(http.StatusOK, "image/png", enc.PNG)
		return
	}
	if h.Images == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "image storage not configured"})
		return
	}
	up, err := h.Images.UploadPNG(ctx, enc.PNG, fmt.Sprintf("qr-%s-%s", subject.ID, variant))
	if err != nil {
		log.Printf("[http] qr upload for %s failed: %v", subject.ID, err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "image upload failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": up.SecureURL, "public_id": up.PublicID, "payload": enc.Payload})
}

// StatusFor maps domain errors to HTTP status codes.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, qrcode.ErrMalformedPayload), errors.Is(err, qrcode.ErrMissingFields):
		return http.StatusBadRequest
	case errors.Is(err, qrcode.ErrIntegrityCheckFailed):
		return http.StatusUnauthorized
	case errors.Is(err, qrcode.ErrExpired):
		return http.StatusGone
	case errors.Is(err, directory.ErrSubjectNotFound), errors.Is(err, attendance.ErrRecordNotFound):
		return http.StatusNotFound
	case errors.Is(err, directory.ErrSubjectInactive):
		return http.StatusForbidden
	case errors.Is(err, attendance.ErrInvalidScanTime):
		return http.StatusUnprocessableEntity
	case errors.Is(err, attendance.ErrDuplicateScan), errors.Is(err, sweep.ErrSweepInProgress):
		return http.StatusConflict
	case errors.Is(err, sweep.ErrInvalidDate), errors.Is(err, attendance.ErrReasonRequired):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) fail(c *gin.Context, err error) {
	status := StatusFor(err)
	if status == http.StatusInternalServerError {
		log.Printf("[http] %s %s: %v", c.Request.Method, c.FullPath(), err)
		c.JSON(status, gin.H{"error": "internal error", "kind": "Internal"})
		return
	}

	kind := attendance.Kind(err)
	switch {
	case errors.Is(err, sweep.ErrSweepInProgress):
		kind = "SweepInProgress"
	case errors.Is(err, sweep.ErrInvalidDate):
		kind = "BadRequest"
	}
	body := gin.H{"error": err.Error(), "kind": kind}

	var dup *attendance.DuplicateScanError
	if errors.As(err, &dup) && dup.Existing != nil {
		body["existing"] = dup.Existing
	}
	var missing *qrcode.MissingFieldsError
	if errors.As(err, &missing) {
		body["missing"] = missing.Fields
	}
	c.JSON(status, body)
}

func queryInt(c *gin.Context, key string, fallback int) int {
	if v := c.Query(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return fallback
}
