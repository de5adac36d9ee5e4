package priorauth

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/priorauth/internal/platform/auth"
	"github.com/ehr/priorauth/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("", auth.RequireAuthenticated())

	g.POST("/prior-auth", h.Submit)
	g.GET("/prior-auth/:id", h.GetStatus)
	g.GET("/prior-auth/:id/detail", h.GetRequest)
	g.POST("/prior-auth/:id/documents", h.AttachDocument)
	g.GET("/prior-auth/:id/documents", h.ListDocuments)
	g.POST("/prior-auth/:id/review", h.Review)
	g.POST("/prior-auth/:id/peer-to-peer", h.RequestPeerToPeer)
	g.PUT("/prior-auth/:id/peer-to-peer", h.SchedulePeerToPeer)
	g.GET("/prior-auth/:id/peer-to-peer", h.GetPeerToPeer)
	g.POST("/prior-auth/:id/appeals", h.Appeal)
	g.GET("/prior-auth/:id/appeals", h.ListAppeals)
	g.GET("/prior-auth-appeals/:appealId", h.GetAppeal)
	g.POST("/prior-auth/:id/expedite", h.Expedite)
	g.POST("/prior-auth/:id/extension", h.Extend)
	g.GET("/prior-auth/:id/extension", h.GetExtension)
	g.POST("/prior-auth/:id/usage", h.TrackUsage)
	g.GET("/prior-auth/:id/usage", h.ListUsage)
	g.GET("/providers/:provider/prior-auth", h.ListByProvider)
	g.GET("/patients/:patient/prior-auth", h.ListByPatient)
}

// -- request bodies --

type submitBody struct {
	ProviderID                string   `json:"provider_id"`
	PatientID                 string   `json:"patient_id"`
	PolicyID                  uint64   `json:"policy_id"`
	AuthorizationType         string   `json:"authorization_type"`
	RequestedService          string   `json:"requested_service"`
	ServiceCodes              []string `json:"service_codes"`
	DiagnosisCodes            []string `json:"diagnosis_codes"`
	ClinicalJustificationHash Hash     `json:"clinical_justification_hash"`
	Urgency                   string   `json:"urgency"`
}

type documentBody struct {
	DocumentHash Hash   `json:"document_hash"`
	DocumentType string `json:"document_type"`
}

type reviewBody struct {
	Decision      string     `json:"decision"`
	ApprovedUnits *uint32    `json:"approved_units"`
	ValidFrom     *time.Time `json:"valid_from"`
	ValidUntil    *time.Time `json:"valid_until"`
	Notes         string     `json:"review_notes"`
}

type peerToPeerBody struct {
	RequestedDate  time.Time `json:"requested_date"`
	PreferredTimes []string  `json:"preferred_times"`
}

type scheduleBody struct {
	ScheduledTime   time.Time `json:"scheduled_time"`
	MedicalDirector string    `json:"medical_director"`
}

type appealBody struct {
	Level                  uint32 `json:"appeal_level"`
	ReasonHash             Hash   `json:"appeal_reason_hash"`
	AdditionalEvidenceHash *Hash  `json:"additional_evidence_hash"`
}

type expediteBody struct {
	Justification       string    `json:"urgency_justification"`
	ExpectedServiceDate time.Time `json:"expected_service_date"`
}

type extensionBody struct {
	Reason          string `json:"extension_reason"`
	AdditionalUnits uint32 `json:"requested_additional_units"`
}

type usageBody struct {
	Units       uint32    `json:"units_used"`
	ServiceDate time.Time `json:"service_date"`
}

// -- helpers --

func callerFrom(c echo.Context) Caller {
	p, _ := auth.PrincipalFromContext(c.Request().Context())
	return Caller{ID: p.ID, Roles: p.Roles}
}

func requestID(c echo.Context) (uint64, error) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

// bind decodes the request body. Field values that fail validation while
// decoding (hashes, timestamps) are InvalidRequest; anything else is a 400.
func bind(c echo.Context, v interface{}) error {
	err := c.Bind(v)
	if err == nil {
		return nil
	}
	var domainErr *Error
	if errors.As(err, &domainErr) {
		return errorResponse(domainErr)
	}
	var timeErr *time.ParseError
	if errors.As(err, &timeErr) {
		return errorResponse(invalidf("invalid timestamp %q: want RFC3339", timeErr.Value))
	}
	return echo.NewHTTPError(http.StatusBadRequest, map[string]string{
		"code":    string(CodeInvalidRequest),
		"message": "malformed request body",
	}).SetInternal(err)
}

// errorResponse renders a service error with its symbolic code.
func errorResponse(err error) error {
	code := CodeOf(err)
	if code == "" {
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error").SetInternal(err)
	}
	return echo.NewHTTPError(HTTPStatus(err), map[string]string{
		"code":    string(code),
		"message": err.Error(),
	})
}

// -- lifecycle --

func (h *Handler) Submit(c echo.Context) error {
	var body submitBody
	if err := bind(c, &body); err != nil {
		return err
	}
	id, err := h.svc.Submit(c.Request().Context(), callerFrom(c), SubmitInput{
		ProviderID:                body.ProviderID,
		PatientID:                 body.PatientID,
		PolicyID:                  body.PolicyID,
		AuthorizationType:         body.AuthorizationType,
		RequestedService:          body.RequestedService,
		ServiceCodes:              body.ServiceCodes,
		DiagnosisCodes:            body.DiagnosisCodes,
		ClinicalJustificationHash: body.ClinicalJustificationHash,
		Urgency:                   body.Urgency,
	})
	if err != nil {
		return errorResponse(err)
	}
	c.Response().Header().Set("Location", "/api/v1/prior-auth/"+strconv.FormatUint(id, 10))
	return c.JSON(http.StatusCreated, map[string]uint64{"auth_request_id": id})
}

func (h *Handler) GetStatus(c echo.Context) error {
	id, err := requestID(c)
	if err != nil {
		return err
	}
	info, err := h.svc.GetStatus(c.Request().Context(), callerFrom(c), id)
	if err != nil {
		return errorResponse(err)
	}
	return c.JSON(http.StatusOK, info)
}

func (h *Handler) GetRequest(c echo.Context) error {
	id, err := requestID(c)
	if err != nil {
		return err
	}
	req, err := h.svc.GetRequest(c.Request().Context(), callerFrom(c), id)
	if err != nil {
		return errorResponse(err)
	}
	return c.JSON(http.StatusOK, req)
}

func (h *Handler) AttachDocument(c echo.Context) error {
	id, err := requestID(c)
	if err != nil {
		return err
	}
	var body documentBody
	if err := bind(c, &body); err != nil {
		return err
	}
	if err := h.svc.AttachDocument(c.Request().Context(), callerFrom(c), id, body.DocumentHash, body.DocumentType); err != nil {
		return errorResponse(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) ListDocuments(c echo.Context) error {
	id, err := requestID(c)
	if err != nil {
		return err
	}
	docs, err := h.svc.ListDocuments(c.Request().Context(), callerFrom(c), id)
	if err != nil {
		return errorResponse(err)
	}
	return c.JSON(http.StatusOK, docs)
}

func (h *Handler) Review(c echo.Context) error {
	id, err := requestID(c)
	if err != nil {
		return err
	}
	var body reviewBody
	if err := bind(c, &body); err != nil {
		return err
	}
	decision, err := ParseDecision(body.Decision)
	if err != nil {
		return errorResponse(err)
	}
	err = h.svc.Review(c.Request().Context(), callerFrom(c), id, ReviewInput{
		Decision:      decision,
		ApprovedUnits: body.ApprovedUnits,
		ValidFrom:     body.ValidFrom,
		ValidUntil:    body.ValidUntil,
		Notes:         body.Notes,
	})
	if err != nil {
		return errorResponse(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) Expedite(c echo.Context) error {
	id, err := requestID(c)
	if err != nil {
		return err
	}
	var body expediteBody
	if err := bind(c, &body); err != nil {
		return err
	}
	if err := h.svc.Expedite(c.Request().Context(), callerFrom(c), id, body.Justification, body.ExpectedServiceDate); err != nil {
		return errorResponse(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// -- peer-to-peer --

func (h *Handler) RequestPeerToPeer(c echo.Context) error {
	id, err := requestID(c)
	if err != nil {
		return err
	}
	var body peerToPeerBody
	if err := bind(c, &body); err != nil {
		return err
	}
	if err := h.svc.RequestPeerToPeer(c.Request().Context(), callerFrom(c), id, body.RequestedDate, body.PreferredTimes); err != nil {
		return errorResponse(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) SchedulePeerToPeer(c echo.Context) error {
	id, err := requestID(c)
	if err != nil {
		return err
	}
	var body scheduleBody
	if err := bind(c, &body); err != nil {
		return err
	}
	if err := h.svc.SchedulePeerToPeer(c.Request().Context(), callerFrom(c), id, body.ScheduledTime, body.MedicalDirector); err != nil {
		return errorResponse(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) GetPeerToPeer(c echo.Context) error {
	id, err := requestID(c)
	if err != nil {
		return err
	}
	p2p, err := h.svc.GetPeerToPeer(c.Request().Context(), callerFrom(c), id)
	if err != nil {
		return errorResponse(err)
	}
	if p2p == nil {
		return echo.NewHTTPError(http.StatusNotFound, "no peer-to-peer review requested")
	}
	return c.JSON(http.StatusOK, p2p)
}

// -- appeals --

func (h *Handler) Appeal(c echo.Context) error {
	id, err := requestID(c)
	if err != nil {
		return err
	}
	var body appealBody
	if err := bind(c, &body); err != nil {
		return err
	}
	appealID, err := h.svc.Appeal(c.Request().Context(), callerFrom(c), id, AppealInput{
		Level:                  body.Level,
		ReasonHash:             body.ReasonHash,
		AdditionalEvidenceHash: body.AdditionalEvidenceHash,
	})
	if err != nil {
		return errorResponse(err)
	}
	c.Response().Header().Set("Location", "/api/v1/prior-auth-appeals/"+strconv.FormatUint(appealID, 10))
	return c.JSON(http.StatusCreated, map[string]uint64{"appeal_id": appealID})
}

func (h *Handler) ListAppeals(c echo.Context) error {
	id, err := requestID(c)
	if err != nil {
		return err
	}
	appeals, err := h.svc.ListAppeals(c.Request().Context(), callerFrom(c), id)
	if err != nil {
		return errorResponse(err)
	}
	return c.JSON(http.StatusOK, appeals)
}

func (h *Handler) GetAppeal(c echo.Context) error {
	appealID, err := strconv.ParseUint(c.Param("appealId"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid appeal id")
	}
	a, err := h.svc.GetAppeal(c.Request().Context(), callerFrom(c), appealID)
	if err != nil {
		return errorResponse(err)
	}
	return c.JSON(http.StatusOK, a)
}

// -- usage and extensions --

func (h *Handler) Extend(c echo.Context) error {
	id, err := requestID(c)
	if err != nil {
		return err
	}
	var body extensionBody
	if err := bind(c, &body); err != nil {
		return err
	}
	if err := h.svc.Extend(c.Request().Context(), callerFrom(c), id, body.Reason, body.AdditionalUnits); err != nil {
		return errorResponse(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) GetExtension(c echo.Context) error {
	id, err := requestID(c)
	if err != nil {
		return err
	}
	ext, err := h.svc.GetExtension(c.Request().Context(), callerFrom(c), id)
	if err != nil {
		return errorResponse(err)
	}
	if ext == nil {
		return echo.NewHTTPError(http.StatusNotFound, "no extension requested")
	}
	return c.JSON(http.StatusOK, ext)
}

func (h *Handler) TrackUsage(c echo.Context) error {
	id, err := requestID(c)
	if err != nil {
		return err
	}
	var body usageBody
	if err := bind(c, &body); err != nil {
		return err
	}
	if err := h.svc.TrackUsage(c.Request().Context(), callerFrom(c), id, body.Units, body.ServiceDate); err != nil {
		return errorResponse(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) ListUsage(c echo.Context) error {
	id, err := requestID(c)
	if err != nil {
		return err
	}
	records, err := h.svc.ListUsage(c.Request().Context(), callerFrom(c), id)
	if err != nil {
		return errorResponse(err)
	}
	return c.JSON(http.StatusOK, records)
}

// -- indices --

func (h *Handler) ListByProvider(c echo.Context) error {
	pg := pagination.FromContext(c)
	ids, total, err := h.svc.ListByProvider(c.Request().Context(), callerFrom(c), c.Param("provider"), pg.Limit, pg.Offset)
	if err != nil {
		return errorResponse(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(ids, total, pg.Limit, pg.Offset).WithLinks(c.Request().URL.Path))
}

func (h *Handler) ListByPatient(c echo.Context) error {
	pg := pagination.FromContext(c)
	ids, total, err := h.svc.ListByPatient(c.Request().Context(), callerFrom(c), c.Param("patient"), pg.Limit, pg.Offset)
	if err != nil {
		return errorResponse(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(ids, total, pg.Limit, pg.Offset).WithLinks(c.Request().URL.Path))
}
