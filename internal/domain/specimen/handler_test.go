package specimen

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/lis/lis/internal/platform/auth"
)

func newTestHandler(t *testing.T) (*Handler, *testEnv, *echo.Echo) {
	t.Helper()
	env := newTestEnv(t, Config{})
	h := NewHandler(env.svc)
	h.now = env.clock.Now
	return h, env, echo.New()
}

func newRequest(method, body string, roles ...string) *http.Request {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, "/", nil)
	} else {
		req = httptest.NewRequest(method, "/", strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	if len(roles) == 0 {
		roles = []string{"lab_tech"}
	}
	return req.WithContext(auth.WithUser(req.Context(), "tech-1", roles))
}

func expectHTTPCode(t *testing.T, err error, code int) {
	t.Helper()
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError %d, got %v", code, err)
	}
	if httpErr.Code != code {
		t.Errorf("expected %d, got %d (%v)", code, httpErr.Code, httpErr.Message)
	}
}

const createBody = `{"order_ref":"ORD-1","patient_ref":"PAT-1","test_refs":["CBC"],"specimen_type":"blood","container_type":"EDTA","volume":4,"volume_unit":"mL","priority":"stat"}`

func TestHandler_CreateSpecimen(t *testing.T) {
	h, _, e := newTestHandler(t)
	rec := httptest.NewRecorder()
	c := e.NewContext(newRequest(http.MethodPost, createBody), rec)

	if err := h.CreateSpecimen(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}
	var got map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got["status"] != "pending" || got["priority"] != "stat" || got["created_by_ref"] != "tech-1" {
		t.Errorf("unexpected body %v", got)
	}
	if _, ok := got["is_overdue"]; !ok {
		t.Error("expected derived fields in the response")
	}
}

func TestHandler_CreateSpecimen_BadRequest(t *testing.T) {
	h, _, e := newTestHandler(t)
	tests := []struct {
		name string
		body string
	}{
		{"missing fields", `{"order_ref":"ORD-1"}`},
		{"unknown type", strings.Replace(createBody, `"blood"`, `"saliva"`, 1)},
		{"malformed", `{"order_ref":`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := e.NewContext(newRequest(http.MethodPost, tt.body), httptest.NewRecorder())
			expectHTTPCode(t, h.CreateSpecimen(c), http.StatusBadRequest)
		})
	}
}

func TestHandler_RequiresUser(t *testing.T) {
	h, _, e := newTestHandler(t)
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(createBody))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	c := e.NewContext(req, httptest.NewRecorder())
	expectHTTPCode(t, h.CreateSpecimen(c), http.StatusUnauthorized)
}

func TestHandler_GetSpecimen(t *testing.T) {
	h, env, e := newTestHandler(t)
	sp := env.create(t)

	rec := httptest.NewRecorder()
	c := e.NewContext(newRequest(http.MethodGet, ""), rec)
	c.SetParamNames("specimenId")
	c.SetParamValues(sp.SpecimenID)
	if err := h.GetSpecimen(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), sp.Barcode) {
		t.Errorf("unexpected response %d %s", rec.Code, rec.Body.String())
	}

	c = e.NewContext(newRequest(http.MethodGet, ""), httptest.NewRecorder())
	c.SetParamNames("barcode")
	c.SetParamValues(sp.Barcode)
	if err := h.GetByBarcode(c); err != nil {
		t.Errorf("barcode lookup: %v", err)
	}

	c = e.NewContext(newRequest(http.MethodGet, ""), httptest.NewRecorder())
	c.SetParamNames("specimenId")
	c.SetParamValues("SP-MISSING")
	expectHTTPCode(t, h.GetSpecimen(c), http.StatusNotFound)
}

func TestHandler_Transition(t *testing.T) {
	h, env, e := newTestHandler(t)
	sp := env.create(t)

	call := func(body string) (*httptest.ResponseRecorder, error) {
		rec := httptest.NewRecorder()
		c := e.NewContext(newRequest(http.MethodPost, body), rec)
		c.SetParamNames("specimenId")
		c.SetParamValues(sp.SpecimenID)
		return rec, h.Transition(c)
	}

	_, err := call(`{"status":"processing"}`)
	expectHTTPCode(t, err, http.StatusConflict)

	_, err = call(`{"status":"expired"}`)
	expectHTTPCode(t, err, http.StatusBadRequest)

	_, err = call(`{}`)
	expectHTTPCode(t, err, http.StatusBadRequest)

	_, err = call(`{"status":"rejected"}`)
	expectHTTPCode(t, err, http.StatusBadRequest)

	rec, err := call(`{"status":"rejected","rejection_reason":"clotted"}`)
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"rejection_reason":"clotted"`) {
		t.Errorf("unexpected response %d %s", rec.Code, rec.Body.String())
	}

	_, err = call(`{"status":"cancelled"}`)
	expectHTTPCode(t, err, http.StatusConflict)
}

func TestHandler_CollectAndQC(t *testing.T) {
	h, env, e := newTestHandler(t)
	sp := env.create(t)

	rec := httptest.NewRecorder()
	c := e.NewContext(newRequest(http.MethodPost, `{"actual_volume":3,"notes":"ok","quality_checks":[{"check_type":"label","result":"pass"}]}`), rec)
	c.SetParamNames("specimenId")
	c.SetParamValues(sp.SpecimenID)
	if err := h.ConfirmCollection(c); err != nil {
		t.Fatalf("collect: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	c = e.NewContext(newRequest(http.MethodPost, `{}`), httptest.NewRecorder())
	c.SetParamNames("specimenId")
	c.SetParamValues(sp.SpecimenID)
	expectHTTPCode(t, h.ConfirmCollection(c), http.StatusConflict)

	rec = httptest.NewRecorder()
	c = e.NewContext(newRequest(http.MethodPost, `{"check_type":"hemolysis","result":"warning"}`), rec)
	c.SetParamNames("specimenId")
	c.SetParamValues(sp.SpecimenID)
	if err := h.RecordQualityCheck(c); err != nil {
		t.Fatalf("qc: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	c = e.NewContext(newRequest(http.MethodPut, `{"storage_location":"fridge-1"}`), rec)
	c.SetParamNames("specimenId")
	c.SetParamValues(sp.SpecimenID)
	if err := h.UpdateStorage(c); err != nil {
		t.Fatalf("storage: %v", err)
	}
	if got := env.get(t, sp.SpecimenID); got.StorageLocation != "fridge-1" || len(got.QualityChecks) != 2 {
		t.Errorf("unexpected stored specimen %+v", got)
	}
}

func TestHandler_BulkReceive(t *testing.T) {
	h, env, e := newTestHandler(t)
	a := env.collect(t, env.create(t).SpecimenID).SpecimenID
	b := env.create(t).SpecimenID

	rec := httptest.NewRecorder()
	c := e.NewContext(newRequest(http.MethodPost, `{"specimen_ids":["`+a+`","`+b+`","SP-MISSING"]}`), rec)
	if err := h.ReceiveSamples(c); err != nil {
		t.Fatalf("receive: %v", err)
	}
	var res BulkResult
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.MatchedCount != 1 || res.ModifiedCount != 1 {
		t.Errorf("expected 1/1, got %+v", res)
	}

	c = e.NewContext(newRequest(http.MethodPost, `{"specimen_ids":[]}`), httptest.NewRecorder())
	expectHTTPCode(t, h.ReceiveSamples(c), http.StatusBadRequest)

	c = e.NewContext(newRequest(http.MethodPost, `{"specimen_ids":["`+b+`"]}`), httptest.NewRecorder())
	expectHTTPCode(t, h.BulkTransition(c), http.StatusBadRequest)

	c = e.NewContext(newRequest(http.MethodPost, `{"specimen_ids":["`+b+`"],"status":"rejected"}`), httptest.NewRecorder())
	expectHTTPCode(t, h.BulkTransition(c), http.StatusBadRequest)
}

func TestHandler_ListSpecimens(t *testing.T) {
	h, env, e := newTestHandler(t)
	for i := 0; i < 3; i++ {
		env.clock.Advance(time.Second)
		env.create(t)
	}

	req := newRequest(http.MethodGet, "")
	req.URL.Path = "/api/v1/specimens"
	req.URL.RawQuery = "status=pending&page=1&page_size=2"
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if err := h.ListSpecimens(c); err != nil {
		t.Fatalf("list: %v", err)
	}
	var body struct {
		Data    []map[string]interface{} `json:"data"`
		Total   int                      `json:"total"`
		HasMore bool                     `json:"has_more"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Total != 3 || len(body.Data) != 2 || !body.HasMore {
		t.Errorf("unexpected page total=%d len=%d more=%v", body.Total, len(body.Data), body.HasMore)
	}

	bad := []string{"status=archived", "overdue=perhaps", "from=yesterday"}
	for _, q := range bad {
		req := newRequest(http.MethodGet, "")
		req.URL.RawQuery = q
		c := e.NewContext(req, httptest.NewRecorder())
		expectHTTPCode(t, h.ListSpecimens(c), http.StatusBadRequest)
	}
}

func TestHandler_StatsAndQueue(t *testing.T) {
	h, env, e := newTestHandler(t)
	env.create(t)

	rec := httptest.NewRecorder()
	if err := h.StatusCounts(e.NewContext(newRequest(http.MethodGet, ""), rec)); err != nil {
		t.Fatalf("counts: %v", err)
	}
	var counts map[string]int
	if err := json.Unmarshal(rec.Body.Bytes(), &counts); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if counts["pending"] != 1 || len(counts) != len(AllStatuses) {
		t.Errorf("unexpected counts %v", counts)
	}

	rec = httptest.NewRecorder()
	req := newRequest(http.MethodGet, "")
	req.URL.RawQuery = "limit=5"
	if err := h.PendingQueue(e.NewContext(req, rec)); err != nil {
		t.Fatalf("queue: %v", err)
	}
	var queue []map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &queue); err != nil || len(queue) != 1 {
		t.Errorf("unexpected queue %v %v", queue, err)
	}

	rec = httptest.NewRecorder()
	if err := h.CollectionStats(e.NewContext(newRequest(http.MethodGet, ""), rec)); err != nil {
		t.Fatalf("stats: %v", err)
	}
	if !strings.Contains(rec.Body.String(), `"total_samples":1`) {
		t.Errorf("unexpected stats %s", rec.Body.String())
	}
}

func TestHandler_RoutesEnforceRoles(t *testing.T) {
	h, env, e := newTestHandler(t)
	sp := env.create(t)

	// Roles arrive on a header so the test can vary them per request.
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			roles := strings.Split(c.Request().Header.Get("X-Test-Roles"), ",")
			ctx := auth.WithUser(c.Request().Context(), "user-1", roles)
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	})
	h.RegisterRoutes(e.Group("/api/v1"))

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		roles  string
		want   int
	}{
		{"physician reads", http.MethodGet, "/api/v1/specimens/" + sp.SpecimenID, "", "physician", http.StatusOK},
		{"physician cannot transition", http.MethodPost, "/api/v1/specimens/" + sp.SpecimenID + "/transition", `{"status":"cancelled"}`, "physician", http.StatusForbidden},
		{"phlebotomist cannot bulk receive", http.MethodPost, "/api/v1/specimens/bulk/receive", `{"specimen_ids":["x"]}`, "phlebotomist", http.StatusForbidden},
		{"nurse creates", http.MethodPost, "/api/v1/specimens", createBody, "nurse", http.StatusCreated},
		{"unknown role reads nothing", http.MethodGet, "/api/v1/specimens", "", "billing", http.StatusForbidden},
		{"queue is not a specimen id", http.MethodGet, "/api/v1/specimens/queue", "", "lab_tech", http.StatusOK},
		{"history", http.MethodGet, "/api/v1/specimens/" + sp.SpecimenID + "/history", "", "nurse", http.StatusOK},
		{"lab tech transitions", http.MethodPost, "/api/v1/specimens/" + sp.SpecimenID + "/transition", `{"status":"cancelled"}`, "lab_tech", http.StatusOK},
		{"terminal conflict", http.MethodPost, "/api/v1/specimens/" + sp.SpecimenID + "/transition", `{"status":"cancelled"}`, "admin", http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var req *http.Request
			if tt.body != "" {
				req = httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body))
				req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
			} else {
				req = httptest.NewRequest(tt.method, tt.path, nil)
			}
			req.Header.Set("X-Test-Roles", tt.roles)
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestToHTTPError(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{ErrNotFound, http.StatusNotFound},
		{ErrValidation, http.StatusBadRequest},
		{ErrInvalidTransition, http.StatusConflict},
		{ErrTerminalState, http.StatusConflict},
		{ErrInvalidState, http.StatusConflict},
		{ErrConcurrentModification, http.StatusConflict},
		{ErrIdentityExhausted, http.StatusServiceUnavailable},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{ErrCorrupted, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		expectHTTPCode(t, toHTTPError(tt.err), tt.want)
	}

	httpErr := toHTTPError(ErrConcurrentModification).(*echo.HTTPError)
	body, ok := httpErr.Message.(map[string]interface{})
	if !ok || body["retryable"] != true {
		t.Errorf("conflict should be marked retryable, got %v", httpErr.Message)
	}
}
