package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

func newContext(method, target string, body io.Reader) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	req := httptest.NewRequest(method, target, body)
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func ok(c echo.Context) error { return c.String(http.StatusOK, "ok") }

func TestRequestID_GeneratesNew(t *testing.T) {
	c, rec := newContext(http.MethodGet, "/", nil)
	var seen string
	err := RequestID()(func(c echo.Context) error {
		seen, _ = c.Get("request_id").(string)
		return nil
	})(c)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if seen == "" || rec.Header().Get(RequestIDHeader) != seen {
		t.Errorf("expected generated id on context and response, got %q / %q", seen, rec.Header().Get(RequestIDHeader))
	}
}

func TestRequestID_PreservesExisting(t *testing.T) {
	c, rec := newContext(http.MethodGet, "/", nil)
	c.Request().Header.Set(RequestIDHeader, "lab-req-1")
	_ = RequestID()(ok)(c)
	if got := rec.Header().Get(RequestIDHeader); got != "lab-req-1" {
		t.Errorf("expected lab-req-1, got %s", got)
	}
}

func TestLogger_WritesStructuredLine(t *testing.T) {
	var buf bytes.Buffer
	c, _ := newContext(http.MethodGet, "/api/v1/specimens", nil)
	c.Set("request_id", "req-9")

	if err := Logger(zerolog.New(&buf))(ok)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log line is not JSON: %v (%s)", err, buf.String())
	}
	if line["request_id"] != "req-9" || line["status"] != float64(200) || line["level"] != "info" {
		t.Errorf("unexpected log line %v", line)
	}
}

func TestLogger_UsesHTTPErrorStatus(t *testing.T) {
	var buf bytes.Buffer
	c, _ := newContext(http.MethodGet, "/", nil)
	_ = Logger(zerolog.New(&buf))(func(echo.Context) error {
		return echo.NewHTTPError(http.StatusConflict, "conflict")
	})(c)
	if !strings.Contains(buf.String(), `"status":409`) || !strings.Contains(buf.String(), `"level":"warn"`) {
		t.Errorf("expected a warn line with status 409, got %s", buf.String())
	}
}

func TestRecovery_CatchesPanic(t *testing.T) {
	c, _ := newContext(http.MethodGet, "/panic", nil)
	err := Recovery(zerolog.Nop())(func(echo.Context) error { panic("boom") })(c)
	he, isHTTP := err.(*echo.HTTPError)
	if !isHTTP || he.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 HTTPError, got %v", err)
	}
}

func TestRecovery_PassesThrough(t *testing.T) {
	c, _ := newContext(http.MethodGet, "/ok", nil)
	if err := Recovery(zerolog.Nop())(ok)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRequestTimeout(t *testing.T) {
	c, _ := newContext(http.MethodGet, "/slow", nil)
	err := RequestTimeout(10*time.Millisecond)(func(c echo.Context) error {
		<-c.Request().Context().Done()
		return c.Request().Context().Err()
	})(c)
	he, isHTTP := err.(*echo.HTTPError)
	if !isHTTP || he.Code != http.StatusGatewayTimeout {
		t.Fatalf("expected 504, got %v", err)
	}
}

func TestRequestTimeout_FastHandler(t *testing.T) {
	c, rec := newContext(http.MethodGet, "/fast", nil)
	var deadline bool
	err := RequestTimeout(time.Second)(func(c echo.Context) error {
		_, deadline = c.Request().Context().Deadline()
		return ok(c)
	})(c)
	if err != nil || rec.Code != http.StatusOK {
		t.Fatalf("unexpected result %v %d", err, rec.Code)
	}
	if !deadline {
		t.Error("expected a deadline on the request context")
	}
}

func TestRequestTimeout_OtherErrorsPassThrough(t *testing.T) {
	c, _ := newContext(http.MethodGet, "/", nil)
	err := RequestTimeout(time.Second)(func(echo.Context) error { return context.Canceled })(c)
	if err != context.Canceled {
		t.Errorf("expected the handler error, got %v", err)
	}
}

func TestBodyLimit(t *testing.T) {
	read := func(c echo.Context) error {
		if _, err := io.ReadAll(c.Request().Body); err != nil {
			return err
		}
		return ok(c)
	}

	c, rec := newContext(http.MethodPost, "/", strings.NewReader("small"))
	if err := BodyLimit("1K")(read)(c); err != nil || rec.Code != http.StatusOK {
		t.Errorf("small body rejected: %v", err)
	}

	c, _ = newContext(http.MethodPost, "/", strings.NewReader(strings.Repeat("x", 2048)))
	err := BodyLimit("1K")(read)(c)
	if he, isHTTP := err.(*echo.HTTPError); !isHTTP || he.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected 413 from Content-Length, got %v", err)
	}

	c, _ = newContext(http.MethodPost, "/", strings.NewReader(strings.Repeat("x", 2048)))
	c.Request().ContentLength = -1
	err = BodyLimit("1K")(read)(c)
	if he, isHTTP := err.(*echo.HTTPError); !isHTTP || he.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected 413 while reading, got %v", err)
	}
}

func TestParseSize(t *testing.T) {
	tests := map[string]int64{
		"":     1 << 20,
		"512":  512,
		"64K":  64 << 10,
		"1M":   1 << 20,
		"1mb":  1 << 20,
		"2G":   2 << 30,
		"lots": 1 << 20,
		"-5K":  1 << 20,
	}
	for in, want := range tests {
		if got := ParseSize(in); got != want {
			t.Errorf("ParseSize(%q) = %d, want %d", in, got, want)
		}
	}
}

func TestSecurityHeaders(t *testing.T) {
	c, rec := newContext(http.MethodGet, "/", nil)
	_ = SecurityHeaders()(ok)(c)
	for _, h := range []string{"X-Content-Type-Options", "X-Frame-Options", "Cache-Control"} {
		if rec.Header().Get(h) == "" {
			t.Errorf("missing %s", h)
		}
	}
}
