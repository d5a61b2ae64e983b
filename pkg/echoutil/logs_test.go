package echoutil_test

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/labstack/gommon/log"
	"github.com/opst/knitflow/pkg/echoutil"
)

func TestSetLevel(t *testing.T) {
	theory := func(name string, want log.Lvl) func(*testing.T) {
		return func(t *testing.T) {
			e := echo.New()
			e.Logger.SetOutput(new(bytes.Buffer))
			echoutil.SetLevel(e, name)
			if got := e.Logger.Level(); got != want {
				t.Errorf("level: %v, want %v", got, want)
			}
		}
	}

	t.Run("debug", theory("debug", log.DEBUG))
	t.Run("trace is rounded to debug", theory("trace", log.DEBUG))
	t.Run("info", theory("INFO", log.INFO))
	t.Run("warn", theory("warn", log.WARN))
	t.Run("empty is warn", theory("", log.WARN))
	t.Run("error", theory("error", log.ERROR))
	t.Run("off", theory("off", log.OFF))
	t.Run("unknown falls back to warn", theory("verbose", log.WARN))
}

func TestLogHandlerFunc(t *testing.T) {
	e := echo.New()
	buf := new(bytes.Buffer)
	e.Logger.SetOutput(buf)
	e.Logger.SetLevel(log.INFO)
	e.Use(echoutil.LogHandlerFunc)
	e.GET("/ping", func(c echo.Context) error {
		return c.String(http.StatusTeapot, "pong")
	})

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))

	if rec.Code != http.StatusTeapot {
		t.Errorf("status: %d", rec.Code)
	}
	out := buf.String()
	for _, want := range []string{"< request", "GET /ping", "status = 418"} {
		if !strings.Contains(out, want) {
			t.Errorf("log does not contain %q:\n%s", want, out)
		}
	}
}
