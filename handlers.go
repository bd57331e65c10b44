package pageserve

import (
	"fmt"
	"html"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
)

const (
	notFoundBody    = "<h1>404 Not Found</h1><p>The requested resource could not be found (Fallback Mode).</p>"
	maintenanceBody = "<h1>503 Service Unavailable</h1><p>We are currently under maintenance.</p>"
)

// maintenanceReloadScript reloads the page once the status stream reports maintenance has ended.
const maintenanceReloadScript = `<script>(function(){var s=location.protocol==="https:"?"wss://":"ws://";` +
	`var ws=new WebSocket(s+location.host+%q);ws.onmessage=function(e){` +
	`try{if(!JSON.parse(e.data).maintenanceMode){location.reload();}}catch(_){}};})();</script>`

// errorPage returns the path of the custom page for status.
func (s *site) errorPage(status int) string {
	return filepath.Join(s.publicDir, errorsDir, strconv.Itoa(status)+".html")
}

// renderError writes status with the matching errors/<status>.html page when
// one exists, and a generated body otherwise. err may be nil.
func (s *site) renderError(w http.ResponseWriter, r *http.Request, status int, err error) {
	page := s.errorPage(status)
	body, readErr := os.ReadFile(page)
	if readErr != nil {
		if !os.IsNotExist(readErr) {
			logger.Error("Failed to send error page", "status", status, "file", page, "error", readErr)
		} else if status == http.StatusNotFound {
			logger.Debug("Custom error page not found", "file", page)
		}
		body = []byte(s.fallbackBody(status, err))
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(status)
	if r.Method == http.MethodHead {
		return
	}
	if _, werr := w.Write(body); werr != nil {
		logger.Debug("Failed to write error response", "status", status, "error", werr)
	}
}

// fallbackBody generates the minimal page used when no custom page exists.
func (s *site) fallbackBody(status int, err error) string {
	switch {
	case status == http.StatusNotFound && err == nil:
		return notFoundBody
	case status == http.StatusServiceUnavailable && err == nil:
		if s.statusPath != "" {
			return maintenanceBody + fmt.Sprintf(maintenanceReloadScript, s.statusPath)
		}
		return maintenanceBody
	}
	msg := "Internal Server Error"
	if err != nil && err.Error() != "" {
		msg = err.Error()
	}
	return fmt.Sprintf("<h1>Error %d</h1><p>%s</p>", status, html.EscapeString(msg))
}

func (srv *Server) livezHandler(w http.ResponseWriter, r *http.Request) {
	srv.healthHandlerHelper(w, r, "alive", &srv.isRunning)
}

func (srv *Server) readyzHandler(w http.ResponseWriter, r *http.Request) {
	srv.healthHandlerHelper(w, r, "ready", &srv.isReady)
}

func (srv *Server) healthzHandler(w http.ResponseWriter, r *http.Request) {
	srv.healthHandlerHelper(w, r, "ok", &srv.isRunning)
}

func (srv *Server) healthHandlerHelper(w http.ResponseWriter, request *http.Request, body string,
	status *atomic.Bool) {
	if status.Load() {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte(body)); err != nil {
			logger.Error(fmt.Sprintf("error writing endpoint status (%s)", body), "error", err)
		}
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
		if _, err := w.Write([]byte("unhealthy")); err != nil {
			logger.Error(fmt.Sprintf("error writing endpoint status (%s)", body), "error", err)
		}
	}
}
