package http

import (
	"encoding/json"
	"net"
	"net/http"
	"strings"

	"github.com/go-chi/chi"

	"github.com/leshachaplin/presence/internal/apierror"
	"github.com/leshachaplin/presence/internal/presence"
)

func encodeJSONResponse[T any](w http.ResponseWriter, code int, data T) error {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	if code == http.StatusNoContent {
		return nil
	}

	return json.NewEncoder(w).Encode(data)
}

func (h *Handler) party(w http.ResponseWriter, r *http.Request) (presence.Kind, string, bool) {
	kind, ok := presence.ParseKind(chi.URLParam(r, "party"))
	if !ok {
		h.notFound(w, r)
		return "", "", false
	}
	name := strings.TrimSpace(chi.URLParam(r, "room"))
	if name == "" {
		h.error(apierror.BadRequest("room is required"), w)
		return "", "", false
	}
	return kind, name, true
}

func getClientIP(req *http.Request) string {
	if cf := req.Header.Get("CF-Connecting-IP"); cf != "" {
		if ip := net.ParseIP(strings.TrimSpace(cf)); ip != nil {
			return ip.String()
		}
	}

	out, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		if xoff := req.Header.Get("X-Original-Forwarded-For"); xoff != "" {
			out = xoff
		} else {
			xff := strings.Split(req.Header.Get("X-Forwarded-For"), ",")
			if xff[0] != req.Header.Get("X-Envoy-External-Address") {
				out = strings.TrimSpace(xff[0])
			}
		}
	}

	if ip := net.ParseIP(out); out != "" && ip != nil {
		if ip.IsLoopback() {
			return "127.0.0.1"
		}

		return out
	}

	return "0.0.0.0"
}
