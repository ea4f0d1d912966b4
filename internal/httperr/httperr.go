// Package httperr writes the server's default error responses. The body is
// JSON when the client's Accept header prefers application/json and HTML
// otherwise.
package httperr

import (
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"example.com/carbonhttp/v2/internal/logger"
)

var jsonMarshalFunc = json.Marshal

// ErrorDetail is the inner object of a JSON error body.
type ErrorDetail struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
	Detail     string `json:"detail,omitempty"`
}

// ErrorResponseJSON is the JSON error body.
type ErrorResponseJSON struct {
	Error ErrorDetail `json:"error"`
}

type htmlMessage struct {
	Title   string
	Heading string
	Message string
}

var defaultHTMLMessages = map[int]htmlMessage{
	http.StatusBadRequest: {
		Title:   "400 Bad Request",
		Heading: "Bad Request",
		Message: "The server cannot or will not process the request due to an apparent client error.",
	},
	http.StatusForbidden: {
		Title:   "403 Forbidden",
		Heading: "Forbidden",
		Message: "You do not have permission to access this resource.",
	},
	http.StatusNotFound: {
		Title:   "404 Not Found",
		Heading: "Not Found",
		Message: "The requested resource was not found on this server.",
	},
	http.StatusMethodNotAllowed: {
		Title:   "405 Method Not Allowed",
		Heading: "Method Not Allowed",
		Message: "The method specified in the request is not allowed for the resource.",
	},
	http.StatusUpgradeRequired: {
		Title:   "426 Upgrade Required",
		Heading: "Upgrade Required",
		Message: "The requested protocol upgrade is not supported.",
	},
	http.StatusInternalServerError: {
		Title:   "500 Internal Server Error",
		Heading: "Internal Server Error",
		Message: "The server encountered an internal error and was unable to complete your request.",
	},
	http.StatusNotImplemented: {
		Title:   "501 Not Implemented",
		Heading: "Not Implemented",
		Message: "The server does not support the functionality required to fulfill the request.",
	},
}

// PrefersJSON reports whether an Accept header value ranks application/json
// above every other acceptable media type. Ties on q-value go to the more
// specific type, then to the earlier entry.
func PrefersJSON(acceptHeaderValue string) bool {
	if acceptHeaderValue == "" {
		return false
	}

	type offer struct {
		mediaType string
		q         float64
		specific  bool
		order     int
	}
	var offers []offer

	for i, part := range strings.Split(acceptHeaderValue, ",") {
		part = strings.TrimSpace(part)
		mediaType := part
		q := 1.0

		if idx := strings.Index(part, ";"); idx != -1 {
			mediaType = strings.TrimSpace(part[:idx])
			for _, param := range strings.Split(part[idx+1:], ";") {
				param = strings.TrimSpace(param)
				if !strings.HasPrefix(param, "q=") {
					continue
				}
				v, err := strconv.ParseFloat(param[2:], 64)
				if err != nil || v < 0 || v > 1 {
					v = 0
				}
				q = v
				break
			}
		}

		if q > 0 {
			offers = append(offers, offer{
				mediaType: strings.ToLower(mediaType),
				q:         q,
				specific:  !strings.HasSuffix(mediaType, "/*") && mediaType != "*/*",
				order:     i,
			})
		}
	}

	if len(offers) == 0 {
		return false
	}

	sort.Slice(offers, func(i, j int) bool {
		if offers[i].q != offers[j].q {
			return offers[i].q > offers[j].q
		}
		if offers[i].specific != offers[j].specific {
			return offers[i].specific
		}
		return offers[i].order < offers[j].order
	})

	return offers[0].mediaType == "application/json"
}

// Write sends a complete error response of the given status on w. extra
// headers (for example Sec-WebSocket-Version on a 426) are copied onto the
// response before it is written.
func Write(w http.ResponseWriter, r *http.Request, statusCode int, detail string, extra http.Header, lg *logger.Logger) error {
	statusText := http.StatusText(statusCode)
	if statusText == "" {
		statusText = "Error"
	}

	accept := ""
	if r != nil {
		accept = r.Header.Get("Accept")
	}

	var body []byte
	contentType := ""
	if PrefersJSON(accept) {
		b, err := jsonMarshalFunc(ErrorResponseJSON{Error: ErrorDetail{
			StatusCode: statusCode,
			Message:    statusText,
			Detail:     detail,
		}})
		if err != nil {
			if lg != nil {
				lg.Error("Failed to marshal JSON error response, falling back to HTML", logger.LogFields{"error": err.Error(), "status_code": statusCode})
			}
		} else {
			body = b
			contentType = "application/json; charset=utf-8"
		}
	}

	if body == nil {
		contentType = "text/html; charset=utf-8"
		body = htmlBody(statusCode, statusText, detail)
	}

	h := w.Header()
	for k, vv := range extra {
		for _, v := range vv {
			h.Add(k, v)
		}
	}
	h.Set("Content-Type", contentType)
	h.Set("Content-Length", strconv.Itoa(len(body)))
	h.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	h.Set("Pragma", "no-cache")
	h.Set("Expires", "0")
	w.WriteHeader(statusCode)

	if _, err := w.Write(body); err != nil {
		if lg != nil {
			lg.Error("Failed to send error response body", logger.LogFields{"error": err.Error(), "status_code": statusCode})
		}
		return fmt.Errorf("failed to send error response body (status %d): %w", statusCode, err)
	}
	return nil
}

func htmlBody(statusCode int, statusText, detail string) []byte {
	msg, known := defaultHTMLMessages[statusCode]
	if !known {
		msg = htmlMessage{
			Title:   fmt.Sprintf("%d %s", statusCode, statusText),
			Heading: statusText,
			Message: "The server encountered an error processing your request.",
		}
	}

	text := html.EscapeString(msg.Message)
	if detail != "" {
		escaped := html.EscapeString(detail)
		if known {
			text = text + " " + escaped
		} else {
			text = escaped
		}
	}
	return fmt.Appendf(nil, `<html><head><title>%s</title></head><body><h1>%s</h1><p>%s</p></body></html>`,
		html.EscapeString(msg.Title), html.EscapeString(msg.Heading), text)
}
