package proxy

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Mirocow/lampatv-proxy/internal/config"
	applog "github.com/Mirocow/lampatv-proxy/internal/log"
	imetrics "github.com/Mirocow/lampatv-proxy/internal/metrics"
)

// inboundHeaderAllowList is the set of client headers forwarded upstream.
var inboundHeaderAllowList = []string{
	"User-Agent", "Accept", "Content-Type", "Origin", "Referer", "Cookie",
	"Range", "Authorization",
}

// Handler is the top-level proxy endpoint: it decodes the path, classifies
// the target and shapes the final response.
type Handler struct {
	cfg        *config.Config
	dispatcher *Dispatcher
	streamer   *Streamer
	processor  *Processor
	rewriter   *PlaylistRewriter
}

func NewHandler(cfg *config.Config, dispatcher *Dispatcher, streamer *Streamer, processor *Processor, rewriter *PlaylistRewriter) *Handler {
	return &Handler{
		cfg:        cfg,
		dispatcher: dispatcher,
		streamer:   streamer,
		processor:  processor,
		rewriter:   rewriter,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	if r.Method == http.MethodOptions {
		writeCORS(w.Header())
		w.WriteHeader(http.StatusNoContent)
		return
	}

	body, err := h.readBody(w, r)
	if err != nil {
		h.writeError(w, r, err, start)
		return
	}

	headers := filterHeaders(r.Header, inboundHeaderAllowList)
	decoded, err := DecodeRequest(strings.TrimPrefix(r.URL.Path, "/"), r.URL.Query(), headers)
	if err != nil {
		h.writeError(w, r, err, start)
		return
	}

	applog.Infof("handler", "%s %s -> %s (%s)", r.Method, r.URL.Path, decoded.TargetURL, decoded.Kind)

	rangeHeader := decoded.Headers.Get("Range")
	class, info := h.dispatcher.Classify(r.Context(), r.Method, decoded.TargetURL, decoded.Headers)

	switch class {
	case ClassVideo:
		h.serveVideo(w, r, decoded, rangeHeader, info, start)
	case ClassPlaylist:
		h.servePlaylist(w, r, decoded, start)
	default:
		h.serveGeneric(w, r, decoded, body, start)
	}
}

// readBody drains the inbound body under the configured cap.
func (h *Handler) readBody(w http.ResponseWriter, r *http.Request) (RequestBody, error) {
	if r.Body == nil || r.Method == http.MethodGet || r.Method == http.MethodHead {
		return RequestBody{Mode: "none"}, nil
	}

	limited := http.MaxBytesReader(w, r.Body, h.cfg.MaxRequestSize)
	raw, err := io.ReadAll(limited)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return RequestBody{}, &Error{Kind: KindPayloadTooLarge, Msg: "request body too large"}
		}
		return RequestBody{}, badRequestf("reading request body: %v", err)
	}
	if len(raw) == 0 {
		return RequestBody{Mode: "none"}, nil
	}

	contentType := r.Header.Get("Content-Type")
	mediaType, params, _ := mime.ParseMediaType(contentType)

	switch {
	case mediaType == "application/x-www-form-urlencoded":
		form, perr := url.ParseQuery(string(raw))
		if perr != nil {
			return RequestBody{Mode: "raw", Raw: raw, ContentType: contentType}, nil
		}
		return RequestBody{Mode: "form", Form: form}, nil

	case mediaType == "multipart/form-data":
		if form, ok := parseMultipartFields(raw, params["boundary"]); ok {
			return RequestBody{Mode: "multipart", Form: form}, nil
		}
		return RequestBody{Mode: "raw", Raw: raw, ContentType: contentType}, nil

	case strings.Contains(mediaType, "json"):
		// A flat JSON object is re-sent as a form, matching the behavior
		// players expect from this endpoint family.
		if form, ok := jsonObjectToForm(raw); ok {
			return RequestBody{Mode: "form", Form: form}, nil
		}
		return RequestBody{Mode: "raw", Raw: raw, ContentType: contentType}, nil

	default:
		return RequestBody{Mode: "raw", Raw: raw, ContentType: contentType}, nil
	}
}

func (h *Handler) serveVideo(w http.ResponseWriter, r *http.Request, decoded *DecodedRequest, rangeHeader string, info ContentInfo, start time.Time) {
	plan, err := h.streamer.Prepare(r.Context(), decoded.TargetURL, decoded.Headers, rangeHeader, info)
	if err != nil {
		h.writeError(w, r, err, start)
		return
	}
	if plan.Abort {
		// Headers are never written; the client observes an empty body.
		imetrics.ObserveResponse(r.Method, http.StatusOK, "video-abort", time.Since(start))
		return
	}

	copyHeader(w.Header(), plan.Header)
	w.WriteHeader(plan.Status)

	flush := func() {}
	if flusher, ok := w.(http.Flusher); ok {
		flush = flusher.Flush
	}
	plan.Serve(r.Context(), w, flush)
	imetrics.ObserveResponse(r.Method, plan.Status, "video", time.Since(start))
}

func (h *Handler) servePlaylist(w http.ResponseWriter, r *http.Request, decoded *DecodedRequest, start time.Time) {
	headers := decoded.Headers.Clone()
	headers.Del("Range")

	captured := h.processor.Fetch(r.Context(), http.MethodGet, decoded.TargetURL, headers, RequestBody{Mode: "none"})
	if captured.Error != "" {
		h.writeEnvelope(w, r, captured, start)
		return
	}

	scheme, host := selfBase(r)
	rewritten := h.rewriter.Rewrite(captured.BodyText(), captured.CurrentURL, scheme, host)

	writeCORS(w.Header())
	w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	w.Header().Set("Cache-Control", "no-cache")
	status := captured.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	io.WriteString(w, rewritten)
	imetrics.ObserveResponse(r.Method, status, "playlist", time.Since(start))
}

func (h *Handler) serveGeneric(w http.ResponseWriter, r *http.Request, decoded *DecodedRequest, body RequestBody, start time.Time) {
	headers := decoded.Headers.Clone()
	headers.Del("Range")

	captured := h.processor.Fetch(r.Context(), r.Method, decoded.TargetURL, headers, body)
	if captured.Error != "" {
		h.writeEnvelope(w, r, captured, start)
		return
	}

	writeCORS(w.Header())
	status := captured.Status
	if status == 0 {
		status = http.StatusOK
	}

	upstreamType := captured.Headers["content-type"]
	isJSON := strings.Contains(strings.ToLower(upstreamType), "application/json")
	bodyText := captured.BodyText()
	parsesAsJSON := json.Valid([]byte(strings.TrimSpace(bodyText))) && strings.TrimSpace(bodyText) != ""

	switch decoded.Kind {
	case HandlerEnc3:
		if isJSON {
			// The whole capture (URL, cookies, headers, status, body) goes
			// back as one envelope.
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			json.NewEncoder(w).Encode(captured)
		} else if parsesAsJSON {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			io.WriteString(w, bodyText)
		} else {
			writeText(w, upstreamType, status, bodyText)
		}

	default:
		if isJSON && parsesAsJSON {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			io.WriteString(w, bodyText)
		} else {
			writeText(w, upstreamType, status, bodyText)
		}
	}
	imetrics.ObserveResponse(r.Method, status, "generic", time.Since(start))
}

// writeEnvelope serializes an error-carrying capture as JSON.
func (h *Handler) writeEnvelope(w http.ResponseWriter, r *http.Request, captured CapturedResponse, start time.Time) {
	writeCORS(w.Header())
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(captured.Status)
	json.NewEncoder(w).Encode(captured)
	imetrics.ObserveResponse(r.Method, captured.Status, "error", time.Since(start))
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error, start time.Time) {
	status := http.StatusInternalServerError
	var perr *Error
	if errors.As(err, &perr) {
		status = perr.Status()
	}
	applog.Warnf("handler", "%s %s failed: %v", r.Method, r.URL.Path, err)

	writeCORS(w.Header())
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
	imetrics.ObserveResponse(r.Method, status, "error", time.Since(start))
}

// BodyText recovers the upstream payload as text from the JSON-preserving
// body field.
func (c CapturedResponse) BodyText() string {
	raw := []byte(c.Body)
	if len(raw) == 0 {
		return ""
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
	}
	return string(raw)
}

func writeText(w http.ResponseWriter, contentType string, status int, body string) {
	if contentType == "" {
		contentType = "text/plain; charset=utf-8"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	io.WriteString(w, body)
}

func writeCORS(h http.Header) {
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, PATCH, HEAD, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "*")
}

// filterHeaders keeps only the allow-listed names from src.
func filterHeaders(src http.Header, allow []string) http.Header {
	out := http.Header{}
	for _, name := range allow {
		for _, value := range src.Values(name) {
			out.Add(name, value)
		}
	}
	return out
}

// selfBase derives how the client reached us, honoring proxy headers.
func selfBase(r *http.Request) (scheme, host string) {
	scheme = "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if forwarded := r.Header.Get("X-Forwarded-Proto"); forwarded != "" {
		scheme = forwarded
	}
	host = r.Host
	if forwarded := r.Header.Get("X-Forwarded-Host"); forwarded != "" {
		host = forwarded
	}
	return scheme, host
}

// parseMultipartFields extracts the value parts of a multipart body. File
// parts make the body opaque and force raw passthrough.
func parseMultipartFields(raw []byte, boundary string) (url.Values, bool) {
	if boundary == "" {
		return nil, false
	}
	reader := multipart.NewReader(bytes.NewReader(raw), boundary)
	form := url.Values{}
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			return form, true
		}
		if err != nil {
			return nil, false
		}
		if part.FileName() != "" {
			part.Close()
			return nil, false
		}
		value, err := io.ReadAll(part)
		part.Close()
		if err != nil {
			return nil, false
		}
		form.Add(part.FormName(), string(value))
	}
}

func jsonObjectToForm(raw []byte) (url.Values, bool) {
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, false
	}
	form := url.Values{}
	for key, value := range obj {
		switch v := value.(type) {
		case string:
			form.Set(key, v)
		case float64, bool, nil:
			b, _ := json.Marshal(v)
			form.Set(key, string(b))
		default:
			// Nested structures do not flatten into a form.
			return nil, false
		}
	}
	return form, true
}
