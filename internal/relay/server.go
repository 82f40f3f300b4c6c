package relay

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"maunium.net/go/mautrix/id"

	"olmkit/internal/domain"
)

// Error codes carried in error bodies.
const (
	codeBadJSON      = "M_BAD_JSON"
	codeInvalidParam = "M_INVALID_PARAM"
	codeNotFound     = "M_NOT_FOUND"
	codeNoOneTimeKey = "OLMKIT_NO_ONE_TIME_KEY"
	codeUnknown      = "M_UNKNOWN"
)

// Route paths shared by Server and Client.
const (
	pathUpload            = "/keys/upload"
	pathClaim             = "/keys/claim"
	pathQuery             = "/keys/query"
	pathCrossSigning      = "/keys/device_signing/upload"
	pathSignaturesUpload  = "/keys/signatures/upload"
	maxRequestBodyBytes   = 1 << 20
	defaultRequestTimeout = 30 * time.Second
)

type errorBody struct {
	ErrCode string `json:"errcode"`
	Error   string `json:"error"`
}

type claimRequest struct {
	UserID   id.UserID   `json:"user_id"`
	DeviceID id.DeviceID `json:"device_id"`
}

type queryRequest struct {
	Users []id.UserID `json:"users"`
}

// NewServer exposes a KeyServer over JSON HTTP.
func NewServer(ks domain.KeyServer, log *zap.Logger) http.Handler {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("relay")
	h := &handler{ks: ks, log: log}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(requestLogger(log))
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(defaultRequestTimeout))

	r.Post(pathUpload, h.upload)
	r.Post(pathClaim, h.claim)
	r.Post(pathQuery, h.query)
	r.Post(pathCrossSigning, h.uploadCrossSigning)
	r.Post(pathSignaturesUpload, h.uploadSignatures)
	return r
}

func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Debug("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("took", time.Since(start)),
				zap.String("request_id", chimw.GetReqID(r.Context())),
			)
		})
	}
}

type handler struct {
	ks  domain.KeyServer
	log *zap.Logger
}

func (h *handler) upload(w http.ResponseWriter, r *http.Request) {
	var in domain.KeysUpload
	if !decode(w, r, &in) {
		return
	}
	resp, err := h.ks.UploadKeys(r.Context(), &in)
	h.reply(w, resp, err)
}

func (h *handler) claim(w http.ResponseWriter, r *http.Request) {
	var in claimRequest
	if !decode(w, r, &in) {
		return
	}
	resp, err := h.ks.ClaimOneTimeKey(r.Context(), in.UserID, in.DeviceID)
	h.reply(w, resp, err)
}

func (h *handler) query(w http.ResponseWriter, r *http.Request) {
	var in queryRequest
	if !decode(w, r, &in) {
		return
	}
	resp, err := h.ks.QueryDevices(r.Context(), in.Users)
	h.reply(w, resp, err)
}

func (h *handler) uploadCrossSigning(w http.ResponseWriter, r *http.Request) {
	var in domain.CrossSigningUpload
	if !decode(w, r, &in) {
		return
	}
	h.reply(w, struct{}{}, h.ks.UploadCrossSigningKeys(r.Context(), &in))
}

func (h *handler) uploadSignatures(w http.ResponseWriter, r *http.Request) {
	var in domain.SignatureUpload
	if !decode(w, r, &in) {
		return
	}
	h.reply(w, struct{}{}, h.ks.UploadSignatures(r.Context(), &in))
}

func decode(w http.ResponseWriter, r *http.Request, out any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	if err := dec.Decode(out); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{ErrCode: codeBadJSON, Error: err.Error()})
		return false
	}
	return true
}

func (h *handler) reply(w http.ResponseWriter, body any, err error) {
	if err == nil {
		writeJSON(w, http.StatusOK, body)
		return
	}
	status, code := http.StatusInternalServerError, codeUnknown
	switch {
	case errors.Is(err, domain.ErrUnknownDevice):
		status, code = http.StatusNotFound, codeNotFound
	case errors.Is(err, domain.ErrNoOneTimeKeyOnline):
		status, code = http.StatusNotFound, codeNoOneTimeKey
	case errors.Is(err, domain.ErrProtocolViolation):
		status, code = http.StatusBadRequest, codeInvalidParam
	default:
		h.log.Error("key server failure", zap.Error(err))
	}
	writeJSON(w, status, errorBody{ErrCode: code, Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
