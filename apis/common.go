package apis

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/alwitt/chatpush/common"
	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

// MethodHandlers DICT of method-endpoint handler
type MethodHandlers map[string]http.HandlerFunc

// RegisterPathPrefix Register new method handler for an end-point
func RegisterPathPrefix(
	parentRouter *mux.Router, pathPrefix string, methodHandlers MethodHandlers,
) *mux.Router {
	router := parentRouter.PathPrefix(pathPrefix).Subrouter()
	for method, handler := range methodHandlers {
		router.Methods(method).Path("").HandlerFunc(handler)
	}
	return router
}

// ========================================================================================

// APIRestHandler base REST handler
type APIRestHandler struct {
	goutils.RestAPIHandler
	requestIDHeader string
}

// defineAPIRestHandler define the base REST handler from the HTTP config
func defineAPIRestHandler(logTags log.Fields, httpConfig *common.HTTPConfig) APIRestHandler {
	offLimitHeaders := make(map[string]bool)
	for _, header := range httpConfig.Logging.DoNotLogHeaders {
		offLimitHeaders[header] = true
	}
	requestIDHeader := httpConfig.Logging.RequestIDHeader
	if requestIDHeader == "" {
		requestIDHeader = "Chatpush-Request-ID"
	}
	return APIRestHandler{
		RestAPIHandler: goutils.RestAPIHandler{
			Component: goutils.Component{
				LogTags: logTags,
				LogTagModifiers: []goutils.LogMetadataModifier{
					goutils.ModifyLogMetadataByRestRequestParam,
				},
			},
			CallRequestIDHeaderField: &requestIDHeader,
			DoNotLogHeaders:          offLimitHeaders,
		},
		requestIDHeader: requestIDHeader,
	}
}

// Write logging support
func (h APIRestHandler) Write(p []byte) (n int, err error) {
	log.WithFields(h.LogTags).Infof("%s", p)
	return len(p), nil
}

// logTagsForContext the handler log tags, extended with the request parameters
func (h APIRestHandler) logTagsForContext(ctxt context.Context) log.Fields {
	logTags, _ := common.UpdateLogTags(ctxt, h.GetLogTagsForContext(ctxt))
	return logTags
}

// requestIDFromContext the request ID attached by attachRequestID
func requestIDFromContext(ctxt context.Context) string {
	if v, ok := ctxt.Value(common.RequestParam{}).(common.RequestParam); ok {
		return v.ID
	}
	return ""
}

// successMsg define a standard success message
func (h APIRestHandler) successMsg(ctxt context.Context) goutils.RestAPIBaseResponse {
	resp := h.GetStdRESTSuccessMsg(ctxt)
	if resp.RequestID == "" {
		resp.RequestID = requestIDFromContext(ctxt)
	}
	return resp
}

// errorMsg define a standard error message
func (h APIRestHandler) errorMsg(
	ctxt context.Context, code int, message string, detail string,
) goutils.RestAPIBaseResponse {
	resp := h.GetStdRESTErrorMsg(ctxt, code, message, detail)
	if resp.RequestID == "" {
		resp.RequestID = requestIDFromContext(ctxt)
	}
	return resp
}

// reply helper function for writing responses
func (h APIRestHandler) reply(
	w http.ResponseWriter, r *http.Request, respCode int, resp interface{},
) {
	if err := h.WriteRESTResponse(w, respCode, resp, nil); err != nil {
		log.WithError(err).WithFields(h.logTagsForContext(r.Context())).Error(
			"Failed to form response",
		)
	}
}

// attachRequestID middleware function to attach a request ID to a API request
func (h APIRestHandler) attachRequestID(next http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		// use provided request id from incoming request if any
		reqID := r.Header.Get(h.requestIDHeader)
		if reqID == "" {
			// or use some generated string
			reqID = uuid.New().String()
		}
		ctx := context.WithValue(
			r.Context(), common.RequestParam{}, common.RequestParam{
				ID: reqID, Method: r.Method, URI: r.URL.String(),
			},
		)
		rw.Header().Set(h.requestIDHeader, reqID)
		next(rw, r.WithContext(ctx))
	}
}

// parseID parse a positive user or group ID
func parseID(raw string, name string) (int64, error) {
	if raw == "" {
		return 0, fmt.Errorf("no %s provided", name)
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s '%s': %w", name, raw, err)
	}
	if id <= 0 {
		return 0, fmt.Errorf("invalid %s %d", name, id)
	}
	return id, nil
}

// withUserID record the user ID in the request parameters
func withUserID(r *http.Request, userID int64) *http.Request {
	param, ok := r.Context().Value(common.RequestParam{}).(common.RequestParam)
	if !ok {
		return r
	}
	param.UserID = &userID
	return r.WithContext(context.WithValue(r.Context(), common.RequestParam{}, param))
}
