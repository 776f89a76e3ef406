// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package utils

import (
	"compress/gzip"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"reflect"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/Pavelanln/gpualloc/common"
	"github.com/uber-go/tally"
	"golang.org/x/net/netutil"
)

const (
	HTTPContentTypeHeaderKey     = "Content-Type"
	HTTPContentEncodingHeaderKey = "Content-Encoding"

	HTTPContentTypeApplicationJson = "application/json"
	HTTPContentEncodingGzip        = "gzip"

	// CompressionThreshold is the min number of bytes beyond which we will compress json payload
	CompressionThreshold = 1 << 10
)

var funcNameCleaner = regexp.MustCompile(`[^0-9a-zA-Z_\-.]+`)

// GetFuncName returns the function name given a function pointer. It will only
// return the last part of the name.
func GetFuncName(f interface{}) string {
	fullFuncName := runtime.FuncForPC(reflect.ValueOf(f).Pointer()).Name()
	paths := strings.Split(fullFuncName, "/")
	parts := strings.SplitN(paths[len(paths)-1], ".", 2)
	return funcNameCleaner.ReplaceAllString(parts[1], "")
}

// GetOrigin returns the caller of the request.
func GetOrigin(r *http.Request) string {
	origin := r.Header.Get("RPC-Caller")
	if origin == "" {
		origin = "UNKNOWN"
	}
	return origin
}

// LimitServe will start a http server on the port with the handler and at most
// maxConnection concurrent connections.
func LimitServe(port int, handler http.Handler, httpCfg common.HTTPConfig) {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		GetLogger().Fatal(err)
	}
	defer listener.Close()

	listener = netutil.LimitListener(listener, httpCfg.MaxConnections)
	server := &http.Server{
		ReadTimeout:  time.Duration(httpCfg.ReadTimeOutInSeconds) * time.Second,
		WriteTimeout: time.Duration(httpCfg.WriteTimeOutInSeconds) * time.Second,
		Handler:      handler,
	}
	GetLogger().Fatal(server.Serve(listener))
}

// HandlerFunc defines http handler function
type HandlerFunc func(rw *ResponseWriter, r *http.Request)

// HTTPHandlerWrapper wraps http handler function
type HTTPHandlerWrapper func(handler HandlerFunc) HandlerFunc

// ApplyHTTPWrappers apply wrappers according to the order
func ApplyHTTPWrappers(handler HandlerFunc, wrappers ...HTTPHandlerWrapper) http.HandlerFunc {
	h := handler
	for _, wrapper := range wrappers {
		h = wrapper(h)
	}

	return func(writer http.ResponseWriter, request *http.Request) {
		rw := NewResponseWriter(writer)
		h(rw, request)
	}
}

// MetricsLoggingMiddleWareProvider provides middleware for metrics and logger for http requests
type MetricsLoggingMiddleWareProvider struct {
	scope  tally.Scope
	logger common.Logger
}

// NewMetricsLoggingMiddleWareProvider creates metrics and logging middleware provider
func NewMetricsLoggingMiddleWareProvider(scope tally.Scope, logger common.Logger) MetricsLoggingMiddleWareProvider {
	return MetricsLoggingMiddleWareProvider{
		scope:  scope,
		logger: logger,
	}
}

// WithMetrics plug in metrics middleware
func (p *MetricsLoggingMiddleWareProvider) WithMetrics(next HandlerFunc) HandlerFunc {
	funcName := GetFuncName(next)
	return func(rw *ResponseWriter, r *http.Request) {
		origin := GetOrigin(r)
		stopWatch := p.scope.Tagged(map[string]string{
			metricsTagHandler: funcName,
			metricsTagOrigin:  origin,
		}).Timer(scopeNameHTTPHandlerLatency).Start()
		next(rw, r)
		stopWatch.Stop()
		p.scope.Tagged(map[string]string{
			metricsTagHandler:    funcName,
			metricsTagOrigin:     origin,
			metricsTagStatusCode: strconv.Itoa(rw.statusCode),
		}).Counter(scopeNameHTTPHandlerCall).Inc(1)
	}
}

// WithLogging plug in logging middleware
func (p *MetricsLoggingMiddleWareProvider) WithLogging(next HandlerFunc) HandlerFunc {
	return func(rw *ResponseWriter, r *http.Request) {
		start := Now()
		next(rw, r)
		duration := Now().Sub(start)
		if rw.err != nil {
			p.logger.With(
				"status", rw.statusCode,
				"error", rw.err,
				"method", r.Method,
				"name", r.URL.Path,
				"duration", duration,
			).Errorf("request failed")
		} else {
			p.logger.With(
				"name", r.URL.Path,
				"duration", duration,
			).Debug("request succeeded")
		}
	}
}

func setCommonHeaders(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
}

// ErrorResponse represents error response.
type ErrorResponse struct {
	Body APIError
}

// ResponseWriter decorates http.ResponseWriter
type ResponseWriter struct {
	http.ResponseWriter
	statusCode int
	err        error
}

// NewResponseWriter returns response writer with status code 200
func NewResponseWriter(rw http.ResponseWriter) *ResponseWriter {
	return &ResponseWriter{
		statusCode:     http.StatusOK,
		ResponseWriter: rw,
	}
}

// WriteHeader implements http.ResponseWriter WriteHeader for write status code
func (s *ResponseWriter) WriteHeader(code int) {
	if code > 0 {
		s.statusCode = code
		s.ResponseWriter.WriteHeader(code)
	}
}

// WriteBytesWithCode writes bytes with code
func (s *ResponseWriter) WriteBytesWithCode(code int, bts []byte) {
	setCommonHeaders(s)
	s.WriteHeader(code)
	if bts != nil {
		s.Write(bts)
	}
}

// WriteJSONBytesWithCode write json bytes and marshal error to response
func (s *ResponseWriter) WriteJSONBytesWithCode(code int, jsonBytes []byte, marshalErr error) {
	s.Header().Set(HTTPContentTypeHeaderKey, HTTPContentTypeApplicationJson)

	if marshalErr != nil {
		jsonMarshalErrorResponse := ErrorResponse{}
		code = http.StatusInternalServerError
		jsonMarshalErrorResponse.Body.Code = code
		jsonMarshalErrorResponse.Body.Message = "failed to marshal object"
		jsonMarshalErrorResponse.Body.Cause = marshalErr
		// ignore this error since this should not happen
		jsonBytes, _ = json.Marshal(jsonMarshalErrorResponse.Body)
	}

	if jsonBytes == nil {
		return
	}

	// try best effort write with gzip compression
	willCompress := len(jsonBytes) > CompressionThreshold
	if willCompress {
		gw, err := gzip.NewWriterLevel(s, gzip.BestSpeed)
		if err == nil {
			defer gw.Close()

			s.Header().Set(HTTPContentEncodingHeaderKey, HTTPContentEncodingGzip)
			setCommonHeaders(s)
			s.WriteHeader(code)
			_, _ = gw.Write(jsonBytes)
			return
		}
	}

	// default to normal json response
	s.WriteBytesWithCode(code, jsonBytes)
}

// WriteObject write json object to response
func (s *ResponseWriter) WriteObject(obj interface{}) {
	s.WriteObjectWithCode(http.StatusOK, obj)
}

// WriteObjectWithCode serialize object and write code
func (s *ResponseWriter) WriteObjectWithCode(code int, obj interface{}) {
	if obj != nil {
		jsonBytes, err := json.Marshal(obj)
		s.WriteJSONBytesWithCode(code, jsonBytes, err)
	} else {
		s.WriteBytesWithCode(code, nil)
	}
}

// WriteErrorWithCode writes error with specific code
func (s *ResponseWriter) WriteErrorWithCode(code int, err error) {
	s.err = err
	var errorResponse ErrorResponse
	if e, ok := err.(APIError); ok {
		errorResponse.Body = e
	} else {
		errorResponse.Body.Message = err.Error()
	}
	errorResponse.Body.Code = code
	s.WriteObjectWithCode(errorResponse.Body.Code, errorResponse.Body)
}

// WriteError write error to response
func (s *ResponseWriter) WriteError(err error) {
	if e, ok := err.(APIError); ok {
		s.WriteErrorWithCode(e.Code, err)
	} else {
		s.WriteErrorWithCode(http.StatusInternalServerError, err)
	}
}
