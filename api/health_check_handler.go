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

package api

import (
	"io"
	"net/http"
	"sync"

	"github.com/Pavelanln/gpualloc/utils"
)

// HealthCheckHandler http handler for health check.
type HealthCheckHandler struct {
	sync.RWMutex
	// When set the handler returns 503 instead of 200, so an operator can
	// pull a lagging instance out of rotation by hand.
	disable bool
}

// NewHealthCheckHandler return a new http handler for health check.
func NewHealthCheckHandler() *HealthCheckHandler {
	return &HealthCheckHandler{}
}

// HealthCheck is the HealthCheck endpoint.
func (handler *HealthCheckHandler) HealthCheck(w *utils.ResponseWriter, r *http.Request) {
	handler.RLock()
	disabled := handler.disable
	handler.RUnlock()
	if disabled {
		w.WriteBytesWithCode(http.StatusServiceUnavailable, []byte("Health check disabled"))
	} else {
		io.WriteString(w, "OK")
	}
}

// Version is the Version check endpoint.
func (handler *HealthCheckHandler) Version(w *utils.ResponseWriter, r *http.Request) {
	io.WriteString(w, utils.GetConfig().Version)
}

// SetDisable flips the manual health check switch.
func (handler *HealthCheckHandler) SetDisable(disable bool) {
	handler.Lock()
	defer handler.Unlock()
	handler.disable = disable
}
