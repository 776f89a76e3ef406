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
	"net/http"
	"net/http/httptest"

	"github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = ginkgo.Describe("http utils", func() {
	ginkgo.It("ResponseWriter should write json objects", func() {
		recorder := httptest.NewRecorder()
		rw := NewResponseWriter(recorder)
		rw.WriteObject(map[string]int{"value": 1})
		Ω(recorder.Code).Should(Equal(http.StatusOK))
		Ω(recorder.Header().Get(HTTPContentTypeHeaderKey)).Should(Equal(HTTPContentTypeApplicationJson))
		Ω(recorder.Body.String()).Should(Equal(`{"value":1}`))
	})

	ginkgo.It("ResponseWriter should honor APIError codes", func() {
		recorder := httptest.NewRecorder()
		rw := NewResponseWriter(recorder)
		rw.WriteError(APIError{Code: http.StatusBadRequest, Message: "bad input"})
		Ω(recorder.Code).Should(Equal(http.StatusBadRequest))
		Ω(recorder.Body.String()).Should(ContainSubstring("bad input"))
	})

	ginkgo.It("non api errors should map to internal server error", func() {
		recorder := httptest.NewRecorder()
		rw := NewResponseWriter(recorder)
		rw.WriteError(StackError(nil, "boom"))
		Ω(recorder.Code).Should(Equal(http.StatusInternalServerError))
	})

	ginkgo.It("GetFuncName should strip the package path", func() {
		Ω(GetFuncName(GetOrigin)).Should(Equal("GetOrigin"))
	})

	ginkgo.It("GetOrigin should default to UNKNOWN", func() {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		Ω(GetOrigin(r)).Should(Equal("UNKNOWN"))
		r.Header.Set("RPC-Caller", "test-caller")
		Ω(GetOrigin(r)).Should(Equal("test-caller"))
	})
})
