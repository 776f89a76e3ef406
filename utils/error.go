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
	"errors"
	"fmt"
	"runtime"
	"strings"
)

// APIError is an error to be written back to an HTTP client, carrying the
// status code to respond with. The code is not serialized; the body holds
// the message and the underlying cause.
type APIError struct {
	Code    int    `json:"-"`
	Message string `json:"message"`
	Cause   error  `json:"cause"`
}

func (e APIError) Error() string {
	cause := ""
	if e.Cause != nil {
		cause = e.Cause.Error()
	}
	return fmt.Sprintf("%s\n%s", e.Message, cause)
}

// StackedError is an error annotated with context messages as it travels up
// the call chain, plus the goroutine stack captured where it originated.
type StackedError struct {
	Messages []string `json:"messages"`
	Stack    []string `json:"stack"`
}

func (e *StackedError) Error() string {
	var result string
	for i := len(e.Messages) - 1; i >= 0; i-- {
		result += e.Messages[i]
		result += "\n"
	}
	result += strings.Join(e.Stack, "\n")
	return result
}

// newStackedError captures the current goroutine stack for a fresh error.
func newStackedError(message string) *StackedError {
	stack := make([]byte, 0x10000)
	n := runtime.Stack(stack, false)
	return &StackedError{
		Messages: []string{message},
		Stack:    strings.Split(strings.TrimSuffix(string(stack[:n]), "\n"), "\n"),
	}
}

// StackError annotates err with one more message. A StackedError gains the
// message in place; any other error (or nil) starts a new StackedError with
// the stack trace of the calling goroutine.
func StackError(err error, message string, args ...interface{}) *StackedError {
	if err == nil {
		return newStackedError(fmt.Sprintf(message, args...))
	}

	e, ok := err.(*StackedError)
	if !ok {
		e = newStackedError(err.Error())
	}

	if message != "" {
		e.Messages = append(e.Messages, fmt.Sprintf(message, args...))
	}
	return e
}

// RecoverWrap runs call and converts any panic inside it into an error, so
// a misbehaving callback cannot take the process down.
func RecoverWrap(call func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			switch x := r.(type) {
			case string:
				err = errors.New(x)
			case error:
				err = x
			default:
				err = fmt.Errorf("panic: %v", r)
			}
		}
	}()

	err = call()
	return
}
