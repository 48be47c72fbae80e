/*
 * Copyright (c) 2025, WSO2 LLC. (https://www.wso2.com).
 *
 * WSO2 LLC. licenses this file to you under the Apache License,
 * Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.
 * You may obtain a copy of the License at
 *
 * http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing,
 * software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
 * KIND, either express or implied.  See the License for the
 * specific language governing permissions and limitations
 * under the License.
 */

package execution

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/gravitee-io/gravitee-api-management-sub109/internal/constants"
)

// Failure describes a terminal, client visible interruption of a request.
// Policies produce failures through the chain handle; the engine produces them
// for plan resolution misses, timeouts and internal errors.
type Failure struct {
	StatusCode  int
	Key         string
	Message     string
	ContentType string
	Headers     map[string]string

	// Body, when set, is written verbatim instead of the JSON rendering of Message.
	Body []byte
}

// NewFailure creates a failure with a JSON body rendered from the message.
func NewFailure(statusCode int, key, message string) *Failure {
	return &Failure{
		StatusCode: statusCode,
		Key:        key,
		Message:    message,
	}
}

// InternalError builds the generic 500 failure returned when a policy faults.
// Only the error id is exposed; callers log the actual cause under the same id.
func InternalError() (*Failure, string) {
	errorID := uuid.New().String()
	return &Failure{
		StatusCode:  http.StatusInternalServerError,
		Key:         constants.KeyInternalError,
		Message:     "Internal Server Error",
		ContentType: "application/json",
		Headers: map[string]string{
			constants.HeaderErrorID: errorID,
		},
		Body: []byte(fmt.Sprintf(`{"error":"Internal Server Error","error_id":"%s"}`, errorID)),
	}, errorID
}

func (f *Failure) Error() string {
	if f.Key == "" {
		return fmt.Sprintf("%d: %s", f.StatusCode, f.Message)
	}
	return fmt.Sprintf("%d %s: %s", f.StatusCode, f.Key, f.Message)
}

// RenderBody returns the bytes to send to the client and their content type.
func (f *Failure) RenderBody() ([]byte, string) {
	if f.Body != nil {
		ct := f.ContentType
		if ct == "" {
			ct = "text/plain"
		}
		return f.Body, ct
	}

	body, err := json.Marshal(struct {
		Message    string `json:"message"`
		HTTPStatus int    `json:"http_status_code"`
	}{
		Message:    f.Message,
		HTTPStatus: f.StatusCode,
	})
	if err != nil {
		return []byte(f.Message), "text/plain"
	}
	return body, "application/json"
}
