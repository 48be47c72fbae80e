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

import "github.com/gravitee-io/gravitee-api-management-sub109/internal/constants"

// Decoration adds cross-cutting behavior to the request and response handles.
type Decoration interface {
	Name() string
	DecorateRequest(req *Request)
	DecorateResponse(resp *Response)
}

// TransactionDecoration propagates the transaction and request ids as headers.
// An incoming transaction id is kept; otherwise the request id is used.
type TransactionDecoration struct {
	transactionID string
	requestID     string
}

func (d *TransactionDecoration) Name() string { return "transaction" }

func (d *TransactionDecoration) DecorateRequest(req *Request) {
	d.requestID = req.ID
	d.transactionID = req.Headers.Get(constants.HeaderTransactionID)
	if d.transactionID == "" {
		d.transactionID = req.ID
	}
	req.TransactionID = d.transactionID
	req.Headers.Set(constants.HeaderTransactionID, d.transactionID)
	req.Headers.Set(constants.HeaderRequestID, d.requestID)
}

func (d *TransactionDecoration) DecorateResponse(resp *Response) {
	resp.Headers.Set(constants.HeaderTransactionID, d.transactionID)
	resp.Headers.Set(constants.HeaderRequestID, d.requestID)
}
