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

package metrics

import "github.com/prometheus/client_golang/prometheus"

func counterOpts(name string) prometheus.CounterOpts {
	return prometheus.CounterOpts{Namespace: "test", Name: name, Help: name}
}

func gaugeOpts(name string) prometheus.GaugeOpts {
	return prometheus.GaugeOpts{Namespace: "test", Name: name, Help: name}
}

func histogramOpts(name string) prometheus.HistogramOpts {
	return prometheus.HistogramOpts{Namespace: "test", Name: name, Help: name}
}
