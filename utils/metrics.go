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
	"strconv"
	"sync"

	"github.com/uber-go/tally"
)

// MetricName is the type of the metric.
type MetricName int

// List of supported metric names.
const (
	AllocatedBytes MetricName = iota
	ReservedBytes
	ActiveBytes
	InactiveSplitBytes
	AllocationRequests
	FreeRequests
	SegmentAllocations
	SegmentReleases
	AllocRetries
	DeviceOOMs
	PendingFreeBlocks
	FreeCallbacksInvoked
	DeviceMallocLatency
	EmptyCacheLatency
	HTTPHandlerCall
	HTTPHandlerLatency
	// Enum sentinel.
	NumMetricNames
)

// MetricType is the supported metric type.
type MetricType int

// MetricTypes which are supported.
const (
	Counter MetricType = iota
	Gauge
	Timer
)

// metricDefinition contains the definition for a metric.
type metricDefinition struct {
	// scope name for this definition
	name string
	// additional tags
	tags map[string]string
	// metric type
	metricType MetricType

	// cached tally counter
	counter tally.Counter

	// cached tally gauge
	gauge tally.Gauge

	// cached tally timer
	timer tally.Timer
}

// Scope names.
const (
	scopeNameAllocatedBytes       = "allocated_bytes"
	scopeNameReservedBytes        = "reserved_bytes"
	scopeNameActiveBytes          = "active_bytes"
	scopeNameInactiveSplitBytes   = "inactive_split_bytes"
	scopeNameAllocationRequests   = "allocation_requests"
	scopeNameFreeRequests         = "free_requests"
	scopeNameSegmentAllocations   = "segment_allocations"
	scopeNameSegmentReleases      = "segment_releases"
	scopeNameAllocRetries         = "alloc_retries"
	scopeNameDeviceOOMs           = "device_ooms"
	scopeNamePendingFreeBlocks    = "pending_free_blocks"
	scopeNameFreeCallbacksInvoked = "free_callbacks_invoked"
	scopeNameDeviceMallocLatency  = "device_malloc_latency"
	scopeNameEmptyCacheLatency    = "empty_cache_latency"
	scopeNameHTTPHandlerCall      = "http.call"
	scopeNameHTTPHandlerLatency   = "http.latency"
)

// Metric tag names
const (
	metricsTagComponent  = "component"
	metricsTagHandler    = "handler"
	metricsTagStatusCode = "status_code"
	metricsTagOrigin     = "origin"
	metricsTagDevice     = "device"
)

// Metric component tag values
const (
	metricsComponentMemAlloc = "memalloc"
	metricsComponentAPI      = "api"
)

var metricsDefs = map[MetricName]metricDefinition{
	AllocatedBytes: {
		name:       scopeNameAllocatedBytes,
		metricType: Gauge,
		tags: map[string]string{
			metricsTagComponent: metricsComponentMemAlloc,
		},
	},
	ReservedBytes: {
		name:       scopeNameReservedBytes,
		metricType: Gauge,
		tags: map[string]string{
			metricsTagComponent: metricsComponentMemAlloc,
		},
	},
	ActiveBytes: {
		name:       scopeNameActiveBytes,
		metricType: Gauge,
		tags: map[string]string{
			metricsTagComponent: metricsComponentMemAlloc,
		},
	},
	InactiveSplitBytes: {
		name:       scopeNameInactiveSplitBytes,
		metricType: Gauge,
		tags: map[string]string{
			metricsTagComponent: metricsComponentMemAlloc,
		},
	},
	AllocationRequests: {
		name:       scopeNameAllocationRequests,
		metricType: Counter,
		tags: map[string]string{
			metricsTagComponent: metricsComponentMemAlloc,
		},
	},
	FreeRequests: {
		name:       scopeNameFreeRequests,
		metricType: Counter,
		tags: map[string]string{
			metricsTagComponent: metricsComponentMemAlloc,
		},
	},
	SegmentAllocations: {
		name:       scopeNameSegmentAllocations,
		metricType: Counter,
		tags: map[string]string{
			metricsTagComponent: metricsComponentMemAlloc,
		},
	},
	SegmentReleases: {
		name:       scopeNameSegmentReleases,
		metricType: Counter,
		tags: map[string]string{
			metricsTagComponent: metricsComponentMemAlloc,
		},
	},
	AllocRetries: {
		name:       scopeNameAllocRetries,
		metricType: Counter,
		tags: map[string]string{
			metricsTagComponent: metricsComponentMemAlloc,
		},
	},
	DeviceOOMs: {
		name:       scopeNameDeviceOOMs,
		metricType: Counter,
		tags: map[string]string{
			metricsTagComponent: metricsComponentMemAlloc,
		},
	},
	PendingFreeBlocks: {
		name:       scopeNamePendingFreeBlocks,
		metricType: Gauge,
		tags: map[string]string{
			metricsTagComponent: metricsComponentMemAlloc,
		},
	},
	FreeCallbacksInvoked: {
		name:       scopeNameFreeCallbacksInvoked,
		metricType: Counter,
		tags: map[string]string{
			metricsTagComponent: metricsComponentMemAlloc,
		},
	},
	DeviceMallocLatency: {
		name:       scopeNameDeviceMallocLatency,
		metricType: Timer,
		tags: map[string]string{
			metricsTagComponent: metricsComponentMemAlloc,
		},
	},
	EmptyCacheLatency: {
		name:       scopeNameEmptyCacheLatency,
		metricType: Timer,
		tags: map[string]string{
			metricsTagComponent: metricsComponentMemAlloc,
		},
	},
	HTTPHandlerCall: {
		name:       scopeNameHTTPHandlerCall,
		metricType: Counter,
		tags: map[string]string{
			metricsTagComponent: metricsComponentAPI,
		},
	},
	HTTPHandlerLatency: {
		name:       scopeNameHTTPHandlerLatency,
		metricType: Timer,
		tags: map[string]string{
			metricsTagComponent: metricsComponentAPI,
		},
	},
}

func (def *metricDefinition) init(rootScope tally.Scope) {
	switch def.metricType {
	case Counter:
		def.counter = rootScope.Tagged(def.tags).Counter(def.name)
	case Gauge:
		def.gauge = rootScope.Tagged(def.tags).Gauge(def.name)
	case Timer:
		def.timer = rootScope.Tagged(def.tags).Timer(def.name)
	}
}

// ReporterFactory manages reporters for different devices. If the
// corresponding metrics are not associated with any device it can use the
// root reporter.
type ReporterFactory struct {
	sync.RWMutex
	rootReporter *Reporter
	reporters    map[int]*Reporter
}

// NewReporterFactory returns a new report factory.
func NewReporterFactory(rootScope tally.Scope) *ReporterFactory {
	return &ReporterFactory{
		rootReporter: NewReporter(rootScope),
		reporters:    make(map[int]*Reporter),
	}
}

// AddDevice adds a reporter for the given device. It should be called when
// the allocator takes ownership of the device.
func (f *ReporterFactory) AddDevice(device int) {
	f.Lock()
	defer f.Unlock()
	_, ok := f.reporters[device]
	if !ok {
		f.reporters[device] = NewReporter(f.rootReporter.GetRootScope().Tagged(map[string]string{
			metricsTagDevice: strconv.Itoa(device),
		}))
	}
}

// DeleteDevice deletes the reporter for the given device.
func (f *ReporterFactory) DeleteDevice(device int) {
	f.Lock()
	defer f.Unlock()
	delete(f.reporters, device)
}

// GetReporter returns reporter given the device id. If the corresponding
// reporter cannot be found it will return the root reporter.
func (f *ReporterFactory) GetReporter(device int) *Reporter {
	f.RLock()
	defer f.RUnlock()
	reporter, ok := f.reporters[device]
	if ok {
		return reporter
	}
	return f.rootReporter
}

// GetRootReporter returns the root reporter.
func (f *ReporterFactory) GetRootReporter() *Reporter {
	return f.rootReporter
}

// Reporter is the interface used to report stats.
type Reporter struct {
	rootScope         tally.Scope
	cachedDefinitions []metricDefinition
}

// NewReporter returns a new reporter with supplied root scope.
func NewReporter(rootScope tally.Scope) *Reporter {
	defs := make([]metricDefinition, NumMetricNames)
	for key, metricDefinition := range metricsDefs {
		metricDefinition.init(rootScope)
		defs[key] = metricDefinition
	}
	return &Reporter{rootScope: rootScope, cachedDefinitions: defs}
}

// GetCounter returns the tally counter with corresponding tags.
func (r *Reporter) GetCounter(n MetricName) tally.Counter {
	def := r.cachedDefinitions[n]
	if def.metricType == Counter {
		return def.counter
	}
	GetLogger().Fatalf("Cannot get counter given %d", n)
	return nil
}

// GetGauge returns the tally gauge with corresponding tags.
func (r *Reporter) GetGauge(n MetricName) tally.Gauge {
	def := r.cachedDefinitions[n]
	if def.metricType == Gauge {
		return def.gauge
	}
	GetLogger().Fatalf("Cannot get gauge given %d", n)
	return nil
}

// GetTimer returns the tally timer with corresponding tags.
func (r *Reporter) GetTimer(n MetricName) tally.Timer {
	def := r.cachedDefinitions[n]
	if def.metricType == Timer {
		return def.timer
	}
	GetLogger().Fatalf("Cannot get timer given %d", n)
	return nil
}

// GetChildGauge creates a tagged child gauge from the reporter.
func (r *Reporter) GetChildGauge(tags map[string]string, n MetricName) tally.Gauge {
	childScope := r.rootScope.Tagged(tags)
	def := r.cachedDefinitions[n]
	if def.metricType == Gauge {
		return childScope.Tagged(def.tags).Gauge(def.name)
	}
	GetLogger().Fatalf("Cannot get child gauge given %d", n)
	return nil
}

// GetRootScope returns the root scope wrapped by this reporter.
func (r *Reporter) GetRootScope() tally.Scope {
	return r.rootScope
}
