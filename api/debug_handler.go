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

// Package api exposes the allocator's debug surface over HTTP: device
// statistics, the segment snapshot and cache management operations.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/Pavelanln/gpualloc/memalloc"
	"github.com/Pavelanln/gpualloc/utils"
)

// DebugHandler serves allocator introspection and management endpoints.
type DebugHandler struct {
	allocator *memalloc.Allocator
}

// NewDebugHandler creates a handler over the allocator.
func NewDebugHandler(allocator *memalloc.Allocator) *DebugHandler {
	return &DebugHandler{allocator: allocator}
}

// Register adds the debug endpoints to the router.
func (handler *DebugHandler) Register(router *mux.Router, wrappers ...utils.HTTPHandlerWrapper) {
	router.HandleFunc("/devices", utils.ApplyHTTPWrappers(handler.ListDevices, wrappers...)).Methods(http.MethodGet)
	router.HandleFunc("/devices/{device}/stats", utils.ApplyHTTPWrappers(handler.GetDeviceStats, wrappers...)).Methods(http.MethodGet)
	router.HandleFunc("/devices/{device}/cache-info", utils.ApplyHTTPWrappers(handler.GetCacheInfo, wrappers...)).Methods(http.MethodGet)
	router.HandleFunc("/devices/{device}/empty-cache", utils.ApplyHTTPWrappers(handler.EmptyDeviceCache, wrappers...)).Methods(http.MethodPost)
	router.HandleFunc("/devices/{device}/reset-stats", utils.ApplyHTTPWrappers(handler.ResetStats, wrappers...)).Methods(http.MethodPost)
	router.HandleFunc("/devices/{device}/memory-fraction", utils.ApplyHTTPWrappers(handler.SetMemoryFraction, wrappers...)).Methods(http.MethodPost)
	router.HandleFunc("/snapshot", utils.ApplyHTTPWrappers(handler.GetSnapshot, wrappers...)).Methods(http.MethodGet)
	router.HandleFunc("/empty-cache", utils.ApplyHTTPWrappers(handler.EmptyCache, wrappers...)).Methods(http.MethodPost)
}

// DeviceSummary is one row of the device listing.
type DeviceSummary struct {
	Device         int   `json:"device"`
	AllocatedBytes int64 `json:"allocatedBytes"`
	ReservedBytes  int64 `json:"reservedBytes"`
	NumOOMs        int64 `json:"numOoms"`
}

// CacheInfoResponse reports the cached free memory of one device.
type CacheInfoResponse struct {
	Device       int   `json:"device"`
	CachedBytes  int64 `json:"cachedBytes"`
	LargestBlock int64 `json:"largestBlock"`
}

// SetMemoryFractionRequest caps a device's reserved memory.
type SetMemoryFractionRequest struct {
	Fraction float64 `json:"fraction"`
}

// ListDevices returns a summary for every managed device.
func (handler *DebugHandler) ListDevices(w *utils.ResponseWriter, r *http.Request) {
	summaries := make([]DeviceSummary, handler.allocator.DeviceCount())
	for device := range summaries {
		stats, err := handler.allocator.GetDeviceStats(device)
		if err != nil {
			w.WriteError(err)
			return
		}
		summaries[device] = DeviceSummary{
			Device:         device,
			AllocatedBytes: stats.AllocatedBytes[memalloc.AggregateStat].Current,
			ReservedBytes:  stats.ReservedBytes[memalloc.AggregateStat].Current,
			NumOOMs:        stats.NumOOMs,
		}
	}
	w.WriteObject(summaries)
}

// GetDeviceStats returns the full statistics of one device.
func (handler *DebugHandler) GetDeviceStats(w *utils.ResponseWriter, r *http.Request) {
	device, err := deviceParam(r)
	if err != nil {
		w.WriteError(err)
		return
	}
	stats, err := handler.allocator.GetDeviceStats(device)
	if err != nil {
		w.WriteErrorWithCode(http.StatusNotFound, err)
		return
	}
	w.WriteObject(stats)
}

// GetCacheInfo returns the cached free memory of one device.
func (handler *DebugHandler) GetCacheInfo(w *utils.ResponseWriter, r *http.Request) {
	device, err := deviceParam(r)
	if err != nil {
		w.WriteError(err)
		return
	}
	cachedBytes, largestBlock, err := handler.allocator.CacheInfo(device)
	if err != nil {
		w.WriteErrorWithCode(http.StatusNotFound, err)
		return
	}
	w.WriteObject(CacheInfoResponse{
		Device:       device,
		CachedBytes:  cachedBytes,
		LargestBlock: largestBlock,
	})
}

// GetSnapshot returns every live segment with its block chains.
func (handler *DebugHandler) GetSnapshot(w *utils.ResponseWriter, r *http.Request) {
	snapshot := handler.allocator.Snapshot()
	if snapshot == nil {
		snapshot = []memalloc.SegmentInfo{}
	}
	w.WriteObject(snapshot)
}

// EmptyCache releases releasable cached segments on every device.
func (handler *DebugHandler) EmptyCache(w *utils.ResponseWriter, r *http.Request) {
	handler.allocator.EmptyCache()
	w.WriteObject(nil)
}

// EmptyDeviceCache releases releasable cached segments on one device.
func (handler *DebugHandler) EmptyDeviceCache(w *utils.ResponseWriter, r *http.Request) {
	device, err := deviceParam(r)
	if err != nil {
		w.WriteError(err)
		return
	}
	if err := handler.allocator.EmptyDeviceCache(device); err != nil {
		w.WriteErrorWithCode(http.StatusNotFound, err)
		return
	}
	w.WriteObject(nil)
}

// ResetStats resets the peak or accumulated statistics of one device,
// selected by the kind query parameter.
func (handler *DebugHandler) ResetStats(w *utils.ResponseWriter, r *http.Request) {
	device, err := deviceParam(r)
	if err != nil {
		w.WriteError(err)
		return
	}
	switch kind := r.URL.Query().Get("kind"); kind {
	case "peak":
		err = handler.allocator.ResetPeakStats(device)
	case "accumulated":
		err = handler.allocator.ResetAccumulatedStats(device)
	default:
		w.WriteError(utils.APIError{
			Code:    http.StatusBadRequest,
			Message: "kind must be peak or accumulated",
		})
		return
	}
	if err != nil {
		w.WriteErrorWithCode(http.StatusNotFound, err)
		return
	}
	w.WriteObject(nil)
}

// SetMemoryFraction caps a device's reserved memory at a fraction of its
// capacity.
func (handler *DebugHandler) SetMemoryFraction(w *utils.ResponseWriter, r *http.Request) {
	device, err := deviceParam(r)
	if err != nil {
		w.WriteError(err)
		return
	}
	var req SetMemoryFractionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteError(utils.APIError{
			Code:    http.StatusBadRequest,
			Message: "failed to decode request body",
			Cause:   err,
		})
		return
	}
	if err := handler.allocator.SetMemoryFraction(device, req.Fraction); err != nil {
		w.WriteErrorWithCode(http.StatusBadRequest, err)
		return
	}
	w.WriteObject(nil)
}

func deviceParam(r *http.Request) (int, error) {
	device, err := strconv.Atoi(mux.Vars(r)["device"])
	if err != nil {
		return 0, utils.APIError{
			Code:    http.StatusBadRequest,
			Message: "device must be an integer",
			Cause:   err,
		}
	}
	return device, nil
}
